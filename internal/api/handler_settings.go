package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"waterlevel-backend/internal/event"
	"waterlevel-backend/internal/model"
	"waterlevel-backend/internal/registry"
)

// recentEventsLimit bounds the audit-log slice shown on the relay device
// page.
const recentEventsLimit = 20

// adminAuthorized checks the admin token guarding provisioning and settings
// writes. An unset token disables the admin surface entirely.
func (h *Handler) adminAuthorized(c *gin.Context) bool {
	token := h.cfg.Admin.Token
	if token == "" || c.GetHeader("X-Admin-Token") != token {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return false
	}
	return true
}

// GetDeviceSettings handles GET /device_settings_api: the durable settings
// row plus the coarse uptime counter for one device.
func (h *Handler) GetDeviceSettings(c *gin.Context) {
	ctx := c.Request.Context()
	key := h.resolveDemoAlias(c.Query("public_key"))

	dev, err := h.registry.DeviceByPublicKey(ctx, key)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidCredential) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown device"})
			return
		}
		slog.Error("load device", "public_key", key, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	upHours, err := h.registry.UptimeHours(ctx, dev.ID)
	if err != nil {
		slog.Error("load uptime", "device_id", dev.ID, "error", err)
	}

	resp := gin.H{
		"public_key": dev.PublicKey,
		"kind":       dev.Kind.String(),
		"up_hours":   upHours,
	}

	if dev.Kind.IsSensor() {
		sett, err := h.registry.SensorSettings(ctx, dev.ID)
		if err != nil && !errors.Is(err, registry.ErrMissingSettings) {
			slog.Error("load sensor settings", "device_id", dev.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		resp["sensor_setting"] = gin.H{
			"empty_level":    sett.EmptyLevel,
			"top_margin":     sett.TopMargin,
			"wifi_pool_time": sett.WifiPoolTime,
		}
	} else {
		sett, err := h.registry.RelaySettings(ctx, dev.ID)
		if err != nil && !errors.Is(err, registry.ErrMissingSettings) {
			slog.Error("load relay settings", "device_id", dev.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		resp["relay_setting"] = gin.H{
			"algo":              sett.Algo,
			"safe_mode":         sett.SafeMode,
			"start_level":       sett.StartLevel,
			"end_level":         sett.EndLevel,
			"auto_off":          sett.AutoOff,
			"auto_on":           sett.AutoOn,
			"min_flow_mm_x_min": sett.MinFlowMMxMin,
			"sensor_key":        sett.SensorKey,
			"blind_distance":    sett.BlindDistance,
			"hours_off":         sett.HoursOff,
		}

		// Relays also get their recent audit-log batches, newest first.
		// This is the durable history; the transient live buffer stays on
		// the relay view.
		rows, err := h.registry.RecentRelayEvents(ctx, dev.ID, recentEventsLimit)
		if err != nil {
			slog.Error("load relay events", "device_id", dev.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		events := make([]gin.H, 0, len(rows))
		for _, row := range rows {
			events = append(events, gin.H{
				"codes":        row.Codes,
				"descriptions": event.ParseBatch(row.Codes).Descriptions(),
				"time":         row.CreatedAt.Unix(),
			})
		}
		resp["recent_events"] = events
	}

	c.JSON(http.StatusOK, resp)
}

type sensorSettingRequest struct {
	EmptyLevel   int `json:"empty_level" binding:"required"`
	TopMargin    int `json:"top_margin" binding:"required"`
	WifiPoolTime int `json:"wifi_pool_time" binding:"required"`
}

type relaySettingRequest struct {
	Algo          int    `json:"algo"`
	SafeMode      int    `json:"safe_mode"`
	StartLevel    int    `json:"start_level"`
	EndLevel      int    `json:"end_level"`
	AutoOff       int    `json:"auto_off"`
	AutoOn        int    `json:"auto_on"`
	MinFlowMMxMin int    `json:"min_flow_mm_x_min"`
	SensorKey     string `json:"sensor_key"`
	BlindDistance int    `json:"blind_distance"`
	HoursOff      string `json:"hours_off"`
}

type updateSettingsRequest struct {
	PublicKey     string                `json:"public_key" binding:"required"`
	SensorSetting *sensorSettingRequest `json:"sensor_setting"`
	RelaySetting  *relaySettingRequest  `json:"relay_setting"`
}

// UpdateDeviceSettings handles POST /device_settings_api. Exactly one of
// sensor_setting / relay_setting must be present and must match the device
// kind; validation failures come back as 400 with the reason.
func (h *Handler) UpdateDeviceSettings(c *gin.Context) {
	if !h.adminAuthorized(c) {
		return
	}
	ctx := c.Request.Context()

	var req updateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if (req.SensorSetting == nil) == (req.RelaySetting == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exactly one of sensor_setting or relay_setting required"})
		return
	}

	dev, err := h.registry.DeviceByPublicKey(ctx, req.PublicKey)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidCredential) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown device"})
			return
		}
		slog.Error("load device", "public_key", req.PublicKey, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	switch {
	case req.SensorSetting != nil:
		if !dev.Kind.IsSensor() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sensor_setting on a relay device"})
			return
		}
		err = h.registry.UpdateSensorSettings(ctx, dev.Kind, model.SensorSettings{
			DeviceID:     dev.ID,
			EmptyLevel:   req.SensorSetting.EmptyLevel,
			TopMargin:    req.SensorSetting.TopMargin,
			WifiPoolTime: req.SensorSetting.WifiPoolTime,
		})
	default:
		if dev.Kind != model.KindRelay {
			c.JSON(http.StatusBadRequest, gin.H{"error": "relay_setting on a sensor device"})
			return
		}
		err = h.registry.UpdateRelaySettings(ctx, model.RelaySettings{
			DeviceID:      dev.ID,
			Algo:          req.RelaySetting.Algo,
			SafeMode:      req.RelaySetting.SafeMode,
			StartLevel:    req.RelaySetting.StartLevel,
			EndLevel:      req.RelaySetting.EndLevel,
			AutoOff:       req.RelaySetting.AutoOff,
			AutoOn:        req.RelaySetting.AutoOn,
			MinFlowMMxMin: req.RelaySetting.MinFlowMMxMin,
			SensorKey:     req.RelaySetting.SensorKey,
			BlindDistance: req.RelaySetting.BlindDistance,
			HoursOff:      req.RelaySetting.HoursOff,
		})
	}
	if err != nil {
		if errors.Is(err, registry.ErrInvalidSetting) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.Error("save settings", "public_key", req.PublicKey, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

type provisionRequest struct {
	Kind int    `json:"kind" binding:"required"`
	Note string `json:"note"`
}

// Provision handles POST /provision_api: creates a device of the requested
// kind with a fresh key pair and default settings.
func (h *Handler) Provision(c *gin.Context) {
	if !h.adminAuthorized(c) {
		return
	}

	var req provisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dev, err := h.registry.Provision(c.Request.Context(), model.DeviceKind(req.Kind), req.Note)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidSetting) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.Error("provision device", "kind", req.Kind, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"private_key": dev.PrivateKey,
		"public_key":  dev.PublicKey,
		"kind":        dev.Kind.String(),
	})
}
