package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"waterlevel-backend/internal/devstate"
	"waterlevel-backend/internal/event"
	"waterlevel-backend/internal/level"
	"waterlevel-backend/internal/model"
	"waterlevel-backend/internal/registry"
)

// RelayUpdate handles GET /relay-update, the relay poll/exchange endpoint.
//
// One poll does all of: record the reported relay state and RSSI, persist
// and fan out the EVENTS batch, consume the single-slot pending action, and
// echo the full automation configuration back as response headers. When a
// sensor is paired, the sensor's latest reading and calibration are folded
// in so the relay firmware receives the computed fill percent.
func (h *Handler) RelayUpdate(c *gin.Context) {
	ctx := c.Request.Context()

	publicKey, err := h.registry.ResolvePrivateKey(ctx, c.Query("key"))
	if err != nil {
		if errors.Is(err, registry.ErrInvalidCredential) {
			c.JSON(http.StatusNotFound, gin.H{"error": "invalid private key"})
			return
		}
		slog.Error("resolve credential", "error", err)
		c.String(http.StatusServiceUnavailable, "ERROR")
		return
	}

	status, _ := strconv.Atoi(c.Query("status"))
	rssi := rssiHeader(c)
	now := time.Now().Unix()

	if err := h.state.SetRelaySnapshot(ctx, publicKey, devstate.RelaySnapshot{
		Status:     status,
		ObservedAt: now,
		RSSIdBm:    rssi,
	}); err != nil {
		slog.Error("store relay snapshot", "public_key", publicKey, "error", err)
		c.String(http.StatusServiceUnavailable, "ERROR")
		return
	}

	dev, err := h.registry.DeviceByPublicKey(ctx, publicKey)
	if err != nil {
		slog.Error("load device", "public_key", publicKey, "error", err)
		c.String(http.StatusServiceUnavailable, "ERROR")
		return
	}

	sett, err := h.registry.RelaySettings(ctx, dev.ID)
	if err != nil {
		// A relay without settings still gets a response with default
		// fields rather than a failed poll.
		slog.Error("relay has no settings", "public_key", publicKey, "error", err)
		sett = model.DefaultRelaySettings(dev.ID)
	}

	batch := event.ParseBatch(c.GetHeader("EVENTS"))
	if len(batch) > 0 {
		h.handleRelayEvents(c, dev.ID, publicKey, batch, &sett)
	}

	// Exactly one poll observes a pending command: reading it resets the
	// slot to neutral.
	action, err := h.state.ConsumeAction(ctx, publicKey)
	if err != nil {
		slog.Error("consume relay action", "public_key", publicKey, "error", err)
		action = devstate.ActionNeutral
	}

	hoursOff := sett.HoursOff
	if hoursOff == "" {
		hoursOff = "-"
	}

	c.Header("fw-version", strconv.Itoa(h.cfg.Firmware.RelayVersion))
	c.Header("ALGO", strconv.Itoa(sett.Algo))
	c.Header("SAFE_MODE", strconv.Itoa(sett.SafeMode))
	c.Header("START_LEVEL", strconv.Itoa(sett.StartLevel))
	c.Header("END_LEVEL", strconv.Itoa(sett.EndLevel))
	c.Header("AUTO_OFF", strconv.Itoa(sett.AutoOff))
	c.Header("AUTO_ON", strconv.Itoa(sett.AutoOn))
	c.Header("MIN_FLOW_MM_X_MIN", strconv.Itoa(sett.MinFlowMMxMin))
	c.Header("ACTION", strconv.Itoa(int(action)))
	c.Header("BLIND_DISTANCE", strconv.Itoa(sett.BlindDistance))
	c.Header("HOURS_OFF", hoursOff)

	percent, eventTime, currentTime, distance, poolTime := h.pairedSensorReading(c, sett)
	c.Header("percent", strconv.Itoa(percent))
	c.Header("event-time", strconv.FormatInt(eventTime, 10))
	c.Header("current-time", strconv.FormatInt(currentTime, 10))
	c.Header("distance", strconv.Itoa(distance))
	c.Header("pool-time", strconv.Itoa(poolTime))

	c.String(http.StatusOK, "OK")
}

// handleRelayEvents appends the batch to the durable audit log (with
// adjacent-duplicate suppression), overwrites the live buffer the dashboard
// drains, and applies the safety interlock on critical codes.
func (h *Handler) handleRelayEvents(c *gin.Context, deviceID int64, publicKey string, batch event.Batch, sett *model.RelaySettings) {
	ctx := c.Request.Context()

	if _, err := h.registry.AppendRelayEvents(ctx, deviceID, batch); err != nil {
		slog.Error("append relay events", "device_id", deviceID, "error", err)
	}
	if err := h.state.SetLiveEvents(ctx, publicKey, batch.String()); err != nil {
		slog.Error("store live events", "public_key", publicKey, "error", err)
	}

	if batch.HasCritical() {
		// Automation must not keep driving a pump on a faulty sensor or a
		// reading inside the danger blind area.
		slog.Warn("critical relay event, forcing manual mode", "device_id", deviceID, "events", batch.String())
		if err := h.registry.DisableAutoMode(ctx, deviceID); err != nil {
			slog.Error("disable auto mode", "device_id", deviceID, "error", err)
		} else {
			sett.Algo = 0
		}
	}
}

// pairedSensorReading resolves the relay's paired sensor, if any, and
// returns the computed fill percent plus the timing fields the firmware
// uses to judge reading freshness. Zero values mean "no paired sensor".
func (h *Handler) pairedSensorReading(c *gin.Context, sett model.RelaySettings) (percent int, eventTime, currentTime int64, distance, poolTime int) {
	if sett.SensorKey == "" || sett.SensorKey == model.SensorNoneKey {
		return 0, 0, 0, 0, 0
	}
	ctx := c.Request.Context()

	snap, ok, err := h.state.SensorSnapshot(ctx, sett.SensorKey)
	if err != nil {
		slog.Error("load paired sensor snapshot", "sensor_key", sett.SensorKey, "error", err)
		return 0, 0, 0, 0, 0
	}
	if !ok {
		snap = devstate.TelemetrySnapshot{}
	}

	sensorDev, err := h.registry.DeviceByPublicKey(ctx, sett.SensorKey)
	if err != nil {
		slog.Error("load paired sensor device", "sensor_key", sett.SensorKey, "error", err)
		return 0, 0, 0, 0, 0
	}
	sensorSett, err := h.registry.SensorSettings(ctx, sensorDev.ID)
	if err != nil {
		slog.Error("load paired sensor settings", "sensor_key", sett.SensorKey, "error", err)
		return 0, 0, 0, 0, 0
	}

	percent = level.Percent(float64(snap.DistanceCM), sensorSett.TopMargin, sensorSett.EmptyLevel)
	return percent, snap.ObservedAt, time.Now().Unix(), snap.DistanceCM, sensorSett.WifiPoolTime
}
