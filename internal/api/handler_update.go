package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"waterlevel-backend/internal/devstate"
	"waterlevel-backend/internal/registry"
)

// Ingestion throttle: an update arriving while the previous one is younger
// than the floor (minus grace) is discarded without being stored. This
// protects the store from a misbehaving device flooding updates, whatever
// poll interval it was configured with.
const (
	minUpdateSeconds   = 30
	updateGraceSeconds = 5
)

// Update handles GET /update, the sensor telemetry ingestion endpoint.
//
// The response contract is fixed by deployed firmware: the body is the
// literal text "OK" or "ERROR" (always HTTP 200 for missing fields), and
// the advertised poll interval travels in the "wpl" header. Only an
// unresolvable credential gets a structured 404.
func (h *Handler) Update(c *gin.Context) {
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

	distanceRaw := c.Query("distance")
	voltageRaw := c.Query("voltage")
	if distanceRaw == "" || voltageRaw == "" {
		// Legacy quirk: firmware only checks the body text, so missing
		// fields answer "ERROR" with HTTP 200.
		c.String(http.StatusOK, "ERROR")
		return
	}
	distance, derr := strconv.Atoi(distanceRaw)
	voltage, verr := strconv.Atoi(voltageRaw)
	if derr != nil || verr != nil {
		c.String(http.StatusOK, "ERROR")
		return
	}
	rssi := rssiHeader(c)

	dev, err := h.registry.DeviceByPublicKey(ctx, publicKey)
	if err != nil {
		slog.Error("load device", "public_key", publicKey, "error", err)
		c.String(http.StatusServiceUnavailable, "ERROR")
		return
	}

	h.recordHourlyUptime(c, dev.ID)

	now := time.Now().Unix()
	accepted, err := h.acceptReading(c, publicKey, devstate.TelemetrySnapshot{
		DistanceCM:        distance,
		ObservedAt:        now,
		BatteryCentivolts: voltage,
		RSSIdBm:           rssi,
	})
	if err != nil {
		slog.Error("store telemetry", "public_key", publicKey, "error", err)
		c.String(http.StatusServiceUnavailable, "ERROR")
		return
	}
	if !accepted {
		slog.Warn("update frequency violation", "device_id", dev.ID)
	}

	// The device's future cadence comes from its durable setting, raised
	// to the server floor when stale. The discard floor above still applies
	// to each individual update independently.
	wpl := 0
	sett, err := h.registry.SensorSettings(ctx, dev.ID)
	switch {
	case err == nil:
		if sett.WifiPoolTime < minUpdateSeconds {
			if uerr := h.registry.UpdateSensorPollTime(ctx, dev.ID, minUpdateSeconds); uerr != nil {
				slog.Error("raise sensor poll time", "device_id", dev.ID, "error", uerr)
			} else {
				slog.Warn("raised sensor poll time", "device_id", dev.ID, "pool_time", minUpdateSeconds)
				sett.WifiPoolTime = minUpdateSeconds
			}
		}
		wpl = sett.WifiPoolTime
	case errors.Is(err, registry.ErrMissingSettings):
		slog.Error("sensor has no settings", "device_id", dev.ID)
	default:
		slog.Error("load sensor settings", "device_id", dev.ID, "error", err)
	}

	c.Header("fw-version", strconv.Itoa(h.cfg.Firmware.SensorVersion))
	c.Header("wpl", strconv.Itoa(wpl))
	c.String(http.StatusOK, "OK")
}

// acceptReading applies the throttle and overwrites the snapshot when the
// reading passes. A discarded reading is not an error; the device still
// sees a normal response.
func (h *Handler) acceptReading(c *gin.Context, publicKey string, snap devstate.TelemetrySnapshot) (bool, error) {
	ctx := c.Request.Context()
	prev, ok, err := h.state.SensorSnapshot(ctx, publicKey)
	if err != nil {
		return false, err
	}
	if ok {
		elapsed := snap.ObservedAt - prev.ObservedAt
		if elapsed+updateGraceSeconds < minUpdateSeconds {
			return false, nil
		}
	}
	return true, h.state.SetSensorSnapshot(ctx, publicKey, snap)
}

// recordHourlyUptime bumps the coarse alive counter at most once per
// calendar hour, gated by a TTL marker in the state store.
func (h *Handler) recordHourlyUptime(c *gin.Context, deviceID int64) {
	ctx := c.Request.Context()
	first, err := h.state.MarkHourUptime(ctx, deviceID, time.Now().Hour())
	if err != nil {
		slog.Error("mark uptime", "device_id", deviceID, "error", err)
		return
	}
	if !first {
		return
	}
	if err := h.registry.RecordUptime(ctx, deviceID); err != nil {
		slog.Error("record uptime", "device_id", deviceID, "error", err)
	}
}

// rssiHeader reads the signal strength header, defaulting to 0 when absent
// or malformed.
func rssiHeader(c *gin.Context) int {
	n, err := strconv.Atoi(c.GetHeader("RSSI"))
	if err != nil {
		return 0
	}
	return n
}
