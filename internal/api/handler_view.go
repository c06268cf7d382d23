package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"waterlevel-backend/internal/devstate"
	"waterlevel-backend/internal/event"
)

// SensorView handles GET /sensor_view_api, the dashboard projection of the
// latest sensor snapshot. diff_time is seconds since the reading was
// accepted; a large value means the device is offline.
func (h *Handler) SensorView(c *gin.Context) {
	ctx := c.Request.Context()
	key := h.resolveDemoAlias(c.Query("public_key"))

	snap, ok, err := h.state.SensorSnapshot(ctx, key)
	if err != nil {
		slog.Error("load sensor snapshot", "public_key", key, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "state store unavailable"})
		return
	}

	var (
		diffTime int64
		voltage  float64
	)
	if ok {
		diffTime = time.Now().Unix() - snap.ObservedAt
		voltage = float64(snap.BatteryCentivolts) / 100.0
	}

	c.JSON(http.StatusOK, gin.H{
		"distance":  snap.DistanceCM,
		"rtime":     snap.ObservedAt,
		"skey":      key,
		"diff_time": diffTime,
		"voltage":   voltage,
		"rssi":      snap.RSSIdBm,
	})
}

// RelayView handles GET /relay_view_api. Reading the live-event buffer is
// destructive: each dashboard poll only sees events that arrived since the
// previous poll.
func (h *Handler) RelayView(c *gin.Context) {
	ctx := c.Request.Context()
	key := h.resolveDemoAlias(c.Query("public_key"))

	snap, ok, err := h.state.RelaySnapshot(ctx, key)
	if err != nil {
		slog.Error("load relay snapshot", "public_key", key, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "state store unavailable"})
		return
	}

	events := []string{}
	raw, err := h.state.DrainLiveEvents(ctx, key)
	if err != nil {
		slog.Error("drain live events", "public_key", key, "error", err)
	} else if raw != "" {
		events = event.ParseBatch(raw).Descriptions()
	}

	var diffTime int64
	if ok {
		diffTime = time.Now().Unix() - snap.ObservedAt
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    snap.Status,
		"rtime":     snap.ObservedAt,
		"diff_time": diffTime,
		"rssi":      snap.RSSIdBm,
		"events":    events,
	})
}

// RelayControl handles POST /relay_view_api, setting the single-slot pending
// relay command. A newer command overwrites any pending one.
func (h *Handler) RelayControl(c *gin.Context) {
	ctx := c.Request.Context()
	key := c.PostForm("public_key")

	var action devstate.Action
	switch c.PostForm("action") {
	case "on":
		action = devstate.ActionOn
	case "off":
		action = devstate.ActionOff
	default:
		c.JSON(http.StatusOK, gin.H{"status": "fail unknown action"})
		return
	}

	if err := h.state.SetAction(ctx, key, action); err != nil {
		slog.Error("set relay action", "public_key", key, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "state store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// Ping is the bare liveness endpoint used by firmware connectivity checks.
func (h *Handler) Ping(c *gin.Context) {
	c.String(http.StatusOK, "PONG")
}
