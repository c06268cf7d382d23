package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"waterlevel-backend/config"
	"waterlevel-backend/internal/devstate"
	"waterlevel-backend/internal/mw"
	"waterlevel-backend/internal/registry"
)

// NewRouter creates and configures a new Gin router.
//
// The firmware endpoints (/update, /relay-update) are mounted bare: no rate
// limiter and no response cache. Devices already self-throttle through the
// poll interval and the ingestion discard floor, and a cached "OK" would
// silently drop telemetry.
func NewRouter(reg registry.Registry, state devstate.Store, cfg *config.Config) *gin.Engine {
	r := gin.Default()

	handler := NewHandler(reg, state, cfg)

	// Firmware-facing contract. Case-sensitive paths, plain-text bodies.
	r.GET("/update", handler.Update)
	r.GET("/relay-update", handler.RelayUpdate)
	r.GET("/ping", handler.Ping)

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.Server.RateLimitPerSec), cfg.Server.RateLimitBurst)

	cacheTTL := time.Duration(cfg.Server.CacheTTLSeconds) * time.Second
	cacheStore := cache.New(cacheTTL, 10*time.Minute)
	caching := mw.Cache(cacheStore, cacheTTL)

	// Dashboard and admin surface.
	web := r.Group("")
	web.Use(rateLimiter)
	{
		// The sensor view is a pure read and may be briefly cached. The
		// relay view drains the live-event buffer, so caching it would
		// replay drained events; it stays uncached.
		web.GET("/sensor_view_api", caching, handler.SensorView)
		web.GET("/relay_view_api", handler.RelayView)
		web.POST("/relay_view_api", handler.RelayControl)

		web.GET("/device_settings_api", handler.GetDeviceSettings)
		web.POST("/device_settings_api", handler.UpdateDeviceSettings)
		web.POST("/provision_api", handler.Provision)

		web.PUT("/alert_subscriptions", handler.PutAlertSubscription)
		web.DELETE("/alert_subscriptions", handler.DeleteAlertSubscription)
		web.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	return r
}
