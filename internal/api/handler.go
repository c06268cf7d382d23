package api

import (
	"waterlevel-backend/config"
	"waterlevel-backend/internal/devstate"
	"waterlevel-backend/internal/registry"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	registry registry.Registry
	state    devstate.Store
	cfg      *config.Config
}

// NewHandler creates a new API handler.
func NewHandler(reg registry.Registry, state devstate.Store, cfg *config.Config) *Handler {
	return &Handler{
		registry: reg,
		state:    state,
		cfg:      cfg,
	}
}

// resolveDemoAlias maps the public demo aliases onto real device identities.
// This is a read-only namespace for unauthenticated product demos and has
// nothing to do with private-key credentials.
func (h *Handler) resolveDemoAlias(publicKey string) string {
	switch publicKey {
	case "demo":
		if h.cfg.Demo.SensorPublicKey != "" {
			return h.cfg.Demo.SensorPublicKey
		}
	case "demorelay":
		if h.cfg.Demo.RelayPublicKey != "" {
			return h.cfg.Demo.RelayPublicKey
		}
	}
	return publicKey
}
