package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"waterlevel-backend/internal/model"
	"waterlevel-backend/internal/registry"
)

type alertRuleRequest struct {
	PublicKey      string `json:"public_key" binding:"required"`
	Condition      int    `json:"condition" binding:"required"`
	Level          int    `json:"level"`
	FrequencyHours int    `json:"frequency_hours"`
}

type putAlertSubscriptionRequest struct {
	Endpoint string             `json:"endpoint" binding:"required"`
	P256DH   string             `json:"p256dh" binding:"required"`
	Auth     string             `json:"auth" binding:"required"`
	Rules    []alertRuleRequest `json:"rules"`
}

// PutAlertSubscription creates or replaces a push subscription together
// with its full set of alert rules. The rule list is replaced wholesale so
// the browser can resubmit its desired state idempotently.
func (h *Handler) PutAlertSubscription(c *gin.Context) {
	ctx := c.Request.Context()

	var req putAlertSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rules := make([]model.AlertRule, 0, len(req.Rules))
	for _, r := range req.Rules {
		if r.Condition != model.ConditionAbove && r.Condition != model.ConditionBelow && r.Condition != model.ConditionOffline {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown alert condition"})
			return
		}
		if r.Condition != model.ConditionOffline && (r.Level < 0 || r.Level > 100) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "level must be between 0 and 100"})
			return
		}
		dev, err := h.registry.DeviceByPublicKey(ctx, r.PublicKey)
		if err != nil {
			if errors.Is(err, registry.ErrInvalidCredential) {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown device"})
				return
			}
			slog.Error("load device", "public_key", r.PublicKey, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		freq := r.FrequencyHours
		if freq <= 0 {
			freq = 6
		}
		rules = append(rules, model.AlertRule{
			DeviceID:       dev.ID,
			Condition:      r.Condition,
			Level:          r.Level,
			Endpoint:       req.Endpoint,
			FrequencyHours: freq,
		})
	}

	subscription := model.PushSubscription{
		Endpoint: req.Endpoint,
		P256DH:   req.P256DH,
		Auth:     req.Auth,
	}

	err := h.registry.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint"}},
			DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth"}),
		}).Create(&subscription).Error; err != nil {
			return err
		}
		if err := tx.Where("endpoint = ?", req.Endpoint).Delete(&model.AlertRule{}).Error; err != nil {
			return err
		}
		if len(rules) == 0 {
			return nil
		}
		return tx.Create(&rules).Error
	})
	if err != nil {
		slog.Error("save alert subscription", "endpoint", req.Endpoint, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusCreated)
}

type deleteAlertSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// DeleteAlertSubscription removes a subscription and all of its alert rules.
func (h *Handler) DeleteAlertSubscription(c *gin.Context) {
	ctx := c.Request.Context()

	var req deleteAlertSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.registry.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("endpoint = ?", req.Endpoint).Delete(&model.AlertRule{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.PushSubscription{Endpoint: req.Endpoint}).Error
	})
	if err != nil {
		slog.Error("delete alert subscription", "endpoint", req.Endpoint, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusNoContent)
}

// GetVAPIDPublicKey returns the VAPID public key to the client.
func (h *Handler) GetVAPIDPublicKey(c *gin.Context) {
	if h.cfg.Push.PublicKey == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "vapid keys are not configured"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"public_key": h.cfg.Push.PublicKey})
}
