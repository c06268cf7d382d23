package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"waterlevel-backend/internal/devstate"
	"waterlevel-backend/internal/level"
	"waterlevel-backend/internal/model"
	"waterlevel-backend/internal/registry"
)

// offlineGraceSeconds pads the offline detector beyond three missed polls
// so a single slow wifi association does not page anyone.
const offlineGraceSeconds = 20

// Evaluator periodically sweeps the alert rules, reads the referenced
// devices and dispatches notifications for rules whose condition holds.
type Evaluator struct {
	registry registry.Registry
	state    devstate.Store
	pool     *WorkerPool
	interval time.Duration
	now      func() time.Time
}

// NewEvaluator creates an evaluator sweeping at the given interval.
func NewEvaluator(reg registry.Registry, state devstate.Store, pool *WorkerPool, interval time.Duration) *Evaluator {
	return &Evaluator{
		registry: reg,
		state:    state,
		pool:     pool,
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps until the context is cancelled.
func (e *Evaluator) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// reading is one device's evaluated state, shared across its rules within
// a single sweep.
type reading struct {
	ok      bool
	percent int
	offline bool
	name    string
}

// Sweep evaluates every alert rule once.
func (e *Evaluator) Sweep(ctx context.Context) {
	var rules []model.AlertRule
	err := e.registry.DB().WithContext(ctx).Preload("Subscription").Find(&rules).Error
	if err != nil {
		slog.Error("load alert rules", "error", err)
		return
	}

	readings := make(map[int64]reading)
	for _, rule := range rules {
		r, loaded := readings[rule.DeviceID]
		if !loaded {
			r = e.readDevice(ctx, rule.DeviceID)
			readings[rule.DeviceID] = r
		}
		if !r.ok {
			continue
		}

		msg, fire := evaluateRule(rule, r)
		if !fire {
			continue
		}
		if e.suppressed(ctx, rule) {
			continue
		}
		if err := e.state.SetAlertMark(ctx, rule.Condition, rule.Endpoint, e.now().Unix()); err != nil {
			slog.Error("set alert mark", "endpoint", rule.Endpoint, "error", err)
		}
		slog.Info("alert fired", "device_id", rule.DeviceID, "condition", rule.Condition, "endpoint", rule.Endpoint)
		e.pool.Dispatch(rule.Subscription, []byte(msg))
	}
}

// evaluateRule decides whether one rule fires against a device reading and
// builds the notification text.
func evaluateRule(rule model.AlertRule, r reading) (string, bool) {
	switch rule.Condition {
	case model.ConditionOffline:
		if r.offline {
			return fmt.Sprintf("Offline Alert: %s disconnected.", r.name), true
		}
	case model.ConditionAbove:
		if !r.offline && r.percent >= rule.Level {
			return fmt.Sprintf("Alert: %s Level Is Above %d%%.", r.name, rule.Level), true
		}
	case model.ConditionBelow:
		if !r.offline && r.percent <= rule.Level {
			return fmt.Sprintf("Alert: %s Level Is Below %d%%.", r.name, rule.Level), true
		}
	}
	return "", false
}

// suppressed reports whether the rule fired recently enough that another
// notification would just be noise.
func (e *Evaluator) suppressed(ctx context.Context, rule model.AlertRule) bool {
	mark, ok, err := e.state.AlertMark(ctx, rule.Condition, rule.Endpoint)
	if err != nil {
		slog.Error("load alert mark", "endpoint", rule.Endpoint, "error", err)
		return false
	}
	if !ok {
		return false
	}
	elapsedHours := float64(e.now().Unix()-mark) / 3600.0
	return elapsedHours < float64(rule.FrequencyHours)
}

// readDevice loads one sensor's snapshot, calibration and display name and
// resolves them into the sweep-local reading.
func (e *Evaluator) readDevice(ctx context.Context, deviceID int64) reading {
	var dev model.Device
	if err := e.registry.DB().WithContext(ctx).First(&dev, deviceID).Error; err != nil {
		slog.Error("load alert device", "device_id", deviceID, "error", err)
		return reading{}
	}

	sett, err := e.registry.SensorSettings(ctx, deviceID)
	if err != nil {
		if !errors.Is(err, registry.ErrMissingSettings) {
			slog.Error("load sensor settings", "device_id", deviceID, "error", err)
		}
		return reading{}
	}

	snap, ok, err := e.state.SensorSnapshot(ctx, dev.PublicKey)
	if err != nil {
		slog.Error("load sensor snapshot", "device_id", deviceID, "error", err)
		return reading{}
	}

	offline := !ok || e.now().Unix()-snap.ObservedAt > int64(3*sett.WifiPoolTime+offlineGraceSeconds)

	name := dev.Note
	if name == "" {
		name = dev.PublicKey
	}
	if len(name) > 15 {
		name = name[:15]
	}

	return reading{
		ok:      true,
		percent: level.Percent(float64(snap.DistanceCM), sett.TopMargin, sett.EmptyLevel),
		offline: offline,
		name:    name,
	}
}
