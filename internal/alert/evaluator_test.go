package alert

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"waterlevel-backend/internal/devstate"
	"waterlevel-backend/internal/model"
	"waterlevel-backend/internal/registry"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.Device{},
		&model.SensorSettings{},
		&model.RelaySettings{},
		&model.RelayEventLog{},
		&model.DeviceUptime{},
		&model.PushSubscription{},
		&model.AlertRule{},
	))
	return db
}

type alertFixture struct {
	evaluator *Evaluator
	pool      *WorkerPool
	registry  registry.Registry
	state     devstate.Store
	device    model.Device
}

func newAlertFixture(t *testing.T) *alertFixture {
	t.Helper()
	db := newTestDB(t)
	reg := registry.New(db)
	state := devstate.NewMemoryStore()
	// Jobs stay in the buffered channel; no workers are started so the
	// test can inspect what was dispatched.
	pool := NewWorkerPool(8, db, nil)

	dev, err := reg.Provision(context.Background(), model.KindSensor, "garden tank")
	require.NoError(t, err)

	return &alertFixture{
		evaluator: NewEvaluator(reg, state, pool, time.Minute),
		pool:      pool,
		registry:  reg,
		state:     state,
		device:    dev,
	}
}

func (f *alertFixture) addRule(t *testing.T, condition, level, frequencyHours int) {
	t.Helper()
	sub := model.PushSubscription{Endpoint: "https://push.example/ep1", P256DH: "k", Auth: "a"}
	require.NoError(t, f.registry.DB().Save(&sub).Error)
	require.NoError(t, f.registry.DB().Create(&model.AlertRule{
		DeviceID:       f.device.ID,
		Condition:      condition,
		Level:          level,
		Endpoint:       sub.Endpoint,
		FrequencyHours: frequencyHours,
	}).Error)
}

func (f *alertFixture) setDistance(t *testing.T, distanceCM int) {
	t.Helper()
	require.NoError(t, f.state.SetSensorSnapshot(context.Background(), f.device.PublicKey, devstate.TelemetrySnapshot{
		DistanceCM: distanceCM,
		ObservedAt: time.Now().Unix(),
	}))
}

func (f *alertFixture) dispatched(t *testing.T) []string {
	t.Helper()
	var payloads []string
	for {
		select {
		case j := <-f.pool.jobs:
			payloads = append(payloads, string(j.payload))
		default:
			return payloads
		}
	}
}

func TestSweepAboveCondition(t *testing.T) {
	f := newAlertFixture(t)
	f.addRule(t, model.ConditionAbove, 90, 6)
	// Default calibration: distance 25 is 100% full.
	f.setDistance(t, 25)

	f.evaluator.Sweep(context.Background())

	got := f.dispatched(t)
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "Level Is Above 90%")
	assert.Contains(t, got[0], "garden tank")
}

func TestSweepAboveConditionNotMet(t *testing.T) {
	f := newAlertFixture(t)
	f.addRule(t, model.ConditionAbove, 90, 6)
	// Default calibration: distance 150 is 0% full.
	f.setDistance(t, 150)

	f.evaluator.Sweep(context.Background())

	assert.Empty(t, f.dispatched(t))
}

func TestSweepBelowCondition(t *testing.T) {
	f := newAlertFixture(t)
	f.addRule(t, model.ConditionBelow, 20, 6)
	f.setDistance(t, 150)

	f.evaluator.Sweep(context.Background())

	got := f.dispatched(t)
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "Level Is Below 20%")
}

func TestSweepOfflineCondition(t *testing.T) {
	f := newAlertFixture(t)
	f.addRule(t, model.ConditionOffline, 0, 6)
	// Also register a level rule: an offline device must not produce level
	// alerts from its stale reading.
	f.addRule(t, model.ConditionAbove, 10, 6)

	// Last reading far beyond 3 polls + grace.
	require.NoError(t, f.state.SetSensorSnapshot(context.Background(), f.device.PublicKey, devstate.TelemetrySnapshot{
		DistanceCM: 25,
		ObservedAt: time.Now().Unix() - 3600,
	}))

	f.evaluator.Sweep(context.Background())

	got := f.dispatched(t)
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "disconnected")
}

func TestSweepOfflineNoSnapshot(t *testing.T) {
	f := newAlertFixture(t)
	f.addRule(t, model.ConditionOffline, 0, 6)

	// A device that never reported counts as offline.
	f.evaluator.Sweep(context.Background())

	got := f.dispatched(t)
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "disconnected")
}

func TestSweepFrequencySuppression(t *testing.T) {
	f := newAlertFixture(t)
	f.addRule(t, model.ConditionAbove, 90, 6)
	f.setDistance(t, 25)

	f.evaluator.Sweep(context.Background())
	f.evaluator.Sweep(context.Background())

	assert.Len(t, f.dispatched(t), 1)
}

func TestSweepFiresAgainAfterFrequencyWindow(t *testing.T) {
	f := newAlertFixture(t)
	f.addRule(t, model.ConditionAbove, 90, 6)
	f.setDistance(t, 25)

	f.evaluator.Sweep(context.Background())

	// Shift the clock past the frequency window; the stored reading is
	// refreshed so the device does not look offline.
	f.evaluator.now = func() time.Time { return time.Now().Add(7 * time.Hour) }
	require.NoError(t, f.state.SetSensorSnapshot(context.Background(), f.device.PublicKey, devstate.TelemetrySnapshot{
		DistanceCM: 25,
		ObservedAt: time.Now().Add(7 * time.Hour).Unix(),
	}))

	f.evaluator.Sweep(context.Background())

	assert.Len(t, f.dispatched(t), 2)
}
