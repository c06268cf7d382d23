package registry

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"waterlevel-backend/internal/event"
	"waterlevel-backend/internal/model"
)

func newTestRegistry(t *testing.T) Registry {
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
	))
	return New(db)
}

func TestProvisionSensor(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	dev, err := reg.Provision(ctx, model.KindSensor, "garden tank")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(dev.PrivateKey, "1prv"))
	assert.True(t, strings.HasPrefix(dev.PublicKey, "1pub"))
	assert.Equal(t, model.KindSensor, model.KindFromKey(dev.PrivateKey))

	sett, err := reg.SensorSettings(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultSensorSettings(dev.ID), sett)
}

func TestProvisionRelay(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	dev, err := reg.Provision(ctx, model.KindRelay, "")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(dev.PrivateKey, "3prv"))

	sett, err := reg.RelaySettings(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultRelaySettings(dev.ID), sett)
}

func TestProvisionUnknownKind(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Provision(context.Background(), model.DeviceKind(9), "")
	assert.ErrorIs(t, err, ErrInvalidSetting)
}

func TestResolvePrivateKey(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	dev, err := reg.Provision(ctx, model.KindSensor, "")
	require.NoError(t, err)

	pub, err := reg.ResolvePrivateKey(ctx, dev.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, dev.PublicKey, pub)

	// Memoized second resolution must agree.
	pub, err = reg.ResolvePrivateKey(ctx, dev.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, dev.PublicKey, pub)

	_, err = reg.ResolvePrivateKey(ctx, "1prvDOESNOTEXIST")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestDeviceByPublicKeyUnknown(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.DeviceByPublicKey(context.Background(), "1pubNOBODY")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestUpdateSensorSettingsValidation(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	dev, err := reg.Provision(ctx, model.KindSensor, "")
	require.NoError(t, err)

	base := model.SensorSettings{DeviceID: dev.ID, EmptyLevel: 120, TopMargin: 25, WifiPoolTime: 60}

	tests := []struct {
		name   string
		mutate func(*model.SensorSettings)
		ok     bool
	}{
		{"valid", func(s *model.SensorSettings) {}, true},
		{"empty level too deep", func(s *model.SensorSettings) { s.EmptyLevel = 801 }, false},
		{"empty level inside blind zone", func(s *model.SensorSettings) { s.EmptyLevel = 20 }, false},
		{"top margin below blind zone", func(s *model.SensorSettings) { s.TopMargin = 19 }, false},
		{"top margin above empty level", func(s *model.SensorSettings) { s.TopMargin = 130 }, false},
		{"poll time below floor", func(s *model.SensorSettings) { s.WifiPoolTime = 29 }, false},
		{"poll time above ceiling", func(s *model.SensorSettings) { s.WifiPoolTime = 432001 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base
			tt.mutate(&s)
			err := reg.UpdateSensorSettings(ctx, model.KindSensor, s)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidSetting)
			}
		})
	}
}

func TestUpdateSensorSettingsVariantMargin(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	dev, err := reg.Provision(ctx, model.KindSensorVariant, "")
	require.NoError(t, err)

	// The short-range variant accepts a 2cm blind zone the standard sensor
	// would reject.
	s := model.SensorSettings{DeviceID: dev.ID, EmptyLevel: 40, TopMargin: 2, WifiPoolTime: 60}
	assert.NoError(t, reg.UpdateSensorSettings(ctx, model.KindSensorVariant, s))
	assert.ErrorIs(t, reg.UpdateSensorSettings(ctx, model.KindSensor, s), ErrInvalidSetting)
}

func TestUpdateSensorSettingsReadBack(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	dev, err := reg.Provision(ctx, model.KindSensor, "")
	require.NoError(t, err)

	// Prime the memo, then update and read back.
	_, err = reg.SensorSettings(ctx, dev.ID)
	require.NoError(t, err)

	s := model.SensorSettings{DeviceID: dev.ID, EmptyLevel: 200, TopMargin: 30, WifiPoolTime: 120}
	require.NoError(t, reg.UpdateSensorSettings(ctx, model.KindSensor, s))

	got, err := reg.SensorSettings(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestUpdateRelaySettingsValidation(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	dev, err := reg.Provision(ctx, model.KindRelay, "")
	require.NoError(t, err)

	base := model.RelaySettings{
		DeviceID: dev.ID, Algo: 1, SafeMode: 1, StartLevel: 30, EndLevel: 95,
		AutoOff: 1, AutoOn: 1, MinFlowMMxMin: 10, SensorKey: "2pubAAA",
		BlindDistance: 22, HoursOff: "0,13,23",
	}

	tests := []struct {
		name   string
		mutate func(*model.RelaySettings)
		ok     bool
	}{
		{"valid", func(s *model.RelaySettings) {}, true},
		{"algo out of range", func(s *model.RelaySettings) { s.Algo = 2 }, false},
		{"start above end", func(s *model.RelaySettings) { s.StartLevel = 95; s.EndLevel = 30 }, false},
		{"start equals end", func(s *model.RelaySettings) { s.StartLevel = 50; s.EndLevel = 50 }, false},
		{"start negative", func(s *model.RelaySettings) { s.StartLevel = -1 }, false},
		{"end above 100", func(s *model.RelaySettings) { s.EndLevel = 101 }, false},
		{"min flow too high", func(s *model.RelaySettings) { s.MinFlowMMxMin = 121 }, false},
		{"blind distance negative", func(s *model.RelaySettings) { s.BlindDistance = -1 }, false},
		{"hours off malformed", func(s *model.RelaySettings) { s.HoursOff = "25" }, false},
		{"hours off trailing comma", func(s *model.RelaySettings) { s.HoursOff = "1,2," }, false},
		{"hours off empty", func(s *model.RelaySettings) { s.HoursOff = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base
			tt.mutate(&s)
			err := reg.UpdateRelaySettings(ctx, s)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidSetting)
			}
		})
	}
}

func TestUpdateRelaySettingsNormalization(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	dev, err := reg.Provision(ctx, model.KindRelay, "")
	require.NoError(t, err)

	s := model.RelaySettings{
		DeviceID: dev.ID, Algo: 1, SafeMode: 5, StartLevel: 30, EndLevel: 95,
		AutoOff: 3, AutoOn: 2, MinFlowMMxMin: 10, SensorKey: "", BlindDistance: 22,
	}
	require.NoError(t, reg.UpdateRelaySettings(ctx, s))

	got, err := reg.RelaySettings(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.SafeMode)
	assert.Equal(t, 1, got.AutoOff)
	assert.Equal(t, 1, got.AutoOn)
	assert.Equal(t, model.SensorNoneKey, got.SensorKey)
}

func TestDisableAutoMode(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	dev, err := reg.Provision(ctx, model.KindRelay, "")
	require.NoError(t, err)

	s := model.DefaultRelaySettings(dev.ID)
	s.Algo = 1
	require.NoError(t, reg.UpdateRelaySettings(ctx, s))

	require.NoError(t, reg.DisableAutoMode(ctx, dev.ID))

	got, err := reg.RelaySettings(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Algo)
}

func TestAppendRelayEventsDedup(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	dev, err := reg.Provision(ctx, model.KindRelay, "")
	require.NoError(t, err)

	boot := event.ParseBatch("9,10,0,0,0")

	logged, err := reg.AppendRelayEvents(ctx, dev.ID, boot)
	require.NoError(t, err)
	assert.True(t, logged)

	// The identical batch directly after is suppressed.
	logged, err = reg.AppendRelayEvents(ctx, dev.ID, boot)
	require.NoError(t, err)
	assert.False(t, logged)

	// A different batch breaks the run, after which the first batch logs
	// again.
	other := event.ParseBatch("11,0,0,0,0")
	logged, err = reg.AppendRelayEvents(ctx, dev.ID, other)
	require.NoError(t, err)
	assert.True(t, logged)

	logged, err = reg.AppendRelayEvents(ctx, dev.ID, boot)
	require.NoError(t, err)
	assert.True(t, logged)

	rows, err := reg.RecentRelayEvents(ctx, dev.ID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "9,10,0,0,0", rows[0].Codes)
}

func TestAppendRelayEventsCriticalAlwaysLogs(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	dev, err := reg.Provision(ctx, model.KindRelay, "")
	require.NoError(t, err)

	danger := event.ParseBatch("2,0,0,0,0")
	for i := 0; i < 2; i++ {
		logged, err := reg.AppendRelayEvents(ctx, dev.ID, danger)
		require.NoError(t, err)
		assert.True(t, logged, "iteration %d", i)
	}

	rows, err := reg.RecentRelayEvents(ctx, dev.ID, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRecordUptime(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	dev, err := reg.Provision(ctx, model.KindSensor, "")
	require.NoError(t, err)

	hours, err := reg.UptimeHours(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, hours)

	require.NoError(t, reg.RecordUptime(ctx, dev.ID))
	require.NoError(t, reg.RecordUptime(ctx, dev.ID))

	hours, err = reg.UptimeHours(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, hours)
}

func TestRandomKeyPolicy(t *testing.T) {
	for i := 0; i < 20; i++ {
		key, err := randomKey()
		require.NoError(t, err)
		assert.Len(t, key, 22)

		var lower, upper, digits int
		for _, r := range key {
			switch {
			case r >= 'a' && r <= 'z':
				lower++
			case r >= 'A' && r <= 'Z':
				upper++
			case r >= '0' && r <= '9':
				digits++
			default:
				t.Fatalf("unexpected character %q in key %q", r, key)
			}
		}
		assert.Greater(t, lower, 0)
		assert.Greater(t, upper, 0)
		assert.GreaterOrEqual(t, digits, 3)
	}
}
