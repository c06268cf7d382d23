// Package registry is the durable device store: identity resolution,
// per-device settings, the relay event audit log and uptime counters.
// Hot lookups are memoized in process and invalidated on every write.
package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"waterlevel-backend/internal/event"
	"waterlevel-backend/internal/model"
)

var (
	// ErrInvalidCredential means a private key resolved to no device.
	ErrInvalidCredential = errors.New("invalid private key")
	// ErrMissingSettings means a device has no durable settings row.
	ErrMissingSettings = errors.New("device has no settings")
	// ErrInvalidSetting wraps every settings validation failure.
	ErrInvalidSetting = errors.New("invalid setting")
)

// Poll interval bounds, seconds.
const (
	MinPollSeconds = 30
	MaxPollSeconds = 432000 // 5 days
)

const maxEmptyLevelCM = 800

var hoursOffRe = regexp.MustCompile(`^(?:[0-9]|1[0-9]|2[0-3])(?:,(?:[0-9]|1[0-9]|2[0-3]))*$`)

// Registry defines the durable device operations used by the handlers and
// the alert evaluator.
type Registry interface {
	ResolvePrivateKey(ctx context.Context, privateKey string) (string, error)
	DeviceByPublicKey(ctx context.Context, publicKey string) (model.Device, error)
	Provision(ctx context.Context, kind model.DeviceKind, note string) (model.Device, error)

	SensorSettings(ctx context.Context, deviceID int64) (model.SensorSettings, error)
	RelaySettings(ctx context.Context, deviceID int64) (model.RelaySettings, error)
	UpdateSensorSettings(ctx context.Context, kind model.DeviceKind, s model.SensorSettings) error
	UpdateRelaySettings(ctx context.Context, s model.RelaySettings) error
	UpdateSensorPollTime(ctx context.Context, deviceID int64, seconds int) error
	DisableAutoMode(ctx context.Context, deviceID int64) error

	AppendRelayEvents(ctx context.Context, deviceID int64, batch event.Batch) (bool, error)
	RecentRelayEvents(ctx context.Context, deviceID int64, limit int) ([]model.RelayEventLog, error)

	RecordUptime(ctx context.Context, deviceID int64) error
	UptimeHours(ctx context.Context, deviceID int64) (int, error)

	// DB exposes the underlying handle for collaborators that manage their
	// own models (alert rules, push subscriptions).
	DB() *gorm.DB
}

// gormRegistry implements Registry using GORM plus a go-cache memo layer.
type gormRegistry struct {
	db   *gorm.DB
	memo *gocache.Cache
}

// New creates a GORM-backed registry.
func New(db *gorm.DB) Registry {
	return &gormRegistry{
		db:   db,
		memo: gocache.New(5*time.Minute, 10*time.Minute),
	}
}

func (r *gormRegistry) DB() *gorm.DB { return r.db }

func (r *gormRegistry) ResolvePrivateKey(ctx context.Context, privateKey string) (string, error) {
	memoKey := "prv/" + privateKey
	if v, ok := r.memo.Get(memoKey); ok {
		return v.(string), nil
	}
	var dev model.Device
	err := r.db.WithContext(ctx).Select("public_key").
		Where("private_key = ?", privateKey).First(&dev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrInvalidCredential
	}
	if err != nil {
		return "", fmt.Errorf("resolve private key: %w", err)
	}
	r.memo.Set(memoKey, dev.PublicKey, 10*time.Minute)
	return dev.PublicKey, nil
}

func (r *gormRegistry) DeviceByPublicKey(ctx context.Context, publicKey string) (model.Device, error) {
	memoKey := "dev/" + publicKey
	if v, ok := r.memo.Get(memoKey); ok {
		return v.(model.Device), nil
	}
	var dev model.Device
	err := r.db.WithContext(ctx).Where("public_key = ?", publicKey).First(&dev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Device{}, ErrInvalidCredential
	}
	if err != nil {
		return model.Device{}, fmt.Errorf("load device: %w", err)
	}
	r.memo.Set(memoKey, dev, 5*time.Minute)
	return dev, nil
}

// Provision creates a device with a fresh key pair and its default settings
// row. The kind digit is embedded in both keys so every later hop can read
// the hardware family without a registry round trip.
func (r *gormRegistry) Provision(ctx context.Context, kind model.DeviceKind, note string) (model.Device, error) {
	if kind != model.KindSensor && kind != model.KindSensorVariant && kind != model.KindRelay {
		return model.Device{}, fmt.Errorf("%w: unknown device kind %d", ErrInvalidSetting, kind)
	}
	priv, err := randomKey()
	if err != nil {
		return model.Device{}, err
	}
	pub, err := randomKey()
	if err != nil {
		return model.Device{}, err
	}

	dev := model.Device{
		PrivateKey: fmt.Sprintf("%dprv%s", kind, priv),
		PublicKey:  fmt.Sprintf("%dpub%s", kind, pub),
		Kind:       kind,
		Note:       note,
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&dev).Error; err != nil {
			return fmt.Errorf("create device: %w", err)
		}
		if kind.IsSensor() {
			s := model.DefaultSensorSettings(dev.ID)
			return tx.Create(&s).Error
		}
		s := model.DefaultRelaySettings(dev.ID)
		return tx.Create(&s).Error
	})
	if err != nil {
		return model.Device{}, err
	}
	return dev, nil
}

func (r *gormRegistry) SensorSettings(ctx context.Context, deviceID int64) (model.SensorSettings, error) {
	memoKey := "ssett/" + strconv.FormatInt(deviceID, 10)
	if v, ok := r.memo.Get(memoKey); ok {
		return v.(model.SensorSettings), nil
	}
	var s model.SensorSettings
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.SensorSettings{}, ErrMissingSettings
	}
	if err != nil {
		return model.SensorSettings{}, fmt.Errorf("load sensor settings: %w", err)
	}
	r.memo.Set(memoKey, s, 5*time.Minute)
	return s, nil
}

func (r *gormRegistry) RelaySettings(ctx context.Context, deviceID int64) (model.RelaySettings, error) {
	memoKey := "rsett/" + strconv.FormatInt(deviceID, 10)
	if v, ok := r.memo.Get(memoKey); ok {
		return v.(model.RelaySettings), nil
	}
	var s model.RelaySettings
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.RelaySettings{}, ErrMissingSettings
	}
	if err != nil {
		return model.RelaySettings{}, fmt.Errorf("load relay settings: %w", err)
	}
	r.memo.Set(memoKey, s, 5*time.Minute)
	return s, nil
}

func (r *gormRegistry) UpdateSensorSettings(ctx context.Context, kind model.DeviceKind, s model.SensorSettings) error {
	minMargin := kind.MinTopMargin()
	switch {
	case s.EmptyLevel > maxEmptyLevelCM:
		return fmt.Errorf("%w: EMPTY_LEVEL can't be bigger than %d cm", ErrInvalidSetting, maxEmptyLevelCM)
	case s.EmptyLevel <= minMargin:
		return fmt.Errorf("%w: EMPTY_LEVEL can't be lower than %d cm", ErrInvalidSetting, minMargin)
	case s.TopMargin < minMargin:
		return fmt.Errorf("%w: TOP_MARGIN can't be lower than %d cm (blind area)", ErrInvalidSetting, minMargin)
	case s.TopMargin >= s.EmptyLevel:
		return fmt.Errorf("%w: EMPTY_LEVEL can't be lower than TOP_MARGIN", ErrInvalidSetting)
	case s.WifiPoolTime < MinPollSeconds:
		return fmt.Errorf("%w: WIFI_POOL_TIME can't be lower than %d seconds", ErrInvalidSetting, MinPollSeconds)
	case s.WifiPoolTime > MaxPollSeconds:
		return fmt.Errorf("%w: WIFI_POOL_TIME can't be bigger than %d seconds", ErrInvalidSetting, MaxPollSeconds)
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"empty_level", "top_margin", "wifi_pool_time"}),
	}).Create(&s).Error
	if err != nil {
		return fmt.Errorf("save sensor settings: %w", err)
	}
	r.memo.Delete("ssett/" + strconv.FormatInt(s.DeviceID, 10))
	return nil
}

func (r *gormRegistry) UpdateRelaySettings(ctx context.Context, s model.RelaySettings) error {
	switch {
	case s.Algo < 0 || s.Algo > 1:
		return fmt.Errorf("%w: ALGO can be 0 or 1", ErrInvalidSetting)
	case s.StartLevel < 0 || s.StartLevel > 100:
		return fmt.Errorf("%w: START_LEVEL should be between 0 and 100", ErrInvalidSetting)
	case s.EndLevel < 0 || s.EndLevel > 100:
		return fmt.Errorf("%w: END_LEVEL should be between 0 and 100", ErrInvalidSetting)
	case s.EndLevel <= s.StartLevel:
		return fmt.Errorf("%w: START_LEVEL should be lower than END_LEVEL", ErrInvalidSetting)
	case s.MinFlowMMxMin > 120:
		return fmt.Errorf("%w: MIN_FLOW_MM_X_MIN should be lower than 120", ErrInvalidSetting)
	case s.BlindDistance < 0:
		return fmt.Errorf("%w: BLIND_DISTANCE should be >= 0", ErrInvalidSetting)
	}
	if s.HoursOff != "" && !hoursOffRe.MatchString(s.HoursOff) {
		return fmt.Errorf("%w: HOURS_OFF must be comma-separated hours 0-23", ErrInvalidSetting)
	}
	if s.SafeMode > 0 {
		s.SafeMode = 1
	}
	if s.AutoOff > 0 {
		s.AutoOff = 1
	}
	if s.AutoOn > 0 {
		s.AutoOn = 1
	}
	if s.SensorKey == "" {
		s.SensorKey = model.SensorNoneKey
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"algo", "safe_mode", "start_level", "end_level", "auto_off", "auto_on",
			"min_flow_mm_x_min", "sensor_key", "blind_distance", "hours_off",
		}),
	}).Create(&s).Error
	if err != nil {
		return fmt.Errorf("save relay settings: %w", err)
	}
	r.memo.Delete("rsett/" + strconv.FormatInt(s.DeviceID, 10))
	return nil
}

// UpdateSensorPollTime bumps only the poll interval; used when the server
// raises a stale configured cadence to the current floor.
func (r *gormRegistry) UpdateSensorPollTime(ctx context.Context, deviceID int64, seconds int) error {
	err := r.db.WithContext(ctx).Model(&model.SensorSettings{}).
		Where("device_id = ?", deviceID).
		Update("wifi_pool_time", seconds).Error
	if err != nil {
		return fmt.Errorf("update sensor poll time: %w", err)
	}
	r.memo.Delete("ssett/" + strconv.FormatInt(deviceID, 10))
	return nil
}

// DisableAutoMode forces a relay back to manual control. Called when a poll
// reports a safety-critical event; automation must not keep running on a
// faulty or out-of-range sensor.
func (r *gormRegistry) DisableAutoMode(ctx context.Context, deviceID int64) error {
	err := r.db.WithContext(ctx).Model(&model.RelaySettings{}).
		Where("device_id = ?", deviceID).
		Update("algo", 0).Error
	if err != nil {
		return fmt.Errorf("disable auto mode: %w", err)
	}
	r.memo.Delete("rsett/" + strconv.FormatInt(deviceID, 10))
	return nil
}

// AppendRelayEvents writes a batch to the audit log unless it repeats the
// immediately preceding batch. Batches carrying a critical code log every
// occurrence; coalescing a safety signal would hide how often it fires.
// Returns whether a row was written.
func (r *gormRegistry) AppendRelayEvents(ctx context.Context, deviceID int64, batch event.Batch) (bool, error) {
	if len(batch) == 0 {
		return false, nil
	}
	raw := batch.String()
	if !batch.HasCritical() {
		last, err := r.RecentRelayEvents(ctx, deviceID, 1)
		if err != nil {
			return false, err
		}
		if len(last) == 1 && last[0].Codes == raw {
			return false, nil
		}
	}
	rec := model.RelayEventLog{DeviceID: deviceID, Codes: raw}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return false, fmt.Errorf("append relay events: %w", err)
	}
	return true, nil
}

func (r *gormRegistry) RecentRelayEvents(ctx context.Context, deviceID int64, limit int) ([]model.RelayEventLog, error) {
	var rows []model.RelayEventLog
	err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load relay events: %w", err)
	}
	return rows, nil
}

// RecordUptime adds one hour to the coarse alive counter. The caller
// guarantees at-most-once per calendar hour through the state store marker.
func (r *gormRegistry) RecordUptime(ctx context.Context, deviceID int64) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.Assignments(map[string]any{"up_hours": gorm.Expr("up_hours + 1")}),
	}).Create(&model.DeviceUptime{DeviceID: deviceID, UpHours: 1}).Error
	if err != nil {
		return fmt.Errorf("record uptime: %w", err)
	}
	return nil
}

func (r *gormRegistry) UptimeHours(ctx context.Context, deviceID int64) (int, error) {
	var u model.DeviceUptime
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load uptime: %w", err)
	}
	return u.UpHours, nil
}
