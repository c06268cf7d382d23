package devstate

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// memStore is an in-process Store for tests and single-node deployments
// that run without redis. TTL handling for the uptime marker rides on
// go-cache expirations; everything else never expires, matching the redis
// keys that are written without a TTL.
type memStore struct {
	mu sync.Mutex
	c  *cache.Cache
}

// NewMemoryStore creates a Store that lives entirely in process memory.
func NewMemoryStore() Store {
	return &memStore{c: cache.New(cache.NoExpiration, 10*time.Minute)}
}

func (s *memStore) get(key string) (string, bool) {
	v, ok := s.c.Get(key)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (s *memStore) SensorSnapshot(_ context.Context, publicKey string) (TelemetrySnapshot, bool, error) {
	raw, ok := s.get(sensorKey(publicKey))
	if !ok {
		return TelemetrySnapshot{}, false, nil
	}
	snap, err := decodeTelemetry(raw)
	if err != nil {
		return TelemetrySnapshot{}, false, err
	}
	return snap, true, nil
}

func (s *memStore) SetSensorSnapshot(_ context.Context, publicKey string, snap TelemetrySnapshot) error {
	s.c.Set(sensorKey(publicKey), encodeTelemetry(snap), cache.NoExpiration)
	return nil
}

func (s *memStore) RelaySnapshot(_ context.Context, publicKey string) (RelaySnapshot, bool, error) {
	raw, ok := s.get(relayKey(publicKey))
	if !ok {
		return RelaySnapshot{}, false, nil
	}
	snap, err := decodeRelay(raw)
	if err != nil {
		return RelaySnapshot{}, false, err
	}
	return snap, true, nil
}

func (s *memStore) SetRelaySnapshot(_ context.Context, publicKey string, snap RelaySnapshot) error {
	s.c.Set(relayKey(publicKey), encodeRelay(snap), cache.NoExpiration)
	return nil
}

func (s *memStore) SetAction(_ context.Context, publicKey string, a Action) error {
	s.c.Set(actionKey(publicKey), strconv.Itoa(int(a)), cache.NoExpiration)
	return nil
}

func (s *memStore) PendingAction(_ context.Context, publicKey string) (Action, error) {
	raw, ok := s.get(actionKey(publicKey))
	if !ok {
		return ActionNeutral, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return ActionNeutral, nil
	}
	return Action(n), nil
}

func (s *memStore) ConsumeAction(ctx context.Context, publicKey string) (Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.PendingAction(ctx, publicKey)
	if err != nil {
		return ActionNeutral, err
	}
	if a != ActionNeutral {
		s.c.Set(actionKey(publicKey), strconv.Itoa(int(ActionNeutral)), cache.NoExpiration)
	}
	return a, nil
}

func (s *memStore) SetLiveEvents(_ context.Context, publicKey string, rawBatch string) error {
	s.c.Set(eventsKey(publicKey), rawBatch, cache.NoExpiration)
	return nil
}

func (s *memStore) DrainLiveEvents(_ context.Context, publicKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.get(eventsKey(publicKey))
	if !ok {
		return "", nil
	}
	s.c.Delete(eventsKey(publicKey))
	return raw, nil
}

func (s *memStore) MarkHourUptime(_ context.Context, deviceID int64, hour int) (bool, error) {
	err := s.c.Add(uptimeKey(deviceID, hour), "true", UptimeMarkTTL)
	return err == nil, nil
}

func (s *memStore) SetAlertMark(_ context.Context, condition int, target string, at int64) error {
	s.c.Set(alertMarkKey(condition, target), strconv.FormatInt(at, 10), cache.NoExpiration)
	return nil
}

func (s *memStore) AlertMark(_ context.Context, condition int, target string) (int64, bool, error) {
	raw, ok := s.get(alertMarkKey(condition, target))
	if !ok {
		return 0, false, nil
	}
	at, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return at, true, nil
}
