package devstate

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// redisStore is the production Store backed by a shared redis instance.
type redisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a Store over the given redis client.
func NewRedisStore(rdb *redis.Client) Store {
	return &redisStore{rdb: rdb}
}

func (s *redisStore) SensorSnapshot(ctx context.Context, publicKey string) (TelemetrySnapshot, bool, error) {
	raw, err := s.rdb.Get(ctx, sensorKey(publicKey)).Result()
	if errors.Is(err, redis.Nil) {
		return TelemetrySnapshot{}, false, nil
	}
	if err != nil {
		return TelemetrySnapshot{}, false, err
	}
	snap, err := decodeTelemetry(raw)
	if err != nil {
		return TelemetrySnapshot{}, false, err
	}
	return snap, true, nil
}

func (s *redisStore) SetSensorSnapshot(ctx context.Context, publicKey string, snap TelemetrySnapshot) error {
	return s.rdb.Set(ctx, sensorKey(publicKey), encodeTelemetry(snap), 0).Err()
}

func (s *redisStore) RelaySnapshot(ctx context.Context, publicKey string) (RelaySnapshot, bool, error) {
	raw, err := s.rdb.Get(ctx, relayKey(publicKey)).Result()
	if errors.Is(err, redis.Nil) {
		return RelaySnapshot{}, false, nil
	}
	if err != nil {
		return RelaySnapshot{}, false, err
	}
	snap, err := decodeRelay(raw)
	if err != nil {
		return RelaySnapshot{}, false, err
	}
	return snap, true, nil
}

func (s *redisStore) SetRelaySnapshot(ctx context.Context, publicKey string, snap RelaySnapshot) error {
	return s.rdb.Set(ctx, relayKey(publicKey), encodeRelay(snap), 0).Err()
}

func (s *redisStore) SetAction(ctx context.Context, publicKey string, a Action) error {
	return s.rdb.Set(ctx, actionKey(publicKey), int(a), 0).Err()
}

func (s *redisStore) PendingAction(ctx context.Context, publicKey string) (Action, error) {
	raw, err := s.rdb.Get(ctx, actionKey(publicKey)).Result()
	if errors.Is(err, redis.Nil) {
		return ActionNeutral, nil
	}
	if err != nil {
		return ActionNeutral, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return ActionNeutral, nil
	}
	return Action(n), nil
}

func (s *redisStore) ConsumeAction(ctx context.Context, publicKey string) (Action, error) {
	a, err := s.PendingAction(ctx, publicKey)
	if err != nil {
		return ActionNeutral, err
	}
	if a != ActionNeutral {
		if err := s.SetAction(ctx, publicKey, ActionNeutral); err != nil {
			return ActionNeutral, err
		}
	}
	return a, nil
}

func (s *redisStore) SetLiveEvents(ctx context.Context, publicKey string, rawBatch string) error {
	return s.rdb.Set(ctx, eventsKey(publicKey), rawBatch, 0).Err()
}

func (s *redisStore) DrainLiveEvents(ctx context.Context, publicKey string) (string, error) {
	raw, err := s.rdb.GetDel(ctx, eventsKey(publicKey)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return raw, nil
}

func (s *redisStore) MarkHourUptime(ctx context.Context, deviceID int64, hour int) (bool, error) {
	return s.rdb.SetNX(ctx, uptimeKey(deviceID, hour), "true", UptimeMarkTTL).Result()
}

func (s *redisStore) SetAlertMark(ctx context.Context, condition int, target string, at int64) error {
	return s.rdb.Set(ctx, alertMarkKey(condition, target), at, 0).Err()
}

func (s *redisStore) AlertMark(ctx context.Context, condition int, target string) (int64, bool, error) {
	raw, err := s.rdb.Get(ctx, alertMarkKey(condition, target)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	at, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return at, true, nil
}
