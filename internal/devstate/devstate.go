// Package devstate is the narrow port over the ephemeral key-value store
// that holds last-known device state: telemetry and relay snapshots, the
// single-slot pending relay action, the destructively-read live-event
// buffer, and a couple of TTL markers. All cross-request device state goes
// through this interface so handlers never touch the backing store
// directly and tests can run against the in-process implementation.
package devstate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Action is the single-slot pending relay command.
type Action int

const (
	ActionNeutral Action = 0
	ActionOn      Action = 1
	ActionOff     Action = -1
)

// TelemetrySnapshot is the last accepted sensor reading. ObservedAt is
// always the server's receipt time; devices have no reliable clock.
type TelemetrySnapshot struct {
	DistanceCM        int
	ObservedAt        int64 // unix seconds
	BatteryCentivolts int
	RSSIdBm           int
}

// RelaySnapshot is the last reported relay state.
type RelaySnapshot struct {
	Status     int // 0 off, 1 on
	ObservedAt int64
	RSSIdBm    int
}

// UptimeMarkTTL bounds the at-most-once-per-hour uptime marker.
const UptimeMarkTTL = 2 * time.Hour

// Store is the device state port. Missing keys read back as zero values
// (no snapshot, neutral action, empty buffer), never as errors.
type Store interface {
	// Sensor telemetry snapshot, overwritten wholesale on each accepted update.
	SensorSnapshot(ctx context.Context, publicKey string) (TelemetrySnapshot, bool, error)
	SetSensorSnapshot(ctx context.Context, publicKey string, snap TelemetrySnapshot) error

	// Relay state snapshot, same overwrite semantics.
	RelaySnapshot(ctx context.Context, publicKey string) (RelaySnapshot, bool, error)
	SetRelaySnapshot(ctx context.Context, publicKey string, snap RelaySnapshot) error

	// Pending relay action. ConsumeAction returns the pending value and
	// resets it to neutral; exactly one poll observes a given command.
	SetAction(ctx context.Context, publicKey string, a Action) error
	PendingAction(ctx context.Context, publicKey string) (Action, error)
	ConsumeAction(ctx context.Context, publicKey string) (Action, error)

	// Live-event buffer for the dashboard: overwritten by each relay poll
	// carrying events, deleted by the read.
	SetLiveEvents(ctx context.Context, publicKey string, rawBatch string) error
	DrainLiveEvents(ctx context.Context, publicKey string) (string, error)

	// MarkHourUptime returns true the first time it is called for a given
	// (device, hour-of-day) within the marker TTL.
	MarkHourUptime(ctx context.Context, deviceID int64, hour int) (bool, error)

	// Alert frequency marks, keyed by condition and delivery target.
	SetAlertMark(ctx context.Context, condition int, target string, at int64) error
	AlertMark(ctx context.Context, condition int, target string) (int64, bool, error)
}

// Key namespaces, kept identical to the deployed store contents so a Go
// server can take over a live fleet without a flag day.
func sensorKey(publicKey string) string  { return "tin-keys/" + publicKey }
func relayKey(publicKey string) string   { return "relay-keys/" + publicKey }
func eventsKey(publicKey string) string  { return "relay-events/" + publicKey }
func actionKey(publicKey string) string  { return "relay_action/" + publicKey }
func uptimeKey(deviceID int64, hour int) string {
	return fmt.Sprintf("key-uptime/%d/%d", deviceID, hour)
}
func alertMarkKey(condition int, target string) string {
	return fmt.Sprintf("alert-frequency/%d/%s", condition, target)
}

// The snapshots travel as pipe-packed strings ("distance|time|voltage|rssi"
// and "status|time|rssi"). Encoding and decoding live here and nowhere
// else; everything above this boundary works with the structured types.

func encodeTelemetry(s TelemetrySnapshot) string {
	return fmt.Sprintf("%d|%d|%d|%d", s.DistanceCM, s.ObservedAt, s.BatteryCentivolts, s.RSSIdBm)
}

func decodeTelemetry(raw string) (TelemetrySnapshot, error) {
	parts := strings.Split(raw, "|")
	if len(parts) != 4 {
		return TelemetrySnapshot{}, fmt.Errorf("malformed telemetry snapshot %q", raw)
	}
	vals, err := atoiAll(parts)
	if err != nil {
		return TelemetrySnapshot{}, fmt.Errorf("malformed telemetry snapshot %q: %w", raw, err)
	}
	return TelemetrySnapshot{
		DistanceCM:        int(vals[0]),
		ObservedAt:        vals[1],
		BatteryCentivolts: int(vals[2]),
		RSSIdBm:           int(vals[3]),
	}, nil
}

func encodeRelay(s RelaySnapshot) string {
	return fmt.Sprintf("%d|%d|%d", s.Status, s.ObservedAt, s.RSSIdBm)
}

func decodeRelay(raw string) (RelaySnapshot, error) {
	parts := strings.Split(raw, "|")
	if len(parts) != 3 {
		return RelaySnapshot{}, fmt.Errorf("malformed relay snapshot %q", raw)
	}
	vals, err := atoiAll(parts)
	if err != nil {
		return RelaySnapshot{}, fmt.Errorf("malformed relay snapshot %q: %w", raw, err)
	}
	return RelaySnapshot{Status: int(vals[0]), ObservedAt: vals[1], RSSIdBm: int(vals[2])}, nil
}

func atoiAll(parts []string) ([]int64, error) {
	vals := make([]int64, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, err
		}
		vals[i] = n
	}
	return vals, nil
}
