// Package event defines the relay firmware event codes and the 5-slot batch
// format devices report them in.
package event

import (
	"strconv"
	"strings"
)

// Code is a relay firmware event code.
type Code int

const (
	NoEvent         Code = 0
	BlindArea       Code = 1
	BlindAreaDanger Code = 2
	NoFlow          Code = 3
	Offline         Code = 4
	IdleSensor      Code = 5
	EndLevelEvent   Code = 6
	StartLevelEvent Code = 7
	SetupWifi       Code = 8
	Boot            Code = 9
	PumpOn          Code = 10
	PumpOff         Code = 11
	DataPostFail    Code = 12
	ButtonPress     Code = 13
	SensorFault     Code = 14
)

// BatchSlots is the fixed number of event slots in a firmware report.
const BatchSlots = 5

var descriptions = map[Code]string{
	NoEvent:         "No event reported",
	BlindArea:       "Sensor reach near the blind area!",
	BlindAreaDanger: "Sensor reach near the danger blind area!",
	NoFlow:          "No water inflow detected!",
	Offline:         "Offline long time detected!",
	IdleSensor:      "Offline sensor detected!",
	EndLevelEvent:   "Reach End Level percent!",
	StartLevelEvent: "Reach Start Level percent!",
	SetupWifi:       "Wifi setup started",
	Boot:            "Device boot!",
	PumpOn:          "Pump ON",
	PumpOff:         "Pump OFF",
	DataPostFail:    "Fail to post data check internet connection",
	ButtonPress:     "WiFi Reset button pressed",
	SensorFault:     "Sensor fault or cable disconnected!",
}

// Description returns the human-readable text shown on the dashboard for
// this code, or an empty string for unknown codes.
func (c Code) Description() string {
	return descriptions[c]
}

// IsCritical reports whether this code is safety-critical. Critical codes
// are never coalesced in the audit log and force the relay out of
// automatic mode.
func (c Code) IsCritical() bool {
	return c == BlindAreaDanger || c == SensorFault
}

// Batch is a parsed event report.
type Batch []Code

// ParseBatch parses the comma-separated EVENTS header value. The all-zero
// report "0,0,0,0,0" and a missing header both yield an empty batch.
// Malformed slots are dropped rather than failing the poll. At most
// BatchSlots codes are kept.
func ParseBatch(raw string) Batch {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var batch Batch
	for _, slot := range strings.Split(raw, ",") {
		if len(batch) == BatchSlots {
			break
		}
		n, err := strconv.Atoi(strings.TrimSpace(slot))
		if err != nil {
			continue
		}
		batch = append(batch, Code(n))
	}
	if batch.allZero() {
		return nil
	}
	return batch
}

func (b Batch) allZero() bool {
	for _, c := range b {
		if c != NoEvent {
			return false
		}
	}
	return true
}

// HasCritical reports whether any code in the batch is safety-critical.
func (b Batch) HasCritical() bool {
	for _, c := range b {
		if c.IsCritical() {
			return true
		}
	}
	return false
}

// Descriptions returns the dashboard text for every non-zero code in the
// batch, in report order.
func (b Batch) Descriptions() []string {
	out := make([]string, 0, len(b))
	for _, c := range b {
		if c == NoEvent {
			continue
		}
		if d := c.Description(); d != "" {
			out = append(out, d)
		}
	}
	return out
}

// String rebuilds the raw comma-separated form stored in the audit log.
func (b Batch) String() string {
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = strconv.Itoa(int(c))
	}
	return strings.Join(parts, ",")
}
