package model

import (
	"time"
)

// DeviceKind tags the hardware family encoded in the first character of a
// device key.
type DeviceKind int

const (
	KindUnknown       DeviceKind = 0
	KindSensor        DeviceKind = 1 // ultrasonic water level sensor
	KindSensorVariant DeviceKind = 2 // short-range sensor variant
	KindRelay         DeviceKind = 3 // pump/relay controller
)

// KindFromKey reads the device kind from the leading digit of a private or
// public key ("3prv...", "1pub...").
func KindFromKey(key string) DeviceKind {
	if key == "" {
		return KindUnknown
	}
	switch key[0] {
	case '1':
		return KindSensor
	case '2':
		return KindSensorVariant
	case '3':
		return KindRelay
	}
	return KindUnknown
}

// MinTopMargin returns the smallest valid blind-zone distance in centimeters
// for this sensor kind.
func (k DeviceKind) MinTopMargin() int {
	if k == KindSensorVariant {
		return 2
	}
	return 20
}

// IsSensor reports whether the kind submits distance telemetry.
func (k DeviceKind) IsSensor() bool {
	return k == KindSensor || k == KindSensorVariant
}

func (k DeviceKind) String() string {
	switch k {
	case KindSensor:
		return "sensor"
	case KindSensorVariant:
		return "sensor-variant"
	case KindRelay:
		return "relay"
	}
	return "unknown"
}

// Device maps a secret firmware credential to the stable public identity used
// by every read-side and admin operation.
type Device struct {
	ID         int64      `gorm:"primaryKey"`
	PrivateKey string     `gorm:"uniqueIndex;size:64;not null"`
	PublicKey  string     `gorm:"uniqueIndex;size:64;not null"`
	Kind       DeviceKind `gorm:"not null"`
	Note       string     `gorm:"size:256"`
	CreatedAt  time.Time
}
