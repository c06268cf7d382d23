package model

import "time"

// RelayEventLog is the durable audit record of an event batch reported by a
// relay poll. The transient live-events buffer is separate and lives in the
// device state store.
type RelayEventLog struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	DeviceID  int64  `gorm:"index;not null"`
	Codes     string `gorm:"size:32;not null"` // raw comma-separated batch
	CreatedAt time.Time
}

// DeviceUptime counts the calendar hours a device has been seen alive.
type DeviceUptime struct {
	DeviceID int64 `gorm:"primaryKey"`
	UpHours  int   `gorm:"not null"`
}
