package model

import "time"

// Alert rule conditions.
const (
	ConditionAbove   = 1  // level percent at or above threshold
	ConditionBelow   = -1 // level percent at or below threshold
	ConditionOffline = 2  // no telemetry for 3x poll interval + grace
)

// AlertRule asks for a web push notification when a sensor crosses a level
// threshold or goes quiet.
type AlertRule struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	DeviceID       int64  `gorm:"index;not null"`
	Condition      int    `gorm:"not null"`
	Level          int    `gorm:"not null"` // percent threshold, unused for offline
	Endpoint       string `gorm:"index;size:512;not null"`
	FrequencyHours int    `gorm:"not null;default:6"` // min hours between repeats
	CreatedAt      time.Time

	// Associations
	Subscription PushSubscription `gorm:"foreignKey:Endpoint;references:Endpoint;constraint:OnDelete:CASCADE"`
}

// PushSubscription holds the information for a browser push subscription.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey;size:512"`
	P256DH    string    `gorm:"column:p256dh;not null"`
	Auth      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}
