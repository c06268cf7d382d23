package model

// SensorNoneKey is the sentinel meaning "no paired sensor" in relay settings.
const SensorNoneKey = "none"

// SensorSettings holds the per-sensor calibration and poll cadence.
// One row per device.
type SensorSettings struct {
	DeviceID     int64 `gorm:"primaryKey"`
	EmptyLevel   int   `gorm:"not null"` // distance at 0% full, cm
	TopMargin    int   `gorm:"not null"` // distance at 100% full (blind zone), cm
	WifiPoolTime int   `gorm:"not null"` // seconds between device polls
}

// DefaultSensorSettings returns the settings a freshly provisioned sensor
// starts with.
func DefaultSensorSettings(deviceID int64) SensorSettings {
	return SensorSettings{
		DeviceID:     deviceID,
		EmptyLevel:   150,
		TopMargin:    25,
		WifiPoolTime: 30,
	}
}

// RelaySettings holds the per-relay automation parameters echoed to firmware
// on every poll. One row per device.
type RelaySettings struct {
	DeviceID      int64  `gorm:"primaryKey"`
	Algo          int    `gorm:"not null"` // 0 manual, 1 automatic fill control
	SafeMode      int    `gorm:"not null"`
	StartLevel    int    `gorm:"not null"` // percent, pump on below
	EndLevel      int    `gorm:"not null"` // percent, pump off above
	AutoOff       int    `gorm:"not null"`
	AutoOn        int    `gorm:"not null"`
	MinFlowMMxMin int    `gorm:"column:min_flow_mm_x_min;not null"`
	SensorKey     string `gorm:"size:64;not null"` // paired sensor public key or "none"
	BlindDistance int    `gorm:"not null"`
	HoursOff      string `gorm:"size:128"` // comma-separated disabled hours 0-23
}

// DefaultRelaySettings returns the settings a freshly provisioned relay
// starts with.
func DefaultRelaySettings(deviceID int64) RelaySettings {
	return RelaySettings{
		DeviceID:      deviceID,
		Algo:          0,
		SafeMode:      1,
		StartLevel:    30,
		EndLevel:      95,
		AutoOff:       1,
		AutoOn:        1,
		MinFlowMMxMin: 10,
		SensorKey:     SensorNoneKey,
		BlindDistance: 22,
		HoursOff:      "",
	}
}
