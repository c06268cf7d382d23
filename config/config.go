package config

import (
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Push     PushConfig     `yaml:"push"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Demo     DemoConfig     `yaml:"demo"`
	Firmware FirmwareConfig `yaml:"firmware"`
	Admin    AdminConfig    `yaml:"admin"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the durable store connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // "postgres" or "sqlite"
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds the device state store connection configuration.
// An empty Addr selects the in-process store instead of redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PushConfig holds the VAPID keys for web push alert delivery.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// AlertsConfig holds the alert evaluator configuration.
type AlertsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	IntervalSeconds int           `yaml:"interval_seconds"`
	Interval        time.Duration `yaml:"-"` // Ignored by YAML parser
	WorkerPoolSize  int           `yaml:"worker_pool_size"`
}

// DemoConfig maps the public demo aliases to real device identities.
type DemoConfig struct {
	SensorPublicKey string `yaml:"sensor_public_key"`
	RelayPublicKey  string `yaml:"relay_public_key"`
}

// FirmwareConfig carries the latest firmware versions advertised to devices.
type FirmwareConfig struct {
	SensorVersion int `yaml:"sensor_version"`
	RelayVersion  int `yaml:"relay_version"`
}

// AdminConfig holds the token guarding provisioning and settings endpoints.
type AdminConfig struct {
	Token string `yaml:"token"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 5
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "database.db"
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.Alerts.IntervalSeconds <= 0 {
		cfg.Alerts.IntervalSeconds = 300
	}
	cfg.Alerts.Interval = time.Duration(cfg.Alerts.IntervalSeconds) * time.Second
	if cfg.Alerts.WorkerPoolSize <= 0 {
		slog.Warn("alerts.worker_pool_size is not set or invalid; defaulting to 1")
		cfg.Alerts.WorkerPoolSize = 1
	}

	if cfg.Firmware.SensorVersion <= 0 {
		cfg.Firmware.SensorVersion = 22
	}
	if cfg.Firmware.RelayVersion <= 0 {
		cfg.Firmware.RelayVersion = 19
	}

	return &cfg, nil
}
