// Package config loads the process environment into a validated runtime
// configuration.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// EnvConfig mirrors the environment variables the core relies on. Values
// carry their wire units (milliseconds, days) exactly as read from the
// environment; Runtime() converts them to the types the rest of the code
// wants to work with (time.Duration, etc).
type EnvConfig struct {
	MQTTPort                int    `env:"MQTT_PORT" envDefault:"1883" validate:"gt=0,lte=65535"`
	MQTTHost                string `env:"MQTT_HOST" envDefault:"0.0.0.0" validate:"required"`
	HTTPPort                int    `env:"HTTP_PORT" envDefault:"3000" validate:"gt=0,lte=65535"`
	ManagementPort          int    `env:"MANAGEMENT_PORT" envDefault:"3001" validate:"gt=0,lte=65535"`
	MessageMaxLength        int    `env:"MESSAGE_MAX_LENGTH" envDefault:"1024" validate:"gt=0"`
	PublishRateLimitMs      int64  `env:"PUBLISH_RATE_LIMIT" envDefault:"1000" validate:"gt=0"`
	MessageExpireTimeMs     int64  `env:"MESSAGE_EXPIRE_TIME" envDefault:"120000" validate:"gt=0"`
	CacheCleanupIntervalMs  int64  `env:"CACHE_CLEANUP_INTERVAL" envDefault:"10000" validate:"gt=0"`
	TimeseriesRetentionDays int    `env:"TIMESERIES_RETENTION_DAYS" envDefault:"30" validate:"gt=0"`
	BridgeEnabled           bool   `env:"BRIDGE_ENABLED" envDefault:"false"`
	BrokerID                string `env:"BROKER_ID"`
	BridgeToken             string `env:"BRIDGE_TOKEN"`
	BridgeReconnectMs       int64  `env:"BRIDGE_RECONNECT_INTERVAL" envDefault:"5000" validate:"gt=0"`
	SchedulerTickMs         int64  `env:"SCHEDULER_TICK" envDefault:"1000" validate:"gt=0"`
	UserToken               string `env:"USER_TOKEN"`
	DataDir                 string `env:"DATA_DIR" envDefault:"./data" validate:"required"`
}

// Runtime is the unit-converted view of EnvConfig the rest of the core
// consumes, so call sites never juggle raw millisecond ints.
type Runtime struct {
	MQTTPort                int
	MQTTHost                string
	HTTPPort                int
	ManagementPort          int
	MessageMaxBytes         int
	PublishRateLimit        time.Duration
	MessageExpireTime       time.Duration
	CacheCleanupInterval    time.Duration
	TimeseriesRetentionDays int
	BridgeEnabled           bool
	BrokerID                string
	BridgeToken             string
	BridgeReconnectInterval time.Duration
	SchedulerTick           time.Duration
	UserToken               string
	DataDir                 string
}

// Load parses the process environment into an EnvConfig and validates it.
func Load() (*EnvConfig, error) {
	cfg := new(EnvConfig)
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Runtime converts the raw environment values into their working-unit form.
func (c *EnvConfig) Runtime() *Runtime {
	return &Runtime{
		MQTTPort:                c.MQTTPort,
		MQTTHost:                c.MQTTHost,
		HTTPPort:                c.HTTPPort,
		ManagementPort:          c.ManagementPort,
		MessageMaxBytes:         c.MessageMaxLength,
		PublishRateLimit:        time.Duration(c.PublishRateLimitMs) * time.Millisecond,
		MessageExpireTime:       time.Duration(c.MessageExpireTimeMs) * time.Millisecond,
		CacheCleanupInterval:    time.Duration(c.CacheCleanupIntervalMs) * time.Millisecond,
		TimeseriesRetentionDays: c.TimeseriesRetentionDays,
		BridgeEnabled:           c.BridgeEnabled,
		BrokerID:                c.BrokerID,
		BridgeToken:             c.BridgeToken,
		BridgeReconnectInterval: time.Duration(c.BridgeReconnectMs) * time.Millisecond,
		SchedulerTick:           time.Duration(c.SchedulerTickMs) * time.Millisecond,
		UserToken:               c.UserToken,
		DataDir:                 c.DataDir,
	}
}
