package config

import (
	"errors"
	"fmt"
	"time"
)

// Notifier backends.
const (
	NotifierMemory = "memory"
	NotifierNATS   = "nats"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`

	JWTSecret   string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string `mapstructure:"jwt_audience" yaml:"jwt_audience"`

	Notifier          string `mapstructure:"notifier" yaml:"notifier"`
	NATSURL           string `mapstructure:"nats_url" yaml:"nats_url"`
	NATSSubjectPrefix string `mapstructure:"nats_subject_prefix" yaml:"nats_subject_prefix"`

	MaxBodyBytes       int `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`

	ResubscribeInitialInterval time.Duration `mapstructure:"resubscribe_initial_interval" yaml:"resubscribe_initial_interval"`
	ResubscribeMaxInterval     time.Duration `mapstructure:"resubscribe_max_interval" yaml:"resubscribe_max_interval"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:                       ":8080",
		ReadHeaderTimeout:          5 * time.Second,
		ShutdownTimeout:            5 * time.Second,
		DatabasePath:               "duochat.db",
		LogLevel:                   "info",
		LogFormat:                  "console",
		JWTIssuer:                  "duochat",
		Notifier:                   NotifierMemory,
		NATSURL:                    "nats://127.0.0.1:4222",
		NATSSubjectPrefix:          "duochat.chats",
		MaxBodyBytes:               4096,
		RateLimitPerMinute:         60,
		ResubscribeInitialInterval: 500 * time.Millisecond,
		ResubscribeMaxInterval:     30 * time.Second,
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.LogFormat != "" {
		c.LogFormat = other.LogFormat
	}
	if other.JWTSecret != "" {
		c.JWTSecret = other.JWTSecret
	}
	if other.Notifier != "" {
		c.Notifier = other.Notifier
	}
	if other.NATSURL != "" {
		c.NATSURL = other.NATSURL
	}
}

// Validate reports configuration the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt_secret is required"))
	}
	switch c.Notifier {
	case NotifierMemory:
	case NotifierNATS:
		if c.NATSURL == "" {
			errs = append(errs, errors.New("nats_url is required for the nats notifier"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown notifier %q", c.Notifier))
	}
	if c.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("max_body_bytes must not be negative"))
	}
	if c.ResubscribeInitialInterval <= 0 || c.ResubscribeMaxInterval < c.ResubscribeInitialInterval {
		errs = append(errs, errors.New("resubscribe intervals must be positive and ordered"))
	}
	return errors.Join(errs...)
}
