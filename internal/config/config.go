// Package config loads server configuration from defaults, an
// optional config.yaml and RELAY_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Server  ServerConfig
	Session SessionConfig
	Redis   RedisConfig
	NATS    NATSConfig
	Audit   AuditConfig
}

type ServerConfig struct {
	Port           int
	PublicBaseURL  string
	MaxConnections int
	MaxFrameBytes  int
	ProbeInterval  int // Seconds
	WriteTimeout   int // Seconds
}

type SessionConfig struct {
	EmptyGrace    int // Seconds
	IdleTimeout   int // Seconds
	SweepInterval int // Seconds
}

// RedisConfig points at the rate limit backend. An empty address
// disables rate limiting.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// NATSConfig points at the event broker. An empty URL disables
// event publishing.
type NATSConfig struct {
	URL string
}

// AuditConfig points at the audit database. An empty URL disables
// audit recording.
type AuditConfig struct {
	DatabaseURL string
}

// Load reads configuration from config.yaml in the given path (or the
// working directory), layered under RELAY_ environment variables, on
// top of the defaults. A missing config file is not an error.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}
