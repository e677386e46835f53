package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port               int      `env:"PORT" envDefault:"8080"`
	DatabaseURL        string   `env:"DATABASE_URL,required"`
	RedisURL           string   `env:"REDIS_URL,required"`
	SessionTTLMinutes  int      `env:"SESSION_TTL_MINUTES" envDefault:"15"`
	SignalRetentionSec int      `env:"SIGNAL_RETENTION_SECONDS" envDefault:"60"`
	STUNServers        []string `env:"STUN_SERVERS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302"`
	TURNServer         string   `env:"TURN_SERVER"`
	TURNUsername       string   `env:"TURN_USERNAME"`
	TURNCredential     string   `env:"TURN_CREDENTIAL"`
	LogLevel           string   `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

func (c *Config) SignalRetention() time.Duration {
	return time.Duration(c.SignalRetentionSec) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.SessionTTLMinutes <= 0 {
		return fmt.Errorf("SESSION_TTL_MINUTES must be positive")
	}
	if c.SignalRetentionSec <= 0 {
		return fmt.Errorf("SIGNAL_RETENTION_SECONDS must be positive")
	}

	if isProduction {
		if c.TURNServer == "" {
			log.Warn().Msg("TURN_SERVER is empty in production: peers behind symmetric NAT will fail to connect")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
