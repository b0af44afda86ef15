// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable the identity core reads at startup.
type Config struct {
	Addr    string `env:"PLINTO_ADDR" envDefault:":8080"`
	BaseURL string `env:"PLINTO_BASE_URL" envDefault:"http://localhost:8080"`

	PostgresDSN string `env:"PLINTO_PG_DSN"`
	RedisAddr   string `env:"PLINTO_REDIS_ADDR"`
	RedisDB     int    `env:"PLINTO_REDIS_DB" envDefault:"0"`

	Issuer     string        `env:"PLINTO_ISSUER" envDefault:"plinto"`
	Audience   string        `env:"PLINTO_AUDIENCE" envDefault:"plinto-api"`
	AccessTTL  time.Duration `env:"PLINTO_ACCESS_TTL" envDefault:"15m"`
	RefreshTTL time.Duration `env:"PLINTO_REFRESH_TTL" envDefault:"336h"`

	SessionMaxAge   time.Duration `env:"PLINTO_SESSION_MAX_AGE" envDefault:"720h"`
	ChallengeTTL    time.Duration `env:"PLINTO_CHALLENGE_TTL" envDefault:"5m"`
	KeyOverlap      time.Duration `env:"PLINTO_KEY_OVERLAP" envDefault:"24h"`
	AbuseWindow     time.Duration `env:"PLINTO_ABUSE_WINDOW" envDefault:"5m"`
	AbuseThreshold  int           `env:"PLINTO_ABUSE_THRESHOLD" envDefault:"10"`
	AbuseCooldown   time.Duration `env:"PLINTO_ABUSE_COOLDOWN" envDefault:"15m"`
	RateLimitBurst  int           `env:"PLINTO_RATE_BURST" envDefault:"20"`
	RateLimitPerSec int           `env:"PLINTO_RATE_PER_SEC" envDefault:"10"`

	WebAuthnRPID     string `env:"PLINTO_WEBAUTHN_RP_ID" envDefault:"localhost"`
	WebAuthnRPName   string `env:"PLINTO_WEBAUTHN_RP_NAME" envDefault:"Plinto"`
	WebAuthnRPOrigin string `env:"PLINTO_WEBAUTHN_RP_ORIGIN" envDefault:"http://localhost:8080"`
}

// Load parses configuration from the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}
