package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	minRoomSecretLen = 32
	maxRoomTokenTTL  = 24 * time.Hour
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	DefaultTenant  string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	// Room server integration
	RoomDomain        string        `mapstructure:"ROOM_DOMAIN"`
	RoomTokenSecret   string        `mapstructure:"ROOM_TOKEN_SECRET"`
	RoomTokenIssuer   string        `mapstructure:"ROOM_TOKEN_ISSUER"`
	RoomTokenAudience string        `mapstructure:"ROOM_TOKEN_AUDIENCE"`
	RoomTokenTTL      time.Duration `mapstructure:"ROOM_TOKEN_TTL"`

	// Grace window before an unjoined session counts as missed.
	MissedGracePeriod time.Duration `mapstructure:"MISSED_GRACE_PERIOD"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"DEFAULT_TENANT", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"ROOM_DOMAIN", "ROOM_TOKEN_SECRET", "ROOM_TOKEN_ISSUER", "ROOM_TOKEN_AUDIENCE", "ROOM_TOKEN_TTL",
	"MISSED_GRACE_PERIOD",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("ROOM_TOKEN_ISSUER", "telehealth")
	v.SetDefault("ROOM_TOKEN_AUDIENCE", "jitsi")
	v.SetDefault("ROOM_TOKEN_TTL", "2h")
	v.SetDefault("MISSED_GRACE_PERIOD", "15m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.ResolvedAuthMode() == "development" {
		log.Warn().Msg("development auth is active: callers are taken from X-User-ID / X-User-Role headers " +
			"and anonymous requests act as admin. Do NOT use this configuration in production.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise ENV=development means "development" (identity
// headers) and anything else means "external" (portal-issued JWTs).
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "external"
}

// Validate checks that the configuration is safe to run. A weak room token
// secret is fatal: tokens signed with it would be forgeable.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
		}
	case "external":
		if c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when AUTH_MODE is \"external\" (current ENV=%q)", c.Env)
		}
		if c.IsProduction() && c.AuthSigningKey != "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is for development only; configure AUTH_JWKS_URL in production")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"external\", got %q", mode)
	}

	if c.RoomDomain == "" {
		return fmt.Errorf("ROOM_DOMAIN is required")
	}
	if strings.ContainsAny(c.RoomDomain, "/?#") {
		return fmt.Errorf("ROOM_DOMAIN must be a bare host name, got %q", c.RoomDomain)
	}
	if len(c.RoomTokenSecret) < minRoomSecretLen {
		return fmt.Errorf("ROOM_TOKEN_SECRET must be at least %d bytes, got %d", minRoomSecretLen, len(c.RoomTokenSecret))
	}
	if c.RoomTokenTTL <= 0 || c.RoomTokenTTL > maxRoomTokenTTL {
		return fmt.Errorf("ROOM_TOKEN_TTL must be within (0, %s], got %s", maxRoomTokenTTL, c.RoomTokenTTL)
	}
	if c.MissedGracePeriod < 0 {
		return fmt.Errorf("MISSED_GRACE_PERIOD must not be negative, got %s", c.MissedGracePeriod)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
