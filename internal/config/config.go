package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir  string   `mapstructure:"MIGRATIONS_DIR"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AMQPURL        string   `mapstructure:"AMQP_URL"`
	NotifyExchange string   `mapstructure:"NOTIFY_EXCHANGE"`
	NotifyMaxRetry int      `mapstructure:"NOTIFY_MAX_RETRY"`
	WebhookURLs    []string `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret  string   `mapstructure:"WEBHOOK_SECRET"`
	WebhookEvents  []string `mapstructure:"WEBHOOK_EVENTS"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	RequestTimeout       time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	ClinicTimezone       string        `mapstructure:"CLINIC_TIMEZONE"`
	OfferSweepInterval   time.Duration `mapstructure:"OFFER_SWEEP_INTERVAL"`
	SweepStaleBookings   bool          `mapstructure:"SWEEP_STALE_BOOKINGS"`
	SuggestedSlotCount   int           `mapstructure:"SUGGESTED_SLOT_COUNT"`
	SuggestionSearchDays int           `mapstructure:"SUGGESTION_SEARCH_DAYS"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"REDIS_URL", "AMQP_URL", "NOTIFY_EXCHANGE", "NOTIFY_MAX_RETRY",
	"WEBHOOK_URLS", "WEBHOOK_SECRET", "WEBHOOK_EVENTS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"CLINIC_TIMEZONE", "OFFER_SWEEP_INTERVAL", "SWEEP_STALE_BOOKINGS",
	"SUGGESTED_SLOT_COUNT", "SUGGESTION_SEARCH_DAYS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("NOTIFY_EXCHANGE", "clinic.notifications")
	v.SetDefault("NOTIFY_MAX_RETRY", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("WEBHOOK_EVENTS", "*")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("OFFER_SWEEP_INTERVAL", "1m")
	v.SetDefault("SWEEP_STALE_BOOKINGS", true)
	v.SetDefault("SUGGESTED_SLOT_COUNT", 3)
	v.SetDefault("SUGGESTION_SEARCH_DAYS", 30)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.WebhookURLs = splitList(cfg.WebhookURLs)
	cfg.WebhookEvents = splitList(cfg.WebhookEvents)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		log.Println("WARNING: ENV=development without AUTH_SIGNING_KEY: actors are taken from X-Actor-* headers.")
		log.Println("WARNING: Do NOT use this configuration in production.")
	}

	return cfg, nil
}

// splitList expands comma separated env values and trims blanks.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, s := range strings.Split(item, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location resolves CLINIC_TIMEZONE. All wall-clock availability times are
// interpreted in this zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run. Outside development
// a signing key is mandatory so bearer tokens are actually verified.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.OfferSweepInterval <= 0 {
		return fmt.Errorf("OFFER_SWEEP_INTERVAL must be positive, got %s", c.OfferSweepInterval)
	}
	if c.SuggestedSlotCount < 1 {
		return fmt.Errorf("SUGGESTED_SLOT_COUNT must be at least 1, got %d", c.SuggestedSlotCount)
	}
	if c.SuggestionSearchDays < 1 {
		return fmt.Errorf("SUGGESTION_SEARCH_DAYS must be at least 1, got %d", c.SuggestionSearchDays)
	}
	if len(c.WebhookURLs) > 0 && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URLS is set")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
