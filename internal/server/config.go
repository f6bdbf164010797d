package server

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst" env:"RATE_LIMIT_BURST"`
	RefillInterval time.Duration `yaml:"refill_interval" env:"RATE_LIMIT_REFILL_INTERVAL"`
}

// AuthConfig controls session token signing and admin login.
type AuthConfig struct {
	JWTSecret         string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	Issuer            string        `yaml:"issuer" env:"JWT_ISSUER"`
	AdminTokenTTL     time.Duration `yaml:"admin_token_ttl" env:"ADMIN_TOKEN_TTL"`
	GuestTokenTTL     time.Duration `yaml:"guest_token_ttl" env:"GUEST_TOKEN_TTL"`
	AdminPassword     string        `yaml:"admin_password" env:"ADMIN_PASSWORD"`
	AdminPasswordHash string        `yaml:"admin_password_hash" env:"ADMIN_PASSWORD_HASH"`
}

// InviteConfig controls the invite ledger and generated invite links.
type InviteConfig struct {
	Retention time.Duration `yaml:"retention" env:"INVITE_RETENTION"`
	PublicURL string        `yaml:"public_url" env:"PUBLIC_URL"`
}

// StorageConfig selects the message and blob stores.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path" env:"DATABASE_PATH"`
	UploadDir    string `yaml:"upload_dir" env:"UPLOAD_DIR"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port              string          `yaml:"port" env:"SERVER_PORT"`
	AllowedOrigins    []string        `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	MaxMessageSize    int64           `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
	HistoryLimit      int             `yaml:"history_limit" env:"HISTORY_LIMIT"`
	RequireAuth       bool            `yaml:"require_auth" env:"REQUIRE_AUTH"`
	TrustForwardedFor bool            `yaml:"trust_forwarded_for" env:"TRUST_FORWARDED_FOR"`
	Auth              AuthConfig      `yaml:"auth"`
	Invite            InviteConfig    `yaml:"invite"`
	Storage           StorageConfig   `yaml:"storage"`
	Log               LogConfig       `yaml:"log"`

	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
	invalidOrigins  []string
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 64 * 1024,
		RateLimit: RateLimitConfig{
			Burst:          10,
			RefillInterval: time.Second,
		},
		HistoryLimit: 100,
		Auth: AuthConfig{
			Issuer:        "relay",
			AdminTokenTTL: 7 * 24 * time.Hour,
			GuestTokenTTL: 30 * 24 * time.Hour,
		},
		Invite: InviteConfig{
			Retention: 24 * time.Hour,
		},
		Storage: StorageConfig{
			UploadDir: "uploads",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func sanitizeConfig(cfg Config) Config {
	defaults := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = defaults.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaults.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaults.RateLimit.RefillInterval
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaults.HistoryLimit
	}
	if strings.TrimSpace(cfg.Auth.Issuer) == "" {
		cfg.Auth.Issuer = defaults.Auth.Issuer
	}
	if cfg.Auth.AdminTokenTTL <= 0 {
		cfg.Auth.AdminTokenTTL = defaults.Auth.AdminTokenTTL
	}
	if cfg.Auth.GuestTokenTTL <= 0 {
		cfg.Auth.GuestTokenTTL = defaults.Auth.GuestTokenTTL
	}
	if cfg.Invite.Retention <= 0 {
		cfg.Invite.Retention = defaults.Invite.Retention
	}
	cfg.Invite.PublicURL = strings.TrimRight(strings.TrimSpace(cfg.Invite.PublicURL), "/")
	if cfg.Storage.UploadDir == "" {
		cfg.Storage.UploadDir = defaults.Storage.UploadDir
	}

	normalizedOrigins, allowAll, invalid := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins
	cfg.allowAllOrigins = allowAll
	cfg.invalidOrigins = invalid
	cfg.allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		cfg.allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() Config {
	return sanitizeConfig(defaultConfig())
}

// LoadConfig builds a Config from defaults, then the optional YAML file at
// path, then environment variables. An empty path skips the file layer.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	cfg = sanitizeConfig(cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.Auth.AdminPasswordHash != "" && !strings.HasPrefix(c.Auth.AdminPasswordHash, "$2") {
		errs = append(errs, errors.New("auth.admin_password_hash must be a bcrypt hash"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// SlogLevel maps the configured level name onto a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
