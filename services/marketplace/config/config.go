package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix scopes the environment overrides applied on top of the file.
const EnvPrefix = "MARKET_"

// Config captures the runtime settings for the marketplace daemon.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen" env:"LISTEN"`
	Environment   string          `yaml:"environment" toml:"environment" env:"ENVIRONMENT"`
	TimeZone      string          `yaml:"time_zone" toml:"time_zone" env:"TIME_ZONE"`
	Database      DatabaseConfig  `yaml:"database" toml:"database" envPrefix:"DB_"`
	Auth          AuthConfig      `yaml:"auth" toml:"auth" envPrefix:"AUTH_"`
	RateLimit     RateLimitConfig `yaml:"rate_limit" toml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Sweeper       SweeperConfig   `yaml:"sweeper" toml:"sweeper" envPrefix:"SWEEPER_"`
	Logging       LoggingConfig   `yaml:"logging" toml:"logging" envPrefix:"LOG_"`
	Telemetry     TelemetryConfig `yaml:"telemetry" toml:"telemetry" envPrefix:"OTEL_"`
}

// DatabaseConfig selects the storage driver and pool limits.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" toml:"driver" env:"DRIVER"`
	DSN             string        `yaml:"dsn" toml:"dsn" env:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" toml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" toml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" toml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// AuthConfig controls bearer token verification.
type AuthConfig struct {
	Alg              string            `yaml:"alg" toml:"alg" env:"ALG"`
	Issuer           string            `yaml:"issuer" toml:"issuer" env:"ISSUER"`
	Audience         []string          `yaml:"audience" toml:"audience" env:"AUDIENCE"`
	HSSecretEnv      string            `yaml:"hs_secret_env" toml:"hs_secret_env" env:"HS_SECRET_ENV"`
	RSAPublicKeyFile string            `yaml:"rsa_public_key_file" toml:"rsa_public_key_file" env:"RSA_PUBLIC_KEY_FILE"`
	RoleClaim        string            `yaml:"role_claim" toml:"role_claim" env:"ROLE_CLAIM"`
	RoleMap          map[string]string `yaml:"role_map" toml:"role_map" env:"ROLE_MAP"`
	MaxSkewSeconds   int               `yaml:"max_skew_seconds" toml:"max_skew_seconds" env:"MAX_SKEW_SECONDS"`
}

// RateLimitConfig bounds per-client request rates. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute" env:"RPM"`
	Burst             int     `yaml:"burst" toml:"burst" env:"BURST"`
}

// SweeperConfig schedules the expiry sweep.
type SweeperConfig struct {
	Enabled    bool          `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Interval   time.Duration `yaml:"interval" toml:"interval" env:"INTERVAL"`
	RunHour    int           `yaml:"run_hour" toml:"run_hour" env:"RUN_HOUR"`
	RunMinute  int           `yaml:"run_minute" toml:"run_minute" env:"RUN_MINUTE"`
	RunOnStart bool          `yaml:"run_on_start" toml:"run_on_start" env:"RUN_ON_START"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level" env:"LEVEL"`
	File       string `yaml:"file" toml:"file" env:"FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days" env:"MAX_AGE_DAYS"`
	Compress   bool   `yaml:"compress" toml:"compress" env:"COMPRESS"`
}

// TelemetryConfig mirrors otel.Config.
type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint" toml:"endpoint" env:"ENDPOINT"`
	Insecure    bool              `yaml:"insecure" toml:"insecure" env:"INSECURE"`
	Headers     map[string]string `yaml:"headers" toml:"headers" env:"HEADERS"`
	Traces      bool              `yaml:"traces" toml:"traces" env:"TRACES"`
	Metrics     bool              `yaml:"metrics" toml:"metrics" env:"METRICS"`
	SampleRatio float64           `yaml:"sample_ratio" toml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		ListenAddress: ":8080",
		Environment:   "development",
		TimeZone:      "UTC",
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          "file:crowdfund.db?_pragma=foreign_keys(1)",
			MaxOpenConns: 1,
		},
		Auth: AuthConfig{
			Alg:         "HS256",
			Issuer:      "crowdfund-auth",
			Audience:    []string{"marketplace"},
			HSSecretEnv: "MARKET_JWT_SECRET",
			RoleClaim:   "role",
		},
		RateLimit: RateLimitConfig{RequestsPerMinute: 120, Burst: 20},
		Sweeper:   SweeperConfig{Enabled: true, RunOnStart: true},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML or TOML file (chosen by extension), applies MARKET_*
// environment overrides and validates the result. An empty path skips the
// file and starts from Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	case ".yaml", ".yml", "":
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.TimeZone = strings.TrimSpace(cfg.TimeZone)
	if cfg.TimeZone == "" {
		cfg.TimeZone = "UTC"
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	cfg.Database.DSN = strings.TrimSpace(cfg.Database.DSN)
	cfg.Auth.Alg = strings.ToUpper(strings.TrimSpace(cfg.Auth.Alg))
	cfg.Auth.Issuer = strings.TrimSpace(cfg.Auth.Issuer)
	audience := make([]string, 0, len(cfg.Auth.Audience))
	for _, aud := range cfg.Auth.Audience {
		if trimmed := strings.TrimSpace(aud); trimmed != "" {
			audience = append(audience, trimmed)
		}
	}
	cfg.Auth.Audience = audience
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
}

func (cfg *Config) validate() error {
	if cfg.Database.Driver == "" {
		return fmt.Errorf("database: driver required")
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database: dsn required")
	}
	if _, err := cfg.Location(); err != nil {
		return err
	}
	switch cfg.Auth.Alg {
	case "HS256":
		if strings.TrimSpace(cfg.Auth.HSSecretEnv) == "" {
			return fmt.Errorf("auth: hs_secret_env required for HS256")
		}
	case "RS256":
		if strings.TrimSpace(cfg.Auth.RSAPublicKeyFile) == "" {
			return fmt.Errorf("auth: rsa_public_key_file required for RS256")
		}
	default:
		return fmt.Errorf("auth: unsupported alg %q", cfg.Auth.Alg)
	}
	if cfg.Auth.Issuer == "" {
		return fmt.Errorf("auth: issuer required")
	}
	if len(cfg.Auth.Audience) == 0 {
		return fmt.Errorf("auth: audience required")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	if cfg.Sweeper.Interval < 0 {
		return fmt.Errorf("sweeper: interval must not be negative")
	}
	if cfg.Sweeper.RunHour < 0 || cfg.Sweeper.RunHour > 23 {
		return fmt.Errorf("sweeper: run_hour must be within 0-23")
	}
	if cfg.Sweeper.RunMinute < 0 || cfg.Sweeper.RunMinute > 59 {
		return fmt.Errorf("sweeper: run_minute must be within 0-59")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within 0-1")
	}
	return nil
}

// Location resolves the marketplace time zone used for deadline checks.
func (cfg Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("time_zone: %w", err)
	}
	return loc, nil
}
