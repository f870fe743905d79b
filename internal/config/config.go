// Package config loads relay and agent configuration from ROOMRELAY_*
// environment variables, flags and an optional config file.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "ROOMRELAY"

// Config holds relay server configuration.
type Config struct {
	// Server
	ListenAddr string

	// Storage
	DataDir      string
	DatabasePath string

	// Logging
	LogLevel  string
	LogFormat string // console or json

	// Security
	AllowedOrigins  []string // optional, for WebSocket origin validation
	AdminTOTPSecret string   // optional, gates room creation

	// Pairing
	ClaimRateLimit  int           // max claims per client IP
	ClaimRateWindow time.Duration // time window
	TokenExpiresIn  time.Duration // reported to clients, never enforced

	// Delivery
	SendBuffer     int
	MetricsEnabled bool
}

// New returns a viper instance with server defaults and env binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", ":8000")
	v.SetDefault("data_dir", "/data")
	v.SetDefault("db_path", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("allowed_origins", "")
	v.SetDefault("admin_totp_secret", "")
	v.SetDefault("claim_rate_limit", 10)
	v.SetDefault("claim_rate_window", time.Minute)
	v.SetDefault("token_expires_in", time.Hour)
	v.SetDefault("send_buffer", 256)
	v.SetDefault("metrics_enabled", false)
	return v
}

// LoadConfig reads server configuration from v.
func LoadConfig(v *viper.Viper) (*Config, error) {
	dataDir := v.GetString("data_dir")
	dbPath := v.GetString("db_path")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "roomrelay.db")
	}

	cfg := &Config{
		ListenAddr:      v.GetString("listen"),
		DataDir:         dataDir,
		DatabasePath:    dbPath,
		LogLevel:        v.GetString("log_level"),
		LogFormat:       v.GetString("log_format"),
		AllowedOrigins:  parseList(v.GetString("allowed_origins")),
		AdminTOTPSecret: v.GetString("admin_totp_secret"),
		ClaimRateLimit:  v.GetInt("claim_rate_limit"),
		ClaimRateWindow: v.GetDuration("claim_rate_window"),
		TokenExpiresIn:  v.GetDuration("token_expires_in"),
		SendBuffer:      v.GetInt("send_buffer"),
		MetricsEnabled:  v.GetBool("metrics_enabled"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []string

	if c.ListenAddr == "" {
		errs = append(errs, "ROOMRELAY_LISTEN is required")
	}
	if c.DatabasePath == "" {
		errs = append(errs, "ROOMRELAY_DB_PATH or ROOMRELAY_DATA_DIR is required")
	}
	if c.ClaimRateLimit < 1 {
		errs = append(errs, "ROOMRELAY_CLAIM_RATE_LIMIT must be at least 1")
	}
	if c.ClaimRateWindow <= 0 {
		errs = append(errs, "ROOMRELAY_CLAIM_RATE_WINDOW must be positive")
	}
	if c.SendBuffer < 1 {
		errs = append(errs, "ROOMRELAY_SEND_BUFFER must be at least 1")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Sprintf("ROOMRELAY_LOG_FORMAT must be console or json, got %q", c.LogFormat))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// HasTOTP returns true if room creation requires a TOTP code.
func (c *Config) HasTOTP() bool {
	return c.AdminTOTPSecret != ""
}

func parseList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
