package app

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crossbus/crossbus/common/environment"
)

// Config is the process configuration, loaded from an optional YAML file
// with environment-variable overrides on top.
type Config struct {
	Listen      string `yaml:"listen"`
	Database    string `yaml:"database"`
	ExternalURL string `yaml:"externalUrl"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text | json
	} `yaml:"log"`

	Identity struct {
		HMACSecret string `yaml:"hmacSecret"`
		Issuer     string `yaml:"issuer"`
	} `yaml:"identity"`

	Payload struct {
		Secret string `yaml:"secret"`
	} `yaml:"payload"`

	Limits struct {
		AuthFailPerMinute int           `yaml:"authFailPerMinute"`
		ToolWindow        time.Duration `yaml:"toolWindow"`
	} `yaml:"limits"`

	Groups map[string][]string `yaml:"groups"`

	SideEffects struct {
		Workers int `yaml:"workers"`
		Depth   int `yaml:"depth"`
	} `yaml:"sideEffects"`

	Shutdown struct {
		Grace time.Duration `yaml:"grace"`
	} `yaml:"shutdown"`
}

// LoadConfig reads path (when non-empty), applies env overrides, and fills
// defaults. A missing file with an empty path is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("app: read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("app: parse config %s: %w", path, err)
		}
	}

	cfg.Listen = environment.StringOr("CROSSBUS_LISTEN", orDefault(cfg.Listen, ":8420"))
	cfg.Database = environment.StringOr("CROSSBUS_DB", orDefault(cfg.Database, "crossbus.db"))
	cfg.ExternalURL = environment.StringOr("CROSSBUS_EXTERNAL_URL",
		orDefault(cfg.ExternalURL, "http://localhost:8420"))
	cfg.Log.Level = environment.StringOr("CROSSBUS_LOG_LEVEL", orDefault(cfg.Log.Level, "info"))
	cfg.Log.Format = environment.StringOr("CROSSBUS_LOG_FORMAT", orDefault(cfg.Log.Format, "text"))
	cfg.Identity.HMACSecret = environment.StringOr("CROSSBUS_IDENTITY_SECRET", cfg.Identity.HMACSecret)
	cfg.Identity.Issuer = environment.StringOr("CROSSBUS_IDENTITY_ISSUER", cfg.Identity.Issuer)
	cfg.Payload.Secret = environment.StringOr("CROSSBUS_PAYLOAD_SECRET", cfg.Payload.Secret)

	if cfg.Limits.AuthFailPerMinute <= 0 {
		cfg.Limits.AuthFailPerMinute = environment.IntOr("CROSSBUS_AUTHFAIL_LIMIT", 10)
	}
	if cfg.Limits.ToolWindow <= 0 {
		cfg.Limits.ToolWindow = environment.DurationOr("CROSSBUS_RATE_WINDOW", time.Minute)
	}
	if cfg.SideEffects.Workers <= 0 {
		cfg.SideEffects.Workers = environment.IntOr("CROSSBUS_EFFECT_WORKERS", 2)
	}
	if cfg.Shutdown.Grace <= 0 {
		cfg.Shutdown.Grace = environment.DurationOr("CROSSBUS_SHUTDOWN_GRACE", 10*time.Second)
	}

	return cfg, nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
