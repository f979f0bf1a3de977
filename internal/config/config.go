// Package config loads client settings from a YAML file using viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Token backends.
const (
	TokenBackendStore   = "store"
	TokenBackendKeyring = "keyring"
)

// APIConfig configures the REST adapter.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RealtimeConfig configures the notification channel.
type RealtimeConfig struct {
	URL         string        `mapstructure:"url"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Strategies  []string      `mapstructure:"strategies"`
	ToastTTL    time.Duration `mapstructure:"toast_ttl"`
}

// AuthConfig configures the token coordinator.
type AuthConfig struct {
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout"`
}

// StoreConfig selects the durable key-value store.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
	// Passphrase, when set, encrypts every stored value.
	Passphrase   string `mapstructure:"passphrase"`
	TokenBackend string `mapstructure:"token_backend"`
	KeyringDir   string `mapstructure:"keyring_dir"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Config is the top-level client configuration.
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Store    StoreConfig    `mapstructure:"store"`
	Log      LogConfig      `mapstructure:"log"`
}

// Dir returns the configuration directory, honoring XDG_CONFIG_HOME.
func Dir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "mealsync")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "mealsync")
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string { return filepath.Join(Dir(), "config.yaml") }

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("realtime.url", "ws://localhost:8000")
	v.SetDefault("realtime.base_delay", time.Second)
	v.SetDefault("realtime.max_attempts", 5)
	v.SetDefault("realtime.strategies", []string{"jwt", "token"})
	v.SetDefault("realtime.toast_ttl", 5*time.Second)
	v.SetDefault("auth.refresh_timeout", 15*time.Second)
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.path", filepath.Join(Dir(), "store.db"))
	v.SetDefault("store.token_backend", TokenBackendStore)
	v.SetDefault("store.keyring_dir", filepath.Join(Dir(), "keyring"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads the configuration at path. A missing file yields the defaults.
// MEALSYNC_* environment variables override file values
// (e.g. MEALSYNC_STORE_DRIVER).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("mealsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks enumerations and bounds.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Store.TokenBackend {
	case TokenBackendStore, TokenBackendKeyring:
	default:
		return fmt.Errorf("unknown store.token_backend %q", c.Store.TokenBackend)
	}
	if c.Realtime.MaxAttempts < 0 {
		return fmt.Errorf("realtime.max_attempts must not be negative")
	}
	if len(c.Realtime.Strategies) == 0 {
		return errors.New("realtime.strategies must not be empty")
	}
	return nil
}
