// Package config loads notebookrelay settings from defaults, an optional
// YAML file, an optional .env file and NOTEBOOKRELAY_* environment
// variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "NOTEBOOKRELAY"

type Config struct {
	Addr        string            `mapstructure:"addr"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	Session     SessionConfig     `mapstructure:"session"`
	Lifecycle   LifecycleConfig   `mapstructure:"lifecycle"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Translation TranslationConfig `mapstructure:"translation"`
	KeepAlive   KeepAliveConfig   `mapstructure:"keepalive"`
	Log         LogConfig         `mapstructure:"log"`
}

type StorageConfig struct {
	// Profile is one of memory, durable-local, sqlite, production or custom.
	Profile       string `mapstructure:"profile"`
	DSN           string `mapstructure:"dsn"`
	DataDir       string `mapstructure:"data_dir"`
	ProductionDSN string `mapstructure:"production_dsn"`
}

type GatewayConfig struct {
	URL        string        `mapstructure:"url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

type SessionConfig struct {
	// StorageState is the browser storage_state.json holding the cookies.
	StorageState string `mapstructure:"storage_state"`
	// Token, when set, is forwarded as-is instead of reading StorageState.
	Token string `mapstructure:"token"`
	Watch bool   `mapstructure:"watch"`
}

type LifecycleConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	WaitTimeout   time.Duration `mapstructure:"wait_timeout"`
	CreateTimeout time.Duration `mapstructure:"create_timeout"`
	PendingTTL    time.Duration `mapstructure:"pending_ttl"`
}

type AuthConfig struct {
	JWTSecret       string        `mapstructure:"jwt_secret"`
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type TranslationConfig struct {
	URL string `mapstructure:"url"`
}

type KeepAliveConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func defaults() map[string]any {
	return map[string]any{
		"addr":                     ":8080",
		"storage.profile":          "memory",
		"storage.dsn":              "",
		"storage.data_dir":         ".notebookrelay",
		"storage.production_dsn":   "",
		"gateway.url":              "http://127.0.0.1:8765",
		"gateway.timeout":          60 * time.Second,
		"gateway.max_retries":      3,
		"gateway.base_delay":       200 * time.Millisecond,
		"gateway.max_delay":        5 * time.Second,
		"session.storage_state":    filepath.Join(".notebookrelay", "storage_state.json"),
		"session.token":            "",
		"session.watch":            true,
		"lifecycle.poll_interval":  200 * time.Millisecond,
		"lifecycle.wait_timeout":   30 * time.Second,
		"lifecycle.create_timeout": 60 * time.Second,
		"lifecycle.pending_ttl":    5 * time.Minute,
		"auth.jwt_secret":          "",
		"auth.rate_limit_max":      0,
		"auth.rate_limit_window":   time.Minute,
		"auth.max_body_bytes":      int64(1 << 20),
		"auth.allowed_origins":     []string{},
		"translation.url":          "",
		"keepalive.interval":       30 * time.Minute,
		"log.level":                "info",
		"log.format":               "text",
	}
}

// Keys lists every configuration key in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(defaults()))
	for key := range defaults() {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// EnvName is the environment variable that overrides key.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

type LoadOptions struct {
	// ConfigFile is an explicit YAML file. When empty, notebookrelay.yaml is
	// looked up in the working directory and ~/.notebookrelay.
	ConfigFile string
	// EnvFile defaults to .env; a missing file is ignored.
	EnvFile string
}

func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.ConfigFile, err)
		}
	} else {
		v.SetConfigName("notebookrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".notebookrelay"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if err := applyEnvFile(v, opts.EnvFile); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Auth.AllowedOrigins = splitList(cfg.Auth.AllowedOrigins)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvFile reads NOTEBOOKRELAY_* entries from a .env file. Variables
// already present in the process environment win over the file.
func applyEnvFile(v *viper.Viper, path string) error {
	if path == "" {
		path = ".env"
	}
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read env file %s: %w", path, err)
	}
	for _, key := range Keys() {
		name := EnvName(key)
		value, ok := values[name]
		if !ok {
			continue
		}
		if _, set := os.LookupEnv(name); set {
			continue
		}
		v.Set(key, value)
	}
	return nil
}

func splitList(values []string) []string {
	out := []string{}
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

func (c *Config) Validate() error {
	if _, err := c.StoreDSN(); err != nil {
		return err
	}
	if c.Lifecycle.PollInterval <= 0 || c.Lifecycle.WaitTimeout <= 0 ||
		c.Lifecycle.CreateTimeout <= 0 || c.Lifecycle.PendingTTL <= 0 {
		return errors.New("lifecycle durations must be positive")
	}
	if c.Lifecycle.PendingTTL <= c.Lifecycle.CreateTimeout {
		return fmt.Errorf("lifecycle.pending_ttl (%s) must exceed lifecycle.create_timeout (%s)",
			c.Lifecycle.PendingTTL, c.Lifecycle.CreateTimeout)
	}
	if c.Gateway.MaxRetries < 0 {
		return errors.New("gateway.max_retries must not be negative")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log.format %q", c.Log.Format)
	}
	return nil
}

// StoreDSN resolves the mapping store DSN from the storage profile.
func (c *Config) StoreDSN() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(c.Storage.Profile))
	dataDir := strings.TrimSpace(c.Storage.DataDir)
	if dataDir == "" {
		dataDir = ".notebookrelay"
	}
	switch profile {
	case "", "custom":
		if dsn := strings.TrimSpace(c.Storage.DSN); dsn != "" {
			return dsn, nil
		}
		return "memory://", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "mappings.json"), nil
	case "sqlite":
		return "sqlite://" + filepath.Join(dataDir, "notebookrelay.db"), nil
	case "production", "prod":
		dsn := strings.TrimSpace(c.Storage.ProductionDSN)
		if dsn == "" {
			dsn = strings.TrimSpace(c.Storage.DSN)
		}
		if dsn == "" {
			return "", fmt.Errorf("%s or %s is required when storage.profile=%s",
				EnvName("storage.production_dsn"), EnvName("storage.dsn"), profile)
		}
		if !strings.HasPrefix(dsn, "postgres") && !strings.HasPrefix(dsn, "mongodb") {
			return "", errors.New("production storage needs a postgres or mongodb dsn")
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported storage.profile: %s", profile)
	}
}
