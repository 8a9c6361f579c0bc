package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const redacted = "********"

// Document renders cfg as nested YAML with human-readable durations. Secrets
// are masked unless reveal is set.
func Document(cfg *Config, reveal bool) ([]byte, error) {
	flat := map[string]any{
		"addr":                     cfg.Addr,
		"storage.profile":          cfg.Storage.Profile,
		"storage.dsn":              cfg.Storage.DSN,
		"storage.data_dir":         cfg.Storage.DataDir,
		"storage.production_dsn":   cfg.Storage.ProductionDSN,
		"gateway.url":              cfg.Gateway.URL,
		"gateway.timeout":          cfg.Gateway.Timeout,
		"gateway.max_retries":      cfg.Gateway.MaxRetries,
		"gateway.base_delay":       cfg.Gateway.BaseDelay,
		"gateway.max_delay":        cfg.Gateway.MaxDelay,
		"session.storage_state":    cfg.Session.StorageState,
		"session.token":            cfg.Session.Token,
		"session.watch":            cfg.Session.Watch,
		"lifecycle.poll_interval":  cfg.Lifecycle.PollInterval,
		"lifecycle.wait_timeout":   cfg.Lifecycle.WaitTimeout,
		"lifecycle.create_timeout": cfg.Lifecycle.CreateTimeout,
		"lifecycle.pending_ttl":    cfg.Lifecycle.PendingTTL,
		"auth.jwt_secret":          cfg.Auth.JWTSecret,
		"auth.rate_limit_max":      cfg.Auth.RateLimitMax,
		"auth.rate_limit_window":   cfg.Auth.RateLimitWindow,
		"auth.max_body_bytes":      cfg.Auth.MaxBodyBytes,
		"auth.allowed_origins":     cfg.Auth.AllowedOrigins,
		"translation.url":          cfg.Translation.URL,
		"keepalive.interval":       cfg.KeepAlive.Interval,
		"log.level":                cfg.Log.Level,
		"log.format":               cfg.Log.Format,
	}
	if !reveal {
		for _, key := range []string{"auth.jwt_secret", "session.token", "storage.dsn", "storage.production_dsn"} {
			if s, _ := flat[key].(string); s != "" {
				flat[key] = redacted
			}
		}
	}
	return yaml.Marshal(nest(flat))
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// WriteDefault writes a starter config file. It refuses to overwrite an
// existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	data, err := Document(Default(), true)
	if err != nil {
		return fmt.Errorf("render default config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o600)
}

func nest(flat map[string]any) map[string]any {
	out := map[string]any{}
	for key, value := range flat {
		if d, ok := value.(time.Duration); ok {
			value = d.String()
		}
		parts := strings.Split(key, ".")
		node := out
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}
	return out
}
