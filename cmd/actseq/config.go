package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
)

// Journal backends.
const (
	journalNone   = "none"
	journalLibSQL = "libsql"
	journalRedis  = "redis"
)

// Config holds all actseq configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	Journal     string `json:"journal"`
	DBPath      string `json:"db_path"`
	RedisAddr   string `json:"redis_addr"`
	LogLevel    string `json:"log_level"`
	LogFormat   string `json:"log_format"`
	MaxDepth    int    `json:"max_depth"`
	PoolSize    int    `json:"pool_size"`
	MetricsAddr string `json:"metrics_addr"`
	PluginDir   string `json:"plugin_dir"`
}

func defaultConfig() Config {
	return Config{
		Journal:   journalNone,
		DBPath:    filepath.Join(actseqDir(), "actseq.db"),
		RedisAddr: "localhost:6379",
		LogLevel:  "info",
		LogFormat: "text",
		MaxDepth:  100,
		PoolSize:  8,
	}
}

func actseqDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".actseq"
	}
	return filepath.Join(home, ".actseq")
}

func settingsPath() string {
	return filepath.Join(actseqDir(), "settings.json")
}

// loadConfig layers settings.json and ACTSEQ_* variables over the defaults.
// A malformed settings file is an error; a missing one is not.
func loadConfig(getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	strs := map[string]*string{
		"ACTSEQ_JOURNAL":      &cfg.Journal,
		"ACTSEQ_DB_PATH":      &cfg.DBPath,
		"ACTSEQ_REDIS_ADDR":   &cfg.RedisAddr,
		"ACTSEQ_LOG_LEVEL":    &cfg.LogLevel,
		"ACTSEQ_LOG_FORMAT":   &cfg.LogFormat,
		"ACTSEQ_METRICS_ADDR": &cfg.MetricsAddr,
		"ACTSEQ_PLUGIN_DIR":   &cfg.PluginDir,
	}
	for key, dst := range strs {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"ACTSEQ_MAX_DEPTH": &cfg.MaxDepth,
		"ACTSEQ_POOL_SIZE": &cfg.PoolSize,
	}
	for key, dst := range ints {
		v := getenv(key)
		if v == "" {
			continue
		}
		n, err := cast.ToIntE(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}
	return cfg, nil
}

// bindFlags registers the persistent flags that override the loaded config.
func bindFlags(cmd *cobra.Command) {
	d := defaultConfig()
	f := cmd.PersistentFlags()
	f.String("journal", d.Journal, "journal backend: none, libsql or redis")
	f.String("db-path", d.DBPath, "libSQL journal database path")
	f.String("redis-addr", d.RedisAddr, "Redis journal address")
	f.String("log-level", d.LogLevel, "log level: debug, info, warn or error")
	f.String("log-format", d.LogFormat, "log format: text or json")
	f.Int("max-depth", d.MaxDepth, "maximum nested run depth")
	f.Int("pool-size", d.PoolSize, "list_map worker pool size")
	f.String("metrics-addr", d.MetricsAddr, "serve Prometheus metrics on this address")
	f.StringP("plugins", "p", d.PluginDir, "directory of plugin manifests")
}

// applyFlags copies the flags the user set explicitly onto cfg.
func applyFlags(cmd *cobra.Command, cfg *Config) error {
	f := cmd.Flags()
	strs := map[string]*string{
		"journal":      &cfg.Journal,
		"db-path":      &cfg.DBPath,
		"redis-addr":   &cfg.RedisAddr,
		"log-level":    &cfg.LogLevel,
		"log-format":   &cfg.LogFormat,
		"metrics-addr": &cfg.MetricsAddr,
		"plugins":      &cfg.PluginDir,
	}
	for name, dst := range strs {
		if !f.Changed(name) {
			continue
		}
		v, err := f.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	ints := map[string]*int{
		"max-depth": &cfg.MaxDepth,
		"pool-size": &cfg.PoolSize,
	}
	for name, dst := range ints {
		if !f.Changed(name) {
			continue
		}
		v, err := f.GetInt(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	return cfg.validate()
}

func (c Config) validate() error {
	switch c.Journal {
	case journalNone, journalLibSQL, journalRedis:
	default:
		return fmt.Errorf("journal must be none, libsql or redis, got %q", c.Journal)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.MaxDepth < 1 {
		return fmt.Errorf("max_depth must be positive, got %d", c.MaxDepth)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	return nil
}
