package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file configuration.
const (
	EnvConcurrency                 = "ROLLUPD_CONCURRENCY"
	EnvScheduledRefreshConcurrency = "ROLLUPD_SCHEDULED_REFRESH_CONCURRENCY"
	EnvRefreshTimer                = "ROLLUPD_REFRESH_TIMER"
	EnvDBType                      = "ROLLUPD_DB_TYPE"
	EnvCacheDriver                 = "ROLLUPD_CACHE_DRIVER"
	EnvRedisURL                    = "ROLLUPD_REDIS_URL"
)

// ServerConfig holds configuration for the rollupd server.
type ServerConfig struct {
	Addr       string `yaml:"addr"`        // Listen address (default ":4000")
	LogLevel   string `yaml:"log_level"`   // Log level: debug, info, warn, error
	LogFormat  string `yaml:"log_format"`  // Log format: text, json
	DBPath     string `yaml:"db_path"`     // SQLite database path (default ~/.rollupd/rollupd.db, ":memory:" for testing)
	SchemaPath string `yaml:"schema_path"` // Cube schema YAML file

	// DBType is the driver type used for data sources that don't declare one.
	DBType string `yaml:"db_type"`
	// Concurrency is the global override applied to every data source queue
	// without an explicit concurrency. Zero means unset.
	Concurrency int `yaml:"concurrency"`

	DataSources map[string]DataSourceConfig `yaml:"data_sources"`
	External    *DataSourceConfig           `yaml:"external"`

	Cache            CacheConfig            `yaml:"cache"`
	Orchestrator     OrchestratorConfig     `yaml:"orchestrator"`
	ScheduledRefresh ScheduledRefreshConfig `yaml:"scheduled_refresh"`
}

// DataSourceConfig describes one named data source.
type DataSourceConfig struct {
	Type        string `yaml:"type"`
	URL         string `yaml:"url"`
	Concurrency int    `yaml:"concurrency"` // queue concurrency, zero means unset
}

// CacheConfig selects the result and refresh-key cache backend.
type CacheConfig struct {
	Driver   string        `yaml:"driver"` // memory or redis
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

// OrchestratorConfig controls per-tenant coordinator instances.
type OrchestratorConfig struct {
	CacheSize           int           `yaml:"cache_size"`
	TTL                 time.Duration `yaml:"ttl"`
	UpdateAgeOnGet      bool          `yaml:"update_age_on_get"`
	ContinueWaitTimeout time.Duration `yaml:"continue_wait_timeout"`
	// IDExpression maps a security context to an orchestrator id,
	// e.g. "securityContext.tenantId". Empty means "default".
	IDExpression string `yaml:"id_expression"`
	// DBTypeExpression maps {dataSource, securityContext} to a driver type.
	DBTypeExpression string `yaml:"db_type_expression"`
}

// ScheduledRefreshConfig drives the background refresh timer.
type ScheduledRefreshConfig struct {
	Enabled       bool             `yaml:"enabled"`
	Timer         time.Duration    `yaml:"timer"`
	Concurrency   int              `yaml:"concurrency"`
	Timezones     []string         `yaml:"timezones"`
	WorkerIndices []int            `yaml:"worker_indices"`
	Contexts      []map[string]any `yaml:"contexts"`
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":4000",
		LogLevel:  "info",
		LogFormat: "text",
		DBType:    "postgres",
		Cache: CacheConfig{
			Driver: "memory",
			TTL:    24 * time.Hour,
		},
		Orchestrator: OrchestratorConfig{
			CacheSize:           250,
			ContinueWaitTimeout: 5 * time.Second,
		},
		ScheduledRefresh: ScheduledRefreshConfig{
			Timer:     30 * time.Second,
			Timezones: []string{"UTC"},
		},
	}
}

// Load reads a YAML config file over the defaults and applies environment
// overrides. An empty path skips the file.
func Load(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables resolved by lookup.
func (c *ServerConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvConcurrency); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvConcurrency, err)
		}
		c.Concurrency = n
	}
	if v, ok := lookup(EnvScheduledRefreshConcurrency); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvScheduledRefreshConcurrency, err)
		}
		c.ScheduledRefresh.Concurrency = n
	}
	if v, ok := lookup(EnvRefreshTimer); ok && v != "" {
		if err := c.ScheduledRefresh.parseTimer(v); err != nil {
			return fmt.Errorf("%s: %w", EnvRefreshTimer, err)
		}
	}
	if v, ok := lookup(EnvDBType); ok && v != "" {
		c.DBType = v
	}
	if v, ok := lookup(EnvCacheDriver); ok && v != "" {
		c.Cache.Driver = v
	}
	if v, ok := lookup(EnvRedisURL); ok && v != "" {
		c.Cache.RedisURL = v
		if c.Cache.Driver == "memory" {
			c.Cache.Driver = "redis"
		}
	}
	return nil
}

// parseTimer accepts "true"/"false", a bare number of seconds or a duration.
func (s *ScheduledRefreshConfig) parseTimer(v string) error {
	switch strings.ToLower(v) {
	case "true":
		s.Enabled = true
		return nil
	case "false":
		s.Enabled = false
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			s.Enabled = false
			return nil
		}
		s.Enabled = true
		s.Timer = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	s.Enabled = d > 0
	s.Timer = d
	return nil
}

// QueueConcurrency returns the explicit queue concurrency for a data source,
// or zero when the data source is unknown or has none configured.
func (c ServerConfig) QueueConcurrency(dataSource string) int {
	if ds, ok := c.DataSources[dataSource]; ok {
		return ds.Concurrency
	}
	return 0
}

// DataSourceType returns the declared driver type for a data source,
// falling back to DBType.
func (c ServerConfig) DataSourceType(dataSource string) string {
	if ds, ok := c.DataSources[dataSource]; ok && ds.Type != "" {
		return ds.Type
	}
	return c.DBType
}
