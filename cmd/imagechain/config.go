package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/imagechain/internal/backend"
	"github.com/rendis/imagechain/internal/engine"
	"github.com/rendis/imagechain/internal/expressions"
	"github.com/rendis/imagechain/internal/validation"
)

// envPrefix namespaces environment overrides: IMAGECHAIN_DB_PATH, IMAGECHAIN_RETRY_MAX_RETRIES, ...
const envPrefix = "IMAGECHAIN"

// Config holds all imagechain configuration.
// Priority: flags > env vars > config file > defaults.
type Config struct {
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	DBPath      string `mapstructure:"db_path"`
	PoolSize    int    `mapstructure:"pool_size"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	PanelAddr   string `mapstructure:"panel_addr"`

	Retry struct {
		MaxRetries int           `mapstructure:"max_retries"`
		BaseDelay  time.Duration `mapstructure:"base_delay"`
		MaxDelay   time.Duration `mapstructure:"max_delay"`
	} `mapstructure:"retry"`

	Failover struct {
		BackendPause   time.Duration `mapstructure:"backend_pause"`
		CircuitBreaker struct {
			Enabled          bool          `mapstructure:"enabled"`
			FailureThreshold int           `mapstructure:"failure_threshold"`
			Cooldown         time.Duration `mapstructure:"cooldown"`
		} `mapstructure:"circuit_breaker"`
	} `mapstructure:"failover"`

	Metering struct {
		CostPerStep    float64 `mapstructure:"cost_per_step"`
		CreditsPerStep int     `mapstructure:"credits_per_step"`
	} `mapstructure:"metering"`

	Graph struct {
		AllowBranching bool `mapstructure:"allow_branching"`
	} `mapstructure:"graph"`

	Backends []BackendConfig `mapstructure:"backends"`
}

// BackendConfig describes one HTTP backend in preference order.
type BackendConfig struct {
	Name              string               `mapstructure:"name"`
	URL               string               `mapstructure:"url"`
	APIKeyEnv         string               `mapstructure:"api_key_env"`
	APIKeyHeader      string               `mapstructure:"api_key_header"`
	Timeout           time.Duration        `mapstructure:"timeout"`
	RequestsPerMinute float64              `mapstructure:"requests_per_minute"`
	MaxRetries        *int                 `mapstructure:"max_retries"`
	When              string               `mapstructure:"when"`
	Extract           backend.ExtractPaths `mapstructure:"extract"`
}

func imagechainDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".imagechain"
	}
	return filepath.Join(home, ".imagechain")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("db_path", filepath.Join(imagechainDir(), "imagechain.db"))
	v.SetDefault("pool_size", 4)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("panel_addr", "")

	v.SetDefault("retry.max_retries", backend.DefaultMaxRetries)
	v.SetDefault("retry.base_delay", backend.DefaultBaseDelay)
	v.SetDefault("retry.max_delay", backend.DefaultMaxDelay)

	v.SetDefault("failover.backend_pause", engine.DefaultBackendPause)
	v.SetDefault("failover.circuit_breaker.enabled", false)
	v.SetDefault("failover.circuit_breaker.failure_threshold", 5)
	v.SetDefault("failover.circuit_breaker.cooldown", time.Minute)

	v.SetDefault("metering.cost_per_step", engine.DefaultCostPerStep)
	v.SetDefault("metering.credits_per_step", engine.DefaultCreditsPerStep)

	v.SetDefault("graph.allow_branching", false)
}

// newViper returns a viper instance with defaults and env binding. Config
// file lookup happens in loadConfig.
func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// configCandidates are searched in order when no --config is given.
func configCandidates() []string {
	return []string{"imagechain.yaml", filepath.Join(imagechainDir(), "config.yaml")}
}

// loadConfig reads cfgFile, or the first existing candidate, and
// unmarshals the merged settings. Having no config file at all is fine.
func loadConfig(v *viper.Viper, cfgFile string) (*Config, error) {
	if cfgFile == "" {
		for _, p := range configCandidates() {
			if fileExists(p) {
				cfgFile = p
				break
			}
		}
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backends[%d]: name is required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("backends[%d]: duplicate name %q", i, b.Name)
		}
		seen[b.Name] = true
		if b.URL == "" {
			return fmt.Errorf("backend %s: url is required", b.Name)
		}
	}
	return nil
}

// engineConfig converts the loaded settings into the runner configuration.
func (c *Config) engineConfig() engine.Config {
	cfg := engine.Config{
		CostPerStep:    c.Metering.CostPerStep,
		CreditsPerStep: c.Metering.CreditsPerStep,
		BackendPause:   c.Failover.BackendPause,
		AllowBranching: c.Graph.AllowBranching,
	}
	if cb := c.Failover.CircuitBreaker; cb.Enabled {
		breaker := engine.DefaultCircuitBreakerConfig()
		if cb.FailureThreshold > 0 {
			breaker.FailureThreshold = cb.FailureThreshold
		}
		if cb.Cooldown > 0 {
			breaker.Cooldown = cb.Cooldown
		}
		cfg.CircuitBreaker = &breaker
	}
	return cfg
}

func (c *Config) validationOptions() validation.Options {
	return validation.Options{AllowBranching: c.Graph.AllowBranching}
}

func (c *Config) retryPolicy() backend.RetryPolicy {
	return backend.RetryPolicy{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  c.Retry.BaseDelay,
		MaxDelay:   c.Retry.MaxDelay,
	}
}

// buildBackends constructs the backend preference list. API keys are read
// from the environment variable each backend names.
func buildBackends(c *Config, opts backend.ClientOptions) ([]*backend.Client, error) {
	if len(c.Backends) == 0 {
		return nil, fmt.Errorf("no backends configured")
	}

	jq := expressions.NewJQEngine()
	var rules *expressions.CELEngine
	clients := make([]*backend.Client, 0, len(c.Backends))
	for _, bc := range c.Backends {
		var apiKey string
		if bc.APIKeyEnv != "" {
			apiKey = os.Getenv(bc.APIKeyEnv)
			if apiKey == "" {
				return nil, fmt.Errorf("backend %s: environment variable %s is empty", bc.Name, bc.APIKeyEnv)
			}
		}

		hb, err := backend.NewHTTPBackend(backend.HTTPConfig{
			Name:              bc.Name,
			URL:               bc.URL,
			APIKey:            apiKey,
			APIKeyHeader:      bc.APIKeyHeader,
			Timeout:           bc.Timeout,
			RequestsPerMinute: bc.RequestsPerMinute,
			Extract:           bc.Extract,
		}, jq, nil)
		if err != nil {
			return nil, err
		}

		clientOpts := opts
		clientOpts.Policy = c.retryPolicy()
		if bc.MaxRetries != nil {
			clientOpts.Policy.MaxRetries = *bc.MaxRetries
		}
		if bc.When != "" {
			if rules == nil {
				if rules, err = expressions.NewCELEngine(); err != nil {
					return nil, err
				}
			}
			clientOpts.When, clientOpts.Rules = bc.When, rules
		}

		client, err := backend.NewClient(hb, clientOpts)
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}
	return clients, nil
}

// backendsFactory builds the backend list once and hands the same clients
// to every run so per-backend rate limits are shared.
func backendsFactory(c *Config, opts backend.ClientOptions) (engine.BackendsFactory, error) {
	clients, err := buildBackends(c, opts)
	if err != nil {
		return nil, err
	}
	return func(context.Context) ([]*backend.Client, error) { return clients, nil }, nil
}
