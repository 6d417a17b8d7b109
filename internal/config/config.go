// Copyright 2025 James Ross
// Package config loads and validates the pipeline's configuration from
// a YAML file with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Postgres struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoResetOnBoot bool          `mapstructure:"auto_reset_database"`
}

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// StagePool holds the per-stage worker pool tuning.
type StagePool struct {
	Concurrency  int           `mapstructure:"concurrency"`
	TimeoutMS    int           `mapstructure:"timeout_ms"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	QueueMaxDepth int          `mapstructure:"queue_max_depth"`
}

func (s StagePool) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// ProviderChain binds an ordered primary+fallback provider list to one
// stage, plus whether that stage must wait on translation.
type ProviderChain struct {
	Primary            string   `mapstructure:"primary"`
	Fallbacks          []string `mapstructure:"fallbacks"`
	RequiresTranslation bool    `mapstructure:"requires_translation"`
}

func (p ProviderChain) Ordered() []string {
	out := make([]string, 0, 1+len(p.Fallbacks))
	if p.Primary != "" {
		out = append(out, p.Primary)
	}
	out = append(out, p.Fallbacks...)
	return out
}

// ProviderEndpoint describes how to reach a non-stub provider by name.
// The API key itself is read from the named environment variable at
// startup, never stored in config files.
type ProviderEndpoint struct {
	URL       string        `mapstructure:"url"`
	APIKeyEnv string        `mapstructure:"api_key_env"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type Session struct {
	MaxItemsPerSession int           `mapstructure:"max_items_per_session"`
	MaxItemTextLength  int           `mapstructure:"max_item_text_length"`
	BudgetSeconds      int           `mapstructure:"budget_seconds"`
	TTLSeconds         int           `mapstructure:"ttl_seconds"`
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval"`
}

func (s Session) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

type Observability struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
}

type HTTPAPI struct {
	ListenAddr       string        `mapstructure:"listen_addr"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	CORSEnabled      bool          `mapstructure:"cors_enabled"`
	CORSAllowOrigins []string      `mapstructure:"cors_allow_origins"`
	HeartbeatEvery   time.Duration `mapstructure:"heartbeat_every"`
}

type Config struct {
	Postgres       Postgres                 `mapstructure:"postgres"`
	Redis          Redis                    `mapstructure:"redis"`
	Stages         map[string]StagePool     `mapstructure:"stages"`
	ProviderChains map[string]ProviderChain `mapstructure:"provider_chains"`
	ProviderEndpoints map[string]ProviderEndpoint `mapstructure:"provider_endpoints"`
	CircuitBreaker CircuitBreaker           `mapstructure:"circuit_breaker"`
	Session        Session                  `mapstructure:"session"`
	Observability  Observability            `mapstructure:"observability"`
	HTTPAPI        HTTPAPI                  `mapstructure:"http_api"`
	SinkRetryAttempts int                   `mapstructure:"sink_retry_attempts"`
}

func defaultConfig() *Config {
	stageDefaults := map[string]StagePool{
		"translation":  {Concurrency: 8, TimeoutMS: 60000, MaxRetries: 1, RetryDelay: time.Second, QueueMaxDepth: 5000},
		"description":  {Concurrency: 6, TimeoutMS: 60000, MaxRetries: 1, RetryDelay: time.Second, QueueMaxDepth: 5000},
		"allergen":     {Concurrency: 6, TimeoutMS: 60000, MaxRetries: 1, RetryDelay: time.Second, QueueMaxDepth: 5000},
		"ingredient":   {Concurrency: 6, TimeoutMS: 60000, MaxRetries: 1, RetryDelay: time.Second, QueueMaxDepth: 5000},
		"image_search": {Concurrency: 4, TimeoutMS: 120000, MaxRetries: 1, RetryDelay: time.Second, QueueMaxDepth: 5000},
		"image_gen":    {Concurrency: 3, TimeoutMS: 120000, MaxRetries: 1, RetryDelay: time.Second, QueueMaxDepth: 5000},
	}
	providerDefaults := map[string]ProviderChain{
		"translation":  {Primary: "stub_translate", Fallbacks: nil},
		"description":  {Primary: "stub_describe", Fallbacks: nil},
		"allergen":     {Primary: "stub_allergen", Fallbacks: nil},
		"ingredient":   {Primary: "stub_ingredient", Fallbacks: nil},
		"image_search": {Primary: "stub_image_search", Fallbacks: nil},
		"image_gen":    {Primary: "stub_image_gen", Fallbacks: nil},
	}
	return &Config{
		Postgres: Postgres{
			DSN:             "postgres://localhost:5432/menusense?sslmode=disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Stages:         stageDefaults,
		ProviderChains: providerDefaults,
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       5,
		},
		Session: Session{
			MaxItemsPerSession: 200,
			MaxItemTextLength:  500,
			BudgetSeconds:      300,
			TTLSeconds:         3600,
			ReconcileInterval:  30 * time.Second,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
		},
		HTTPAPI: HTTPAPI{
			ListenAddr:       ":8080",
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			CORSAllowOrigins: []string{"*"},
			HeartbeatEvery:   15 * time.Second,
		},
		SinkRetryAttempts: 3,
	}
}

// Load reads configuration from a YAML file and applies environment
// overrides; a missing file falls back to defaults entirely.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := *def
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("postgres.dsn", def.Postgres.DSN)
	v.SetDefault("postgres.max_open_conns", def.Postgres.MaxOpenConns)
	v.SetDefault("postgres.max_idle_conns", def.Postgres.MaxIdleConns)
	v.SetDefault("postgres.conn_max_lifetime", def.Postgres.ConnMaxLifetime)
	v.SetDefault("postgres.auto_reset_database", def.Postgres.AutoResetOnBoot)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("stages", def.Stages)
	v.SetDefault("provider_chains", def.ProviderChains)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("session.max_items_per_session", def.Session.MaxItemsPerSession)
	v.SetDefault("session.max_item_text_length", def.Session.MaxItemTextLength)
	v.SetDefault("session.budget_seconds", def.Session.BudgetSeconds)
	v.SetDefault("session.ttl_seconds", def.Session.TTLSeconds)
	v.SetDefault("session.reconcile_interval", def.Session.ReconcileInterval)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)

	v.SetDefault("http_api.listen_addr", def.HTTPAPI.ListenAddr)
	v.SetDefault("http_api.read_timeout", def.HTTPAPI.ReadTimeout)
	v.SetDefault("http_api.write_timeout", def.HTTPAPI.WriteTimeout)
	v.SetDefault("http_api.cors_allow_origins", def.HTTPAPI.CORSAllowOrigins)
	v.SetDefault("http_api.heartbeat_every", def.HTTPAPI.HeartbeatEvery)

	v.SetDefault("sink_retry_attempts", def.SinkRetryAttempts)
}

// Validate checks config constraints and returns a descriptive error on
// the first invalid setting found.
func Validate(cfg *Config) error {
	if cfg.Session.MaxItemsPerSession < 1 {
		return fmt.Errorf("session.max_items_per_session must be >= 1")
	}
	if cfg.Session.MaxItemTextLength < 1 {
		return fmt.Errorf("session.max_item_text_length must be >= 1")
	}
	for _, stage := range []string{"translation", "description", "allergen", "ingredient", "image_search", "image_gen"} {
		sp, ok := cfg.Stages[stage]
		if !ok {
			return fmt.Errorf("stages missing entry for %q", stage)
		}
		if sp.Concurrency < 1 {
			return fmt.Errorf("stages.%s.concurrency must be >= 1", stage)
		}
		if sp.TimeoutMS < 1 {
			return fmt.Errorf("stages.%s.timeout_ms must be >= 1", stage)
		}
		if sp.QueueMaxDepth < 1 {
			return fmt.Errorf("stages.%s.queue_max_depth must be >= 1", stage)
		}
		pc, ok := cfg.ProviderChains[stage]
		if !ok || pc.Primary == "" {
			return fmt.Errorf("provider_chains missing a primary provider for %q", stage)
		}
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.SinkRetryAttempts < 0 {
		return fmt.Errorf("sink_retry_attempts must be >= 0")
	}
	return nil
}
