// Package config loads process configuration: a YAML file, then .env,
// then environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/optimode/verifyengine/internal/logger"
	"github.com/optimode/verifyengine/types"
)

type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	DNS        DNSConfig        `yaml:"dns"`
	SMTP       SMTPConfig       `yaml:"smtp"`
	Logger     logger.Config    `yaml:"logger"`
	Workers    int              `yaml:"workers" env:"WORKERS"`
	// ClaimTTL is how long a chunk claim is honoured before another worker
	// may take it over. It must exceed the longest chunk pass. 0 disables.
	ClaimTTL   time.Duration    `yaml:"claim_ttl" env:"CLAIM_TTL"`
	Reputation ReputationConfig `yaml:"reputation"`
	// Servers are upserted into the store at startup.
	Servers  []types.Server `yaml:"servers"`
	Settings types.Settings `yaml:"settings"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"HTTP_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT"`
	// CORSOrigins enables CORS for the listed origins. Empty disables it.
	CORSOrigins []string `yaml:"cors_origins" env:"HTTP_CORS_ORIGINS" envSeparator:","`
	// MaxBodyBytes caps request bodies read by the API.
	MaxBodyBytes int64 `yaml:"max_body_bytes" env:"HTTP_MAX_BODY_BYTES"`
}

// DatabaseConfig selects the store. An empty URL means the in-memory store.
type DatabaseConfig struct {
	URL     string `yaml:"url" env:"DATABASE_URL"`
	Migrate bool   `yaml:"migrate" env:"DATABASE_MIGRATE"`
}

// RedisConfig enables the shared connect budget. Empty URL keeps the
// budget in process.
type RedisConfig struct {
	URL    string `yaml:"url" env:"REDIS_URL"`
	Prefix string `yaml:"prefix" env:"REDIS_PREFIX"`
}

// DNSConfig selects the resolver. An empty nameserver uses the system one.
type DNSConfig struct {
	Nameserver string        `yaml:"nameserver" env:"DNS_NAMESERVER"`
	CacheTTL   time.Duration `yaml:"cache_ttl" env:"DNS_CACHE_TTL"`
}

type SMTPConfig struct {
	Port            string        `yaml:"port" env:"SMTP_PORT"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	MaxUsesPerConn  int           `yaml:"max_uses_per_conn"`
	MaxConnAge      time.Duration `yaml:"max_conn_age"`
	BindSourceIP    bool          `yaml:"bind_source_ip" env:"SMTP_BIND_SOURCE_IP"`
}

type ReputationConfig struct {
	RBLs []string `yaml:"rbls" env:"RBL_ZONES" envSeparator:","`
	// Schedule is a cron spec for passes run by "serve". Empty disables.
	Schedule string        `yaml:"schedule" env:"REPUTATION_SCHEDULE"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{Addr: ":8080", ShutdownTimeout: 15 * time.Second, MaxBodyBytes: 32 << 20},
		Redis: RedisConfig{
			Prefix: "verifyengine:connects",
		},
		DNS: DNSConfig{CacheTTL: 5 * time.Minute},
		SMTP: SMTPConfig{
			Port:            "25",
			MaxConnsPerHost: 3,
			MaxUsesPerConn:  50,
			MaxConnAge:      2 * time.Minute,
		},
		Logger:   logger.Config{Level: "info", Encoding: "json"},
		Workers:  8,
		ClaimTTL: 30 * time.Minute,
		Reputation: ReputationConfig{
			Schedule: "@every 6h",
			Timeout:  5 * time.Second,
		},
		Settings: types.DefaultSettings(),
	}
}

// Load reads path (optional), then .env, then the process environment.
// Policies given in the file only need the fields they change.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// A missing .env file is normal outside development.
	_ = godotenv.Load()

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	for mode, p := range cfg.Settings.Policies {
		if p.Mode == "" {
			p.Mode = mode
		}
		cfg.Settings.Policies[mode] = withDefaults(p, types.DefaultPolicy(mode))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.ClaimTTL < 0 {
		return fmt.Errorf("claim_ttl must not be negative, got %s", c.ClaimTTL)
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s.ID == "" || s.IP == "" {
			return fmt.Errorf("servers[%d]: id and ip are required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("servers[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
	}
	return c.Settings.Validate()
}

// withDefaults fills the zero fields of p from def. CatchAllProbe and
// GlobalConnectsPerMinute are taken as given, zero being meaningful.
func withDefaults(p, def types.Policy) types.Policy {
	ints := []struct{ v, d *int }{
		{&p.DNSTimeoutMS, &def.DNSTimeoutMS},
		{&p.SMTPConnectTimeoutMS, &def.SMTPConnectTimeoutMS},
		{&p.SMTPReadTimeoutMS, &def.SMTPReadTimeoutMS},
		{&p.MaxMXAttempts, &def.MaxMXAttempts},
		{&p.DefaultConcurrency, &def.DefaultConcurrency},
		{&p.PerDomainConcurrency, &def.PerDomainConcurrency},
		{&p.TempfailBackoffSeconds, &def.TempfailBackoffSeconds},
		{&p.CircuitBreakerWindowSec, &def.CircuitBreakerWindowSec},
		{&p.CircuitBreakerMinSample, &def.CircuitBreakerMinSample},
		{&p.ChunkSize, &def.ChunkSize},
		{&p.MaxChunkAttempts, &def.MaxChunkAttempts},
	}
	for _, f := range ints {
		if *f.v == 0 {
			*f.v = *f.d
		}
	}
	if p.CircuitBreakerThreshold == 0 {
		p.CircuitBreakerThreshold = def.CircuitBreakerThreshold
	}
	return p
}
