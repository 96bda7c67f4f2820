package params

import (
	"testing"
	"time"
)

func TestDefaultMatchesQueueContract(t *testing.T) {
	cfg := Default()
	if cfg.Queue.Concurrency != 10 {
		t.Errorf("concurrency = %d, want 10", cfg.Queue.Concurrency)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.BackoffBase != 2000*time.Millisecond {
		t.Errorf("backoff base = %v, want 2s", cfg.Queue.BackoffBase)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("QUEUE_CONCURRENCY", "4")
	t.Setenv("QUEUE_MAX_ATTEMPTS", "5")
	t.Setenv("QUEUE_RETRY_DELAY_MS", "150")
	t.Setenv("QUEUE_BACKEND", "redis")
	t.Setenv("ROUTING_PARTIAL", "true")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("VENUE_SEED", "42")
	t.Setenv("ORDERGEN_WALLETS", "7")
	t.Setenv("REDIS_DIAL_TIMEOUT_MS", "1500")
	t.Setenv("REDIS_READ_TIMEOUT_MS", "250")
	t.Setenv("REDIS_WRITE_TIMEOUT_MS", "400")
	t.Setenv("QUEUE_LEASE_MS", "20000")
	t.Setenv("QUEUE_STALLED_CHECK_MS", "5000")

	cfg := LoadFromEnv("does-not-exist.env")

	if cfg.Queue.Concurrency != 4 || cfg.Queue.MaxAttempts != 5 {
		t.Errorf("queue overrides not applied: %+v", cfg.Queue)
	}
	if cfg.Queue.BackoffBase != 150*time.Millisecond {
		t.Errorf("backoff base = %v, want 150ms", cfg.Queue.BackoffBase)
	}
	if cfg.Queue.Backend != "redis" {
		t.Errorf("backend = %q, want redis", cfg.Queue.Backend)
	}
	if !cfg.Venue.PartialRouting {
		t.Error("partial routing not enabled")
	}
	if cfg.Venue.Seed != 42 {
		t.Errorf("seed = %d, want 42", cfg.Venue.Seed)
	}
	if cfg.Feeder.Wallets != 7 {
		t.Errorf("feeder wallets = %d, want 7", cfg.Feeder.Wallets)
	}
	if cfg.Redis.DialTimeout != 1500*time.Millisecond ||
		cfg.Redis.ReadTimeout != 250*time.Millisecond ||
		cfg.Redis.WriteTimeout != 400*time.Millisecond {
		t.Errorf("redis timeouts not applied: %+v", cfg.Redis)
	}
	if cfg.Queue.Lease != 20*time.Second || cfg.Queue.StalledInterval != 5*time.Second {
		t.Errorf("lease = %v, stalled check = %v", cfg.Queue.Lease, cfg.Queue.StalledInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("overridden config invalid: %v", err)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "http://b.test" {
		t.Errorf("origins = %v", cfg.Server.AllowedOrigins)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Queue.Concurrency = 0 }},
		{"zero attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }},
		{"unknown queue backend", func(c *Config) { c.Queue.Backend = "kafka" }},
		{"unknown store backend", func(c *Config) { c.Store.Backend = "mysql" }},
		{"zero lease", func(c *Config) { c.Queue.Lease = 0 }},
		{"stalled check slower than lease", func(c *Config) { c.Queue.StalledInterval = c.Queue.Lease }},
		{"non-positive base price", func(c *Config) { c.Venue.BasePrice = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
