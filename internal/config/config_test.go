package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORAGE", "memory")
	t.Setenv("TIMEZONE", "UTC")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8081" {
		t.Errorf("expected default port 8081, got %s", cfg.Port)
	}
	if cfg.SweepInterval != 5*time.Minute {
		t.Errorf("expected sweep interval 5m, got %s", cfg.SweepInterval)
	}
	if cfg.CacheTTL != 5*time.Minute {
		t.Errorf("expected cache TTL 5m, got %s", cfg.CacheTTL)
	}
	if cfg.SyncMaxLateness != 24*time.Hour {
		t.Errorf("expected sync lateness 24h, got %s", cfg.SyncMaxLateness)
	}
	if cfg.Location() != time.UTC {
		t.Errorf("expected UTC location, got %s", cfg.Location())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STORAGE", "memory")
	t.Setenv("TIMEZONE", "UTC")
	t.Setenv("SWEEP_INTERVAL", "90s")
	t.Setenv("SWEEP_WORKERS", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SweepInterval != 90*time.Second || cfg.SweepWorkers != 3 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{Storage: StorageMemory, Timezone: "UTC", SweepInterval: time.Minute}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	c := base()
	c.Storage = "mongo"
	if c.Validate() == nil {
		t.Error("expected error for unknown storage")
	}

	c = base()
	c.Storage = StoragePostgres
	if c.Validate() == nil {
		t.Error("expected error for postgres without DATABASE_URL")
	}

	c = base()
	c.Timezone = "Mars/Olympus"
	if c.Validate() == nil {
		t.Error("expected error for unknown time zone")
	}

	c = base()
	c.TraceSampleRate = 2
	if c.Validate() == nil {
		t.Error("expected error for sample rate above 1")
	}

	c = base()
	c.Env = "production"
	if c.Validate() == nil {
		t.Error("expected error for production without API keys")
	}
}

func TestAPIKeysAndBrokers(t *testing.T) {
	c := &Config{APIKeysRaw: "k1:mobile, k2 ,", KafkaBrokers: "a:9092, b:9092"}

	keys := c.APIKeys()
	if len(keys) != 2 || keys["k1"] != "mobile" || keys["k2"] != "default" {
		t.Errorf("APIKeys = %v", keys)
	}
	if b := c.Brokers(); len(b) != 2 || b[1] != "b:9092" {
		t.Errorf("Brokers = %v", b)
	}
	if (&Config{}).Brokers() != nil {
		t.Error("empty KAFKA_BROKERS should yield no brokers")
	}
}
