package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBDriver != "postgres" {
		t.Fatalf("db driver default = %q", cfg.DBDriver)
	}
	if cfg.Lawbook.Path != "data/lawbook.yaml" {
		t.Fatalf("lawbook path default = %q", cfg.Lawbook.Path)
	}
	if cfg.Lawbook.CacheMaxAge != 10*time.Minute {
		t.Fatalf("lawbook cache age default = %v", cfg.Lawbook.CacheMaxAge)
	}
	if cfg.Retention.CronSpec != "@hourly" || !cfg.Retention.Enabled {
		t.Fatalf("retention defaults = %+v", cfg.Retention)
	}
	if cfg.EffectiveBatchMax() != 100 {
		t.Fatalf("batch max default = %d", cfg.EffectiveBatchMax())
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
db_driver: postgres
db_url: postgres://app:app@db:5432/redress
lawbook:
  path: /etc/redress/lawbook.yaml
  cache_max_age: 5m
ingest:
  batch_max: 25
retention:
  enabled: false
  event_days: 14
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBURL != "postgres://app:app@db:5432/redress" {
		t.Fatalf("db url = %q", cfg.DBURL)
	}
	if cfg.Lawbook.Path != "/etc/redress/lawbook.yaml" || cfg.Lawbook.CacheMaxAge != 5*time.Minute {
		t.Fatalf("lawbook config = %+v", cfg.Lawbook)
	}
	if cfg.EffectiveBatchMax() != 25 {
		t.Fatalf("batch max = %d", cfg.EffectiveBatchMax())
	}
	if cfg.Retention.Enabled || cfg.Retention.EventDays != 14 {
		t.Fatalf("retention = %+v", cfg.Retention)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("REDRESS_INGEST_BATCH_MAX", "7")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EffectiveBatchMax() != 7 {
		t.Fatalf("batch max = %d, want env override 7", cfg.EffectiveBatchMax())
	}
}
