package appbootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"redress/config"
	"redress/core/signal"
	"redress/core/store"
)

func TestComposeWiresRuntime(t *testing.T) {
	ctx := context.Background()
	cfg := &config.AppConfig{
		DBPath: filepath.Join(t.TempDir(), "redress.db"),
		Lawbook: config.LawbookConfig{
			Path:        filepath.Join(t.TempDir(), "absent-lawbook.yaml"),
			CacheMaxAge: time.Minute,
		},
		Retention: config.RetentionConfig{Enabled: true, CronSpec: "@hourly", EventDays: 90, AuditDays: 365},
	}
	db, err := store.NewDB(cfg, nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.ApplyMigrations(ctx, db, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	rt := Compose(cfg, db, Adapters{}, nil)
	if rt.Ingest == nil || rt.Executor == nil || rt.StopRules == nil || rt.Gate == nil {
		t.Fatalf("runtime incomplete: %+v", rt)
	}
	if _, ok := rt.Playbooks.Get("rollback-lkg"); !ok {
		t.Fatal("builtin rollback playbook not registered")
	}
	if _, ok := rt.Playbooks.Get("rerun-ci"); !ok {
		t.Fatal("builtin rerun playbook not registered")
	}
	if rt.Ingest.BatchMax != cfg.EffectiveBatchMax() {
		t.Fatalf("batch cap not wired: %d", rt.Ingest.BatchMax)
	}

	// The composed orchestrator must ingest end to end.
	res := rt.Ingest.Ingest(ctx, signal.DeployStatusSignal{
		Env:       "prod",
		DeployID:  "deploy-1",
		Status:    "RED",
		ChangedAt: "2024-01-01T00:00:00Z",
	})
	if res.Error != "" || !res.IsNew {
		t.Fatalf("composed ingest result = %+v", res)
	}

	if err := rt.StartWorkers(ctx); err != nil {
		t.Fatalf("start workers: %v", err)
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rt.StopWorkers(stopCtx); err != nil {
		t.Fatalf("stop workers: %v", err)
	}
}
