package ingest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"redress/config"
	"redress/core/signal"
	"redress/core/store"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.AppConfig{DBPath: filepath.Join(t.TempDir(), "redress.db")}
	db, err := store.NewDB(cfg, nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.ApplyMigrations(context.Background(), db, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type staticVersion struct {
	version *string
}

func (v staticVersion) CurrentVersion(context.Context) *string { return v.version }

func newTestOrchestrator(t *testing.T) (*Orchestrator, store.IncidentsStore, store.AuditStore) {
	t.Helper()
	db := testDB(t)
	incidents := store.NewIncidentsStore(db)
	audits := store.NewAuditStore(db)
	version := "lawbook-hash-1"
	o := NewOrchestrator(nil, incidents, staticVersion{version: &version}, audits, nil)
	return o, incidents, audits
}

func redDeploy() signal.DeployStatusSignal {
	return signal.DeployStatusSignal{
		Env:       "prod",
		DeployID:  "deploy-123",
		Status:    "RED",
		ChangedAt: "2024-01-01T00:00:00Z",
		Reasons:   []string{"5xx spike"},
	}
}

func TestIngestCreatesThenDedups(t *testing.T) {
	ctx := context.Background()
	o, incidents, _ := newTestOrchestrator(t)

	first := o.Ingest(ctx, redDeploy())
	if first.Error != "" {
		t.Fatalf("ingest error: %s", first.Error)
	}
	if !first.IsNew {
		t.Fatal("first ingest must create")
	}
	if first.Incident.IncidentKey != "deploy_status:prod:deploy-123:2024-01-01T00:00:00Z" {
		t.Fatalf("incident key = %q", first.Incident.IncidentKey)
	}
	if first.Incident.LawbookVersion == nil || *first.Incident.LawbookVersion != "lawbook-hash-1" {
		t.Fatal("lawbook version not stamped at creation")
	}
	if first.EvidenceAdded != 1 {
		t.Fatalf("evidence added = %d, want 1", first.EvidenceAdded)
	}

	second := o.Ingest(ctx, redDeploy())
	if second.Error != "" {
		t.Fatalf("re-ingest error: %s", second.Error)
	}
	if second.IsNew {
		t.Fatal("re-ingest must not create")
	}
	if second.Incident.ID != first.Incident.ID {
		t.Fatal("re-ingest produced a different incident")
	}
	if !second.Incident.FirstSeenAt.Equal(first.Incident.FirstSeenAt) {
		t.Fatal("first_seen_at moved on re-ingest")
	}

	evidence, err := incidents.ListEvidence(ctx, first.Incident.ID)
	if err != nil {
		t.Fatalf("list evidence: %v", err)
	}
	if len(evidence) != 1 {
		t.Fatalf("evidence doubled on re-ingest: %d rows", len(evidence))
	}

	events, err := incidents.ListEvents(ctx, first.Incident.ID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[1].EventType != store.EventCreated || events[0].EventType != store.EventUpdated {
		t.Fatalf("lifecycle events wrong: %+v", events)
	}
}

func TestIngestHealthySignalIsNoop(t *testing.T) {
	ctx := context.Background()
	o, incidents, _ := newTestOrchestrator(t)

	green := redDeploy()
	green.Status = "GREEN"
	res := o.Ingest(ctx, green)
	if res.Error != "" || res.Incident != nil || res.IsNew {
		t.Fatalf("green signal result = %+v", res)
	}
	list, err := incidents.ListIncidents(ctx, store.IncidentFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("healthy signal wrote %d incidents", len(list))
	}
}

func TestIngestInvalidSignal(t *testing.T) {
	ctx := context.Background()
	o, _, audits := newTestOrchestrator(t)

	bad := redDeploy()
	bad.Env = ""
	res := o.Ingest(ctx, bad)
	if res.Error == "" || res.Incident != nil {
		t.Fatalf("invalid signal result = %+v", res)
	}
	entries, err := audits.List(ctx, AuditSignalInvalid, 10)
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("invalid signal audit entries = %d, want 1", len(entries))
	}
}

func TestBatchIngestIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newTestOrchestrator(t)

	bad := redDeploy()
	bad.ChangedAt = "not-a-timestamp"
	results := o.BatchIngest(ctx, []signal.Signal{bad, redDeploy(), signal.RunnerStepSignal{
		RunID:      "42",
		StepName:   "unit-tests",
		Conclusion: "failure",
		Owner:      "octo",
		Repo:       "widgets",
	}})
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results[0].Error == "" {
		t.Fatal("invalid signal must report an error")
	}
	if results[1].Error != "" || !results[1].IsNew {
		t.Fatalf("valid deploy signal result = %+v", results[1])
	}
	if results[2].Error != "" || !results[2].IsNew {
		t.Fatalf("valid runner signal result = %+v", results[2])
	}
}

func TestBatchIngestEnforcesLimit(t *testing.T) {
	ctx := context.Background()
	o, incidents, _ := newTestOrchestrator(t)
	o.BatchMax = 2

	sigs := make([]signal.Signal, 0, 3)
	for _, id := range []string{"deploy-1", "deploy-2", "deploy-3"} {
		sig := redDeploy()
		sig.DeployID = id
		sigs = append(sigs, sig)
	}
	results := o.BatchIngest(ctx, sigs)
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for i := 0; i < 2; i++ {
		if results[i].Error != "" || !results[i].IsNew {
			t.Fatalf("result[%d] = %+v, want created", i, results[i])
		}
	}
	if results[2].Error == "" || results[2].Incident != nil {
		t.Fatalf("over-limit signal result = %+v, want error without ingestion", results[2])
	}
	list, err := incidents.ListIncidents(ctx, store.IncidentFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("incidents = %d, want 2", len(list))
	}
}
