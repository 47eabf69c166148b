package store

import (
	"context"
	"encoding/json"
	"testing"
)

func seedIncident(t *testing.T, s IncidentsStore, key string) *Incident {
	t.Helper()
	inc, err := s.UpsertByKey(context.Background(), UpsertIncidentInput{IncidentKey: key, Severity: SeverityRed})
	if err != nil {
		t.Fatalf("seed incident: %v", err)
	}
	return inc
}

func TestCreateRunSingleFlight(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	incidents := NewIncidentsStore(db)
	runs := NewRunsStore(db)
	inc := seedIncident(t, incidents, "run-key-incident")

	first := &RemediationRun{RunKey: "rk-1", IncidentID: inc.ID, PlaybookID: "rollback-lkg", InputsHash: "h1"}
	created, err := runs.CreateRun(ctx, first)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatal("first create did not insert")
	}

	second := &RemediationRun{RunKey: "rk-1", IncidentID: inc.ID, PlaybookID: "rollback-lkg", InputsHash: "h1"}
	created, err = runs.CreateRun(ctx, second)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatal("second create inserted despite key conflict")
	}

	stored, err := runs.GetRunByKey(ctx, "rk-1")
	if err != nil {
		t.Fatalf("get by key: %v", err)
	}
	if stored == nil || stored.RunUID != first.RunUID {
		t.Fatalf("key resolves to wrong run: %+v", stored)
	}
}

func TestSkippedRunsDoNotHoldKey(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	incidents := NewIncidentsStore(db)
	runs := NewRunsStore(db)
	inc := seedIncident(t, incidents, "skip-incident")

	skipped := &RemediationRun{
		RunKey:     "rk-skip",
		IncidentID: inc.ID,
		PlaybookID: "rollback-lkg",
		Status:     RunStatusSkipped,
		SkipReason: "EVIDENCE_MISSING",
	}
	if created, err := runs.CreateRun(ctx, skipped); err != nil || !created {
		t.Fatalf("create skipped: created=%v err=%v", created, err)
	}
	if got, err := runs.GetRunByKey(ctx, "rk-skip"); err != nil || got != nil {
		t.Fatalf("skipped run resolved by key: got=%+v err=%v", got, err)
	}

	// The same key is still free for a real attempt.
	real := &RemediationRun{RunKey: "rk-skip", IncidentID: inc.ID, PlaybookID: "rollback-lkg"}
	if created, err := runs.CreateRun(ctx, real); err != nil || !created {
		t.Fatalf("create after skip: created=%v err=%v", created, err)
	}
	got, err := runs.GetRunByKey(ctx, "rk-skip")
	if err != nil {
		t.Fatalf("get by key: %v", err)
	}
	if got == nil || got.RunUID != real.RunUID {
		t.Fatalf("key resolves to wrong run after skip: %+v", got)
	}
}

func TestUpdateRunStatusAndSteps(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	incidents := NewIncidentsStore(db)
	runs := NewRunsStore(db)
	inc := seedIncident(t, incidents, "steps-incident")

	run := &RemediationRun{RunKey: "rk-steps", IncidentID: inc.ID, PlaybookID: "rerun-ci"}
	if _, err := runs.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}
	result := json.RawMessage(`{"dispatch":{"run_id":"42"}}`)
	if err := runs.UpdateRunStatus(ctx, run.ID, RunStatusSucceeded, result, "", ""); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := runs.UpdateRunStatus(ctx, 99999, RunStatusFailed, nil, "X", "missing"); err != ErrConflict {
		t.Fatalf("update of missing run = %v, want ErrConflict", err)
	}

	for i, id := range []string{"select-lkg", "redeploy"} {
		if _, err := runs.AddStep(ctx, &RemediationStep{
			RunID:          run.ID,
			Position:       i,
			StepID:         id,
			IdempotencyKey: "key-" + id,
			Status:         StepStatusSucceeded,
		}); err != nil {
			t.Fatalf("add step %s: %v", id, err)
		}
	}
	steps, err := runs.ListSteps(ctx, run.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 2 || steps[0].StepID != "select-lkg" || steps[1].StepID != "redeploy" {
		t.Fatalf("steps out of order: %+v", steps)
	}

	list, err := runs.ListRuns(ctx, inc.ID)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(list) != 1 || list[0].Status != RunStatusSucceeded {
		t.Fatalf("listed run wrong: %+v", list)
	}
}

func TestAuditStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	audits := NewAuditStore(testDB(t))
	if err := audits.Log(ctx, "system", "ingest.incident.create", "incident_key=k"); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := audits.Log(ctx, "system", "stoprule.decision", "verdict=KILL"); err != nil {
		t.Fatalf("log: %v", err)
	}
	entries, err := audits.List(ctx, "stoprule.decision", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Details != "verdict=KILL" {
		t.Fatalf("filtered audit list wrong: %+v", entries)
	}
}
