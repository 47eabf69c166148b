package stoprule

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"redress/config"
	"redress/core/lawbook"
	"redress/core/store"
)

func testDoc() lawbook.Document {
	return lawbook.Document{
		MaxRerunsPerJob:         3,
		MaxTotalRerunsPerPr:     6,
		MaxWaitMinutesForGreen:  30,
		CooldownMinutes:         10,
		BlockOnFailureClasses:   []string{"compile", "permission denied"},
		NoSignalChangeThreshold: 3,
	}
}

func TestEvaluateRuleOrder(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	doc := testDoc()

	cases := []struct {
		name    string
		sc      Context
		verdict Verdict
		reason  string
	}{
		{
			name:    "within limits",
			sc:      Context{JobName: "unit", AttemptsForJob: 1, TotalAttempts: 1, Now: now},
			verdict: VerdictContinue,
			reason:  ReasonWithinLimits,
		},
		{
			name:    "non-retriable class",
			sc:      Context{FailureClass: "compile error in main.go", AttemptsForJob: 1, Now: now},
			verdict: VerdictKill,
			reason:  ReasonNonRetriable,
		},
		{
			// Both budgets are blown, but the class rule is checked first.
			name: "non-retriable beats attempt budget",
			sc: Context{
				FailureClass:   "Permission Denied: token scope",
				AttemptsForJob: 10,
				TotalAttempts:  10,
				Now:            now,
			},
			verdict: VerdictKill,
			reason:  ReasonNonRetriable,
		},
		{
			name:    "per-job budget",
			sc:      Context{JobName: "unit", AttemptsForJob: 3, Now: now},
			verdict: VerdictKill,
			reason:  ReasonMaxAttempts,
		},
		{
			name:    "total budget",
			sc:      Context{AttemptsForJob: 1, TotalAttempts: 6, Now: now},
			verdict: VerdictKill,
			reason:  ReasonMaxTotalAttempts,
		},
		{
			name: "no signal change",
			sc: Context{
				AttemptsForJob: 1,
				SignalHashes:   []string{"h1", "h2", "h2", "h2"},
				Now:            now,
			},
			verdict: VerdictKill,
			reason:  ReasonNoSignalChange,
		},
		{
			name: "signal still changing",
			sc: Context{
				AttemptsForJob: 1,
				SignalHashes:   []string{"h2", "h2", "h3"},
				Now:            now,
			},
			verdict: VerdictContinue,
			reason:  ReasonWithinLimits,
		},
		{
			name: "cooldown holds",
			sc: Context{
				AttemptsForJob: 1,
				LastAttemptAt:  now.Add(-5 * time.Minute),
				Now:            now,
			},
			verdict: VerdictHold,
			reason:  ReasonCooldownActive,
		},
		{
			name: "cooldown elapsed",
			sc: Context{
				AttemptsForJob: 1,
				LastAttemptAt:  now.Add(-15 * time.Minute),
				Now:            now,
			},
			verdict: VerdictContinue,
			reason:  ReasonWithinLimits,
		},
		{
			name: "green deadline exceeded",
			sc: Context{
				AttemptsForJob: 1,
				StartedAt:      now.Add(-45 * time.Minute),
				Now:            now,
			},
			verdict: VerdictKill,
			reason:  ReasonTimeoutExceeded,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := evaluate(tc.sc, doc)
			if d.Verdict != tc.verdict || d.ReasonCode != tc.reason {
				t.Fatalf("decision = %s/%s, want %s/%s", d.Verdict, d.ReasonCode, tc.verdict, tc.reason)
			}
			if d.RecommendedNextStep == "" {
				t.Fatal("decision must carry a recommended next step")
			}
		})
	}
}

func TestEvaluatorAuditsEveryDecision(t *testing.T) {
	ctx := context.Background()
	db := evalTestDB(t)
	audits := store.NewAuditStore(db)
	gate := lawbook.NewGate(lawbook.FileLoader{Path: filepath.Join(t.TempDir(), "absent.yaml")}, time.Hour, nil)
	ev := NewEvaluator(gate, audits, nil)

	d := ev.Evaluate(ctx, Context{JobName: "unit"})
	if d.Verdict != VerdictContinue {
		t.Fatalf("verdict = %s, want CONTINUE under defaults", d.Verdict)
	}
	if d.LawbookVersion != "" {
		t.Fatal("default rules must not report a lawbook version")
	}
	entries, err := audits.List(ctx, AuditDecision, 10)
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
}

func evalTestDB(t *testing.T) *sql.DB {
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
