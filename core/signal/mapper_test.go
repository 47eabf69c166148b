package signal

import (
	"reflect"
	"testing"
)

func redDeploy() DeployStatusSignal {
	return DeployStatusSignal{
		Env:       "prod",
		DeployID:  "deploy-123",
		Status:    "RED",
		ChangedAt: "2024-01-01T00:00:00Z",
		Reasons:   []string{"5xx spike", "health check failing"},
	}
}

func TestMapDeployStatusDeterministic(t *testing.T) {
	a := mapDeployStatus(redDeploy())
	b := mapDeployStatus(redDeploy())
	if a == nil || b == nil {
		t.Fatal("red deploy mapped to nil")
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("mapping is not deterministic:\n%+v\n%+v", a, b)
	}
	if a.IncidentKey != "deploy_status:prod:deploy-123:2024-01-01T00:00:00Z" {
		t.Fatalf("incident key = %q", a.IncidentKey)
	}
	if a.Severity != "RED" || a.ErrorCode != "DEPLOY_UNHEALTHY" {
		t.Fatalf("severity/code = %s/%s", a.Severity, a.ErrorCode)
	}
	if a.Summary != "5xx spike; health check failing" {
		t.Fatalf("summary = %q", a.Summary)
	}
	if len(a.Evidence) != 1 || a.Evidence[0].SHA256 == "" {
		t.Fatalf("deploy evidence must carry a content hash: %+v", a.Evidence)
	}
	if a.Evidence[0].SHA256 != b.Evidence[0].SHA256 {
		t.Fatal("evidence hash differs across identical signals")
	}
}

func TestMapDeployStatusGreenIsNoop(t *testing.T) {
	sig := redDeploy()
	sig.Status = "GREEN"
	if draft := mapDeployStatus(sig); draft != nil {
		t.Fatalf("green deploy mapped to %+v", draft)
	}
}

func TestMapDeployStatusMissingDeployIDUsesFallback(t *testing.T) {
	sig := redDeploy()
	sig.DeployID = ""
	draft := mapDeployStatus(sig)
	if draft.IncidentKey != "deploy_status:prod:unknown:2024-01-01T00:00:00Z" {
		t.Fatalf("incident key = %q", draft.IncidentKey)
	}
}

func TestMapVerificationOutcomes(t *testing.T) {
	base := VerificationSignal{
		DeployID:   "deploy-9",
		ReportHash: "rh-1",
		Outcome:    "fail",
		FailedChecks: []FailedCheck{
			{Name: "latency", Detail: "p99 over budget"},
			{Name: "errors"},
		},
	}
	draft := mapVerification(base)
	if draft.Severity != "RED" || draft.ErrorCode != "VERIFICATION_FAILED" {
		t.Fatalf("fail mapped to %s/%s", draft.Severity, draft.ErrorCode)
	}
	if draft.IncidentKey != "verification:deploy-9:rh-1" {
		t.Fatalf("incident key = %q", draft.IncidentKey)
	}
	if draft.Summary != "latency: p99 over budget; errors" {
		t.Fatalf("summary = %q", draft.Summary)
	}

	base.Outcome = "inconclusive"
	draft = mapVerification(base)
	if draft.Severity != "YELLOW" || draft.ErrorCode != "VERIFICATION_INCONCLUSIVE" {
		t.Fatalf("inconclusive mapped to %s/%s", draft.Severity, draft.ErrorCode)
	}

	base.Outcome = "pass"
	if draft := mapVerification(base); draft != nil {
		t.Fatalf("pass mapped to %+v", draft)
	}

	// Without a report hash the run id discriminates the key.
	base.Outcome = "fail"
	base.ReportHash = ""
	base.RunID = "run-7"
	if draft := mapVerification(base); draft.IncidentKey != "verification:deploy-9:run-7" {
		t.Fatalf("incident key = %q", draft.IncidentKey)
	}
}

func TestMapTaskStoppedCrashDetection(t *testing.T) {
	exit := 137
	crash := TaskStoppedSignal{
		Cluster:       "prod-cluster",
		TaskArn:       "arn:task/1",
		StoppedAt:     "2024-02-02T10:00:00Z",
		StoppedReason: "Essential container exited",
		Containers:    []ContainerExit{{Name: "app", ExitCode: &exit, Reason: "OutOfMemoryError"}},
	}
	draft := mapTaskStopped(crash)
	if draft.Severity != "RED" || draft.ErrorCode != "TASK_CRASHED" {
		t.Fatalf("crash mapped to %s/%s", draft.Severity, draft.ErrorCode)
	}

	zero := 0
	routine := TaskStoppedSignal{
		Cluster:       "prod-cluster",
		TaskArn:       "arn:task/2",
		StoppedAt:     "2024-02-02T10:00:00Z",
		StoppedReason: "Scaling activity initiated",
		Containers:    []ContainerExit{{Name: "app", ExitCode: &zero}},
	}
	draft = mapTaskStopped(routine)
	if draft.Severity != "YELLOW" || draft.ErrorCode != "TASK_STOPPED" {
		t.Fatalf("routine stop mapped to %s/%s", draft.Severity, draft.ErrorCode)
	}
}

func TestMapRunnerStepConclusions(t *testing.T) {
	base := RunnerStepSignal{
		RunID:      "42",
		StepName:   "unit-tests",
		Conclusion: "failure",
		Owner:      "octo",
		Repo:       "widgets",
		LogURL:     "https://ci.example.com/logs/42",
	}
	draft := mapRunnerStep(base)
	if draft.Severity != "RED" || draft.ErrorCode != "CI_FAILED" {
		t.Fatalf("failure mapped to %s/%s", draft.Severity, draft.ErrorCode)
	}
	if draft.IncidentKey != "runner:42:unit-tests:failure" {
		t.Fatalf("incident key = %q", draft.IncidentKey)
	}
	if len(draft.Evidence) != 1 || draft.Evidence[0].SHA256 != "" {
		t.Fatalf("runner evidence must not carry a content hash: %+v", draft.Evidence)
	}

	base.Conclusion = "cancelled"
	if d := mapRunnerStep(base); d.Severity != "YELLOW" || d.ErrorCode != "CI_CANCELLED" {
		t.Fatalf("cancelled mapped to %s/%s", d.Severity, d.ErrorCode)
	}
	base.Conclusion = "timed_out"
	if d := mapRunnerStep(base); d.Severity != "RED" || d.ErrorCode != "CI_TIMEOUT" {
		t.Fatalf("timed_out mapped to %s/%s", d.Severity, d.ErrorCode)
	}
	for _, healthy := range []string{"success", "skipped"} {
		base.Conclusion = healthy
		if d := mapRunnerStep(base); d != nil {
			t.Fatalf("%s mapped to %+v", healthy, d)
		}
	}
}

func TestRegistryLookupIsCaseInsensitive(t *testing.T) {
	r := DefaultRegistry()
	if _, ok := r.Lookup("Deploy_Status"); !ok {
		t.Fatal("lookup should ignore case")
	}
	if _, ok := r.Lookup("nonexistent"); ok {
		t.Fatal("unknown kind should not resolve")
	}
	r.Register("custom", func(Signal) *IncidentDraft { return nil })
	if _, ok := r.Lookup("custom"); !ok {
		t.Fatal("registered custom kind should resolve")
	}
}

func TestSignalValidation(t *testing.T) {
	cases := []struct {
		name  string
		sig   Signal
		valid bool
	}{
		{"deploy ok", redDeploy(), true},
		{"deploy missing env", DeployStatusSignal{Status: "RED", ChangedAt: "2024-01-01T00:00:00Z"}, false},
		{"deploy bad status", DeployStatusSignal{Env: "prod", Status: "PURPLE", ChangedAt: "2024-01-01T00:00:00Z"}, false},
		{"deploy bad timestamp", DeployStatusSignal{Env: "prod", Status: "RED", ChangedAt: "yesterday"}, false},
		{"verification ok", VerificationSignal{DeployID: "d", Outcome: "fail", RunID: "r"}, true},
		{"verification no discriminator", VerificationSignal{DeployID: "d", Outcome: "fail"}, false},
		{"task ok", TaskStoppedSignal{Cluster: "c", TaskArn: "a", StoppedAt: "2024-01-01T00:00:00Z"}, true},
		{"task missing arn", TaskStoppedSignal{Cluster: "c", StoppedAt: "2024-01-01T00:00:00Z"}, false},
		{"runner ok", RunnerStepSignal{RunID: "1", StepName: "s", Conclusion: "failure"}, true},
		{"runner bad conclusion", RunnerStepSignal{RunID: "1", StepName: "s", Conclusion: "meh"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := tc.sig.Validate()
			if res.Valid != tc.valid {
				t.Fatalf("Valid = %v (%s), want %v", res.Valid, res.Error, tc.valid)
			}
			if !res.Valid && res.Error == "" {
				t.Fatal("invalid result must carry an error message")
			}
		})
	}
}
