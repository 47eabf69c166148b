package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// IncidentDraft is the pure output of mapping: everything ingestion needs
// to upsert an incident and attach its evidence. Mapping the same signal
// twice yields byte-identical drafts, hashes included.
type IncidentDraft struct {
	IncidentKey   string
	Severity      string
	Title         string
	Summary       string
	ErrorCode     string
	SourcePrimary string
	Tags          []string
	ObservedAt    time.Time
	Evidence      []EvidenceDraft
}

// EvidenceDraft carries one observation. SHA256 is empty for payloads that
// are not self-describing enough to dedup (e.g. bare log pointers).
type EvidenceDraft struct {
	Kind   string
	Ref    map[string]any
	SHA256 string
}

// Mapper translates a validated signal into an incident draft, or nil when
// the signal is healthy and therefore non-actionable.
type Mapper func(Signal) *IncidentDraft

// Registry maps signal kinds to mappers. It stays open: new kinds register
// without touching the ingestion orchestrator.
type Registry struct {
	mu      sync.RWMutex
	mappers map[string]Mapper
}

func NewRegistry() *Registry {
	return &Registry{mappers: map[string]Mapper{}}
}

// DefaultRegistry returns a registry with the four built-in signal kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(KindDeployStatus, mapDeployStatus)
	r.Register(KindVerification, mapVerification)
	r.Register(KindTaskStopped, mapTaskStopped)
	r.Register(KindRunnerStep, mapRunnerStep)
	return r
}

func (r *Registry) Register(kind string, m Mapper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappers[strings.ToLower(strings.TrimSpace(kind))] = m
}

func (r *Registry) Lookup(kind string) (Mapper, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappers[strings.ToLower(strings.TrimSpace(kind))]
	return m, ok
}

func mapDeployStatus(sig Signal) *IncidentDraft {
	s, ok := sig.(DeployStatusSignal)
	if !ok {
		return nil
	}
	status := strings.ToUpper(strings.TrimSpace(s.Status))
	if status == "GREEN" {
		return nil
	}
	severity := "YELLOW"
	errorCode := "DEPLOY_DEGRADED"
	if status == "RED" {
		severity = "RED"
		errorCode = "DEPLOY_UNHEALTHY"
	}
	env := strings.TrimSpace(s.Env)
	deployID := orFallback(s.DeployID)
	changedAt := strings.TrimSpace(s.ChangedAt)
	observed, _ := time.Parse(time.RFC3339, changedAt)

	// Reasons keep their given order so summaries are reproducible.
	summary := strings.Join(s.Reasons, "; ")
	ref := map[string]any{
		"env":        env,
		"deploy_id":  deployID,
		"status":     status,
		"changed_at": changedAt,
		"reasons":    append([]string{}, s.Reasons...),
	}
	return &IncidentDraft{
		IncidentKey:   fmt.Sprintf("deploy_status:%s:%s:%s", env, deployID, changedAt),
		Severity:      severity,
		Title:         fmt.Sprintf("Deploy %s in %s (%s)", strings.ToLower(status), env, deployID),
		Summary:       summary,
		ErrorCode:     errorCode,
		SourcePrimary: KindDeployStatus,
		Tags:          []string{"deploy"},
		ObservedAt:    observed.UTC(),
		Evidence: []EvidenceDraft{{
			Kind:   "deploy_status",
			Ref:    ref,
			SHA256: hashRef(ref),
		}},
	}
}

func mapVerification(sig Signal) *IncidentDraft {
	s, ok := sig.(VerificationSignal)
	if !ok {
		return nil
	}
	outcome := strings.ToLower(strings.TrimSpace(s.Outcome))
	if outcome == "pass" {
		return nil
	}
	severity := "RED"
	errorCode := "VERIFICATION_FAILED"
	if outcome == "inconclusive" {
		severity = "YELLOW"
		errorCode = "VERIFICATION_INCONCLUSIVE"
	}
	deployID := strings.TrimSpace(s.DeployID)
	discriminator := strings.TrimSpace(s.ReportHash)
	if discriminator == "" {
		discriminator = strings.TrimSpace(s.RunID)
	}
	observed := time.Time{}
	if ts, err := time.Parse(time.RFC3339, s.CheckedAt); err == nil {
		observed = ts.UTC()
	}

	// Failed checks are reported in their given order, never deduplicated.
	var parts []string
	checks := make([]map[string]any, 0, len(s.FailedChecks))
	for _, check := range s.FailedChecks {
		part := check.Name
		if check.Detail != "" {
			part += ": " + check.Detail
		}
		parts = append(parts, part)
		checks = append(checks, map[string]any{"name": check.Name, "detail": check.Detail})
	}
	ref := map[string]any{
		"deploy_id":     deployID,
		"run_id":        strings.TrimSpace(s.RunID),
		"report_hash":   strings.TrimSpace(s.ReportHash),
		"env":           strings.TrimSpace(s.Env),
		"outcome":       outcome,
		"failed_checks": checks,
	}
	return &IncidentDraft{
		IncidentKey:   fmt.Sprintf("verification:%s:%s", deployID, discriminator),
		Severity:      severity,
		Title:         fmt.Sprintf("Verification %s for %s", outcome, deployID),
		Summary:       strings.Join(parts, "; "),
		ErrorCode:     errorCode,
		SourcePrimary: KindVerification,
		Tags:          []string{"deploy", "verification"},
		ObservedAt:    observed,
		Evidence: []EvidenceDraft{{
			Kind:   "verification_report",
			Ref:    ref,
			SHA256: hashRef(ref),
		}},
	}
}

func mapTaskStopped(sig Signal) *IncidentDraft {
	s, ok := sig.(TaskStoppedSignal)
	if !ok {
		return nil
	}
	cluster := strings.TrimSpace(s.Cluster)
	taskArn := strings.TrimSpace(s.TaskArn)
	stoppedAt := strings.TrimSpace(s.StoppedAt)
	observed, _ := time.Parse(time.RFC3339, stoppedAt)

	severity := "YELLOW"
	errorCode := "TASK_STOPPED"
	if stopLooksLikeCrash(s) {
		severity = "RED"
		errorCode = "TASK_CRASHED"
	}

	var parts []string
	if s.StoppedReason != "" {
		parts = append(parts, s.StoppedReason)
	}
	containers := make([]map[string]any, 0, len(s.Containers))
	for _, c := range s.Containers {
		part := c.Name
		if c.ExitCode != nil {
			part += fmt.Sprintf(" exit=%d", *c.ExitCode)
		}
		if c.Reason != "" {
			part += " " + c.Reason
		}
		parts = append(parts, part)
		entry := map[string]any{"name": c.Name, "reason": c.Reason}
		if c.ExitCode != nil {
			entry["exit_code"] = *c.ExitCode
		}
		containers = append(containers, entry)
	}
	ref := map[string]any{
		"cluster":        cluster,
		"service":        strings.TrimSpace(s.Service),
		"task_arn":       taskArn,
		"stopped_at":     stoppedAt,
		"stopped_reason": s.StoppedReason,
		"containers":     containers,
	}
	return &IncidentDraft{
		IncidentKey:   fmt.Sprintf("ecs_stopped:%s:%s:%s", cluster, taskArn, stoppedAt),
		Severity:      severity,
		Title:         fmt.Sprintf("Task stopped in %s", cluster),
		Summary:       strings.Join(parts, "; "),
		ErrorCode:     errorCode,
		SourcePrimary: KindTaskStopped,
		Tags:          []string{"ecs"},
		ObservedAt:    observed.UTC(),
		Evidence: []EvidenceDraft{{
			Kind:   "ecs_task_stopped",
			Ref:    ref,
			SHA256: hashRef(ref),
		}},
	}
}

func stopLooksLikeCrash(s TaskStoppedSignal) bool {
	for _, c := range s.Containers {
		if c.ExitCode != nil && *c.ExitCode != 0 {
			return true
		}
	}
	reason := strings.ToLower(s.StoppedReason)
	for _, marker := range []string{"error", "failed", "oom", "panic", "unhealthy"} {
		if strings.Contains(reason, marker) {
			return true
		}
	}
	return false
}

func mapRunnerStep(sig Signal) *IncidentDraft {
	s, ok := sig.(RunnerStepSignal)
	if !ok {
		return nil
	}
	conclusion := strings.ToLower(strings.TrimSpace(s.Conclusion))
	if conclusion == "success" || conclusion == "skipped" {
		return nil
	}
	severity := "RED"
	errorCode := "CI_FAILED"
	switch conclusion {
	case "cancelled":
		severity = "YELLOW"
		errorCode = "CI_CANCELLED"
	case "timed_out":
		errorCode = "CI_TIMEOUT"
	}
	runID := strings.TrimSpace(s.RunID)
	stepName := strings.TrimSpace(s.StepName)
	observed := time.Time{}
	if ts, err := time.Parse(time.RFC3339, s.CompletedAt); err == nil {
		observed = ts.UTC()
	}
	var parts []string
	if s.WorkflowName != "" {
		parts = append(parts, s.WorkflowName)
	}
	parts = append(parts, fmt.Sprintf("step %s concluded %s", stepName, conclusion))

	// A log pointer is not self-describing: identical pointers may cover
	// different runs of the same step, so this evidence is never hashed.
	ref := map[string]any{
		"run_id":     runID,
		"step_name":  stepName,
		"conclusion": conclusion,
		"workflow":   strings.TrimSpace(s.WorkflowName),
		"owner":      strings.TrimSpace(s.Owner),
		"repo":       strings.TrimSpace(s.Repo),
		"log_url":    strings.TrimSpace(s.LogURL),
	}
	return &IncidentDraft{
		IncidentKey:   fmt.Sprintf("runner:%s:%s:%s", runID, stepName, conclusion),
		Severity:      severity,
		Title:         fmt.Sprintf("CI step %s %s (run %s)", stepName, conclusion, runID),
		Summary:       strings.Join(parts, "; "),
		ErrorCode:     errorCode,
		SourcePrimary: KindRunnerStep,
		Tags:          []string{"ci"},
		ObservedAt:    observed,
		Evidence: []EvidenceDraft{{
			Kind: "runner_failure",
			Ref:  ref,
		}},
	}
}

// hashRef produces the content hash for dedupable evidence. Go's JSON
// encoder sorts map keys, so the hash is stable for equal payloads.
func hashRef(ref map[string]any) string {
	b, err := json.Marshal(ref)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
