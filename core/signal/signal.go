package signal

import (
	"strings"
	"time"
)

const (
	KindDeployStatus = "deploy_status"
	KindVerification = "verification"
	KindTaskStopped  = "ecs_stopped"
	KindRunnerStep   = "runner"
)

// FallbackToken replaces missing optional key fields so the incident key
// shape stays stable across signals.
const FallbackToken = "unknown"

// Signal is a typed external failure observation. Implementations must be
// plain data: validation and mapping never mutate them.
type Signal interface {
	Kind() string
	Validate() ValidationResult
}

type ValidationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func valid() ValidationResult {
	return ValidationResult{Valid: true}
}

func invalid(msg string) ValidationResult {
	return ValidationResult{Valid: false, Error: msg}
}

// DeployStatusSignal reports a deployment health transition.
type DeployStatusSignal struct {
	Env       string   `json:"env"`
	DeployID  string   `json:"deploy_id,omitempty"`
	Status    string   `json:"status"` // GREEN, YELLOW, RED
	ChangedAt string   `json:"changed_at"`
	Reasons   []string `json:"reasons,omitempty"`
}

func (s DeployStatusSignal) Kind() string { return KindDeployStatus }

func (s DeployStatusSignal) Validate() ValidationResult {
	if strings.TrimSpace(s.Env) == "" {
		return invalid("deploy_status signal requires env")
	}
	switch strings.ToUpper(strings.TrimSpace(s.Status)) {
	case "GREEN", "YELLOW", "RED":
	default:
		return invalid("deploy_status signal has unrecognized status")
	}
	if _, err := time.Parse(time.RFC3339, s.ChangedAt); err != nil {
		return invalid("deploy_status signal requires RFC3339 changed_at")
	}
	return valid()
}

// VerificationSignal reports the outcome of a post-deploy verification run.
type VerificationSignal struct {
	DeployID     string        `json:"deploy_id"`
	RunID        string        `json:"run_id,omitempty"`
	ReportHash   string        `json:"report_hash,omitempty"`
	Env          string        `json:"env,omitempty"`
	Outcome      string        `json:"outcome"` // pass, fail, inconclusive
	CheckedAt    string        `json:"checked_at,omitempty"`
	FailedChecks []FailedCheck `json:"failed_checks,omitempty"`
}

type FailedCheck struct {
	Name   string `json:"name"`
	Detail string `json:"detail,omitempty"`
}

func (s VerificationSignal) Kind() string { return KindVerification }

func (s VerificationSignal) Validate() ValidationResult {
	if strings.TrimSpace(s.DeployID) == "" {
		return invalid("verification signal requires deploy_id")
	}
	switch strings.ToLower(strings.TrimSpace(s.Outcome)) {
	case "pass", "fail", "inconclusive":
	default:
		return invalid("verification signal has unrecognized outcome")
	}
	if strings.TrimSpace(s.ReportHash) == "" && strings.TrimSpace(s.RunID) == "" {
		return invalid("verification signal requires report_hash or run_id")
	}
	return valid()
}

// TaskStoppedSignal reports a container-scheduler task stop.
type TaskStoppedSignal struct {
	Cluster       string          `json:"cluster"`
	Service       string          `json:"service,omitempty"`
	TaskArn       string          `json:"task_arn"`
	StoppedAt     string          `json:"stopped_at"`
	StoppedReason string          `json:"stopped_reason,omitempty"`
	Containers    []ContainerExit `json:"containers,omitempty"`
}

type ContainerExit struct {
	Name     string `json:"name"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (s TaskStoppedSignal) Kind() string { return KindTaskStopped }

func (s TaskStoppedSignal) Validate() ValidationResult {
	if strings.TrimSpace(s.Cluster) == "" {
		return invalid("ecs_stopped signal requires cluster")
	}
	if strings.TrimSpace(s.TaskArn) == "" {
		return invalid("ecs_stopped signal requires task_arn")
	}
	if _, err := time.Parse(time.RFC3339, s.StoppedAt); err != nil {
		return invalid("ecs_stopped signal requires RFC3339 stopped_at")
	}
	return valid()
}

// RunnerStepSignal reports a CI workflow step conclusion.
type RunnerStepSignal struct {
	RunID        string `json:"run_id"`
	StepName     string `json:"step_name"`
	Conclusion   string `json:"conclusion"` // success, failure, cancelled, timed_out, skipped
	WorkflowName string `json:"workflow_name,omitempty"`
	Owner        string `json:"owner,omitempty"`
	Repo         string `json:"repo,omitempty"`
	LogURL       string `json:"log_url,omitempty"`
	CompletedAt  string `json:"completed_at,omitempty"`
}

func (s RunnerStepSignal) Kind() string { return KindRunnerStep }

func (s RunnerStepSignal) Validate() ValidationResult {
	if strings.TrimSpace(s.RunID) == "" {
		return invalid("runner signal requires run_id")
	}
	if strings.TrimSpace(s.StepName) == "" {
		return invalid("runner signal requires step_name")
	}
	switch strings.ToLower(strings.TrimSpace(s.Conclusion)) {
	case "success", "failure", "cancelled", "timed_out", "skipped":
	default:
		return invalid("runner signal has unrecognized conclusion")
	}
	return valid()
}

func orFallback(s string) string {
	if strings.TrimSpace(s) == "" {
		return FallbackToken
	}
	return strings.TrimSpace(s)
}
