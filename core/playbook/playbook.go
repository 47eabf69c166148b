package playbook

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"redress/core/lawbook"
	"redress/core/store"
)

// Gating and execution error codes. They are part of the run record
// contract and must stay stable.
const (
	CodeIncidentNotFound     = "INCIDENT_NOT_FOUND"
	CodeEvidenceMissing      = "EVIDENCE_MISSING"
	CodeNotApplicable        = "NOT_APPLICABLE"
	CodeDeterminismRequired  = "DETERMINISM_REQUIRED"
	CodeRepoNotAllowed       = "REPO_NOT_ALLOWED"
	CodeTargetNotAllowed     = "TARGET_NOT_ALLOWED"
	CodeEnvironmentRequired  = "ENVIRONMENT_REQUIRED"
	CodeInvalidEnv           = "INVALID_ENV"
	CodeLawbookNotConfigured = "LAWBOOK_NOT_CONFIGURED"
	CodeStepFailed           = "STEP_FAILED"
)

// StepError is a step failure with a stable machine-readable code.
type StepError struct {
	Code    string
	Message string
}

func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

func Errf(code, message string) *StepError {
	return &StepError{Code: code, Message: message}
}

// StepResult is the outcome of one step execution. Output is persisted and
// threaded to later steps after sanitization.
type StepResult struct {
	Output map[string]any
	Err    *StepError
}

// StepContext carries everything a step may read: the incident, its
// evidence, the governance snapshot and the sanitized outputs of the steps
// that ran before it, keyed by each step's OutputKey.
type StepContext struct {
	Incident *store.Incident
	Env      string
	Snapshot *lawbook.Snapshot
	Allow    *lawbook.Allowlist
	Evidence []store.Evidence
	Inputs   map[string]any
	Outputs  map[string]map[string]any
	Now      time.Time
}

// EvidenceRef decodes the ref payload of the first evidence item of the
// given kind. The second return is false when no such evidence exists.
func (sc *StepContext) EvidenceRef(kind string) (map[string]any, bool) {
	for _, ev := range sc.Evidence {
		if !strings.EqualFold(ev.Kind, kind) {
			continue
		}
		var ref map[string]any
		if err := json.Unmarshal(ev.Ref, &ref); err != nil {
			continue
		}
		return ref, true
	}
	return nil, false
}

// InputString reads a string-valued request input.
func (sc *StepContext) InputString(name string) string {
	if sc.Inputs == nil {
		return ""
	}
	if v, ok := sc.Inputs[name].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

type StepFunc func(ctx context.Context, sc *StepContext) StepResult

// KeyFunc derives the step's idempotency key from the execution context.
// Keys for mutating steps embed the environment and a time bucket so the
// same action cannot fire twice within the bucket.
type KeyFunc func(sc *StepContext) string

type StepDef struct {
	StepID    string
	OutputKey string
	Key       KeyFunc
	Execute   StepFunc
}

// EvidencePredicate names evidence a playbook refuses to run without:
// at least one item of Kind whose ref carries every RequiredField.
type EvidencePredicate struct {
	Kind           string
	RequiredFields []string
}

func (p EvidencePredicate) satisfiedBy(items []store.Evidence) bool {
	for _, ev := range items {
		if !strings.EqualFold(ev.Kind, p.Kind) {
			continue
		}
		var ref map[string]any
		if err := json.Unmarshal(ev.Ref, &ref); err != nil {
			continue
		}
		ok := true
		for _, field := range p.RequiredFields {
			v, present := ref[field]
			if !present {
				ok = false
				break
			}
			if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// Playbook is an ordered remediation procedure. Every predicate in
// RequiredEvidence must be satisfied before any step runs.
type Playbook struct {
	ID                   string
	Version              string
	ApplicableCategories []string
	RequiredEvidence     []EvidencePredicate
	Steps                []StepDef
}

// Applicable reports whether the playbook claims any of the incident's
// classification tags. A playbook with no categories applies to everything.
func (p *Playbook) Applicable(tags []string) bool {
	if len(p.ApplicableCategories) == 0 {
		return true
	}
	for _, cat := range p.ApplicableCategories {
		for _, tag := range tags {
			if strings.EqualFold(cat, tag) {
				return true
			}
		}
	}
	return false
}

// MissingEvidence returns the kinds of the unsatisfied predicates.
func (p *Playbook) MissingEvidence(items []store.Evidence) []string {
	var missing []string
	for _, pred := range p.RequiredEvidence {
		if !pred.satisfiedBy(items) {
			missing = append(missing, pred.Kind)
		}
	}
	return missing
}

type Registry struct {
	mu        sync.RWMutex
	playbooks map[string]*Playbook
}

func NewRegistry() *Registry {
	return &Registry{playbooks: make(map[string]*Playbook)}
}

func (r *Registry) Register(p *Playbook) {
	if p == nil || p.ID == "" {
		return
	}
	r.mu.Lock()
	r.playbooks[strings.ToLower(p.ID)] = p
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (*Playbook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.playbooks[strings.ToLower(strings.TrimSpace(id))]
	return p, ok
}

func (r *Registry) List() []*Playbook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Playbook, 0, len(r.playbooks))
	for _, p := range r.playbooks {
		out = append(out, p)
	}
	return out
}
