package playbook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"redress/core/lawbook"
	"redress/core/store"
	"redress/core/utils"
)

const (
	AuditRunStart   = "playbook.run.start"
	AuditRunSucceed = "playbook.run.succeed"
	AuditRunFail    = "playbook.run.fail"
	AuditRunSkip    = "playbook.run.skip"
	AuditRunReuse   = "playbook.run.reuse"
)

// ExecuteRequest asks for one playbook execution against an incident.
// Inputs participate in the run key, so different inputs mean different
// runs while identical inputs collapse onto one.
type ExecuteRequest struct {
	IncidentKey string
	PlaybookID  string
	Env         string
	Inputs      map[string]any
}

// RunResult is the discriminated outcome. Run is nil only for rejections
// that happen before anything is worth persisting (unknown incident,
// missing governance).
type RunResult struct {
	Run          *store.RemediationRun `json:"run,omitempty"`
	Reused       bool                  `json:"reused"`
	ErrorCode    string                `json:"error_code,omitempty"`
	ErrorMessage string                `json:"error_message,omitempty"`
}

// Executor runs playbooks under governance. Execution requires a loaded
// lawbook; the run key makes repeat requests with identical inputs
// single-flight, returning the already-recorded run instead of acting
// twice.
type Executor struct {
	registry  *Registry
	incidents store.IncidentsStore
	runs      store.RunsStore
	gate      *lawbook.Gate
	audits    store.AuditStore
	logger    *utils.Logger

	// StepTimeout bounds each adapter call; zero means no bound.
	StepTimeout time.Duration
}

func NewExecutor(registry *Registry, incidents store.IncidentsStore, runs store.RunsStore, gate *lawbook.Gate, audits store.AuditStore, logger *utils.Logger) *Executor {
	return &Executor{
		registry:  registry,
		incidents: incidents,
		runs:      runs,
		gate:      gate,
		audits:    audits,
		logger:    logger,
	}
}

func (x *Executor) Execute(ctx context.Context, req ExecuteRequest) (*RunResult, error) {
	pb, ok := x.registry.Get(req.PlaybookID)
	if !ok {
		return nil, fmt.Errorf("unknown playbook %q", req.PlaybookID)
	}

	incident, err := x.incidents.GetByKey(ctx, req.IncidentKey)
	if err != nil {
		return nil, err
	}
	if incident == nil {
		return &RunResult{
			ErrorCode:    CodeIncidentNotFound,
			ErrorMessage: fmt.Sprintf("no incident with key %q", req.IncidentKey),
		}, nil
	}

	snap, err := x.gate.Required(ctx)
	if err != nil {
		if errors.Is(err, lawbook.ErrNotConfigured) {
			x.audit(ctx, AuditRunFail, fmt.Sprintf("incident_key=%s playbook=%s code=%s", incident.IncidentKey, pb.ID, CodeLawbookNotConfigured))
			return &RunResult{
				ErrorCode:    CodeLawbookNotConfigured,
				ErrorMessage: "remediation requires a configured lawbook",
			}, nil
		}
		return nil, err
	}

	inputsHash, err := hashInputs(req.Inputs)
	if err != nil {
		return nil, err
	}
	runKey := RunKey(incident.IncidentKey, pb.ID, inputsHash)

	if existing, err := x.runs.GetRunByKey(ctx, runKey); err != nil {
		return nil, err
	} else if existing != nil {
		x.audit(ctx, AuditRunReuse, fmt.Sprintf("run_uid=%s status=%s", existing.RunUID, existing.Status))
		return &RunResult{Run: existing, Reused: true}, nil
	}

	lawbookVersion := snap.Hash
	base := store.RemediationRun{
		RunKey:          runKey,
		IncidentID:      incident.ID,
		PlaybookID:      pb.ID,
		PlaybookVersion: pb.Version,
		LawbookVersion:  &lawbookVersion,
		InputsHash:      inputsHash,
	}

	if !pb.Applicable(incident.Tags) {
		return x.skip(ctx, base, CodeNotApplicable,
			fmt.Sprintf("playbook %s does not handle tags %v", pb.ID, incident.Tags))
	}

	evidence, err := x.incidents.ListEvidence(ctx, incident.ID)
	if err != nil {
		return nil, err
	}
	if missing := pb.MissingEvidence(evidence); len(missing) > 0 {
		return x.skip(ctx, base, CodeEvidenceMissing,
			fmt.Sprintf("required evidence missing: %s", strings.Join(missing, ", ")))
	}

	allow, err := lawbook.NewAllowlist(snap)
	if err != nil {
		return nil, err
	}

	run := base
	run.Status = store.RunStatusPlanned
	run.Planned = plannedJSON(pb)
	created, err := x.runs.CreateRun(ctx, &run)
	if err != nil {
		return nil, err
	}
	if !created {
		// Lost the race for the run key; the winner's record is the answer.
		existing, err := x.runs.GetRunByKey(ctx, runKey)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, store.ErrConflict
		}
		x.audit(ctx, AuditRunReuse, fmt.Sprintf("run_uid=%s status=%s", existing.RunUID, existing.Status))
		return &RunResult{Run: existing, Reused: true}, nil
	}
	x.audit(ctx, AuditRunStart, fmt.Sprintf("run_uid=%s incident_key=%s playbook=%s", run.RunUID, incident.IncidentKey, pb.ID))

	if err := x.runs.UpdateRunStatus(ctx, run.ID, store.RunStatusRunning, nil, "", ""); err != nil {
		return nil, err
	}
	run.Status = store.RunStatusRunning

	sc := &StepContext{
		Incident: incident,
		Env:      strings.TrimSpace(req.Env),
		Snapshot: snap,
		Allow:    allow,
		Evidence: evidence,
		Inputs:   req.Inputs,
		Outputs:  make(map[string]map[string]any),
		Now:      utils.NowUTC(),
	}
	for i, step := range pb.Steps {
		stepErr := x.runStep(ctx, &run, i, step, sc)
		if stepErr != nil {
			if err := x.runs.UpdateRunStatus(ctx, run.ID, store.RunStatusFailed, nil, stepErr.Code, stepErr.Message); err != nil {
				return nil, err
			}
			run.Status = store.RunStatusFailed
			run.ErrorCode = stepErr.Code
			run.ErrorMessage = stepErr.Message
			x.audit(ctx, AuditRunFail, fmt.Sprintf("run_uid=%s step=%s code=%s", run.RunUID, step.StepID, stepErr.Code))
			return &RunResult{Run: &run, ErrorCode: stepErr.Code, ErrorMessage: stepErr.Message}, nil
		}
	}

	result, err := json.Marshal(sc.Outputs)
	if err != nil {
		return nil, err
	}
	if err := x.runs.UpdateRunStatus(ctx, run.ID, store.RunStatusSucceeded, result, "", ""); err != nil {
		return nil, err
	}
	run.Status = store.RunStatusSucceeded
	run.Result = result
	x.audit(ctx, AuditRunSucceed, fmt.Sprintf("run_uid=%s playbook=%s", run.RunUID, pb.ID))
	return &RunResult{Run: &run}, nil
}

// runStep executes one step and persists its record. Outputs are
// sanitized before they are stored or made visible to later steps.
func (x *Executor) runStep(ctx context.Context, run *store.RemediationRun, position int, step StepDef, sc *StepContext) *StepError {
	key := ""
	if step.Key != nil {
		key = step.Key(sc)
	}
	stepCtx := ctx
	if x.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, x.StepTimeout)
		defer cancel()
	}
	started := utils.NowUTC()
	res := step.Execute(stepCtx, sc)
	output := SanitizeOutput(res.Output)

	record := store.RemediationStep{
		RunID:          run.ID,
		Position:       position,
		StepID:         step.StepID,
		IdempotencyKey: key,
		Status:         store.StepStatusSucceeded,
		StartedAt:      started,
		FinishedAt:     utils.NowUTC(),
	}
	if output != nil {
		if raw, err := json.Marshal(output); err == nil {
			record.Output = raw
		}
	}
	if res.Err != nil {
		record.Status = store.StepStatusFailed
		record.ErrorCode = res.Err.Code
		record.ErrorMessage = res.Err.Message
	}
	if _, err := x.runs.AddStep(ctx, &record); err != nil {
		return &StepError{Code: CodeStepFailed, Message: err.Error()}
	}
	if res.Err != nil {
		return res.Err
	}
	if step.OutputKey != "" {
		sc.Outputs[step.OutputKey] = output
	}
	return nil
}

// skip records a SKIPPED run. Skipped runs do not occupy the run key, so
// the same request can execute once its precondition is met.
func (x *Executor) skip(ctx context.Context, base store.RemediationRun, code, message string) (*RunResult, error) {
	run := base
	run.Status = store.RunStatusSkipped
	run.SkipReason = code
	run.ErrorCode = code
	run.ErrorMessage = message
	if _, err := x.runs.CreateRun(ctx, &run); err != nil {
		return nil, err
	}
	x.audit(ctx, AuditRunSkip, fmt.Sprintf("run_uid=%s playbook=%s code=%s", run.RunUID, run.PlaybookID, code))
	return &RunResult{Run: &run, ErrorCode: code, ErrorMessage: message}, nil
}

func (x *Executor) audit(ctx context.Context, action, details string) {
	if x.audits == nil {
		return
	}
	if err := x.audits.Log(ctx, "system", action, details); err != nil && x.logger != nil {
		x.logger.Errorf("playbook audit: %v", err)
	}
}

// RunKey derives the single-flight key for one incident/playbook/inputs
// combination.
func RunKey(incidentKey, playbookID, inputsHash string) string {
	sum := sha256.Sum256([]byte(incidentKey + "|" + playbookID + "|" + inputsHash))
	return hex.EncodeToString(sum[:])
}

// hashInputs canonicalizes request inputs. json.Marshal sorts map keys,
// so equal maps always hash equal.
func hashInputs(inputs map[string]any) (string, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	raw, err := json.Marshal(inputs)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func plannedJSON(pb *Playbook) json.RawMessage {
	ids := make([]string, 0, len(pb.Steps))
	for _, s := range pb.Steps {
		ids = append(ids, s.StepID)
	}
	raw, _ := json.Marshal(map[string]any{
		"playbook_id": pb.ID,
		"version":     pb.Version,
		"steps":       ids,
		"planned_at":  time.Now().UTC().Format(time.RFC3339),
	})
	return raw
}
