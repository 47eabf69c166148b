package playbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"redress/core/lawbook"
	"redress/core/store"
	"redress/core/utils"
)

const (
	PlaybookRollbackLKG = "rollback-lkg"
	PlaybookRerunCI     = "rerun-ci"
)

// DeployRef identifies one past deployment. A ref is deterministic only
// when it pins an immutable artifact: an image digest or a change-set id.
// A bare commit or branch can build differently on replay.
type DeployRef struct {
	DeployID    string `json:"deploy_id"`
	Env         string `json:"env"`
	CommitSHA   string `json:"commit_sha,omitempty"`
	ImageDigest string `json:"image_digest,omitempty"`
	ChangeSetID string `json:"change_set_id,omitempty"`
}

func (r DeployRef) Deterministic() bool {
	return strings.TrimSpace(r.ImageDigest) != "" || strings.TrimSpace(r.ChangeSetID) != ""
}

// LKGResolver finds the last deployment that was verified green in an
// environment.
type LKGResolver interface {
	LastKnownGood(ctx context.Context, env string) (*DeployRef, error)
}

// DeployTrigger starts a redeploy of a pinned artifact onto a service.
type DeployTrigger interface {
	Redeploy(ctx context.Context, cluster, service string, ref DeployRef) (map[string]any, error)
}

// WorkflowDispatcher reruns a CI workflow run.
type WorkflowDispatcher interface {
	DispatchRerun(ctx context.Context, owner, repo, runID string) (map[string]any, error)
}

// VerificationOutcome is the newest verification verdict for a deploy.
type VerificationOutcome struct {
	Env      string
	DeployID string
	Outcome  string
}

func (o VerificationOutcome) Healthy() bool {
	return strings.EqualFold(strings.TrimSpace(o.Outcome), "pass")
}

type VerificationChecker interface {
	LatestOutcome(ctx context.Context, env, deployID string) (*VerificationOutcome, error)
}

// BuiltinDeps are the side-effect adapters the built-in playbooks act
// through. Incidents is used to mark a rollback's incident mitigated once
// verification confirms it.
type BuiltinDeps struct {
	LKG       LKGResolver
	Deploy    DeployTrigger
	Workflows WorkflowDispatcher
	Verifier  VerificationChecker
	Incidents store.IncidentsStore
}

// RegisterBuiltins installs the rollback and CI-rerun playbooks.
func RegisterBuiltins(r *Registry, deps BuiltinDeps) {
	r.Register(rollbackLKGPlaybook(deps))
	r.Register(rerunCIPlaybook(deps))
}

func rollbackLKGPlaybook(deps BuiltinDeps) *Playbook {
	return &Playbook{
		ID:                   PlaybookRollbackLKG,
		Version:              "1",
		ApplicableCategories: []string{"deploy", "ecs"},
		RequiredEvidence: []EvidencePredicate{
			{Kind: "deploy_status", RequiredFields: []string{"env", "deploy_id"}},
		},
		Steps: []StepDef{
			{
				StepID:    "select-lkg",
				OutputKey: "lkg",
				Key: func(sc *StepContext) string {
					env, _ := stepEnv(sc)
					return fmt.Sprintf("lkg:%s:%s", sc.Incident.IncidentKey, env)
				},
				Execute: selectLKGStep(deps.LKG),
			},
			{
				StepID:    "redeploy",
				OutputKey: "dispatch",
				Key: func(sc *StepContext) string {
					env, _ := stepEnv(sc)
					return fmt.Sprintf("redeploy:%s:%s:%s", sc.Incident.IncidentKey, env, utils.HourBucket(sc.Now))
				},
				Execute: redeployStep(deps.Deploy),
			},
			{
				StepID:    "verify",
				OutputKey: "verify",
				Key: func(sc *StepContext) string {
					env, _ := stepEnv(sc)
					return fmt.Sprintf("verify:%s:%s:%s", sc.Incident.IncidentKey, env, utils.HourBucket(sc.Now))
				},
				Execute: verifyStep(deps.Verifier, deps.Incidents),
			},
		},
	}
}

func rerunCIPlaybook(deps BuiltinDeps) *Playbook {
	return &Playbook{
		ID:                   PlaybookRerunCI,
		Version:              "1",
		ApplicableCategories: []string{"ci"},
		RequiredEvidence: []EvidencePredicate{
			{Kind: "runner_failure", RequiredFields: []string{"run_id", "owner", "repo"}},
		},
		Steps: []StepDef{
			{
				StepID:    "dispatch-rerun",
				OutputKey: "dispatch",
				Key: func(sc *StepContext) string {
					ref, _ := sc.EvidenceRef("runner_failure")
					return fmt.Sprintf("rerun:%s:%s/%s:%s:%s",
						sc.Incident.IncidentKey, refString(ref, "owner"), refString(ref, "repo"),
						refString(ref, "run_id"), utils.HourBucket(sc.Now))
				},
				Execute: dispatchRerunStep(deps.Workflows),
			},
		},
	}
}

// stepEnv resolves the environment a mutating step acts on: the request
// env when given, otherwise the env from the triggering deploy evidence.
// Either way it must canonicalize; mutation never proceeds on a guess.
func stepEnv(sc *StepContext) (string, *StepError) {
	env := sc.Env
	if env == "" {
		if ref, ok := sc.EvidenceRef("deploy_status"); ok {
			env = refString(ref, "env")
		}
	}
	if strings.TrimSpace(env) == "" {
		return "", Errf(CodeEnvironmentRequired, "no environment in request or evidence")
	}
	canon, err := lawbook.CanonicalEnv(env)
	if err != nil {
		return "", Errf(CodeInvalidEnv, fmt.Sprintf("unrecognized environment %q", env))
	}
	return canon, nil
}

func selectLKGStep(resolver LKGResolver) StepFunc {
	return func(ctx context.Context, sc *StepContext) StepResult {
		env, stepErr := stepEnv(sc)
		if stepErr != nil {
			return StepResult{Err: stepErr}
		}
		if resolver == nil {
			return StepResult{Err: Errf(CodeStepFailed, "no deploy history source configured")}
		}
		ref, err := resolver.LastKnownGood(ctx, env)
		if err != nil {
			return StepResult{Err: Errf(CodeStepFailed, err.Error())}
		}
		if ref == nil {
			return StepResult{Err: Errf(CodeStepFailed, fmt.Sprintf("no known-good deploy in %s", env))}
		}
		if !ref.Deterministic() {
			return StepResult{Err: Errf(CodeDeterminismRequired,
				fmt.Sprintf("deploy %s pins no image digest or change-set id", ref.DeployID))}
		}
		return StepResult{Output: map[string]any{
			"deploy_id":     ref.DeployID,
			"env":           env,
			"image_digest":  ref.ImageDigest,
			"change_set_id": ref.ChangeSetID,
		}}
	}
}

func redeployStep(trigger DeployTrigger) StepFunc {
	return func(ctx context.Context, sc *StepContext) StepResult {
		env, stepErr := stepEnv(sc)
		if stepErr != nil {
			return StepResult{Err: stepErr}
		}
		cluster := sc.InputString("cluster")
		service := sc.InputString("service")
		if cluster == "" || service == "" {
			if mapping, ok := sc.Snapshot.ResolveALB(sc.InputString("alb")); ok {
				cluster, service = mapping.Cluster, mapping.Service
			}
		}
		if cluster == "" || service == "" {
			return StepResult{Err: Errf(CodeStepFailed, "no cluster/service target resolvable from inputs")}
		}
		target := cluster + "/" + service
		if !sc.Allow.IsAllowed(env, target) {
			return StepResult{Err: Errf(CodeTargetNotAllowed,
				fmt.Sprintf("target %s is not allowlisted in %s", target, env))}
		}
		lkg := sc.Outputs["lkg"]
		ref := DeployRef{
			DeployID:    outString(lkg, "deploy_id"),
			Env:         env,
			ImageDigest: outString(lkg, "image_digest"),
			ChangeSetID: outString(lkg, "change_set_id"),
		}
		if trigger == nil {
			return StepResult{Err: Errf(CodeStepFailed, "no deploy trigger configured")}
		}
		detail, err := trigger.Redeploy(ctx, cluster, service, ref)
		if err != nil {
			return StepResult{Err: Errf(CodeStepFailed, err.Error())}
		}
		out := map[string]any{"cluster": cluster, "service": service, "deploy_id": ref.DeployID}
		for k, v := range detail {
			out[k] = v
		}
		return StepResult{Output: out}
	}
}

func verifyStep(checker VerificationChecker, incidents store.IncidentsStore) StepFunc {
	return func(ctx context.Context, sc *StepContext) StepResult {
		env, stepErr := stepEnv(sc)
		if stepErr != nil {
			return StepResult{Err: stepErr}
		}
		deployID := outString(sc.Outputs["lkg"], "deploy_id")
		out := map[string]any{"env": env, "deploy_id": deployID, "healthy": false, "matches_env": false}
		if checker == nil {
			return StepResult{Output: out}
		}
		outcome, err := checker.LatestOutcome(ctx, env, deployID)
		if err != nil {
			return StepResult{Err: Errf(CodeStepFailed, err.Error())}
		}
		if outcome == nil {
			return StepResult{Output: out}
		}
		out["outcome"] = outcome.Outcome
		// A verdict from a differently-named but equivalent environment
		// still counts; one from a genuinely different environment never
		// marks this incident mitigated.
		if !lawbook.SameEnv(outcome.Env, env) {
			return StepResult{Output: out}
		}
		out["matches_env"] = true
		if !outcome.Healthy() {
			return StepResult{Output: out}
		}
		out["healthy"] = true
		if incidents != nil {
			// Already-mitigated incidents report ErrConflict; that is not
			// a failure of this verification.
			if _, err := incidents.SetStatus(ctx, sc.Incident.ID, store.StatusMitigated); err != nil && !errors.Is(err, store.ErrConflict) {
				return StepResult{Err: Errf(CodeStepFailed, err.Error())}
			}
			payload, _ := json.Marshal(map[string]any{"deploy_id": deployID, "env": env})
			if _, err := incidents.AddEvent(ctx, &store.Event{
				IncidentID: sc.Incident.ID,
				EventType:  store.EventMitigated,
				Payload:    payload,
			}); err != nil {
				return StepResult{Err: Errf(CodeStepFailed, err.Error())}
			}
		}
		return StepResult{Output: out}
	}
}

func dispatchRerunStep(dispatcher WorkflowDispatcher) StepFunc {
	return func(ctx context.Context, sc *StepContext) StepResult {
		ref, ok := sc.EvidenceRef("runner_failure")
		if !ok {
			return StepResult{Err: Errf(CodeEvidenceMissing, "no runner_failure evidence")}
		}
		owner := refString(ref, "owner")
		repo := refString(ref, "repo")
		runID := refString(ref, "run_id")
		env, stepErr := stepEnv(sc)
		if stepErr != nil {
			return StepResult{Err: stepErr}
		}
		target := owner + "/" + repo
		if !sc.Allow.IsAllowed(env, target) {
			return StepResult{Err: Errf(CodeRepoNotAllowed,
				fmt.Sprintf("repository %s is not allowlisted in %s", target, env))}
		}
		if dispatcher == nil {
			return StepResult{Err: Errf(CodeStepFailed, "no workflow dispatcher configured")}
		}
		detail, err := dispatcher.DispatchRerun(ctx, owner, repo, runID)
		if err != nil {
			return StepResult{Err: Errf(CodeStepFailed, err.Error())}
		}
		out := map[string]any{"owner": owner, "repo": repo, "run_id": runID}
		for k, v := range detail {
			out[k] = v
		}
		return StepResult{Output: out}
	}
}

func refString(ref map[string]any, field string) string {
	if ref == nil {
		return ""
	}
	if v, ok := ref[field].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func outString(out map[string]any, field string) string {
	if out == nil {
		return ""
	}
	if v, ok := out[field].(string); ok {
		return v
	}
	return ""
}
