package stoprule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"redress/core/lawbook"
	"redress/core/store"
	"redress/core/utils"
)

const AuditDecision = "stoprule.decision"

type Verdict string

const (
	VerdictContinue Verdict = "CONTINUE"
	VerdictHold     Verdict = "HOLD"
	VerdictKill     Verdict = "KILL"
)

const (
	ReasonNonRetriable     = "NON_RETRIABLE"
	ReasonMaxAttempts      = "MAX_ATTEMPTS"
	ReasonMaxTotalAttempts = "MAX_TOTAL_ATTEMPTS"
	ReasonNoSignalChange   = "NO_SIGNAL_CHANGE"
	ReasonCooldownActive   = "COOLDOWN_ACTIVE"
	ReasonTimeoutExceeded  = "TIMEOUT_EXCEEDED"
	ReasonWithinLimits     = "WITHIN_LIMITS"
)

// Context is the observed state of one repeated-failure loop.
// SignalHashes are ordered oldest to newest.
type Context struct {
	JobName        string
	AttemptsForJob int
	TotalAttempts  int
	FailureClass   string
	SignalHashes   []string
	LastAttemptAt  time.Time
	StartedAt      time.Time
	Now            time.Time
}

type Decision struct {
	Verdict             Verdict `json:"verdict"`
	ReasonCode          string  `json:"reason_code"`
	RecommendedNextStep string  `json:"recommended_next_step"`
	LawbookVersion      string  `json:"lawbook_version,omitempty"`
}

// Evaluator decides CONTINUE/HOLD/KILL for retry loops. Rules evaluate in
// a fixed order and the first match wins; the decision is audited on every
// path, but an audit failure never blocks the decision itself.
type Evaluator struct {
	gate   *lawbook.Gate
	audits store.AuditStore
	logger *utils.Logger
}

func NewEvaluator(gate *lawbook.Gate, audits store.AuditStore, logger *utils.Logger) *Evaluator {
	return &Evaluator{gate: gate, audits: audits, logger: logger}
}

func (e *Evaluator) Evaluate(ctx context.Context, sc Context) Decision {
	doc := lawbook.DefaultDocument()
	version := ""
	if e.gate != nil {
		snap := e.gate.OrDefault(ctx)
		doc = snap.Doc
		version = snap.Hash
	}
	decision := evaluate(sc, doc)
	decision.LawbookVersion = version
	e.audit(ctx, sc, decision)
	return decision
}

func evaluate(sc Context, doc lawbook.Document) Decision {
	if sc.Now.IsZero() {
		sc.Now = time.Now().UTC()
	}
	if class := matchFailureClass(sc.FailureClass, doc.BlockOnFailureClasses); class != "" {
		return Decision{
			Verdict:             VerdictKill,
			ReasonCode:          ReasonNonRetriable,
			RecommendedNextStep: fmt.Sprintf("failure class %q is non-retriable; escalate to an operator", class),
		}
	}
	if doc.MaxRerunsPerJob > 0 && sc.AttemptsForJob >= doc.MaxRerunsPerJob {
		return Decision{
			Verdict:             VerdictKill,
			ReasonCode:          ReasonMaxAttempts,
			RecommendedNextStep: "per-job attempt budget exhausted; stop rerunning this job",
		}
	}
	if doc.MaxTotalRerunsPerPr > 0 && sc.TotalAttempts >= doc.MaxTotalRerunsPerPr {
		return Decision{
			Verdict:             VerdictKill,
			ReasonCode:          ReasonMaxTotalAttempts,
			RecommendedNextStep: "total attempt budget exhausted; hand over to an operator",
		}
	}
	if doc.NoSignalChangeThreshold > 0 && trailingRepeats(sc.SignalHashes) >= doc.NoSignalChangeThreshold {
		return Decision{
			Verdict:             VerdictKill,
			ReasonCode:          ReasonNoSignalChange,
			RecommendedNextStep: "failure signature is not changing; further retries are futile",
		}
	}
	if doc.CooldownMinutes > 0 && !sc.LastAttemptAt.IsZero() {
		cooldown := time.Duration(doc.CooldownMinutes) * time.Minute
		if sc.Now.Sub(sc.LastAttemptAt) < cooldown {
			return Decision{
				Verdict:             VerdictHold,
				ReasonCode:          ReasonCooldownActive,
				RecommendedNextStep: fmt.Sprintf("wait out the %dm cooldown before the next attempt", doc.CooldownMinutes),
			}
		}
	}
	if doc.MaxWaitMinutesForGreen > 0 && !sc.StartedAt.IsZero() {
		deadline := time.Duration(doc.MaxWaitMinutesForGreen) * time.Minute
		if sc.Now.Sub(sc.StartedAt) > deadline {
			return Decision{
				Verdict:             VerdictKill,
				ReasonCode:          ReasonTimeoutExceeded,
				RecommendedNextStep: "green deadline exceeded; stop waiting and escalate",
			}
		}
	}
	return Decision{
		Verdict:             VerdictContinue,
		ReasonCode:          ReasonWithinLimits,
		RecommendedNextStep: "retry with identical inputs",
	}
}

func matchFailureClass(class string, blocked []string) string {
	needle := strings.ToLower(strings.TrimSpace(class))
	if needle == "" {
		return ""
	}
	for _, b := range blocked {
		b = strings.ToLower(strings.TrimSpace(b))
		if b != "" && strings.Contains(needle, b) {
			return b
		}
	}
	return ""
}

// trailingRepeats counts how many of the newest hashes are identical.
func trailingRepeats(hashes []string) int {
	if len(hashes) == 0 {
		return 0
	}
	last := hashes[len(hashes)-1]
	if strings.TrimSpace(last) == "" {
		return 0
	}
	count := 0
	for i := len(hashes) - 1; i >= 0; i-- {
		if hashes[i] != last {
			break
		}
		count++
	}
	return count
}

func (e *Evaluator) audit(ctx context.Context, sc Context, d Decision) {
	if e.audits == nil {
		return
	}
	details := fmt.Sprintf("verdict=%s reason=%s job=%s attempts=%d total=%d",
		d.Verdict, d.ReasonCode, sc.JobName, sc.AttemptsForJob, sc.TotalAttempts)
	if err := e.audits.Log(ctx, "system", AuditDecision, details); err != nil && e.logger != nil {
		e.logger.Errorf("stoprule audit: %v", err)
	}
}
