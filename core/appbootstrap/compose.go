package appbootstrap

import (
	"context"
	"database/sql"

	"redress/config"
	"redress/core/ingest"
	"redress/core/lawbook"
	"redress/core/playbook"
	"redress/core/retention"
	"redress/core/signal"
	"redress/core/stoprule"
	"redress/core/store"
	"redress/core/utils"
)

// BackgroundWorker is anything with a start/stop lifecycle tied to the
// process context.
type BackgroundWorker interface {
	StartWithContext(ctx context.Context) error
	StopWithContext(ctx context.Context) error
}

// Adapters are the side-effect integrations remediation acts through.
// Leaving one nil degrades the playbooks that need it to step failures
// instead of breaking composition.
type Adapters struct {
	LKG       playbook.LKGResolver
	Deploy    playbook.DeployTrigger
	Workflows playbook.WorkflowDispatcher
	Verifier  playbook.VerificationChecker
}

// Runtime is the composed application: every store, the ingestion
// orchestrator, the governed executor and the background workers.
type Runtime struct {
	Incidents store.IncidentsStore
	Runs      store.RunsStore
	Audits    store.AuditStore

	Signals   *signal.Registry
	Gate      *lawbook.Gate
	Ingest    *ingest.Orchestrator
	Playbooks *playbook.Registry
	Executor  *playbook.Executor
	StopRules *stoprule.Evaluator

	workers []BackgroundWorker
}

func Compose(cfg *config.AppConfig, db *sql.DB, adapters Adapters, logger *utils.Logger) *Runtime {
	incidents := store.NewIncidentsStore(db)
	runs := store.NewRunsStore(db)
	audits := store.NewAuditStore(db)

	gate := lawbook.NewGate(lawbook.FileLoader{Path: cfg.Lawbook.Path}, cfg.Lawbook.CacheMaxAge, logger)
	signals := signal.DefaultRegistry()
	orchestrator := ingest.NewOrchestrator(signals, incidents, gate, audits, logger)
	orchestrator.BatchMax = cfg.EffectiveBatchMax()

	playbooks := playbook.NewRegistry()
	playbook.RegisterBuiltins(playbooks, playbook.BuiltinDeps{
		LKG:       adapters.LKG,
		Deploy:    adapters.Deploy,
		Workflows: adapters.Workflows,
		Verifier:  adapters.Verifier,
		Incidents: incidents,
	})
	executor := playbook.NewExecutor(playbooks, incidents, runs, gate, audits, logger)
	executor.StepTimeout = cfg.Playbooks.StepTimeout
	evaluator := stoprule.NewEvaluator(gate, audits, logger)
	sweeper := retention.NewScheduler(cfg.Retention, incidents, audits, logger)

	return &Runtime{
		Incidents: incidents,
		Runs:      runs,
		Audits:    audits,
		Signals:   signals,
		Gate:      gate,
		Ingest:    orchestrator,
		Playbooks: playbooks,
		Executor:  executor,
		StopRules: evaluator,
		workers:   []BackgroundWorker{sweeper},
	}
}

func (r *Runtime) StartWorkers(ctx context.Context) error {
	for _, w := range r.workers {
		if err := w.StartWithContext(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) StopWorkers(ctx context.Context) error {
	var firstErr error
	for _, w := range r.workers {
		if err := w.StopWithContext(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
