package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"redress/core/signal"
	"redress/core/store"
	"redress/core/utils"
)

const (
	AuditIncidentCreate = "ingest.incident.create"
	AuditIncidentUpdate = "ingest.incident.update"
	AuditSignalInvalid  = "ingest.signal.invalid"
)

// LawbookVersioner supplies the governance version to stamp onto newly
// created incidents. Nil version means no governance was configured at
// ingestion time; it is never backfilled later.
type LawbookVersioner interface {
	CurrentVersion(ctx context.Context) *string
}

// IngestResult is the discriminated outcome of one signal ingestion.
// Storage failures land in Error instead of propagating to the signal
// transport layer.
type IngestResult struct {
	Incident      *store.Incident `json:"incident"`
	IsNew         bool            `json:"is_new"`
	EvidenceAdded int             `json:"evidence_added"`
	Error         string          `json:"error,omitempty"`
}

type Orchestrator struct {
	registry  *signal.Registry
	incidents store.IncidentsStore
	lawbook   LawbookVersioner
	audits    store.AuditStore
	logger    *utils.Logger

	// BatchMax caps how many signals one BatchIngest call processes.
	// Zero or negative means unbounded.
	BatchMax int
}

func NewOrchestrator(registry *signal.Registry, incidents store.IncidentsStore, lawbook LawbookVersioner, audits store.AuditStore, logger *utils.Logger) *Orchestrator {
	if registry == nil {
		registry = signal.DefaultRegistry()
	}
	return &Orchestrator{
		registry:  registry,
		incidents: incidents,
		lawbook:   lawbook,
		audits:    audits,
		logger:    logger,
	}
}

// Ingest maps one signal into an incident. Healthy signals are a no-op
// with zero store writes. The upsert, not the preceding existence check,
// carries the idempotency guarantee; the check only decides IsNew and the
// lifecycle event type.
func (o *Orchestrator) Ingest(ctx context.Context, sig signal.Signal) IngestResult {
	if sig == nil {
		return IngestResult{Error: "nil signal"}
	}
	if v := sig.Validate(); !v.Valid {
		if o.audits != nil {
			_ = o.audits.Log(ctx, "system", AuditSignalInvalid, fmt.Sprintf("kind=%s error=%s", sig.Kind(), v.Error))
		}
		return IngestResult{Error: v.Error}
	}
	mapper, ok := o.registry.Lookup(sig.Kind())
	if !ok {
		return IngestResult{Error: fmt.Sprintf("no mapper registered for signal kind %q", sig.Kind())}
	}
	draft := mapper(sig)
	if draft == nil {
		return IngestResult{}
	}

	existing, err := o.incidents.GetByKey(ctx, draft.IncidentKey)
	if err != nil {
		return o.failure(err)
	}
	isNew := existing == nil

	var lawbookVersion *string
	if isNew && o.lawbook != nil {
		lawbookVersion = o.lawbook.CurrentVersion(ctx)
	}
	inc, err := o.incidents.UpsertByKey(ctx, store.UpsertIncidentInput{
		IncidentKey:    draft.IncidentKey,
		Severity:       draft.Severity,
		Title:          draft.Title,
		Summary:        draft.Summary,
		ErrorCode:      draft.ErrorCode,
		SourcePrimary:  draft.SourcePrimary,
		Tags:           draft.Tags,
		LawbookVersion: lawbookVersion,
		ObservedAt:     draft.ObservedAt,
	})
	if err != nil {
		return o.failure(err)
	}

	evidence := make([]store.Evidence, 0, len(draft.Evidence))
	for _, ev := range draft.Evidence {
		refJSON, err := json.Marshal(ev.Ref)
		if err != nil {
			return o.failure(err)
		}
		item := store.Evidence{IncidentID: inc.ID, Kind: ev.Kind, Ref: refJSON}
		if ev.SHA256 != "" {
			sha := ev.SHA256
			item.SHA256 = &sha
		}
		evidence = append(evidence, item)
	}
	added, err := o.incidents.AddEvidence(ctx, evidence)
	if err != nil {
		return o.failure(err)
	}

	eventType := store.EventUpdated
	auditAction := AuditIncidentUpdate
	if isNew {
		eventType = store.EventCreated
		auditAction = AuditIncidentCreate
	}
	payload, _ := json.Marshal(map[string]any{
		"kind":           sig.Kind(),
		"severity":       inc.Severity,
		"error_code":     inc.ErrorCode,
		"evidence_added": len(added),
	})
	if _, err := o.incidents.AddEvent(ctx, &store.Event{
		IncidentID: inc.ID,
		EventType:  eventType,
		Payload:    payload,
	}); err != nil {
		return o.failure(err)
	}
	if o.audits != nil {
		_ = o.audits.Log(ctx, "system", auditAction, fmt.Sprintf("incident_key=%s severity=%s", inc.IncidentKey, inc.Severity))
	}
	return IngestResult{Incident: inc, IsNew: isNew, EvidenceAdded: len(added)}
}

// BatchIngest processes signals independently; one failure never aborts
// the rest of the batch. Signals past the BatchMax cap are not ingested
// and come back as per-signal errors so the caller can resubmit them.
func (o *Orchestrator) BatchIngest(ctx context.Context, sigs []signal.Signal) []IngestResult {
	results := make([]IngestResult, 0, len(sigs))
	for i, sig := range sigs {
		if o.BatchMax > 0 && i >= o.BatchMax {
			results = append(results, IngestResult{Error: fmt.Sprintf("batch limit of %d signals exceeded", o.BatchMax)})
			continue
		}
		results = append(results, o.Ingest(ctx, sig))
	}
	return results
}

func (o *Orchestrator) failure(err error) IngestResult {
	if o.logger != nil {
		o.logger.Errorf("ingest: %v", err)
	}
	return IngestResult{Error: err.Error()}
}
