package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrConflict = errors.New("conflict")

const (
	SeverityYellow = "YELLOW"
	SeverityRed    = "RED"

	StatusOpen      = "OPEN"
	StatusAcked     = "ACKED"
	StatusMitigated = "MITIGATED"
	StatusClosed    = "CLOSED"

	EventCreated   = "CREATED"
	EventUpdated   = "UPDATED"
	EventAcked     = "ACKED"
	EventMitigated = "MITIGATED"
	EventClosed    = "CLOSED"
)

// Incident is the deduplicated record of one real-world problem. Exactly one
// row exists per incident_key; re-observations mutate the row in place.
type Incident struct {
	ID             int64     `json:"id"`
	IncidentKey    string    `json:"incident_key"`
	Severity       string    `json:"severity"`
	Status         string    `json:"status"`
	Title          string    `json:"title"`
	Summary        string    `json:"summary"`
	ErrorCode      string    `json:"error_code,omitempty"`
	SourcePrimary  string    `json:"source_primary"`
	Tags           []string  `json:"tags,omitempty"`
	LawbookVersion *string   `json:"lawbook_version,omitempty"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// UpsertIncidentInput carries the mutable projection of a mapped signal.
// LawbookVersion applies only when the row is first created; it is never
// backfilled onto an existing incident.
type UpsertIncidentInput struct {
	IncidentKey    string
	Severity       string
	Title          string
	Summary        string
	ErrorCode      string
	SourcePrimary  string
	Tags           []string
	LawbookVersion *string
	ObservedAt     time.Time
}

// Evidence is an immutable observation attached to an incident. SHA256 is
// nil for payloads that are not self-describing enough to dedup.
type Evidence struct {
	ID         int64           `json:"id"`
	IncidentID int64           `json:"incident_id"`
	Kind       string          `json:"kind"`
	Ref        json.RawMessage `json:"ref"`
	SHA256     *string         `json:"sha256,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Link ties an incident to an external timeline or tracking node.
type Link struct {
	ID             int64     `json:"id"`
	IncidentID     int64     `json:"incident_id"`
	TimelineNodeID string    `json:"timeline_node_id"`
	LinkType       string    `json:"link_type"`
	CreatedAt      time.Time `json:"created_at"`
}

// Event is an append-only lifecycle record. Events are never mutated,
// deleted (outside retention) or deduplicated.
type Event struct {
	ID         int64           `json:"id"`
	IncidentID int64           `json:"incident_id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

type IncidentFilter struct {
	Status   string
	Severity string
	Limit    int
	Offset   int
}

type IncidentsStore interface {
	UpsertByKey(ctx context.Context, input UpsertIncidentInput) (*Incident, error)
	GetByKey(ctx context.Context, incidentKey string) (*Incident, error)
	GetIncident(ctx context.Context, id int64) (*Incident, error)
	SetStatus(ctx context.Context, id int64, status string) (*Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error)

	AddEvidence(ctx context.Context, items []Evidence) ([]Evidence, error)
	ListEvidence(ctx context.Context, incidentID int64) ([]Evidence, error)

	CreateLink(ctx context.Context, link *Link) (*Link, error)
	ListLinks(ctx context.Context, incidentID int64) ([]Link, error)

	AddEvent(ctx context.Context, ev *Event) (int64, error)
	ListEvents(ctx context.Context, incidentID int64, limit int) ([]Event, error)
	DeleteEventsBefore(ctx context.Context, before time.Time) (int64, error)
}

type incidentsStore struct {
	db *sql.DB
}

func NewIncidentsStore(db *sql.DB) IncidentsStore {
	return &incidentsStore{db: db}
}

// UpsertByKey is the idempotency primitive of ingestion. The conflict
// resolution happens in the storage engine, so concurrent callers racing on
// the same key converge onto a single row. Status and first_seen_at are left
// untouched on the update path, lawbook_version is never overwritten, and
// last_seen_at only moves forward even when signals replay out of order.
func (s *incidentsStore) UpsertByKey(ctx context.Context, input UpsertIncidentInput) (*Incident, error) {
	key := strings.TrimSpace(input.IncidentKey)
	if key == "" {
		return nil, errors.New("incident_key is required")
	}
	observed := input.ObservedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents(incident_key, severity, status, title, summary, error_code, source_primary, tags, lawbook_version, first_seen_at, last_seen_at, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (incident_key)
		DO UPDATE SET
			severity=excluded.severity,
			title=excluded.title,
			summary=excluded.summary,
			error_code=excluded.error_code,
			source_primary=excluded.source_primary,
			tags=excluded.tags,
			last_seen_at=CASE WHEN excluded.last_seen_at > incidents.last_seen_at THEN excluded.last_seen_at ELSE incidents.last_seen_at END,
			updated_at=excluded.updated_at`,
		key, input.Severity, StatusOpen, input.Title, input.Summary, input.ErrorCode,
		strings.TrimSpace(input.SourcePrimary), tagsToJSON(normalizeTags(input.Tags)),
		nullableStr(input.LawbookVersion), observed, observed, now, now)
	if err != nil {
		return nil, err
	}
	inc, err := s.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		return nil, fmt.Errorf("incident %q missing after upsert", key)
	}
	return inc, nil
}

func (s *incidentsStore) GetByKey(ctx context.Context, incidentKey string) (*Incident, error) {
	if strings.TrimSpace(incidentKey) == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, incident_key, severity, status, title, summary, error_code, source_primary, tags, lawbook_version, first_seen_at, last_seen_at, created_at, updated_at
		FROM incidents WHERE incident_key=?`, strings.TrimSpace(incidentKey))
	return scanIncident(row)
}

func (s *incidentsStore) GetIncident(ctx context.Context, id int64) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, incident_key, severity, status, title, summary, error_code, source_primary, tags, lawbook_version, first_seen_at, last_seen_at, created_at, updated_at
		FROM incidents WHERE id=?`, id)
	return scanIncident(row)
}

func (s *incidentsStore) SetStatus(ctx context.Context, id int64, status string) (*Incident, error) {
	status = strings.ToUpper(strings.TrimSpace(status))
	switch status {
	case StatusOpen, StatusAcked, StatusMitigated, StatusClosed:
	default:
		return nil, fmt.Errorf("invalid incident status %q", status)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET status=?, updated_at=? WHERE id=? AND status!=?`,
		status, now, id, status)
	if err != nil {
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, ErrConflict
	}
	return s.GetIncident(ctx, id)
}

func (s *incidentsStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error) {
	var clauses []string
	var args []any
	if filter.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, strings.ToUpper(strings.TrimSpace(filter.Status)))
	}
	if filter.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, strings.ToUpper(strings.TrimSpace(filter.Severity)))
	}
	query := `SELECT id, incident_key, severity, status, title, summary, error_code, source_primary, tags, lawbook_version, first_seen_at, last_seen_at, created_at, updated_at FROM incidents`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY last_seen_at DESC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Incident
	for rows.Next() {
		inc, err := scanIncidentRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inc)
	}
	return res, rows.Err()
}

// AddEvidence inserts each item, falling back to the stored row when the
// content hash already exists for the incident and kind. Callers never see a
// failure for duplicate evidence.
func (s *incidentsStore) AddEvidence(ctx context.Context, items []Evidence) ([]Evidence, error) {
	out := make([]Evidence, 0, len(items))
	for _, item := range items {
		stored, err := s.addOneEvidence(ctx, item)
		if err != nil {
			return nil, err
		}
		out = append(out, *stored)
	}
	return out, nil
}

func (s *incidentsStore) addOneEvidence(ctx context.Context, item Evidence) (*Evidence, error) {
	now := time.Now().UTC()
	kind := strings.TrimSpace(item.Kind)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO incident_evidence(incident_id, kind, ref_json, sha256, created_at)
		VALUES(?,?,?,?,?)
		ON CONFLICT DO NOTHING`,
		item.IncidentID, kind, jsonOrEmpty(item.Ref), nullableStr(item.SHA256), now)
	if err != nil {
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		id, _ := res.LastInsertId()
		if id > 0 {
			item.ID = id
			item.CreatedAt = now
			item.Kind = kind
			if len(item.Ref) == 0 {
				item.Ref = json.RawMessage("{}")
			}
			return &item, nil
		}
		// Postgres does not report last-insert ids through database/sql.
		return s.getEvidenceByHash(ctx, item.IncidentID, kind, item.SHA256, true)
	}
	return s.getEvidenceByHash(ctx, item.IncidentID, kind, item.SHA256, false)
}

func (s *incidentsStore) getEvidenceByHash(ctx context.Context, incidentID int64, kind string, sha *string, newest bool) (*Evidence, error) {
	if sha == nil {
		if !newest {
			return nil, fmt.Errorf("evidence insert conflicted without a content hash")
		}
		row := s.db.QueryRowContext(ctx, `
			SELECT id, incident_id, kind, ref_json, sha256, created_at
			FROM incident_evidence WHERE incident_id=? AND kind=?
			ORDER BY id DESC LIMIT 1`, incidentID, kind)
		return scanEvidence(row)
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, incident_id, kind, ref_json, sha256, created_at
		FROM incident_evidence WHERE incident_id=? AND kind=? AND sha256=?
		ORDER BY id ASC LIMIT 1`, incidentID, kind, *sha)
	ev, err := scanEvidence(row)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, fmt.Errorf("evidence row missing after conflict for incident %d", incidentID)
	}
	return ev, nil
}

func (s *incidentsStore) ListEvidence(ctx context.Context, incidentID int64) ([]Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, incident_id, kind, ref_json, sha256, created_at
		FROM incident_evidence WHERE incident_id=? ORDER BY id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Evidence
	for rows.Next() {
		var ev Evidence
		var refRaw string
		var sha sql.NullString
		if err := rows.Scan(&ev.ID, &ev.IncidentID, &ev.Kind, &refRaw, &sha, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Ref = json.RawMessage(refRaw)
		if sha.Valid {
			val := sha.String
			ev.SHA256 = &val
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// CreateLink is idempotent per (incident_id, timeline_node_id, link_type):
// a conflicting insert returns the existing edge.
func (s *incidentsStore) CreateLink(ctx context.Context, link *Link) (*Link, error) {
	now := time.Now().UTC()
	nodeID := strings.TrimSpace(link.TimelineNodeID)
	linkType := strings.ToLower(strings.TrimSpace(link.LinkType))
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO incident_links(incident_id, timeline_node_id, link_type, created_at)
		VALUES(?,?,?,?)
		ON CONFLICT DO NOTHING`,
		link.IncidentID, nodeID, linkType, now)
	if err != nil {
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		if id, _ := res.LastInsertId(); id > 0 {
			return &Link{ID: id, IncidentID: link.IncidentID, TimelineNodeID: nodeID, LinkType: linkType, CreatedAt: now}, nil
		}
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, incident_id, timeline_node_id, link_type, created_at
		FROM incident_links WHERE incident_id=? AND timeline_node_id=? AND link_type=?`,
		link.IncidentID, nodeID, linkType)
	var existing Link
	if err := row.Scan(&existing.ID, &existing.IncidentID, &existing.TimelineNodeID, &existing.LinkType, &existing.CreatedAt); err != nil {
		return nil, err
	}
	return &existing, nil
}

func (s *incidentsStore) ListLinks(ctx context.Context, incidentID int64) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, incident_id, timeline_node_id, link_type, created_at
		FROM incident_links WHERE incident_id=? ORDER BY created_at DESC, id DESC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.ID, &l.IncidentID, &l.TimelineNodeID, &l.LinkType, &l.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (s *incidentsStore) AddEvent(ctx context.Context, ev *Event) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO incident_events(incident_id, event_type, payload_json, created_at)
		VALUES(?,?,?,?)`,
		ev.IncidentID, strings.TrimSpace(ev.EventType), jsonOrEmpty(ev.Payload), now)
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	ev.ID = id
	ev.CreatedAt = now
	return id, nil
}

func (s *incidentsStore) ListEvents(ctx context.Context, incidentID int64, limit int) ([]Event, error) {
	query := `
		SELECT id, incident_id, event_type, payload_json, created_at
		FROM incident_events WHERE incident_id=? ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var ev Event
		var payloadRaw string
		if err := rows.Scan(&ev.ID, &ev.IncidentID, &ev.EventType, &payloadRaw, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = json.RawMessage(payloadRaw)
		res = append(res, ev)
	}
	return res, rows.Err()
}

func (s *incidentsStore) DeleteEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM incident_events WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}

func scanIncident(row *sql.Row) (*Incident, error) {
	var inc Incident
	var tagsRaw string
	var lawbook sql.NullString
	if err := row.Scan(&inc.ID, &inc.IncidentKey, &inc.Severity, &inc.Status, &inc.Title, &inc.Summary, &inc.ErrorCode, &inc.SourcePrimary, &tagsRaw, &lawbook, &inc.FirstSeenAt, &inc.LastSeenAt, &inc.CreatedAt, &inc.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if lawbook.Valid {
		val := lawbook.String
		inc.LawbookVersion = &val
	}
	_ = json.Unmarshal([]byte(tagsRaw), &inc.Tags)
	return &inc, nil
}

func scanIncidentRow(rows *sql.Rows) (Incident, error) {
	var inc Incident
	var tagsRaw string
	var lawbook sql.NullString
	if err := rows.Scan(&inc.ID, &inc.IncidentKey, &inc.Severity, &inc.Status, &inc.Title, &inc.Summary, &inc.ErrorCode, &inc.SourcePrimary, &tagsRaw, &lawbook, &inc.FirstSeenAt, &inc.LastSeenAt, &inc.CreatedAt, &inc.UpdatedAt); err != nil {
		return inc, err
	}
	if lawbook.Valid {
		val := lawbook.String
		inc.LawbookVersion = &val
	}
	_ = json.Unmarshal([]byte(tagsRaw), &inc.Tags)
	return inc, nil
}

func scanEvidence(row *sql.Row) (*Evidence, error) {
	var ev Evidence
	var refRaw string
	var sha sql.NullString
	if err := row.Scan(&ev.ID, &ev.IncidentID, &ev.Kind, &refRaw, &sha, &ev.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	ev.Ref = json.RawMessage(refRaw)
	if sha.Valid {
		val := sha.String
		ev.SHA256 = &val
	}
	return &ev, nil
}
