package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

const (
	RunStatusPlanned   = "PLANNED"
	RunStatusRunning   = "RUNNING"
	RunStatusSucceeded = "SUCCEEDED"
	RunStatusFailed    = "FAILED"
	RunStatusSkipped   = "SKIPPED"

	StepStatusSucceeded = "SUCCEEDED"
	StepStatusFailed    = "FAILED"
)

// RemediationRun is one attempt to execute a playbook against an incident.
// run_key is the idempotency boundary: at most one non-skipped run may hold
// a given key, enforced by a partial unique index.
type RemediationRun struct {
	ID              int64           `json:"id"`
	RunUID          string          `json:"run_uid"`
	RunKey          string          `json:"run_key"`
	IncidentID      int64           `json:"incident_id"`
	PlaybookID      string          `json:"playbook_id"`
	PlaybookVersion string          `json:"playbook_version"`
	Status          string          `json:"status"`
	SkipReason      string          `json:"skip_reason,omitempty"`
	LawbookVersion  *string         `json:"lawbook_version,omitempty"`
	InputsHash      string          `json:"inputs_hash"`
	Planned         json.RawMessage `json:"planned_json"`
	Result          json.RawMessage `json:"result_json"`
	ErrorCode       string          `json:"error_code,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// RemediationStep records one executed step of a run, with the idempotency
// key the step computed for itself.
type RemediationStep struct {
	ID             int64           `json:"id"`
	StepUID        string          `json:"step_uid"`
	RunID          int64           `json:"run_id"`
	Position       int             `json:"position"`
	StepID         string          `json:"step_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         string          `json:"status"`
	Output         json.RawMessage `json:"output_json"`
	ErrorCode      string          `json:"error_code,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
}

type RunsStore interface {
	// CreateRun inserts the run unless another non-skipped run already holds
	// its run_key; in that case it returns (false, nil) and the caller must
	// re-read via GetRunByKey. Skipped runs never contend for the key.
	CreateRun(ctx context.Context, run *RemediationRun) (bool, error)
	GetRun(ctx context.Context, id int64) (*RemediationRun, error)
	GetRunByKey(ctx context.Context, runKey string) (*RemediationRun, error)
	UpdateRunStatus(ctx context.Context, id int64, status string, result json.RawMessage, errorCode, errorMessage string) error
	ListRuns(ctx context.Context, incidentID int64) ([]RemediationRun, error)

	AddStep(ctx context.Context, step *RemediationStep) (int64, error)
	ListSteps(ctx context.Context, runID int64) ([]RemediationStep, error)
}

type runsStore struct {
	db *sql.DB
}

func NewRunsStore(db *sql.DB) RunsStore {
	return &runsStore{db: db}
}

func (s *runsStore) CreateRun(ctx context.Context, run *RemediationRun) (bool, error) {
	if strings.TrimSpace(run.RunKey) == "" {
		return false, errors.New("run_key is required")
	}
	if run.Status == "" {
		run.Status = RunStatusPlanned
	}
	if run.RunUID == "" {
		run.RunUID = uuid.Must(uuid.NewV4()).String()
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO remediation_runs(run_uid, run_key, incident_id, playbook_id, playbook_version, status, skip_reason, lawbook_version, inputs_hash, planned_json, result_json, error_code, error_message, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT DO NOTHING`,
		run.RunUID, run.RunKey, run.IncidentID, run.PlaybookID, run.PlaybookVersion,
		run.Status, run.SkipReason, nullableStr(run.LawbookVersion), run.InputsHash,
		jsonOrEmpty(run.Planned), jsonOrEmpty(run.Result), run.ErrorCode, run.ErrorMessage, now, now)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return false, nil
	}
	if id, _ := res.LastInsertId(); id > 0 {
		run.ID = id
	} else if stored, err := s.GetRunByKey(ctx, run.RunKey); err == nil && stored != nil {
		run.ID = stored.ID
	}
	run.CreatedAt = now
	run.UpdatedAt = now
	return true, nil
}

func (s *runsStore) GetRun(ctx context.Context, id int64) (*RemediationRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_uid, run_key, incident_id, playbook_id, playbook_version, status, skip_reason, lawbook_version, inputs_hash, planned_json, result_json, error_code, error_message, created_at, updated_at
		FROM remediation_runs WHERE id=?`, id)
	return scanRun(row)
}

// GetRunByKey resolves the single non-skipped run holding the key.
func (s *runsStore) GetRunByKey(ctx context.Context, runKey string) (*RemediationRun, error) {
	if strings.TrimSpace(runKey) == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_uid, run_key, incident_id, playbook_id, playbook_version, status, skip_reason, lawbook_version, inputs_hash, planned_json, result_json, error_code, error_message, created_at, updated_at
		FROM remediation_runs WHERE run_key=? AND status!=? ORDER BY id ASC LIMIT 1`,
		strings.TrimSpace(runKey), RunStatusSkipped)
	return scanRun(row)
}

func (s *runsStore) UpdateRunStatus(ctx context.Context, id int64, status string, result json.RawMessage, errorCode, errorMessage string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE remediation_runs SET status=?, result_json=?, error_code=?, error_message=?, updated_at=?
		WHERE id=?`,
		status, jsonOrEmpty(result), errorCode, errorMessage, now, id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *runsStore) ListRuns(ctx context.Context, incidentID int64) ([]RemediationRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_uid, run_key, incident_id, playbook_id, playbook_version, status, skip_reason, lawbook_version, inputs_hash, planned_json, result_json, error_code, error_message, created_at, updated_at
		FROM remediation_runs WHERE incident_id=? ORDER BY created_at DESC, id DESC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []RemediationRun
	for rows.Next() {
		run, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (s *runsStore) AddStep(ctx context.Context, step *RemediationStep) (int64, error) {
	if step.StepUID == "" {
		step.StepUID = uuid.Must(uuid.NewV4()).String()
	}
	if step.StartedAt.IsZero() {
		step.StartedAt = time.Now().UTC()
	}
	if step.FinishedAt.IsZero() {
		step.FinishedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO remediation_steps(step_uid, run_id, position, step_id, idempotency_key, status, output_json, error_code, error_message, started_at, finished_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		step.StepUID, step.RunID, step.Position, step.StepID, step.IdempotencyKey,
		step.Status, jsonOrEmpty(step.Output), step.ErrorCode, step.ErrorMessage,
		step.StartedAt.UTC(), step.FinishedAt.UTC())
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	step.ID = id
	return id, nil
}

func (s *runsStore) ListSteps(ctx context.Context, runID int64) ([]RemediationStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, step_uid, run_id, position, step_id, idempotency_key, status, output_json, error_code, error_message, started_at, finished_at
		FROM remediation_steps WHERE run_id=? ORDER BY position ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []RemediationStep
	for rows.Next() {
		var st RemediationStep
		var outputRaw string
		if err := rows.Scan(&st.ID, &st.StepUID, &st.RunID, &st.Position, &st.StepID, &st.IdempotencyKey, &st.Status, &outputRaw, &st.ErrorCode, &st.ErrorMessage, &st.StartedAt, &st.FinishedAt); err != nil {
			return nil, err
		}
		st.Output = json.RawMessage(outputRaw)
		res = append(res, st)
	}
	return res, rows.Err()
}

func scanRun(row *sql.Row) (*RemediationRun, error) {
	run, err := scanRunFrom(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return run, nil
}

func scanRunRow(rows *sql.Rows) (RemediationRun, error) {
	run, err := scanRunFrom(rows.Scan)
	if err != nil {
		return RemediationRun{}, err
	}
	return *run, nil
}

func scanRunFrom(scan func(dest ...any) error) (*RemediationRun, error) {
	var run RemediationRun
	var lawbook sql.NullString
	var plannedRaw, resultRaw string
	if err := scan(&run.ID, &run.RunUID, &run.RunKey, &run.IncidentID, &run.PlaybookID, &run.PlaybookVersion, &run.Status, &run.SkipReason, &lawbook, &run.InputsHash, &plannedRaw, &resultRaw, &run.ErrorCode, &run.ErrorMessage, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	if lawbook.Valid {
		val := lawbook.String
		run.LawbookVersion = &val
	}
	run.Planned = json.RawMessage(plannedRaw)
	run.Result = json.RawMessage(resultRaw)
	return &run, nil
}
