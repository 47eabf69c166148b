package store

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

type AuditEntry struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditStore interface {
	Log(ctx context.Context, username, action, details string) error
	List(ctx context.Context, action string, limit int) ([]AuditEntry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

type auditStore struct {
	db *sql.DB
}

func NewAuditStore(db *sql.DB) AuditStore {
	return &auditStore{db: db}
}

func (s *auditStore) Log(ctx context.Context, username, action, details string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log(username, action, details, created_at)
		VALUES(?,?,?,?)`,
		strings.TrimSpace(username), strings.TrimSpace(action), details, time.Now().UTC())
	return err
}

func (s *auditStore) List(ctx context.Context, action string, limit int) ([]AuditEntry, error) {
	query := `SELECT id, username, action, COALESCE(details, ''), created_at FROM audit_log`
	var args []any
	if strings.TrimSpace(action) != "" {
		query += " WHERE action=?"
		args = append(args, strings.TrimSpace(action))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Username, &e.Action, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (s *auditStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}
