package audit

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"awgctl/internal/errors"
	"awgctl/internal/model"
)

// Store is an append-only audit log in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the audit database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "open audit db")
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindInternal, "init audit schema")
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		ts_ms INTEGER NOT NULL,
		principal TEXT NOT NULL,
		action TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts_ms);
	CREATE INDEX IF NOT EXISTS idx_audit_log_principal ON audit_log(principal, ts_ms);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Write appends one entry.
func (s *Store) Write(ctx context.Context, e model.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, ts_ms, principal, action, outcome, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UnixMilli(), e.Principal, e.Action, e.Outcome, e.Detail,
	)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "write audit entry")
	}
	return nil
}

// List returns the newest entries first. An empty principal matches all.
func (s *Store) List(ctx context.Context, principal string, limit int) ([]model.AuditEntry, error) {
	query := `SELECT id, ts_ms, principal, action, outcome, detail FROM audit_log`
	var args []any
	if principal != "" {
		query += " WHERE principal = ?"
		args = append(args, principal)
	}
	query += " ORDER BY ts_ms DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "query audit log")
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.Principal, &e.Action, &e.Outcome, &e.Detail); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "scan audit entry")
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
