package metrics

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"awgctl/internal/errors"
	"awgctl/internal/model"
)

// SQLiteStore persists stat samples. Rows are only ever inserted.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the sample database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "open stats db")
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindInternal, "init stats schema")
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS stat_samples (
		seq INTEGER NOT NULL,
		public_key TEXT NOT NULL,
		ts_ms INTEGER NOT NULL, -- unix milliseconds
		epoch INTEGER NOT NULL,
		rx_bytes INTEGER NOT NULL,
		tx_bytes INTEGER NOT NULL,
		rx_delta INTEGER NOT NULL,
		tx_delta INTEGER NOT NULL,
		PRIMARY KEY (seq, public_key)
	);
	CREATE INDEX IF NOT EXISTS idx_stat_samples_peer_ts ON stat_samples(public_key, ts_ms);
	CREATE INDEX IF NOT EXISTS idx_stat_samples_ts ON stat_samples(ts_ms);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append inserts one tick's samples in a single transaction.
func (s *SQLiteStore) Append(ctx context.Context, samples []model.StatSample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "begin samples tx")
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO stat_samples (seq, public_key, ts_ms, epoch, rx_bytes, tx_bytes, rx_delta, tx_delta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, errors.KindInternal, "prepare samples insert")
	}
	defer stmt.Close()

	for _, sm := range samples {
		_, err := stmt.ExecContext(ctx,
			sm.Seq,
			sm.PublicKey,
			sm.Timestamp.UnixMilli(),
			sm.Epoch,
			int64(sm.RxBytes),
			int64(sm.TxBytes),
			int64(sm.RxDelta),
			int64(sm.TxDelta),
		)
		if err != nil {
			tx.Rollback()
			return errors.Wrap(err, errors.KindInternal, "insert sample")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.KindInternal, "commit samples")
	}
	return nil
}

// LastSamples returns the newest sample of every peer ever recorded.
func (s *SQLiteStore) LastSamples(ctx context.Context) (map[string]model.StatSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, public_key, ts_ms, epoch, rx_bytes, tx_bytes, rx_delta, tx_delta
		FROM stat_samples s
		WHERE seq = (SELECT MAX(seq) FROM stat_samples WHERE public_key = s.public_key)
	`)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "query last samples")
	}
	defer rows.Close()

	out := map[string]model.StatSample{}
	for rows.Next() {
		sm, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out[sm.PublicKey] = sm
	}
	return out, rows.Err()
}

// MaxSeq returns the highest sequence number stored, or 0.
func (s *SQLiteStore) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM stat_samples`).Scan(&seq); err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "query max seq")
	}
	return seq.Int64, nil
}

// Samples returns samples at or after since in sequence order. An empty
// publicKey selects every peer.
func (s *SQLiteStore) Samples(ctx context.Context, publicKey string, since time.Time) ([]model.StatSample, error) {
	query := `
		SELECT seq, public_key, ts_ms, epoch, rx_bytes, tx_bytes, rx_delta, tx_delta
		FROM stat_samples
		WHERE ts_ms >= ?
	`
	args := []any{since.UnixMilli()}
	if publicKey != "" {
		query += " AND public_key = ?"
		args = append(args, publicKey)
	}
	query += " ORDER BY seq ASC, public_key ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "query samples")
	}
	defer rows.Close()

	var out []model.StatSample
	for rows.Next() {
		sm, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// Total is the traffic attributed to one peer over a window.
type Total struct {
	PublicKey string `json:"public_key"`
	Received  uint64 `json:"received"`
	Sent      uint64 `json:"sent"`
	Samples   int    `json:"samples"`
}

// Totals sums deltas per peer since the given time, busiest peer first.
func (s *SQLiteStore) Totals(ctx context.Context, since time.Time) ([]Total, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT public_key, SUM(rx_delta), SUM(tx_delta), COUNT(*)
		FROM stat_samples
		WHERE ts_ms >= ?
		GROUP BY public_key
		ORDER BY SUM(rx_delta) + SUM(tx_delta) DESC, public_key ASC
	`, since.UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "query totals")
	}
	defer rows.Close()

	var out []Total
	for rows.Next() {
		var t Total
		var rx, tx int64
		if err := rows.Scan(&t.PublicKey, &rx, &tx, &t.Samples); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "scan total")
		}
		t.Received, t.Sent = uint64(rx), uint64(tx)
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSample(row scanner) (model.StatSample, error) {
	var sm model.StatSample
	var ts, rx, tx, rxd, txd int64
	if err := row.Scan(&sm.Seq, &sm.PublicKey, &ts, &sm.Epoch, &rx, &tx, &rxd, &txd); err != nil {
		return model.StatSample{}, errors.Wrap(err, errors.KindInternal, "scan sample")
	}
	sm.Timestamp = time.UnixMilli(ts).UTC()
	sm.RxBytes, sm.TxBytes = uint64(rx), uint64(tx)
	sm.RxDelta, sm.TxDelta = uint64(rxd), uint64(txd)
	return sm, nil
}
