package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/WedSync/sync-engine/pkg/conflict"
)

// SQLiteStore is the device-local durable queue. The driver is pure Go, so
// it works wherever the engine is embedded without cgo.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the schema if needed and returns the store. The
// caller owns db and its lifetime.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS sync_actions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		op TEXT NOT NULL,
		entity TEXT NOT NULL,
		payload TEXT NOT NULL,
		payload_version TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		strategy TEXT NOT NULL,
		enqueued_at TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TEXT,
		status TEXT NOT NULL DEFAULT 'PENDING',
		remote TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sync_actions_status_seq ON sync_actions(status, seq);
	CREATE INDEX IF NOT EXISTS idx_sync_actions_entity ON sync_actions(entity);
	CREATE TABLE IF NOT EXISTS sync_dead_letters (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		op TEXT NOT NULL,
		entity TEXT NOT NULL,
		payload TEXT NOT NULL,
		payload_version TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		strategy TEXT NOT NULL,
		enqueued_at TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		reason TEXT NOT NULL,
		dead_at TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const sqliteActionColumns = `seq, id, op, entity, payload, payload_version, endpoint, strategy, enqueued_at, attempts, last_attempt_at, status, remote`

func (s *SQLiteStore) Enqueue(ctx context.Context, a *Action) error {
	query := `
	INSERT INTO sync_actions (id, op, entity, payload, payload_version, endpoint, strategy, enqueued_at, attempts, status)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 'PENDING')`
	res, err := s.db.ExecContext(ctx, query,
		a.ID, a.Op, a.Entity, string(a.Payload), a.PayloadVersion, a.Endpoint,
		a.Strategy.String(), a.EnqueuedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("enqueue action %s: %w", a.ID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("enqueue action %s: read seq: %w", a.ID, err)
	}
	a.Seq = seq
	a.Status = StatusPending
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Action, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteActionColumns+` FROM sync_actions WHERE id = ?`, id)
	a, err := scanSQLiteAction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *SQLiteStore) Pending(ctx context.Context, limit int) ([]*Action, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteActionColumns+` FROM sync_actions WHERE status = 'PENDING' ORDER BY seq ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return collectSQLiteActions(rows)
}

func (s *SQLiteStore) Conflicted(ctx context.Context) ([]*Action, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteActionColumns+` FROM sync_actions WHERE status = 'CONFLICTED' ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	return collectSQLiteActions(rows)
}

func (s *SQLiteStore) Claim(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_actions SET status = 'IN_FLIGHT', last_attempt_at = ? WHERE id = ? AND status = 'PENDING'`,
		at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_actions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) Fail(ctx context.Context, id string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_actions SET status = 'PENDING', attempts = attempts + 1, last_attempt_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return 0, err
	}
	if err := requireRow(res); err != nil {
		return 0, err
	}
	var attempts int
	if err := s.db.QueryRowContext(ctx, `SELECT attempts FROM sync_actions WHERE id = ?`, id).Scan(&attempts); err != nil {
		return 0, err
	}
	return attempts, nil
}

func (s *SQLiteStore) Release(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_actions SET status = 'PENDING' WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) MarkConflicted(ctx context.Context, id string, remote json.RawMessage, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_actions SET status = 'CONFLICTED', remote = ?, last_attempt_at = ? WHERE id = ?`,
		string(remote), at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) Resubmit(ctx context.Context, id string, payload json.RawMessage, strategy conflict.Strategy) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_actions SET payload = ?, strategy = ?, status = 'PENDING', attempts = 0, remote = NULL
		 WHERE id = ? AND status = 'CONFLICTED'`,
		string(payload), strategy.String(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotConflicted
	}
	return nil
}

func (s *SQLiteStore) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_actions WHERE id = ? AND status = 'PENDING'`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotPending
	}
	return nil
}

func (s *SQLiteStore) RequeueStaleInFlight(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_actions SET status = 'PENDING' WHERE status = 'IN_FLIGHT' AND last_attempt_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) DeadLetter(ctx context.Context, id, reason string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := `
	INSERT INTO sync_dead_letters (id, seq, op, entity, payload, payload_version, endpoint, strategy, enqueued_at, attempts, reason, dead_at)
	SELECT id, seq, op, entity, payload, payload_version, endpoint, strategy, enqueued_at, attempts, ?, ?
	FROM sync_actions WHERE id = ?`
	res, err := tx.ExecContext(ctx, query, reason, at.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", id, err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_actions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("dead-letter %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, seq, op, entity, payload, payload_version, endpoint, strategy, enqueued_at, attempts, reason, dead_at
	FROM sync_dead_letters ORDER BY dead_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*DeadLetter
	for rows.Next() {
		var (
			dl         DeadLetter
			payload    string
			strategy   string
			enqueuedAt string
			deadAt     string
		)
		if err := rows.Scan(&dl.ID, &dl.Seq, &dl.Op, &dl.Entity, &payload, &dl.PayloadVersion,
			&dl.Endpoint, &strategy, &enqueuedAt, &dl.Attempts, &dl.Reason, &deadAt); err != nil {
			return nil, err
		}
		st, err := conflict.ParseStrategy(strategy)
		if err != nil {
			return nil, fmt.Errorf("corrupt strategy %q in dead letter %s: %w", strategy, dl.ID, err)
		}
		dl.Strategy = st
		dl.Payload = json.RawMessage(payload)
		dl.EnqueuedAt = parseQueueTime(enqueuedAt)
		dl.DeadAt = parseQueueTime(deadAt)
		dl.Status = StatusDead
		out = append(out, &dl)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) RequeueDead(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// A requeued dead letter gets a fresh seq: its original slot is gone
	// and per-entity order now places it after everything queued since.
	query := `
	INSERT INTO sync_actions (id, op, entity, payload, payload_version, endpoint, strategy, enqueued_at, attempts, status)
	SELECT id, op, entity, payload, payload_version, endpoint, strategy, enqueued_at, 0, 'PENDING'
	FROM sync_dead_letters WHERE id = ?`
	res, err := tx.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("requeue dead letter %s: %w", id, err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_dead_letters WHERE id = ?`, id); err != nil {
		return fmt.Errorf("requeue dead letter %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Size(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_actions`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_actions GROUP BY status`)
	if err != nil {
		return Stats{}, err
	}
	defer func() { _ = rows.Close() }()

	var st Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		switch Status(status) {
		case StatusPending:
			st.Pending = n
		case StatusInFlight:
			st.InFlight = n
		case StatusConflicted:
			st.Conflicted = n
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_dead_letters`).Scan(&st.Dead); err != nil {
		return Stats{}, err
	}
	return st, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAction(row rowScanner) (*Action, error) {
	var (
		a             Action
		payload       string
		strategy      string
		enqueuedAt    string
		lastAttemptAt sql.NullString
		status        string
		remote        sql.NullString
	)
	err := row.Scan(&a.Seq, &a.ID, &a.Op, &a.Entity, &payload, &a.PayloadVersion,
		&a.Endpoint, &strategy, &enqueuedAt, &a.Attempts, &lastAttemptAt, &status, &remote)
	if err != nil {
		return nil, err
	}
	st, err := conflict.ParseStrategy(strategy)
	if err != nil {
		return nil, fmt.Errorf("corrupt strategy %q in action %s: %w", strategy, a.ID, err)
	}
	a.Strategy = st
	a.Payload = json.RawMessage(payload)
	a.EnqueuedAt = parseQueueTime(enqueuedAt)
	if lastAttemptAt.Valid {
		a.LastAttemptAt = parseQueueTime(lastAttemptAt.String)
	}
	a.Status = Status(status)
	if remote.Valid && remote.String != "" {
		a.Remote = json.RawMessage(remote.String)
	}
	return &a, nil
}

func collectSQLiteActions(rows *sql.Rows) ([]*Action, error) {
	defer func() { _ = rows.Close() }()
	var out []*Action
	for rows.Next() {
		a, err := scanSQLiteAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseQueueTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
