package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/WedSync/sync-engine/pkg/conflict"
)

// PostgresStore backs server-side deployments where many engine instances
// share one queue. Same contract as SQLiteStore; native timestamps and
// BIGSERIAL seq instead of text columns.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the queue tables. Server deployments run migrations
// deliberately, so this is not called from the constructor.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS sync_actions (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		op TEXT NOT NULL,
		entity TEXT NOT NULL,
		payload JSONB NOT NULL,
		payload_version TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		strategy TEXT NOT NULL,
		enqueued_at TIMESTAMPTZ NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TIMESTAMPTZ,
		status TEXT NOT NULL DEFAULT 'PENDING',
		remote JSONB
	);
	CREATE INDEX IF NOT EXISTS idx_sync_actions_status_seq ON sync_actions(status, seq);
	CREATE INDEX IF NOT EXISTS idx_sync_actions_entity ON sync_actions(entity);
	CREATE TABLE IF NOT EXISTS sync_dead_letters (
		id TEXT PRIMARY KEY,
		seq BIGINT NOT NULL,
		op TEXT NOT NULL,
		entity TEXT NOT NULL,
		payload JSONB NOT NULL,
		payload_version TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		strategy TEXT NOT NULL,
		enqueued_at TIMESTAMPTZ NOT NULL,
		attempts INTEGER NOT NULL,
		reason TEXT NOT NULL,
		dead_at TIMESTAMPTZ NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate queue schema: %w", err)
	}
	return nil
}

const pgActionColumns = `seq, id, op, entity, payload, payload_version, endpoint, strategy, enqueued_at, attempts, last_attempt_at, status, remote`

func (s *PostgresStore) Enqueue(ctx context.Context, a *Action) error {
	query := `
	INSERT INTO sync_actions (id, op, entity, payload, payload_version, endpoint, strategy, enqueued_at, attempts, status)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 'PENDING')
	RETURNING seq`
	err := s.db.QueryRowContext(ctx, query,
		a.ID, a.Op, a.Entity, string(a.Payload), a.PayloadVersion, a.Endpoint,
		a.Strategy.String(), a.EnqueuedAt.UTC(),
	).Scan(&a.Seq)
	if err != nil {
		return fmt.Errorf("enqueue action %s: %w", a.ID, err)
	}
	a.Status = StatusPending
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Action, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgActionColumns+` FROM sync_actions WHERE id = $1`, id)
	a, err := scanPGAction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *PostgresStore) Pending(ctx context.Context, limit int) ([]*Action, error) {
	query := `SELECT ` + pgActionColumns + ` FROM sync_actions WHERE status = 'PENDING' ORDER BY seq ASC`
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, query+` LIMIT $1`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, err
	}
	return collectPGActions(rows)
}

func (s *PostgresStore) Conflicted(ctx context.Context) ([]*Action, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgActionColumns+` FROM sync_actions WHERE status = 'CONFLICTED' ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	return collectPGActions(rows)
}

func (s *PostgresStore) Claim(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_actions SET status = 'IN_FLIGHT', last_attempt_at = $1 WHERE id = $2 AND status = 'PENDING'`,
		at.UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_actions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) Fail(ctx context.Context, id string, at time.Time) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`UPDATE sync_actions SET status = 'PENDING', attempts = attempts + 1, last_attempt_at = $1
		 WHERE id = $2 RETURNING attempts`,
		at.UTC(), id).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

func (s *PostgresStore) Release(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_actions SET status = 'PENDING' WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) MarkConflicted(ctx context.Context, id string, remote json.RawMessage, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_actions SET status = 'CONFLICTED', remote = $1, last_attempt_at = $2 WHERE id = $3`,
		string(remote), at.UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) Resubmit(ctx context.Context, id string, payload json.RawMessage, strategy conflict.Strategy) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_actions SET payload = $1, strategy = $2, status = 'PENDING', attempts = 0, remote = NULL
		 WHERE id = $3 AND status = 'CONFLICTED'`,
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

func (s *PostgresStore) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_actions WHERE id = $1 AND status = 'PENDING'`, id)
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

func (s *PostgresStore) RequeueStaleInFlight(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_actions SET status = 'PENDING' WHERE status = 'IN_FLIGHT' AND last_attempt_at < $1`,
		cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) DeadLetter(ctx context.Context, id, reason string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := `
	INSERT INTO sync_dead_letters (id, seq, op, entity, payload, payload_version, endpoint, strategy, enqueued_at, attempts, reason, dead_at)
	SELECT id, seq, op, entity, payload, payload_version, endpoint, strategy, enqueued_at, attempts, $1, $2
	FROM sync_actions WHERE id = $3`
	res, err := tx.ExecContext(ctx, query, reason, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", id, err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_actions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("dead-letter %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *PostgresStore) DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	query := `
	SELECT id, seq, op, entity, payload, payload_version, endpoint, strategy, enqueued_at, attempts, reason, dead_at
	FROM sync_dead_letters ORDER BY dead_at DESC`
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, query+` LIMIT $1`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*DeadLetter
	for rows.Next() {
		var (
			dl       DeadLetter
			payload  []byte
			strategy string
		)
		if err := rows.Scan(&dl.ID, &dl.Seq, &dl.Op, &dl.Entity, &payload, &dl.PayloadVersion,
			&dl.Endpoint, &strategy, &dl.EnqueuedAt, &dl.Attempts, &dl.Reason, &dl.DeadAt); err != nil {
			return nil, err
		}
		st, err := conflict.ParseStrategy(strategy)
		if err != nil {
			return nil, fmt.Errorf("corrupt strategy %q in dead letter %s: %w", strategy, dl.ID, err)
		}
		dl.Strategy = st
		dl.Payload = json.RawMessage(payload)
		dl.Status = StatusDead
		out = append(out, &dl)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) RequeueDead(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := `
	INSERT INTO sync_actions (id, op, entity, payload, payload_version, endpoint, strategy, enqueued_at, attempts, status)
	SELECT id, op, entity, payload, payload_version, endpoint, strategy, enqueued_at, 0, 'PENDING'
	FROM sync_dead_letters WHERE id = $1`
	res, err := tx.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("requeue dead letter %s: %w", id, err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_dead_letters WHERE id = $1`, id); err != nil {
		return fmt.Errorf("requeue dead letter %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *PostgresStore) Size(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_actions`).Scan(&n)
	return n, err
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
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

func scanPGAction(row rowScanner) (*Action, error) {
	var (
		a             Action
		payload       []byte
		strategy      string
		lastAttemptAt sql.NullTime
		status        string
		remote        []byte
	)
	err := row.Scan(&a.Seq, &a.ID, &a.Op, &a.Entity, &payload, &a.PayloadVersion,
		&a.Endpoint, &strategy, &a.EnqueuedAt, &a.Attempts, &lastAttemptAt, &status, &remote)
	if err != nil {
		return nil, err
	}
	st, err := conflict.ParseStrategy(strategy)
	if err != nil {
		return nil, fmt.Errorf("corrupt strategy %q in action %s: %w", strategy, a.ID, err)
	}
	a.Strategy = st
	a.Payload = json.RawMessage(payload)
	if lastAttemptAt.Valid {
		a.LastAttemptAt = lastAttemptAt.Time
	}
	a.Status = Status(status)
	if len(remote) > 0 {
		a.Remote = json.RawMessage(remote)
	}
	return &a, nil
}

func collectPGActions(rows *sql.Rows) ([]*Action, error) {
	defer func() { _ = rows.Close() }()
	var out []*Action
	for rows.Next() {
		a, err := scanPGAction(rows)
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
