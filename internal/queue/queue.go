// Package queue is the durable, prioritized ops queue layered on the index
// database (package index). It shares the same [*sql.DB] handle rather than
// opening a second connection, since both packages address the same file
// and migrations table.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/njoerd114/yadiskd/internal/model"
	"github.com/njoerd114/yadiskd/internal/synerr"
)

// DefaultMaxOpDuration bounds how long a claim may be held before it is
// eligible for re-pop by another worker (crash recovery).
const DefaultMaxOpDuration = 30 * time.Minute

// Queue is the ops-queue API over a shared index database handle.
type Queue struct {
	db            *sql.DB
	maxOpDuration time.Duration
}

// New wraps db (obtained from [index.Store.DB]) with ops-queue operations.
func New(db *sql.DB) *Queue {
	return &Queue{db: db, maxOpDuration: DefaultMaxOpDuration}
}

// WithMaxOpDuration overrides the default claim lease length.
func (q *Queue) WithMaxOpDuration(d time.Duration) *Queue {
	q.maxOpDuration = d
	return q
}

// Enqueue inserts a new op, or coalesces into an existing (kind,path) row by
// keeping the lower attempt and the max priority and resetting retry_at to
// now. UNIQUE(kind,path) is the dedupe key.
func (q *Queue) Enqueue(ctx context.Context, kind model.OpKind, path, payload string, priority int) error {
	const stmt = `
		INSERT INTO ops_queue (kind, path, payload, attempt, retry_at, priority)
		VALUES (?, ?, ?, 0, NULL, ?)
		ON CONFLICT(kind, path) DO UPDATE SET
		    payload  = excluded.payload,
		    attempt  = MIN(ops_queue.attempt, excluded.attempt),
		    priority = MAX(ops_queue.priority, excluded.priority),
		    retry_at = NULL`
	_, err := q.db.ExecContext(ctx, stmt, string(kind), path, payload, priority)
	if err != nil {
		return synerr.New(synerr.Storage, fmt.Errorf("enqueueing %s %q: %w", kind, path, err))
	}
	return nil
}

// PopReady claims up to limit ready rows (retry_at IS NULL OR retry_at <=
// now), ordered by (priority DESC, retry_at ASC NULLS FIRST, id ASC), and
// stamps them with a lease (retry_at = now + maxOpDuration) so no other
// caller can claim the same row concurrently. The caller commits the
// outcome via [Queue.Complete], [Queue.Reschedule], or [Queue.FailPermanent].
func (q *Queue) PopReady(ctx context.Context, now time.Time, limit int) ([]model.OpsQueueEntry, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, synerr.New(synerr.Storage, err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, kind, path, payload, attempt, retry_at, priority
		FROM ops_queue
		WHERE retry_at IS NULL OR retry_at <= ?
		ORDER BY priority DESC, (retry_at IS NOT NULL), retry_at ASC, id ASC
		LIMIT ?`, formatTime(now), limit)
	if err != nil {
		return nil, synerr.New(synerr.Storage, fmt.Errorf("selecting ready ops: %w", err))
	}

	var entries []model.OpsQueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, synerr.New(synerr.Storage, err)
	}
	_ = rows.Close()

	lease := formatTime(now.Add(q.maxOpDuration))
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `UPDATE ops_queue SET retry_at = ? WHERE id = ?`, lease, e.ID); err != nil {
			return nil, synerr.New(synerr.Storage, fmt.Errorf("claiming op %d: %w", e.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, synerr.New(synerr.Storage, err)
	}
	return entries, nil
}

// Complete deletes the row on terminal success.
func (q *Queue) Complete(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM ops_queue WHERE id = ?`, id)
	if err != nil {
		return synerr.New(synerr.Storage, fmt.Errorf("completing op %d: %w", id, err))
	}
	return nil
}

// Reschedule bumps attempt and sets retry_at to the caller-supplied backoff
// deadline.
func (q *Queue) Reschedule(ctx context.Context, id int64, attempt int, retryAt time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE ops_queue SET attempt = ?, retry_at = ? WHERE id = ?`,
		attempt, formatTime(retryAt), id,
	)
	if err != nil {
		return synerr.New(synerr.Storage, fmt.Errorf("rescheduling op %d: %w", id, err))
	}
	return nil
}

// FailPermanent removes the row; the caller is responsible for recording
// last_error on the item's state.
func (q *Queue) FailPermanent(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM ops_queue WHERE id = ?`, id)
	if err != nil {
		return synerr.New(synerr.Storage, fmt.Errorf("failing op %d permanently: %w", id, err))
	}
	return nil
}

// DropByPath removes every queued op for path, used on tombstones.
func (q *Queue) DropByPath(ctx context.Context, path string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM ops_queue WHERE path = ?`, path)
	if err != nil {
		return synerr.New(synerr.Storage, fmt.Errorf("dropping ops for %q: %w", path, err))
	}
	return nil
}

// CountByKindAndPath returns how many rows match (kind,path) — used by tests
// asserting that enqueues coalesce rather than pile up.
func (q *Queue) CountByKindAndPath(ctx context.Context, kind model.OpKind, path string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ops_queue WHERE kind = ? AND path = ?`, string(kind), path,
	).Scan(&n)
	if err != nil {
		return 0, synerr.New(synerr.Storage, err)
	}
	return n, nil
}

func scanEntry(rows *sql.Rows) (model.OpsQueueEntry, error) {
	var e model.OpsQueueEntry
	var kind string
	var retryAt sql.NullString
	if err := rows.Scan(&e.ID, &kind, &e.Path, &e.Payload, &e.Attempt, &retryAt, &e.Priority); err != nil {
		return e, synerr.New(synerr.Storage, fmt.Errorf("scanning op row: %w", err))
	}
	e.Kind = model.OpKind(kind)
	if retryAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, retryAt.String)
		e.RetryAt = &t
	}
	return e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
