package replica

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entry statuses.
const (
	EntryPending = "pending"
	EntryDead    = "dead"
)

// Entry is one queued offline mutation.
type Entry struct {
	Seq            int64
	Op             string
	CheckID        uuid.UUID
	Payload        json.RawMessage
	IdempotencyKey string
	Attempts       int
	NextAttemptAt  time.Time
	LastError      string
	Status         string
	CreatedAt      time.Time
}

// Enqueue appends a mutation to the sync queue. A duplicate idempotency
// key is dropped silently: the mutation is already queued.
func (r *Replica) Enqueue(ctx context.Context, op string, checkID uuid.UUID, payload any, idempotencyKey string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("replica: encode %s payload: %w", op, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO sync_queue (op, check_id, payload, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		op, checkID.String(), string(body), idempotencyKey,
		r.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("replica: enqueue %s: %w", op, err)
	}
	return nil
}

// Pending returns up to limit queued entries in FIFO order. Dead entries
// are excluded; they no longer participate in replay.
func (r *Replica) Pending(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, op, check_id, payload, idempotency_key, attempts,
		       next_attempt_at, last_error, status, created_at
		FROM sync_queue WHERE status = ? ORDER BY seq LIMIT ?`,
		EntryPending, limit)
	if err != nil {
		return nil, fmt.Errorf("replica: list pending: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// DeadEntries returns entries that exhausted their retries, for the
// manager review surface.
func (r *Replica) DeadEntries(ctx context.Context) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, op, check_id, payload, idempotency_key, attempts,
		       next_attempt_at, last_error, status, created_at
		FROM sync_queue WHERE status = ? ORDER BY seq`, EntryDead)
	if err != nil {
		return nil, fmt.Errorf("replica: list dead: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// MarkDone removes a successfully applied (or moot) entry.
func (r *Replica) MarkDone(ctx context.Context, seq int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE seq = ?`, seq)
	if err != nil {
		return fmt.Errorf("replica: mark done %d: %w", seq, err)
	}
	return nil
}

// MarkFailed records a transient failure and the backoff deadline.
func (r *Replica) MarkFailed(ctx context.Context, seq int64, attempts int, nextAttempt time.Time, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sync_queue SET attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE seq = ?`,
		attempts, nextAttempt.UTC().Format(time.RFC3339Nano), lastError, seq)
	if err != nil {
		return fmt.Errorf("replica: mark failed %d: %w", seq, err)
	}
	return nil
}

// MarkDead parks an entry past the retry ceiling.
func (r *Replica) MarkDead(ctx context.Context, seq int64, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = ?, last_error = ? WHERE seq = ?`,
		EntryDead, lastError, seq)
	if err != nil {
		return fmt.Errorf("replica: mark dead %d: %w", seq, err)
	}
	return nil
}

// QueueDepth reports how many entries await replay.
func (r *Replica) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE status = ?`, EntryPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("replica: queue depth: %w", err)
	}
	return n, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var (
			e                    Entry
			checkID              string
			payload              string
			nextAttempt, created string
		)
		if err := rows.Scan(&e.Seq, &e.Op, &checkID, &payload, &e.IdempotencyKey,
			&e.Attempts, &nextAttempt, &e.LastError, &e.Status, &created); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(checkID)
		if err != nil {
			return nil, fmt.Errorf("replica: bad check id %q: %w", checkID, err)
		}
		e.CheckID = id
		e.Payload = json.RawMessage(payload)
		if nextAttempt != "" {
			if e.NextAttemptAt, err = time.Parse(time.RFC3339Nano, nextAttempt); err != nil {
				return nil, err
			}
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
