// Package replica is the terminal-side sqlite mirror: check aggregates
// for offline reads, the FIFO queue of offline mutations awaiting replay,
// and cached credentials for offline sign-in.
package replica

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tablewire/caps/internal/check"
	"github.com/tablewire/caps/internal/sequence"
)

//go:embed schema.sql
var schemaSQL string

// Replica is the terminal's local store.
type Replica struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Replica.
type Option func(*Replica)

// WithNow injects the time source.
func WithNow(now func() time.Time) Option {
	return func(r *Replica) { r.now = now }
}

// Open creates or opens the replica database at path. WAL mode keeps
// reads concurrent with the single writer; the connection pool is pinned
// to one connection so sqlite never reports busy to ourselves.
func Open(path string, opts ...Option) (*Replica, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("replica: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("replica: connect: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("replica: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("replica: apply schema: %w", err)
	}

	r := &Replica{db: db, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Close closes the database.
func (r *Replica) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// PutCheck upserts the aggregate.
func (r *Replica) PutCheck(ctx context.Context, c *check.Check) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("replica: encode check %s: %w", c.ID, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO replica_checks (id, rvc_id, status, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rvc_id = excluded.rvc_id,
			status = excluded.status,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		c.ID.String(), c.RVCID, string(c.Status), string(payload),
		r.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("replica: put check %s: %w", c.ID, err)
	}
	return nil
}

// GetCheck loads an aggregate; *check.NotFoundError when absent.
func (r *Replica) GetCheck(ctx context.Context, id uuid.UUID) (*check.Check, error) {
	var payload string
	err := r.db.QueryRowContext(ctx,
		`SELECT payload FROM replica_checks WHERE id = ?`, id.String()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &check.NotFoundError{CheckID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("replica: get check %s: %w", id, err)
	}
	var c check.Check
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return nil, fmt.Errorf("replica: decode check %s: %w", id, err)
	}
	return &c, nil
}

// ListOpenChecks returns the revenue center's open and sent checks,
// oldest first.
func (r *Replica) ListOpenChecks(ctx context.Context, rvcID string) ([]*check.Check, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT payload FROM replica_checks
		WHERE rvc_id = ? AND status IN ('open', 'sent')
		ORDER BY updated_at`, rvcID)
	if err != nil {
		return nil, fmt.Errorf("replica: list open checks: %w", err)
	}
	defer rows.Close()

	var out []*check.Check
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var c check.Check
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			return nil, fmt.Errorf("replica: decode check: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// AllocatorState loads the workstation's persisted number-allocator
// position; ok is false when the workstation has never issued a number
// on this terminal.
func (r *Replica) AllocatorState(ctx context.Context, workstationID string) (sequence.State, bool, error) {
	st := sequence.State{WorkstationID: workstationID}
	err := r.db.QueryRowContext(ctx, `
		SELECT range_start, range_end, cursor, overflow
		FROM allocator_state WHERE workstation_id = ?`, workstationID).
		Scan(&st.Start, &st.End, &st.Cursor, &st.Overflow)
	if errors.Is(err, sql.ErrNoRows) {
		return sequence.State{}, false, nil
	}
	if err != nil {
		return sequence.State{}, false, fmt.Errorf("replica: allocator state %s: %w", workstationID, err)
	}
	return st, true, nil
}

// SaveAllocatorState checkpoints the allocator position after each issued
// number.
func (r *Replica) SaveAllocatorState(ctx context.Context, st sequence.State) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO allocator_state (workstation_id, range_start, range_end, cursor, overflow, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(workstation_id) DO UPDATE SET
			range_start = excluded.range_start,
			range_end = excluded.range_end,
			cursor = excluded.cursor,
			overflow = excluded.overflow,
			updated_at = excluded.updated_at`,
		st.WorkstationID, st.Start, st.End, st.Cursor, st.Overflow,
		r.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("replica: save allocator state %s: %w", st.WorkstationID, err)
	}
	return nil
}

// UpsertCredential caches an employee's PIN hash for offline sign-in.
func (r *Replica) UpsertCredential(ctx context.Context, employeeID, pinHash, displayName string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO credentials (employee_id, pin_hash, display_name, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(employee_id) DO UPDATE SET
			pin_hash = excluded.pin_hash,
			display_name = excluded.display_name,
			updated_at = excluded.updated_at`,
		employeeID, pinHash, displayName, r.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("replica: upsert credential %s: %w", employeeID, err)
	}
	return nil
}

// Credential returns the cached PIN hash for an employee, or "" when the
// employee has never signed in on this terminal.
func (r *Replica) Credential(ctx context.Context, employeeID string) (string, error) {
	var hash string
	err := r.db.QueryRowContext(ctx,
		`SELECT pin_hash FROM credentials WHERE employee_id = ?`, employeeID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("replica: credential %s: %w", employeeID, err)
	}
	return hash, nil
}
