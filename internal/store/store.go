// Package store persists check aggregates. The backend Check Store is the
// single source of truth once a terminal is online; terminal replicas hold
// copies that reconcile against it.
//
// Stores load and save whole aggregates so items, payments and totals can
// never be partially updated out from under each other. The idempotency
// ledger maps client request keys to the check they touched, letting the
// service drop replays whose ack was lost in transit.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/tablewire/caps/internal/check"
	"github.com/tablewire/caps/internal/sequence"
)

// ErrDuplicateRequest is returned by CreateCheck and SaveCheck when the
// request key is already recorded against a different check: a concurrent
// retry of the same request got there first. Callers answer from the
// ledger instead of treating it as a failure.
var ErrDuplicateRequest = errors.New("store: request key already applied")

// Store is the authoritative check repository plus the supporting ledgers
// (request idempotency, check-number range grants).
type Store interface {
	// CreateCheck inserts a new aggregate. When requestKey is non-empty
	// it is recorded in the same transaction.
	CreateCheck(ctx context.Context, c *check.Check, requestKey string) error

	// GetCheck loads an aggregate; *check.NotFoundError when absent.
	GetCheck(ctx context.Context, id uuid.UUID) (*check.Check, error)

	// SaveCheck replaces the aggregate. When requestKey is non-empty it
	// is recorded in the same transaction.
	SaveCheck(ctx context.Context, c *check.Check, requestKey string) error

	// ListOpenChecks returns non-terminal checks for a revenue center,
	// oldest first.
	ListOpenChecks(ctx context.Context, rvcID string) ([]*check.Check, error)

	// SeenRequest reports whether a client request key was already
	// applied, and which check it touched.
	SeenRequest(ctx context.Context, key string) (uuid.UUID, bool, error)

	// GrantRange reserves the next block of check numbers for a
	// workstation. Grants to different workstations never overlap.
	GrantRange(ctx context.Context, workstationID string, size int64) (sequence.Range, error)

	// Credential returns the employee's stored PIN hash, or "" when the
	// employee is unknown.
	Credential(ctx context.Context, employeeID string) (string, error)

	// UpsertEmployee stores or replaces an employee's credential.
	UpsertEmployee(ctx context.Context, employeeID, pinHash, displayName string) error
}
