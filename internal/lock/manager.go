// Package lock serializes concurrent edits to a check across workstations.
//
// Locks are advisory but enforced at the mutation boundary: the service
// layer verifies lock ownership inside the same per-check critical section
// that runs the state machine, so lock check and transition are atomic
// from the caller's perspective. Expiry keeps a crashed or abandoned
// terminal from blocking a check forever.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tablewire/caps/internal/check"
)

// Lock is the single exclusive editing claim on a check.
type Lock struct {
	CheckID       uuid.UUID `json:"check_id"`
	WorkstationID string    `json:"workstation_id"`
	EmployeeID    string    `json:"employee_id"`
	AcquiredAt    time.Time `json:"acquired_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Manager grants, refreshes and revokes per-check editing locks. At most
// one live (non-expired) lock exists per check at any instant.
type Manager interface {
	// Acquire takes the lock. It succeeds when no live lock exists, when
	// the existing lock belongs to the same workstation (re-entrant), or
	// when the existing lock has expired. On contention it returns a
	// *check.ConflictError carrying the holder's identity.
	Acquire(ctx context.Context, checkID uuid.UUID, workstationID, employeeID string) (Lock, error)

	// Refresh extends an owned lock's expiry. It fails with a conflict if
	// the lock is now held by someone else (another terminal grabbed it
	// after expiry) or does not exist.
	Refresh(ctx context.Context, checkID uuid.UUID, workstationID, employeeID string) (Lock, error)

	// Release clears the lock if owned by the workstation. Releasing a
	// lock that is already gone or expired is a no-op.
	Release(ctx context.Context, checkID uuid.UUID, workstationID string) error

	// ReleaseAll clears every lock held by a workstation, called on
	// disconnect or sign-out so orphaned locks never block other
	// terminals.
	ReleaseAll(ctx context.Context, workstationID string) error

	// Holder reports the current live lock, if any.
	Holder(ctx context.Context, checkID uuid.UUID) (Lock, bool, error)
}

// expired reports a refresh against a lock that has already lapsed; the
// caller must re-acquire instead.
func expired(checkID uuid.UUID) *check.ConflictError {
	return &check.ConflictError{
		Code:    check.CodeLockHeld,
		Message: "lock expired; re-acquire before editing",
		CheckID: checkID,
	}
}

// heldBy builds the contention error surfaced to callers and, eventually,
// to the "locked by <identity>" terminal prompt.
func heldBy(checkID uuid.UUID, l Lock) *check.ConflictError {
	return &check.ConflictError{
		Code:              check.CodeLockHeld,
		Message:           "check is being edited on another workstation",
		CheckID:           checkID,
		HolderWorkstation: l.WorkstationID,
		HolderEmployee:    l.EmployeeID,
	}
}
