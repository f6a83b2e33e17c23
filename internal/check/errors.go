package check

import (
	"fmt"

	"github.com/google/uuid"
)

// ConflictCode categorizes illegal-transition and contention failures.
type ConflictCode string

const (
	// CodeCheckClosed indicates a mutation against a closed check.
	CodeCheckClosed ConflictCode = "CHECK_CLOSED"

	// CodeCheckVoided indicates a mutation against a voided check.
	CodeCheckVoided ConflictCode = "CHECK_VOIDED"

	// CodeItemVoided indicates an operation on an already-voided item.
	CodeItemVoided ConflictCode = "ITEM_VOIDED"

	// CodeItemSent indicates an edit past the send boundary (price
	// override, modifier change, quantity change on a sent item).
	CodeItemSent ConflictCode = "ITEM_SENT"

	// CodeApprovalRequired indicates a sent-item void without manager
	// approval.
	CodeApprovalRequired ConflictCode = "APPROVAL_REQUIRED"

	// CodePendingItems indicates a send or payment attempt while items
	// are still awaiting modifier finalize.
	CodePendingItems ConflictCode = "PENDING_ITEMS"

	// CodeNoItems indicates a send with no active items on the check.
	CodeNoItems ConflictCode = "NO_ITEMS"

	// CodeSentItems indicates a check-void attempt while sent items
	// exist; sent items must be voided individually with approval.
	CodeSentItems ConflictCode = "SENT_ITEMS"

	// CodeBalanceDue indicates a close attempt with a non-zero balance.
	CodeBalanceDue ConflictCode = "BALANCE_DUE"

	// CodeOverTender indicates a capture that would exceed the check
	// total outside the cash over-tender flow.
	CodeOverTender ConflictCode = "OVER_TENDER"

	// CodeItemState indicates an item transition from the wrong state,
	// such as finalizing an item that is not pending.
	CodeItemState ConflictCode = "ITEM_STATE"

	// CodePaymentState indicates an illegal payment transition.
	CodePaymentState ConflictCode = "PAYMENT_STATE"

	// CodeLockHeld indicates the check's editing lock belongs to another
	// workstation.
	CodeLockHeld ConflictCode = "LOCK_HELD"

	// CodeSettleInFlight indicates a gateway settlement is pending on the
	// check; mutations wait until it resolves.
	CodeSettleInFlight ConflictCode = "SETTLE_IN_FLIGHT"
)

// ConflictError reports an illegal state transition or lock contention.
// It carries the current state (and, for lock conflicts, the holder's
// identity) so callers can decide between retry, surface and drop.
type ConflictError struct {
	Code          ConflictCode
	Message       string
	CheckID       uuid.UUID
	CurrentStatus string

	// Holder identity, set for CodeLockHeld.
	HolderWorkstation string
	HolderEmployee    string
}

func (e *ConflictError) Error() string {
	if e.Code == CodeLockHeld {
		return fmt.Sprintf("%s: %s (check=%s, holder=%s/%s)",
			e.Code, e.Message, e.CheckID, e.HolderWorkstation, e.HolderEmployee)
	}
	if e.CurrentStatus != "" {
		return fmt.Sprintf("%s: %s (check=%s, current=%s)", e.Code, e.Message, e.CheckID, e.CurrentStatus)
	}
	return fmt.Sprintf("%s: %s (check=%s)", e.Code, e.Message, e.CheckID)
}

// Moot reports whether a queued offline operation hitting this conflict is
// now pointless and should be dropped by the reconciler instead of retried.
// Lock contention and in-flight settlement are live conditions, not moot.
func (e *ConflictError) Moot() bool {
	switch e.Code {
	case CodeCheckClosed, CodeCheckVoided, CodeItemVoided, CodeNoItems:
		return true
	}
	return false
}

// Conflict builds a ConflictError for a check in the given state.
func Conflict(code ConflictCode, checkID uuid.UUID, current, msg string) *ConflictError {
	return &ConflictError{Code: code, CheckID: checkID, CurrentStatus: current, Message: msg}
}

// ValidationError reports a malformed request: missing ids, non-positive
// quantities, unknown order types. Always local and non-retryable.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
	}
	return "validation: " + e.Message
}

// Invalid builds a ValidationError.
func Invalid(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

// ErrNotFound is returned by stores when no check exists for an id.
type NotFoundError struct {
	CheckID uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("check %s not found", e.CheckID)
}
