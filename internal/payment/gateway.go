// Package payment sequences authorize/capture/void/refund calls against a
// processor gateway and keeps local payment records consistent with
// gateway truth, including when a call fails partway.
package payment

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tablewire/caps/internal/money"
)

// TxnStatus is the gateway's view of a transaction.
type TxnStatus string

const (
	TxnUnknown    TxnStatus = "unknown"
	TxnAuthorized TxnStatus = "authorized"
	TxnCaptured   TxnStatus = "captured"
	TxnVoided     TxnStatus = "voided"
	TxnRefunded   TxnStatus = "refunded"
	TxnFailed     TxnStatus = "failed"
)

// AuthRequest is one authorization attempt. IdempotencyKey is the
// client-generated request id; gateways must treat a repeated key as the
// same attempt, never a second charge.
type AuthRequest struct {
	TenderID       string
	Amount         money.Cents
	IdempotencyKey string
}

// Gateway is the processor capability: one implementation per processor
// (Stripe, Elavon, Heartland, ...), selected through the registry rather
// than string-keyed conditionals at call sites.
type Gateway interface {
	Authorize(ctx context.Context, req AuthRequest) (txnID string, err error)
	Capture(ctx context.Context, txnID string, finalAmount money.Cents) error
	Void(ctx context.Context, txnID string) error
	Refund(ctx context.Context, txnID string, amount money.Cents) error

	// GetStatus resolves an ambiguous outcome by idempotency key. It
	// must answer even when the original call's response was lost.
	GetStatus(ctx context.Context, idempotencyKey string) (TxnStatus, string, error)
}

// ErrorKind classifies gateway failures.
type ErrorKind string

const (
	// KindDeclined is a definitive processor refusal.
	KindDeclined ErrorKind = "declined"

	// KindTimeout means the call's outcome is unknown; the orchestrator
	// re-queries status before deciding anything.
	KindTimeout ErrorKind = "timeout"

	// KindUnavailable is a transport-level failure before the processor
	// saw the request.
	KindUnavailable ErrorKind = "unavailable"

	// KindUnknown means status queries were exhausted without a
	// definitive answer. The attempt must not be re-issued under a new
	// key; an operator resolves it.
	KindUnknown ErrorKind = "unknown"
)

// GatewayError is surfaced distinctly from state-machine errors so callers
// can tell "the processor said no" from "the check said no".
type GatewayError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("gateway %s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Definitive reports whether the failure is final (declined) rather than
// ambiguous or transient.
func (e *GatewayError) Definitive() bool { return e.Kind == KindDeclined }

// Factory builds a Gateway from processor-specific settings.
type Factory func(settings map[string]string) (Gateway, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register installs a processor factory under its configured name.
// Duplicate registration panics; it is a wiring bug.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("payment: duplicate gateway registration: " + name)
	}
	registry[name] = f
}

// Open builds the gateway configured for a processor name.
func Open(name string, settings map[string]string) (Gateway, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("payment: unknown processor %q (registered: %v)", name, Registered())
	}
	return f(settings)
}

// Registered lists the installed processor names, sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
