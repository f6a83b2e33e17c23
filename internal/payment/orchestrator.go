package payment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tablewire/caps/internal/check"
	"github.com/tablewire/caps/internal/money"
)

// Orchestrator drives gateway calls with bounded timeouts and resolves
// ambiguous outcomes by querying status before deciding. It never
// re-issues an authorization under a fresh key for the same attempt: the
// idempotency key pins the attempt at the processor.
type Orchestrator struct {
	gw            Gateway
	callTimeout   time.Duration
	statusRetries int
	statusDelay   time.Duration
	sleep         func(context.Context, time.Duration) error
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithCallTimeout bounds each gateway round-trip.
func WithCallTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.callTimeout = d }
}

// WithStatusRetries sets how many status queries follow an ambiguous call.
func WithStatusRetries(n int, delay time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.statusRetries = n; o.statusDelay = delay }
}

// WithSleep injects the inter-retry wait, used by tests.
func WithSleep(f func(context.Context, time.Duration) error) OrchestratorOption {
	return func(o *Orchestrator) { o.sleep = f }
}

// NewOrchestrator wraps a gateway.
func NewOrchestrator(gw Gateway, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		gw:            gw,
		callTimeout:   10 * time.Second,
		statusRetries: 3,
		statusDelay:   2 * time.Second,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Authorize runs a gateway authorization and returns the payment record to
// append to the check. The record exists only after the gateway confirms:
// recording first could book a payment that never completed.
func (o *Orchestrator) Authorize(ctx context.Context, req AuthRequest) (check.Payment, error) {
	if req.Amount <= money.Zero {
		return check.Payment{}, check.Invalid("amount", "amount must be positive")
	}
	if req.IdempotencyKey == "" {
		return check.Payment{}, check.Invalid("idempotency_key", "authorization requires a client request id")
	}

	cctx, cancel := context.WithTimeout(ctx, o.callTimeout)
	txnID, err := o.gw.Authorize(cctx, req)
	cancel()

	switch {
	case err == nil:
	case ambiguous(err):
		// The outcome is unknown: the request may have landed. Query
		// status under the same key instead of re-issuing and risking a
		// double charge.
		status, id, qerr := o.queryStatus(ctx, req.IdempotencyKey)
		if qerr != nil {
			return check.Payment{}, qerr
		}
		switch status {
		case TxnAuthorized:
			txnID = id
		case TxnFailed:
			return check.Payment{}, &GatewayError{Kind: KindDeclined, Message: "authorization declined"}
		default:
			return check.Payment{}, &GatewayError{Kind: KindUnknown, Message: "authorization outcome unresolved; do not retry under a new key"}
		}
	default:
		return check.Payment{}, wrap(err, "authorize")
	}

	return check.Payment{
		ID:           uuid.New(),
		TenderID:     req.TenderID,
		Amount:       req.Amount,
		Status:       check.PaymentAuthorized,
		GatewayTxnID: txnID,
		RequestKey:   req.IdempotencyKey,
	}, nil
}

// Capture settles an authorization for authorized+tip. An ambiguous
// outcome is resolved through status before reporting failure, so a lost
// ack never turns into a double capture upstream.
func (o *Orchestrator) Capture(ctx context.Context, p *check.Payment, tip money.Cents) error {
	final := p.Amount + tip
	cctx, cancel := context.WithTimeout(ctx, o.callTimeout)
	err := o.gw.Capture(cctx, p.GatewayTxnID, final)
	cancel()

	if err == nil {
		return nil
	}
	if !ambiguous(err) {
		return wrap(err, "capture")
	}
	status, _, qerr := o.queryStatus(ctx, p.RequestKey)
	if qerr != nil {
		return qerr
	}
	switch status {
	case TxnCaptured:
		return nil
	case TxnAuthorized:
		// Capture never landed; the caller may retry the capture.
		return &GatewayError{Kind: KindUnavailable, Message: "capture did not land"}
	default:
		return &GatewayError{Kind: KindUnknown, Message: "capture outcome unresolved"}
	}
}

// VoidAuthorization cancels an authorization pre-capture.
func (o *Orchestrator) VoidAuthorization(ctx context.Context, p *check.Payment) error {
	cctx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	if err := o.gw.Void(cctx, p.GatewayTxnID); err != nil {
		return wrap(err, "void")
	}
	return nil
}

// Refund returns part or all of a captured payment.
func (o *Orchestrator) Refund(ctx context.Context, p *check.Payment, amount money.Cents) error {
	cctx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	if err := o.gw.Refund(cctx, p.GatewayTxnID, amount); err != nil {
		return wrap(err, "refund")
	}
	return nil
}

// queryStatus polls the gateway's status endpoint with bounded retries.
func (o *Orchestrator) queryStatus(ctx context.Context, key string) (TxnStatus, string, error) {
	var last error
	for i := 0; i < o.statusRetries; i++ {
		if i > 0 {
			if err := o.sleep(ctx, o.statusDelay); err != nil {
				return TxnUnknown, "", err
			}
		}
		cctx, cancel := context.WithTimeout(ctx, o.callTimeout)
		status, txnID, err := o.gw.GetStatus(cctx, key)
		cancel()
		if err == nil && status != TxnUnknown {
			return status, txnID, nil
		}
		last = err
	}
	if last != nil {
		return TxnUnknown, "", wrap(last, "status query")
	}
	return TxnUnknown, "", nil
}

// ambiguous reports whether the error leaves the gateway outcome unknown.
func ambiguous(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var gerr *GatewayError
	return errors.As(err, &gerr) && gerr.Kind == KindTimeout
}

func wrap(err error, op string) error {
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		return gerr
	}
	return &GatewayError{Kind: KindUnavailable, Message: op + " failed", Err: err}
}
