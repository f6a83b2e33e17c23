package payment

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tablewire/caps/internal/money"
)

// MockGateway is an in-memory processor used by the test suites and by
// demo deployments without a real processor account. Behavior is scripted
// through the tender id: a tender ending in "-declined" refuses, one
// ending in "-timeout" times out once and then reports the authorization
// as landed, so the status-requery path gets exercised end to end.
type MockGateway struct {
	mu       sync.Mutex
	txns     map[string]*mockTxn // by idempotency key
	timeouts map[string]bool
}

type mockTxn struct {
	id     string
	status TxnStatus
	amount money.Cents
}

// NewMock creates an empty MockGateway.
func NewMock() *MockGateway {
	return &MockGateway{txns: make(map[string]*mockTxn), timeouts: make(map[string]bool)}
}

func init() {
	Register("mock", func(map[string]string) (Gateway, error) { return NewMock(), nil })
}

func (g *MockGateway) Authorize(_ context.Context, req AuthRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Repeated key: same attempt, same transaction.
	if t, ok := g.txns[req.IdempotencyKey]; ok {
		if t.status == TxnFailed {
			return "", &GatewayError{Kind: KindDeclined, Message: "card declined"}
		}
		return t.id, nil
	}
	if strings.HasSuffix(req.TenderID, "-declined") {
		g.txns[req.IdempotencyKey] = &mockTxn{status: TxnFailed}
		return "", &GatewayError{Kind: KindDeclined, Message: "card declined"}
	}
	t := &mockTxn{id: "txn_" + uuid.NewString()[:8], status: TxnAuthorized, amount: req.Amount}
	g.txns[req.IdempotencyKey] = t
	if strings.HasSuffix(req.TenderID, "-timeout") && !g.timeouts[req.IdempotencyKey] {
		// The authorization landed but the response is lost.
		g.timeouts[req.IdempotencyKey] = true
		return "", &GatewayError{Kind: KindTimeout, Message: "gateway timeout"}
	}
	return t.id, nil
}

func (g *MockGateway) Capture(_ context.Context, txnID string, finalAmount money.Cents) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := g.byTxnID(txnID)
	if t == nil || t.status != TxnAuthorized {
		return &GatewayError{Kind: KindDeclined, Message: "no capturable authorization"}
	}
	t.status = TxnCaptured
	t.amount = finalAmount
	return nil
}

func (g *MockGateway) Void(_ context.Context, txnID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := g.byTxnID(txnID)
	if t == nil || t.status != TxnAuthorized {
		return &GatewayError{Kind: KindDeclined, Message: "no voidable authorization"}
	}
	t.status = TxnVoided
	return nil
}

func (g *MockGateway) Refund(_ context.Context, txnID string, amount money.Cents) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := g.byTxnID(txnID)
	if t == nil || t.status != TxnCaptured {
		return &GatewayError{Kind: KindDeclined, Message: "no refundable capture"}
	}
	if amount >= t.amount {
		t.status = TxnRefunded
	}
	return nil
}

func (g *MockGateway) GetStatus(_ context.Context, idempotencyKey string) (TxnStatus, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.txns[idempotencyKey]
	if !ok {
		return TxnUnknown, "", nil
	}
	return t.status, t.id, nil
}

func (g *MockGateway) byTxnID(txnID string) *mockTxn {
	for _, t := range g.txns {
		if t.id == txnID {
			return t
		}
	}
	return nil
}
