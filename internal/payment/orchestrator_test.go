package payment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablewire/caps/internal/check"
	"github.com/tablewire/caps/internal/money"
)

func newOrchestrator(gw Gateway) *Orchestrator {
	return NewOrchestrator(gw,
		WithCallTimeout(time.Second),
		WithStatusRetries(3, 0),
		WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
}

func TestAuthorize_Success(t *testing.T) {
	o := newOrchestrator(NewMock())

	p, err := o.Authorize(context.Background(), AuthRequest{
		TenderID: "visa", Amount: money.MustParse("10.80"), IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	assert.Equal(t, check.PaymentAuthorized, p.Status)
	assert.NotEmpty(t, p.GatewayTxnID)
	assert.Equal(t, "req-1", p.RequestKey)
}

func TestAuthorize_Declined(t *testing.T) {
	o := newOrchestrator(NewMock())

	_, err := o.Authorize(context.Background(), AuthRequest{
		TenderID: "visa-declined", Amount: money.MustParse("10.80"), IdempotencyKey: "req-1",
	})
	var gerr *GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, KindDeclined, gerr.Kind)
	assert.True(t, gerr.Definitive())
}

func TestAuthorize_TimeoutResolvedByStatusQuery(t *testing.T) {
	// The gateway times out after the authorization landed; the
	// orchestrator must find it via status instead of failing or
	// double-authorizing.
	gw := NewMock()
	o := newOrchestrator(gw)

	p, err := o.Authorize(context.Background(), AuthRequest{
		TenderID: "visa-timeout", Amount: money.MustParse("10.80"), IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	assert.Equal(t, check.PaymentAuthorized, p.Status)
	assert.NotEmpty(t, p.GatewayTxnID)

	// Exactly one transaction exists at the processor.
	status, txnID, err := gw.GetStatus(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, TxnAuthorized, status)
	assert.Equal(t, p.GatewayTxnID, txnID)
}

func TestAuthorize_RetrySameKeyDoesNotDoubleCharge(t *testing.T) {
	gw := NewMock()
	o := newOrchestrator(gw)
	req := AuthRequest{TenderID: "visa", Amount: money.MustParse("10.80"), IdempotencyKey: "req-1"}

	p1, err := o.Authorize(context.Background(), req)
	require.NoError(t, err)
	p2, err := o.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, p1.GatewayTxnID, p2.GatewayTxnID, "same attempt, same transaction")
}

func TestAuthorize_Validation(t *testing.T) {
	o := newOrchestrator(NewMock())

	_, err := o.Authorize(context.Background(), AuthRequest{TenderID: "visa", Amount: 0, IdempotencyKey: "k"})
	var verr *check.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = o.Authorize(context.Background(), AuthRequest{TenderID: "visa", Amount: 100})
	require.ErrorAs(t, err, &verr)
}

func TestCapture_AddsTip(t *testing.T) {
	gw := NewMock()
	o := newOrchestrator(gw)

	p, err := o.Authorize(context.Background(), AuthRequest{
		TenderID: "visa", Amount: money.MustParse("10.80"), IdempotencyKey: "req-1",
	})
	require.NoError(t, err)

	require.NoError(t, o.Capture(context.Background(), &p, money.MustParse("2.00")))

	status, _, err := gw.GetStatus(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, TxnCaptured, status)
}

func TestVoidAndRefund(t *testing.T) {
	gw := NewMock()
	o := newOrchestrator(gw)

	// Void pre-capture.
	p, err := o.Authorize(context.Background(), AuthRequest{
		TenderID: "visa", Amount: money.MustParse("5.00"), IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	require.NoError(t, o.VoidAuthorization(context.Background(), &p))

	// Refund post-capture.
	p2, err := o.Authorize(context.Background(), AuthRequest{
		TenderID: "visa", Amount: money.MustParse("8.00"), IdempotencyKey: "req-2",
	})
	require.NoError(t, err)
	require.NoError(t, o.Capture(context.Background(), &p2, money.Zero))
	require.NoError(t, o.Refund(context.Background(), &p2, money.MustParse("8.00")))

	status, _, err := gw.GetStatus(context.Background(), "req-2")
	require.NoError(t, err)
	assert.Equal(t, TxnRefunded, status)
}

func TestOpen_Registry(t *testing.T) {
	gw, err := Open("mock", nil)
	require.NoError(t, err)
	assert.NotNil(t, gw)

	_, err = Open("no-such-processor", nil)
	assert.Error(t, err)
	assert.Contains(t, Registered(), "mock")
}
