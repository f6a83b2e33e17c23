package service

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablewire/caps/internal/check"
	"github.com/tablewire/caps/internal/engine"
	"github.com/tablewire/caps/internal/kitchen"
	"github.com/tablewire/caps/internal/lock"
	"github.com/tablewire/caps/internal/logging"
	"github.com/tablewire/caps/internal/loyalty"
	"github.com/tablewire/caps/internal/money"
	"github.com/tablewire/caps/internal/payment"
	"github.com/tablewire/caps/internal/sequence"
	"github.com/tablewire/caps/internal/store"
)

type fixture struct {
	svc     *Service
	store   *store.Memory
	locks   *lock.MemoryManager
	tickets *kitchen.MemoryPublisher
	earns   *loyalty.MemoryProgram
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	locks := lock.NewMemory(time.Minute)
	tickets := kitchen.NewMemoryPublisher()
	earns := loyalty.NewMemoryProgram()
	orch := payment.NewOrchestrator(payment.NewMock(),
		payment.WithCallTimeout(time.Second),
		payment.WithStatusRetries(3, 0),
		payment.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	svc := New(Deps{
		Store:    mem,
		Engine:   engine.New(check.AddOnTax(800)),
		Locks:    locks,
		Payments: orch,
		Kitchen:  tickets,
		Loyalty:  earns,
		Numbers:  sequence.NewAllocator("WS01", 100, mem),
		Log:      logging.NewWriter("caps-test", io.Discard),
	})
	return &fixture{svc: svc, store: mem, locks: locks, tickets: tickets, earns: earns}
}

var (
	ws1 = Session{WorkstationID: "WS01", EmployeeID: "emp-1"}
	ws2 = Session{WorkstationID: "WS02", EmployeeID: "emp-2"}
)

func keyed(s Session, key string) Session {
	s.RequestKey = key
	return s
}

func (f *fixture) openWithBurger(t *testing.T) *check.Check {
	t.Helper()
	ctx := context.Background()
	c, err := f.svc.OpenCheck(ctx, ws1, OpenCheckParams{RVCID: "rvc-1", OrderType: check.DineIn})
	require.NoError(t, err)
	c, err = f.svc.AddItem(ctx, ws1, c.ID, engine.ItemParams{
		Name: "Burger", UnitPrice: money.MustParse("10.00"), Quantity: 1,
	})
	require.NoError(t, err)
	return c
}

func TestLifecycle_CashDineIn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.openWithBurger(t)
	assert.Equal(t, "1000", c.Number)
	assert.Equal(t, money.MustParse("10.00"), c.Subtotal)
	assert.Equal(t, money.MustParse("0.80"), c.Tax)
	assert.Equal(t, money.MustParse("10.80"), c.Total)

	// A 15.00 cash tender owes 4.20 back; the terminal computes that and
	// applies only the 10.80.
	assert.Equal(t, money.MustParse("4.20"), money.ChangeDue(money.MustParse("15.00"), c.Total))

	c, round, err := f.svc.Send(ctx, ws1, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, round.Seq)
	assert.Equal(t, check.StatusSent, c.Status)
	require.Len(t, f.tickets.Tickets(), 1)
	assert.Equal(t, "Burger", f.tickets.Tickets()[0].Items[0].Name)

	c, err = f.svc.PayCash(ctx, ws1, c.ID, money.MustParse("10.80"), money.Zero)
	require.NoError(t, err)
	assert.Equal(t, money.Zero, c.Balance())

	c, err = f.svc.CloseCheck(ctx, ws1, c.ID)
	require.NoError(t, err)
	assert.Equal(t, check.StatusClosed, c.Status)
}

func TestSend_NothingNewPublishesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.openWithBurger(t)
	_, round, err := f.svc.Send(ctx, ws1, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, round.Seq)

	_, round, err = f.svc.Send(ctx, ws1, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, round.Seq, "re-send with nothing new is an empty round")
	assert.Len(t, f.tickets.Tickets(), 1)
}

func TestMutation_RejectedWhileLockedElsewhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.openWithBurger(t)
	_, err := f.svc.AcquireLock(ctx, ws2, c.ID)
	require.NoError(t, err)

	_, err = f.svc.AddItem(ctx, ws1, c.ID, engine.ItemParams{
		Name: "Fries", UnitPrice: money.MustParse("3.00"), Quantity: 1,
	})
	var cerr *check.ConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, check.CodeLockHeld, cerr.Code)
	assert.Equal(t, "WS02", cerr.HolderWorkstation)
	assert.Equal(t, "emp-2", cerr.HolderEmployee)

	// The holder itself edits freely.
	_, err = f.svc.AddItem(ctx, ws2, c.ID, engine.ItemParams{
		Name: "Fries", UnitPrice: money.MustParse("3.00"), Quantity: 1,
	})
	require.NoError(t, err)
}

func TestIdempotency_ReplayedAddItemAppliesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.openWithBurger(t)
	sess := keyed(ws1, "add-fries-1")
	p := engine.ItemParams{Name: "Fries", UnitPrice: money.MustParse("3.00"), Quantity: 1}

	c1, err := f.svc.AddItem(ctx, sess, c.ID, p)
	require.NoError(t, err)
	c2, err := f.svc.AddItem(ctx, sess, c.ID, p)
	require.NoError(t, err)

	assert.Len(t, c1.Items, 2)
	assert.Len(t, c2.Items, 2, "replay returns the applied state without re-running")
}

func TestIdempotency_RacingDuplicateAddItemAppliesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.openWithBurger(t)
	sess := keyed(ws1, "add-fries-1")

	// A client retry while the original is still in flight: both requests
	// carry the same key and race for the check's critical section.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.AddItem(ctx, sess, c.ID, engine.ItemParams{
				Name: "Fries", UnitPrice: money.MustParse("3.00"), Quantity: 1,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := f.svc.GetCheck(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, got.Items, 2, "the duplicate replays instead of re-applying")
	assert.Equal(t, money.MustParse("14.04"), got.Total)
}

func TestIdempotency_RacingDuplicateOpenCreatesOneCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := keyed(ws1, "open-1")

	var wg sync.WaitGroup
	ids := make(chan uuid.UUID, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := f.svc.OpenCheck(ctx, sess, OpenCheckParams{RVCID: "rvc-1", OrderType: check.DineIn})
			if assert.NoError(t, err) {
				ids <- c.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	first, ok := <-ids
	require.True(t, ok)
	for id := range ids {
		assert.Equal(t, first, id, "both requests resolve to the same check")
	}
	open, err := f.svc.ListOpenChecks(ctx, "rvc-1")
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestCardFlow_AuthorizeCaptureClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.openWithBurger(t)
	_, _, err := f.svc.Send(ctx, ws1, c.ID)
	require.NoError(t, err)

	c, err = f.svc.AuthorizeCard(ctx, keyed(ws1, "auth-1"), c.ID, "visa", money.MustParse("10.80"))
	require.NoError(t, err)
	require.Len(t, c.Payments, 1)
	p := c.Payments[0]
	assert.Equal(t, check.PaymentAuthorized, p.Status)
	assert.NotEmpty(t, p.GatewayTxnID)

	c, err = f.svc.CapturePayment(ctx, keyed(ws1, "cap-1"), c.ID, p.ID, money.MustParse("2.00"))
	require.NoError(t, err)
	assert.Equal(t, check.PaymentCaptured, c.Payments[0].Status)
	assert.Equal(t, money.MustParse("12.80"), c.Payments[0].Captured)
	assert.Equal(t, money.Zero, c.Balance(), "tip rides on top of the total")

	_, err = f.svc.CloseCheck(ctx, ws1, c.ID)
	require.NoError(t, err)
}

func TestCardFlow_DeclineLeavesCheckClean(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.openWithBurger(t)
	_, err := f.svc.AuthorizeCard(ctx, keyed(ws1, "auth-1"), c.ID, "visa-declined", money.MustParse("10.80"))
	var gerr *payment.GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, payment.KindDeclined, gerr.Kind)

	c, err = f.svc.GetCheck(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, c.Payments, "declined authorization never reaches the check")
}

func TestCardFlow_AuthorizeRequiresRequestKey(t *testing.T) {
	f := newFixture(t)
	c := f.openWithBurger(t)

	_, err := f.svc.AuthorizeCard(context.Background(), ws1, c.ID, "visa", money.MustParse("10.80"))
	var verr *check.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestSettleHold_BlocksConcurrentMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.openWithBurger(t)
	require.NoError(t, f.svc.beginSettle(c.ID))
	defer f.svc.endSettle(c.ID)

	_, err := f.svc.AddItem(ctx, ws1, c.ID, engine.ItemParams{
		Name: "Fries", UnitPrice: money.MustParse("3.00"), Quantity: 1,
	})
	var cerr *check.ConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, check.CodeSettleInFlight, cerr.Code)
}

func TestCloseCheck_AccruesLoyaltyInBackground(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.OpenCheck(ctx, ws1, OpenCheckParams{
		RVCID: "rvc-1", OrderType: check.DineIn, CustomerID: "cust-7",
	})
	require.NoError(t, err)
	c, err = f.svc.AddItem(ctx, ws1, c.ID, engine.ItemParams{
		Name: "Burger", UnitPrice: money.MustParse("10.00"), Quantity: 1,
	})
	require.NoError(t, err)
	c, err = f.svc.PayCash(ctx, ws1, c.ID, c.Total, money.Zero)
	require.NoError(t, err)
	_, err = f.svc.CloseCheck(ctx, ws1, c.ID)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		earns := f.earns.Earns()
		return len(earns) == 1 && earns[0].Points == 10 && earns[0].CustomerID == "cust-7"
	}, time.Second, 10*time.Millisecond)
}

func TestCloseCheck_BalanceDue(t *testing.T) {
	f := newFixture(t)
	c := f.openWithBurger(t)

	_, err := f.svc.CloseCheck(context.Background(), ws1, c.ID)
	var cerr *check.ConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, check.CodeBalanceDue, cerr.Code)
}

func TestCancelOrder_ReportsRemainingSent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.openWithBurger(t)
	_, _, err := f.svc.Send(ctx, ws1, c.ID)
	require.NoError(t, err)
	_, err = f.svc.AddItem(ctx, ws1, c.ID, engine.ItemParams{
		Name: "Fries", UnitPrice: money.MustParse("3.00"), Quantity: 1,
	})
	require.NoError(t, err)

	c, remaining, err := f.svc.CancelOrder(ctx, ws1, c.ID, "guest left")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining, "sent burger needs per-item void")
	assert.NotEqual(t, check.StatusVoided, c.Status)
}

func TestVoidCheck_RejectedAfterSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.openWithBurger(t)
	_, _, err := f.svc.Send(ctx, ws1, c.ID)
	require.NoError(t, err)

	_, err = f.svc.VoidCheck(ctx, ws1, c.ID, "mistake")
	var cerr *check.ConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, check.CodeSentItems, cerr.Code)
}

func TestAttachDetachCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.openWithBurger(t)
	c, err := f.svc.AttachCustomer(ctx, ws1, c.ID, "cust-9")
	require.NoError(t, err)
	assert.Equal(t, "cust-9", c.CustomerID)

	c, err = f.svc.DetachCustomer(ctx, ws1, c.ID)
	require.NoError(t, err)
	assert.Empty(t, c.CustomerID)
}

func TestRefund_AfterClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.openWithBurger(t)
	c, err := f.svc.AuthorizeCard(ctx, keyed(ws1, "auth-1"), c.ID, "visa", money.MustParse("10.80"))
	require.NoError(t, err)
	pid := c.Payments[0].ID
	c, err = f.svc.CapturePayment(ctx, keyed(ws1, "cap-1"), c.ID, pid, money.Zero)
	require.NoError(t, err)
	c, err = f.svc.CloseCheck(ctx, ws1, c.ID)
	require.NoError(t, err)

	c, err = f.svc.RefundPayment(ctx, keyed(ws1, "ref-1"), c.ID, pid, money.MustParse("10.80"))
	require.NoError(t, err)
	assert.Equal(t, check.PaymentRefunded, c.Payments[0].Status)
}
