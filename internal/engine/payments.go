package engine

import (
	"github.com/google/uuid"

	"github.com/tablewire/caps/internal/check"
	"github.com/tablewire/caps/internal/money"
)

// RecordAuthorization appends a payment in the authorized state. The
// payment orchestrator calls this only after the gateway has confirmed the
// authorization; recording before confirmation could book a payment that
// never completes.
func (e *Engine) RecordAuthorization(c *check.Check, p check.Payment) error {
	if err := e.mutable(c); err != nil {
		return err
	}
	if c.HasPending() {
		return check.Conflict(check.CodePendingItems, c.ID, string(c.Status), "pending items must be finalized or voided before payment")
	}
	if p.ID == uuid.Nil {
		return check.Invalid("payment.id", "payment id is required")
	}
	if p.Amount <= money.Zero {
		return check.Invalid("payment.amount", "amount must be positive")
	}
	if p.RequestKey != "" {
		for i := range c.Payments {
			if c.Payments[i].RequestKey == p.RequestKey {
				// Same client request replayed after a lost ack: the
				// payment is already on the check.
				return nil
			}
		}
	}
	p.Status = check.PaymentAuthorized
	p.Captured = money.Zero
	p.Refunded = money.Zero
	c.Payments = append(c.Payments, p)
	e.recompute(c)
	return nil
}

// CapturePayment settles an authorized payment. The tip is added at
// capture time: final captured amount = authorized amount + tip. The
// captured value applied to the check may not exceed the outstanding
// balance; over-tender change is a terminal-side computation, never a
// backend state.
func (e *Engine) CapturePayment(c *check.Check, paymentID uuid.UUID, tip money.Cents) error {
	if err := e.mutable(c); err != nil {
		return err
	}
	p := c.Payment(paymentID)
	if p == nil {
		return check.Invalid("payment_id", "no such payment on check")
	}
	if p.Status != check.PaymentAuthorized {
		return check.Conflict(check.CodePaymentState, c.ID, string(p.Status), "only authorized payments can be captured")
	}
	if tip.IsNegative() {
		return check.Invalid("tip", "tip may not be negative")
	}
	captured := p.Amount + tip
	// The tip rides on top of the check total; only the base amount is
	// held against the balance.
	if p.Amount > c.Balance() {
		return check.Conflict(check.CodeOverTender, c.ID, string(p.Status), "capture exceeds balance due")
	}
	p.Tip = tip
	p.Captured = captured
	p.Status = check.PaymentCaptured
	e.recompute(c)
	return nil
}

// VoidPayment cancels an authorization before capture.
func (e *Engine) VoidPayment(c *check.Check, paymentID uuid.UUID) error {
	if err := e.mutable(c); err != nil {
		return err
	}
	p := c.Payment(paymentID)
	if p == nil {
		return check.Invalid("payment_id", "no such payment on check")
	}
	if p.Status != check.PaymentAuthorized {
		return check.Conflict(check.CodePaymentState, c.ID, string(p.Status), "only authorized payments can be voided")
	}
	p.Status = check.PaymentVoided
	e.recompute(c)
	return nil
}

// RefundPayment refunds part or all of a captured payment. Partial refunds
// reduce the available-to-refund balance but keep the payment captured;
// refunding the full captured amount flips it to refunded.
func (e *Engine) RefundPayment(c *check.Check, paymentID uuid.UUID, amount money.Cents) error {
	// Refunds are legal on closed checks; only voided checks are off
	// limits.
	if c.Status == check.StatusVoided {
		return check.Conflict(check.CodeCheckVoided, c.ID, string(c.Status), "check is voided")
	}
	p := c.Payment(paymentID)
	if p == nil {
		return check.Invalid("payment_id", "no such payment on check")
	}
	if p.Status != check.PaymentCaptured {
		return check.Conflict(check.CodePaymentState, c.ID, string(p.Status), "only captured payments can be refunded")
	}
	if amount <= money.Zero {
		return check.Invalid("amount", "refund amount must be positive")
	}
	available := p.Captured - p.Refunded
	if amount > available {
		return check.Conflict(check.CodePaymentState, c.ID, string(p.Status), "refund exceeds available balance of "+available.String())
	}
	p.Refunded += amount
	if p.Refunded == p.Captured {
		p.Status = check.PaymentRefunded
	}
	e.recompute(c)
	return nil
}
