package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/tablewire/caps/internal/check"
	"github.com/tablewire/caps/internal/logging"
	"github.com/tablewire/caps/internal/money"
	"github.com/tablewire/caps/internal/payment"
)

// CashTenderID is the tender that settles without a gateway round-trip.
const CashTenderID = "cash"

// beginSettle marks a gateway call in flight for the check. The gateway
// round-trip runs outside the stripe; the flag keeps every other mutation
// off the check until endSettle.
func (s *Service) beginSettle(checkID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settling[checkID] {
		return check.Conflict(check.CodeSettleInFlight, checkID, "", "payment settlement in flight; retry when it completes")
	}
	s.settling[checkID] = true
	return nil
}

func (s *Service) endSettle(checkID uuid.UUID) {
	s.mu.Lock()
	delete(s.settling, checkID)
	s.mu.Unlock()
}

// precheckPayment validates the check can accept a payment before any
// gateway money moves. Run under the stripe.
func (s *Service) precheckPayment(ctx context.Context, sess Session, checkID uuid.UUID, amount money.Cents) error {
	if err := s.requireEditable(ctx, checkID, sess); err != nil {
		return err
	}
	c, err := s.store.GetCheck(ctx, checkID)
	if err != nil {
		return err
	}
	switch c.Status {
	case check.StatusClosed:
		return check.Conflict(check.CodeCheckClosed, c.ID, string(c.Status), "check is closed")
	case check.StatusVoided:
		return check.Conflict(check.CodeCheckVoided, c.ID, string(c.Status), "check is voided")
	}
	if c.HasPending() {
		return check.Conflict(check.CodePendingItems, c.ID, string(c.Status), "pending items must be finalized or voided before payment")
	}
	if amount <= money.Zero {
		return check.Invalid("amount", "amount must be positive")
	}
	return nil
}

// AuthorizeCard runs a gateway authorization and records the payment only
// after the processor confirms. The gateway call happens with the check
// marked settling but the stripe released, so a slow processor never
// blocks other checks sharing the stripe.
func (s *Service) AuthorizeCard(ctx context.Context, sess Session, checkID uuid.UUID, tenderID string, amount money.Cents) (*check.Check, error) {
	if c, seen, err := s.replay(ctx, sess.RequestKey); err != nil || seen {
		return c, err
	}
	if sess.RequestKey == "" {
		return nil, check.Invalid("idempotency_key", "card authorization requires a client request id")
	}

	m := s.stripeFor(checkID)
	m.Lock()
	if c, seen, err := s.replay(ctx, sess.RequestKey); err != nil || seen {
		m.Unlock()
		return c, err
	}
	if err := s.precheckPayment(ctx, sess, checkID, amount); err != nil {
		m.Unlock()
		return nil, err
	}
	if err := s.beginSettle(checkID); err != nil {
		m.Unlock()
		return nil, err
	}
	m.Unlock()
	defer s.endSettle(checkID)

	p, err := s.payments.Authorize(ctx, payment.AuthRequest{
		TenderID:       tenderID,
		Amount:         amount,
		IdempotencyKey: sess.RequestKey,
	})
	if err != nil {
		s.log.Error("card_authorize", err, logging.Fields{
			"check_id": checkID.String(), "tender_id": tenderID,
		})
		return nil, err
	}

	m.Lock()
	defer m.Unlock()
	c, err := s.store.GetCheck(ctx, checkID)
	if err != nil {
		return nil, err
	}
	if err := s.engine.RecordAuthorization(c, p); err != nil {
		// The authorization exists at the processor but the check cannot
		// take it; void it so no charge dangles.
		if verr := s.payments.VoidAuthorization(ctx, &p); verr != nil {
			s.log.Error("orphan_authorization", verr, logging.Fields{
				"check_id": checkID.String(), "gateway_txn_id": p.GatewayTxnID,
			})
		}
		return nil, err
	}
	if err := s.store.SaveCheck(ctx, c, sess.RequestKey); err != nil {
		return nil, err
	}
	return c, nil
}

// PayCash records and captures a cash tender in one step. Over-tender
// change is computed at the terminal; only the applied amount reaches the
// check, so amount may not exceed the balance.
func (s *Service) PayCash(ctx context.Context, sess Session, checkID uuid.UUID, amount, tip money.Cents) (*check.Check, error) {
	id := uuid.New()
	return s.mutate(ctx, sess, checkID, func(c *check.Check) error {
		p := check.Payment{
			ID:         id,
			TenderID:   CashTenderID,
			Amount:     amount,
			RequestKey: sess.RequestKey,
		}
		if err := s.engine.RecordAuthorization(c, p); err != nil {
			return err
		}
		return s.engine.CapturePayment(c, id, tip)
	})
}

// CapturePayment settles an authorized payment, adding the tip. Card
// payments capture at the gateway first; only a confirmed capture reaches
// the aggregate.
func (s *Service) CapturePayment(ctx context.Context, sess Session, checkID, paymentID uuid.UUID, tip money.Cents) (*check.Check, error) {
	if c, seen, err := s.replay(ctx, sess.RequestKey); err != nil || seen {
		return c, err
	}

	m := s.stripeFor(checkID)
	m.Lock()
	if c, seen, err := s.replay(ctx, sess.RequestKey); err != nil || seen {
		m.Unlock()
		return c, err
	}
	if err := s.requireEditable(ctx, checkID, sess); err != nil {
		m.Unlock()
		return nil, err
	}
	c, err := s.store.GetCheck(ctx, checkID)
	if err != nil {
		m.Unlock()
		return nil, err
	}
	p := c.Payment(paymentID)
	if p == nil {
		m.Unlock()
		return nil, check.Invalid("payment_id", "no such payment on check")
	}
	if p.Status != check.PaymentAuthorized {
		m.Unlock()
		return nil, check.Conflict(check.CodePaymentState, c.ID, string(p.Status), "only authorized payments can be captured")
	}

	if p.GatewayTxnID == "" {
		// No gateway leg: apply under the stripe in one step.
		defer m.Unlock()
		if err := s.engine.CapturePayment(c, paymentID, tip); err != nil {
			return nil, err
		}
		if err := s.store.SaveCheck(ctx, c, sess.RequestKey); err != nil {
			return nil, err
		}
		return c, nil
	}

	pcopy := *p
	if err := s.beginSettle(checkID); err != nil {
		m.Unlock()
		return nil, err
	}
	m.Unlock()
	defer s.endSettle(checkID)

	if err := s.payments.Capture(ctx, &pcopy, tip); err != nil {
		s.log.Error("card_capture", err, logging.Fields{
			"check_id": checkID.String(), "payment_id": paymentID.String(),
		})
		return nil, err
	}

	m.Lock()
	defer m.Unlock()
	c, err = s.store.GetCheck(ctx, checkID)
	if err != nil {
		return nil, err
	}
	if err := s.engine.CapturePayment(c, paymentID, tip); err != nil {
		return nil, err
	}
	if err := s.store.SaveCheck(ctx, c, sess.RequestKey); err != nil {
		return nil, err
	}
	return c, nil
}

// VoidPayment cancels an authorization before capture, at the gateway
// first when one is involved.
func (s *Service) VoidPayment(ctx context.Context, sess Session, checkID, paymentID uuid.UUID) (*check.Check, error) {
	return s.gatewayThenMutate(ctx, sess, checkID, paymentID,
		func(p check.Payment) error {
			if p.GatewayTxnID == "" {
				return nil
			}
			return s.payments.VoidAuthorization(ctx, &p)
		},
		func(c *check.Check) error {
			return s.engine.VoidPayment(c, paymentID)
		})
}

// RefundPayment returns part or all of a captured payment.
func (s *Service) RefundPayment(ctx context.Context, sess Session, checkID, paymentID uuid.UUID, amount money.Cents) (*check.Check, error) {
	return s.gatewayThenMutate(ctx, sess, checkID, paymentID,
		func(p check.Payment) error {
			if p.GatewayTxnID == "" {
				return nil
			}
			return s.payments.Refund(ctx, &p, amount)
		},
		func(c *check.Check) error {
			return s.engine.RefundPayment(c, paymentID, amount)
		})
}

// gatewayThenMutate is the shared void/refund shape: snapshot the payment
// under the stripe, run the gateway step under a settle hold, then apply
// and persist the transition.
func (s *Service) gatewayThenMutate(ctx context.Context, sess Session, checkID, paymentID uuid.UUID, gw func(check.Payment) error, apply func(*check.Check) error) (*check.Check, error) {
	if c, seen, err := s.replay(ctx, sess.RequestKey); err != nil || seen {
		return c, err
	}

	m := s.stripeFor(checkID)
	m.Lock()
	if c, seen, err := s.replay(ctx, sess.RequestKey); err != nil || seen {
		m.Unlock()
		return c, err
	}
	if err := s.requireEditable(ctx, checkID, sess); err != nil {
		m.Unlock()
		return nil, err
	}
	c, err := s.store.GetCheck(ctx, checkID)
	if err != nil {
		m.Unlock()
		return nil, err
	}
	p := c.Payment(paymentID)
	if p == nil {
		m.Unlock()
		return nil, check.Invalid("payment_id", "no such payment on check")
	}
	pcopy := *p
	if err := s.beginSettle(checkID); err != nil {
		m.Unlock()
		return nil, err
	}
	m.Unlock()
	defer s.endSettle(checkID)

	if err := gw(pcopy); err != nil {
		return nil, err
	}

	m.Lock()
	defer m.Unlock()
	c, err = s.store.GetCheck(ctx, checkID)
	if err != nil {
		return nil, err
	}
	if err := apply(c); err != nil {
		return nil, err
	}
	if err := s.store.SaveCheck(ctx, c, sess.RequestKey); err != nil {
		return nil, err
	}
	return c, nil
}
