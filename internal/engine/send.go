package engine

import (
	"github.com/tablewire/caps/internal/check"
)

// Send gathers all active, unsent items, marks them sent and records one
// round listing them. The round is what the kitchen ticket publisher
// consumes.
//
// Re-sending is idempotent per round: items already sent are excluded, so
// a second send with nothing new returns an empty round (Seq 0) and the
// caller must not emit a ticket for it.
func (e *Engine) Send(c *check.Check) (check.Round, error) {
	if err := e.mutable(c); err != nil {
		return check.Round{}, err
	}
	if c.HasPending() {
		return check.Round{}, check.Conflict(check.CodePendingItems, c.ID, string(c.Status), "pending items must be finalized or voided before send")
	}

	pending := c.UnsentActive()
	if len(pending) == 0 {
		if c.Status == check.StatusOpen {
			// First send needs at least one item; there is nothing to
			// transition on.
			return check.Round{}, check.Conflict(check.CodeNoItems, c.ID, string(c.Status), "no active unsent items to send")
		}
		return check.Round{}, nil
	}

	round := check.Round{
		Seq:    len(c.Rounds) + 1,
		SentAt: e.now().UTC(),
	}
	for i := range c.Items {
		it := &c.Items[i]
		if it.Status == check.ItemActive && !it.Sent {
			it.Sent = true
			it.RoundSeq = round.Seq
			round.ItemIDs = append(round.ItemIDs, it.ID)
		}
	}
	c.Rounds = append(c.Rounds, round)
	if c.Status == check.StatusOpen {
		c.Status = check.StatusSent
	}
	e.recompute(c)
	return round, nil
}
