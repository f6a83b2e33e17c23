// Package kitchen publishes send-to-kitchen rounds as tickets. Ticket
// formatting and printer fan-out belong to the downstream consumer; CAPS
// only guarantees that each round is emitted exactly once, after commit.
package kitchen

import (
	"time"

	"github.com/google/uuid"

	"github.com/tablewire/caps/internal/check"
)

// TicketItem is one line on a kitchen ticket.
type TicketItem struct {
	Name       string   `json:"name"`
	Quantity   int64    `json:"quantity"`
	Modifiers  []string `json:"modifiers,omitempty"`
	SeatNumber int      `json:"seat_number,omitempty"`
}

// Ticket is the event consumed by the kitchen display / printer router.
type Ticket struct {
	CheckID     uuid.UUID       `json:"check_id"`
	CheckNumber string          `json:"check_number"`
	OrderType   check.OrderType `json:"order_type"`
	RoundSeq    int             `json:"round_seq"`
	SentAt      time.Time       `json:"sent_at"`
	Items       []TicketItem    `json:"items"`
}

// BuildTicket maps a committed round to its ticket. Only the items listed
// in the round appear; items from earlier rounds are never re-emitted.
func BuildTicket(c *check.Check, round check.Round) Ticket {
	t := Ticket{
		CheckID:     c.ID,
		CheckNumber: c.Number,
		OrderType:   c.OrderType,
		RoundSeq:    round.Seq,
		SentAt:      round.SentAt,
	}
	for _, id := range round.ItemIDs {
		it := c.Item(id)
		if it == nil {
			continue
		}
		ti := TicketItem{Name: it.Name, Quantity: it.Quantity, SeatNumber: it.SeatNumber}
		for _, m := range it.Modifiers {
			ti.Modifiers = append(ti.Modifiers, m.Name)
		}
		t.Items = append(t.Items, ti)
	}
	return t
}
