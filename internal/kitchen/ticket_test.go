package kitchen

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablewire/caps/internal/check"
	"github.com/tablewire/caps/internal/money"
)

func demoCheck() *check.Check {
	burgerID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	friesID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	colaID := uuid.MustParse("33333333-3333-3333-3333-333333333333")
	sentAt := time.Date(2026, 3, 14, 18, 5, 0, 0, time.UTC)

	return &check.Check{
		ID:        uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001"),
		Number:    "1042",
		OrderType: check.DineIn,
		Status:    check.StatusSent,
		Items: []check.Item{
			{
				ID: burgerID, Name: "Cheeseburger", UnitPrice: money.MustParse("9.50"),
				Quantity: 2, Status: check.ItemActive, Sent: true, RoundSeq: 1,
				SeatNumber: 1,
				Modifiers: []check.Modifier{
					{Name: "No Onion"},
					{Name: "Extra Cheese", PriceDelta: money.MustParse("0.75")},
				},
			},
			{
				ID: friesID, Name: "Fries", UnitPrice: money.MustParse("3.25"),
				Quantity: 1, Status: check.ItemActive, Sent: true, RoundSeq: 1,
				SeatNumber: 2,
			},
			// Voided before send: must never reach the kitchen.
			{
				ID: colaID, Name: "Cola", UnitPrice: money.MustParse("2.50"),
				Quantity: 1, Status: check.ItemVoided,
			},
		},
		Rounds: []check.Round{
			{Seq: 1, SentAt: sentAt, ItemIDs: []uuid.UUID{burgerID, friesID}},
		},
	}
}

func TestBuildTicket_Golden(t *testing.T) {
	c := demoCheck()
	ticket := BuildTicket(c, c.Rounds[0])

	data, err := json.MarshalIndent(ticket, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "dine_in_round", append(data, '\n'))
}

func TestBuildTicket_SkipsUnknownAndVoided(t *testing.T) {
	c := demoCheck()
	round := c.Rounds[0]
	round.ItemIDs = append(round.ItemIDs, uuid.MustParse("99999999-9999-9999-9999-999999999999"))

	ticket := BuildTicket(c, round)
	require.Len(t, ticket.Items, 2)
	assert.Equal(t, "Cheeseburger", ticket.Items[0].Name)
	assert.Equal(t, []string{"No Onion", "Extra Cheese"}, ticket.Items[0].Modifiers)
	assert.Equal(t, "Fries", ticket.Items[1].Name)
}

func TestMemoryPublisher_CapturesInOrder(t *testing.T) {
	p := NewMemoryPublisher()
	c := demoCheck()

	first := BuildTicket(c, c.Rounds[0])
	require.NoError(t, p.Publish(context.Background(), first))

	second := first
	second.RoundSeq = 2
	require.NoError(t, p.Publish(context.Background(), second))

	got := p.Tickets()
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].RoundSeq)
	assert.Equal(t, 2, got[1].RoundSeq)
}
