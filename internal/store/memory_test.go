package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablewire/caps/internal/check"
	"github.com/tablewire/caps/internal/money"
)

func sampleCheck() *check.Check {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &check.Check{
		ID:         uuid.New(),
		Number:     "1000",
		RVCID:      "rvc-1",
		EmployeeID: "emp-1",
		OrderType:  check.DineIn,
		Status:     check.StatusOpen,
		Items: []check.Item{{
			ID: uuid.New(), Name: "Burger", UnitPrice: money.MustParse("10.00"),
			Quantity: 1, Status: check.ItemActive,
		}},
		Subtotal:  money.MustParse("10.00"),
		Tax:       money.MustParse("0.80"),
		Total:     money.MustParse("10.80"),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemory_CreateGetSave(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	c := sampleCheck()

	require.NoError(t, s.CreateCheck(ctx, c, "req-1"))
	assert.Error(t, s.CreateCheck(ctx, c, ""), "duplicate create rejected")

	got, err := s.GetCheck(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Number, got.Number)

	// Returned aggregates are clones: mutating them does not leak back.
	got.Status = check.StatusVoided
	again, err := s.GetCheck(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, check.StatusOpen, again.Status)

	c.Status = check.StatusSent
	require.NoError(t, s.SaveCheck(ctx, c, ""))
	again, err = s.GetCheck(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, check.StatusSent, again.Status)
}

func TestMemory_GetMissing(t *testing.T) {
	s := NewMemory()
	_, err := s.GetCheck(context.Background(), uuid.New())
	var nf *check.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestMemory_SeenRequest(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	c := sampleCheck()
	require.NoError(t, s.CreateCheck(ctx, c, "req-1"))

	id, seen, err := s.SeenRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, c.ID, id)

	_, seen, err = s.SeenRequest(ctx, "req-2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMemory_ListOpenChecks(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	open := sampleCheck()
	require.NoError(t, s.CreateCheck(ctx, open, ""))

	closed := sampleCheck()
	closed.ID = uuid.New()
	closed.Status = check.StatusClosed
	require.NoError(t, s.CreateCheck(ctx, closed, ""))

	otherRVC := sampleCheck()
	otherRVC.ID = uuid.New()
	otherRVC.RVCID = "rvc-2"
	require.NoError(t, s.CreateCheck(ctx, otherRVC, ""))

	got, err := s.ListOpenChecks(ctx, "rvc-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, open.ID, got[0].ID)
}

func TestMemory_DuplicateRequestKeyOnOtherCheckRejected(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	a := sampleCheck()
	require.NoError(t, s.CreateCheck(ctx, a, "req-1"))

	b := sampleCheck()
	b.ID = uuid.New()
	require.ErrorIs(t, s.CreateCheck(ctx, b, "req-1"), ErrDuplicateRequest)

	// Re-recording the key against its own check is a replayed save.
	a.Status = check.StatusSent
	require.NoError(t, s.SaveCheck(ctx, a, "req-1"))
}

func TestMemory_Credentials(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	hash, err := s.Credential(ctx, "emp-1")
	require.NoError(t, err)
	assert.Empty(t, hash)

	require.NoError(t, s.UpsertEmployee(ctx, "emp-1", "$2a$10$hash", "Dana"))
	hash, err = s.Credential(ctx, "emp-1")
	require.NoError(t, err)
	assert.Equal(t, "$2a$10$hash", hash)
}

func TestMemory_GrantRangesNeverOverlap(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	a, err := s.GrantRange(ctx, "WS01", 100)
	require.NoError(t, err)
	b, err := s.GrantRange(ctx, "WS02", 100)
	require.NoError(t, err)

	assert.Equal(t, a.End+1, b.Start)
	assert.True(t, a.End < b.Start)
}
