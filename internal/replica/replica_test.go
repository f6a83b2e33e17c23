package replica

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablewire/caps/internal/check"
	"github.com/tablewire/caps/internal/money"
	"github.com/tablewire/caps/internal/sequence"
)

func openTestReplica(t *testing.T) *Replica {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "terminal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func sampleCheck(rvcID string, status check.Status) *check.Check {
	return &check.Check{
		ID:        uuid.New(),
		Number:    "1001",
		RVCID:     rvcID,
		Status:    status,
		OrderType: check.DineIn,
		Items: []check.Item{
			{ID: uuid.New(), Name: "Burger", UnitPrice: money.MustParse("10.00"), Quantity: 1, Status: check.ItemActive},
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}

func TestPutGetCheck_RoundTrip(t *testing.T) {
	r := openTestReplica(t)
	ctx := context.Background()

	c := sampleCheck("rvc-1", check.StatusOpen)
	require.NoError(t, r.PutCheck(ctx, c))

	got, err := r.GetCheck(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, c.Number, got.Number)
	require.Len(t, got.Items, 1)
	assert.Equal(t, money.MustParse("10.00"), got.Items[0].UnitPrice)

	// Upsert replaces.
	c.Status = check.StatusClosed
	require.NoError(t, r.PutCheck(ctx, c))
	got, err = r.GetCheck(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, check.StatusClosed, got.Status)
}

func TestGetCheck_NotFound(t *testing.T) {
	r := openTestReplica(t)

	_, err := r.GetCheck(context.Background(), uuid.New())
	var nf *check.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestListOpenChecks_ExcludesTerminal(t *testing.T) {
	r := openTestReplica(t)
	ctx := context.Background()

	require.NoError(t, r.PutCheck(ctx, sampleCheck("rvc-1", check.StatusOpen)))
	require.NoError(t, r.PutCheck(ctx, sampleCheck("rvc-1", check.StatusSent)))
	require.NoError(t, r.PutCheck(ctx, sampleCheck("rvc-1", check.StatusClosed)))
	require.NoError(t, r.PutCheck(ctx, sampleCheck("rvc-2", check.StatusOpen)))

	open, err := r.ListOpenChecks(ctx, "rvc-1")
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestQueue_FIFOAndLifecycle(t *testing.T) {
	r := openTestReplica(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, r.Enqueue(ctx, "add_item", id, map[string]any{"name": "Burger"}, "key-1"))
	require.NoError(t, r.Enqueue(ctx, "send", id, map[string]any{}, "key-2"))
	// Duplicate key: already queued, dropped.
	require.NoError(t, r.Enqueue(ctx, "add_item", id, map[string]any{"name": "Burger"}, "key-1"))

	pending, err := r.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "add_item", pending[0].Op)
	assert.Equal(t, "send", pending[1].Op)
	assert.True(t, pending[0].Seq < pending[1].Seq)

	// Transient failure records backoff state.
	next := time.Now().Add(time.Minute)
	require.NoError(t, r.MarkFailed(ctx, pending[0].Seq, 1, next, "backend unreachable"))
	pending, err = r.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "backend unreachable", pending[0].LastError)
	assert.WithinDuration(t, next, pending[0].NextAttemptAt, time.Second)

	// Done removes; dead parks.
	require.NoError(t, r.MarkDone(ctx, pending[0].Seq))
	require.NoError(t, r.MarkDead(ctx, pending[1].Seq, "retries exhausted"))

	pending, err = r.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	dead, err := r.DeadEntries(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "send", dead[0].Op)

	depth, err := r.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestAllocatorState_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "terminal.db")
	ctx := context.Background()

	r, err := Open(path)
	require.NoError(t, err)

	_, ok, err := r.AllocatorState(ctx, "WS03")
	require.NoError(t, err)
	assert.False(t, ok, "fresh terminal has no allocator position")

	st := sequence.State{WorkstationID: "WS03", Start: 1000, End: 1001, Cursor: 1002, Overflow: 2}
	require.NoError(t, r.SaveAllocatorState(ctx, st))
	require.NoError(t, r.Close())

	// A restarted terminal reads the same position back, so the overflow
	// counter keeps climbing instead of starting over.
	r2, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { r2.Close() })

	got, ok, err := r2.AllocatorState(ctx, "WS03")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, st, got)
}

func TestCredentials_RoundTrip(t *testing.T) {
	r := openTestReplica(t)
	ctx := context.Background()

	hash, err := r.Credential(ctx, "emp-1")
	require.NoError(t, err)
	assert.Empty(t, hash, "unknown employee has no cached credential")

	require.NoError(t, r.UpsertCredential(ctx, "emp-1", "$2a$10$hash", "Dana"))
	hash, err = r.Credential(ctx, "emp-1")
	require.NoError(t, err)
	assert.Equal(t, "$2a$10$hash", hash)
}
