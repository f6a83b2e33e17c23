package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablewire/caps/internal/check"
	"github.com/tablewire/caps/internal/testutil"
)

func newManager(t *testing.T) (*MemoryManager, *testutil.Clock) {
	t.Helper()
	clk := testutil.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewMemory(90*time.Second, WithNow(clk.Now)), clk
}

func TestAcquire_ConflictCarriesHolderIdentity(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	id := uuid.New()

	_, err := m.Acquire(ctx, id, "ws-A", "emp-1")
	require.NoError(t, err)

	_, err = m.Acquire(ctx, id, "ws-B", "emp-2")
	var conflict *check.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, check.CodeLockHeld, conflict.Code)
	assert.Equal(t, "ws-A", conflict.HolderWorkstation)
	assert.Equal(t, "emp-1", conflict.HolderEmployee)
}

func TestAcquire_ReentrantForSameWorkstation(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	id := uuid.New()

	_, err := m.Acquire(ctx, id, "ws-A", "emp-1")
	require.NoError(t, err)
	// Same workstation, different employee: re-entrant.
	l, err := m.Acquire(ctx, id, "ws-A", "emp-2")
	require.NoError(t, err)
	assert.Equal(t, "emp-2", l.EmployeeID)
}

func TestAcquire_AfterExpirySucceeds(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()
	id := uuid.New()

	_, err := m.Acquire(ctx, id, "ws-A", "emp-1")
	require.NoError(t, err)

	_, err = m.Acquire(ctx, id, "ws-B", "emp-2")
	require.Error(t, err)

	clk.Advance(2 * time.Minute)

	l, err := m.Acquire(ctx, id, "ws-B", "emp-2")
	require.NoError(t, err)
	assert.Equal(t, "ws-B", l.WorkstationID)
}

func TestRefresh(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()
	id := uuid.New()

	first, err := m.Acquire(ctx, id, "ws-A", "emp-1")
	require.NoError(t, err)

	clk.Advance(60 * time.Second)
	refreshed, err := m.Refresh(ctx, id, "ws-A", "emp-1")
	require.NoError(t, err)
	assert.True(t, refreshed.ExpiresAt.After(first.ExpiresAt))

	// Once expired and stolen, refresh from the old holder fails.
	clk.Advance(2 * time.Minute)
	_, err = m.Acquire(ctx, id, "ws-B", "emp-2")
	require.NoError(t, err)
	_, err = m.Refresh(ctx, id, "ws-A", "emp-1")
	var conflict *check.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "ws-B", conflict.HolderWorkstation)
}

func TestRefresh_ExpiredUnheld(t *testing.T) {
	m, clk := newManager(t)
	ctx := context.Background()
	id := uuid.New()

	_, err := m.Acquire(ctx, id, "ws-A", "emp-1")
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)

	_, err = m.Refresh(ctx, id, "ws-A", "emp-1")
	var conflict *check.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, check.CodeLockHeld, conflict.Code)
}

func TestRelease_NoOpWhenNotOwned(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	id := uuid.New()

	_, err := m.Acquire(ctx, id, "ws-A", "emp-1")
	require.NoError(t, err)

	// Releasing from the wrong workstation changes nothing.
	require.NoError(t, m.Release(ctx, id, "ws-B"))
	_, held, err := m.Holder(ctx, id)
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, m.Release(ctx, id, "ws-A"))
	_, held, err = m.Holder(ctx, id)
	require.NoError(t, err)
	assert.False(t, held)

	// Double release is a no-op.
	require.NoError(t, m.Release(ctx, id, "ws-A"))
}

func TestReleaseAll(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	_, err := m.Acquire(ctx, a, "ws-A", "emp-1")
	require.NoError(t, err)
	_, err = m.Acquire(ctx, b, "ws-A", "emp-1")
	require.NoError(t, err)
	_, err = m.Acquire(ctx, c, "ws-B", "emp-2")
	require.NoError(t, err)

	require.NoError(t, m.ReleaseAll(ctx, "ws-A"))

	_, held, _ := m.Holder(ctx, a)
	assert.False(t, held)
	_, held, _ = m.Holder(ctx, b)
	assert.False(t, held)
	_, held, _ = m.Holder(ctx, c)
	assert.True(t, held, "ws-B lock survives ws-A releaseAll")
}

func TestAcquire_SingleWinnerUnderContention(t *testing.T) {
	// N workstations race for the same check; exactly one may hold the
	// lock at any instant.
	m, _ := newManager(t)
	ctx := context.Background()
	id := uuid.New()

	const n = 32
	var wg sync.WaitGroup
	winners := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ws := "ws-" + string(rune('A'+i%26)) + uuid.NewString()[:4]
			if _, err := m.Acquire(ctx, id, ws, "emp"); err == nil {
				winners <- ws
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	require.Len(t, winners, 1)
	holder, held, err := m.Holder(ctx, id)
	require.NoError(t, err)
	require.True(t, held)
	assert.Equal(t, <-winners, holder.WorkstationID)
}
