package loyalty

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablewire/caps/internal/money"
)

func TestPoints(t *testing.T) {
	assert.Equal(t, int64(10), Points(money.MustParse("10.80")), "points floor to whole units")
	assert.Equal(t, int64(0), Points(money.MustParse("0.99")))
	assert.Equal(t, int64(0), Points(money.Zero))
	assert.Equal(t, int64(0), Points(money.Cents(-500)))
}

func TestMemoryProgram_DropsDuplicateCheck(t *testing.T) {
	p := NewMemoryProgram()
	id := uuid.New()
	e := Earn{CustomerID: "cust-7", CheckID: id, Subtotal: money.MustParse("25.00"), Points: 25}

	require.NoError(t, p.Accrue(context.Background(), e))
	require.NoError(t, p.Accrue(context.Background(), e))

	earns := p.Earns()
	require.Len(t, earns, 1)
	assert.Equal(t, int64(25), earns[0].Points)
}
