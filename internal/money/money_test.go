package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Cents
	}{
		{"10.80", 1080},
		{"10.8", 1080},
		{"10", 1000},
		{"0.05", 5},
		{".99", 99},
		{"-4.20", -420},
		{"0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "abc", "1.234", "1..2", "$5"} {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			assert.Error(t, err)
		})
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "10.80", Cents(1080).String())
	assert.Equal(t, "0.05", Cents(5).String())
	assert.Equal(t, "-4.20", Cents(-420).String())
	assert.Equal(t, "0.00", Zero.String())
}

func TestApplyBasisPoints(t *testing.T) {
	// 8% add-on tax on 10.00 is exactly 0.80.
	assert.Equal(t, Cents(80), Cents(1000).ApplyBasisPoints(800))
	// Half-up at the minor unit: 8% of 0.06 = 0.0048 -> 0.00, 8% of 0.07 = 0.0056 -> 0.01.
	assert.Equal(t, Cents(0), Cents(6).ApplyBasisPoints(800))
	assert.Equal(t, Cents(1), Cents(7).ApplyBasisPoints(800))
	// Negative amounts round away from zero symmetrically.
	assert.Equal(t, Cents(-80), Cents(-1000).ApplyBasisPoints(800))
}

func TestMul(t *testing.T) {
	assert.Equal(t, Cents(2500), Cents(500).Mul(5))
}

func TestChangeDue(t *testing.T) {
	// 15.00 cash on a 10.80 check owes 4.20 back.
	assert.Equal(t, MustParse("4.20"), ChangeDue(MustParse("15.00"), MustParse("10.80")))
	assert.Equal(t, Zero, ChangeDue(MustParse("10.80"), MustParse("10.80")))
	assert.Equal(t, Zero, ChangeDue(MustParse("5.00"), MustParse("10.80")))
}
