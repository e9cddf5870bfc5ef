package lending_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librarylend/ledger/lending"
)

func TestParseLoanPeriod(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"14d", 14 * 24 * time.Hour},
		{"36h", 36 * time.Hour},
		{"90m", 90 * time.Minute},
		{"1.5d", 36 * time.Hour},
		{" 7D ", 7 * 24 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			a, err := lending.ParseLoanPeriod(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.Duration())
		})
	}
}

func TestParseLoanPeriod_Invalid(t *testing.T) {
	for _, in := range []string{"", "d", "14", "14w", "-3d", "0h", "abc d"} {
		_, err := lending.ParseLoanPeriod(in)
		assert.Error(t, err, in)
	}
}

func TestPolicy_DueDate(t *testing.T) {
	p := lending.DefaultPolicy()
	require.NoError(t, p.Validate())

	due := p.DueDate(testNow)

	assert.Equal(t, time.Date(2025, time.March, 24, 9, 0, 0, 0, time.UTC), due)
}

func TestPolicy_Validate_RejectsNonPositive(t *testing.T) {
	p := lending.Policy{LoanPeriod: lending.NewAmountFromInt(0, lending.UnitDays)}
	assert.Error(t, p.Validate())
}

func TestAmount_String(t *testing.T) {
	assert.Equal(t, "14 days", lending.DefaultLoanPeriod.String())
	assert.Equal(t, "1.5 days", lending.NewAmount(1.5, lending.UnitDays).String())
}

func TestAmount_CompactRoundTrip(t *testing.T) {
	for _, a := range []lending.Amount{
		lending.DefaultLoanPeriod,
		lending.NewAmount(1.5, lending.UnitDays),
		lending.NewAmountFromInt(36, lending.UnitHours),
		lending.NewAmountFromInt(90, lending.UnitMinutes),
	} {
		parsed, err := lending.ParseLoanPeriod(a.Compact())
		require.NoError(t, err, a.Compact())
		assert.Equal(t, a.Duration(), parsed.Duration())
	}
	assert.Equal(t, "14d", lending.DefaultLoanPeriod.Compact())
}

func TestLoanPeriod_UpperBound(t *testing.T) {
	t.Run("parse rejects periods beyond the maximum", func(t *testing.T) {
		for _, in := range []string{"300000d", "3651d", "87649h"} {
			_, err := lending.ParseLoanPeriod(in)
			assert.Error(t, err, in)
		}
	})

	t.Run("the maximum itself is accepted", func(t *testing.T) {
		a, err := lending.ParseLoanPeriod("3650d")
		require.NoError(t, err)
		assert.NoError(t, lending.Policy{LoanPeriod: a}.Validate())
	})

	t.Run("validate rejects an oversized amount built directly", func(t *testing.T) {
		p := lending.Policy{LoanPeriod: lending.NewAmountFromInt(300000, lending.UnitDays)}
		assert.Error(t, p.Validate())
	})

	t.Run("duration saturates instead of wrapping", func(t *testing.T) {
		huge := lending.NewAmountFromInt(300000, lending.UnitDays)
		assert.Equal(t, time.Duration(math.MaxInt64), huge.Duration())
		assert.True(t, huge.Exceeds(lending.MaxLoanPeriod))
		assert.False(t, lending.DefaultLoanPeriod.Exceeds(lending.MaxLoanPeriod))
	})
}
