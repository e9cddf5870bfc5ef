package lending

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultLoanPeriod is used when no loan period is configured.
var DefaultLoanPeriod = NewAmountFromInt(14, UnitDays)

// MaxLoanPeriod is the longest loan period accepted.
var MaxLoanPeriod = NewAmountFromInt(3650, UnitDays)

// Policy decides the due date of a new borrow. It is consulted once per
// borrow; the result is snapshotted into the ledger entry.
type Policy struct {
	LoanPeriod Amount
}

func DefaultPolicy() Policy {
	return Policy{LoanPeriod: DefaultLoanPeriod}
}

func (p Policy) Validate() error {
	if !p.LoanPeriod.IsPositive() || p.LoanPeriod.Duration() <= 0 {
		return fmt.Errorf("loan period must be positive, got %s", p.LoanPeriod)
	}
	if p.LoanPeriod.Exceeds(MaxLoanPeriod) {
		return fmt.Errorf("loan period %s exceeds the maximum of %s", p.LoanPeriod, MaxLoanPeriod)
	}
	return nil
}

// DueDate returns the due date for a borrow logged at borrowedAt.
func (p Policy) DueDate(borrowedAt time.Time) time.Time {
	return borrowedAt.Add(p.LoanPeriod.Duration())
}

// ParseLoanPeriod parses "14d", "36h", "90m" or "1.5d".
func ParseLoanPeriod(s string) (Amount, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if len(s) < 2 {
		return Amount{}, fmt.Errorf("invalid loan period %q", s)
	}

	var unit Unit
	switch s[len(s)-1] {
	case 'd':
		unit = UnitDays
	case 'h':
		unit = UnitHours
	case 'm':
		unit = UnitMinutes
	default:
		return Amount{}, fmt.Errorf("invalid loan period %q: unit must be d, h or m", s)
	}

	value, err := decimal.NewFromString(s[:len(s)-1])
	if err != nil {
		return Amount{}, fmt.Errorf("invalid loan period %q: %w", s, err)
	}
	a := Amount{Value: value, Unit: unit}
	if !a.IsPositive() {
		return Amount{}, fmt.Errorf("invalid loan period %q: must be positive", s)
	}
	if a.Exceeds(MaxLoanPeriod) {
		return Amount{}, fmt.Errorf("invalid loan period %q: longer than %s", s, MaxLoanPeriod.Compact())
	}
	return a, nil
}
