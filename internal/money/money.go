// Package money holds fixed-point fiat amounts and the token allocation math.
//
// Fiat is kept as an exact integer count of fils (1 AED = 100 fils) so that
// capacity and funded checks are integer comparisons.
package money

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// Scale is the number of decimal places of an Amount.
	Scale = 2
)

var (
	ErrTooPrecise = errors.New("amount has more than 2 decimal places")
	ErrOverflow   = errors.New("amount out of range")

	maxAmount = decimal.NewFromInt(int64(^uint64(0) >> 1))
)

// Amount is a fiat value in fils.
type Amount int64

// Parse converts a decimal string such as "250.70" into an Amount.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return FromDecimal(d)
}

// FromDecimal converts d into fils, rejecting sub-fils precision instead of rounding.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	if !d.Equal(d.Truncate(Scale)) {
		return 0, ErrTooPrecise
	}
	fils := d.Shift(Scale)
	if fils.Abs().GreaterThan(maxAmount) {
		return 0, ErrOverflow
	}
	return Amount(fils.IntPart()), nil
}

func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Scale)
}

func (a Amount) String() string {
	return a.Decimal().StringFixed(Scale)
}

func (a Amount) IsPositive() bool { return a > 0 }

// MarshalJSON encodes the amount as a quoted decimal ("250.70").
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts both quoted and bare JSON numbers.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	v, err := FromDecimal(d)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Value stores the amount as a BIGINT count of fils.
func (a Amount) Value() (driver.Value, error) {
	return int64(a), nil
}

func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		*a = Amount(v)
	case int32:
		*a = Amount(v)
	case nil:
		*a = 0
	default:
		return fmt.Errorf("cannot scan %T into money.Amount", src)
	}
	return nil
}

// Tokens returns floor(amount / (totalValue / totalSupply)), computed exactly as
// floor(amount * totalSupply / totalValue). The fractional remainder is not converted.
func Tokens(amount, totalValue Amount, totalSupply int64) int64 {
	if amount <= 0 || totalValue <= 0 || totalSupply <= 0 {
		return 0
	}
	num := decimal.NewFromInt(int64(amount)).Mul(decimal.NewFromInt(totalSupply))
	q, _ := num.QuoRem(decimal.NewFromInt(int64(totalValue)), 0)
	return q.IntPart()
}

// PricePerToken is totalValue / totalSupply in AED, for display.
func PricePerToken(totalValue Amount, totalSupply int64) decimal.Decimal {
	if totalSupply <= 0 {
		return decimal.Zero
	}
	return totalValue.Decimal().DivRound(decimal.NewFromInt(totalSupply), 6)
}
