// Package money provides the single exact-decimal scalar type used for
// every price, quantity, percentage, and P&L value in the execution core.
// No binary floating point value is ever persisted or compared; Money
// wraps shopspring/decimal, which carries at least 28 significant digits
// and performs base-10 arithmetic exactly.
package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is a signed exact-decimal scalar.
type Money struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Money{d: decimal.Zero}

// New wraps a decimal.Decimal as Money.
func New(d decimal.Decimal) Money {
	return Money{d: d}
}

// NewFromString parses a decimal string exactly (no float64 round trip).
func NewFromString(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return Money{d: d}, nil
}

// NewFromInt builds Money from an integer quantity.
func NewFromInt(v int64) Money {
	return Money{d: decimal.NewFromInt(v)}
}

// Dec returns the underlying decimal.Decimal for interop with libraries
// that accept it directly (e.g. gorm column types).
func (m Money) Dec() decimal.Decimal { return m.d }

func (m Money) Add(o Money) Money { return Money{d: m.d.Add(o.d)} }
func (m Money) Sub(o Money) Money { return Money{d: m.d.Sub(o.d)} }
func (m Money) Mul(o Money) Money { return Money{d: m.d.Mul(o.d)} }
func (m Money) Div(o Money) Money { return Money{d: m.d.Div(o.d)} }
func (m Money) Neg() Money        { return Money{d: m.d.Neg()} }
func (m Money) Abs() Money        { return Money{d: m.d.Abs()} }

// MulFrac multiplies by a fractional percentage expressed as a decimal
// string, e.g. MulFrac("0.02") for 2%.
func (m Money) MulFrac(fraction string) Money {
	f, err := decimal.NewFromString(fraction)
	if err != nil {
		panic(fmt.Sprintf("money: invalid fraction %q: %v", fraction, err))
	}
	return Money{d: m.d.Mul(f)}
}

func (m Money) Equal(o Money) bool              { return m.d.Equal(o.d) }
func (m Money) GreaterThan(o Money) bool        { return m.d.GreaterThan(o.d) }
func (m Money) GreaterThanOrEqual(o Money) bool { return m.d.GreaterThanOrEqual(o.d) }
func (m Money) LessThan(o Money) bool           { return m.d.LessThan(o.d) }
func (m Money) LessThanOrEqual(o Money) bool    { return m.d.LessThanOrEqual(o.d) }
func (m Money) IsZero() bool                    { return m.d.IsZero() }
func (m Money) IsPositive() bool                { return m.d.IsPositive() }
func (m Money) IsNegative() bool                { return m.d.IsNegative() }

// Max returns the larger of a and b (used for highest_price_since_entry).
func Max(a, b Money) Money {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// String renders the exact decimal representation.
func (m Money) String() string { return m.d.String() }

// StringFixed renders with a fixed number of decimal places, matching the
// teacher's logging idiom (price.StringFixed(2)).
func (m Money) StringFixed(places int32) string { return m.d.StringFixed(places) }

// MarshalJSON / UnmarshalJSON round-trip through decimal's exact string
// encoding — never through float64 — so Money survives storage.Store's
// JSON-serialized value column exactly.
func (m Money) MarshalJSON() ([]byte, error) { return m.d.MarshalJSON() }

func (m *Money) UnmarshalJSON(data []byte) error {
	return m.d.UnmarshalJSON(data)
}

// Value implements driver.Valuer so Money can be used directly as a gorm
// column type (e.g. on RiskState or denormalized report tables) without an
// intermediate float64 conversion.
func (m Money) Value() (driver.Value, error) {
	return m.d.Value()
}

// Scan implements sql.Scanner, the mirror of Value.
func (m *Money) Scan(value interface{}) error {
	return m.d.Scan(value)
}
