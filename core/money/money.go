// Package money implements the fixed-point currency amount used by the
// marketplace ledger. Amounts are int64 counts of the minor unit (cents) so
// that repeated credits and debits never accumulate rounding error.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by every amount.
const Scale = 2

var (
	// ErrNegativeResult is returned when a subtraction would drop below zero.
	ErrNegativeResult = errors.New("money: negative result")
	// ErrPrecision is returned when a parsed amount carries more than Scale fractional digits.
	ErrPrecision = errors.New("money: too many fractional digits")
	// ErrOverflow is returned when an amount does not fit in the int64 minor-unit range.
	ErrOverflow = errors.New("money: amount out of range")
)

// Money is an amount expressed in cents.
type Money struct {
	cents int64
}

// Zero is the zero amount.
var Zero = Money{}

// FromCents builds an amount from a count of minor units.
func FromCents(cents int64) Money { return Money{cents: cents} }

// Cents returns the amount in minor units.
func (m Money) Cents() int64 { return m.cents }

// Parse reads a decimal string such as "600", "600.5" or "600.50".
func Parse(s string) (Money, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Zero, fmt.Errorf("money: parse %q: empty amount", s)
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return Zero, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return FromDecimal(d)
}

// MustParse is Parse for literals in tests and fixtures.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// FromDecimal converts d to cents, rejecting sub-cent precision.
func FromDecimal(d decimal.Decimal) (Money, error) {
	shifted := d.Shift(Scale)
	if !shifted.Equal(shifted.Truncate(0)) {
		return Zero, fmt.Errorf("%w: %s", ErrPrecision, d.String())
	}
	if !shifted.BigInt().IsInt64() {
		return Zero, fmt.Errorf("%w: %s", ErrOverflow, d.String())
	}
	return Money{cents: shifted.IntPart()}, nil
}

// Decimal returns the amount as a decimal with Scale fractional digits.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.cents, -Scale)
}

// Add returns m + other.
func (m Money) Add(other Money) Money {
	return Money{cents: m.cents + other.cents}
}

// Sub returns m - other, or ErrNegativeResult when other exceeds m.
func (m Money) Sub(other Money) (Money, error) {
	if other.cents > m.cents {
		return m, fmt.Errorf("%w: %s - %s", ErrNegativeResult, m, other)
	}
	return Money{cents: m.cents - other.cents}, nil
}

// Cmp returns -1, 0 or +1 as m is less than, equal to, or greater than other.
func (m Money) Cmp(other Money) int {
	switch {
	case m.cents < other.cents:
		return -1
	case m.cents > other.cents:
		return 1
	default:
		return 0
	}
}

// Equal reports exact equality.
func (m Money) Equal(other Money) bool { return m.cents == other.cents }

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool { return m.cents == 0 }

// IsPositive reports whether the amount is strictly greater than zero.
func (m Money) IsPositive() bool { return m.cents > 0 }

// String formats the amount with exactly two fractional digits.
func (m Money) String() string {
	return m.Decimal().StringFixed(Scale)
}

// Sum adds up a list of amounts.
func Sum(values ...Money) Money {
	var total Money
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// MarshalJSON encodes the amount as a decimal string to keep JSON clients off floats.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts either a decimal string or a JSON number.
func (m *Money) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*m = Zero
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		unquoted, err := strconv.Unquote(raw)
		if err != nil {
			return fmt.Errorf("money: decode %s: %w", raw, err)
		}
		raw = unquoted
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Value stores the amount as an integer count of cents.
func (m Money) Value() (driver.Value, error) {
	return m.cents, nil
}

// Scan reads an integer column. Text and numeric columns are accepted for
// databases that hand BIGINT back as strings.
func (m *Money) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = Zero
	case int64:
		*m = Money{cents: v}
	case int32:
		*m = Money{cents: int64(v)}
	case []byte:
		return m.scanString(string(v))
	case string:
		return m.scanString(v)
	default:
		return fmt.Errorf("money: cannot scan %T", src)
	}
	return nil
}

func (m *Money) scanString(s string) error {
	cents, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return fmt.Errorf("money: scan %q: %w", s, err)
	}
	*m = Money{cents: cents}
	return nil
}
