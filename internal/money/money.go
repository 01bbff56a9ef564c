package money

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by ledger amounts. It
// matches the NUMERIC(38,8) columns backing the store.
const Scale = 8

// ErrInvalidAmount indicates the input is not a valid decimal amount for the
// ledger (malformed, too precise, or out of range for the operation).
var ErrInvalidAmount = errors.New("invalid amount")

// Amount is an exact fixed-precision decimal. The zero value is zero.
// Arithmetic never touches binary floating point.
type Amount struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Amount{}

// Parse converts a textual decimal into an Amount. It rejects malformed
// input and input with more than Scale fractional digits.
func Parse(s string) (Amount, error) {
	if s == "" {
		return Amount{}, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.Exponent() < -Scale {
		return Amount{}, fmt.Errorf("%w: %q exceeds %d decimal places", ErrInvalidAmount, s, Scale)
	}
	return Amount{d: d}, nil
}

// ParsePositive converts boundary input that must be strictly greater than
// zero, as required for deposit, withdraw, and transfer amounts.
func ParsePositive(s string) (Amount, error) {
	a, err := Parse(s)
	if err != nil {
		return Amount{}, err
	}
	if !a.Positive() {
		return Amount{}, fmt.Errorf("%w: %q must be greater than zero", ErrInvalidAmount, s)
	}
	return a, nil
}

// MustParse parses a literal amount and panics on failure. Test helper.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Add returns a + b exactly.
func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }

// Sub returns a - b exactly.
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }

// Cmp compares two amounts: -1 if a < b, 0 if equal, 1 if a > b.
func (a Amount) Cmp(b Amount) int { return a.d.Cmp(b.d) }

// Equal reports exact numeric equality.
func (a Amount) Equal(b Amount) bool { return a.d.Equal(b.d) }

// LessThan reports a < b.
func (a Amount) LessThan(b Amount) bool { return a.d.LessThan(b.d) }

// Positive reports a > 0.
func (a Amount) Positive() bool { return a.d.Sign() > 0 }

// Negative reports a < 0.
func (a Amount) Negative() bool { return a.d.Sign() < 0 }

// IsZero reports a == 0.
func (a Amount) IsZero() bool { return a.d.IsZero() }

// String renders the amount as a plain decimal with no padding and full
// precision, e.g. "40", "0.00000001".
func (a Amount) String() string { return a.d.String() }

// MarshalJSON encodes the amount as a quoted decimal string so precision
// survives clients that parse JSON numbers as floats.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.d.String() + `"`), nil
}

// UnmarshalJSON accepts either a quoted decimal string or a bare JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer for NUMERIC columns.
func (a Amount) Value() (driver.Value, error) { return a.d.Value() }

// Scan implements sql.Scanner for NUMERIC columns.
func (a *Amount) Scan(src any) error { return a.d.Scan(src) }
