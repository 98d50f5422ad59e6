package ledger

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// Amount is an unsigned 256-bit quantity with checked arithmetic.
// It is a value type: copies never alias.
type Amount struct {
	v uint256.Int
}

// NewAmount returns an Amount holding x.
func NewAmount(x uint64) Amount {
	var a Amount
	a.v.SetUint64(x)
	return a
}

// AmountFromUint256 copies x into an Amount. A nil x yields zero.
func AmountFromUint256(x *uint256.Int) Amount {
	var a Amount
	if x != nil {
		a.v.Set(x)
	}
	return a
}

// ParseAmount parses a base-10 unsigned integer.
func ParseAmount(s string) (Amount, error) {
	var a Amount
	if s == "" {
		return a, fmt.Errorf("parse amount: empty string")
	}
	if err := a.v.SetFromDecimal(s); err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return a, nil
}

// MustAmount is ParseAmount for constants and tests.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) IsZero() bool { return a.v.IsZero() }

func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }

func (a Amount) Lt(b Amount) bool { return a.v.Lt(&b.v) }

func (a Amount) Eq(b Amount) bool { return a.v.Eq(&b.v) }

// Add returns a+b or ErrOverflow.
func (a Amount) Add(b Amount) (Amount, error) {
	var out Amount
	if _, overflow := out.v.AddOverflow(&a.v, &b.v); overflow {
		return Amount{}, fmt.Errorf("%w: %s + %s", ErrOverflow, a, b)
	}
	return out, nil
}

// Sub returns a-b or ErrUnderflow.
func (a Amount) Sub(b Amount) (Amount, error) {
	var out Amount
	if _, underflow := out.v.SubOverflow(&a.v, &b.v); underflow {
		return Amount{}, fmt.Errorf("%w: %s - %s", ErrUnderflow, a, b)
	}
	return out, nil
}

// Min returns the smaller of a and b.
func (a Amount) Min(b Amount) Amount {
	if b.Lt(a) {
		return b
	}
	return a
}

// Uint256 returns a fresh copy of the underlying integer.
func (a Amount) Uint256() *uint256.Int {
	return new(uint256.Int).Set(&a.v)
}

// Big returns the value as a big.Int.
func (a Amount) Big() *big.Int {
	return a.v.ToBig()
}

// Bytes32 returns the big-endian fixed-width encoding used in digests.
func (a Amount) Bytes32() [32]byte {
	return a.v.Bytes32()
}

func (a Amount) String() string {
	return a.v.Dec()
}

func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.v.Dec()), nil
}

func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := ParseAmount(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
