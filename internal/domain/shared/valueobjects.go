// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ═══════════════════════════════════════════════════════════════════════════
// Account
// ═══════════════════════════════════════════════════════════════════════════

// Account identifies a contributor, beneficiary, administrator or minter.
type Account = common.Address

// ZeroAccount is never a valid participant.
var ZeroAccount = common.Address{}

// ParseAccount parses a 0x-prefixed hex address. The zero address is rejected.
func ParseAccount(s string) (Account, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return ZeroAccount, ErrInvalidAccount
	}
	acc := common.HexToAddress(s)
	if acc == ZeroAccount {
		return ZeroAccount, ErrInvalidAccount
	}
	return acc, nil
}

// MustParseAccount is ParseAccount for constants and tests.
func MustParseAccount(s string) Account {
	acc, err := ParseAccount(s)
	if err != nil {
		panic(err)
	}
	return acc
}

// ═══════════════════════════════════════════════════════════════════════════
// Amount
// ═══════════════════════════════════════════════════════════════════════════

// Amount is an exact unsigned 256-bit quantity of value or tokens.
// The zero value is 0 and ready to use.
type Amount = uint256.Int

// NewAmount returns an Amount holding v.
func NewAmount(v uint64) Amount {
	return *uint256.NewInt(v)
}

// ParseAmount parses a base-10 unsigned integer string.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, ErrInvalidAmount
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return Amount{}, WrapError("shared", "ParseAmount", ErrInvalidFormat, "invalid amount", err)
	}
	return *v, nil
}

// AddAmounts returns a+b or ErrArithmeticOverflow.
func AddAmounts(a, b Amount) (Amount, error) {
	var z Amount
	if _, overflow := z.AddOverflow(&a, &b); overflow {
		return Amount{}, ErrArithmeticOverflow
	}
	return z, nil
}

// SubAmountsFloor returns a-b, or zero when b > a.
func SubAmountsFloor(a, b Amount) Amount {
	if b.Gt(&a) {
		return Amount{}
	}
	var z Amount
	z.Sub(&a, &b)
	return z
}

// MulDivAmounts returns floor(a*b/d). The intermediate product must fit in
// 256 bits. d must be non-zero.
func MulDivAmounts(a, b, d Amount) (Amount, error) {
	var prod Amount
	if _, overflow := prod.MulOverflow(&a, &b); overflow {
		return Amount{}, ErrArithmeticOverflow
	}
	if d.IsZero() {
		return Amount{}, ErrArithmeticOverflow
	}
	var z Amount
	z.Div(&prod, &d)
	return z, nil
}

// FormatAmount renders an Amount as a base-10 string.
func FormatAmount(a Amount) string {
	return a.Dec()
}
