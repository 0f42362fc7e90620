package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAmount(s string) Amount {
	v, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestParseAccount(t *testing.T) {
	acc, err := ParseAccount("  0x52908400098527886E0F7030069857D2E4169EE7 ")
	require.NoError(t, err)
	assert.Equal(t, "0x52908400098527886E0F7030069857D2E4169EE7", acc.Hex())

	for _, bad := range []string{"", "0x123", "not-an-address", "0x0000000000000000000000000000000000000000"} {
		_, err := ParseAccount(bad)
		assert.ErrorIs(t, err, ErrInvalidAccount, "input %q", bad)
	}
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount("100000000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, "100000000000000000000000", FormatAmount(v))

	_, err = ParseAmount("")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ParseAmount("-5")
	assert.True(t, IsValidation(err))

	_, err = ParseAmount("12abc")
	assert.True(t, IsValidation(err))
}

func TestAmountArithmetic(t *testing.T) {
	maxAmount := mustAmount("115792089237316195423570985008687907853269984665640564039457584007913129639935")

	_, err := AddAmounts(maxAmount, NewAmount(1))
	assert.ErrorIs(t, err, ErrArithmeticOverflow)

	sum, err := AddAmounts(NewAmount(2), NewAmount(3))
	require.NoError(t, err)
	assert.Equal(t, NewAmount(5), sum)

	assert.Equal(t, NewAmount(0), SubAmountsFloor(NewAmount(3), NewAmount(5)))
	assert.Equal(t, NewAmount(2), SubAmountsFloor(NewAmount(5), NewAmount(3)))

	_, err = MulDivAmounts(maxAmount, NewAmount(2), NewAmount(1))
	assert.ErrorIs(t, err, ErrArithmeticOverflow)

	_, err = MulDivAmounts(NewAmount(1), NewAmount(2), Amount{})
	assert.ErrorIs(t, err, ErrArithmeticOverflow)

	q, err := MulDivAmounts(mustAmount("150000000000000000"), NewAmount(20_000_000_000), mustAmount("1000000000000000000"))
	require.NoError(t, err)
	assert.Equal(t, NewAmount(3_000_000_000), q)
}

func TestDomainError_Matching(t *testing.T) {
	wrapped := fmt.Errorf("settle: %w", ErrCapExceeded)

	assert.ErrorIs(t, wrapped, ErrCapExceeded)
	assert.ErrorIs(t, wrapped, ErrLimitExceeded)
	assert.False(t, errors.Is(wrapped, ErrNotMinter))
	assert.True(t, IsRejected(wrapped))
	assert.False(t, IsUnauthorized(wrapped))

	assert.True(t, IsUnauthorized(ErrNotAdministrator))
	assert.True(t, IsUnauthorized(ErrNotMinter))
	assert.True(t, IsNotFound(ErrRoundNotFound))

	inner := errors.New("connection reset")
	err := WrapError("crowdsale", "Save", ErrConcurrentModification, "version mismatch", inner)
	assert.ErrorIs(t, err, inner)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, "crowdsale.Save: version mismatch: connection reset", err.Error())
}
