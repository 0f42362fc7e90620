package crowdsale

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
)

var (
	benA = shared.MustParseAccount("0xa000000000000000000000000000000000000001")
	benB = shared.MustParseAccount("0xb000000000000000000000000000000000000002")
	benC = shared.MustParseAccount("0xc000000000000000000000000000000000000003")
)

func sumPayouts(payouts []Payout) shared.Amount {
	var total shared.Amount
	for _, p := range payouts {
		total.Add(&total, &p.Amount)
	}
	return total
}

func TestBeneficiarySet_AddRemove(t *testing.T) {
	s, err := NewBeneficiarySet(RemainderToFirst)
	require.NoError(t, err)

	idx, err := s.Add(benA)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	idx, err = s.Add(benB)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	_, err = s.Add(benA)
	assert.ErrorIs(t, err, shared.ErrBeneficiaryExists)
	assert.True(t, shared.IsAlreadyExists(err))

	_, err = s.Add(shared.ZeroAccount)
	assert.ErrorIs(t, err, shared.ErrInvalidAccount)

	removed, err := s.Remove(0)
	require.NoError(t, err)
	assert.Equal(t, benA, removed)
	assert.Equal(t, []shared.Account{benB}, s.Members())

	_, err = s.Remove(1)
	assert.ErrorIs(t, err, shared.ErrIndexOutOfRange)
	_, err = s.Remove(-1)
	assert.ErrorIs(t, err, shared.ErrIndexOutOfRange)
}

func TestBeneficiarySet_DistributeEqualSplit(t *testing.T) {
	s, err := NewBeneficiarySet(RemainderToFirst, benA, benB, benC)
	require.NoError(t, err)

	payouts, err := s.Distribute(shared.NewAmount(3))
	require.NoError(t, err)
	require.Len(t, payouts, 3)
	for i, want := range []shared.Account{benA, benB, benC} {
		assert.Equal(t, want, payouts[i].Account)
		assert.Equal(t, shared.NewAmount(1), payouts[i].Amount)
	}
	assert.Equal(t, shared.NewAmount(3), sumPayouts(payouts))

	_, err = s.Remove(0)
	require.NoError(t, err)

	payouts, err = s.Distribute(shared.NewAmount(2))
	require.NoError(t, err)
	require.Len(t, payouts, 2)
	assert.Equal(t, benB, payouts[0].Account)
	assert.Equal(t, shared.NewAmount(1), payouts[0].Amount)
	assert.Equal(t, benC, payouts[1].Account)
	assert.Equal(t, shared.NewAmount(1), payouts[1].Amount)
}

func TestBeneficiarySet_DistributeRemainder(t *testing.T) {
	tests := []struct {
		name   string
		policy RemainderPolicy
		want   []uint64
	}{
		{"to first", RemainderToFirst, []uint64{3, 1, 1}},
		{"to last", RemainderToLast, []uint64{1, 1, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewBeneficiarySet(tt.policy, benA, benB, benC)
			require.NoError(t, err)

			payouts, err := s.Distribute(shared.NewAmount(5))
			require.NoError(t, err)
			for i, w := range tt.want {
				assert.Equal(t, shared.NewAmount(w), payouts[i].Amount)
			}
			assert.Equal(t, shared.NewAmount(5), sumPayouts(payouts))
		})
	}
}

func TestBeneficiarySet_DistributeLargeValue(t *testing.T) {
	s, err := NewBeneficiarySet(RemainderToFirst, benA, benB, benC)
	require.NoError(t, err)

	value, err := shared.ParseAmount("1000000000000000000000000000001")
	require.NoError(t, err)
	payouts, err := s.Distribute(value)
	require.NoError(t, err)
	assert.Equal(t, value, sumPayouts(payouts))
	assert.Equal(t, payouts[1].Amount, payouts[2].Amount)
}

func TestBeneficiarySet_DistributeEmpty(t *testing.T) {
	s, err := NewBeneficiarySet("")
	require.NoError(t, err)
	assert.Equal(t, RemainderToFirst, s.Policy())

	_, err = s.Distribute(shared.NewAmount(10))
	assert.ErrorIs(t, err, shared.ErrNoBeneficiaries)
}

func TestParseRemainderPolicy(t *testing.T) {
	p, err := ParseRemainderPolicy("")
	require.NoError(t, err)
	assert.Equal(t, RemainderToFirst, p)

	p, err = ParseRemainderPolicy("last")
	require.NoError(t, err)
	assert.Equal(t, RemainderToLast, p)

	_, err = ParseRemainderPolicy("random")
	assert.True(t, shared.IsValidation(err))
}
