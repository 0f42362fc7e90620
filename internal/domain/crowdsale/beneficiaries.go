package crowdsale

import (
	"fmt"

	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
)

// RemainderPolicy selects which beneficiary receives the rounding remainder
// of an equal split.
type RemainderPolicy string

const (
	RemainderToFirst RemainderPolicy = "first"
	RemainderToLast  RemainderPolicy = "last"
)

// Valid reports whether p is a known policy.
func (p RemainderPolicy) Valid() bool {
	return p == RemainderToFirst || p == RemainderToLast
}

// ParseRemainderPolicy maps configuration strings onto a policy. Empty input
// selects RemainderToFirst.
func ParseRemainderPolicy(s string) (RemainderPolicy, error) {
	if s == "" {
		return RemainderToFirst, nil
	}
	p := RemainderPolicy(s)
	if !p.Valid() {
		return "", shared.WrapError("crowdsale", "ParseRemainderPolicy", shared.ErrInvalidInput,
			"unknown remainder policy", fmt.Errorf("%q", s))
	}
	return p, nil
}

// Payout is one beneficiary's share of a contribution.
type Payout struct {
	Account shared.Account `json:"account"`
	Amount  shared.Amount  `json:"amount"`
}

// BeneficiarySet is the ordered list of accounts that receive contributed
// value. Members are distinct and never the zero account.
type BeneficiarySet struct {
	members []shared.Account
	policy  RemainderPolicy
}

// NewBeneficiarySet creates a set with the given initial members.
func NewBeneficiarySet(policy RemainderPolicy, members ...shared.Account) (*BeneficiarySet, error) {
	if policy == "" {
		policy = RemainderToFirst
	}
	if !policy.Valid() {
		return nil, shared.NewDomainError("crowdsale", "NewBeneficiarySet", shared.ErrInvalidInput, "unknown remainder policy")
	}
	s := &BeneficiarySet{policy: policy}
	for _, m := range members {
		if _, err := s.Add(m); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Policy returns the remainder policy.
func (s *BeneficiarySet) Policy() RemainderPolicy { return s.policy }

// Len returns the number of beneficiaries.
func (s *BeneficiarySet) Len() int { return len(s.members) }

// Members returns a copy of the list in order.
func (s *BeneficiarySet) Members() []shared.Account {
	out := make([]shared.Account, len(s.members))
	copy(out, s.members)
	return out
}

// IndexOf returns the position of acc or -1.
func (s *BeneficiarySet) IndexOf(acc shared.Account) int {
	for i, m := range s.members {
		if m == acc {
			return i
		}
	}
	return -1
}

// Add appends acc and returns its index.
func (s *BeneficiarySet) Add(acc shared.Account) (int, error) {
	if acc == shared.ZeroAccount {
		return -1, shared.ErrInvalidAccount
	}
	if s.IndexOf(acc) >= 0 {
		return -1, shared.ErrBeneficiaryExists
	}
	s.members = append(s.members, acc)
	return len(s.members) - 1, nil
}

// Remove deletes the member at index, shifting later members down by one.
func (s *BeneficiarySet) Remove(index int) (shared.Account, error) {
	if index < 0 || index >= len(s.members) {
		return shared.ZeroAccount, shared.ErrIndexOutOfRange
	}
	removed := s.members[index]
	s.members = append(s.members[:index], s.members[index+1:]...)
	return removed, nil
}

// Distribute splits value equally across the members. The rounding remainder
// goes to the first or last member depending on the policy, so the payouts
// always sum to value.
func (s *BeneficiarySet) Distribute(value shared.Amount) ([]Payout, error) {
	n := len(s.members)
	if n == 0 {
		return nil, shared.ErrNoBeneficiaries
	}

	count := shared.NewAmount(uint64(n))
	var share, rem shared.Amount
	share.DivMod(&value, &count, &rem)

	payouts := make([]Payout, n)
	for i, m := range s.members {
		payouts[i] = Payout{Account: m, Amount: share}
	}

	target := 0
	if s.policy == RemainderToLast {
		target = n - 1
	}
	payouts[target].Amount.Add(&payouts[target].Amount, &rem)

	return payouts, nil
}

func (s *BeneficiarySet) clone() *BeneficiarySet {
	return &BeneficiarySet{members: s.Members(), policy: s.policy}
}
