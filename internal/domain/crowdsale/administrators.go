package crowdsale

import (
	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
)

// AdministratorSet holds the accounts allowed to change the beneficiary list
// and the administrator set itself. It never becomes empty.
type AdministratorSet struct {
	members []shared.Account
}

// NewAdministratorSet seeds the set with the deploying account.
func NewAdministratorSet(deployer shared.Account) (*AdministratorSet, error) {
	return RestoreAdministratorSet([]shared.Account{deployer})
}

// RestoreAdministratorSet rebuilds a set from persisted members.
func RestoreAdministratorSet(members []shared.Account) (*AdministratorSet, error) {
	if len(members) == 0 {
		return nil, shared.ErrLastAdministrator
	}
	s := &AdministratorSet{}
	for _, m := range members {
		if m == shared.ZeroAccount {
			return nil, shared.ErrInvalidAccount
		}
		if s.IsMember(m) {
			return nil, shared.ErrAdministratorExists
		}
		s.members = append(s.members, m)
	}
	return s, nil
}

// IsMember reports whether acc is an administrator.
func (s *AdministratorSet) IsMember(acc shared.Account) bool {
	for _, m := range s.members {
		if m == acc {
			return true
		}
	}
	return false
}

// Authorize fails with ErrNotAdministrator unless caller is a member.
func (s *AdministratorSet) Authorize(caller shared.Account) error {
	if !s.IsMember(caller) {
		return shared.ErrNotAdministrator
	}
	return nil
}

// Add grants administrator rights to acc.
func (s *AdministratorSet) Add(caller, acc shared.Account) error {
	if err := s.Authorize(caller); err != nil {
		return err
	}
	if acc == shared.ZeroAccount {
		return shared.ErrInvalidAccount
	}
	if s.IsMember(acc) {
		return shared.ErrAdministratorExists
	}
	s.members = append(s.members, acc)
	return nil
}

// Remove revokes administrator rights from acc. Administrators may remove
// themselves as long as another administrator remains.
func (s *AdministratorSet) Remove(caller, acc shared.Account) error {
	if err := s.Authorize(caller); err != nil {
		return err
	}
	idx := -1
	for i, m := range s.members {
		if m == acc {
			idx = i
			break
		}
	}
	if idx < 0 {
		return shared.ErrAdministratorAbsent
	}
	if len(s.members) == 1 {
		return shared.ErrLastAdministrator
	}
	s.members = append(s.members[:idx], s.members[idx+1:]...)
	return nil
}

// Members returns a copy of the administrators in insertion order.
func (s *AdministratorSet) Members() []shared.Account {
	out := make([]shared.Account, len(s.members))
	copy(out, s.members)
	return out
}

// Len returns the number of administrators.
func (s *AdministratorSet) Len() int { return len(s.members) }

func (s *AdministratorSet) clone() *AdministratorSet {
	return &AdministratorSet{members: s.Members()}
}
