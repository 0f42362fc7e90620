// Package token implements the capped, mintable token ledger that the
// crowdsale issues tokens on. The ledger knows nothing about rounds or
// pricing; it only enforces the global cap and the minter role.
package token

import (
	"context"
	"sync"

	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
)

// Config describes a token.
type Config struct {
	Name     string
	Symbol   string
	Decimals uint8

	// Cap is the hard upper bound on total supply.
	Cap shared.Amount

	// Owner may grant minting rights.
	Owner shared.Account
}

// DefaultConfig returns the Tempus token: 8 decimals, a cap of 1e17 base
// units (one billion whole tokens).
func DefaultConfig(owner shared.Account) Config {
	return Config{
		Name:     "Tempus",
		Symbol:   "TPS",
		Decimals: 8,
		Cap:      shared.NewAmount(100_000_000_000_000_000),
		Owner:    owner,
	}
}

// CappedLedger is an in-memory token ledger. It is safe for concurrent use.
type CappedLedger struct {
	mu sync.RWMutex

	cfg         Config
	totalSupply shared.Amount
	balances    map[shared.Account]shared.Amount
	minters     map[shared.Account]struct{}
}

// NewCappedLedger creates an empty ledger. The cap must be positive.
func NewCappedLedger(cfg Config) (*CappedLedger, error) {
	if cfg.Cap.IsZero() {
		return nil, shared.ErrInvalidTokenCap
	}
	if cfg.Owner == shared.ZeroAccount {
		return nil, shared.ErrInvalidAccount
	}
	return &CappedLedger{
		cfg:      cfg,
		balances: make(map[shared.Account]shared.Amount),
		minters:  make(map[shared.Account]struct{}),
	}, nil
}

// AddMinter grants minting rights. Only the owner may call it.
func (l *CappedLedger) AddMinter(caller, minter shared.Account) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.cfg.Owner {
		return shared.ErrNotMinter
	}
	if minter == shared.ZeroAccount {
		return shared.ErrInvalidAccount
	}
	l.minters[minter] = struct{}{}
	return nil
}

// IsMinter reports whether acc may mint.
func (l *CappedLedger) IsMinter(acc shared.Account) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.minters[acc]
	return ok
}

// Mint credits amount to `to`. It fails without side effects when minter has
// no rights or when total supply would exceed the cap.
func (l *CappedLedger) Mint(_ context.Context, minter, to shared.Account, amount shared.Amount) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.minters[minter]; !ok {
		return shared.ErrNotMinter
	}
	if to == shared.ZeroAccount {
		return shared.ErrInvalidAccount
	}

	supply, err := shared.AddAmounts(l.totalSupply, amount)
	if err != nil || supply.Gt(&l.cfg.Cap) {
		return shared.ErrCapExceeded
	}
	balance, err := shared.AddAmounts(l.balances[to], amount)
	if err != nil {
		return shared.ErrCapExceeded
	}

	l.totalSupply = supply
	l.balances[to] = balance
	return nil
}

// BalanceOf returns the balance of acc.
func (l *CappedLedger) BalanceOf(acc shared.Account) shared.Amount {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[acc]
}

// TotalSupply returns the amount minted so far.
func (l *CappedLedger) TotalSupply() shared.Amount {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalSupply
}

// Cap returns the supply cap.
func (l *CappedLedger) Cap() shared.Amount {
	return l.cfg.Cap
}
