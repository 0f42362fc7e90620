package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/tempus-labs/tempus-crowdsale/internal/domain/crowdsale"
	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
	"github.com/tempus-labs/tempus-crowdsale/internal/domain/token"
)

// ══════════════════════════════════════════════════════════════════════════════
// TOKEN LEDGER IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// TokenLedger is a capped token ledger stored in PostgreSQL. Mint joins the
// transaction carried by its context, so a settlement that fails later rolls
// the mint back too.
type TokenLedger struct {
	conn   *Connection
	symbol string
	cap    shared.Amount
}

// Compile-time interface check.
var _ crowdsale.Ledger = (*TokenLedger)(nil)

// NewTokenLedger registers the token described by cfg if it is not stored
// yet, and loads the stored cap. An existing token keeps its original cap.
func NewTokenLedger(ctx context.Context, conn *Connection, cfg token.Config) (*TokenLedger, error) {
	if cfg.Cap.IsZero() {
		return nil, shared.ErrInvalidTokenCap
	}
	if cfg.Owner == shared.ZeroAccount {
		return nil, shared.ErrInvalidAccount
	}

	q := conn.Querier(ctx)
	_, err := q.Exec(ctx, `
		INSERT INTO tokens (symbol, name, decimals, cap, owner)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (symbol) DO NOTHING
	`, cfg.Symbol, cfg.Name, int16(cfg.Decimals), amountToNumeric(cfg.Cap), cfg.Owner.Hex())
	if err != nil {
		return nil, fmt.Errorf("failed to register token %s: %w", cfg.Symbol, err)
	}

	var stored pgtype.Numeric
	if err := q.QueryRow(ctx, `SELECT cap FROM tokens WHERE symbol = $1`, cfg.Symbol).Scan(&stored); err != nil {
		return nil, fmt.Errorf("failed to load token %s: %w", cfg.Symbol, err)
	}
	tokenCap, err := numericToAmount(stored)
	if err != nil {
		return nil, err
	}

	return &TokenLedger{conn: conn, symbol: cfg.Symbol, cap: tokenCap}, nil
}

// Cap returns the supply cap.
func (l *TokenLedger) Cap() shared.Amount {
	return l.cap
}

// AddMinter grants minting rights. Only the token owner may call it.
func (l *TokenLedger) AddMinter(ctx context.Context, caller, minter shared.Account) error {
	if minter == shared.ZeroAccount {
		return shared.ErrInvalidAccount
	}

	var owner string
	q := l.conn.Querier(ctx)
	if err := q.QueryRow(ctx, `SELECT owner FROM tokens WHERE symbol = $1`, l.symbol).Scan(&owner); err != nil {
		return fmt.Errorf("failed to load token owner: %w", err)
	}
	if owner != caller.Hex() {
		return shared.ErrNotMinter
	}

	_, err := q.Exec(ctx, `
		INSERT INTO token_minters (symbol, account) VALUES ($1, $2)
		ON CONFLICT (symbol, account) DO NOTHING
	`, l.symbol, minter.Hex())
	if err != nil {
		return fmt.Errorf("failed to add minter: %w", err)
	}
	return nil
}

// IsMinter reports whether acc may mint.
func (l *TokenLedger) IsMinter(ctx context.Context, acc shared.Account) (bool, error) {
	var exists bool
	err := l.conn.Querier(ctx).QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM token_minters WHERE symbol = $1 AND account = $2)`,
		l.symbol, acc.Hex(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check minter: %w", err)
	}
	return exists, nil
}

// Mint credits amount to `to`. The supply update is guarded by the cap in
// SQL, so concurrent mints from other instances cannot overshoot it.
func (l *TokenLedger) Mint(ctx context.Context, minter, to shared.Account, amount shared.Amount) error {
	if to == shared.ZeroAccount {
		return shared.ErrInvalidAccount
	}

	return l.conn.WithinTx(ctx, func(ctx context.Context) error {
		isMinter, err := l.IsMinter(ctx, minter)
		if err != nil {
			return err
		}
		if !isMinter {
			return shared.ErrNotMinter
		}

		q := l.conn.Querier(ctx)
		var supply pgtype.Numeric
		err = q.QueryRow(ctx, `
			UPDATE tokens SET total_supply = total_supply + $2
			WHERE symbol = $1 AND total_supply + $2 <= cap
			RETURNING total_supply
		`, l.symbol, amountToNumeric(amount)).Scan(&supply)
		if err != nil {
			if IsNoRows(err) {
				return shared.ErrCapExceeded
			}
			return fmt.Errorf("failed to mint: %w", err)
		}

		_, err = q.Exec(ctx, `
			INSERT INTO token_balances (symbol, account, balance, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (symbol, account) DO UPDATE SET
				balance = token_balances.balance + EXCLUDED.balance,
				updated_at = NOW()
		`, l.symbol, to.Hex(), amountToNumeric(amount))
		if err != nil {
			return fmt.Errorf("failed to credit balance: %w", err)
		}
		return nil
	})
}

// BalanceOf returns the balance of acc.
func (l *TokenLedger) BalanceOf(ctx context.Context, acc shared.Account) (shared.Amount, error) {
	var balance pgtype.Numeric
	err := l.conn.Querier(ctx).QueryRow(ctx,
		`SELECT balance FROM token_balances WHERE symbol = $1 AND account = $2`,
		l.symbol, acc.Hex(),
	).Scan(&balance)
	if err != nil {
		if IsNoRows(err) {
			return shared.Amount{}, nil
		}
		return shared.Amount{}, fmt.Errorf("failed to load balance: %w", err)
	}
	return numericToAmount(balance)
}

// TotalSupply returns the amount minted so far.
func (l *TokenLedger) TotalSupply(ctx context.Context) (shared.Amount, error) {
	var supply pgtype.Numeric
	err := l.conn.Querier(ctx).QueryRow(ctx,
		`SELECT total_supply FROM tokens WHERE symbol = $1`, l.symbol,
	).Scan(&supply)
	if err != nil {
		return shared.Amount{}, fmt.Errorf("failed to load total supply: %w", err)
	}
	return numericToAmount(supply)
}
