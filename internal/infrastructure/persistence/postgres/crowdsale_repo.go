package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/tempus-labs/tempus-crowdsale/internal/domain/crowdsale"
	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CROWDSALE REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// CrowdsaleRepository implements crowdsale.Repository for PostgreSQL.
type CrowdsaleRepository struct {
	conn *Connection
}

// NewCrowdsaleRepository creates a new CrowdsaleRepository.
func NewCrowdsaleRepository(conn *Connection) *CrowdsaleRepository {
	return &CrowdsaleRepository{conn: conn}
}

// Compile-time interface check.
var _ crowdsale.Repository = (*CrowdsaleRepository)(nil)

// ─────────────────────────────────────────────────────────────────────────────
// Create / Load / Save
// ─────────────────────────────────────────────────────────────────────────────

// Create inserts a new crowdsale together with its rounds and member lists.
func (r *CrowdsaleRepository) Create(ctx context.Context, s crowdsale.State) error {
	return r.conn.WithinTx(ctx, func(ctx context.Context) error {
		query := `
			INSERT INTO crowdsales (
				id, minter, current_round_id, quota_divisor,
				global_value_raised, global_tokens_issued, global_tokens_cap,
				min_deposit, unit_scale, remainder_policy, version, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`

		_, err := r.conn.Querier(ctx).Exec(ctx, query,
			s.ID,
			s.Minter.Hex(),
			s.CurrentRoundID,
			int64(s.QuotaDivisor),
			amountToNumeric(s.GlobalValueRaised),
			amountToNumeric(s.GlobalTokensIssued),
			amountToNumeric(s.GlobalTokensCap),
			amountToNumeric(s.MinDeposit),
			amountToNumeric(s.UnitScale),
			string(s.RemainderPolicy),
			s.Version,
			s.CreatedAt,
			s.UpdatedAt,
		)
		if err != nil {
			if IsUniqueViolation(err) {
				return shared.WrapError("crowdsale", "Create", shared.ErrAlreadyExists,
					"crowdsale already exists", fmt.Errorf("id %s", s.ID))
			}
			return fmt.Errorf("failed to create crowdsale: %w", err)
		}

		return r.writeChildren(ctx, s)
	})
}

// Load returns the persisted state of crowdsale id.
func (r *CrowdsaleRepository) Load(ctx context.Context, id string) (crowdsale.State, error) {
	query := `
		SELECT id, minter, current_round_id, quota_divisor,
			   global_value_raised, global_tokens_issued, global_tokens_cap,
			   min_deposit, unit_scale, remainder_policy, version, created_at, updated_at
		FROM crowdsales
		WHERE id = $1
	`

	q := r.conn.Querier(ctx)

	var (
		s                                         crowdsale.State
		minter, policy                            string
		quotaDivisor                              int64
		raised, issued, globalCap, minDep, scale pgtype.Numeric
	)
	err := q.QueryRow(ctx, query, id).Scan(
		&s.ID, &minter, &s.CurrentRoundID, &quotaDivisor,
		&raised, &issued, &globalCap, &minDep, &scale,
		&policy, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return crowdsale.State{}, shared.ErrCrowdsaleNotFound
		}
		return crowdsale.State{}, fmt.Errorf("failed to load crowdsale: %w", err)
	}

	if s.Minter, err = shared.ParseAccount(minter); err != nil {
		return crowdsale.State{}, fmt.Errorf("crowdsale %s minter: %w", id, err)
	}
	s.QuotaDivisor = uint64(quotaDivisor)
	s.RemainderPolicy = crowdsale.RemainderPolicy(policy)

	for _, f := range []struct {
		dst *shared.Amount
		src pgtype.Numeric
	}{
		{&s.GlobalValueRaised, raised},
		{&s.GlobalTokensIssued, issued},
		{&s.GlobalTokensCap, globalCap},
		{&s.MinDeposit, minDep},
		{&s.UnitScale, scale},
	} {
		if *f.dst, err = numericToAmount(f.src); err != nil {
			return crowdsale.State{}, fmt.Errorf("crowdsale %s: %w", id, err)
		}
	}

	if s.Rounds, err = r.loadRounds(ctx, q, id); err != nil {
		return crowdsale.State{}, err
	}
	if s.Beneficiaries, err = r.loadMembers(ctx, q, "crowdsale_beneficiaries", id); err != nil {
		return crowdsale.State{}, err
	}
	if s.Administrators, err = r.loadMembers(ctx, q, "crowdsale_administrators", id); err != nil {
		return crowdsale.State{}, err
	}

	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}

// Save writes s if the stored version is s.Version-1.
func (r *CrowdsaleRepository) Save(ctx context.Context, s crowdsale.State) error {
	return r.conn.WithinTx(ctx, func(ctx context.Context) error {
		query := `
			UPDATE crowdsales SET
				current_round_id = $1,
				global_value_raised = $2,
				global_tokens_issued = $3,
				remainder_policy = $4,
				version = $5,
				updated_at = $6
			WHERE id = $7 AND version = $8
		`

		result, err := r.conn.Querier(ctx).Exec(ctx, query,
			s.CurrentRoundID,
			amountToNumeric(s.GlobalValueRaised),
			amountToNumeric(s.GlobalTokensIssued),
			string(s.RemainderPolicy),
			s.Version,
			s.UpdatedAt,
			s.ID,
			s.Version-1,
		)
		if err != nil {
			return fmt.Errorf("failed to save crowdsale: %w", err)
		}

		if result.RowsAffected() == 0 {
			return shared.WrapError("crowdsale", "Save", shared.ErrConcurrentModification,
				"crowdsale was modified concurrently", fmt.Errorf("id %s, expected version %d", s.ID, s.Version-1))
		}

		return r.writeChildren(ctx, s)
	})
}

// RecordSettlement appends a purchase and its payouts.
func (r *CrowdsaleRepository) RecordSettlement(ctx context.Context, st *crowdsale.Settlement) error {
	if st == nil {
		return shared.NewDomainError("crowdsale", "RecordSettlement", shared.ErrInvalidInput, "settlement is nil")
	}

	return r.conn.WithinTx(ctx, func(ctx context.Context) error {
		q := r.conn.Querier(ctx)

		_, err := q.Exec(ctx, `
			INSERT INTO purchases (id, crowdsale_id, contributor, value, tokens, round_id, settled_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`,
			st.ID,
			st.CrowdsaleID,
			st.Contributor.Hex(),
			amountToNumeric(st.Value),
			amountToNumeric(st.Tokens),
			st.RoundID,
			st.SettledAt,
		)
		if err != nil {
			if IsUniqueViolation(err) {
				return shared.WrapError("crowdsale", "RecordSettlement", shared.ErrAlreadyExists,
					"settlement already recorded", fmt.Errorf("id %s", st.ID))
			}
			return fmt.Errorf("failed to record purchase: %w", err)
		}

		batch := &pgx.Batch{}
		for i, p := range st.Payouts {
			batch.Queue(`
				INSERT INTO purchase_payouts (purchase_id, position, account, amount)
				VALUES ($1, $2, $3, $4)
			`, st.ID, i, p.Account.Hex(), amountToNumeric(p.Amount))
		}
		return r.sendBatch(ctx, batch, "failed to record payouts")
	})
}

// countSettlements returns how many purchases were recorded for crowdsale id.
func (r *CrowdsaleRepository) countSettlements(ctx context.Context, id string) (int, error) {
	var count int
	err := r.conn.Querier(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM purchases WHERE crowdsale_id = $1`, id,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count settlements: %w", err)
	}
	return count, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// writeChildren upserts rounds and replaces the ordered member lists.
func (r *CrowdsaleRepository) writeChildren(ctx context.Context, s crowdsale.State) error {
	batch := &pgx.Batch{}

	for _, round := range s.Rounds {
		var end *time.Time
		if !round.IsOpenEnded() {
			e := round.End
			end = &e
		}
		batch.Queue(`
			INSERT INTO crowdsale_rounds (
				crowdsale_id, round_id, starts_at, ends_at, rate,
				value_raised, tokens_issued, tokens_cap, cap_unbounded, quota_frozen
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (crowdsale_id, round_id) DO UPDATE SET
				value_raised = EXCLUDED.value_raised,
				tokens_issued = EXCLUDED.tokens_issued,
				tokens_cap = EXCLUDED.tokens_cap,
				cap_unbounded = EXCLUDED.cap_unbounded,
				quota_frozen = EXCLUDED.quota_frozen
		`,
			s.ID,
			round.ID,
			round.Start,
			end,
			amountToNumeric(round.Rate),
			amountToNumeric(round.ValueRaised),
			amountToNumeric(round.TokensIssued),
			amountToNumeric(round.TokensCap),
			round.CapUnbounded,
			round.QuotaFrozen,
		)
	}

	batch.Queue(`DELETE FROM crowdsale_beneficiaries WHERE crowdsale_id = $1`, s.ID)
	for i, acc := range s.Beneficiaries {
		batch.Queue(`INSERT INTO crowdsale_beneficiaries (crowdsale_id, position, account) VALUES ($1, $2, $3)`,
			s.ID, i, acc.Hex())
	}

	batch.Queue(`DELETE FROM crowdsale_administrators WHERE crowdsale_id = $1`, s.ID)
	for i, acc := range s.Administrators {
		batch.Queue(`INSERT INTO crowdsale_administrators (crowdsale_id, position, account) VALUES ($1, $2, $3)`,
			s.ID, i, acc.Hex())
	}

	return r.sendBatch(ctx, batch, "failed to write crowdsale children")
}

func (r *CrowdsaleRepository) sendBatch(ctx context.Context, batch *pgx.Batch, msg string) error {
	if batch.Len() == 0 {
		return nil
	}
	tx, ok := r.conn.Querier(ctx).(pgx.Tx)
	if !ok {
		return fmt.Errorf("%s: %w", msg, ErrTransactionFailed)
	}

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("%s: %w", msg, err)
		}
	}
	return results.Close()
}

func (r *CrowdsaleRepository) loadRounds(ctx context.Context, q Querier, id string) ([]crowdsale.Round, error) {
	rows, err := q.Query(ctx, `
		SELECT round_id, starts_at, ends_at, rate, value_raised, tokens_issued,
			   tokens_cap, cap_unbounded, quota_frozen
		FROM crowdsale_rounds
		WHERE crowdsale_id = $1
		ORDER BY round_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query rounds: %w", err)
	}
	defer rows.Close()

	var rounds []crowdsale.Round
	for rows.Next() {
		var (
			round                           crowdsale.Round
			end                             *time.Time
			rate, raised, issued, tokensCap pgtype.Numeric
		)
		if err := rows.Scan(&round.ID, &round.Start, &end, &rate, &raised, &issued,
			&tokensCap, &round.CapUnbounded, &round.QuotaFrozen); err != nil {
			return nil, fmt.Errorf("failed to scan round: %w", err)
		}
		round.Start = round.Start.UTC()
		if end != nil {
			round.End = end.UTC()
		}
		if round.Rate, err = numericToAmount(rate); err != nil {
			return nil, err
		}
		if round.ValueRaised, err = numericToAmount(raised); err != nil {
			return nil, err
		}
		if round.TokensIssued, err = numericToAmount(issued); err != nil {
			return nil, err
		}
		if round.TokensCap, err = numericToAmount(tokensCap); err != nil {
			return nil, err
		}
		rounds = append(rounds, round)
	}

	return rounds, rows.Err()
}

// loadMembers reads an ordered account list. table is one of the two member
// tables and never user input.
func (r *CrowdsaleRepository) loadMembers(ctx context.Context, q Querier, table, id string) ([]shared.Account, error) {
	rows, err := q.Query(ctx,
		fmt.Sprintf("SELECT account FROM %s WHERE crowdsale_id = $1 ORDER BY position", table), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var members []shared.Account
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", table, err)
		}
		acc, err := shared.ParseAccount(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", table, err)
		}
		members = append(members, acc)
	}

	return members, rows.Err()
}
