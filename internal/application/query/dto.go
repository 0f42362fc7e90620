// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"time"

	"github.com/tempus-labs/tempus-crowdsale/internal/domain/crowdsale"
	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
)

// Reader provides the aggregate queries read from.
type Reader interface {
	Current(ctx context.Context) (*crowdsale.Crowdsale, error)
}

// StatusCache caches the status DTO between writes. GetStatus returns an
// error on a miss.
type StatusCache interface {
	GetStatus(ctx context.Context, crowdsaleID string) (*StatusDTO, error)
	SetStatus(ctx context.Context, status *StatusDTO) error
	InvalidateStatus(ctx context.Context, crowdsaleID string) error
}

// ══════════════════════════════════════════════════════════════════════════════
// DTOs
// Amounts are base-unit decimal strings.
// ══════════════════════════════════════════════════════════════════════════════

// RoundDTO is the read model of one round.
type RoundDTO struct {
	ID    int        `json:"id"`
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
	Rate  string     `json:"rate"`

	ValueRaised  string `json:"value_raised"`
	TokensIssued string `json:"tokens_issued"`

	// TokensCap is empty while the quota is not yet frozen or unbounded.
	TokensCap      string `json:"tokens_cap,omitempty"`
	CapUnbounded   bool   `json:"cap_unbounded"`
	QuotaFrozen    bool   `json:"quota_frozen"`
	QuotaRemaining string `json:"quota_remaining,omitempty"`

	Active bool `json:"active"`
}

// StatusDTO is the read model of the whole crowdsale.
type StatusDTO struct {
	CrowdsaleID    string `json:"crowdsale_id"`
	Minter         string `json:"minter"`
	CurrentRoundID int    `json:"current_round_id"`
	RoundCount     int    `json:"round_count"`

	GlobalValueRaised  string `json:"global_value_raised"`
	GlobalTokensIssued string `json:"global_tokens_issued"`
	GlobalTokensCap    string `json:"global_tokens_cap"`
	GlobalRemaining    string `json:"global_remaining"`
	MinDeposit         string `json:"min_deposit"`
	UnitScale          string `json:"unit_scale"`

	CurrentRound RoundDTO `json:"current_round"`

	Beneficiaries      []string `json:"beneficiaries"`
	BeneficiariesCount int      `json:"beneficiaries_count"`
	RemainderPolicy    string   `json:"remainder_policy"`
	Administrators     []string `json:"administrators"`

	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
	GeneratedAt time.Time `json:"generated_at"`
	FromCache   bool      `json:"from_cache"`
}

// NewRoundDTO converts a domain round. current marks the active round.
func NewRoundDTO(r crowdsale.Round, current int) RoundDTO {
	dto := RoundDTO{
		ID:           r.ID,
		Start:        r.Start,
		Rate:         shared.FormatAmount(r.Rate),
		ValueRaised:  shared.FormatAmount(r.ValueRaised),
		TokensIssued: shared.FormatAmount(r.TokensIssued),
		CapUnbounded: r.CapUnbounded,
		QuotaFrozen:  r.QuotaFrozen,
		Active:       r.ID == current,
	}
	if !r.IsOpenEnded() {
		end := r.End
		dto.End = &end
	}
	if r.QuotaFrozen && !r.CapUnbounded {
		dto.TokensCap = shared.FormatAmount(r.TokensCap)
	}
	if remaining, ok := r.RemainingQuota(); ok {
		dto.QuotaRemaining = shared.FormatAmount(remaining)
	}
	return dto
}

// NewStatusDTO converts a crowdsale snapshot.
func NewStatusDTO(s crowdsale.State, generatedAt time.Time) *StatusDTO {
	dto := &StatusDTO{
		CrowdsaleID:        s.ID,
		Minter:             s.Minter.Hex(),
		CurrentRoundID:     s.CurrentRoundID,
		RoundCount:         len(s.Rounds),
		GlobalValueRaised:  shared.FormatAmount(s.GlobalValueRaised),
		GlobalTokensIssued: shared.FormatAmount(s.GlobalTokensIssued),
		GlobalTokensCap:    shared.FormatAmount(s.GlobalTokensCap),
		GlobalRemaining:    shared.FormatAmount(shared.SubAmountsFloor(s.GlobalTokensCap, s.GlobalTokensIssued)),
		MinDeposit:         shared.FormatAmount(s.MinDeposit),
		UnitScale:          shared.FormatAmount(s.UnitScale),
		Beneficiaries:      hexAll(s.Beneficiaries),
		BeneficiariesCount: len(s.Beneficiaries),
		RemainderPolicy:    string(s.RemainderPolicy),
		Administrators:     hexAll(s.Administrators),
		Version:            s.Version,
		UpdatedAt:          s.UpdatedAt,
		GeneratedAt:        generatedAt,
	}
	if s.CurrentRoundID >= 0 && s.CurrentRoundID < len(s.Rounds) {
		dto.CurrentRound = NewRoundDTO(s.Rounds[s.CurrentRoundID], s.CurrentRoundID)
	}
	return dto
}

func hexAll(accounts []shared.Account) []string {
	out := make([]string, len(accounts))
	for i, a := range accounts {
		out[i] = a.Hex()
	}
	return out
}
