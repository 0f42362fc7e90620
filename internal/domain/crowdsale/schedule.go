package crowdsale

import (
	"fmt"
	"time"

	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULE CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Gap between the end of one round and the start of the next.
const roundGap = time.Second

// ScheduleConfig describes the calendar and pricing of every round.
type ScheduleConfig struct {
	// Start is the first second of round 0.
	Start time.Time

	// RoundCount is the fixed number of rounds (the last one is open-ended).
	RoundCount int

	// RoundDuration is the length of every non-final round (End - Start).
	RoundDuration time.Duration

	// Rates holds one rate per round.
	Rates []shared.Amount

	// FirstRoundQuota is round 0's tokensCap, fixed at construction.
	FirstRoundQuota shared.Amount

	// QuotaDivisor splits the remaining global capacity into the quota of
	// each intermediate round when it becomes active.
	QuotaDivisor uint64
}

// DefaultScheduleConfig returns the five-round, thirty-day deployment with
// rates halving every round.
func DefaultScheduleConfig(start time.Time) ScheduleConfig {
	return ScheduleConfig{
		Start:         start,
		RoundCount:    5,
		RoundDuration: 30 * 24 * time.Hour,
		Rates: []shared.Amount{
			shared.NewAmount(20_000_000_000),
			shared.NewAmount(10_000_000_000),
			shared.NewAmount(5_000_000_000),
			shared.NewAmount(2_500_000_000),
			shared.NewAmount(1_250_000_000),
		},
		FirstRoundQuota: shared.NewAmount(10_000_000_000_000_000),
		QuotaDivisor:    5,
	}
}

// Validate checks the configuration for internal consistency.
func (c ScheduleConfig) Validate() error {
	switch {
	case c.Start.IsZero():
		return scheduleError("start time is required")
	case c.RoundCount < 2:
		return scheduleError("at least two rounds are required")
	case c.RoundDuration < roundGap:
		return scheduleError("round duration must be at least one second")
	case len(c.Rates) != c.RoundCount:
		return scheduleError(fmt.Sprintf("expected %d rates, got %d", c.RoundCount, len(c.Rates)))
	case c.QuotaDivisor == 0:
		return scheduleError("quota divisor must be positive")
	}
	for i := range c.Rates {
		if c.Rates[i].IsZero() {
			return scheduleError(fmt.Sprintf("rate of round %d is zero", i))
		}
	}
	return nil
}

func scheduleError(msg string) error {
	return shared.WrapError("crowdsale", "NewSchedule", shared.ErrValidation, "invalid round schedule", fmt.Errorf("%s", msg))
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULE
// ══════════════════════════════════════════════════════════════════════════════

// Schedule is the fixed-length sequence of rounds. Its length and calendar
// never change; only round counters and quotas do.
type Schedule struct {
	rounds       []Round
	quotaDivisor shared.Amount
}

// NewSchedule builds all rounds from cfg. Round 0's quota is frozen
// immediately, the final round is open-ended and unbounded.
func NewSchedule(cfg ScheduleConfig) (*Schedule, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rounds := make([]Round, cfg.RoundCount)
	start := cfg.Start.Truncate(time.Second)
	for i := range rounds {
		r := Round{ID: i, Start: start, Rate: cfg.Rates[i]}
		if i < cfg.RoundCount-1 {
			r.End = start.Add(cfg.RoundDuration)
			start = r.End.Add(roundGap)
		}
		rounds[i] = r
	}

	rounds[0].TokensCap = cfg.FirstRoundQuota
	rounds[0].QuotaFrozen = true

	return &Schedule{
		rounds:       rounds,
		quotaDivisor: shared.NewAmount(cfg.QuotaDivisor),
	}, nil
}

// RestoreSchedule rebuilds a schedule from persisted rounds, re-checking
// the calendar invariants.
func RestoreSchedule(rounds []Round, quotaDivisor uint64) (*Schedule, error) {
	if len(rounds) < 2 {
		return nil, scheduleError("at least two rounds are required")
	}
	if quotaDivisor == 0 {
		return nil, scheduleError("quota divisor must be positive")
	}
	for i := range rounds {
		if rounds[i].ID != i {
			return nil, scheduleError(fmt.Sprintf("round at position %d has id %d", i, rounds[i].ID))
		}
		last := i == len(rounds)-1
		if last != rounds[i].IsOpenEnded() {
			return nil, scheduleError(fmt.Sprintf("round %d has an invalid end", i))
		}
		if !last && !rounds[i+1].Start.Equal(rounds[i].End.Add(roundGap)) {
			return nil, scheduleError(fmt.Sprintf("round %d does not start right after round %d", i+1, i))
		}
	}

	out := make([]Round, len(rounds))
	copy(out, rounds)
	return &Schedule{rounds: out, quotaDivisor: shared.NewAmount(quotaDivisor)}, nil
}

// Len returns the number of rounds.
func (s *Schedule) Len() int {
	return len(s.rounds)
}

// FinalRoundID is the index of the open-ended round.
func (s *Schedule) FinalRoundID() int {
	return len(s.rounds) - 1
}

// QuotaDivisor returns the configured divisor.
func (s *Schedule) QuotaDivisor() uint64 {
	return s.quotaDivisor.Uint64()
}

// Round returns a copy of round id.
func (s *Schedule) Round(id int) (Round, bool) {
	if id < 0 || id >= len(s.rounds) {
		return Round{}, false
	}
	return s.rounds[id], true
}

// Rounds returns a copy of every round.
func (s *Schedule) Rounds() []Round {
	out := make([]Round, len(s.rounds))
	copy(out, s.rounds)
	return out
}

// TimeRequiresAdvance reports whether now has reached the start of the round
// after current.
func (s *Schedule) TimeRequiresAdvance(current int, now time.Time) bool {
	next := current + 1
	if next >= len(s.rounds) {
		return false
	}
	return !now.Before(s.rounds[next].Start)
}

// ComputeNextQuota returns the quota round next receives on activation given
// the remaining global capacity.
func (s *Schedule) ComputeNextQuota(next int, remaining shared.Amount) (quota shared.Amount, unbounded bool) {
	switch {
	case next <= 0:
		return s.rounds[0].TokensCap, false
	case next >= len(s.rounds)-1:
		return shared.Amount{}, true
	default:
		quota.Div(&remaining, &s.quotaDivisor)
		return quota, false
	}
}

// activate freezes the quota of round id. It fails if the quota was already
// frozen, which would mean the round is being entered twice.
func (s *Schedule) activate(id int, remaining shared.Amount) (Round, error) {
	r := &s.rounds[id]
	if r.QuotaFrozen {
		return Round{}, shared.NewDomainError("crowdsale", "Advance", shared.ErrInvalidState,
			fmt.Sprintf("quota of round %d is already frozen", id))
	}
	r.TokensCap, r.CapUnbounded = s.ComputeNextQuota(id, remaining)
	r.QuotaFrozen = true
	return *r, nil
}

// credit adds a settled contribution to round id.
func (s *Schedule) credit(id int, value, tokens shared.Amount) error {
	r := &s.rounds[id]
	raised, err := shared.AddAmounts(r.ValueRaised, value)
	if err != nil {
		return err
	}
	issued, err := shared.AddAmounts(r.TokensIssued, tokens)
	if err != nil {
		return err
	}
	r.ValueRaised, r.TokensIssued = raised, issued
	return nil
}

func (s *Schedule) clone() *Schedule {
	return &Schedule{rounds: s.Rounds(), quotaDivisor: s.quotaDivisor}
}
