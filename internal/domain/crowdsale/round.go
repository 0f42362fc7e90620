// Package crowdsale contains the tiered crowdsale domain model: the round
// schedule, the beneficiary and administrator sets, and the Crowdsale
// aggregate that settles contributions against the active round.
package crowdsale

import (
	"time"

	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
)

// Round is one pricing tier. Calendar fields and Rate never change after the
// schedule is built; the counters grow while the round is active, and
// TokensCap is written exactly once, when the round becomes active.
type Round struct {
	ID int

	// Start and End bound the round (inclusive). End is zero for the final
	// round, which never ends.
	Start time.Time
	End   time.Time

	// Rate is the number of tokens issued per UnitScale of contributed value.
	Rate shared.Amount

	ValueRaised  shared.Amount
	TokensIssued shared.Amount

	// TokensCap is the advisory quota whose breach triggers the next round.
	// Meaningless until QuotaFrozen is set.
	TokensCap    shared.Amount
	CapUnbounded bool
	QuotaFrozen  bool
}

// IsOpenEnded reports whether the round has no calendar end.
func (r Round) IsOpenEnded() bool {
	return r.End.IsZero()
}

// QuotaExceeded reports whether issuance strictly exceeds the frozen quota.
func (r Round) QuotaExceeded() bool {
	if !r.QuotaFrozen || r.CapUnbounded {
		return false
	}
	return r.TokensIssued.Gt(&r.TokensCap)
}

// RemainingQuota returns how many tokens the round can issue before the
// quota is breached. ok is false for unbounded or not yet active rounds.
func (r Round) RemainingQuota() (remaining shared.Amount, ok bool) {
	if !r.QuotaFrozen || r.CapUnbounded {
		return shared.Amount{}, false
	}
	return shared.SubAmountsFloor(r.TokensCap, r.TokensIssued), true
}
