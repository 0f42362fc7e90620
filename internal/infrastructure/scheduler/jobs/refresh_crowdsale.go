// Package jobs contains the periodic jobs run by the crowdsale service.
package jobs

import (
	"context"
	"fmt"

	"github.com/tempus-labs/tempus-crowdsale/internal/domain/crowdsale"
)

// Refresher reloads the aggregate from its backing store.
type Refresher interface {
	Refresh(ctx context.Context) (*crowdsale.Crowdsale, error)
}

// RefreshCrowdsaleJob reloads the crowdsale written by other instances so
// reads served here do not go stale between local writes.
type RefreshCrowdsaleJob struct {
	source  Refresher
	onRound func(id int)
}

// NewRefreshCrowdsaleJob creates the job. onRound receives the active round
// after every reload and may be nil.
func NewRefreshCrowdsaleJob(source Refresher, onRound func(id int)) *RefreshCrowdsaleJob {
	return &RefreshCrowdsaleJob{source: source, onRound: onRound}
}

func (j *RefreshCrowdsaleJob) Name() string { return "refresh_crowdsale" }

func (j *RefreshCrowdsaleJob) Description() string {
	return "Reloads the crowdsale aggregate from storage"
}

// Run implements scheduler.Job.
func (j *RefreshCrowdsaleJob) Run(ctx context.Context) error {
	cs, err := j.source.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("refresh crowdsale: %w", err)
	}
	if j.onRound != nil {
		j.onRound(cs.CurrentRoundID())
	}
	return nil
}
