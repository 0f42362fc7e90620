package jobs

import (
	"context"

	"github.com/tempus-labs/tempus-crowdsale/internal/application/query"
)

// StatusQuerier answers status queries.
type StatusQuerier interface {
	Handle(ctx context.Context, q query.GetStatusQuery) (*query.StatusDTO, error)
}

// WarmStatusJob rebuilds the cached status from the aggregate, so the first
// read after an expiry or an invalidation does not pay for the rebuild.
type WarmStatusJob struct {
	status StatusQuerier
}

func NewWarmStatusJob(status StatusQuerier) *WarmStatusJob {
	return &WarmStatusJob{status: status}
}

func (j *WarmStatusJob) Name() string { return "warm_status_cache" }

func (j *WarmStatusJob) Description() string {
	return "Rebuilds the cached crowdsale status"
}

// Run implements scheduler.Job.
func (j *WarmStatusJob) Run(ctx context.Context) error {
	_, err := j.status.Handle(ctx, query.GetStatusQuery{SkipCache: true})
	return err
}
