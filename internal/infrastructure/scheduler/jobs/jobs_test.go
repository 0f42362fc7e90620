package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempus-labs/tempus-crowdsale/internal/application/command"
	"github.com/tempus-labs/tempus-crowdsale/internal/application/query"
	"github.com/tempus-labs/tempus-crowdsale/internal/domain/crowdsale"
	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
	"github.com/tempus-labs/tempus-crowdsale/internal/domain/token"
)

var (
	deployer = shared.MustParseAccount("0xd000000000000000000000000000000000000001")
	minter   = shared.MustParseAccount("0x9000000000000000000000000000000000000009")
	benA     = shared.MustParseAccount("0xa000000000000000000000000000000000000001")
)

func newCrowdsale(t *testing.T) *crowdsale.Crowdsale {
	t.Helper()

	ledger, err := token.NewCappedLedger(token.DefaultConfig(deployer))
	require.NoError(t, err)
	require.NoError(t, ledger.AddMinter(deployer, minter))

	cs, err := crowdsale.New(crowdsale.Config{
		Minter:        minter,
		Deployer:      deployer,
		Schedule:      crowdsale.DefaultScheduleConfig(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		MinDeposit:    crowdsale.DefaultMinDeposit,
		UnitScale:     crowdsale.DefaultUnitScale,
		Beneficiaries: []shared.Account{benA},
	}, ledger)
	require.NoError(t, err)
	return cs
}

type failingRefresher struct{ err error }

func (f failingRefresher) Refresh(context.Context) (*crowdsale.Crowdsale, error) {
	return nil, f.err
}

type recordingCache struct {
	set []*query.StatusDTO
}

func (c *recordingCache) GetStatus(context.Context, string) (*query.StatusDTO, error) {
	return nil, errors.New("miss")
}

func (c *recordingCache) SetStatus(_ context.Context, s *query.StatusDTO) error {
	c.set = append(c.set, s)
	return nil
}

func (c *recordingCache) InvalidateStatus(context.Context, string) error { return nil }

func TestRefreshCrowdsaleJob(t *testing.T) {
	source := command.NewStaticSource(newCrowdsale(t))

	round := -1
	job := NewRefreshCrowdsaleJob(source, func(id int) { round = id })
	assert.Equal(t, "refresh_crowdsale", job.Name())

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 0, round)
}

func TestRefreshCrowdsaleJob_Error(t *testing.T) {
	cause := errors.New("db down")
	job := NewRefreshCrowdsaleJob(failingRefresher{err: cause}, nil)

	assert.ErrorIs(t, job.Run(context.Background()), cause)
}

func TestWarmStatusJob(t *testing.T) {
	source := command.NewStaticSource(newCrowdsale(t))
	cache := &recordingCache{}
	job := NewWarmStatusJob(query.NewGetStatusHandler(source, cache, nil))
	assert.Equal(t, "warm_status_cache", job.Name())

	require.NoError(t, job.Run(context.Background()))
	require.Len(t, cache.set, 1)
	assert.Equal(t, 0, cache.set[0].CurrentRoundID)
	assert.False(t, cache.set[0].FromCache)
}
