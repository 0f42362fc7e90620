package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tempus-labs/tempus-crowdsale/internal/domain/crowdsale"
	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
	"github.com/tempus-labs/tempus-crowdsale/internal/domain/token"
)

// ══════════════════════════════════════════════════════════════════════════════
// Mocks
// ══════════════════════════════════════════════════════════════════════════════

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(event shared.Event) error {
	return m.Called(event).Error(0)
}

type mockRepository struct {
	mock.Mock
}

func (m *mockRepository) Save(ctx context.Context, state crowdsale.State) error {
	return m.Called(ctx, state).Error(0)
}

func (m *mockRepository) RecordSettlement(ctx context.Context, s *crowdsale.Settlement) error {
	return m.Called(ctx, s).Error(0)
}

func (m *mockRepository) Create(ctx context.Context, state crowdsale.State) error {
	return m.Called(ctx, state).Error(0)
}

func (m *mockRepository) Load(ctx context.Context, id string) (crowdsale.State, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(crowdsale.State), args.Error(1)
}

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) Cap() shared.Amount {
	return m.Called().Get(0).(shared.Amount)
}

func (m *mockLedger) Mint(ctx context.Context, minter, to shared.Account, amount shared.Amount) error {
	return m.Called(ctx, minter, to, amount).Error(0)
}

type recordingObserver struct {
	ops []string
}

func (o *recordingObserver) ObserveRejection(op string, _ error) {
	o.ops = append(o.ops, op)
}

// ══════════════════════════════════════════════════════════════════════════════
// Fixtures
// ══════════════════════════════════════════════════════════════════════════════

var (
	start       = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	deployer    = shared.MustParseAccount("0xd000000000000000000000000000000000000001")
	minter      = shared.MustParseAccount("0x9000000000000000000000000000000000000009")
	contributor = shared.MustParseAccount("0x1111111111111111111111111111111111111111")
	benA        = shared.MustParseAccount("0xa000000000000000000000000000000000000001")
	benB        = shared.MustParseAccount("0xb000000000000000000000000000000000000002")
	stranger    = shared.MustParseAccount("0xf000000000000000000000000000000000000003")
)

func domainConfig() crowdsale.Config {
	return crowdsale.Config{
		ID:            "6b3c1c9e-5f7a-4a53-9a4e-0f4d2b7f6c11",
		Minter:        minter,
		Deployer:      deployer,
		Schedule:      crowdsale.DefaultScheduleConfig(start),
		MinDeposit:    shared.NewAmount(10),
		Beneficiaries: []shared.Account{benA},
	}
}

func newStaticSource(t *testing.T) (*StaticSource, *token.CappedLedger) {
	t.Helper()
	ledger, err := token.NewCappedLedger(token.DefaultConfig(deployer))
	require.NoError(t, err)
	require.NoError(t, ledger.AddMinter(deployer, minter))

	cs, err := crowdsale.New(domainConfig(), ledger)
	require.NoError(t, err)
	return NewStaticSource(cs), ledger
}

// ══════════════════════════════════════════════════════════════════════════════
// Contribute
// ══════════════════════════════════════════════════════════════════════════════

func TestContributeHandler_PublishesInOrder(t *testing.T) {
	source, ledger := newStaticSource(t)
	cs, _ := source.Current(context.Background())
	r1, err := cs.Round(1)
	require.NoError(t, err)

	publisher := &mockPublisher{}
	var published []shared.EventType
	publisher.On("Publish", mock.Anything).Run(func(args mock.Arguments) {
		e := args.Get(0).(shared.Event)
		assert.Equal(t, "req-1", shared.CorrelationOf(e))
		published = append(published, e.EventType())
	}).Return(nil)

	h := NewContributeHandler(source, publisher, nil, ContributeHandlerConfig{})
	result, err := h.Handle(context.Background(), ContributeCommand{
		Contributor:   contributor,
		Value:         shared.NewAmount(100),
		Timestamp:     r1.Start,
		CorrelationID: "req-1",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.RoundID)
	assert.Equal(t, 1, result.CurrentRoundID)
	assert.Equal(t, shared.NewAmount(1_000_000_000_000), result.Tokens)
	assert.Equal(t, result.Tokens, ledger.BalanceOf(contributor))
	assert.Equal(t, []shared.EventType{shared.EventRoundAdvanced, shared.EventPurchaseSettled}, published)
	require.Len(t, result.Payouts, 1)
	assert.Equal(t, benA, result.Payouts[0].Account)
	publisher.AssertNumberOfCalls(t, "Publish", 2)
}

func TestContributeHandler_DefaultsTimestampToClock(t *testing.T) {
	source, _ := newStaticSource(t)
	at := start.Add(time.Hour)

	h := NewContributeHandler(source, nil, nil, ContributeHandlerConfig{Clock: func() time.Time { return at }})
	result, err := h.Handle(context.Background(), ContributeCommand{Contributor: contributor, Value: shared.NewAmount(10)})
	require.NoError(t, err)
	assert.Equal(t, at, result.SettledAt)
}

func TestContributeHandler_Rejections(t *testing.T) {
	source, ledger := newStaticSource(t)
	observer := &recordingObserver{}
	publisher := &mockPublisher{}

	h := NewContributeHandler(source, publisher, nil, ContributeHandlerConfig{Observer: observer})

	_, err := h.Handle(context.Background(), ContributeCommand{Contributor: contributor, Value: shared.NewAmount(9), Timestamp: start})
	assert.ErrorIs(t, err, shared.ErrBelowMinimumDeposit)

	_, err = h.Handle(context.Background(), ContributeCommand{Value: shared.NewAmount(90), Timestamp: start})
	assert.ErrorIs(t, err, shared.ErrInvalidAccount)

	assert.Equal(t, []string{"contribute"}, observer.ops)
	supply := ledger.TotalSupply()
	assert.True(t, supply.IsZero())
	publisher.AssertNotCalled(t, "Publish", mock.Anything)
}

func TestContributeHandler_PublishFailureDoesNotFail(t *testing.T) {
	source, _ := newStaticSource(t)
	publisher := &mockPublisher{}
	publisher.On("Publish", mock.Anything).Return(errors.New("bus closed"))

	h := NewContributeHandler(source, publisher, nil, ContributeHandlerConfig{})
	result, err := h.Handle(context.Background(), ContributeCommand{Contributor: contributor, Value: shared.NewAmount(10), Timestamp: start})
	require.NoError(t, err)
	assert.Len(t, result.Events, 1)
}

func TestContributeHandler_RetriesVersionConflict(t *testing.T) {
	ctx := context.Background()
	ledger := &mockLedger{}
	ledger.On("Cap").Return(shared.NewAmount(100_000_000_000_000_000))
	ledger.On("Mint", mock.Anything, minter, contributor, mock.Anything).Return(nil)

	seed, err := crowdsale.New(domainConfig(), ledger)
	require.NoError(t, err)
	stored := seed.Snapshot()

	repo := &mockRepository{}
	conflict := shared.WrapError("crowdsale", "Save", shared.ErrConcurrentModification, "version mismatch", nil)
	repo.On("Load", mock.Anything, stored.ID).Return(stored, nil)
	repo.On("Save", mock.Anything, mock.Anything).Return(conflict).Once()
	repo.On("Save", mock.Anything, mock.Anything).Return(nil)
	repo.On("RecordSettlement", mock.Anything, mock.Anything).Return(nil)

	source := NewRepositorySource(repo, stored.ID, ledger)
	h := NewContributeHandler(source, nil, nil, ContributeHandlerConfig{})

	result, err := h.Handle(ctx, ContributeCommand{Contributor: contributor, Value: shared.NewAmount(10), Timestamp: start})
	require.NoError(t, err)
	assert.Equal(t, shared.NewAmount(200_000_000_000), result.Tokens)

	repo.AssertNumberOfCalls(t, "Load", 2)
	repo.AssertNumberOfCalls(t, "Save", 2)
	repo.AssertNumberOfCalls(t, "RecordSettlement", 1)
	ledger.AssertNumberOfCalls(t, "Mint", 2)
}

// ══════════════════════════════════════════════════════════════════════════════
// Bootstrap
// ══════════════════════════════════════════════════════════════════════════════

func TestRepositorySource_BootstrapCreatesWhenMissing(t *testing.T) {
	ledger, err := token.NewCappedLedger(token.DefaultConfig(deployer))
	require.NoError(t, err)

	cfg := domainConfig()
	repo := &mockRepository{}
	repo.On("Load", mock.Anything, cfg.ID).Return(crowdsale.State{}, shared.ErrCrowdsaleNotFound)
	repo.On("Create", mock.Anything, mock.MatchedBy(func(s crowdsale.State) bool {
		return s.ID == cfg.ID && s.Version == 1
	})).Return(nil)

	source := NewRepositorySource(repo, "", ledger)
	id, err := source.Bootstrap(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.ID, id)

	cs, err := source.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg.ID, cs.ID())
	repo.AssertExpectations(t)
}

func TestRepositorySource_BootstrapLoadsExisting(t *testing.T) {
	ledger, err := token.NewCappedLedger(token.DefaultConfig(deployer))
	require.NoError(t, err)

	seed, err := crowdsale.New(domainConfig(), ledger)
	require.NoError(t, err)

	repo := &mockRepository{}
	repo.On("Load", mock.Anything, seed.ID()).Return(seed.Snapshot(), nil)

	source := NewRepositorySource(repo, "", ledger)
	id, err := source.Bootstrap(context.Background(), domainConfig())
	require.NoError(t, err)
	assert.Equal(t, seed.ID(), id)
	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

// ══════════════════════════════════════════════════════════════════════════════
// Administration
// ══════════════════════════════════════════════════════════════════════════════

func TestManageBeneficiariesHandler(t *testing.T) {
	source, _ := newStaticSource(t)
	observer := &recordingObserver{}
	publisher := &mockPublisher{}
	publisher.On("Publish", mock.Anything).Return(nil)

	h := NewManageBeneficiariesHandler(source, publisher, observer, nil)
	ctx := context.Background()

	added, err := h.Add(ctx, AddBeneficiaryCommand{Caller: deployer, Account: benB})
	require.NoError(t, err)
	assert.Equal(t, 1, added.Index)
	assert.Equal(t, []shared.Account{benA, benB}, added.Beneficiaries)

	_, err = h.Add(ctx, AddBeneficiaryCommand{Caller: stranger, Account: stranger})
	assert.ErrorIs(t, err, shared.ErrNotAdministrator)

	removed, err := h.Remove(ctx, RemoveBeneficiaryCommand{Caller: deployer, Index: 0})
	require.NoError(t, err)
	assert.Equal(t, benA, removed.Account)
	assert.Equal(t, []shared.Account{benB}, removed.Beneficiaries)

	_, err = h.Remove(ctx, RemoveBeneficiaryCommand{Caller: deployer, Index: 4})
	assert.ErrorIs(t, err, shared.ErrIndexOutOfRange)

	assert.Equal(t, []string{"add_beneficiary", "remove_beneficiary"}, observer.ops)
	publisher.AssertNumberOfCalls(t, "Publish", 2)
}

func TestManageAdministratorsHandler(t *testing.T) {
	source, _ := newStaticSource(t)
	h := NewManageAdministratorsHandler(source, nil, nil, nil)
	ctx := context.Background()

	res, err := h.Add(ctx, AdministratorCommand{Caller: deployer, Account: benA})
	require.NoError(t, err)
	assert.Equal(t, []shared.Account{deployer, benA}, res.Administrators)
	require.Len(t, res.Events, 1)
	assert.Equal(t, shared.EventAdministratorAdded, res.Events[0].EventType())

	_, err = h.Remove(ctx, AdministratorCommand{Caller: benA, Account: deployer})
	require.NoError(t, err)

	_, err = h.Remove(ctx, AdministratorCommand{Caller: benA, Account: benA})
	assert.ErrorIs(t, err, shared.ErrLastAdministrator)

	_, err = h.Add(ctx, AdministratorCommand{Caller: deployer, Account: stranger})
	assert.ErrorIs(t, err, shared.ErrNotAdministrator)
}
