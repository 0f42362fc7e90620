package eventhandler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
)

type mockInvalidator struct {
	mock.Mock
}

func (m *mockInvalidator) InvalidateStatus(ctx context.Context, crowdsaleID string) error {
	return m.Called(ctx, crowdsaleID).Error(0)
}

// recordingBus dispatches synchronously to whatever was subscribed.
type recordingBus struct {
	byType map[shared.EventType][]shared.EventHandler
	all    []shared.EventHandler
}

func newRecordingBus() *recordingBus {
	return &recordingBus{byType: make(map[shared.EventType][]shared.EventHandler)}
}

func (b *recordingBus) Subscribe(t shared.EventType, h shared.EventHandler) error {
	b.byType[t] = append(b.byType[t], h)
	return nil
}

func (b *recordingBus) SubscribeAll(h shared.EventHandler) error {
	b.all = append(b.all, h)
	return nil
}

func (b *recordingBus) publish(e shared.Event) {
	for _, h := range b.byType[e.EventType()] {
		_ = h(e)
	}
	for _, h := range b.all {
		_ = h(e)
	}
}

var (
	at          = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	contributor = shared.MustParseAccount("0x1111111111111111111111111111111111111111")
	admin       = shared.MustParseAccount("0xd000000000000000000000000000000000000001")
)

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func TestOnPurchaseSettledHandler(t *testing.T) {
	cache := &mockInvalidator{}
	cache.On("InvalidateStatus", mock.Anything, "cs-1").Return(nil).Once()
	logger, logs := observedLogger()

	h := NewOnPurchaseSettledHandler(cache, logger)
	e := shared.WithCorrelation(
		shared.NewPurchaseSettledEvent("cs-1", at, contributor, shared.NewAmount(100), shared.NewAmount(1_000_000_000_000), 1),
		"req-9",
	)
	require.NoError(t, h.Handle(e))

	cache.AssertExpectations(t)
	entries := logs.FilterMessage("purchase settled").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "1000000000000", fields["tokens"])
	assert.Equal(t, "req-9", fields["correlation_id"])
	assert.Equal(t, "on_purchase_settled", fields["handler"])
}

func TestOnPurchaseSettledHandler_IgnoresOtherEvents(t *testing.T) {
	cache := &mockInvalidator{}
	logger, logs := observedLogger()

	h := NewOnPurchaseSettledHandler(cache, logger)
	require.NoError(t, h.Handle(shared.NewRoundAdvancedEvent("cs-1", at, 1, shared.AdvanceByTime, shared.NewAmount(5), false)))

	cache.AssertNotCalled(t, "InvalidateStatus", mock.Anything, mock.Anything)
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestOnRoundAdvancedHandler(t *testing.T) {
	logger, logs := observedLogger()
	h := NewOnRoundAdvancedHandler(nil, logger)

	require.NoError(t, h.Handle(shared.NewRoundAdvancedEvent("cs-1", at, 2, shared.AdvanceByQuota, shared.NewAmount(42), false)))
	require.NoError(t, h.Handle(shared.NewRoundAdvancedEvent("cs-1", at, 4, shared.AdvanceByTime, shared.Amount{}, true)))

	entries := logs.FilterMessage("round advanced").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "42", entries[0].ContextMap()["tokens_cap"])
	assert.Equal(t, "quota", entries[0].ContextMap()["trigger"])
	assert.Equal(t, true, entries[1].ContextMap()["unbounded"])
}

func TestOnMembershipChangedHandler_InvalidateFailureIsLogged(t *testing.T) {
	cache := &mockInvalidator{}
	cache.On("InvalidateStatus", mock.Anything, "cs-1").Return(errors.New("redis down"))
	logger, logs := observedLogger()

	h := NewOnMembershipChangedHandler(cache, logger)
	e := shared.NewMembershipChangedEvent(shared.EventAdministratorAdded, "cs-1", at, admin, contributor, -1)
	require.NoError(t, h.Handle(e))

	changed := logs.FilterMessage("membership changed").All()
	require.Len(t, changed, 1)
	_, hasIndex := changed[0].ContextMap()["index"]
	assert.False(t, hasIndex)
	assert.Equal(t, 1, logs.FilterMessage("failed to invalidate status cache").Len())
}

func TestRegister(t *testing.T) {
	bus := newRecordingBus()
	cache := &mockInvalidator{}
	cache.On("InvalidateStatus", mock.Anything, "cs-1").Return(nil)

	var seen []shared.EventType
	extra := func(e shared.Event) error {
		seen = append(seen, e.EventType())
		return nil
	}

	require.NoError(t, Register(bus, cache, zap.NewNop(), extra))
	assert.Len(t, bus.byType, 6)
	assert.Len(t, bus.all, 1)

	bus.publish(shared.NewRoundAdvancedEvent("cs-1", at, 1, shared.AdvanceByTime, shared.NewAmount(1), false))
	bus.publish(shared.NewPurchaseSettledEvent("cs-1", at, contributor, shared.NewAmount(1), shared.NewAmount(1), 1))
	bus.publish(shared.NewMembershipChangedEvent(shared.EventBeneficiaryRemoved, "cs-1", at, admin, contributor, 0))

	assert.Equal(t, []shared.EventType{
		shared.EventRoundAdvanced, shared.EventPurchaseSettled, shared.EventBeneficiaryRemoved,
	}, seen)
	cache.AssertNumberOfCalls(t, "InvalidateStatus", 3)
}
