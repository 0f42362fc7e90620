package eventhandler

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
)

// Register subscribes the crowdsale handlers to bus. extra handlers, such as
// the metrics collector, receive every event.
func Register(bus shared.EventSubscriber, cache StatusInvalidator, logger *zap.Logger, extra ...shared.EventHandler) error {
	purchase := NewOnPurchaseSettledHandler(cache, logger)
	round := NewOnRoundAdvancedHandler(cache, logger)
	membership := NewOnMembershipChangedHandler(cache, logger)

	subscriptions := []struct {
		eventType shared.EventType
		handler   shared.EventHandler
	}{
		{shared.EventPurchaseSettled, purchase.Handle},
		{shared.EventRoundAdvanced, round.Handle},
		{shared.EventBeneficiaryAdded, membership.Handle},
		{shared.EventBeneficiaryRemoved, membership.Handle},
		{shared.EventAdministratorAdded, membership.Handle},
		{shared.EventAdministratorRemoved, membership.Handle},
	}
	for _, s := range subscriptions {
		if err := bus.Subscribe(s.eventType, s.handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", s.eventType, err)
		}
	}

	for _, h := range extra {
		if err := bus.SubscribeAll(h); err != nil {
			return fmt.Errorf("subscribe all: %w", err)
		}
	}
	return nil
}
