// Package eventhandler contains handlers reacting to crowdsale domain events.
package eventhandler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
	"github.com/tempus-labs/tempus-crowdsale/pkg/logger"
)

// StatusInvalidator drops a cached crowdsale status.
type StatusInvalidator interface {
	InvalidateStatus(ctx context.Context, crowdsaleID string) error
}

// invalidateTimeout bounds the cache round trip made from a handler.
const invalidateTimeout = 2 * time.Second

func invalidate(cache StatusInvalidator, log *zap.Logger, event shared.Event) {
	if cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
	defer cancel()

	if err := cache.InvalidateStatus(ctx, event.AggregateID()); err != nil {
		log.Warn("failed to invalidate status cache",
			logger.CrowdsaleID(event.AggregateID()),
			zap.Error(err),
		)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// ON PURCHASE SETTLED HANDLER
// ═══════════════════════════════════════════════════════════════════════════

// OnPurchaseSettledHandler logs settled contributions and invalidates the
// cached status they changed.
type OnPurchaseSettledHandler struct {
	cache  StatusInvalidator
	logger *zap.Logger
}

// NewOnPurchaseSettledHandler creates a new handler. cache may be nil.
func NewOnPurchaseSettledHandler(cache StatusInvalidator, log *zap.Logger) *OnPurchaseSettledHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &OnPurchaseSettledHandler{
		cache:  cache,
		logger: log.With(zap.String("handler", "on_purchase_settled")),
	}
}

// Handle implements shared.EventHandler.
func (h *OnPurchaseSettledHandler) Handle(event shared.Event) error {
	e, ok := event.(shared.PurchaseSettledEvent)
	if !ok {
		h.logger.Warn("received non-PurchaseSettledEvent",
			zap.String("event_type", string(event.EventType())),
		)
		return nil
	}

	h.logger.Info("purchase settled",
		logger.CrowdsaleID(e.AggregateID()),
		zap.String("contributor", e.Contributor.Hex()),
		logger.Value(shared.FormatAmount(e.Value)),
		logger.Tokens(shared.FormatAmount(e.Tokens)),
		logger.RoundID(e.RoundID),
		zap.String("correlation_id", e.CorrelationID),
	)

	invalidate(h.cache, h.logger, e)
	return nil
}
