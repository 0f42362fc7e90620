package eventhandler

import (
	"go.uber.org/zap"

	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
	"github.com/tempus-labs/tempus-crowdsale/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON ROUND ADVANCED HANDLER
// ═══════════════════════════════════════════════════════════════════════════

// OnRoundAdvancedHandler records round switches in the log and drops the
// cached status.
type OnRoundAdvancedHandler struct {
	cache  StatusInvalidator
	logger *zap.Logger
}

// NewOnRoundAdvancedHandler creates a new handler. cache may be nil.
func NewOnRoundAdvancedHandler(cache StatusInvalidator, log *zap.Logger) *OnRoundAdvancedHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &OnRoundAdvancedHandler{
		cache:  cache,
		logger: log.With(zap.String("handler", "on_round_advanced")),
	}
}

// Handle implements shared.EventHandler.
func (h *OnRoundAdvancedHandler) Handle(event shared.Event) error {
	e, ok := event.(shared.RoundAdvancedEvent)
	if !ok {
		h.logger.Warn("received non-RoundAdvancedEvent",
			zap.String("event_type", string(event.EventType())),
		)
		return nil
	}

	fields := []zap.Field{
		logger.CrowdsaleID(e.AggregateID()),
		logger.RoundID(e.NewRoundID),
		zap.String("trigger", string(e.Trigger)),
		zap.Time("at", e.OccurredAt()),
	}
	if e.Unbounded {
		fields = append(fields, zap.Bool("unbounded", true))
	} else {
		fields = append(fields, zap.String("tokens_cap", shared.FormatAmount(e.TokensCap)))
	}
	h.logger.Info("round advanced", fields...)

	invalidate(h.cache, h.logger, e)
	return nil
}
