package eventhandler

import (
	"go.uber.org/zap"

	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
	"github.com/tempus-labs/tempus-crowdsale/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON MEMBERSHIP CHANGED HANDLER
// Logged at warn level: these are the audit trail of privilege changes.
// ═══════════════════════════════════════════════════════════════════════════

// OnMembershipChangedHandler audits beneficiary and administrator changes.
type OnMembershipChangedHandler struct {
	cache  StatusInvalidator
	logger *zap.Logger
}

// NewOnMembershipChangedHandler creates a new handler. cache may be nil.
func NewOnMembershipChangedHandler(cache StatusInvalidator, log *zap.Logger) *OnMembershipChangedHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &OnMembershipChangedHandler{
		cache:  cache,
		logger: log.With(zap.String("handler", "on_membership_changed")),
	}
}

// Handle implements shared.EventHandler.
func (h *OnMembershipChangedHandler) Handle(event shared.Event) error {
	e, ok := event.(shared.MembershipChangedEvent)
	if !ok {
		h.logger.Warn("received non-MembershipChangedEvent",
			zap.String("event_type", string(event.EventType())),
		)
		return nil
	}

	fields := []zap.Field{
		zap.String("event_type", string(e.EventType())),
		logger.CrowdsaleID(e.AggregateID()),
		zap.String("caller", e.Caller.Hex()),
		logger.Account(e.Account.Hex()),
	}
	if e.Index >= 0 {
		fields = append(fields, zap.Int("index", e.Index))
	}
	h.logger.Warn("membership changed", fields...)

	invalidate(h.cache, h.logger, e)
	return nil
}
