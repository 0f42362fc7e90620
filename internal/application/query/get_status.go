package query

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
	"github.com/tempus-labs/tempus-crowdsale/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET STATUS QUERY
// Global counters, the active round and the member lists. Served from the
// status cache when one is configured; every event invalidates it.
// ══════════════════════════════════════════════════════════════════════════════

// GetStatusQuery requests the crowdsale status.
type GetStatusQuery struct {
	// SkipCache forces a read from the aggregate.
	SkipCache bool
}

// GetStatusHandler handles GetStatusQuery.
type GetStatusHandler struct {
	reader Reader
	cache  StatusCache
	clock  func() time.Time
	logger *zap.Logger
}

// NewGetStatusHandler creates a new GetStatusHandler. cache may be nil.
func NewGetStatusHandler(reader Reader, cache StatusCache, log *zap.Logger) *GetStatusHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &GetStatusHandler{
		reader: reader,
		cache:  cache,
		clock:  time.Now,
		logger: log.With(logger.Component("status_query")),
	}
}

// Handle executes the query.
func (h *GetStatusHandler) Handle(ctx context.Context, q GetStatusQuery) (*StatusDTO, error) {
	cs, err := h.reader.Current(ctx)
	if err != nil {
		return nil, shared.WrapError("query", "GetStatus", shared.ErrNotFound, "crowdsale unavailable", err)
	}

	if h.cache != nil && !q.SkipCache {
		if cached, err := h.cache.GetStatus(ctx, cs.ID()); err == nil && cached != nil {
			cached.FromCache = true
			return cached, nil
		}
	}

	dto := NewStatusDTO(cs.Snapshot(), h.clock().UTC())

	if h.cache != nil {
		if err := h.cache.SetStatus(ctx, dto); err != nil {
			h.logger.Warn("failed to cache status", logger.CrowdsaleID(dto.CrowdsaleID), zap.Error(err))
		}
	}
	return dto, nil
}
