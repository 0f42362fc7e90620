package redis

import (
	"context"
	"errors"
	"time"

	"github.com/tempus-labs/tempus-crowdsale/internal/application/query"
	"github.com/tempus-labs/tempus-crowdsale/pkg/circuitbreaker"
)

// StatusCache implements query.StatusCache on top of Cache.
type StatusCache struct {
	cache   *Cache
	ttl     time.Duration
	breaker *circuitbreaker.CircuitBreaker
}

// StatusCacheOption configures a StatusCache.
type StatusCacheOption func(*StatusCache)

// WithBreaker routes every Redis call through cb. While it is open, reads
// miss and writes fail immediately.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) StatusCacheOption {
	return func(s *StatusCache) { s.breaker = cb }
}

// NewStatusCache creates a new StatusCache. A non-positive ttl selects TTLStatus.
func NewStatusCache(cache *Cache, ttl time.Duration, opts ...StatusCacheOption) *StatusCache {
	if ttl <= 0 {
		ttl = TTLStatus
	}
	s := &StatusCache{cache: cache, ttl: ttl}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsCacheFailure reports whether err means Redis misbehaved, as opposed to a
// plain miss.
func IsCacheFailure(err error) bool {
	return err != nil && !errors.Is(err, ErrCacheMiss)
}

func (s *StatusCache) call(ctx context.Context, fn func(context.Context) error) error {
	if s.breaker == nil {
		return fn(ctx)
	}
	return s.breaker.Execute(ctx, fn)
}

// GetStatus returns the cached status or ErrCacheMiss.
func (s *StatusCache) GetStatus(ctx context.Context, crowdsaleID string) (*query.StatusDTO, error) {
	var dto query.StatusDTO
	err := s.call(ctx, func(ctx context.Context) error {
		return s.cache.Get(ctx, StatusKey(crowdsaleID), &dto)
	})
	if err != nil {
		return nil, err
	}
	return &dto, nil
}

// SetStatus caches status under its crowdsale id.
func (s *StatusCache) SetStatus(ctx context.Context, status *query.StatusDTO) error {
	if status == nil {
		return ErrCacheNilValue
	}
	return s.call(ctx, func(ctx context.Context) error {
		return s.cache.Set(ctx, StatusKey(status.CrowdsaleID), status, s.ttl)
	})
}

// InvalidateStatus drops the cached status. It bypasses the breaker: a
// skipped invalidation would leave a stale entry behind for a full TTL.
func (s *StatusCache) InvalidateStatus(ctx context.Context, crowdsaleID string) error {
	return s.cache.Delete(ctx, StatusKey(crowdsaleID))
}
