// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tempus-labs/tempus-crowdsale/internal/domain/crowdsale"
	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
	"github.com/tempus-labs/tempus-crowdsale/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CROWDSALE SOURCE
// Hands the live aggregate to handlers. Refresh is called after a write lost
// an optimistic version race against another instance.
// ══════════════════════════════════════════════════════════════════════════════

// Source provides the crowdsale aggregate handlers operate on.
type Source interface {
	Current(ctx context.Context) (*crowdsale.Crowdsale, error)
	Refresh(ctx context.Context) (*crowdsale.Crowdsale, error)
}

// StaticSource serves a single in-process aggregate.
type StaticSource struct {
	cs *crowdsale.Crowdsale
}

// NewStaticSource wraps cs.
func NewStaticSource(cs *crowdsale.Crowdsale) *StaticSource {
	return &StaticSource{cs: cs}
}

// Current implements Source.
func (s *StaticSource) Current(context.Context) (*crowdsale.Crowdsale, error) {
	return s.cs, nil
}

// Refresh implements Source. The in-process aggregate is always current.
func (s *StaticSource) Refresh(context.Context) (*crowdsale.Crowdsale, error) {
	return s.cs, nil
}

// RepositorySource loads the aggregate from a repository and reloads it on
// demand. The aggregate writes through to the same repository.
type RepositorySource struct {
	mu      sync.Mutex
	repo    crowdsale.Repository
	ledger  crowdsale.Ledger
	opts    []crowdsale.Option
	id      string
	current *crowdsale.Crowdsale
}

// NewRepositorySource creates a source for crowdsale id.
func NewRepositorySource(repo crowdsale.Repository, id string, ledger crowdsale.Ledger, opts ...crowdsale.Option) *RepositorySource {
	return &RepositorySource{
		repo:   repo,
		ledger: ledger,
		opts:   append(opts, crowdsale.WithStore(repo)),
		id:     id,
	}
}

// Bootstrap loads the configured crowdsale, creating it first when cfg.ID is
// empty or unknown. It returns the ID in use.
func (s *RepositorySource) Bootstrap(ctx context.Context, cfg crowdsale.Config) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.ID != "" {
		state, err := s.repo.Load(ctx, cfg.ID)
		if err == nil {
			return s.restore(state)
		}
		if !shared.IsNotFound(err) {
			return "", fmt.Errorf("bootstrap: load crowdsale: %w", err)
		}
	}

	cs, err := crowdsale.New(cfg, s.ledger, s.opts...)
	if err != nil {
		return "", fmt.Errorf("bootstrap: build crowdsale: %w", err)
	}
	if err := s.repo.Create(ctx, cs.Snapshot()); err != nil {
		return "", fmt.Errorf("bootstrap: create crowdsale: %w", err)
	}
	s.id = cs.ID()
	s.current = cs
	return s.id, nil
}

func (s *RepositorySource) restore(state crowdsale.State) (string, error) {
	cs, err := crowdsale.Restore(state, s.ledger, s.opts...)
	if err != nil {
		return "", fmt.Errorf("restore crowdsale %s: %w", state.ID, err)
	}
	s.id = state.ID
	s.current = cs
	return s.id, nil
}

// Current implements Source.
func (s *RepositorySource) Current(ctx context.Context) (*crowdsale.Crowdsale, error) {
	s.mu.Lock()
	cs := s.current
	s.mu.Unlock()
	if cs != nil {
		return cs, nil
	}
	return s.Refresh(ctx)
}

// Refresh implements Source.
func (s *RepositorySource) Refresh(ctx context.Context) (*crowdsale.Crowdsale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.repo.Load(ctx, s.id)
	if err != nil {
		return nil, err
	}
	if _, err := s.restore(state); err != nil {
		return nil, err
	}
	return s.current, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SHARED HANDLER PLUMBING
// ══════════════════════════════════════════════════════════════════════════════

// RejectionObserver is told about every operation a business rule refused.
type RejectionObserver interface {
	ObserveRejection(operation string, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveRejection(string, error) {}

// withConflictRetry runs fn against the current aggregate, reloading and
// retrying when the write lost a version race.
func withConflictRetry(ctx context.Context, source Source, retrier *retry.Retrier, fn func(ctx context.Context, cs *crowdsale.Crowdsale) error) error {
	return retrier.Do(ctx, func(ctx context.Context) error {
		cs, err := source.Current(ctx)
		if err != nil {
			return retry.Permanent(err)
		}
		err = fn(ctx, cs)
		if err != nil && shared.IsRetryable(err) {
			if _, rerr := source.Refresh(ctx); rerr != nil {
				return retry.Permanent(rerr)
			}
		}
		return err
	})
}

// publishAll publishes events in order. Publishing failures are logged, the
// state change they describe has already been committed.
func publishAll(publisher shared.EventPublisher, logger *zap.Logger, events []shared.Event, correlationID string) []shared.Event {
	out := make([]shared.Event, 0, len(events))
	for _, e := range events {
		e = shared.WithCorrelation(e, correlationID)
		out = append(out, e)
		if publisher == nil {
			continue
		}
		if err := publisher.Publish(e); err != nil {
			logger.Warn("failed to publish event",
				zap.String("event_type", string(e.EventType())),
				zap.Error(err),
			)
		}
	}
	return out
}

func defaultRetrier() *retry.Retrier {
	return retry.ConflictRetrier(shared.IsRetryable)
}

func orNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
