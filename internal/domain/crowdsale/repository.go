package crowdsale

import (
	"context"
)

// Repository persists crowdsales. It satisfies Store, so a Crowdsale built
// with WithStore(repo) writes through on every change.
type Repository interface {
	Store

	// Create inserts a freshly constructed crowdsale.
	Create(ctx context.Context, state State) error

	// Load returns the latest state. Fails with shared.ErrCrowdsaleNotFound.
	Load(ctx context.Context, id string) (State, error)
}
