package command

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tempus-labs/tempus-crowdsale/internal/domain/crowdsale"
	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
	"github.com/tempus-labs/tempus-crowdsale/pkg/logger"
	"github.com/tempus-labs/tempus-crowdsale/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONTRIBUTE COMMAND
// Settles one contribution: prices it at the active round, mints tokens to
// the contributor and splits the value across beneficiaries.
// ══════════════════════════════════════════════════════════════════════════════

// ContributeCommand contains the data of one contribution.
type ContributeCommand struct {
	Contributor shared.Account
	Value       shared.Amount

	// Timestamp is the logical time of the contribution (defaults to now if zero).
	Timestamp time.Time

	// CorrelationID for tracing.
	CorrelationID string
}

// Validate validates the command.
func (c ContributeCommand) Validate() error {
	if c.Contributor == shared.ZeroAccount {
		return shared.WrapError("crowdsale", "Contribute", shared.ErrInvalidInput, "contributor is required", shared.ErrInvalidAccount)
	}
	return nil
}

// ContributeResult contains the result of a settled contribution.
type ContributeResult struct {
	SettlementID string
	Contributor  shared.Account
	Value        shared.Amount
	Tokens       shared.Amount

	// RoundID is the round the contribution was priced in.
	RoundID int

	// CurrentRoundID is the active round after settlement.
	CurrentRoundID int

	Payouts []crowdsale.Payout
	Events  []shared.Event

	SettledAt time.Time
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// ContributeHandler handles the ContributeCommand.
type ContributeHandler struct {
	source    Source
	publisher shared.EventPublisher
	observer  RejectionObserver
	retrier   *retry.Retrier
	clock     func() time.Time
	logger    *zap.Logger
}

// ContributeHandlerConfig contains optional collaborators.
type ContributeHandlerConfig struct {
	Observer RejectionObserver
	Retrier  *retry.Retrier
	Clock    func() time.Time
}

// NewContributeHandler creates a new ContributeHandler.
func NewContributeHandler(source Source, publisher shared.EventPublisher, log *zap.Logger, config ContributeHandlerConfig) *ContributeHandler {
	h := &ContributeHandler{
		source:    source,
		publisher: publisher,
		observer:  config.Observer,
		retrier:   config.Retrier,
		clock:     config.Clock,
		logger:    orNop(log).With(logger.Component("contribute_handler")),
	}
	if h.observer == nil {
		h.observer = nopObserver{}
	}
	if h.retrier == nil {
		h.retrier = defaultRetrier()
	}
	if h.clock == nil {
		h.clock = time.Now
	}
	return h
}

// Handle executes the contribute command.
func (h *ContributeHandler) Handle(ctx context.Context, cmd ContributeCommand) (*ContributeResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	timestamp := cmd.Timestamp
	if timestamp.IsZero() {
		timestamp = h.clock().UTC()
	}

	var settlement *crowdsale.Settlement
	err := withConflictRetry(ctx, h.source, h.retrier, func(ctx context.Context, cs *crowdsale.Crowdsale) error {
		s, err := cs.Contribute(ctx, cmd.Contributor, cmd.Value, timestamp)
		if err != nil {
			return err
		}
		settlement = s
		return nil
	})
	if err != nil {
		if shared.IsRejected(err) || shared.IsUnauthorized(err) {
			h.observer.ObserveRejection("contribute", err)
			h.logger.Info("contribution rejected",
				logger.Account(cmd.Contributor.Hex()),
				logger.Value(shared.FormatAmount(cmd.Value)),
				zap.Error(err),
			)
		} else {
			h.logger.Error("contribution failed",
				logger.Account(cmd.Contributor.Hex()),
				zap.Error(err),
			)
		}
		return nil, fmt.Errorf("contribute: %w", err)
	}

	events := publishAll(h.publisher, h.logger, settlement.Events, cmd.CorrelationID)

	h.logger.Info("contribution settled",
		logger.CrowdsaleID(settlement.CrowdsaleID),
		logger.Account(cmd.Contributor.Hex()),
		logger.Value(shared.FormatAmount(settlement.Value)),
		logger.Tokens(shared.FormatAmount(settlement.Tokens)),
		logger.RoundID(settlement.RoundID),
		zap.Int("current_round_id", settlement.CurrentRoundID),
	)

	return &ContributeResult{
		SettlementID:   settlement.ID,
		Contributor:    settlement.Contributor,
		Value:          settlement.Value,
		Tokens:         settlement.Tokens,
		RoundID:        settlement.RoundID,
		CurrentRoundID: settlement.CurrentRoundID,
		Payouts:        settlement.Payouts,
		Events:         events,
		SettledAt:      settlement.SettledAt,
	}, nil
}
