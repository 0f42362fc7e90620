package command

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tempus-labs/tempus-crowdsale/internal/domain/crowdsale"
	"github.com/tempus-labs/tempus-crowdsale/internal/domain/shared"
	"github.com/tempus-labs/tempus-crowdsale/pkg/logger"
	"github.com/tempus-labs/tempus-crowdsale/pkg/retry"
)

// AdministratorCommand grants or revokes administrator rights.
type AdministratorCommand struct {
	Caller        shared.Account
	Account       shared.Account
	CorrelationID string
}

// AdministratorResult describes the administrator set after a change.
type AdministratorResult struct {
	Account        shared.Account
	Administrators []shared.Account
	Events         []shared.Event
}

// ManageAdministratorsHandler handles administrator set changes.
type ManageAdministratorsHandler struct {
	source    Source
	publisher shared.EventPublisher
	observer  RejectionObserver
	retrier   *retry.Retrier
	logger    *zap.Logger
}

// NewManageAdministratorsHandler creates a new ManageAdministratorsHandler.
func NewManageAdministratorsHandler(source Source, publisher shared.EventPublisher, observer RejectionObserver, log *zap.Logger) *ManageAdministratorsHandler {
	if observer == nil {
		observer = nopObserver{}
	}
	return &ManageAdministratorsHandler{
		source:    source,
		publisher: publisher,
		observer:  observer,
		retrier:   defaultRetrier(),
		logger:    orNop(log).With(logger.Component("administrators_handler")),
	}
}

// Add grants administrator rights.
func (h *ManageAdministratorsHandler) Add(ctx context.Context, cmd AdministratorCommand) (*AdministratorResult, error) {
	return h.apply(ctx, "add_administrator", cmd, (*crowdsale.Crowdsale).AddAdministrator)
}

// Remove revokes administrator rights.
func (h *ManageAdministratorsHandler) Remove(ctx context.Context, cmd AdministratorCommand) (*AdministratorResult, error) {
	return h.apply(ctx, "remove_administrator", cmd, (*crowdsale.Crowdsale).RemoveAdministrator)
}

func (h *ManageAdministratorsHandler) apply(
	ctx context.Context,
	op string,
	cmd AdministratorCommand,
	change func(*crowdsale.Crowdsale, context.Context, shared.Account, shared.Account) ([]shared.Event, error),
) (*AdministratorResult, error) {
	var (
		events  []shared.Event
		members []shared.Account
	)
	err := withConflictRetry(ctx, h.source, h.retrier, func(ctx context.Context, cs *crowdsale.Crowdsale) error {
		var err error
		events, err = change(cs, ctx, cmd.Caller, cmd.Account)
		if err != nil {
			return err
		}
		members = cs.Administrators()
		return nil
	})
	if err != nil {
		if shared.IsUnauthorized(err) || shared.IsRejected(err) || shared.IsAlreadyExists(err) || shared.IsNotFound(err) {
			h.observer.ObserveRejection(op, err)
			h.logger.Info("administrator change rejected", logger.Operation(op), zap.String("caller", cmd.Caller.Hex()), zap.Error(err))
		} else {
			h.logger.Error("administrator change failed", logger.Operation(op), zap.Error(err))
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	h.logger.Info("administrators changed",
		logger.Operation(op),
		zap.String("caller", cmd.Caller.Hex()),
		logger.Account(cmd.Account.Hex()),
		zap.Int("administrators", len(members)),
	)

	return &AdministratorResult{
		Account:        cmd.Account,
		Administrators: members,
		Events:         publishAll(h.publisher, h.logger, events, cmd.CorrelationID),
	}, nil
}
