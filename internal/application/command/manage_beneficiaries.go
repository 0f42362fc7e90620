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

// ══════════════════════════════════════════════════════════════════════════════
// MANAGE BENEFICIARIES COMMANDS
// ══════════════════════════════════════════════════════════════════════════════

// AddBeneficiaryCommand appends an account to the beneficiary list.
type AddBeneficiaryCommand struct {
	Caller        shared.Account
	Account       shared.Account
	CorrelationID string
}

// RemoveBeneficiaryCommand removes the beneficiary at Index.
type RemoveBeneficiaryCommand struct {
	Caller        shared.Account
	Index         int
	CorrelationID string
}

// BeneficiaryResult describes the beneficiary list after a change.
type BeneficiaryResult struct {
	Account       shared.Account
	Index         int
	Beneficiaries []shared.Account
	Events        []shared.Event
}

// ManageBeneficiariesHandler handles beneficiary list changes.
type ManageBeneficiariesHandler struct {
	source    Source
	publisher shared.EventPublisher
	observer  RejectionObserver
	retrier   *retry.Retrier
	logger    *zap.Logger
}

// NewManageBeneficiariesHandler creates a new ManageBeneficiariesHandler.
func NewManageBeneficiariesHandler(source Source, publisher shared.EventPublisher, observer RejectionObserver, log *zap.Logger) *ManageBeneficiariesHandler {
	if observer == nil {
		observer = nopObserver{}
	}
	return &ManageBeneficiariesHandler{
		source:    source,
		publisher: publisher,
		observer:  observer,
		retrier:   defaultRetrier(),
		logger:    orNop(log).With(logger.Component("beneficiaries_handler")),
	}
}

// Add executes AddBeneficiaryCommand.
func (h *ManageBeneficiariesHandler) Add(ctx context.Context, cmd AddBeneficiaryCommand) (*BeneficiaryResult, error) {
	var (
		index   int
		events  []shared.Event
		members []shared.Account
	)
	err := withConflictRetry(ctx, h.source, h.retrier, func(ctx context.Context, cs *crowdsale.Crowdsale) error {
		var err error
		index, events, err = cs.AddBeneficiary(ctx, cmd.Caller, cmd.Account)
		if err != nil {
			return err
		}
		members = cs.Beneficiaries()
		return nil
	})
	if err != nil {
		h.reject("add_beneficiary", cmd.Caller, err)
		return nil, fmt.Errorf("add beneficiary: %w", err)
	}

	h.logger.Info("beneficiary added",
		zap.String("caller", cmd.Caller.Hex()),
		logger.Account(cmd.Account.Hex()),
		zap.Int("index", index),
	)

	return &BeneficiaryResult{
		Account:       cmd.Account,
		Index:         index,
		Beneficiaries: members,
		Events:        publishAll(h.publisher, h.logger, events, cmd.CorrelationID),
	}, nil
}

// Remove executes RemoveBeneficiaryCommand.
func (h *ManageBeneficiariesHandler) Remove(ctx context.Context, cmd RemoveBeneficiaryCommand) (*BeneficiaryResult, error) {
	var (
		removed shared.Account
		events  []shared.Event
		members []shared.Account
	)
	err := withConflictRetry(ctx, h.source, h.retrier, func(ctx context.Context, cs *crowdsale.Crowdsale) error {
		var err error
		removed, events, err = cs.RemoveBeneficiary(ctx, cmd.Caller, cmd.Index)
		if err != nil {
			return err
		}
		members = cs.Beneficiaries()
		return nil
	})
	if err != nil {
		h.reject("remove_beneficiary", cmd.Caller, err)
		return nil, fmt.Errorf("remove beneficiary: %w", err)
	}

	h.logger.Info("beneficiary removed",
		zap.String("caller", cmd.Caller.Hex()),
		logger.Account(removed.Hex()),
		zap.Int("index", cmd.Index),
	)

	return &BeneficiaryResult{
		Account:       removed,
		Index:         cmd.Index,
		Beneficiaries: members,
		Events:        publishAll(h.publisher, h.logger, events, cmd.CorrelationID),
	}, nil
}

func (h *ManageBeneficiariesHandler) reject(op string, caller shared.Account, err error) {
	if shared.IsUnauthorized(err) || shared.IsValidation(err) || shared.IsAlreadyExists(err) {
		h.observer.ObserveRejection(op, err)
		h.logger.Info("beneficiary change rejected", logger.Operation(op), zap.String("caller", caller.Hex()), zap.Error(err))
		return
	}
	h.logger.Error("beneficiary change failed", logger.Operation(op), zap.Error(err))
}
