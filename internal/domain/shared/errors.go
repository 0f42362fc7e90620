// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidInput    = errors.New("invalid input")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrInvalidFormat   = errors.New("invalid format")

	// State errors
	ErrInvalidState       = errors.New("invalid state")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrLimitExceeded      = errors.New("limit exceeded")

	// Authorization errors
	ErrUnauthorized = errors.New("unauthorized")

	// Concurrency errors
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "crowdsale", "token"
	Op      string // Operation that failed, e.g., "Contribute", "Mint"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching. A DomainError matches its own sentinel
// value, its Kind, and anything its wrapped error matches.
func (e *DomainError) Is(target error) bool {
	if t, ok := target.(*DomainError); ok {
		return e.Domain == t.Domain && e.Op == t.Op && e.Message == t.Message
	}
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Crowdsale domain errors
var (
	ErrBelowMinimumDeposit = NewDomainError("crowdsale", "Contribute", ErrPreconditionFailed, "contribution is below the minimum deposit")
	ErrNoBeneficiaries     = NewDomainError("crowdsale", "Distribute", ErrPreconditionFailed, "no beneficiaries configured")
	ErrIndexOutOfRange     = NewDomainError("crowdsale", "RemoveBeneficiary", ErrValueOutOfRange, "beneficiary index out of range")
	ErrBeneficiaryExists   = NewDomainError("crowdsale", "AddBeneficiary", ErrAlreadyExists, "beneficiary already registered")
	ErrNotAdministrator    = NewDomainError("crowdsale", "Authorize", ErrUnauthorized, "caller is not an administrator")
	ErrAdministratorExists = NewDomainError("crowdsale", "AddAdministrator", ErrAlreadyExists, "administrator already registered")
	ErrAdministratorAbsent = NewDomainError("crowdsale", "RemoveAdministrator", ErrNotFound, "account is not an administrator")
	ErrLastAdministrator   = NewDomainError("crowdsale", "RemoveAdministrator", ErrInvalidState, "cannot remove the last administrator")
	ErrRoundNotFound       = NewDomainError("crowdsale", "Round", ErrNotFound, "round not found")
	ErrCrowdsaleNotFound   = NewDomainError("crowdsale", "Load", ErrNotFound, "crowdsale not found")
	ErrInvalidSchedule     = NewDomainError("crowdsale", "NewSchedule", ErrValidation, "invalid round schedule")
)

// Token ledger errors
var (
	ErrCapExceeded     = NewDomainError("token", "Mint", ErrLimitExceeded, "mint would exceed the token cap")
	ErrNotMinter       = NewDomainError("token", "Mint", ErrUnauthorized, "caller lacks minting rights")
	ErrInvalidTokenCap = NewDomainError("token", "New", ErrValidation, "token cap must be positive")
)

// Value object errors
var (
	ErrInvalidAccount     = NewDomainError("shared", "ParseAccount", ErrInvalidFormat, "invalid account address")
	ErrInvalidAmount      = NewDomainError("shared", "ParseAmount", ErrInvalidFormat, "invalid amount")
	ErrArithmeticOverflow = NewDomainError("shared", "Arithmetic", ErrValueOutOfRange, "amount arithmetic overflow")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if the error is an "already exists" error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsUnauthorized checks if the error is an authorization failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidFormat) ||
		errors.Is(err, ErrValueOutOfRange)
}

// IsRejected reports whether the operation was refused by a business rule
// (deposit floor, empty beneficiary list, token cap, admin floor).
func IsRejected(err error) bool {
	return errors.Is(err, ErrPreconditionFailed) ||
		errors.Is(err, ErrLimitExceeded) ||
		errors.Is(err, ErrInvalidState)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
