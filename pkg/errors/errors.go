// Package errors provides common, reusable error values and helpers.
package errors

import (
	"errors"
	"fmt"
)

// ValidationError is a caller mistake that is reported verbatim and never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// ConcurrencyConflict means another writer won a race. The operation is safe to retry.
type ConcurrencyConflict struct {
	Reason string
}

func (e *ConcurrencyConflict) Error() string { return e.Reason }

// InvariantViolation aborts the surrounding transaction. Nothing is applied.
type InvariantViolation struct {
	Reason string
}

func (e *InvariantViolation) Error() string { return e.Reason }

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Entity string
}

func (e *NotFoundError) Error() string { return e.Entity + " not found" }

// BatchItemError records one failed item of a sweep. The sweep keeps going.
type BatchItemError struct {
	Sweep    string
	EntityID string
	Err      error
}

func (e *BatchItemError) Error() string {
	return fmt.Sprintf("%s: item %s: %v", e.Sweep, e.EntityID, e.Err)
}

func (e *BatchItemError) Unwrap() error { return e.Err }

// Common errors
var (
	ErrWalletNotFound      = &NotFoundError{Entity: "wallet"}
	ErrWalletAlreadyExists = &ValidationError{Reason: "wallet already exists"}
	ErrTPIANotFound        = &NotFoundError{Entity: "tpia"}
	ErrGDCNotFound         = &NotFoundError{Entity: "gdc"}
	ErrCycleNotFound       = &NotFoundError{Entity: "cycle"}
	ErrCommodityNotFound   = &NotFoundError{Entity: "commodity"}

	// Ledger
	ErrInsufficientFunds = &InvariantViolation{Reason: "insufficient funds: balance would become negative"}
	ErrInvalidAmount     = &ValidationError{Reason: "amount must be positive"}
	ErrDuplicateRef      = &ConcurrencyConflict{Reason: "ledger reference already used"}

	// Cluster allocation
	ErrClusterFull      = &ValidationError{Reason: "gdc cluster is already full"}
	ErrDuplicateMember  = &ValidationError{Reason: "tpia is already a member of this gdc"}
	ErrMemberNotFound   = &ValidationError{Reason: "tpia is not a member of this gdc"}
	ErrCapacityOverflow = &InvariantViolation{Reason: "gdc fill exceeds capacity"}
	ErrConcurrentUpdate = &ConcurrencyConflict{Reason: "record was modified concurrently, try again"}
	ErrClusterNotReady  = &ValidationError{Reason: "gdc cannot be activated in its current state"}

	// Lifecycle
	ErrInvalidTransition    = &ValidationError{Reason: "status transition is not allowed"}
	ErrRejectReasonRequired = &ValidationError{Reason: "rejection reason is required"}

	// Cycles
	ErrCycleAlreadyProcessed = &ConcurrencyConflict{Reason: "cycle already processed"}
	ErrCycleOutOfOrder       = &ValidationError{Reason: "cycle number is not the next cycle"}
	ErrTPIANotActive         = &ValidationError{Reason: "tpia is not active"}
	ErrCycleNotDue           = &ValidationError{Reason: "cycle is not due yet"}

	// Exits
	ErrWithdrawalAlreadyRequested = &ValidationError{Reason: "withdrawal already requested"}
	ErrNoWithdrawalRequested      = &ValidationError{Reason: "no pending withdrawal request"}
	ErrExitNotPermitted           = &ValidationError{Reason: "exit is not permitted outside an open exit window"}
	ErrPenaltyNotConfigured       = &InvariantViolation{Reason: "no exit penalty configured for boundary cycle"}
)

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsValidation reports whether err is a caller mistake.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsConflict reports whether err is a lost race that may be retried.
func IsConflict(err error) bool {
	var c *ConcurrencyConflict
	return errors.As(err, &c)
}

// IsInvariant reports whether err is a fatal invariant violation.
func IsInvariant(err error) bool {
	var i *InvariantViolation
	return errors.As(err, &i)
}

// IsNotFound reports whether err is a missing entity.
func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

// Is and As re-export the standard helpers so callers need a single import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }

func New(text string) error { return errors.New(text) }
