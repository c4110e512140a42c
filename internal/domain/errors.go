package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrTokenNotFound is returned when a token does not exist on chain or in the cache
	ErrTokenNotFound = errors.New("token not found")

	// ErrBidNotFound is returned when a bid is not found
	ErrBidNotFound = errors.New("bid not found")

	// ErrCollectionNotFound is returned when a collection is not found
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrOwnerUnknown is returned when the ledger could not resolve an owner.
	// Callers must treat this as "unknown", never as "owned by nobody".
	ErrOwnerUnknown = errors.New("owner unknown")
)

// ValidationReason is a machine-readable reason code for a rejected bid.
type ValidationReason string

const (
	ReasonNonPositiveAmount     ValidationReason = "non_positive_amount"
	ReasonInsufficientIncrement ValidationReason = "insufficient_increment"
	ReasonSelfBid               ValidationReason = "self_bid"
	ReasonTokenNotFound         ValidationReason = "token_not_found"
	ReasonTokenNotListed        ValidationReason = "token_not_listed"
)

// ValidationError is a local, non-retryable bid rejection. It carries the
// current minimum and highest bid so a caller can self-correct.
type ValidationError struct {
	Reason         ValidationReason
	Message        string
	MinimumBid     decimal.Decimal
	CurrentHighest *decimal.Decimal
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("bid validation failed (%s): %s", e.Reason, e.Message)
}

// NewValidationError builds a ValidationError with the given reason and message.
func NewValidationError(reason ValidationReason, msg string, minimum decimal.Decimal, highest *decimal.Decimal) *ValidationError {
	return &ValidationError{
		Reason:         reason,
		Message:        msg,
		MinimumBid:     minimum,
		CurrentHighest: highest,
	}
}

// ConflictError signals that state changed underneath the caller (bid already
// terminal, ownership changed mid-accept). The caller should re-fetch and retry.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s", e.Message)
}

// NewConflictError builds a ConflictError.
func NewConflictError(format string, args ...any) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// RPCError is a ledger read failure surfaced after retries are exhausted.
type RPCError struct {
	Op       string
	Provider string
	Err      error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %s via %s failed: %v", e.Op, e.Provider, e.Err)
}

func (e *RPCError) Unwrap() error {
	return e.Err
}

// InconsistencyError is a detected cache/ledger divergence that has no safe
// automatic repair rule. It is flagged for operator review, never auto-healed.
type InconsistencyError struct {
	TokenNumber uint64
	Message     string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("data inconsistency on token %d: %s", e.TokenNumber, e.Message)
}

// IsValidation reports whether err is a bid validation rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConflict reports whether err is a state conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsRPC reports whether err is a transient ledger read failure.
func IsRPC(err error) bool {
	var re *RPCError
	return errors.As(err, &re)
}
