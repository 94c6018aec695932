package domain

import (
	"errors"
	"fmt"
)

// ErrorKind groups errors by how callers should react to them
type ErrorKind string

// Error kinds
const (
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindConflict   ErrorKind = "conflict"
	KindResource   ErrorKind = "resource"
	KindTransient  ErrorKind = "transient"
	KindExternal   ErrorKind = "external"
	KindForbidden  ErrorKind = "forbidden"
	KindInternal   ErrorKind = "internal"
)

// Error is a user-facing error with a stable code
type Error struct {
	Code    string
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Is matches any *Error with the same code, so wrapped and re-described
// instances still compare equal to the sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	// ErrJobNotFound is returned when a job id is unknown
	ErrJobNotFound = &Error{Code: "JOB_NOT_FOUND", Kind: KindNotFound, Message: "job not found"}

	// ErrBidNotFound is returned when a bid id is unknown or belongs to another job
	ErrBidNotFound = &Error{Code: "BID_NOT_FOUND", Kind: KindNotFound, Message: "bid not found"}

	// ErrSwarmNotFound is returned when a swarm id is unknown
	ErrSwarmNotFound = &Error{Code: "SWARM_NOT_FOUND", Kind: KindNotFound, Message: "swarm not found"}

	// ErrAccountNotFound is returned when a ledger account does not exist
	ErrAccountNotFound = &Error{Code: "ACCOUNT_NOT_FOUND", Kind: KindNotFound, Message: "ledger account not found"}

	// ErrHoldNotFound is returned when no escrow hold exists for a job
	ErrHoldNotFound = &Error{Code: "HOLD_NOT_FOUND", Kind: KindNotFound, Message: "no escrow hold for job"}

	// ErrTaskNotFound is returned when a job has no execution task
	ErrTaskNotFound = &Error{Code: "TASK_NOT_FOUND", Kind: KindNotFound, Message: "execution task not found"}

	// ErrJobNotOpen is returned when accepting or bidding on a job that is not OPEN
	ErrJobNotOpen = &Error{Code: "JOB_NOT_OPEN", Kind: KindConflict, Message: "job is not open"}

	// ErrBidAlreadyDecided is returned when accepting a bid that is already accepted
	ErrBidAlreadyDecided = &Error{Code: "BID_ALREADY_DECIDED", Kind: KindConflict, Message: "bid already decided"}

	// ErrDuplicateBid is returned when a swarm bids twice on the same job
	ErrDuplicateBid = &Error{Code: "DUPLICATE_BID", Kind: KindConflict, Message: "swarm already bid on this job"}

	// ErrInvalidTransition is returned when a job cannot move to the requested status
	ErrInvalidTransition = &Error{Code: "INVALID_TRANSITION", Kind: KindConflict, Message: "job status does not allow this transition"}

	// ErrStaleAttempt is returned when a report references an attempt that is no longer running
	ErrStaleAttempt = &Error{Code: "STALE_ATTEMPT", Kind: KindConflict, Message: "execution attempt is not running"}

	// ErrHoldSettled is returned when a hold was already released or refunded
	ErrHoldSettled = &Error{Code: "HOLD_SETTLED", Kind: KindConflict, Message: "escrow hold already settled"}

	// ErrDuplicateHold is returned when a second hold is placed for the same job
	ErrDuplicateHold = &Error{Code: "DUPLICATE_HOLD", Kind: KindConflict, Message: "escrow hold already exists for job"}

	// ErrSelfBidForbidden is returned when a swarm owner bids on their own job
	ErrSelfBidForbidden = &Error{Code: "SELF_BID_FORBIDDEN", Kind: KindForbidden, Message: "swarm owner cannot bid on own job"}

	// ErrNotJobClient is returned when someone other than the client accepts or settles a job
	ErrNotJobClient = &Error{Code: "NOT_JOB_CLIENT", Kind: KindForbidden, Message: "only the job client may perform this action"}

	// ErrSwarmInactive is returned when an inactive swarm submits a bid
	ErrSwarmInactive = &Error{Code: "SWARM_INACTIVE", Kind: KindForbidden, Message: "swarm is not active"}

	// ErrInsufficientBalance is returned when a debit would make a balance negative
	ErrInsufficientBalance = &Error{Code: "INSUFFICIENT_BALANCE", Kind: KindResource, Message: "insufficient available balance"}

	// ErrSplitMismatch is returned when payout shares do not sum to the held amount
	ErrSplitMismatch = &Error{Code: "SPLIT_MISMATCH", Kind: KindResource, Message: "payout split does not match held amount"}

	// ErrChainRegistrationFailed is returned when the settlement chain rejects a registration
	ErrChainRegistrationFailed = &Error{Code: "CHAIN_REGISTRATION_FAILED", Kind: KindExternal, Message: "chain registration failed"}

	// ErrJobExecutionAbandoned marks a job whose execution ran out of attempts
	ErrJobExecutionAbandoned = &Error{Code: "JOB_EXECUTION_ABANDONED", Kind: KindTransient, Message: "job execution abandoned after max attempts"}

	// ErrModeUnavailable is returned when a command targets a backend that is not configured
	ErrModeUnavailable = &Error{Code: "MODE_UNAVAILABLE", Kind: KindValidation, Message: "requested mode is not available"}

	// ErrInternal is the generic error shown for anything unclassified
	ErrInternal = &Error{Code: "INTERNAL", Kind: KindInternal, Message: "internal error"}
)

// NewValidationError builds a VALIDATION error with a formatted message
func NewValidationError(format string, args ...any) error {
	return &Error{Code: "VALIDATION", Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// ErrValidation matches every validation error built by NewValidationError
var ErrValidation = &Error{Code: "VALIDATION", Kind: KindValidation, Message: "invalid input"}

// AsError extracts the user-facing error, falling back to ErrInternal
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrInternal
}

// RetryableError wraps transient errors that should trigger another attempt
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err was marked as transient
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return true
	}
	var e *Error
	return errors.As(err, &e) && e.Kind == KindTransient
}
