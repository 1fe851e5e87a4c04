package domain

import "errors"

var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrAccountNotActive   = errors.New("account not active")
	ErrForbidden          = errors.New("forbidden")
	ErrLimitExceeded      = errors.New("limit exceeded")
	ErrBusy               = errors.New("account busy, retry later")
	ErrStorageUnavailable = errors.New("storage unavailable")

	ErrDuplicateRequest    = errors.New("request token already recorded")
	ErrIdempotencyMismatch = errors.New("request token reused with a different payload")
)

// Reason is the stable code carried by a rejected operation.
type Reason string

const (
	ReasonInvalidArgument   Reason = "invalid_argument"
	ReasonNotFound          Reason = "not_found"
	ReasonInvalidTransition Reason = "invalid_transition"
	ReasonInsufficientFunds Reason = "insufficient_funds"
	ReasonAccountNotActive  Reason = "account_not_active"
	ReasonForbidden         Reason = "forbidden"
	ReasonLimitExceeded     Reason = "limit_exceeded"
)

var reasons = []struct {
	err    error
	reason Reason
}{
	{ErrInvalidArgument, ReasonInvalidArgument},
	{ErrNotFound, ReasonNotFound},
	{ErrInvalidTransition, ReasonInvalidTransition},
	{ErrInsufficientFunds, ReasonInsufficientFunds},
	{ErrAccountNotActive, ReasonAccountNotActive},
	{ErrForbidden, ReasonForbidden},
	{ErrLimitExceeded, ReasonLimitExceeded},
}

// ReasonFor maps a business-rule error to its rejection reason. It reports
// false for errors that are not recoverable as a rejection, such as
// ErrBusy or ErrStorageUnavailable.
func ReasonFor(err error) (Reason, bool) {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason, true
		}
	}
	return "", false
}
