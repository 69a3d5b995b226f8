package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so the coordinator can branch on them.
type ErrorKind string

const (
	KindValidation         ErrorKind = "VALIDATION"
	KindTransport          ErrorKind = "TRANSPORT"
	KindChainState         ErrorKind = "CHAIN_STATE"
	KindProtocolViolation  ErrorKind = "PROTOCOL_VIOLATION"
	KindCriticalStuckFunds ErrorKind = "CRITICAL_STUCK_FUNDS"
	KindUnknown            ErrorKind = "UNKNOWN"
)

// Reasons. Match them with errors.Is.
var (
	ErrInvalidIntent         = errors.New("invalid swap intent")
	ErrInvalidTimelock       = errors.New("invalid timelock")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrLockExists            = errors.New("lock already exists")
	ErrLockNotFound          = errors.New("lock not found")
	ErrLockMismatch          = errors.New("lock does not match swap terms")
	ErrAlreadyClaimed        = errors.New("lock already claimed")
	ErrAlreadyRefunded       = errors.New("lock already refunded")
	ErrTimelockExpired       = errors.New("timelock expired")
	ErrTimelockNotYetExpired = errors.New("timelock not yet expired")
	ErrSecretMismatch        = errors.New("secret does not match hashlock")
	ErrUnauthorized          = errors.New("caller not authorized for lock")
	ErrOrderExpired          = errors.New("order expired")
	ErrSlippageExceeded      = errors.New("slippage exceeded")
	ErrTxReverted            = errors.New("transaction reverted")
	ErrFinalityTimeout       = errors.New("transaction not final in time")
	ErrTransport             = errors.New("transport failure")
	ErrOutOfOrder            = errors.New("operation out of protocol order")
	ErrFundsStuck            = errors.New("funds stuck after secret reveal")
)

// Error is the typed error returned by adapters and the coordinator.
type Error struct {
	Kind   ErrorKind
	Reason error
	Op     string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Reason != nil {
		msg += ": " + e.Reason.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the reason and the underlying cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	var errs []error
	if e.Reason != nil {
		errs = append(errs, e.Reason)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewError builds a typed error.
func NewError(kind ErrorKind, op string, reason, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Op: op, Err: cause}
}

// Validation returns a ValidationError.
func Validation(op, format string, args ...interface{}) *Error {
	return NewError(KindValidation, op, ErrInvalidIntent, fmt.Errorf(format, args...))
}

// Transport wraps an RPC or network failure.
func Transport(op string, cause error) *Error {
	return NewError(KindTransport, op, ErrTransport, cause)
}

// ChainState returns a ChainStateError with the given reason.
func ChainState(op string, reason error) *Error {
	return NewError(KindChainState, op, reason, nil)
}

// ProtocolViolation returns a fatal invariant breach.
func ProtocolViolation(op, format string, args ...interface{}) *Error {
	return NewError(KindProtocolViolation, op, ErrOutOfOrder, fmt.Errorf(format, args...))
}

// CriticalStuckFunds marks a failure after the secret became public.
func CriticalStuckFunds(op string, cause error) *Error {
	return NewError(KindCriticalStuckFunds, op, ErrFundsStuck, cause)
}

// KindOf returns the kind of the first typed error in the chain.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindUnknown
}

// IsTransport reports whether err is retryable.
func IsTransport(err error) bool {
	return KindOf(err) == KindTransport
}
