package domain

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindBusinessRule
	KindConflict
	KindLedger
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindBusinessRule:
		return "business_rule"
	case KindConflict:
		return "conflict"
	case KindLedger:
		return "ledger"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Two Errors match under errors.Is when their
// codes match, so a sentinel can be refined with a more specific message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Withf returns a copy of e with a formatted message.
func (e *Error) Withf(format string, args ...any) *Error {
	c := *e
	c.Message = fmt.Sprintf(format, args...)
	return &c
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrInvalidInput = newError(KindValidation, "invalid_input", "invalid input")

	ErrUserNotFound     = newError(KindNotFound, "user_not_found", "user not found")
	ErrPropertyNotFound = newError(KindNotFound, "property_not_found", "property not found")

	ErrAlreadyFunded          = newError(KindBusinessRule, "already_funded", "this property is already fully funded")
	ErrCapacityExceeded       = newError(KindBusinessRule, "capacity_exceeded", "investment exceeds the remaining amount needed")
	ErrInsufficientBalance    = newError(KindBusinessRule, "insufficient_balance", "insufficient fiat balance")
	ErrBelowTokenMinimum      = newError(KindBusinessRule, "below_token_minimum", "investment amount is too low to receive at least one token")
	ErrNotFunded              = newError(KindBusinessRule, "not_funded", "property is not fully funded")
	ErrNotMinted              = newError(KindBusinessRule, "not_minted", "property tokens have not been minted")
	ErrAlreadyMinted          = newError(KindBusinessRule, "already_minted", "property tokens have already been minted")
	ErrNoHolders              = newError(KindBusinessRule, "no_holders", "no investors found for this property")
	ErrDistributionInProgress = newError(KindConflict, "distribution_in_progress", "a rent distribution for this property is already running")

	ErrEmailTaken     = newError(KindConflict, "email_taken", "a user with this email already exists")
	ErrTokenNameTaken = newError(KindConflict, "token_name_taken", "a property with this token name already exists")

	ErrIdempotencyConflict = newError(KindConflict, "idempotency_conflict", "request processing in progress")
	ErrIdempotencyMismatch = newError(KindValidation, "idempotency_mismatch", "key reuse with mismatched payload")

	ErrLedger            = newError(KindLedger, "ledger_failure", "ledger operation failed")
	ErrLedgerRejected    = newError(KindLedger, "ledger_rejected", "ledger rejected the transaction")
	ErrLedgerTimeout     = newError(KindLedger, "ledger_timeout", "ledger transaction timed out")
	ErrLedgerUnavailable = newError(KindLedger, "ledger_unavailable", "ledger is unavailable")

	ErrStorage = newError(KindStorage, "storage_failure", "storage operation failed")
)

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	c := *e
	c.Err = cause
	return &c
}

// Invalid builds a validation error with a specific message.
func Invalid(format string, args ...any) *Error {
	return ErrInvalidInput.Withf(format, args...)
}

// LedgerFailure classifies err as a ledger failure, keeping it unwrappable.
func LedgerFailure(op string, err error) *Error {
	return &Error{Kind: KindLedger, Code: ErrLedger.Code, Message: op, Err: err}
}

// StorageFailure classifies err as a relational storage failure.
func StorageFailure(op string, err error) *Error {
	return &Error{Kind: KindStorage, Code: ErrStorage.Code, Message: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}
