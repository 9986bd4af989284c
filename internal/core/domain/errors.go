package domain

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code is the machine-readable kind of a domain failure.
type Code string

const (
	CodeUnknown             Code = "UNKNOWN"
	CodeNotFound            Code = "NOT_FOUND"
	CodeAlreadyExists       Code = "ALREADY_EXISTS"
	CodeVersionConflict     Code = "VERSION_CONFLICT"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeInsufficientStock   Code = "INSUFFICIENT_STOCK"
	CodeInvalidOperation    Code = "INVALID_OPERATION"
	CodeLockTimeout         Code = "LOCK_TIMEOUT"
	CodeLedgerUnavailable   Code = "LEDGER_UNAVAILABLE"
	CodeStoreUnavailable    Code = "STORE_UNAVAILABLE"
)

// Retryable reports whether the caller may resubmit the same operation
// (same operation id) without changing its parameters.
func (c Code) Retryable() bool {
	switch c {
	case CodeVersionConflict, CodeLockTimeout, CodeLedgerUnavailable, CodeStoreUnavailable:
		return true
	default:
		return false
	}
}

// GRPCCode maps the code onto the closest gRPC status code.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeNotFound:
		return codes.NotFound
	case CodeAlreadyExists:
		return codes.AlreadyExists
	case CodeVersionConflict:
		return codes.Aborted
	case CodeInsufficientBalance, CodeInsufficientStock:
		return codes.FailedPrecondition
	case CodeInvalidOperation:
		return codes.InvalidArgument
	case CodeLockTimeout:
		return codes.DeadlineExceeded
	case CodeLedgerUnavailable, CodeStoreUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeVersionConflict:
		return http.StatusConflict
	case CodeInsufficientBalance, CodeInsufficientStock:
		return http.StatusUnprocessableEntity
	case CodeInvalidOperation:
		return http.StatusBadRequest
	case CodeLockTimeout:
		return http.StatusGatewayTimeout
	case CodeLedgerUnavailable, CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the domain error type. Two errors are equal under errors.Is
// when their codes match, so the sentinels below work against any
// wrapped instance.
type Error struct {
	Code    Code
	Message string
	Key     Key
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Key != "" {
		msg += " (" + string(e.Key) + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

var (
	ErrNotFound            = New(CodeNotFound, "not found")
	ErrAlreadyExists       = New(CodeAlreadyExists, "already exists")
	ErrVersionConflict     = New(CodeVersionConflict, "version conflict")
	ErrInsufficientBalance = New(CodeInsufficientBalance, "insufficient balance")
	ErrInsufficientStock   = New(CodeInsufficientStock, "insufficient stock")
	ErrInvalidOperation    = New(CodeInvalidOperation, "invalid operation")
	ErrLockTimeout         = New(CodeLockTimeout, "lock timeout")
	ErrLedgerUnavailable   = New(CodeLedgerUnavailable, "ledger unavailable")
	ErrStoreUnavailable    = New(CodeStoreUnavailable, "store unavailable")
)

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// KeyError creates an error scoped to a single entity key.
func KeyError(code Code, message string, key Key) *Error {
	return &Error{Code: code, Message: message, Key: key}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Invalid is shorthand for an InvalidOperation error.
func Invalid(message string) *Error {
	return New(CodeInvalidOperation, message)
}

// CodeOf returns the code of the first domain error in err's chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeUnknown
}
