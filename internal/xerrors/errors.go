// Package xerrors defines the error taxonomy shared by the ledger, the trade
// engine and the transports.
package xerrors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies an error for callers and transports.
type Kind uint8

const (
	KindInternal Kind = iota
	KindValidation
	KindInsufficientFunds
	KindInsufficientHoldings
	KindInstrumentUnavailable
	KindNotFound
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindInsufficientFunds:
		return "InsufficientFunds"
	case KindInsufficientHoldings:
		return "InsufficientHoldings"
	case KindInstrumentUnavailable:
		return "InstrumentUnavailable"
	case KindNotFound:
		return "NotFound"
	case KindUnauthorized:
		return "Unauthorized"
	default:
		return "Internal"
	}
}

// Error is the structured error returned across package boundaries.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Fields  map[string]any
}

// Sentinels. They compare equal to any *Error of the same kind.
var (
	ErrValidation            = &Error{Kind: KindValidation}
	ErrInsufficientFunds     = &Error{Kind: KindInsufficientFunds}
	ErrInsufficientHoldings  = &Error{Kind: KindInsufficientHoldings}
	ErrInstrumentUnavailable = &Error{Kind: KindInstrumentUnavailable}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrUnauthorized          = &Error{Kind: KindUnauthorized}
	ErrInternal              = &Error{Kind: KindInternal}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Cause)
	}
	if msg == e.Kind.String() {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches sentinels by kind so errors.Is(err, ErrInsufficientFunds) works
// for any error built with New or Wrap.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message == "" && t.Cause == nil {
		return t.Kind == e.Kind
	}
	return t == e
}

// With attaches a structured field, used by loggers and the HTTP error body.
func (e *Error) With(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap keeps an existing *Error untouched and classifies anything else.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Message: msg, Cause: err}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return New(KindUnauthorized, format, args...)
}

func Unavailable(format string, args ...any) *Error {
	return New(KindInstrumentUnavailable, format, args...)
}

// Internal wraps a storage or plumbing failure.
func Internal(err error, msg string) error {
	return Wrap(err, KindInternal, msg)
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindInsufficientFunds, KindInsufficientHoldings:
		return http.StatusUnprocessableEntity
	case KindInstrumentUnavailable:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) GRPCCode() codes.Code {
	switch k {
	case KindValidation:
		return codes.InvalidArgument
	case KindInsufficientFunds, KindInsufficientHoldings:
		return codes.FailedPrecondition
	case KindInstrumentUnavailable:
		return codes.Unavailable
	case KindNotFound:
		return codes.NotFound
	case KindUnauthorized:
		return codes.PermissionDenied
	default:
		return codes.Internal
	}
}

// GRPCStatus lets status.FromError and status.Code recognise *Error.
// Internal causes are not leaked to clients.
func (e *Error) GRPCStatus() *status.Status {
	if e.Kind == KindInternal {
		return status.New(codes.Internal, "internal error")
	}
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	return status.New(e.Kind.GRPCCode(), msg)
}

// ToStatus converts any error into a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e.GRPCStatus().Err()
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, "internal error")
}
