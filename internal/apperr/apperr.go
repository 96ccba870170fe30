package apperr

import (
	"context"
	"errors"
	"net/http"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrGatewayRejected    = errors.New("payment rejected by gateway")
	ErrCallbackAnomaly    = errors.New("callback anomaly")
	ErrDuplicateCallback  = errors.New("duplicate callback")
	ErrRetryExhausted     = errors.New("retry attempts exhausted")
	ErrTokenExpired       = errors.New("payment token expired")
	ErrInvalidToken       = errors.New("invalid payment token")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrRateLimited        = errors.New("rate limited")
)

// Error pairs a sentinel kind with a message that is safe to show to callers.
// Cause is kept for logs and errors.Is/As but never rendered publicly.
type Error struct {
	Kind    error
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

func New(kind error, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind error, msg string, cause error) error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func Validation(msg string) error { return New(ErrValidation, msg) }

func NotFound(msg string) error { return New(ErrNotFound, msg) }

func Conflict(msg string) error { return New(ErrConflict, msg) }

func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrGatewayRejected):
		return "gateway_rejected"
	case errors.Is(err, ErrGatewayUnavailable):
		return "gateway_unavailable"
	case errors.Is(err, ErrCallbackAnomaly):
		return "callback_anomaly"
	case errors.Is(err, ErrDuplicateCallback):
		return "duplicate_callback"
	case errors.Is(err, ErrRetryExhausted):
		return "retry_exhausted"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}

// HTTPStatus maps an error to a response status. Gateway-side failures are
// surfaced as 4xx so storefront clients treat them as payment outcomes, not
// outages of this service.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidToken):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrRetryExhausted):
		return http.StatusConflict
	case errors.Is(err, ErrGatewayRejected):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrGatewayUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusFailedDependency
	case errors.Is(err, ErrTokenExpired):
		return http.StatusGone
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, context.Canceled):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the caller-facing text for err without any wrapped cause.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		if e.Kind != nil {
			return e.Kind.Error()
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	}
	for _, kind := range []error{
		ErrValidation, ErrNotFound, ErrConflict, ErrGatewayRejected, ErrGatewayUnavailable,
		ErrRetryExhausted, ErrTokenExpired, ErrInvalidToken, ErrUnauthorized, ErrRateLimited,
	} {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return "internal error"
}
