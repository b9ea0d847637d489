package domain

import "errors"

var (
	// ErrInvalidInput covers missing or malformed request fields. Callers can always recover by fixing the request.
	ErrInvalidInput          = errors.New("invalid input")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrForbidden             = errors.New("forbidden")
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflict")
	ErrIdempotencyRequired   = errors.New("idempotency key required")
	ErrIdempotencyConflict   = errors.New("idempotency key reused with a different payload")
	ErrCheckoutInProgress    = errors.New("checkout in progress")
	ErrRateLimited           = errors.New("referral issuance rate limited")
	ErrProductNotFound       = errors.New("product not found")
	ErrOutOfStock            = errors.New("out of stock")
	ErrPaymentDeclined       = errors.New("payment declined")
	ErrPaymentUnavailable    = errors.New("payment provider unavailable")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrUnsupportedEventType  = errors.New("unsupported event type")
	ErrUnsupportedEventClass = errors.New("unsupported event class")
	ErrInvalidEnvelope       = errors.New("invalid envelope")

	// ErrInvariantViolation is fatal for the current operation and must reach operators.
	// It is never retried automatically.
	ErrInvariantViolation = errors.New("invariant violation")
)

// Stable machine-readable codes. They are part of the public contract.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeIdempotencyRequired = "IDEMPOTENCY_KEY_REQUIRED"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeNotFound            = "NOT_FOUND"
	CodeConflict            = "CONFLICT"
	CodeCheckoutConflict    = "CHECKOUT_CONFLICT"
	CodeCheckoutInProgress  = "CHECKOUT_IN_PROGRESS"
	CodeRateLimited         = "RATE_LIMITED"
	CodeProductNotFound     = "PRODUCT_NOT_FOUND"
	CodeOutOfStock          = "OUT_OF_STOCK"
	CodePaymentDeclined     = "PAYMENT_DECLINED"
	CodePaymentUnavailable  = "PAYMENT_PROVIDER_UNAVAILABLE"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeInvariantViolation  = "INVARIANT_VIOLATION"
	CodeUnsupportedEvent    = "UNSUPPORTED_EVENT_TYPE"
	CodeInternal            = "INTERNAL_ERROR"
)

// ErrorCode maps an error chain to its stable code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrIdempotencyRequired):
		return CodeIdempotencyRequired
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidEnvelope):
		return CodeValidation
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrProductNotFound):
		return CodeProductNotFound
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrIdempotencyConflict):
		return CodeCheckoutConflict
	case errors.Is(err, ErrCheckoutInProgress):
		return CodeCheckoutInProgress
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrOutOfStock):
		return CodeOutOfStock
	case errors.Is(err, ErrPaymentDeclined):
		return CodePaymentDeclined
	case errors.Is(err, ErrPaymentUnavailable):
		return CodePaymentUnavailable
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrInvariantViolation):
		return CodeInvariantViolation
	case errors.Is(err, ErrUnsupportedEventType), errors.Is(err, ErrUnsupportedEventClass):
		return CodeUnsupportedEvent
	case errors.Is(err, ErrConflict):
		return CodeConflict
	default:
		return CodeInternal
	}
}
