package domainerr

import "errors"

var (
	ErrValidation        = errors.New("validation failed")
	ErrOrderNotFound     = errors.New("order not found")
	ErrProductNotFound   = errors.New("product not found")
	ErrProductInactive   = errors.New("product is not active")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyCancelled  = errors.New("order already cancelled")
	ErrCannotCancel      = errors.New("order cannot be cancelled")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrCircuitOpen       = errors.New("circuit breaker is open")
	ErrChannelNotReady   = errors.New("channel is not initialized")
	ErrRetryNotAllowed   = errors.New("notification cannot be retried")
)

// Codes maps domain errors to stable machine-readable codes used in
// HTTP responses and dead-letter metadata.
var Codes = map[error]string{
	ErrValidation:           "VALIDATION_FAILED",
	ErrOrderNotFound:        "ORDER_NOT_FOUND",
	ErrProductNotFound:      "PRODUCT_NOT_FOUND",
	ErrProductInactive:      "PRODUCT_INACTIVE",
	ErrNotificationNotFound: "NOTIFICATION_NOT_FOUND",
	ErrInvalidTransition:    "INVALID_TRANSITION",
	ErrAlreadyCancelled:     "ALREADY_CANCELLED",
	ErrCannotCancel:         "CANNOT_CANCEL",
	ErrInsufficientStock:    "INSUFFICIENT_STOCK",
	ErrCircuitOpen:          "CIRCUIT_OPEN",
	ErrChannelNotReady:      "CHANNEL_NOT_READY",
	ErrRetryNotAllowed:      "RETRY_NOT_ALLOWED",
}

// Code resolves the code for err, walking the wrap chain.
func Code(err error) string {
	for sentinel, code := range Codes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return "INTERNAL_ERROR"
}

// IsValidation reports whether err should never be retried or requeued:
// malformed input, an invalid state transition, or a business-rule guard.
// Consumers use this to drop poison messages instead of requeueing them.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrAlreadyCancelled) ||
		errors.Is(err, ErrCannotCancel) ||
		errors.Is(err, ErrProductInactive) ||
		errors.Is(err, ErrRetryNotAllowed)
}

// IsNotFound reports whether err maps to a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrNotificationNotFound)
}
