package models

import (
	"errors"
	"fmt"
)

// ErrorCode is a standardized AP2 error code. Codes surface in API error
// bodies, in transaction error fields, and in failure callbacks.
type ErrorCode string

const (
	// Validation errors: reported synchronously, nothing is persisted.
	CodeInvalidSignature    ErrorCode = "INVALID_SIGNATURE"
	CodeInvalidAmount       ErrorCode = "INVALID_AMOUNT"
	CodeAmountExceedsLimit  ErrorCode = "AMOUNT_EXCEEDS_LIMIT"
	CodeMissingApproval     ErrorCode = "MISSING_APPROVAL"
	CodeInvalidRequest      ErrorCode = "INVALID_REQUEST"
	CodeUnsupportedProtocol ErrorCode = "UNSUPPORTED_PROTOCOL_VERSION"
	CodeDuplicateKey        ErrorCode = "DUPLICATE_IDEMPOTENCY_KEY"

	// Settlement errors: recorded on the transaction, eligible for retry.
	CodeProcessingError  ErrorCode = "PROCESSING_ERROR"
	CodeProcessingFailed ErrorCode = "PROCESSING_FAILED"

	// Infrastructure errors.
	CodeDatabaseError ErrorCode = "DATABASE_ERROR"
	CodeEventLogError ErrorCode = "EVENT_LOG_ERROR"
	CodeInternalError ErrorCode = "INTERNAL_ERROR"

	// Retry errors.
	CodeMaxRetriesExceeded ErrorCode = "MAX_RETRIES_EXCEEDED"
	CodeRetryNotAllowed    ErrorCode = "RETRY_NOT_ALLOWED"
)

var errorMessages = map[ErrorCode]string{
	CodeInvalidSignature:    "Agent signature validation failed",
	CodeInvalidAmount:       "Payment amount is invalid",
	CodeAmountExceedsLimit:  "Payment amount exceeds maximum transaction limit",
	CodeMissingApproval:     "High-risk transaction requires approval",
	CodeInvalidRequest:      "Payment request is malformed",
	CodeUnsupportedProtocol: "Unsupported protocol version",
	CodeDuplicateKey:        "Idempotency key has already been used",
	CodeProcessingError:     "Unexpected error during payment processing",
	CodeProcessingFailed:    "Payment processing failed",
	CodeDatabaseError:       "Transaction store unavailable",
	CodeEventLogError:       "Event log unavailable",
	CodeInternalError:       "Internal error",
	CodeMaxRetriesExceeded:  "Maximum retry attempts exceeded",
	CodeRetryNotAllowed:     "Transaction is not eligible for retry",
}

// Message returns the human-readable default message for c.
func (c ErrorCode) Message() string {
	if m, ok := errorMessages[c]; ok {
		return m
	}
	return "Unknown error occurred"
}

// ErrInvalidTransition is returned when a status update would violate the
// transaction state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// ValidationError rejects an intent before any state is created.
type ValidationError struct {
	Code   ErrorCode
	Reason string
}

// NewValidationError builds a ValidationError. An empty reason falls back to
// the code's default message.
func NewValidationError(code ErrorCode, reason string) *ValidationError {
	if reason == "" {
		reason = code.Message()
	}
	return &ValidationError{Code: code, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// AsValidationError unwraps err into a *ValidationError when it is one.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
