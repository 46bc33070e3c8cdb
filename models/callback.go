package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Callback event types.
const (
	EventPaymentCompleted = "payment.completed"
	EventPaymentFailed    = "payment.failed"
)

// PaymentProof is attached to a completed payment's callback.
type PaymentProof struct {
	TransactionReference string    `json:"transaction_reference"`
	CompletedAt          time.Time `json:"completed_at"`
	ReceiptURL           string    `json:"receipt_url"`
}

// Reconciliation is the fee breakdown of a completed payment.
type Reconciliation struct {
	AmountDebited decimal.Decimal `json:"amount_debited"`
	Fees          decimal.Decimal `json:"fees"`
	NetAmount     decimal.Decimal `json:"net_amount"`
	Currency      string          `json:"currency"`
}

// PaymentCallback is the webhook body delivered on a terminal state.
type PaymentCallback struct {
	ProtocolVersion string          `json:"protocol_version"`
	EventType       string          `json:"event_type"`
	TransactionID   string          `json:"transaction_id"`
	RequestID       string          `json:"request_id"`
	FinalStatus     Status          `json:"final_status"`
	PaymentProof    *PaymentProof   `json:"payment_proof,omitempty"`
	Reconciliation  *Reconciliation `json:"reconciliation,omitempty"`
	ErrorCode       ErrorCode       `json:"error_code,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// ProcessingInfo tells the caller when to expect an outcome.
type ProcessingInfo struct {
	EstimatedCompletion time.Time `json:"estimated_completion"`
	QueuePosition       int       `json:"queue_position"`
	RetryCount          int       `json:"retry_count"`
}

// PollingInfo tells the caller where to poll for status.
type PollingInfo struct {
	StatusURL           string `json:"status_url"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
}

// PaymentResponse is returned synchronously by payment initiation, both for
// new admissions and for idempotent replays.
type PaymentResponse struct {
	ProtocolVersion string         `json:"protocol_version"`
	RequestID       string         `json:"request_id"`
	TransactionID   string         `json:"transaction_id"`
	Status          Status         `json:"status"`
	PaymentDetails  PaymentDetails `json:"payment_details"`
	ProcessingInfo  ProcessingInfo `json:"processing_info"`
	Polling         PollingInfo    `json:"polling"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Delivery describes the outcome of delivering one callback.
type Delivery struct {
	URL        string         `json:"url"`
	EventType  string         `json:"event_type"`
	Status     CallbackStatus `json:"status"`
	Attempts   int            `json:"attempts"`
	HTTPStatus int            `json:"http_status,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Event is the payload published to every event log topic.
type Event struct {
	TransactionID string           `json:"transaction_id"`
	Status        Status           `json:"status"`
	RetryCount    int              `json:"retry_count"`
	Timestamp     time.Time        `json:"timestamp"`
	Intent        *PaymentIntent   `json:"intent,omitempty"`
	Callback      *PaymentCallback `json:"callback,omitempty"`
	Delivery      *Delivery        `json:"delivery,omitempty"`
}
