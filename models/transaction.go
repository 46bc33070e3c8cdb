package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the settlement state of a transaction.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is an outcome of settlement.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CallbackStatus tracks webhook delivery. It is independent of Status.
type CallbackStatus string

const (
	CallbackPending CallbackStatus = "pending"
	CallbackSent    CallbackStatus = "sent"
	CallbackFailed  CallbackStatus = "failed"
)

// Transaction is the persisted lifecycle record of one admitted payment.
//
// The ID is generated on admission and never changes. IdempotencyKey is
// unique across all transactions: a key resolves to exactly one ID for the
// life of the system.
type Transaction struct {
	ID             string `json:"transaction_id" gorm:"column:transaction_id;primaryKey;type:varchar(64)"`
	IdempotencyKey string `json:"idempotency_key" gorm:"uniqueIndex;not null"`
	RequestID      string `json:"request_id"`

	AgentID   string `json:"agent_id"`
	AgentType string `json:"agent_type"`

	Status Status `json:"status" gorm:"type:varchar(16);index"`

	Amount          decimal.Decimal `json:"amount" gorm:"type:numeric(14,2)"`
	Currency        string          `json:"currency" gorm:"type:varchar(8)"`
	PaymentMethod   PaymentMethod   `json:"payment_method" gorm:"type:varchar(32)"`
	SupplierID      string          `json:"supplier_id"`
	PurchaseOrderID string          `json:"purchase_order_id"`
	Metadata        Metadata        `json:"metadata" gorm:"serializer:json;type:jsonb"`

	CallbackURL            string `json:"callback_url"`
	CallbackMethod         string `json:"callback_method"`
	CallbackTimeoutSeconds int    `json:"callback_timeout_seconds"`

	RequestedAt time.Time  `json:"requested_at"`
	ProcessedAt *time.Time `json:"processed_at"`
	CompletedAt *time.Time `json:"completed_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// ErrorCode and ErrorMessage are only set while Status is failed.
	ErrorCode    ErrorCode `json:"error_code,omitempty" gorm:"type:varchar(64)"`
	ErrorMessage string    `json:"error_message,omitempty"`

	// RetryCount counts failed settlement attempts. A retry is refused once
	// it reaches MaxRetries.
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	CallbackStatus   CallbackStatus `json:"callback_status" gorm:"type:varchar(16)"`
	CallbackAttempts int            `json:"callback_attempts"`

	// KeyExpiresAt ends the window in which resubmitting IdempotencyKey
	// replays this transaction. The key stays bound afterwards.
	KeyExpiresAt time.Time `json:"key_expires_at"`
}

// TableName sets the GORM table name.
func (Transaction) TableName() string {
	return "payment_transactions"
}

// NewTransaction builds the processing record admitted for intent.
func NewTransaction(id string, intent *PaymentIntent, now time.Time, maxRetries int, keyWindow time.Duration) *Transaction {
	now = now.UTC()
	return &Transaction{
		ID:                     id,
		IdempotencyKey:         intent.IdempotencyKey,
		RequestID:              intent.RequestID,
		AgentID:                intent.AgentIdentity.AgentID,
		AgentType:              intent.AgentIdentity.AgentType,
		Status:                 StatusProcessing,
		Amount:                 intent.PaymentDetails.Amount,
		Currency:               intent.PaymentDetails.Currency,
		PaymentMethod:          intent.PaymentDetails.PaymentMethod,
		SupplierID:             intent.PaymentDetails.SupplierID,
		PurchaseOrderID:        intent.PaymentDetails.PurchaseOrderID,
		Metadata:               intent.Metadata,
		CallbackURL:            intent.Callback.URL,
		CallbackMethod:         intent.Callback.Method,
		CallbackTimeoutSeconds: intent.Callback.TimeoutSeconds,
		RequestedAt:            now,
		UpdatedAt:              now,
		MaxRetries:             maxRetries,
		CallbackStatus:         CallbackPending,
		KeyExpiresAt:           now.Add(keyWindow),
	}
}

// StatusUpdate is a requested state transition.
type StatusUpdate struct {
	Status       Status
	ErrorCode    ErrorCode
	ErrorMessage string

	// Expect, when set, must match the current status for the update to
	// apply. Retries use it to claim a failed record exactly once.
	Expect Status
}

// Apply moves t through the state machine:
//
//	processing -> processing   settlement started, processed_at re-stamped
//	processing -> completed
//	processing -> failed       retry_count incremented
//	failed     -> processing   retry claimed
//
// Any other move returns ErrInvalidTransition and leaves t unchanged.
func (t *Transaction) Apply(u StatusUpdate, now time.Time) error {
	now = now.UTC()
	if u.Expect != "" && t.Status != u.Expect {
		return fmt.Errorf("%w: expected %s, found %s", ErrInvalidTransition, u.Expect, t.Status)
	}
	switch u.Status {
	case StatusProcessing:
		if t.Status != StatusProcessing && t.Status != StatusFailed {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, u.Status)
		}
		t.ProcessedAt = &now
		t.ErrorCode = ""
		t.ErrorMessage = ""
	case StatusCompleted:
		if t.Status != StatusProcessing {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, u.Status)
		}
		t.CompletedAt = &now
		t.ErrorCode = ""
		t.ErrorMessage = ""
	case StatusFailed:
		if t.Status != StatusProcessing {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, u.Status)
		}
		code := u.ErrorCode
		if code == "" {
			code = CodeProcessingFailed
		}
		msg := u.ErrorMessage
		if msg == "" {
			msg = code.Message()
		}
		t.ErrorCode = code
		t.ErrorMessage = msg
		t.RetryCount++
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, u.Status)
	}
	t.Status = u.Status
	t.UpdatedAt = now
	return nil
}

// RecordCallback records one webhook delivery attempt.
func (t *Transaction) RecordCallback(status CallbackStatus, now time.Time) {
	t.CallbackStatus = status
	t.CallbackAttempts++
	t.UpdatedAt = now.UTC()
}

// StatusView is the public status representation of a transaction.
type StatusView struct {
	TransactionID    string          `json:"transaction_id"`
	Status           Status          `json:"status"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	RequestedAt      time.Time       `json:"requested_at"`
	ProcessedAt      *time.Time      `json:"processed_at"`
	CompletedAt      *time.Time      `json:"completed_at"`
	ErrorCode        *ErrorCode      `json:"error_code"`
	ErrorMessage     *string         `json:"error_message"`
	RetryCount       int             `json:"retry_count"`
	CallbackStatus   CallbackStatus  `json:"callback_status"`
	CallbackAttempts int             `json:"callback_attempts"`
}

// View renders t for status queries.
func (t *Transaction) View() StatusView {
	v := StatusView{
		TransactionID:    t.ID,
		Status:           t.Status,
		Amount:           t.Amount,
		Currency:         t.Currency,
		RequestedAt:      t.RequestedAt,
		ProcessedAt:      t.ProcessedAt,
		CompletedAt:      t.CompletedAt,
		RetryCount:       t.RetryCount,
		CallbackStatus:   t.CallbackStatus,
		CallbackAttempts: t.CallbackAttempts,
	}
	if t.ErrorCode != "" {
		code := t.ErrorCode
		msg := t.ErrorMessage
		v.ErrorCode = &code
		v.ErrorMessage = &msg
	}
	return v
}
