// Package models defines the core domain types for the AP2 payment gateway.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProtocolVersion is the only AP2 protocol revision the gateway speaks.
const ProtocolVersion = "AP2-v1.0"

func init() {
	// Agents send and expect plain JSON numbers for amounts.
	decimal.MarshalJSONWithoutQuotes = true
}

// PaymentMethod enumerates the settlement rails an agent may request.
type PaymentMethod string

const (
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodUPI          PaymentMethod = "upi"
	MethodNEFT         PaymentMethod = "neft"
	MethodRTGS         PaymentMethod = "rtgs"
)

// Valid reports whether m is one of the known payment methods.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodBankTransfer, MethodUPI, MethodNEFT, MethodRTGS:
		return true
	}
	return false
}

// AgentIdentity identifies the upstream agent and carries its HMAC signature.
type AgentIdentity struct {
	AgentID   string `json:"agent_id"`
	AgentType string `json:"agent_type"`
	Signature string `json:"signature"`
}

// PaymentDetails is the monetary part of an intent.
type PaymentDetails struct {
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	PaymentMethod   PaymentMethod   `json:"payment_method"`
	SupplierID      string          `json:"supplier_id"`
	PurchaseOrderID string          `json:"purchase_order_id"`
}

// MedicineItem is one line item of the purchase order being paid.
type MedicineItem struct {
	MedicineID string          `json:"medicine_id"`
	Name       string          `json:"name"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

// Metadata is opaque to settlement; it is stored and echoed for audit.
type Metadata struct {
	MedicineItems []MedicineItem `json:"medicine_items"`
	Urgency       string         `json:"urgency"`
	ForecastID    string         `json:"forecast_id,omitempty"`
	Zone          string         `json:"zone"`
}

// CallbackConfig tells the gateway where to deliver the terminal notification.
type CallbackConfig struct {
	URL            string `json:"url"`
	Method         string `json:"method"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// RiskAssessment is computed upstream. When ApprovalRequired is set the intent
// must name an approver and an approval time.
type RiskAssessment struct {
	CostThresholdExceeded bool       `json:"cost_threshold_exceeded"`
	ApprovalRequired      bool       `json:"approval_required"`
	ApprovedBy            string     `json:"approved_by,omitempty"`
	ApprovedAt            *time.Time `json:"approved_at,omitempty"`
}

// PaymentIntent is the AP2 payment request submitted by an agent. It is
// immutable once accepted.
type PaymentIntent struct {
	ProtocolVersion string         `json:"protocol_version"`
	RequestID       string         `json:"request_id"`
	IdempotencyKey  string         `json:"idempotency_key"`
	AgentIdentity   AgentIdentity  `json:"agent_identity"`
	PaymentDetails  PaymentDetails `json:"payment_details"`
	Metadata        Metadata       `json:"metadata"`
	Callback        CallbackConfig `json:"callback"`
	RiskAssessment  RiskAssessment `json:"risk_assessment"`
	Timestamp       time.Time      `json:"timestamp"`
}

// ApplyDefaults fills the optional fields the wire format allows callers to omit.
func (p *PaymentIntent) ApplyDefaults(now time.Time) {
	if p.ProtocolVersion == "" {
		p.ProtocolVersion = ProtocolVersion
	}
	if p.RequestID == "" {
		p.RequestID = uuid.NewString()
	}
	if p.PaymentDetails.Currency == "" {
		p.PaymentDetails.Currency = "INR"
	}
	if p.Callback.Method == "" {
		p.Callback.Method = "POST"
	}
	if p.Callback.TimeoutSeconds <= 0 {
		p.Callback.TimeoutSeconds = 30
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = now.UTC()
	}
}

// Check performs the structural checks that precede idempotency resolution.
// Business rules (signature, limits, approval) belong to the validator.
func (p *PaymentIntent) Check() error {
	if p.ProtocolVersion != ProtocolVersion {
		return NewValidationError(CodeUnsupportedProtocol, "Unsupported protocol version: "+p.ProtocolVersion)
	}
	if p.IdempotencyKey == "" {
		return NewValidationError(CodeInvalidRequest, "idempotency_key is required")
	}
	if p.AgentIdentity.AgentID == "" {
		return NewValidationError(CodeInvalidRequest, "agent_identity.agent_id is required")
	}
	if p.PaymentDetails.PaymentMethod != "" && !p.PaymentDetails.PaymentMethod.Valid() {
		return NewValidationError(CodeInvalidRequest, "unknown payment_method: "+string(p.PaymentDetails.PaymentMethod))
	}
	return nil
}
