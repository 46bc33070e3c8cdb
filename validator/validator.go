// Package validator checks incoming payment intents against the AP2 rules:
// agent signature, amount bounds and approval requirements.
package validator

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/arkantrust/ap2-gateway/backend/models"
)

// Validator is stateless apart from the shared secret and the limit.
type Validator struct {
	secret    []byte
	maxAmount decimal.Decimal
}

// New returns a Validator that verifies signatures with secret and rejects
// amounts above maxAmount.
func New(secret string, maxAmount decimal.Decimal) *Validator {
	return &Validator{secret: []byte(secret), maxAmount: maxAmount}
}

// Validate runs the signature, amount and approval checks in that order and
// returns the first failure as a *models.ValidationError.
func (v *Validator) Validate(p *models.PaymentIntent) error {
	if err := v.validateSignature(p); err != nil {
		return err
	}
	if err := v.validateAmount(p); err != nil {
		return err
	}
	return validateApproval(p)
}

func (v *Validator) validateSignature(p *models.PaymentIntent) error {
	expected := sign(v.secret, p.AgentIdentity.AgentID, p.IdempotencyKey, p.PaymentDetails.Amount)
	if !hmac.Equal([]byte(expected), []byte(p.AgentIdentity.Signature)) {
		return models.NewValidationError(models.CodeInvalidSignature,
			"Signature validation failed: Invalid signature")
	}
	return nil
}

func (v *Validator) validateAmount(p *models.PaymentIntent) error {
	amount := p.PaymentDetails.Amount
	if !amount.IsPositive() {
		return models.NewValidationError(models.CodeInvalidAmount,
			"Amount validation failed: Amount must be positive")
	}
	if amount.GreaterThan(v.maxAmount) {
		return models.NewValidationError(models.CodeAmountExceedsLimit,
			fmt.Sprintf("Amount validation failed: Amount exceeds maximum limit of %s", v.maxAmount.StringFixed(2)))
	}
	return nil
}

func validateApproval(p *models.PaymentIntent) error {
	ra := p.RiskAssessment
	if !ra.ApprovalRequired {
		return nil
	}
	if ra.ApprovedBy == "" {
		return models.NewValidationError(models.CodeMissingApproval,
			"Approval validation failed: Missing approval for high-risk transaction")
	}
	if ra.ApprovedAt == nil || ra.ApprovedAt.IsZero() {
		return models.NewValidationError(models.CodeMissingApproval,
			"Approval validation failed: Missing approval timestamp")
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 an agent must send for the given
// agent id, idempotency key and amount.
func Sign(secret, agentID, idempotencyKey string, amount decimal.Decimal) string {
	return sign([]byte(secret), agentID, idempotencyKey, amount)
}

func sign(secret []byte, agentID, idempotencyKey string, amount decimal.Decimal) string {
	payload := agentID + ":" + idempotencyKey + ":" + FormatAmount(amount)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// FormatAmount renders amount the way agents render a float in the signed
// payload: the shortest repr of the float64, always with a fractional part
// in positional form, and in exponent form below 1e-4 or from 1e16 up.
// 1650.00 becomes "1650.0", 0.00001 becomes "1e-05".
func FormatAmount(amount decimal.Decimal) string {
	f := amount.InexactFloat64()
	e := strconv.FormatFloat(f, 'e', -1, 64)
	exp, err := strconv.Atoi(e[strings.IndexByte(e, 'e')+1:])
	if err == nil && (exp < -4 || exp >= 16) {
		return e
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
