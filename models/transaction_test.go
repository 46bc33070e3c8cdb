package models_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkantrust/ap2-gateway/backend/models"
)

func newIntent() *models.PaymentIntent {
	p := &models.PaymentIntent{
		IdempotencyKey: "po-456-20251128",
		AgentIdentity:  models.AgentIdentity{AgentID: "SupplierAgent-Delhi-South", AgentType: "supplier"},
		PaymentDetails: models.PaymentDetails{
			Amount:        decimal.RequireFromString("1650.00"),
			PaymentMethod: models.MethodUPI,
		},
	}
	p.ApplyDefaults(time.Now())
	return p
}

func TestApplyDefaults(t *testing.T) {
	p := newIntent()
	assert.Equal(t, models.ProtocolVersion, p.ProtocolVersion)
	assert.NotEmpty(t, p.RequestID)
	assert.Equal(t, "INR", p.PaymentDetails.Currency)
	assert.Equal(t, "POST", p.Callback.Method)
	assert.Equal(t, 30, p.Callback.TimeoutSeconds)
	assert.False(t, p.Timestamp.IsZero())
}

func TestCheck(t *testing.T) {
	p := newIntent()
	require.NoError(t, p.Check())

	p.ProtocolVersion = "AP2-v0.9"
	ve, ok := models.AsValidationError(p.Check())
	require.True(t, ok)
	assert.Equal(t, models.CodeUnsupportedProtocol, ve.Code)

	p = newIntent()
	p.IdempotencyKey = ""
	ve, ok = models.AsValidationError(p.Check())
	require.True(t, ok)
	assert.Equal(t, models.CodeInvalidRequest, ve.Code)

	p = newIntent()
	p.PaymentDetails.PaymentMethod = "cheque"
	ve, ok = models.AsValidationError(p.Check())
	require.True(t, ok)
	assert.Equal(t, models.CodeInvalidRequest, ve.Code)
}

func TestApplyTransitions(t *testing.T) {
	now := time.Now()
	tx := models.NewTransaction("tx-1", newIntent(), now, 3, time.Hour)
	require.Equal(t, models.StatusProcessing, tx.Status)
	require.Nil(t, tx.ProcessedAt)

	require.NoError(t, tx.Apply(models.StatusUpdate{Status: models.StatusProcessing}, now))
	require.NotNil(t, tx.ProcessedAt)

	require.NoError(t, tx.Apply(models.StatusUpdate{Status: models.StatusFailed}, now))
	assert.Equal(t, models.StatusFailed, tx.Status)
	assert.Equal(t, models.CodeProcessingFailed, tx.ErrorCode)
	assert.Equal(t, "Payment processing failed", tx.ErrorMessage)
	assert.Equal(t, 1, tx.RetryCount)

	// A failed transaction can only re-enter processing.
	err := tx.Apply(models.StatusUpdate{Status: models.StatusCompleted}, now)
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))

	require.NoError(t, tx.Apply(models.StatusUpdate{Status: models.StatusProcessing}, now))
	assert.Empty(t, tx.ErrorCode)
	assert.Equal(t, 1, tx.RetryCount)

	require.NoError(t, tx.Apply(models.StatusUpdate{Status: models.StatusCompleted}, now))
	assert.NotNil(t, tx.CompletedAt)

	// Completed is absorbing.
	for _, s := range []models.Status{models.StatusProcessing, models.StatusFailed, models.StatusCompleted} {
		err := tx.Apply(models.StatusUpdate{Status: s}, now)
		assert.ErrorIs(t, err, models.ErrInvalidTransition, "completed -> %s", s)
	}
	assert.Equal(t, models.StatusCompleted, tx.Status)
}

func TestApplyUnknownStatus(t *testing.T) {
	tx := models.NewTransaction("tx-1", newIntent(), time.Now(), 3, time.Hour)
	err := tx.Apply(models.StatusUpdate{Status: "refunded"}, time.Now())
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Equal(t, models.StatusProcessing, tx.Status)
}

func TestApplyExpect(t *testing.T) {
	now := time.Now()
	tx := models.NewTransaction("tx-1", newIntent(), now, 3, time.Hour)
	claim := models.StatusUpdate{Status: models.StatusProcessing, Expect: models.StatusFailed}

	assert.ErrorIs(t, tx.Apply(claim, now), models.ErrInvalidTransition)

	require.NoError(t, tx.Apply(models.StatusUpdate{Status: models.StatusFailed}, now))
	require.NoError(t, tx.Apply(claim, now))
	assert.Equal(t, models.StatusProcessing, tx.Status)

	// The second claim of the same failure loses.
	assert.ErrorIs(t, tx.Apply(claim, now), models.ErrInvalidTransition)
}

func TestViewRendersNulls(t *testing.T) {
	tx := models.NewTransaction("tx-1", newIntent(), time.Now(), 3, time.Hour)
	data, err := json.Marshal(tx.View())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Nil(t, raw["processed_at"])
	assert.Nil(t, raw["completed_at"])
	assert.Nil(t, raw["error_code"])
	assert.Nil(t, raw["error_message"])
	assert.Equal(t, 1650.0, raw["amount"])

	require.NoError(t, tx.Apply(models.StatusUpdate{Status: models.StatusFailed, ErrorCode: models.CodeProcessingError, ErrorMessage: "boom"}, time.Now()))
	v := tx.View()
	require.NotNil(t, v.ErrorCode)
	assert.Equal(t, models.CodeProcessingError, *v.ErrorCode)
	assert.Equal(t, "boom", *v.ErrorMessage)
}
