package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arkantrust/ap2-gateway/backend/eventlog"
	"github.com/arkantrust/ap2-gateway/backend/handlers"
	"github.com/arkantrust/ap2-gateway/backend/models"
	"github.com/arkantrust/ap2-gateway/backend/settlement"
	"github.com/arkantrust/ap2-gateway/backend/store"
	"github.com/arkantrust/ap2-gateway/backend/validator"
)

const secret = "handler-secret"

type server struct {
	engine  *settlement.Engine
	handler http.Handler
}

func newServer(t *testing.T, strategy settlement.Strategy, opts handlers.Options) *server {
	t.Helper()
	logger := zaptest.NewLogger(t)
	e := settlement.NewEngine(store.NewMemory(), eventlog.NewMemory(),
		validator.New(secret, decimal.NewFromInt(100000)), strategy, nil, logger,
		settlement.Config{MaxConcurrent: 4, MaxRetries: 2, IdempotencyWindow: time.Hour, PublicBaseURL: "http://gw"})
	t.Cleanup(e.Wait)
	h := handlers.New(e, settlement.NewCoordinator(e, logger, 0), logger, opts)
	return &server{engine: e, handler: h.Routes()}
}

func (s *server) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func signedIntent(key string) map[string]any {
	amount := decimal.RequireFromString("1650.00")
	return map[string]any{
		"protocol_version": models.ProtocolVersion,
		"idempotency_key":  key,
		"agent_identity": map[string]any{
			"agent_id":   "SupplierAgent-Delhi-South",
			"agent_type": "supplier",
			"signature":  validator.Sign(secret, "SupplierAgent-Delhi-South", key, amount),
		},
		"payment_details": map[string]any{
			"amount":            1650.00,
			"currency":          "INR",
			"payment_method":    "upi",
			"supplier_id":       "SUP-001",
			"purchase_order_id": "PO-456",
		},
		"callback": map[string]any{"url": "", "method": "POST"},
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestRoot(t *testing.T) {
	s := newServer(t, settlement.Fixed{Success: true}, handlers.Options{})
	rec := s.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "AP2 Payment Gateway is running.", decode[map[string]string](t, rec)["message"])
}

func TestCreateAndReplay(t *testing.T) {
	s := newServer(t, settlement.Fixed{Success: true}, handlers.Options{})
	body := signedIntent("po-" + uuid.NewString())

	rec := s.do(t, http.MethodPost, "/api/payments", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[models.PaymentResponse](t, rec)
	assert.Equal(t, models.StatusProcessing, first.Status)
	assert.Equal(t, "http://gw/api/status/"+first.TransactionID, first.Polling.StatusURL)
	s.engine.Wait()

	rec = s.do(t, http.MethodPost, "/api/payments", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("X-Idempotent-Replay"))
	replay := decode[models.PaymentResponse](t, rec)
	assert.Equal(t, first.TransactionID, replay.TransactionID)
	assert.Equal(t, models.StatusCompleted, replay.Status)

	rec = s.do(t, http.MethodGet, "/api/status/"+first.TransactionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[map[string]any](t, rec)
	assert.Equal(t, "completed", view["status"])
	assert.Equal(t, 1650.0, view["amount"])
	assert.Nil(t, view["error_code"])
}

func TestCreateRejects(t *testing.T) {
	s := newServer(t, settlement.Fixed{Success: true}, handlers.Options{})

	rec := s.do(t, http.MethodPost, "/api/payments", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", decode[map[string]string](t, rec)["code"])

	body := signedIntent("po-" + uuid.NewString())
	body["agent_identity"].(map[string]any)["signature"] = "invalid"
	rec = s.do(t, http.MethodPost, "/api/payments", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	got := decode[map[string]string](t, rec)
	assert.Equal(t, "INVALID_SIGNATURE", got["code"])
	assert.Equal(t, "Signature validation failed: Invalid signature", got["error"])

	body = signedIntent("po-" + uuid.NewString())
	body["protocol_version"] = "AP2-v9"
	rec = s.do(t, http.MethodPost, "/api/payments", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UNSUPPORTED_PROTOCOL_VERSION", decode[map[string]string](t, rec)["code"])
}

func TestStatusNotFound(t *testing.T) {
	s := newServer(t, settlement.Fixed{Success: true}, handlers.Options{})
	rec := s.do(t, http.MethodGet, "/api/status/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Transaction not found", decode[map[string]string](t, rec)["error"])
}

func TestRetryEndpoint(t *testing.T) {
	s := newServer(t, settlement.Fixed{Success: false}, handlers.Options{})

	rec := s.do(t, http.MethodPost, "/api/payments/nope/retry", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/payments", signedIntent("po-"+uuid.NewString()))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[models.PaymentResponse](t, rec).TransactionID
	s.engine.Wait()

	rec = s.do(t, http.MethodPost, "/api/payments/"+id+"/retry", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, id, decode[map[string]string](t, rec)["transaction_id"])
	s.engine.Wait()

	rec = s.do(t, http.MethodGet, "/api/status/"+id, nil)
	view := decode[map[string]any](t, rec)
	assert.Equal(t, "failed", view["status"])
	assert.Equal(t, 2.0, view["retry_count"])
	assert.Equal(t, "PROCESSING_FAILED", view["error_code"])

	rec = s.do(t, http.MethodPost, "/api/payments/"+id+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "MAX_RETRIES_EXCEEDED", decode[map[string]string](t, rec)["code"])
}

func TestRetryNotAllowed(t *testing.T) {
	s := newServer(t, settlement.Fixed{Success: true}, handlers.Options{})
	rec := s.do(t, http.MethodPost, "/api/payments", signedIntent("po-"+uuid.NewString()))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[models.PaymentResponse](t, rec).TransactionID
	s.engine.Wait()

	rec = s.do(t, http.MethodPost, "/api/payments/"+id+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "RETRY_NOT_ALLOWED", decode[map[string]string](t, rec)["code"])
}

func TestRateLimit(t *testing.T) {
	s := newServer(t, settlement.Fixed{Success: true}, handlers.Options{RateRPS: 0.001, RateBurst: 2})
	for i := 0; i < 2; i++ {
		rec := s.do(t, http.MethodPost, "/api/payments", "{}")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
	rec := s.do(t, http.MethodPost, "/api/payments", "{}")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Reads are not limited.
	rec = s.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPreflight(t *testing.T) {
	s := newServer(t, settlement.Fixed{Success: true}, handlers.Options{})
	rec := s.do(t, http.MethodOptions, "/api/payments", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

type brokenGateway struct{}

func (brokenGateway) Initiate(context.Context, *models.PaymentIntent) (*settlement.Result, error) {
	return nil, errors.New("bolt: database not open")
}

func (brokenGateway) Status(context.Context, string) (*models.Transaction, error) {
	return nil, errors.New("bolt: database not open")
}

func TestInternalErrorsHideDetail(t *testing.T) {
	h := handlers.New(brokenGateway{}, nil, zaptest.NewLogger(t), handlers.Options{})
	srv := &server{handler: h.Routes()}

	rec := srv.do(t, http.MethodPost, "/api/payments", signedIntent("po-1"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, map[string]string{"error": "internal server error"}, decode[map[string]string](t, rec))

	rec = srv.do(t, http.MethodGet, "/api/status/x", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
