// Package handlers exposes the AP2 payment gateway over HTTP.
//
//   - POST /api/payments is idempotent on the intent's idempotency_key:
//     the first call admits the payment and returns 201 Created, every
//     repeat returns the same transaction with 200 OK and performs no write.
//   - GET /api/status/{transactionId} is a pure read.
//   - POST /api/payments/{transactionId}/retry claims a failed transaction
//     exactly once; concurrent or repeated retries of the same failure are
//     refused with 409.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/arkantrust/ap2-gateway/backend/models"
	"github.com/arkantrust/ap2-gateway/backend/settlement"
	"github.com/arkantrust/ap2-gateway/backend/store"
)

// maxBodyBytes caps a payment intent body.
const maxBodyBytes = 1 << 20

// Gateway admits payments and answers status queries.
type Gateway interface {
	Initiate(ctx context.Context, intent *models.PaymentIntent) (*settlement.Result, error)
	Status(ctx context.Context, id string) (*models.Transaction, error)
}

// Retrier re-runs failed transactions.
type Retrier interface {
	Retry(ctx context.Context, id string) (*settlement.Task, error)
}

// Options tunes the router.
type Options struct {
	// RateRPS limits POST /api/payments per client IP. Zero disables it.
	RateRPS   float64
	RateBurst int
}

// Handler holds the dependencies for all gateway HTTP handlers.
type Handler struct {
	gateway Gateway
	retrier Retrier
	logger  *zap.Logger
	opts    Options
}

// New creates a Handler.
func New(g Gateway, r Retrier, logger *zap.Logger, opts Options) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{gateway: g, retrier: r, logger: logger, opts: opts}
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/", h.root)
	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if h.opts.RateRPS > 0 {
				r.Use(newIPLimiter(h.opts.RateRPS, h.opts.RateBurst).middleware)
			}
			r.Post("/payments", h.create)
		})
		r.Post("/payments/{transactionId}/retry", h.retry)
		r.Get("/status/{transactionId}", h.status)
	})
	return r
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeCodedError writes a JSON error response carrying a gateway error code.
func writeCodedError(w http.ResponseWriter, status int, msg string, code models.ErrorCode) {
	writeJSON(w, status, map[string]string{"error": msg, "code": string(code)})
}

// writeFailure maps err to a response. Everything the caller cannot act on
// becomes a 500 with no detail.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	if ve, ok := models.AsValidationError(err); ok {
		status := http.StatusBadRequest
		if ve.Code == models.CodeDuplicateKey {
			status = http.StatusConflict
		}
		writeCodedError(w, status, ve.Reason, ve.Code)
		return
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Transaction not found")
	case errors.Is(err, settlement.ErrMaxRetriesExceeded):
		writeCodedError(w, http.StatusConflict, models.CodeMaxRetriesExceeded.Message(), models.CodeMaxRetriesExceeded)
	case errors.Is(err, settlement.ErrRetryNotAllowed):
		writeCodedError(w, http.StatusConflict, models.CodeRetryNotAllowed.Message(), models.CodeRetryNotAllowed)
	default:
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_ip", r.RemoteAddr),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// setCORSHeaders adds CORS headers to a response.
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Expose-Headers", "X-Idempotent-Replay")
}

// corsMiddleware wraps an http.Handler with CORS support and answers
// pre-flight requests directly.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
