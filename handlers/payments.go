package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/arkantrust/ap2-gateway/backend/models"
)

// root handles GET /.
func (h *Handler) root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "AP2 Payment Gateway is running."})
}

// create handles POST /api/payments.
//
// The idempotency_key in the body decides between the two outcomes:
//   - First call  -> admits the payment, returns 201 Created.
//   - Retry calls -> returns the SAME transaction, returns 200 OK (no write).
//
// A replay never re-validates the body: the stored transaction is the answer.
func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var intent models.PaymentIntent
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&intent); err != nil {
		writeCodedError(w, http.StatusBadRequest, "invalid JSON body", models.CodeInvalidRequest)
		return
	}

	res, err := h.gateway.Initiate(r.Context(), &intent)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	if res.Created {
		writeJSON(w, http.StatusCreated, res.Response)
		return
	}
	w.Header().Set("X-Idempotent-Replay", "true")
	writeJSON(w, http.StatusOK, res.Response)
}

// status handles GET /api/status/{transactionId}.
func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transactionId")
	tx, err := h.gateway.Status(r.Context(), id)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx.View())
}

// retry handles POST /api/payments/{transactionId}/retry. It answers as soon
// as the retry is claimed; the outcome arrives like any other settlement.
func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transactionId")
	if _, err := h.retrier.Retry(r.Context(), id); err != nil {
		h.logger.Info("retry refused", zap.String("transaction_id", id), zap.Error(err))
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"transaction_id": id,
		"status":         string(models.StatusProcessing),
		"message":        "Retry initiated",
	})
}
