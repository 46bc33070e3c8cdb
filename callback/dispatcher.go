// Package callback delivers terminal-state webhooks to the endpoint an
// agent supplied with its payment intent.
//
// Delivery is orthogonal to settlement: whatever happens here is recorded
// in the transaction's callback_status and callback_attempts only, never in
// its status.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/arkantrust/ap2-gateway/backend/eventlog"
	"github.com/arkantrust/ap2-gateway/backend/models"
)

// Recorder persists delivery attempts. store.Store satisfies it.
type Recorder interface {
	UpdateCallbackStatus(ctx context.Context, id string, status models.CallbackStatus) (*models.Transaction, error)
}

// Options configures a Dispatcher.
type Options struct {
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration
	// MaxRetries is the number of extra attempts after the first failure.
	// Zero means exactly one attempt per terminal event.
	MaxRetries int
	// Backoff is multiplied by the attempt number between attempts.
	Backoff time.Duration
	// Client defaults to a plain http.Client; per-attempt contexts enforce
	// the timeout.
	Client *http.Client
}

// Dispatcher sends PaymentCallbacks over HTTP.
type Dispatcher struct {
	recorder Recorder
	events   eventlog.Log
	logger   *zap.Logger
	opts     Options
}

// New returns a Dispatcher that records attempts through r and publishes
// the final outcome of every delivery to the callbacks topic of events.
func New(r Recorder, events eventlog.Log, logger *zap.Logger, opts Options) *Dispatcher {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Dispatcher{recorder: r, events: events, logger: logger, opts: opts}
}

// Deliver posts cb to target and returns the outcome. It never returns an
// error: failures are part of the outcome.
func (d *Dispatcher) Deliver(ctx context.Context, target models.CallbackConfig, cb *models.PaymentCallback) models.Delivery {
	log := d.logger.With(
		zap.String("transaction_id", cb.TransactionID),
		zap.String("event_type", cb.EventType),
		zap.String("url", target.URL),
	)
	result := models.Delivery{URL: target.URL, EventType: cb.EventType, Status: models.CallbackFailed}

	body, err := json.Marshal(cb)
	if err != nil {
		result.Error = fmt.Sprintf("encode callback: %v", err)
		d.record(ctx, cb.TransactionID, models.CallbackFailed, log)
		result.Attempts = 1
		d.announce(ctx, cb, result, log)
		return result
	}

	if target.URL == "" {
		result.Error = "no callback url"
		log.Warn("callback skipped: no url")
		d.record(ctx, cb.TransactionID, models.CallbackFailed, log)
		result.Attempts = 1
		d.announce(ctx, cb, result, log)
		return result
	}

	timeout := d.opts.Timeout
	if t := time.Duration(target.TimeoutSeconds) * time.Second; t > 0 && t < timeout {
		timeout = t
	}

	for attempt := 1; attempt <= d.opts.MaxRetries+1; attempt++ {
		if attempt > 1 && !wait(ctx, d.opts.Backoff*time.Duration(attempt-1)) {
			break
		}
		result.Attempts = attempt

		code, err := d.send(ctx, target, body, cb.EventType, timeout)
		result.HTTPStatus = code
		if err == nil {
			log.Info("callback sent", zap.Int("attempt", attempt), zap.Int("http_status", code))
			result.Status = models.CallbackSent
			result.Error = ""
			d.record(ctx, cb.TransactionID, models.CallbackSent, log)
			break
		}

		result.Error = err.Error()
		log.Warn("callback attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		d.record(ctx, cb.TransactionID, models.CallbackFailed, log)
	}

	d.announce(ctx, cb, result, log)
	return result
}

func (d *Dispatcher) send(ctx context.Context, target models.CallbackConfig, body []byte, eventType string, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := target.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, target.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ap2-gateway/1.0")
	req.Header.Set("X-AP2-Event", eventType)

	resp, err := d.opts.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (d *Dispatcher) record(ctx context.Context, id string, status models.CallbackStatus, log *zap.Logger) {
	if _, err := d.recorder.UpdateCallbackStatus(ctx, id, status); err != nil {
		log.Error("failed to record callback status", zap.String("callback_status", string(status)), zap.Error(err))
	}
}

func (d *Dispatcher) announce(ctx context.Context, cb *models.PaymentCallback, result models.Delivery, log *zap.Logger) {
	if d.events == nil {
		return
	}
	payload, err := json.Marshal(models.Event{
		TransactionID: cb.TransactionID,
		Status:        cb.FinalStatus,
		Timestamp:     time.Now().UTC(),
		Delivery:      &result,
	})
	if err == nil {
		_, err = d.events.Publish(ctx, eventlog.TopicCallbacks, payload)
	}
	if err != nil {
		log.Error("failed to publish callback outcome", zap.Error(err))
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
