// Package settlement admits payment intents and drives each admitted
// transaction through simulated bank settlement.
//
// Admission is synchronous and idempotent. Settlement runs on a detached,
// supervised task per transaction: the caller learns the outcome by polling,
// by waiting on the returned Task, or through the callback webhook.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/arkantrust/ap2-gateway/backend/eventlog"
	"github.com/arkantrust/ap2-gateway/backend/models"
	"github.com/arkantrust/ap2-gateway/backend/store"
)

// replayEstimate is added to requested_at for the estimate on a replay.
const replayEstimate = 5 * time.Second

const pollIntervalSeconds = 5

var feeRate = decimal.New(1, -2)

// Validator checks an intent's signature, amount and approval.
type Validator interface {
	Validate(p *models.PaymentIntent) error
}

// Notifier delivers the terminal callback of a transaction.
type Notifier interface {
	Deliver(ctx context.Context, target models.CallbackConfig, cb *models.PaymentCallback) models.Delivery
}

// Config holds the engine's tunables.
type Config struct {
	MaxConcurrent     int
	MaxRetries        int
	IdempotencyWindow time.Duration
	PublicBaseURL     string
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSleep replaces time.Sleep for the simulated settlement delay.
func WithSleep(sleep func(time.Duration)) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// Engine is the settlement gateway core.
type Engine struct {
	store     store.Store
	events    eventlog.Log
	validator Validator
	strategy  Strategy
	notifier  Notifier
	logger    *zap.Logger
	cfg       Config

	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	inflight atomic.Int64

	// admitting holds one channel per idempotency key being admitted in
	// this process; it is closed once the admission is announced or discarded.
	admitting sync.Map

	now   func() time.Time
	sleep func(time.Duration)
}

// NewEngine wires an Engine.
func NewEngine(st store.Store, events eventlog.Log, v Validator, strategy Strategy, n Notifier, logger *zap.Logger, cfg Config, opts ...Option) *Engine {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:     st,
		events:    events,
		validator: v,
		strategy:  strategy,
		notifier:  n,
		logger:    logger,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		now:       time.Now,
		sleep:     time.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is the outcome of Initiate.
type Result struct {
	Response *models.PaymentResponse
	// Created is false when the intent replayed an existing transaction.
	Created bool
	// Task is nil on replay.
	Task *Task
}

// Initiate admits intent or replays the transaction already bound to its
// idempotency key. Validation failures are returned as
// *models.ValidationError and leave no trace in the store.
func (e *Engine) Initiate(ctx context.Context, intent *models.PaymentIntent) (*Result, error) {
	intent.ApplyDefaults(e.now())
	if err := intent.Check(); err != nil {
		return nil, err
	}
	log := e.logger.With(zap.String("idempotency_key", intent.IdempotencyKey), zap.String("request_id", intent.RequestID))

	release, err := e.hold(ctx, intent.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := e.store.Lookup(ctx, intent.IdempotencyKey)
	switch {
	case err == nil:
		log.Info("idempotent replay", zap.String("transaction_id", existing.ID))
		return e.replay(intent, existing)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("settlement: lookup idempotency key: %w", err)
	}

	if err := e.validator.Validate(intent); err != nil {
		log.Warn("payment rejected", zap.Error(err))
		return nil, err
	}

	now := e.now()
	tx, created, err := e.store.Admit(ctx, models.NewTransaction(uuid.NewString(), intent, now, e.cfg.MaxRetries, e.cfg.IdempotencyWindow))
	if err != nil {
		return nil, fmt.Errorf("settlement: admit: %w", err)
	}
	if !created {
		log.Info("lost admission race, replaying", zap.String("transaction_id", tx.ID))
		return e.replay(intent, tx)
	}
	log = log.With(zap.String("transaction_id", tx.ID))

	if err := e.publish(ctx, eventlog.TopicRequests, models.Event{
		TransactionID: tx.ID,
		Status:        tx.Status,
		Timestamp:     now.UTC(),
		Intent:        intent,
	}); err != nil {
		if derr := e.store.Discard(ctx, tx.ID); derr != nil {
			log.Error("failed to discard unannounced admission", zap.Error(derr))
		}
		return nil, fmt.Errorf("settlement: announce admission: %w", err)
	}

	queued := int(e.inflight.Load())
	delay := e.strategy.Delay()
	task := e.start(tx.ID, intent, delay)
	log.Info("payment admitted",
		zap.String("amount", intent.PaymentDetails.Amount.StringFixed(2)),
		zap.Duration("delay", delay))

	return &Result{
		Response: e.response(intent, tx, now.Add(delay), queued),
		Created:  true,
		Task:     task,
	}, nil
}

// Status returns the stored transaction, or store.ErrNotFound.
func (e *Engine) Status(ctx context.Context, id string) (*models.Transaction, error) {
	return e.store.Get(ctx, id)
}

// InFlight reports how many settlement tasks have not finished.
func (e *Engine) InFlight() int {
	return int(e.inflight.Load())
}

// Wait blocks until every settlement task has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// hold serializes admissions of one key within the process, so no caller can
// replay a transaction that is about to be discarded. Admit still decides
// between processes sharing a store.
func (e *Engine) hold(ctx context.Context, key string) (func(), error) {
	for {
		ch := make(chan struct{})
		other, loaded := e.admitting.LoadOrStore(key, ch)
		if !loaded {
			return func() {
				e.admitting.Delete(key)
				close(ch)
			}, nil
		}
		select {
		case <-other.(chan struct{}):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *Engine) replay(intent *models.PaymentIntent, tx *models.Transaction) (*Result, error) {
	if !tx.KeyExpiresAt.IsZero() && e.now().After(tx.KeyExpiresAt) {
		return nil, models.NewValidationError(models.CodeDuplicateKey,
			fmt.Sprintf("Idempotency key %s is bound to transaction %s and can no longer be replayed", tx.IdempotencyKey, tx.ID))
	}
	resp := e.response(intent, tx, tx.RequestedAt.Add(replayEstimate), 0)
	resp.PaymentDetails = models.PaymentDetails{
		Amount:          tx.Amount,
		Currency:        tx.Currency,
		PaymentMethod:   tx.PaymentMethod,
		SupplierID:      tx.SupplierID,
		PurchaseOrderID: tx.PurchaseOrderID,
	}
	return &Result{Response: resp}, nil
}

func (e *Engine) response(intent *models.PaymentIntent, tx *models.Transaction, eta time.Time, queued int) *models.PaymentResponse {
	return &models.PaymentResponse{
		ProtocolVersion: models.ProtocolVersion,
		RequestID:       intent.RequestID,
		TransactionID:   tx.ID,
		Status:          tx.Status,
		PaymentDetails:  intent.PaymentDetails,
		ProcessingInfo: models.ProcessingInfo{
			EstimatedCompletion: eta.UTC(),
			QueuePosition:       queued,
			RetryCount:          tx.RetryCount,
		},
		Polling: models.PollingInfo{
			StatusURL:           e.url("api", "status", tx.ID),
			PollIntervalSeconds: pollIntervalSeconds,
		},
		Timestamp: e.now().UTC(),
	}
}

func (e *Engine) url(parts ...string) string {
	return strings.TrimRight(e.cfg.PublicBaseURL, "/") + "/" + strings.Join(parts, "/")
}

// start launches the settlement task for id.
func (e *Engine) start(id string, intent *models.PaymentIntent, delay time.Duration) *Task {
	t := newTask(id)
	e.wg.Add(1)
	e.inflight.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.inflight.Add(-1)
		defer close(t.done)
		t.outcome = e.settle(id, intent, delay)
	}()
	return t
}

// settle runs detached from any request: it uses its own context so a
// client hanging up cannot abandon a transaction in processing.
func (e *Engine) settle(id string, intent *models.PaymentIntent, delay time.Duration) Outcome {
	ctx := context.Background()
	log := e.logger.With(zap.String("transaction_id", id))

	out := e.process(ctx, id, intent, delay, log)
	if out.Callback == nil {
		return out
	}
	return e.dispatch(ctx, out, intent, log)
}

// process holds a concurrency slot from the processing stamp until the
// terminal status is stored and announced. Callback delivery runs after the
// slot is released.
func (e *Engine) process(ctx context.Context, id string, intent *models.PaymentIntent, delay time.Duration, log *zap.Logger) (out Outcome) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return e.fail(ctx, id, intent, models.CodeProcessingError, fmt.Sprintf("Processing error: %v", err), log)
	}
	defer e.sem.Release(1)

	defer func() {
		if r := recover(); r != nil {
			log.Error("settlement panicked", zap.Any("panic", r))
			out = e.fail(ctx, id, intent, models.CodeProcessingError, fmt.Sprintf("Processing error: %v", r), log)
		}
	}()

	tx, err := e.store.UpdateStatus(ctx, id, models.StatusUpdate{Status: models.StatusProcessing})
	if err != nil {
		log.Error("failed to start settlement", zap.Error(err))
		return e.fail(ctx, id, intent, models.CodeProcessingError, fmt.Sprintf("Processing error: %v", err), log)
	}
	e.announce(ctx, eventlog.TopicProcessing, models.Event{
		TransactionID: id,
		Status:        tx.Status,
		RetryCount:    tx.RetryCount,
		Timestamp:     e.now().UTC(),
	}, log)

	e.sleep(delay)

	if e.strategy.Succeed() {
		return e.complete(ctx, id, intent, log)
	}
	return e.fail(ctx, id, intent, models.CodeProcessingFailed, "", log)
}

func (e *Engine) complete(ctx context.Context, id string, intent *models.PaymentIntent, log *zap.Logger) Outcome {
	amount := intent.PaymentDetails.Amount
	fee := amount.Mul(feeRate).Round(2)

	tx, err := e.store.UpdateStatus(ctx, id, models.StatusUpdate{Status: models.StatusCompleted})
	if err != nil {
		log.Error("failed to record completion", zap.Error(err))
		return e.fail(ctx, id, intent, models.CodeProcessingError, fmt.Sprintf("Processing error: %v", err), log)
	}

	completedAt := e.now().UTC()
	if tx.CompletedAt != nil {
		completedAt = *tx.CompletedAt
	}
	cb := &models.PaymentCallback{
		ProtocolVersion: models.ProtocolVersion,
		EventType:       models.EventPaymentCompleted,
		TransactionID:   id,
		RequestID:       intent.RequestID,
		FinalStatus:     models.StatusCompleted,
		PaymentProof: &models.PaymentProof{
			TransactionReference: bankReference(),
			CompletedAt:          completedAt,
			ReceiptURL:           e.url("receipts", id+".pdf"),
		},
		Reconciliation: &models.Reconciliation{
			AmountDebited: amount,
			Fees:          fee,
			NetAmount:     amount.Sub(fee),
			Currency:      intent.PaymentDetails.Currency,
		},
		Timestamp: e.now().UTC(),
	}
	log.Info("payment completed", zap.String("fees", fee.StringFixed(2)))
	e.announce(ctx, eventlog.TopicCompleted, models.Event{
		TransactionID: id,
		Status:        models.StatusCompleted,
		RetryCount:    tx.RetryCount,
		Timestamp:     cb.Timestamp,
		Callback:      cb,
	}, log)

	return Outcome{Status: tx.Status, Transaction: tx, Callback: cb}
}

func (e *Engine) fail(ctx context.Context, id string, intent *models.PaymentIntent, code models.ErrorCode, msg string, log *zap.Logger) Outcome {
	tx, err := e.store.UpdateStatus(ctx, id, models.StatusUpdate{
		Status:       models.StatusFailed,
		ErrorCode:    code,
		ErrorMessage: msg,
	})
	if err != nil {
		log.Error("failed to record failure", zap.String("error_code", string(code)), zap.Error(err))
		current, gerr := e.store.Get(ctx, id)
		if gerr != nil {
			return Outcome{Err: errors.Join(err, gerr)}
		}
		return Outcome{Status: current.Status, Transaction: current, Err: err}
	}

	cb := &models.PaymentCallback{
		ProtocolVersion: models.ProtocolVersion,
		EventType:       models.EventPaymentFailed,
		TransactionID:   id,
		RequestID:       intent.RequestID,
		FinalStatus:     models.StatusFailed,
		ErrorCode:       tx.ErrorCode,
		ErrorMessage:    tx.ErrorMessage,
		Timestamp:       e.now().UTC(),
	}
	log.Warn("payment failed",
		zap.String("error_code", string(tx.ErrorCode)),
		zap.Int("retry_count", tx.RetryCount))
	e.announce(ctx, eventlog.TopicFailed, models.Event{
		TransactionID: id,
		Status:        models.StatusFailed,
		RetryCount:    tx.RetryCount,
		Timestamp:     cb.Timestamp,
		Callback:      cb,
	}, log)

	return Outcome{Status: tx.Status, Transaction: tx, Callback: cb}
}

func (e *Engine) dispatch(ctx context.Context, settled Outcome, intent *models.PaymentIntent, log *zap.Logger) (out Outcome) {
	out = settled
	if e.notifier == nil {
		return out
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("callback delivery panicked", zap.Any("panic", r))
		}
	}()
	out.Delivery = e.notifier.Deliver(ctx, intent.Callback, out.Callback)
	if latest, err := e.store.Get(ctx, out.Transaction.ID); err == nil {
		out.Transaction = latest
	} else {
		log.Warn("failed to reload transaction after callback", zap.Error(err))
	}
	return out
}

func (e *Engine) publish(ctx context.Context, topic eventlog.Topic, ev models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = e.events.Publish(ctx, topic, payload)
	return err
}

// announce publishes after a store update. The store already holds the
// truth, so a failure is only logged.
func (e *Engine) announce(ctx context.Context, topic eventlog.Topic, ev models.Event, log *zap.Logger) {
	if err := e.publish(ctx, topic, ev); err != nil {
		log.Error("failed to publish event", zap.String("topic", string(topic)), zap.Error(err))
	}
}

func bankReference() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "BANK-REF-" + strings.ToUpper(hex[:8])
}
