package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arkantrust/ap2-gateway/backend/eventlog"
	"github.com/arkantrust/ap2-gateway/backend/models"
)

var (
	// ErrRetryNotAllowed is returned when the transaction is not failed.
	ErrRetryNotAllowed = errors.New("transaction is not in a retryable state")
	// ErrMaxRetriesExceeded is returned once retry_count reaches max_retries.
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
)

// RetrySignature marks intents rebuilt for an internal retry. Retries never
// pass through the validator.
const RetrySignature = "retry-signature"

// RetryGroup is the consumer group of the automatic retry handler.
const RetryGroup = "retry-handler"

// Coordinator re-runs settlement for failed transactions.
type Coordinator struct {
	engine  *Engine
	logger  *zap.Logger
	backoff time.Duration
	opts    []eventlog.SubscribeOption
}

// NewCoordinator returns a Coordinator bound to e. backoff is how long Run
// waits after a failure event before retrying.
func NewCoordinator(e *Engine, logger *zap.Logger, backoff time.Duration, opts ...eventlog.SubscribeOption) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{engine: e, logger: logger, backoff: backoff, opts: opts}
}

// Retry claims failed transaction id and starts a new settlement attempt.
// It returns store.ErrNotFound, ErrRetryNotAllowed or ErrMaxRetriesExceeded
// without touching the record when the retry cannot run.
func (c *Coordinator) Retry(ctx context.Context, id string) (*Task, error) {
	e := c.engine
	tx, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status != models.StatusFailed {
		return nil, fmt.Errorf("%w: status is %s", ErrRetryNotAllowed, tx.Status)
	}
	if tx.RetryCount >= tx.MaxRetries {
		return nil, fmt.Errorf("%w: %d of %d", ErrMaxRetriesExceeded, tx.RetryCount, tx.MaxRetries)
	}

	claimed, err := e.store.UpdateStatus(ctx, id, models.StatusUpdate{
		Status: models.StatusProcessing,
		Expect: models.StatusFailed,
	})
	if errors.Is(err, models.ErrInvalidTransition) {
		return nil, fmt.Errorf("%w: claimed concurrently", ErrRetryNotAllowed)
	}
	if err != nil {
		return nil, fmt.Errorf("settlement: claim retry: %w", err)
	}

	c.logger.Info("retrying payment",
		zap.String("transaction_id", id),
		zap.Int("retry_count", claimed.RetryCount),
		zap.Int("max_retries", claimed.MaxRetries))
	return e.start(id, retryIntent(claimed), e.strategy.Delay()), nil
}

// Run retries failed transactions automatically until ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	opts := append([]eventlog.SubscribeOption{eventlog.WithLogger(c.logger)}, c.opts...)
	return eventlog.Subscribe(ctx, c.engine.events, eventlog.TopicFailed, RetryGroup, c.handleFailed, opts...)
}

func (c *Coordinator) handleFailed(ctx context.Context, msg eventlog.Message) error {
	var ev models.Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		c.logger.Warn("dropping malformed failure event", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	log := c.logger.With(zap.String("transaction_id", ev.TransactionID), zap.Int("retry_count", ev.RetryCount))

	tx, err := c.engine.store.Get(ctx, ev.TransactionID)
	if err != nil {
		log.Warn("skipping failure event", zap.Error(err))
		return nil
	}
	if tx.Status != models.StatusFailed || tx.RetryCount != ev.RetryCount {
		log.Debug("skipping stale failure event", zap.String("status", string(tx.Status)))
		return nil
	}
	if tx.RetryCount >= tx.MaxRetries {
		log.Warn("retries exhausted", zap.Int("max_retries", tx.MaxRetries))
		return nil
	}

	if c.backoff > 0 {
		t := time.NewTimer(c.backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	_, err = c.Retry(ctx, ev.TransactionID)
	switch {
	case err == nil, errors.Is(err, ErrRetryNotAllowed), errors.Is(err, ErrMaxRetriesExceeded):
		if err != nil {
			log.Info("automatic retry skipped", zap.Error(err))
		}
		return nil
	}
	return err
}

// retryIntent rebuilds the intent of a stored transaction. The request id is
// reused so callbacks of every attempt correlate with the original request.
func retryIntent(tx *models.Transaction) *models.PaymentIntent {
	return &models.PaymentIntent{
		ProtocolVersion: models.ProtocolVersion,
		RequestID:       tx.RequestID,
		IdempotencyKey:  tx.IdempotencyKey,
		AgentIdentity: models.AgentIdentity{
			AgentID:   tx.AgentID,
			AgentType: tx.AgentType,
			Signature: RetrySignature,
		},
		PaymentDetails: models.PaymentDetails{
			Amount:          tx.Amount,
			Currency:        tx.Currency,
			PaymentMethod:   tx.PaymentMethod,
			SupplierID:      tx.SupplierID,
			PurchaseOrderID: tx.PurchaseOrderID,
		},
		Metadata: tx.Metadata,
		Callback: models.CallbackConfig{
			URL:            tx.CallbackURL,
			Method:         tx.CallbackMethod,
			TimeoutSeconds: tx.CallbackTimeoutSeconds,
		},
		Timestamp: tx.RequestedAt,
	}
}
