// Package audit writes one structured log line per terminal payment event.
package audit

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arkantrust/ap2-gateway/backend/eventlog"
	"github.com/arkantrust/ap2-gateway/backend/models"
)

// Group is the consumer group name of the audit logger.
const Group = "audit-logger"

// Topics are the topics the audit logger consumes.
var Topics = []eventlog.Topic{eventlog.TopicCompleted, eventlog.TopicFailed}

// Logger consumes terminal events independently of every other group.
type Logger struct {
	events eventlog.Log
	logger *zap.Logger
	opts   []eventlog.SubscribeOption
}

// New returns a Logger reading from events.
func New(events eventlog.Log, logger *zap.Logger, opts ...eventlog.SubscribeOption) *Logger {
	return &Logger{events: events, logger: logger.Named("audit"), opts: opts}
}

// Run blocks until ctx is cancelled.
func (l *Logger) Run(ctx context.Context) error {
	opts := append([]eventlog.SubscribeOption{eventlog.WithLogger(l.logger)}, l.opts...)
	g, ctx := errgroup.WithContext(ctx)
	for _, topic := range Topics {
		topic := topic
		g.Go(func() error {
			return eventlog.Subscribe(ctx, l.events, topic, Group, l.handle, opts...)
		})
	}
	return g.Wait()
}

func (l *Logger) handle(_ context.Context, msg eventlog.Message) error {
	var ev models.Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		l.logger.Warn("unreadable event", zap.String("topic", string(msg.Topic)), zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}

	fields := []zap.Field{
		zap.String("topic", string(msg.Topic)),
		zap.String("message_id", msg.ID),
		zap.String("transaction_id", ev.TransactionID),
		zap.String("status", string(ev.Status)),
		zap.Int("retry_count", ev.RetryCount),
		zap.Time("event_time", ev.Timestamp),
	}
	if cb := ev.Callback; cb != nil {
		fields = append(fields, zap.String("request_id", cb.RequestID))
		if cb.Reconciliation != nil {
			fields = append(fields,
				zap.String("amount", cb.Reconciliation.AmountDebited.StringFixed(2)),
				zap.String("fees", cb.Reconciliation.Fees.StringFixed(2)),
				zap.String("currency", cb.Reconciliation.Currency))
		}
		if cb.ErrorCode != "" {
			fields = append(fields, zap.String("error_code", string(cb.ErrorCode)))
		}
	}
	l.logger.Info("payment event", fields...)
	return nil
}
