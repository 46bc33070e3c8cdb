package eventlog

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Handler processes one message. Returning an error leaves the message
// unacknowledged so it is delivered again.
type Handler func(ctx context.Context, msg Message) error

type subscribeOptions struct {
	poll   time.Duration
	batch  int
	logger *zap.Logger
}

// SubscribeOption tunes Subscribe.
type SubscribeOption func(*subscribeOptions)

// WithPollInterval sets how long Subscribe waits after an empty or failed fetch.
func WithPollInterval(d time.Duration) SubscribeOption {
	return func(o *subscribeOptions) { o.poll = d }
}

// WithBatchSize sets how many messages one fetch may return.
func WithBatchSize(n int) SubscribeOption {
	return func(o *subscribeOptions) { o.batch = n }
}

// WithLogger sets the logger for fetch, handler and ack failures.
func WithLogger(l *zap.Logger) SubscribeOption {
	return func(o *subscribeOptions) { o.logger = l }
}

// Subscribe consumes topic as group until ctx is cancelled. Messages are
// handed to h in log order and acknowledged one by one after h succeeds.
// When h fails the rest of the batch is dropped and fetched again after
// the poll interval, so the group never sees a later message acknowledged
// ahead of an earlier failed one.
func Subscribe(ctx context.Context, l Log, topic Topic, group string, h Handler, opts ...SubscribeOption) error {
	o := subscribeOptions{poll: 500 * time.Millisecond, batch: 16, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger.With(zap.String("topic", string(topic)), zap.String("group", group))

	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := l.Fetch(ctx, topic, group, o.batch)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("fetch failed", zap.Error(err))
			if !sleep(ctx, o.poll) {
				return nil
			}
			continue
		}

		handled := 0
		for _, m := range msgs {
			if err := h(ctx, m); err != nil {
				log.Warn("handler failed, message will be redelivered",
					zap.String("message_id", m.ID), zap.Error(err))
				break
			}
			if err := l.Ack(ctx, topic, group, m.ID); err != nil {
				log.Warn("ack failed", zap.String("message_id", m.ID), zap.Error(err))
				break
			}
			handled++
		}

		// A full, fully handled batch suggests more is waiting.
		if handled == o.batch {
			continue
		}
		if !sleep(ctx, o.poll) {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
