package audit_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/arkantrust/ap2-gateway/backend/audit"
	"github.com/arkantrust/ap2-gateway/backend/eventlog"
	"github.com/arkantrust/ap2-gateway/backend/models"
)

func publish(t *testing.T, l eventlog.Log, topic eventlog.Topic, ev models.Event) {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	_, err = l.Publish(context.Background(), topic, b)
	require.NoError(t, err)
}

func TestLoggerConsumesTerminalTopics(t *testing.T) {
	events := eventlog.NewMemory()
	core, logs := observer.New(zap.InfoLevel)

	publish(t, events, eventlog.TopicCompleted, models.Event{TransactionID: "tx-1", Status: models.StatusCompleted})
	publish(t, events, eventlog.TopicFailed, models.Event{TransactionID: "tx-2", Status: models.StatusFailed, RetryCount: 1})
	publish(t, events, eventlog.TopicProcessing, models.Event{TransactionID: "tx-3", Status: models.StatusProcessing})
	_, err := events.Publish(context.Background(), eventlog.TopicFailed, []byte("not json"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- audit.New(events, zap.New(core), eventlog.WithPollInterval(5*time.Millisecond)).Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return logs.FilterMessage("payment event").Len() == 2 &&
			logs.FilterMessage("unreadable event").Len() == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	seen := map[string]bool{}
	for _, entry := range logs.FilterMessage("payment event").All() {
		seen[entry.ContextMap()["transaction_id"].(string)] = true
	}
	assert.Equal(t, map[string]bool{"tx-1": true, "tx-2": true}, seen)
	assert.Equal(t, 1, logs.FilterMessage("unreadable event").Len())

	// The audit group acked everything it consumed; other groups are untouched.
	msgs, err := events.Fetch(context.Background(), eventlog.TopicCompleted, audit.Group, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	msgs, err = events.Fetch(context.Background(), eventlog.TopicCompleted, "payment-notifier", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
