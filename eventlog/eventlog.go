// Package eventlog is an ordered, append-only, per-topic log with
// independent consumer-group cursors.
//
// Each group sees every message of a topic at least once. A message stays
// deliverable to a group until that group acknowledges it, so a consumer
// that crashes mid-batch gets the unacknowledged tail again. Consumers must
// therefore tolerate redelivery.
package eventlog

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Topic names a stream of messages.
type Topic string

const (
	TopicRequests   Topic = "payment:requests"
	TopicProcessing Topic = "payment:processing"
	TopicCompleted  Topic = "payment:completed"
	TopicFailed     Topic = "payment:failed"
	TopicCallbacks  Topic = "payment:callbacks"
)

// Topics lists every topic the gateway publishes to.
var Topics = []Topic{TopicRequests, TopicProcessing, TopicCompleted, TopicFailed, TopicCallbacks}

// Message is one entry of a topic. IDs increase monotonically within a topic.
type Message struct {
	ID          string
	Topic       Topic
	Payload     []byte
	PublishedAt time.Time
}

// Log is the publish / fetch / ack contract the gateway needs from its
// event infrastructure.
type Log interface {
	// Publish appends payload to topic and returns the new message id.
	Publish(ctx context.Context, topic Topic, payload []byte) (string, error)

	// Fetch returns up to max messages, oldest first, that group has not
	// acknowledged. A group that never fetched starts at the first message.
	Fetch(ctx context.Context, topic Topic, group string, max int) ([]Message, error)

	// Ack marks messages as processed by group.
	Ack(ctx context.Context, topic Topic, group string, ids ...string) error

	Close() error
}

// Open selects a backend from a connection URL:
//
//	memory://
//	bolt://events.db
//	redis://localhost:6379/0
func Open(url string) (Log, error) {
	switch {
	case url == "memory://" || url == "memory":
		return NewMemory(), nil
	case strings.HasPrefix(url, "bolt://"):
		return NewBolt(strings.TrimPrefix(url, "bolt://"))
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		return NewRedis(url)
	}
	return nil, fmt.Errorf("eventlog: unsupported url %q", url)
}
