package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Log. Each topic has its own lock so publishers on
// different topics never contend.
type Memory struct {
	mu     sync.Mutex
	topics map[Topic]*memTopic
}

type memTopic struct {
	mu     sync.Mutex
	msgs   []Message
	groups map[string]*cursor
}

// NewMemory returns an empty in-memory log.
func NewMemory() *Memory {
	return &Memory{topics: make(map[Topic]*memTopic)}
}

func (m *Memory) topic(name Topic) *memTopic {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[name]
	if !ok {
		t = &memTopic{groups: make(map[string]*cursor)}
		m.topics[name] = t
	}
	return t
}

// Publish appends payload to topic.
func (m *Memory) Publish(_ context.Context, topic Topic, payload []byte) (string, error) {
	t := m.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()

	id := formatSeq(uint64(len(t.msgs)) + 1)
	t.msgs = append(t.msgs, Message{
		ID:          id,
		Topic:       topic,
		Payload:     append([]byte(nil), payload...),
		PublishedAt: time.Now().UTC(),
	})
	return id, nil
}

// Fetch returns up to max messages group has not acknowledged.
func (m *Memory) Fetch(_ context.Context, topic Topic, group string, max int) ([]Message, error) {
	t := m.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.cursorFor(group)
	var out []Message
	for i := c.Acked; i < uint64(len(t.msgs)) && len(out) < max; i++ {
		if c.pending(i + 1) {
			out = append(out, t.msgs[i])
		}
	}
	return out, nil
}

// Ack marks ids as handled by group.
func (m *Memory) Ack(_ context.Context, topic Topic, group string, ids ...string) error {
	t := m.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.cursorFor(group)
	for _, id := range ids {
		seq, err := parseSeq(id)
		if err != nil {
			return err
		}
		if seq > uint64(len(t.msgs)) {
			return fmt.Errorf("eventlog: ack of unknown message %s on %s", id, topic)
		}
		c.ack(seq)
	}
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

func (t *memTopic) cursorFor(group string) *cursor {
	c, ok := t.groups[group]
	if !ok {
		c = &cursor{}
		t.groups[group] = c
	}
	return c
}
