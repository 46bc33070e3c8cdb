package eventlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis maps the Log contract onto Redis streams: one stream per topic,
// one Redis consumer group per log group. Fetch re-reads this consumer's
// pending entries before asking for new ones, which is what turns
// unacknowledged messages into redeliveries.
type Redis struct {
	client   *redis.Client
	consumer string
	maxLen   int64
	block    time.Duration

	mu     sync.Mutex
	groups map[string]bool
}

// NewRedis connects to the Redis server at url.
func NewRedis(url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("eventlog: parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("eventlog: ping redis: %w", err)
	}

	host, _ := os.Hostname()
	if host == "" {
		host = "ap2-gateway"
	}
	return &Redis{
		client:   client,
		consumer: host,
		maxLen:   10000,
		block:    time.Second,
		groups:   make(map[string]bool),
	}, nil
}

// Close closes the client.
func (l *Redis) Close() error {
	return l.client.Close()
}

// Publish adds payload to the topic stream with XADD.
func (l *Redis) Publish(ctx context.Context, topic Topic, payload []byte) (string, error) {
	id, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: string(topic),
		MaxLen: l.maxLen,
		Approx: true,
		Values: map[string]any{"payload": string(payload)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("eventlog: xadd %s: %w", topic, err)
	}
	return id, nil
}

// Fetch reads the group's pending entries first, then new ones.
func (l *Redis) Fetch(ctx context.Context, topic Topic, group string, max int) ([]Message, error) {
	if err := l.ensureGroup(ctx, topic, group); err != nil {
		return nil, err
	}

	// Pending entries first: delivered earlier but never acknowledged.
	msgs, err := l.read(ctx, topic, group, "0", max, -1)
	if err != nil || len(msgs) > 0 {
		return msgs, err
	}
	return l.read(ctx, topic, group, ">", max, l.block)
}

// Ack acknowledges ids with XACK.
func (l *Redis) Ack(ctx context.Context, topic Topic, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return l.client.XAck(ctx, string(topic), group, ids...).Err()
}

func (l *Redis) read(ctx context.Context, topic Topic, group, start string, max int, block time.Duration) ([]Message, error) {
	streams, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: l.consumer,
		Streams:  []string{string(topic), start},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventlog: xreadgroup %s/%s: %w", topic, group, err)
	}

	var out []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			payload, _ := m.Values["payload"].(string)
			out = append(out, Message{
				ID:          m.ID,
				Topic:       topic,
				Payload:     []byte(payload),
				PublishedAt: streamIDTime(m.ID),
			})
		}
	}
	return out, nil
}

func (l *Redis) ensureGroup(ctx context.Context, topic Topic, group string) error {
	key := string(topic) + "\x00" + group
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.groups[key] {
		return nil
	}
	err := l.client.XGroupCreateMkStream(ctx, string(topic), group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("eventlog: create group %s on %s: %w", group, topic, err)
	}
	l.groups[key] = true
	return nil
}

// streamIDTime extracts the millisecond timestamp of a "<ms>-<seq>" id.
func streamIDTime(id string) time.Time {
	ms, _, _ := strings.Cut(id, "-")
	v, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}
