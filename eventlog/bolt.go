package eventlog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
)

var groupsBucket = []byte("groups")

// Bolt is a BoltDB-backed Log. Each topic is a bucket keyed by the bucket's
// NextSequence, which gives a durable, gap-free, monotonically increasing
// message id. Group cursors live in a separate bucket.
type Bolt struct {
	db *bolt.DB
}

// NewBolt opens (or creates) the log file at path.
func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(groupsBucket); err != nil {
			return err
		}
		for _, t := range Topics {
			if _, err := tx.CreateBucketIfNotExists(topicBucket(t)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: init buckets: %w", err)
	}
	return &Bolt{db: db}, nil
}

// Close closes the database file.
func (l *Bolt) Close() error {
	return l.db.Close()
}

// Publish appends payload to the topic bucket under the next sequence number.
func (l *Bolt) Publish(_ context.Context, topic Topic, payload []byte) (string, error) {
	var seq uint64
	err := l.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(topicBucket(topic))
		if err != nil {
			return err
		}
		seq, err = b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(itob(seq), encodeEntry(time.Now().UTC(), payload))
	})
	if err != nil {
		return "", err
	}
	return formatSeq(seq), nil
}

// Fetch returns up to max messages past the group cursor that are not yet acknowledged.
func (l *Bolt) Fetch(_ context.Context, topic Topic, group string, max int) ([]Message, error) {
	var out []Message
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(topicBucket(topic))
		if b == nil {
			return nil
		}
		c, err := loadCursor(tx, topic, group)
		if err != nil {
			return err
		}
		bc := b.Cursor()
		for k, v := bc.Seek(itob(c.Acked + 1)); k != nil && len(out) < max; k, v = bc.Next() {
			seq := binary.BigEndian.Uint64(k)
			if !c.pending(seq) {
				continue
			}
			at, payload := decodeEntry(v)
			out = append(out, Message{
				ID:          formatSeq(seq),
				Topic:       topic,
				Payload:     payload,
				PublishedAt: at,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ack records acknowledgements and persists the advanced cursor.
func (l *Bolt) Ack(_ context.Context, topic Topic, group string, ids ...string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(topicBucket(topic))
		if b == nil {
			return fmt.Errorf("eventlog: unknown topic %s", topic)
		}
		c, err := loadCursor(tx, topic, group)
		if err != nil {
			return err
		}
		for _, id := range ids {
			seq, err := parseSeq(id)
			if err != nil {
				return err
			}
			if seq > b.Sequence() {
				return fmt.Errorf("eventlog: ack of unknown message %s on %s", id, topic)
			}
			c.ack(seq)
		}
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return tx.Bucket(groupsBucket).Put(groupKey(topic, group), data)
	})
}

func loadCursor(tx *bolt.Tx, topic Topic, group string) (*cursor, error) {
	c := &cursor{}
	v := tx.Bucket(groupsBucket).Get(groupKey(topic, group))
	if v == nil {
		return c, nil
	}
	if err := json.Unmarshal(v, c); err != nil {
		return nil, fmt.Errorf("eventlog: corrupt cursor for %s/%s: %w", topic, group, err)
	}
	return c, nil
}

func topicBucket(t Topic) []byte {
	return []byte("topic/" + string(t))
}

func groupKey(t Topic, group string) []byte {
	return []byte(string(t) + "\x00" + group)
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Entries are an 8-byte big-endian unix-nano timestamp followed by the payload.
func encodeEntry(at time.Time, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(buf, uint64(at.UnixNano()))
	copy(buf[8:], payload)
	return buf
}

func decodeEntry(v []byte) (time.Time, []byte) {
	if len(v) < 8 {
		return time.Time{}, nil
	}
	at := time.Unix(0, int64(binary.BigEndian.Uint64(v[:8]))).UTC()
	// Bolt values are only valid for the life of the transaction.
	payload := append([]byte(nil), v[8:]...)
	return at, payload
}
