package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/arkantrust/ap2-gateway/backend/models"
)

var (
	transactionsBucket = []byte("transactions")
	idempotencyBucket  = []byte("idempotency")
)

// Bolt is a BoltDB-backed Store. Transactions are JSON values keyed by id;
// the idempotency bucket maps key -> id. Bolt serializes write transactions,
// so the check and the insert in Admit form one atomic write.
type Bolt struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBolt opens (or creates) a BoltDB database at path and ensures both
// buckets exist.
func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{transactionsBucket, idempotencyBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}

	return &Bolt{db: db, now: time.Now}, nil
}

// Close releases the database file lock.
func (s *Bolt) Close() error {
	return s.db.Close()
}

// Admit stores t unless its idempotency key is already bound, in which case it returns the bound transaction and false.
func (s *Bolt) Admit(_ context.Context, t *models.Transaction) (*models.Transaction, bool, error) {
	var result models.Transaction
	created := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		keys := tx.Bucket(idempotencyBucket)
		txs := tx.Bucket(transactionsBucket)

		if id := keys.Get([]byte(t.IdempotencyKey)); id != nil {
			v := txs.Get(id)
			if v == nil {
				return fmt.Errorf("store: key %q bound to missing transaction %s", t.IdempotencyKey, id)
			}
			return json.Unmarshal(v, &result)
		}

		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if err := txs.Put([]byte(t.ID), data); err != nil {
			return err
		}
		if err := keys.Put([]byte(t.IdempotencyKey), []byte(t.ID)); err != nil {
			return err
		}
		result = *t
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &result, created, nil
}

// Lookup returns the transaction bound to key, or ErrNotFound.
func (s *Bolt) Lookup(_ context.Context, key string) (*models.Transaction, error) {
	var t models.Transaction
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(idempotencyBucket).Get([]byte(key))
		if id == nil {
			return ErrNotFound
		}
		v := tx.Bucket(transactionsBucket).Get(id)
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Get retrieves a transaction by ID.
func (s *Bolt) Get(_ context.Context, id string) (*models.Transaction, error) {
	var t models.Transaction
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(transactionsBucket).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateStatus applies u to the stored transaction in one write transaction.
func (s *Bolt) UpdateStatus(_ context.Context, id string, u models.StatusUpdate) (*models.Transaction, error) {
	return s.mutate(id, func(t *models.Transaction) error {
		return t.Apply(u, s.now())
	})
}

// UpdateCallbackStatus records one delivery attempt.
func (s *Bolt) UpdateCallbackStatus(_ context.Context, id string, status models.CallbackStatus) (*models.Transaction, error) {
	return s.mutate(id, func(t *models.Transaction) error {
		t.RecordCallback(status, s.now())
		return nil
	})
}

// Discard deletes a transaction and its idempotency entry.
func (s *Bolt) Discard(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		txs := tx.Bucket(transactionsBucket)
		v := txs.Get([]byte(id))
		if v == nil {
			return nil
		}
		var t models.Transaction
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}
		if err := tx.Bucket(idempotencyBucket).Delete([]byte(t.IdempotencyKey)); err != nil {
			return err
		}
		return txs.Delete([]byte(id))
	})
}

// mutate reads, modifies and writes one record inside a single write
// transaction. When fn fails nothing is written.
func (s *Bolt) mutate(id string, fn func(*models.Transaction) error) (*models.Transaction, error) {
	var t models.Transaction
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(transactionsBucket)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}
		if err := fn(&t); err != nil {
			return err
		}
		data, err := json.Marshal(&t)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}
