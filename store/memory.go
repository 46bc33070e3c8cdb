package store

import (
	"context"
	"sync"
	"time"

	"github.com/arkantrust/ap2-gateway/backend/models"
)

// Memory is an in-process Store. Records are copied on the way in and out so
// callers never share state with the map.
type Memory struct {
	mu   sync.Mutex
	txs  map[string]models.Transaction
	keys map[string]string
	now  func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		txs:  make(map[string]models.Transaction),
		keys: make(map[string]string),
		now:  time.Now,
	}
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// Admit stores t unless its idempotency key is already bound.
func (m *Memory) Admit(_ context.Context, t *models.Transaction) (*models.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.keys[t.IdempotencyKey]; ok {
		existing := m.txs[id]
		return &existing, false, nil
	}
	m.txs[t.ID] = *t
	m.keys[t.IdempotencyKey] = t.ID
	stored := *t
	return &stored, true, nil
}

// Lookup returns the transaction bound to key, or ErrNotFound.
func (m *Memory) Lookup(_ context.Context, key string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.keys[key]
	if !ok {
		return nil, ErrNotFound
	}
	t := m.txs[id]
	return &t, nil
}

// Get returns a copy of the transaction with the given ID.
func (m *Memory) Get(_ context.Context, id string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

// UpdateStatus applies u under the store lock.
func (m *Memory) UpdateStatus(_ context.Context, id string, u models.StatusUpdate) (*models.Transaction, error) {
	return m.mutate(id, func(t *models.Transaction) error {
		return t.Apply(u, m.now())
	})
}

// UpdateCallbackStatus records one delivery attempt.
func (m *Memory) UpdateCallbackStatus(_ context.Context, id string, status models.CallbackStatus) (*models.Transaction, error) {
	return m.mutate(id, func(t *models.Transaction) error {
		t.RecordCallback(status, m.now())
		return nil
	})
}

// Discard deletes a transaction and its idempotency entry.
func (m *Memory) Discard(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.txs[id]; ok {
		delete(m.keys, t.IdempotencyKey)
		delete(m.txs, id)
	}
	return nil
}

func (m *Memory) mutate(id string, fn func(*models.Transaction) error) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := fn(&t); err != nil {
		return nil, err
	}
	m.txs[id] = t
	return &t, nil
}
