package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkantrust/ap2-gateway/backend/models"
	"github.com/arkantrust/ap2-gateway/backend/store"
)

func newBoltStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewBolt(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// backends returns every Store implementation available in this environment.
func backends(t *testing.T) map[string]func(t *testing.T) store.Store {
	b := map[string]func(t *testing.T) store.Store{
		"bolt":   newBoltStore,
		"memory": func(*testing.T) store.Store { return store.NewMemory() },
	}
	if dsn := os.Getenv("AP2_TEST_POSTGRES_DSN"); dsn != "" {
		b["postgres"] = func(t *testing.T) store.Store {
			s, err := store.NewPostgres(dsn)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return b
}

func newTx(key string) *models.Transaction {
	intent := &models.PaymentIntent{
		IdempotencyKey: key,
		RequestID:      "req-" + key,
		AgentIdentity:  models.AgentIdentity{AgentID: "SupplierAgent-Delhi-South", AgentType: "supplier"},
		PaymentDetails: models.PaymentDetails{
			Amount:        decimal.RequireFromString("1650.00"),
			Currency:      "INR",
			PaymentMethod: models.MethodNEFT,
		},
		Callback: models.CallbackConfig{URL: "http://agent/callback", Method: "POST", TimeoutSeconds: 30},
	}
	return models.NewTransaction(uuid.NewString(), intent, time.Now(), 3, 24*time.Hour)
}

func TestAdmitIdempotency(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			key := "po-456-" + uuid.NewString()

			first, created, err := s.Admit(ctx, newTx(key))
			require.NoError(t, err)
			require.True(t, created, "expected created=true on first call")

			// Same key, different candidate id: the original wins.
			second, created, err := s.Admit(ctx, newTx(key))
			require.NoError(t, err)
			assert.False(t, created, "expected created=false on duplicate call")
			assert.Equal(t, first.ID, second.ID)
			assert.True(t, second.RequestedAt.Equal(first.RequestedAt), "requested_at should not change")

			byKey, err := s.Lookup(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, first.ID, byKey.ID)
		})
	}
}

func TestAdmitConcurrentSingleWinner(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			key := "concurrent-" + uuid.NewString()

			const n = 32
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				winners int
				ids     = make(map[string]struct{})
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					got, created, err := s.Admit(ctx, newTx(key))
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					defer mu.Unlock()
					if created {
						winners++
					}
					ids[got.ID] = struct{}{}
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, winners, "exactly one admission must win")
			assert.Len(t, ids, 1, "every caller must see the same transaction id")
		})
	}
}

func TestLookupAndGetNotFound(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			_, err := s.Get(context.Background(), "missing")
			assert.ErrorIs(t, err, store.ErrNotFound)
			_, err = s.Lookup(context.Background(), "missing")
			assert.ErrorIs(t, err, store.ErrNotFound)
			_, err = s.UpdateStatus(context.Background(), "missing", models.StatusUpdate{Status: models.StatusFailed})
			assert.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestUpdateStatusLifecycle(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			tx, _, err := s.Admit(ctx, newTx(uuid.NewString()))
			require.NoError(t, err)

			got, err := s.UpdateStatus(ctx, tx.ID, models.StatusUpdate{Status: models.StatusProcessing})
			require.NoError(t, err)
			assert.NotNil(t, got.ProcessedAt)

			got, err = s.UpdateStatus(ctx, tx.ID, models.StatusUpdate{
				Status:       models.StatusFailed,
				ErrorCode:    models.CodeProcessingFailed,
				ErrorMessage: "declined",
			})
			require.NoError(t, err)
			assert.Equal(t, 1, got.RetryCount)

			got, err = s.UpdateStatus(ctx, tx.ID, models.StatusUpdate{Status: models.StatusProcessing})
			require.NoError(t, err)
			got, err = s.UpdateStatus(ctx, tx.ID, models.StatusUpdate{Status: models.StatusCompleted})
			require.NoError(t, err)
			assert.NotNil(t, got.CompletedAt)
			assert.Empty(t, got.ErrorCode)

			// A rejected transition leaves the stored record untouched.
			_, err = s.UpdateStatus(ctx, tx.ID, models.StatusUpdate{Status: models.StatusFailed})
			assert.True(t, errors.Is(err, models.ErrInvalidTransition))
			stored, err := s.Get(ctx, tx.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusCompleted, stored.Status)
			assert.Equal(t, 1, stored.RetryCount)
		})
	}
}

func TestConcurrentRetryClaim(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			tx, _, err := s.Admit(ctx, newTx(uuid.NewString()))
			require.NoError(t, err)
			_, err = s.UpdateStatus(ctx, tx.ID, models.StatusUpdate{Status: models.StatusFailed})
			require.NoError(t, err)

			// Concurrent claims serialize on the record: exactly one wins.
			var (
				wg   sync.WaitGroup
				wins atomic.Int32
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.UpdateStatus(ctx, tx.ID, models.StatusUpdate{
						Status: models.StatusProcessing,
						Expect: models.StatusFailed,
					})
					if err == nil {
						wins.Add(1)
					} else {
						assert.ErrorIs(t, err, models.ErrInvalidTransition)
					}
				}()
			}
			wg.Wait()
			assert.EqualValues(t, 1, wins.Load())

			stored, err := s.Get(ctx, tx.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusProcessing, stored.Status)
			assert.Equal(t, 1, stored.RetryCount)
		})
	}
}

func TestUpdateCallbackStatus(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			tx, _, err := s.Admit(ctx, newTx(uuid.NewString()))
			require.NoError(t, err)
			assert.Equal(t, models.CallbackPending, tx.CallbackStatus)

			got, err := s.UpdateCallbackStatus(ctx, tx.ID, models.CallbackFailed)
			require.NoError(t, err)
			assert.Equal(t, models.CallbackFailed, got.CallbackStatus)
			assert.Equal(t, 1, got.CallbackAttempts)
			assert.Equal(t, models.StatusProcessing, got.Status, "callback outcome never touches status")

			got, err = s.UpdateCallbackStatus(ctx, tx.ID, models.CallbackSent)
			require.NoError(t, err)
			assert.Equal(t, models.CallbackSent, got.CallbackStatus)
			assert.Equal(t, 2, got.CallbackAttempts)
		})
	}
}

func TestDiscardReleasesKey(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			key := uuid.NewString()
			tx, _, err := s.Admit(ctx, newTx(key))
			require.NoError(t, err)

			require.NoError(t, s.Discard(ctx, tx.ID))
			_, err = s.Get(ctx, tx.ID)
			assert.ErrorIs(t, err, store.ErrNotFound)
			_, err = s.Lookup(ctx, key)
			assert.ErrorIs(t, err, store.ErrNotFound)

			// Discarding twice is a no-op.
			require.NoError(t, s.Discard(ctx, tx.ID))

			again, created, err := s.Admit(ctx, newTx(key))
			require.NoError(t, err)
			assert.True(t, created)
			assert.NotEqual(t, tx.ID, again.ID)
		})
	}
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	s, err := store.NewBolt(path)
	require.NoError(t, err)
	tx, _, err := s.Admit(context.Background(), newTx("persist-me"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = store.NewBolt(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Lookup(context.Background(), "persist-me")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("1650")), fmt.Sprintf("amount %s", got.Amount))
}

func TestOpen(t *testing.T) {
	s, err := store.Open("memory://")
	require.NoError(t, err)
	assert.IsType(t, &store.Memory{}, s)

	s, err = store.Open("bolt://" + filepath.Join(t.TempDir(), "open.db"))
	require.NoError(t, err)
	assert.IsType(t, &store.Bolt{}, s)
	s.Close()

	_, err = store.Open("mysql://nope")
	assert.Error(t, err)
}
