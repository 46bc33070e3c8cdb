package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/arkantrust/ap2-gateway/backend/models"
)

// Postgres is a GORM-backed Store for deployments that keep transaction
// history in a relational database. The unique index on idempotency_key
// together with ON CONFLICT DO NOTHING makes admission a single conditional
// insert.
type Postgres struct {
	db  *gorm.DB
	now func() time.Time
}

// NewPostgres connects to dsn and migrates the transactions table.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if err := db.AutoMigrate(&models.Transaction{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Postgres{db: db, now: time.Now}, nil
}

// Close closes the underlying connection pool.
func (s *Postgres) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Admit inserts t with ON CONFLICT DO NOTHING and reports whether the row is new.
func (s *Postgres) Admit(ctx context.Context, t *models.Transaction) (*models.Transaction, bool, error) {
	row := *t
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(&row)
	if res.Error != nil {
		return nil, false, fmt.Errorf("store: admit: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return &row, true, nil
	}

	existing, err := s.Lookup(ctx, t.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Lookup returns the transaction bound to key, or ErrNotFound.
func (s *Postgres) Lookup(ctx context.Context, key string) (*models.Transaction, error) {
	var t models.Transaction
	err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Get retrieves a transaction by ID.
func (s *Postgres) Get(ctx context.Context, id string) (*models.Transaction, error) {
	var t models.Transaction
	err := s.db.WithContext(ctx).Where("transaction_id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateStatus applies u to the row locked with SELECT ... FOR UPDATE.
func (s *Postgres) UpdateStatus(ctx context.Context, id string, u models.StatusUpdate) (*models.Transaction, error) {
	return s.mutate(ctx, id, func(t *models.Transaction) error {
		return t.Apply(u, s.now())
	})
}

// UpdateCallbackStatus records one delivery attempt.
func (s *Postgres) UpdateCallbackStatus(ctx context.Context, id string, status models.CallbackStatus) (*models.Transaction, error) {
	return s.mutate(ctx, id, func(t *models.Transaction) error {
		t.RecordCallback(status, s.now())
		return nil
	})
}

// Discard deletes a transaction row.
func (s *Postgres) Discard(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("transaction_id = ?", id).Delete(&models.Transaction{}).Error
}

// mutate locks the row for the duration of fn.
func (s *Postgres) mutate(ctx context.Context, id string, fn func(*models.Transaction) error) (*models.Transaction, error) {
	var t models.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("transaction_id = ?", id).
			First(&t).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := fn(&t); err != nil {
			return err
		}
		return tx.Save(&t).Error
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}
