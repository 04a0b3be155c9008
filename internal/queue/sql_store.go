package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-offline-gateway/internal/domain"
	"github.com/tbourn/go-offline-gateway/internal/repo"
)

// SQLStore is the structured backend. Every operation is a single statement
// except the cap check, which is serialized with inserts by mu.
type SQLStore struct {
	db         *gorm.DB
	maxEntries int
	mu         sync.Mutex
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an already-migrated database handle.
func NewSQLStore(db *gorm.DB, maxEntries int) *SQLStore {
	return &SQLStore{db: db, maxEntries: maxEntries}
}

// Enqueue implements Store.
func (s *SQLStore) Enqueue(ctx context.Context, rec domain.QueuedMutation) (int64, error) {
	if err := validate(rec); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := repo.GetMutationByKey(ctx, s.db, rec.IdempotencyKey); err == nil {
		return existing.ID, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return 0, err
	}

	if s.maxEntries > 0 {
		n, err := repo.CountMutations(ctx, s.db)
		if err != nil {
			return 0, err
		}
		if n >= int64(s.maxEntries) {
			return 0, ErrQueueFull
		}
	}

	rec.ID = 0
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := repo.CreateMutation(ctx, s.db, &rec); err != nil {
		return 0, err
	}
	return rec.ID, nil
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context) ([]domain.QueuedMutation, error) {
	return repo.ListMutations(ctx, s.db)
}

// Remove implements Store.
func (s *SQLStore) Remove(ctx context.Context, id int64) error {
	return repo.DeleteMutation(ctx, s.db, id)
}

// MarkRetry implements Store.
func (s *SQLStore) MarkRetry(ctx context.Context, id int64) error {
	err := repo.IncrementRetry(ctx, s.db, id)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// Len implements Store.
func (s *SQLStore) Len(ctx context.Context) (int, error) {
	n, err := repo.CountMutations(ctx, s.db)
	return int(n), err
}

// Close implements Store.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
