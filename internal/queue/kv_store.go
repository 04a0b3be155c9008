package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/tbourn/go-offline-gateway/internal/domain"
	"github.com/tbourn/go-offline-gateway/internal/kv"
)

const (
	recordsKey = "queue.records"
	nextIDKey  = "queue.next_id"
)

// KVStore is the fallback backend: the whole queue is one serialized JSON
// array. Every change reads, modifies and writes the full list while holding
// mu, so an enqueue and a concurrent remove can never lose each other.
type KVStore struct {
	kv         kv.Store
	maxEntries int
	mu         sync.Mutex
}

var _ Store = (*KVStore)(nil)

// NewKVStore returns a KVStore persisting into backend.
func NewKVStore(backend kv.Store, maxEntries int) *KVStore {
	return &KVStore{kv: backend, maxEntries: maxEntries}
}

// Enqueue implements Store.
func (s *KVStore) Enqueue(ctx context.Context, rec domain.QueuedMutation) (int64, error) {
	if err := validate(rec); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	for i := range recs {
		if recs[i].IdempotencyKey == rec.IdempotencyKey {
			return recs[i].ID, nil
		}
	}
	if s.maxEntries > 0 && len(recs) >= s.maxEntries {
		return 0, ErrQueueFull
	}

	id, err := s.nextID(ctx, recs)
	if err != nil {
		return 0, err
	}
	rec.ID = id
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	recs = append(recs, rec)

	// Persist the counter first: a crash in between wastes an id, never reuses one.
	if err := s.kv.Set(ctx, nextIDKey, strconv.FormatInt(id+1, 10)); err != nil {
		return 0, fmt.Errorf("save queue counter: %w", err)
	}
	if err := s.save(ctx, recs); err != nil {
		return 0, err
	}
	return id, nil
}

// List implements Store.
func (s *KVStore) List(ctx context.Context) ([]domain.QueuedMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Remove implements Store.
func (s *KVStore) Remove(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load(ctx)
	if err != nil {
		return err
	}
	kept := recs[:0]
	removed := false
	for _, r := range recs {
		if r.ID == id {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	if !removed {
		return nil
	}
	return s.save(ctx, kept)
}

// MarkRetry implements Store.
func (s *KVStore) MarkRetry(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load(ctx)
	if err != nil {
		return err
	}
	for i := range recs {
		if recs[i].ID == id {
			recs[i].RetryCount++
			return s.save(ctx, recs)
		}
	}
	return ErrNotFound
}

// Len implements Store.
func (s *KVStore) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load(ctx)
	return len(recs), err
}

// Close implements Store. The kv backend is owned by the caller.
func (s *KVStore) Close() error { return nil }

func (s *KVStore) load(ctx context.Context) ([]domain.QueuedMutation, error) {
	raw, ok, err := s.kv.Get(ctx, recordsKey)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var recs []domain.QueuedMutation
	if err := json.Unmarshal([]byte(raw), &recs); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	return recs, nil
}

func (s *KVStore) save(ctx context.Context, recs []domain.QueuedMutation) error {
	if len(recs) == 0 {
		if err := s.kv.Delete(ctx, recordsKey); err != nil {
			return fmt.Errorf("save queue: %w", err)
		}
		return nil
	}
	raw, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := s.kv.Set(ctx, recordsKey, string(raw)); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	return nil
}

// nextID returns a monotonic id that is never reused, even after the list
// has been emptied.
func (s *KVStore) nextID(ctx context.Context, recs []domain.QueuedMutation) (int64, error) {
	next := int64(1)
	raw, ok, err := s.kv.Get(ctx, nextIDKey)
	if err != nil {
		return 0, fmt.Errorf("load queue counter: %w", err)
	}
	if ok {
		if n, perr := strconv.ParseInt(raw, 10, 64); perr == nil && n > 0 {
			next = n
		}
	}
	for i := range recs {
		if recs[i].ID >= next {
			next = recs[i].ID + 1
		}
	}
	return next, nil
}
