// Package queue is the durable store of pending mutations. Two backends
// satisfy the same Store contract: a SQLite database (preferred) and a flat
// JSON list kept in simple key-value storage (fallback). The backend is
// chosen once by Open; callers never learn which one is active.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/tbourn/go-offline-gateway/internal/domain"
)

var (
	// ErrQueueFull is returned by Enqueue when the configured cap is reached.
	// Nothing is evicted to make room.
	ErrQueueFull = errors.New("queue full")
	// ErrNotFound is returned by MarkRetry for an unknown id.
	ErrNotFound = errors.New("queued mutation not found")
	// ErrInvalidRecord is returned when a record lacks its replay essentials.
	ErrInvalidRecord = errors.New("queued mutation requires endpoint, method and idempotency key")
)

// Store is the durable queue contract shared by both backends.
type Store interface {
	// Enqueue persists rec and returns its store-assigned id. If a record
	// with the same idempotency key is already queued, its id is returned
	// and nothing new is written.
	Enqueue(ctx context.Context, rec domain.QueuedMutation) (int64, error)
	// List returns all records in insertion order.
	List(ctx context.Context) ([]domain.QueuedMutation, error)
	// Remove deletes the record with id. Unknown ids are ignored.
	Remove(ctx context.Context, id int64) error
	// MarkRetry increments the retry counter of id.
	MarkRetry(ctx context.Context, id int64) error
	// Len returns the number of queued records.
	Len(ctx context.Context) (int, error)
	// Close releases backend resources.
	Close() error
}

// Stats summarizes the queue for status endpoints.
type Stats struct {
	Pending      int        `json:"pending"`
	OldestQueued *time.Time `json:"oldest_queued_at,omitempty"`
	MaxRetries   int        `json:"max_retry_count"`
}

// Summarize computes Stats from a listing.
func Summarize(recs []domain.QueuedMutation) Stats {
	st := Stats{Pending: len(recs)}
	for i := range recs {
		if st.OldestQueued == nil || recs[i].CreatedAt.Before(*st.OldestQueued) {
			t := recs[i].CreatedAt
			st.OldestQueued = &t
		}
		if recs[i].RetryCount > st.MaxRetries {
			st.MaxRetries = recs[i].RetryCount
		}
	}
	return st
}

func validate(rec domain.QueuedMutation) error {
	if rec.Endpoint == "" || rec.Method == "" || rec.IdempotencyKey == "" {
		return ErrInvalidRecord
	}
	return nil
}
