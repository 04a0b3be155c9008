// Package repo implements the persistence layer for the structured queue
// backend. This file provides repository functions for QueuedMutation.
//
// All functions are context-aware and accept a *gorm.DB handle. Each write is
// a single statement, so an enqueue from a new user action can interleave
// safely with a remove from an in-progress drain.
//
// Error semantics:
//   - Missing rows are reported as ErrNotFound.
//   - Inserting a second record with an already-queued idempotency key
//     returns ErrDuplicate.
//   - Other DB errors are propagated unchanged.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-offline-gateway/internal/domain"
)

var (
	// ErrNotFound is returned when a queued mutation does not exist.
	ErrNotFound = gorm.ErrRecordNotFound
	// ErrDuplicate indicates a record with the same idempotency key is queued.
	ErrDuplicate = errors.New("duplicate")
)

// CreateMutation inserts rec and fills in its store-assigned ID.
func CreateMutation(ctx context.Context, db *gorm.DB, rec *domain.QueuedMutation) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// ListMutations returns every queued record, oldest first.
func ListMutations(ctx context.Context, db *gorm.DB) ([]domain.QueuedMutation, error) {
	var out []domain.QueuedMutation
	err := db.WithContext(ctx).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

// GetMutationByKey returns the record queued under key, or ErrNotFound.
func GetMutationByKey(ctx context.Context, db *gorm.DB, key string) (*domain.QueuedMutation, error) {
	var rec domain.QueuedMutation
	err := db.WithContext(ctx).Where("idempotency_key = ?", key).First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteMutation removes the record with id. Removing a missing id is not an
// error: a drain and a manual removal may race for the same record.
func DeleteMutation(ctx context.Context, db *gorm.DB, id int64) error {
	return db.WithContext(ctx).Delete(&domain.QueuedMutation{}, id).Error
}

// IncrementRetry bumps retry_count for id in one statement.
func IncrementRetry(ctx context.Context, db *gorm.DB, id int64) error {
	res := db.WithContext(ctx).
		Model(&domain.QueuedMutation{}).
		Where("id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountMutations returns the number of queued records.
func CountMutations(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.QueuedMutation{}).Count(&n).Error
	return n, err
}
