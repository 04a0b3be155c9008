// Package domain defines the persistence models shared by the durable queue
// backends. These types are mapped with GORM for the SQLite backend and
// serialized as JSON by the flat key-value fallback.
package domain

import (
	"net/http"
	"time"

	"gorm.io/datatypes"
)

// QueuedMutation is a replayable mutation that could not be sent when the
// user initiated it. Records are created by the gateway while offline and
// consumed, oldest first, by the drainer.
//
// Fields:
//   - ID: assigned by the store on insert; the only handle used to remove it.
//   - ActionType: caller-supplied tag used to route sync notifications.
//   - Endpoint / Method / Body: the request to replay.
//   - IdempotencyKey: minted once per user action and never regenerated.
//   - CreatedAt: enqueue time.
//   - RetryCount: replays that ended in a retryable failure.
type QueuedMutation struct {
	ID             int64          `json:"id"              gorm:"primaryKey;autoIncrement"`
	ActionType     string         `json:"action_type"     gorm:"type:varchar(64);not null;index"`
	Endpoint       string         `json:"endpoint"        gorm:"type:text;not null"`
	Method         string         `json:"method"          gorm:"type:varchar(8);not null"`
	Body           datatypes.JSON `json:"body,omitempty"`
	IdempotencyKey string         `json:"idempotency_key" gorm:"type:varchar(200);not null;uniqueIndex:ux_queued_mutation_key"`
	CreatedAt      time.Time      `json:"created_at"      gorm:"not null"`
	RetryCount     int            `json:"retry_count"     gorm:"not null;default:0"`
}

// TableName returns the database table name for QueuedMutation.
func (QueuedMutation) TableName() string { return "queued_mutations" }

// Mutating reports whether method changes server state and therefore may be
// queued for later replay.
func Mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
