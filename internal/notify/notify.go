// Package notify carries the gateway's collaborator callbacks: a mutation
// was queued, a queued mutation synced, or its replay was rejected for good.
// View code decides how to render them; this package only delivers.
package notify

import (
	"github.com/rs/zerolog/log"
)

// Notifier receives queue lifecycle events. Implementations must not block:
// they are called inline from the gateway and the drainer.
type Notifier interface {
	OnQueued(actionType string)
	OnSynced(actionType string, id int64)
	OnSyncFailed(actionType string, id int64, reason string)
}

// Nop discards every event.
type Nop struct{}

func (Nop) OnQueued(string)                    {}
func (Nop) OnSynced(string, int64)             {}
func (Nop) OnSyncFailed(string, int64, string) {}

// Multi fans each event out to every notifier, in order.
type Multi []Notifier

func (m Multi) OnQueued(actionType string) {
	for _, n := range m {
		n.OnQueued(actionType)
	}
}

func (m Multi) OnSynced(actionType string, id int64) {
	for _, n := range m {
		n.OnSynced(actionType, id)
	}
}

func (m Multi) OnSyncFailed(actionType string, id int64, reason string) {
	for _, n := range m {
		n.OnSyncFailed(actionType, id, reason)
	}
}

// LogNotifier writes one structured log line per event.
type LogNotifier struct{}

func (LogNotifier) OnQueued(actionType string) {
	log.Info().Str("action_type", actionType).Msg("mutation queued")
}

func (LogNotifier) OnSynced(actionType string, id int64) {
	log.Info().Str("action_type", actionType).Int64("queue_id", id).Msg("queued mutation synced")
}

func (LogNotifier) OnSyncFailed(actionType string, id int64, reason string) {
	log.Warn().Str("action_type", actionType).Int64("queue_id", id).Str("reason", reason).Msg("queued mutation rejected")
}
