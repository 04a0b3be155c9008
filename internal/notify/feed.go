package notify

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Kind identifies a lifecycle event.
type Kind string

const (
	KindQueued     Kind = "queued"
	KindSynced     Kind = "synced"
	KindSyncFailed Kind = "sync_failed"
)

// Event is one delivered notification.
type Event struct {
	Seq        uint64    `json:"seq"`
	Kind       Kind      `json:"kind"`
	ActionType string    `json:"action_type"`
	Label      string    `json:"label"`
	QueueID    int64     `json:"queue_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// Feed keeps the most recent events in a ring so a polling view can catch
// up with Since. Older events are overwritten once capacity is reached.
type Feed struct {
	mu    sync.Mutex
	buf   []Event
	start int
	size  int
	seq   uint64
	caser cases.Caser
	now   func() time.Time
}

var _ Notifier = (*Feed)(nil)

// NewFeed returns a Feed retaining up to capacity events (minimum 1).
func NewFeed(capacity int) *Feed {
	if capacity < 1 {
		capacity = 1
	}
	return &Feed{
		buf:   make([]Event, capacity),
		caser: cases.Title(language.English),
		now:   time.Now,
	}
}

func (f *Feed) OnQueued(actionType string) {
	f.push(Event{Kind: KindQueued, ActionType: actionType})
}

func (f *Feed) OnSynced(actionType string, id int64) {
	f.push(Event{Kind: KindSynced, ActionType: actionType, QueueID: id})
}

func (f *Feed) OnSyncFailed(actionType string, id int64, reason string) {
	f.push(Event{Kind: KindSyncFailed, ActionType: actionType, QueueID: id, Reason: reason})
}

// Since returns retained events with Seq > seq, oldest first.
func (f *Feed) Since(seq uint64) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, 0, f.size)
	for i := 0; i < f.size; i++ {
		ev := f.buf[(f.start+i)%len(f.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// LastSeq returns the sequence number of the newest event (0 when empty).
func (f *Feed) LastSeq() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

func (f *Feed) push(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	ev.Seq = f.seq
	ev.At = f.now().UTC()
	ev.Label = f.label(ev.ActionType)

	if f.size < len(f.buf) {
		f.buf[(f.start+f.size)%len(f.buf)] = ev
		f.size++
		return
	}
	f.buf[f.start] = ev
	f.start = (f.start + 1) % len(f.buf)
}

// label turns an action tag like "qr_process" into "Qr Process".
// Callers hold mu; a Caser is not safe for concurrent use.
func (f *Feed) label(actionType string) string {
	words := strings.FieldsFunc(actionType, func(r rune) bool {
		return r == '_' || r == '-' || r == '.' || r == ' '
	})
	if len(words) == 0 {
		return ""
	}
	return f.caser.String(strings.Join(words, " "))
}
