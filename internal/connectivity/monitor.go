// Package connectivity tracks whether the device currently has a usable
// network path. The Monitor is event driven: platform signals are fed in
// through Report, and listeners hear about transitions only.
package connectivity

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Listener receives the new state after a transition.
type Listener func(online bool)

// Monitor holds the current online flag and a set of change listeners.
// The zero value is not usable; call New.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	listeners []subscription
}

type subscription struct {
	id int
	fn Listener
}

// New returns a Monitor that starts in the given state. Hosts that cannot
// tell yet should pass false and call Sample once at startup.
func New(online bool) *Monitor {
	return &Monitor{online: online}
}

// IsOnline reports the last known state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers fn and returns a function that removes it. Calling the
// returned function more than once is harmless.
func (m *Monitor) OnChange(fn Listener) (unsubscribe func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, subscription{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.listeners {
				if s.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Report is the platform signal entry point. Listeners run synchronously, in
// registration order, outside the lock, and only when the state flips.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]subscription, len(m.listeners))
	copy(subs, m.listeners)
	m.mu.Unlock()

	log.Info().Bool("online", online).Msg("connectivity changed")
	for _, s := range subs {
		s.fn(online)
	}
}

// Sample performs a one-time check with p and reports the result. It is
// meant for startup, before any platform signal has arrived.
func (m *Monitor) Sample(ctx context.Context, p Prober) bool {
	online := p.Probe(ctx) == nil
	m.Report(online)
	return online
}
