// Package connectivity reports whether the remote API is reachable and
// publishes online/offline transitions to a single subscriber.
package connectivity

import (
	"sync"
	"time"
)

// Event is a reachability transition
type Event struct {
	Online bool
	At     time.Time
}

// Monitor is the contract the sync coordinator depends on
type Monitor interface {
	// Online reports current reachability
	Online() bool

	// Subscribe returns the transition channel and a function that ends the
	// subscription. Only one subscriber is active; subscribing again ends
	// the previous subscription.
	Subscribe() (<-chan Event, func())
}

// Manual is a Monitor whose state is set by the host, e.g. from the
// platform's network callbacks.
type Manual struct {
	mu     sync.Mutex
	online bool
	sub    chan Event
	now    func() time.Time
}

// NewManual creates a monitor with the given initial state
func NewManual(online bool) *Manual {
	return &Manual{online: online, now: time.Now}
}

func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records the current state and publishes a transition if it
// changed. It reports whether a transition happened.
func (m *Manual) SetOnline(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return false
	}
	m.online = online
	if m.sub != nil {
		publish(m.sub, Event{Online: online, At: m.now()})
	}
	return true
}

func (m *Manual) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub != nil {
		close(m.sub)
	}
	ch := make(chan Event, 1)
	m.sub = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.sub == ch {
				close(ch)
				m.sub = nil
			}
		})
	}
}

// publish never blocks: a slow subscriber only sees the latest state
func publish(ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

var _ Monitor = (*Manual)(nil)
