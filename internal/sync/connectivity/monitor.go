// Package connectivity tracks whether the sync server is reachable and
// notifies subscribers on online/offline transitions.
package connectivity

import (
	"sync"
)

// Event is a connectivity transition.
type Event int

const (
	BecameOnline Event = iota + 1
	BecameOffline
)

func (e Event) String() string {
	switch e {
	case BecameOnline:
		return "online"
	case BecameOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// subscriberBuffer is how many undelivered events a subscriber may hold
// before further events to it are dropped.
const subscriberBuffer = 8

// Monitor holds the current online state and fans out transitions.
// Publishing never blocks: a subscriber whose buffer is full misses events.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewMonitor creates a Monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online: online,
		subs:   make(map[int]chan Event),
	}
}

// IsOnline reports the last known state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set records the current state. Subscribers are notified only when the
// state actually changes.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.online == online {
		return
	}
	m.online = online

	ev := BecameOffline
	if online {
		ev = BecameOnline
	}
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of transitions and a cancel func that
// unsubscribes and closes the channel. Cancel is safe to call twice.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if m.closed {
		close(ch)
		return ch, func() {}
	}

	id := m.nextID
	m.nextID++
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if sub, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(sub)
			}
		})
	}
}

// Close closes every subscription. Later Set calls are ignored.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}
