package reachability

import (
	"sync"

	"github.com/vertextoedge/offline-media-cache/internal/port"
)

// Manual is a Reachability whose status is set by the caller.
// It backs tests and deployments that know their link state up front.
type Manual struct {
	mu     sync.Mutex
	status port.PathStatus
	subs   map[int]chan port.PathStatus
	nextID int
}

// Ensure Manual implements port.Reachability
var _ port.Reachability = (*Manual)(nil)

// NewManual creates a Manual observer with an initial status
func NewManual(initial port.PathStatus) *Manual {
	return &Manual{
		status: initial,
		subs:   make(map[int]chan port.PathStatus),
	}
}

// Current returns the latest status
func (m *Manual) Current() port.PathStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Set publishes a new status to every subscriber if it differs from the
// current one
func (m *Manual) Set(status port.PathStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if status == m.status {
		return
	}
	m.status = status
	for _, ch := range m.subs {
		publish(ch, status)
	}
}

// SetInterface changes the interface hint, keeping the satisfied flag.
// Used when the configured link type is edited at runtime.
func (m *Manual) SetInterface(iface port.InterfaceType) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if iface == m.status.Interface {
		return
	}
	m.status.Interface = iface
	for _, ch := range m.subs {
		publish(ch, m.status)
	}
}

// Subscribe returns a channel of status changes
func (m *Manual) Subscribe() (<-chan port.PathStatus, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan port.PathStatus, 1)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

// publish delivers the latest status without blocking. A slow subscriber
// only ever misses intermediate states, never the newest one.
func publish(ch chan port.PathStatus, status port.PathStatus) {
	for {
		select {
		case ch <- status:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
