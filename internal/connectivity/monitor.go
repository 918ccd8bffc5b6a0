// Package connectivity tracks whether the sync backend is reachable and fans
// status transitions out to subscribers.
package connectivity

import (
	"context"
	"sync"
	"time"
)

// Status is the last observed reachability of the backend.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Event describes one status transition.
type Event struct {
	Previous  Status
	Current   Status
	Timestamp time.Time
}

// Reconnected reports whether the event is a transition into online.
func (e Event) Reconnected() bool {
	return e.Current == StatusOnline && e.Previous != StatusOnline
}

// Monitor records status and notifies subscribers on every change.
type Monitor struct {
	mu          sync.RWMutex
	status      Status
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
	watchers    sync.WaitGroup
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewMonitor constructs a Monitor in the unknown state.
func NewMonitor() *Monitor {
	return &Monitor{
		status:      StatusUnknown,
		subscribers: make(map[int64]*subscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

// Status returns the most recently recorded status.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Subscribe registers a stream of transitions. The subscription ends when ctx
// is cancelled or the returned cleanup is called.
func (m *Monitor) Subscribe(ctx context.Context) (<-chan Event, func()) {
	sub := &subscriber{stream: make(chan Event, m.bufferSize)}

	m.mu.Lock()
	m.nextID++
	sub.id = m.nextID
	m.subscribers[sub.id] = sub
	m.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, sub.id)
			m.mu.Unlock()
			close(done)
		})
	}
	m.watchers.Add(1)
	go func() {
		defer m.watchers.Done()
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return sub.stream, cleanup
}

// SetStatus records status and publishes an event when it differs from the
// previous one. Slow subscribers miss events rather than block the caller.
func (m *Monitor) SetStatus(status Status) {
	m.mu.Lock()
	previous := m.status
	if previous == status {
		m.mu.Unlock()
		return
	}
	m.status = status
	event := Event{Previous: previous, Current: status, Timestamp: m.clock().UTC()}
	copies := make([]*subscriber, 0, len(m.subscribers))
	for _, sub := range m.subscribers {
		copies = append(copies, sub)
	}
	m.mu.Unlock()

	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}
