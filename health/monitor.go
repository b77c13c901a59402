package health

import (
	"slices"
	"sync"
	"time"
)

// Monitor keeps the last status reported by each named component. It is safe
// for concurrent use.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{statuses: make(map[string]Status)}
}

// Update records status under name
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[name] = status
}

// Get retrieves the status of a named component
func (m *Monitor) Get(name string) (Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, ok := m.statuses[name]
	if !ok {
		return Status{}, ErrNoStatus
	}
	return status, nil
}

// Remove stops tracking a component
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
}

// Components returns the tracked names, sorted
func (m *Monitor) Components() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.statuses))
	for name := range m.statuses {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// AggregateHealth returns the aggregate of every tracked status, ordered by name
func (m *Monitor) AggregateHealth(systemName string) Status {
	names := m.Components()

	m.mu.RLock()
	subs := make([]Status, 0, len(names))
	for _, name := range names {
		if s, ok := m.statuses[name]; ok {
			subs = append(subs, s)
		}
	}
	m.mu.RUnlock()

	return Aggregate(systemName, subs)
}
