package telemetry

import (
	"maps"
	"sort"
	"sync"
)

// Registry indexes the monitors of one host by type and id.
// It is protected by a mutex for concurrent access.
type Registry struct {
	mu       sync.RWMutex
	monitors map[string]map[string]*Monitor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		monitors: make(map[string]map[string]*Monitor),
	}
}

// FindMonitorsByType returns a copy of the id index of one monitor type.
// The monitors themselves are shared.
func (r *Registry) FindMonitorsByType(monitorType string) map[string]*Monitor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.monitors[monitorType])
}

// SortedMonitors returns the monitors of one type ordered by id.
func (r *Registry) SortedMonitors(monitorType string) []*Monitor {
	r.mu.RLock()
	byID := r.monitors[monitorType]
	out := make([]*Monitor, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// FindMonitor retrieves a monitor by type and id.
func (r *Registry) FindMonitor(monitorType, id string) (*Monitor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.monitors[monitorType][id]
	return m, ok
}

// AddOrUpdate returns the monitor with the given type and id, creating it
// when needed, and merges attrs into its attributes.
func (r *Registry) AddOrUpdate(monitorType, id string, attrs map[string]string) *Monitor {
	r.mu.Lock()
	byID, ok := r.monitors[monitorType]
	if !ok {
		byID = make(map[string]*Monitor)
		r.monitors[monitorType] = byID
	}
	m, ok := byID[id]
	if !ok {
		m = NewMonitor(monitorType, id)
		byID[id] = m
	}
	r.mu.Unlock()

	if len(attrs) > 0 {
		m.AddAttributes(attrs)
	}
	return m
}

// SaveMetrics shifts current values to previous values on every monitor.
func (r *Registry) SaveMetrics() {
	for _, m := range r.all() {
		m.Save()
	}
}

// All returns every monitor ordered by type then id.
func (r *Registry) All() []*Monitor {
	out := r.all()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type() != out[j].Type() {
			return out[i].Type() < out[j].Type()
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

func (r *Registry) all() []*Monitor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Monitor
	for _, byID := range r.monitors {
		for _, m := range byID {
			out = append(out, m)
		}
	}
	return out
}

// Count returns the number of monitors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, byID := range r.monitors {
		n += len(byID)
	}
	return n
}

// CountByType returns the number of monitors of one type.
func (r *Registry) CountByType(monitorType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.monitors[monitorType])
}

// Types returns the monitor types present, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.monitors))
	for t, byID := range r.monitors {
		if len(byID) > 0 {
			types = append(types, t)
		}
	}
	sort.Strings(types)
	return types
}
