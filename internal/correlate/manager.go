package correlate

import (
	"fmt"
	"sort"

	"emalign/internal/tools"
)

// Auto selects the first available engine in registration order.
const Auto = "auto"

// Manager is a registry of correlation engines.
type Manager struct {
	engines map[string]Engine
	order   []string
}

// NewManager registers the external swim engine ahead of the native one.
func NewManager(tm *tools.Manager) *Manager {
	m := &Manager{engines: make(map[string]Engine)}
	if tm != nil {
		m.Register(NewSwim(tm))
	}
	m.Register(Native{})
	return m
}

// Register adds or replaces an engine. New names go to the back of the
// priority order.
func (m *Manager) Register(e Engine) {
	if e == nil {
		return
	}
	if m.engines == nil {
		m.engines = make(map[string]Engine)
	}
	if _, exists := m.engines[e.Name()]; !exists {
		m.order = append(m.order, e.Name())
	}
	m.engines[e.Name()] = e
}

// Names lists registered engines alphabetically.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.engines))
	for n := range m.engines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Select returns the preferred engine, or with "auto" (or "") the first
// available one by priority.
func (m *Manager) Select(preference string) (Engine, error) {
	if preference != "" && preference != Auto {
		e, ok := m.engines[preference]
		if !ok {
			return nil, fmt.Errorf("unknown correlation engine %q (have %v)", preference, m.Names())
		}
		if !e.Available() {
			return nil, fmt.Errorf("correlation engine %q is not available", preference)
		}
		return e, nil
	}
	for _, name := range m.order {
		if e := m.engines[name]; e.Available() {
			return e, nil
		}
	}
	return nil, fmt.Errorf("no correlation engine available")
}
