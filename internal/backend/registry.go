package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/cellrun/internal/model"
)

// autoRouting is the preference order for the auto isolation mode. The first
// registered entry is the primary; the last is the degraded fallback.
var autoRouting = []string{
	model.IsolationFirecracker,
	model.IsolationVsock,
	model.IsolationProcess,
	model.IsolationInProcess,
}

// Factory creates a new, unstarted backend.
type Factory func() Backend

// BackendInfo pairs a registered name with its capabilities.
type BackendInfo struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Route is the resolved primary backend and, optionally, the fallback to use
// when the primary cannot start.
type Route struct {
	Primary     string
	Fallback    string
	newPrimary  Factory
	newFallback Factory
}

// NewPrimary creates a backend from the primary factory.
func (r Route) NewPrimary() Backend { return r.newPrimary() }

// NewFallback creates a backend from the fallback factory, or returns nil when
// the route has no fallback.
func (r Route) NewFallback() Backend {
	if r.newFallback == nil {
		return nil
	}
	return r.newFallback()
}

// Registry holds backend factories by isolation mode.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	caps      map[string]Capabilities
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		caps:      make(map[string]Capabilities),
	}
}

// Register adds a factory under the given isolation mode. Capabilities are
// probed once from an unstarted instance.
func (r *Registry) Register(name string, f Factory) {
	caps := f().Capabilities()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	r.caps[name] = caps
}

// Resolve returns the route for the given isolation mode. An explicit mode
// has no fallback. Auto uses the strongest registered isolation as primary and
// the in-process interpreter as fallback when that is registered and differs.
func (r *Registry) Resolve(isolation string) (Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if isolation != model.IsolationAuto {
		f, ok := r.factories[isolation]
		if !ok {
			return Route{}, fmt.Errorf("backend %q is not registered", isolation)
		}
		return Route{Primary: isolation, newPrimary: f}, nil
	}

	var route Route
	for _, name := range autoRouting {
		f, ok := r.factories[name]
		if !ok {
			continue
		}
		if route.newPrimary == nil {
			route.Primary, route.newPrimary = name, f
			continue
		}
		if name == model.IsolationInProcess {
			route.Fallback, route.newFallback = name, f
		}
	}
	if route.newPrimary == nil {
		return Route{}, fmt.Errorf("no backend registered for isolation %q", isolation)
	}
	return route, nil
}

// List returns information about all registered backends, sorted by name
// for a stable API response.
func (r *Registry) List() []BackendInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]BackendInfo, 0, len(r.caps))
	for name, caps := range r.caps {
		infos = append(infos, BackendInfo{Name: name, Capabilities: caps})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
