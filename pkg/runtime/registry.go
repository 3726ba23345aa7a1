package runtime

import "sync"

// ServiceKey names one routable component in the registry.
type ServiceKey string

// Registry maps service keys to live component handles. Components address
// each other by entity id and key instead of holding direct references,
// which keeps aggregate packages free of cycles.
type Registry struct {
	mu       sync.RWMutex
	services map[ServiceKey]any
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[ServiceKey]any)}
}

// Register installs a service handle under the key, replacing any previous
// one.
func (r *Registry) Register(key ServiceKey, svc any) {
	r.mu.Lock()
	r.services[key] = svc
	r.mu.Unlock()
}

// Lookup returns the handle registered under the key.
func (r *Registry) Lookup(key ServiceKey) (any, bool) {
	r.mu.RLock()
	svc, ok := r.services[key]
	r.mu.RUnlock()
	return svc, ok
}

// Region returns the region registered under the key, or nil if the key is
// unknown or holds something else.
func (r *Registry) Region(key ServiceKey) *Region {
	svc, ok := r.Lookup(key)
	if !ok {
		return nil
	}
	region, _ := svc.(*Region)
	return region
}
