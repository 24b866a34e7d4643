package location

import (
	"fmt"
	"sync"
)

// registry tracks which test providers a backend has added and enabled, so
// every backend rejects fixes for providers it does not know about.
type registry struct {
	mu        sync.Mutex
	providers map[string]bool // name -> enabled
}

func newRegistry() *registry { return &registry{providers: make(map[string]bool)} }

func (r *registry) add(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already exists", name)
	}
	r.providers[name] = false
	return nil
}

func (r *registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; !exists {
		return fmt.Errorf("provider %q is not a test provider", name)
	}
	r.providers[name] = enabled
	return nil
}

func (r *registry) checkEnabled(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	enabled, exists := r.providers[name]
	if !exists {
		return fmt.Errorf("provider %q is not a test provider", name)
	}
	if !enabled {
		return fmt.Errorf("provider %q is disabled", name)
	}
	return nil
}

func (r *registry) remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; !exists {
		return fmt.Errorf("provider %q is not a test provider", name)
	}
	delete(r.providers, name)
	return nil
}

// providerEvent is published when a provider is added, toggled or removed.
type providerEvent struct {
	Provider     string        `json:"provider"`
	Event        string        `json:"event"` // added|enabled|disabled|removed
	Requirements *Requirements `json:"requirements,omitempty"`
}
