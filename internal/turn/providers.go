package turn

import (
	"sync"

	"github.com/MrWong99/lensgate/pkg/provider/stt"
	"github.com/MrWong99/lensgate/pkg/types"
)

// ProviderSet holds the live STT providers keyed by their ID. The rebuilder
// replaces individual entries on config change while in-flight turns keep
// using the instance they looked up at entry.
type ProviderSet struct {
	mu        sync.RWMutex
	providers map[types.ProviderID]stt.Provider
}

// NewProviderSet creates an empty set.
func NewProviderSet() *ProviderSet {
	return &ProviderSet{providers: make(map[types.ProviderID]stt.Provider)}
}

// Get returns the provider registered under id.
func (s *ProviderSet) Get(id types.ProviderID) (stt.Provider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	return p, ok
}

// Set registers p under its own ID, replacing any previous instance.
func (s *ProviderSet) Set(p stt.Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.ID()] = p
}

// Remove drops the provider registered under id, if any.
func (s *ProviderSet) Remove(id types.ProviderID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.providers, id)
}

// IDs returns the IDs of all registered providers in unspecified order.
func (s *ProviderSet) IDs() []types.ProviderID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]types.ProviderID, 0, len(s.providers))
	for id := range s.providers {
		ids = append(ids, id)
	}
	return ids
}
