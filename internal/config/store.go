package config

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Listener observes applied config updates. It receives the patch that was
// applied and the post-merge snapshot. A returned error is logged and
// suppressed; it never stops later listeners.
type Listener func(patch *Patch, cfg *GatewayConfig) error

// Store is the process-wide holder of the current [GatewayConfig] snapshot.
// Reads are lock-free; updates are serialized, and listener fan-out happens
// inside the update critical section so concurrent updates never interleave
// their notifications.
type Store struct {
	current atomic.Pointer[GatewayConfig]
	log     *slog.Logger

	mu        sync.Mutex
	listeners []Listener
}

// NewStore creates a Store seeded with cfg.
func NewStore(cfg *GatewayConfig, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{log: log}
	s.current.Store(cfg)
	return s
}

// Get returns the current snapshot. Callers must treat it as immutable.
func (s *Store) Get() *GatewayConfig {
	return s.current.Load()
}

// GetSafe returns the current snapshot with secrets masked.
func (s *Store) GetSafe() *GatewayConfig {
	return s.Get().Safe()
}

// OnChange registers a listener. Listeners run in registration order on every
// update and are never de-registered.
func (s *Store) OnChange(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Update deep-merges patch into the current snapshot, atomically publishes
// the result, and notifies every listener in registration order. Readers
// observe either the pre-update or the fully merged snapshot, never a
// partial state.
func (s *Store) Update(patch *Patch) *GatewayConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := patch.ApplyTo(s.current.Load())
	s.current.Store(next)

	for _, l := range s.listeners {
		s.notify(l, patch, next)
	}
	return next
}

// notify shields the update from misbehaving listeners: errors and panics are
// logged and swallowed so later listeners still run.
func (s *Store) notify(l Listener, patch *Patch, cfg *GatewayConfig) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("config listener panicked", "panic", r)
		}
	}()
	if err := l(patch, cfg); err != nil {
		s.log.Error("config listener failed", "error", err)
	}
}
