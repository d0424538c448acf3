// Package ratelimit provides a sliding-window request limiter keyed by client
// address.
//
// The limiter reads its per-minute limit through a callback on every check, so
// a configuration update takes effect on the next request without any explicit
// reload step. Expired windows are pruned by a background ticker and, as a
// hard cap, eagerly whenever the window map grows past [MaxTrackedKeys].
package ratelimit

import (
	"sync"
	"time"
)

// Window is the fixed sliding-window length.
const Window = time.Minute

// MaxTrackedKeys bounds the window map between prune ticks. When an insert
// pushes the map past this size, a synchronous prune runs immediately.
const MaxTrackedKeys = 10000

// defaultPruneInterval is how often the background pruner runs.
const defaultPruneInterval = time.Minute

type window struct {
	count   int
	resetAt time.Time
}

// Limiter is a sliding-window counter. It is safe for concurrent use.
type Limiter struct {
	limit func() int
	now   func() time.Time

	mu      sync.Mutex
	windows map[string]*window

	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a [Limiter].
type Option func(*Limiter)

// WithClock replaces the wall clock. Used by tests to advance virtual time.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a Limiter whose per-minute limit is read from limit on every
// check. A background goroutine prunes expired windows every minute; call
// [Limiter.Destroy] to stop it.
func New(limit func() int, opts ...Option) *Limiter {
	l := &Limiter{
		limit:   limit,
		now:     time.Now,
		windows: make(map[string]*window),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.pruneLoop()
	return l
}

// Allow records one request for key and reports whether it is within the
// current limit. The first request of a fresh window always passes.
func (l *Limiter) Allow(key string) bool {
	limit := l.limit()
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(Window)}
		if len(l.windows) > MaxTrackedKeys {
			l.pruneLocked(now)
		}
		return true
	}

	w.count++
	return w.count <= limit
}

// Prune removes every window whose reset time has passed.
func (l *Limiter) Prune() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)
}

func (l *Limiter) pruneLocked(now time.Time) {
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
		}
	}
}

// Destroy stops the background pruner. Safe to call more than once.
func (l *Limiter) Destroy() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
}

// TrackedKeys returns the number of live windows. Intended for tests and
// debug surfaces.
func (l *Limiter) TrackedKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func (l *Limiter) pruneLoop() {
	ticker := time.NewTicker(defaultPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}
