// Package capacity tracks instance types the provider recently rejected
// for lack of capacity or bad parameters.
package capacity

import (
	"sort"
	"sync"
	"time"
)

// DefaultWindow is how long a rejected type is skipped
const DefaultWindow = 24 * time.Hour

// Backoff maps an instance type to the last time a request for it failed
type Backoff struct {
	window time.Duration

	mu       sync.RWMutex
	failures map[string]time.Time
	dirty    bool
}

// NewBackoff returns an empty table. A window <= 0 means DefaultWindow.
func NewBackoff(window time.Duration) *Backoff {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Backoff{window: window, failures: make(map[string]time.Time)}
}

// Window returns the backoff window
func (b *Backoff) Window() time.Duration {
	return b.window
}

// Record notes a failure for instanceType at t. Older records never
// replace newer ones.
func (b *Backoff) Record(instanceType string, t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if last, ok := b.failures[instanceType]; ok && !t.After(last) {
		return
	}
	b.failures[instanceType] = t
	b.dirty = true
}

// Load merges persisted records into the table without marking it dirty
func (b *Backoff) Load(records map[string]time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, t := range records {
		if last, ok := b.failures[k]; !ok || t.After(last) {
			b.failures[k] = t
		}
	}
}

// LastFailure returns when instanceType last failed
func (b *Backoff) LastFailure(instanceType string) (time.Time, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.failures[instanceType]
	return t, ok
}

// Blocked reports whether instanceType failed within the window before now
func (b *Backoff) Blocked(instanceType string, now time.Time) bool {
	t, ok := b.LastFailure(instanceType)
	return ok && now.Sub(t) < b.window
}

// Snapshot returns a copy of the table
func (b *Backoff) Snapshot() map[string]time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]time.Time, len(b.failures))
	for k, t := range b.failures {
		out[k] = t
	}
	return out
}

// Types returns the recorded instance types in order
func (b *Backoff) Types() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.failures))
	for k := range b.failures {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Dirty reports whether Record changed the table since the last MarkSaved
func (b *Backoff) Dirty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dirty
}

// MarkSaved clears the dirty flag
func (b *Backoff) MarkSaved() {
	b.mu.Lock()
	b.dirty = false
	b.mu.Unlock()
}
