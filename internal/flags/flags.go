// Package flags defines the feature-flag provider consulted on every fetch.
package flags

import "sync"

// Global flag names.
const (
	RealData = "real_data"
	MockData = "mock_data"
	Cache    = "cache"
)

// Provider answers whether a named flag is on. Lookups must be cheap:
// callers read flags on every call and never cache the answer.
type Provider interface {
	Enabled(name string) bool
}

// Static is an in-memory Provider. Unknown flags are off.
type Static struct {
	mu    sync.RWMutex
	flags map[string]bool
}

// NewStatic creates a provider seeded with the given flags.
func NewStatic(initial map[string]bool) *Static {
	s := &Static{flags: make(map[string]bool, len(initial))}
	for k, v := range initial {
		s.flags[k] = v
	}
	return s
}

// Enabled implements Provider.
func (s *Static) Enabled(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags[name]
}

// Set changes a flag; the next lookup sees the new value.
func (s *Static) Set(name string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[name] = on
}
