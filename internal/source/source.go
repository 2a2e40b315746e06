// Package source defines the named external systems dataplane can fetch from.
package source

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Source identifies one external system.
type Source string

const (
	Warehouse   Source = "warehouse"
	CRM         Source = "crm"
	Gong        Source = "gong"
	Slack       Source = "slack"
	VectorStore Source = "vector"
	CacheStore  Source = "cache"
)

// ErrUnknown is returned by Parse for names outside the enumeration.
var ErrUnknown = errors.New("unknown source")

var all = []Source{Warehouse, CRM, Gong, Slack, VectorStore, CacheStore}

// defaultTTLs is how long a successful fetch from each source stays cached.
var defaultTTLs = map[Source]time.Duration{
	Warehouse:   time.Hour,
	CRM:         15 * time.Minute,
	Gong:        30 * time.Minute,
	Slack:       time.Minute,
	VectorStore: 10 * time.Minute,
	CacheStore:  5 * time.Minute,
}

// All returns every known source in a stable order.
func All() []Source {
	out := make([]Source, len(all))
	copy(out, all)
	return out
}

// Parse converts a case-insensitive name into a Source.
func Parse(name string) (Source, error) {
	s := Source(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range all {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknown, name)
}

// DefaultTTL returns the static cache TTL for s, or one minute for anything unlisted.
func DefaultTTL(s Source) time.Duration {
	if ttl, ok := defaultTTLs[s]; ok {
		return ttl
	}
	return time.Minute
}

// FlagName is the feature flag that enables calls to s.
func (s Source) FlagName() string {
	return "source." + string(s)
}

func (s Source) String() string {
	return string(s)
}
