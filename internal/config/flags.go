package config

import (
	"log/slog"
	"sync"

	"dataplane/internal/flags"
	"dataplane/internal/source"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Flags serves feature flags from the "features" section of the configuration.
// Lookups read a snapshot that Watch refreshes whenever the config file changes,
// so an edited flag takes effect on the next fetch.
type Flags struct {
	v *viper.Viper

	mu      sync.RWMutex
	current map[string]bool
}

func newFlags(v *viper.Viper) *Flags {
	f := &Flags{v: v}
	f.reload()
	return f
}

// Enabled implements flags.Provider. Unknown names are off.
func (f *Flags) Enabled(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current[name]
}

// Snapshot returns a copy of the current flag values.
func (f *Flags) Snapshot() map[string]bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]bool, len(f.current))
	for k, v := range f.current {
		out[k] = v
	}
	return out
}

// Watch reloads flags when the config file changes. It is a no-op when no
// file was loaded.
func (f *Flags) Watch(logger *slog.Logger) {
	if f.v.ConfigFileUsed() == "" {
		return
	}
	f.v.OnConfigChange(func(e fsnotify.Event) {
		f.reload()
		logger.Info("feature flags reloaded", "file", e.Name, "flags", f.Snapshot())
	})
	f.v.WatchConfig()
}

func (f *Flags) reload() {
	names := []string{flags.RealData, flags.MockData, flags.Cache}
	for _, src := range source.All() {
		names = append(names, src.FlagName())
	}

	next := make(map[string]bool, len(names))
	for _, name := range names {
		next[name] = f.v.GetBool("features." + name)
	}

	f.mu.Lock()
	f.current = next
	f.mu.Unlock()
}
