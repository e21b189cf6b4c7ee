// Package plugin defines the file-format plugins that turn raw file
// bytes into tracked entities and back. A plugin owns a file format:
// it claims paths by glob, diffs two byte states into entity-level
// deltas, and renders a set of entities back into file bytes.
package plugin

import (
	"fmt"
	"sort"

	"github.com/gobwas/glob"
)

// Entity is one tracked unit inside a file, as materialized from
// history. Snapshot is the entity's content encoded by its plugin.
type Entity struct {
	EntityID  string
	SchemaKey string
	Snapshot  []byte
}

// EntityDelta is one entity-level difference between two file states.
// A nil Snapshot marks a deletion.
type EntityDelta struct {
	EntityID  string
	SchemaKey string
	Snapshot  []byte
}

// Deleted reports whether the delta removes the entity.
func (d EntityDelta) Deleted() bool {
	return d.Snapshot == nil
}

// Plugin turns file bytes into entities and back.
type Plugin interface {
	// Key identifies the plugin in change records.
	Key() string

	// Match reports whether the plugin handles the given path.
	Match(path string) bool

	// Diff computes entity deltas between two byte states. Either
	// side may be nil (file creation or deletion).
	Diff(before, after []byte) ([]EntityDelta, error)

	// Render reassembles file bytes from materialized entities.
	Render(entities []Entity) ([]byte, error)
}

// =============================================================================
// Registry
// =============================================================================

// Registry resolves paths to plugins. Registration order is the
// match order, first hit wins.
type Registry struct {
	plugins []Plugin
	byKey   map[string]Plugin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byKey: map[string]Plugin{}}
}

// DefaultRegistry returns a registry with the built-in plugins.
func DefaultRegistry() *Registry {
	registry := NewRegistry()
	_ = registry.Register(NewJSONPlugin(""))
	_ = registry.Register(NewCSVPlugin("", ""))
	_ = registry.Register(NewMarkdownPlugin(""))
	return registry
}

// Register adds a plugin. Keys must be unique.
func (r *Registry) Register(p Plugin) error {
	if _, exists := r.byKey[p.Key()]; exists {
		return fmt.Errorf("plugin %q already registered", p.Key())
	}
	r.plugins = append(r.plugins, p)
	r.byKey[p.Key()] = p
	return nil
}

// ForPath returns the first plugin matching the path, or nil when no
// plugin claims it. Unclaimed files are still stored, just untracked.
func (r *Registry) ForPath(path string) Plugin {
	for _, p := range r.plugins {
		if p.Match(path) {
			return p
		}
	}
	return nil
}

// Get returns a plugin by key.
func (r *Registry) Get(key string) (Plugin, bool) {
	p, ok := r.byKey[key]
	return p, ok
}

// Keys lists the registered plugin keys in match order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.plugins))
	for _, p := range r.plugins {
		keys = append(keys, p.Key())
	}
	return keys
}

// compileGlob panics on invalid patterns; built-in patterns are
// constants and config patterns are validated at load time.
func compileGlob(pattern string) glob.Glob {
	return glob.MustCompile(pattern, '/')
}

// ValidateGlob checks a config-supplied glob pattern.
func ValidateGlob(pattern string) error {
	_, err := glob.Compile(pattern, '/')
	return err
}

func sortEntities(entities []Entity) []Entity {
	sorted := make([]Entity, len(entities))
	copy(sorted, entities)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].EntityID < sorted[j].EntityID
	})
	return sorted
}
