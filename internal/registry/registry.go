package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
)

// scopePattern is the closed set of permission scope shapes a manifest may
// declare: filesystem:read|write:<area>, system:exec:<area>,
// network:http:<area>, or a domain-specific "group:name" scope.
var scopePattern = regexp.MustCompile(`^(filesystem:(read|write):[A-Za-z0-9_\-./*]+|system:exec:[A-Za-z0-9_\-./*]+|network:http:[A-Za-z0-9_\-./*]+|[a-z][a-z0-9_]*:[A-Za-z0-9_\-./*:]+)$`)

// Registry is a thread-safe, in-memory catalog of tool manifests, keyed by
// name. Manifests are immutable once registered; re-registering a name
// replaces the previous manifest.
type Registry struct {
	mu        sync.RWMutex
	manifests map[string]ToolManifest
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{manifests: make(map[string]ToolManifest)}
}

// Register validates and adds manifest to the registry, replacing any
// existing manifest with the same name.
func (r *Registry) Register(manifest ToolManifest) error {
	if err := validate(manifest); err != nil {
		return fmt.Errorf("registry: invalid manifest %q: %w", manifest.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifests[manifest.Name] = manifest
	return nil
}

// Get returns the manifest registered under name.
func (r *Registry) Get(name string) (ToolManifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.manifests[name]
	return m, ok
}

// List returns every registered manifest, sorted by name.
func (r *Registry) List() []ToolManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolManifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetSchemasForPlanner returns the compact, planner-facing catalog: name,
// description, schemas, and required permissions for every registered
// tool, sorted by name.
func (r *Registry) GetSchemasForPlanner() []CatalogEntry {
	manifests := r.List()
	out := make([]CatalogEntry, 0, len(manifests))
	for _, m := range manifests {
		out = append(out, CatalogEntry{
			Name:         m.Name,
			Description:  m.Description,
			InputSchema:  m.InputSchema,
			OutputSchema: m.OutputSchema,
			Permissions:  m.Permissions,
		})
	}
	return out
}

// LoadFromDirectory reads every *.json file in dir in lexicographic order
// by file name and registers each as a ToolManifest. A manifest defined
// later in the lexicographic order replaces one with the same name
// defined earlier.
func (r *Registry) LoadFromDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("registry: read dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("registry: read manifest %s: %w", path, err)
		}
		var m ToolManifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("registry: parse manifest %s: %w", path, err)
		}
		if err := r.Register(m); err != nil {
			return fmt.Errorf("registry: register manifest %s: %w", path, err)
		}
	}
	return nil
}

// validate enforces the invariants spec.md §4.B attaches to a
// ToolManifest: a non-empty unique name, a closed set of permission scope
// strings, and mock support implying at least one deterministic mock
// response.
func validate(m ToolManifest) error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	for _, scope := range m.Permissions {
		if !scopePattern.MatchString(scope) {
			return fmt.Errorf("permission scope %q does not match a known pattern", scope)
		}
	}
	if m.Supports.Mock && len(m.MockResponses) == 0 {
		return fmt.Errorf("supports.mock is true but no mock_responses are declared")
	}
	return nil
}
