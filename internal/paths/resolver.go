// Package paths expands named directory prefixes in MCP server
// configuration. A servers file can say "cwd": "workspace:api" or pass
// "data:cache" as an argument, and the runtime resolves the prefix
// against the directories declared under paths: in config.yaml.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Resolver maps named prefixes to absolute directory paths. It is
// nil-safe: calling [Resolver.Resolve] on a nil *Resolver returns the
// input path unchanged, matching the nil-safe pattern used by the
// event bus.
type Resolver struct {
	prefixes map[string]string // "workspace:" -> "/abs/path/to/workspace"
	sorted   []string          // prefixes sorted by descending length
}

// New creates a Resolver from a prefix-to-directory map. Keys are
// prefix names without the trailing colon (e.g., "workspace", not
// "workspace:"). Home directory tildes (~) in values are expanded at
// construction time. Returns nil if the map is empty or nil.
func New(prefixes map[string]string) *Resolver {
	if len(prefixes) == 0 {
		return nil
	}
	m := make(map[string]string, len(prefixes))
	sorted := make([]string, 0, len(prefixes))
	for name, dir := range prefixes {
		key := name
		if !strings.HasSuffix(key, ":") {
			key += ":"
		}
		m[key] = filepath.Clean(expandHome(dir))
		sorted = append(sorted, key)
	}
	// Longer prefixes match first so "data:" cannot steal "database:".
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i]) > len(sorted[j])
	})
	return &Resolver{prefixes: m, sorted: sorted}
}

// Resolve expands a prefixed path. If no registered prefix matches,
// the original path is returned unchanged. A bare prefix returns the
// prefix root. A relative part that climbs out of the root with ".."
// is an error.
func (r *Resolver) Resolve(path string) (string, error) {
	if r == nil {
		return path, nil
	}
	for _, prefix := range r.sorted {
		rel, ok := strings.CutPrefix(path, prefix)
		if !ok {
			continue
		}
		base := r.prefixes[prefix]
		if rel == "" {
			return base, nil
		}
		full := filepath.Join(base, rel)
		if inner, err := filepath.Rel(base, full); err != nil || inner == ".." ||
			strings.HasPrefix(inner, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("path %q escapes %s", path, strings.TrimSuffix(prefix, ":"))
		}
		return full, nil
	}
	return path, nil
}

// ResolveAll resolves every element of list, returning a new slice.
// The first failure aborts.
func (r *Resolver) ResolveAll(list []string) ([]string, error) {
	if r == nil || len(list) == 0 {
		return list, nil
	}
	out := make([]string, len(list))
	for i, p := range list {
		resolved, err := r.Resolve(p)
		if err != nil {
			return nil, err
		}
		out[i] = resolved
	}
	return out, nil
}

// HasPrefix reports whether the path starts with a registered prefix.
func (r *Resolver) HasPrefix(path string) bool {
	if r == nil {
		return false
	}
	for _, prefix := range r.sorted {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Prefixes returns the registered prefix names sorted alphabetically,
// without trailing colons.
func (r *Resolver) Prefixes() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.prefixes))
	for prefix := range r.prefixes {
		names = append(names, strings.TrimSuffix(prefix, ":"))
	}
	sort.Strings(names)
	return names
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
