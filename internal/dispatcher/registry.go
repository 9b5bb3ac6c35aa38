// Package dispatcher implements the VFS dispatcher: longest-prefix
// routing across registered backends, the virtual descriptor table, and
// translation of backend errors into host error codes.
package dispatcher

import (
	"sort"
	"strings"
	"sync"

	"github.com/stefanwerfling/njsfscrypt/internal/backend"
	"github.com/stefanwerfling/njsfscrypt/internal/vfserr"
)

// route is one (prefix, backend) registration.
type route struct {
	prefix  string
	backend backend.Backend
}

// Registry resolves a mount-relative path to the backend with the longest
// matching anchored prefix (spec.md §4.4).
type Registry struct {
	mu     sync.RWMutex
	routes []route
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register records prefix -> b and calls b.Init() exactly once. Init's
// failure (typically not-a-directory) aborts registration.
func (r *Registry) Register(prefix string, b backend.Backend) error {
	prefix = normalizePrefix(prefix)
	if err := b.Init(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{prefix: prefix, backend: b})
	sort.SliceStable(r.routes, func(i, j int) bool {
		return len(r.routes[i].prefix) > len(r.routes[j].prefix)
	})
	return nil
}

func normalizePrefix(prefix string) string {
	if prefix == "" {
		return "/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if prefix != "/" {
		prefix = strings.TrimSuffix(prefix, "/")
	}
	return prefix
}

// Resolve finds the backend whose prefix matches path most specifically
// and returns it alongside the backend-relative remainder of path. It
// fails with vfserr.NoBackend if nothing matches.
func (r *Registry) Resolve(path string) (backend.Backend, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.routes {
		if rel, ok := matchPrefix(rt.prefix, path); ok {
			return rt.backend, rel, nil
		}
	}
	return nil, "", vfserr.New(vfserr.NoBackend, "resolve", path, nil)
}

// matchPrefix reports whether path falls under prefix, returning the
// backend-relative remainder (re-prepended with "/" if stripping would
// otherwise produce an empty string).
func matchPrefix(prefix, path string) (string, bool) {
	if prefix == "/" {
		return withLeadingSlash(path), true
	}
	if path == prefix {
		return "/", true
	}
	if strings.HasPrefix(path, prefix+"/") {
		return withLeadingSlash(strings.TrimPrefix(path, prefix)), true
	}
	return "", false
}

func withLeadingSlash(s string) string {
	if s == "" {
		return "/"
	}
	if !strings.HasPrefix(s, "/") {
		return "/" + s
	}
	return s
}
