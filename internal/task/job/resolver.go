package job

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrEmptyRef = errors.New("job reference is empty")
)

// Resolver turns a named reference into something callable.
type Resolver interface {
	Lookup(path string) (Func, error)
}

// Resolve returns the function behind r. Direct references never touch res.
func Resolve(res Resolver, r Ref) (Func, error) {
	switch r.kind {
	case KindDirect:
		return r.fn, nil
	case KindNamed:
		if res == nil {
			return nil, fmt.Errorf("resolve %q: %w", r.path, ErrNotFound)
		}
		fn, err := res.Lookup(r.path)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", r.path, err)
		}
		return fn, nil
	default:
		return nil, ErrEmptyRef
	}
}

// Registry maps names/paths to functions. Lookups try the exact path first, then the
// base name without extension, then the fallback resolver (if any).
type Registry struct {
	mu       sync.RWMutex
	funcs    map[string]Func
	fallback Resolver
}

func NewRegistry() *Registry {
	return &Registry{funcs: map[string]Func{}}
}

// SetFallback installs a resolver consulted when nothing is registered under a path.
func (r *Registry) SetFallback(res Resolver) {
	r.mu.Lock()
	r.fallback = res
	r.mu.Unlock()
}

// Register adds (or replaces) fn under name.
func (r *Registry) Register(name string, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("register: name required")
	}
	if fn == nil {
		return fmt.Errorf("register %q: nil func", name)
	}
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
	return nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.funcs))
	for k := range r.funcs {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) Lookup(path string) (Func, error) {
	r.mu.RLock()
	fn, ok := r.funcs[path]
	if !ok {
		if base := Named(path).DerivedName(); base != "" {
			fn, ok = r.funcs[base]
		}
	}
	fb := r.fallback
	r.mu.RUnlock()

	if ok {
		return fn, nil
	}
	if fb != nil {
		return fb.Lookup(path)
	}
	return nil, ErrNotFound
}

// Has reports whether path would resolve without running the fallback command lookup.
func (r *Registry) Has(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.funcs[path]; ok {
		return true
	}
	_, ok := r.funcs[Named(path).DerivedName()]
	return ok
}

// isExecutable reports whether path is a regular file with an exec bit.
func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	return fi.Mode().Perm()&0o111 != 0
}
