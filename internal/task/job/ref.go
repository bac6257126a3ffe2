package job

import (
	"context"
	"path/filepath"
	"strings"
	"time"
)

// Func is the body of a job. data is the payload given at submission time.
type Func func(ctx context.Context, data any) error

type Kind int

const (
	KindNone Kind = iota
	KindDirect
	KindNamed
)

// IdentityFunction is reported as the identity of direct references.
const IdentityFunction = "function"

// Ref points at a task: either a function value or a path resolved at run time.
// The zero Ref is invalid.
type Ref struct {
	kind Kind
	fn   Func
	path string
}

// Direct references a function.
func Direct(fn Func) Ref {
	if fn == nil {
		return Ref{}
	}
	return Ref{kind: KindDirect, fn: fn}
}

// DirectFunc adapts a function without a payload.
func DirectFunc(fn func(ctx context.Context) error) Ref {
	if fn == nil {
		return Ref{}
	}
	return Direct(func(ctx context.Context, _ any) error { return fn(ctx) })
}

// Named references a task by path (a registry key or an executable file).
func Named(path string) Ref {
	path = strings.TrimSpace(path)
	if path == "" {
		return Ref{}
	}
	return Ref{kind: KindNamed, path: path}
}

func (r Ref) IsZero() bool { return r.kind == KindNone }
func (r Ref) Kind() Kind   { return r.kind }
func (r Ref) Path() string { return r.path }

// Identity is "function" for direct references and the path for named ones.
func (r Ref) Identity() string {
	if r.kind == KindNamed {
		return r.path
	}
	return IdentityFunction
}

// DerivedName is the base file name of a named reference without its extension.
// Direct references have no derived name.
func (r Ref) DerivedName() string {
	if r.kind != KindNamed {
		return ""
	}
	base := filepath.Base(r.path)
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (r Ref) String() string { return r.Identity() }

// Meta describes the execution a job body is running in.
type Meta struct {
	Name      string
	ContextID string
	FiredAt   time.Time
}

type metaKey struct{}

func WithMeta(ctx context.Context, m Meta) context.Context {
	return context.WithValue(ctx, metaKey{}, m)
}

// MetaFrom returns the metadata attached by the execution context, if any.
func MetaFrom(ctx context.Context) (Meta, bool) {
	m, ok := ctx.Value(metaKey{}).(Meta)
	return m, ok
}
