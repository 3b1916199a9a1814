// Package secrets resolves secret references in configuration.
//
// A reference names where a value lives rather than the value itself:
//
//	env:GITHUB_TOKEN            environment variable
//	op:Portal Database/url      field "url" of 1Password item "Portal Database"
//
// Strings without a known scheme are returned unchanged, so plain values can
// be used wherever a reference is accepted.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned when a referenced secret does not exist.
	ErrNotFound = errors.New("secret not found")

	// ErrNoBackend is returned for a scheme without a configured backend.
	ErrNoBackend = errors.New("no backend for secret scheme")
)

// Reference schemes.
const (
	SchemeEnv         = "env"
	SchemeOnePassword = "op"
)

// Backend looks up secrets of one scheme.
type Backend interface {
	// Scheme returns the reference prefix this backend serves.
	Scheme() string

	// Lookup returns the secret at path (the reference without its scheme).
	Lookup(ctx context.Context, path string) (string, error)
}

// ParseRef splits a reference into scheme and path. ok is false for plain
// values.
func ParseRef(ref string) (scheme, path string, ok bool) {
	scheme, path, found := strings.Cut(ref, ":")
	if !found || path == "" {
		return "", "", false
	}
	switch scheme {
	case SchemeEnv, SchemeOnePassword:
		return scheme, path, true
	}
	return "", "", false
}

// Resolver dispatches references to backends and caches results.
type Resolver struct {
	backends map[string]Backend

	mu    sync.RWMutex
	cache map[string]string
}

// NewResolver creates a resolver over backends.
func NewResolver(backends ...Backend) *Resolver {
	r := &Resolver{
		backends: make(map[string]Backend, len(backends)),
		cache:    make(map[string]string),
	}
	for _, b := range backends {
		r.backends[b.Scheme()] = b
	}
	return r
}

// HasBackend reports whether scheme can be resolved.
func (r *Resolver) HasBackend(scheme string) bool {
	_, ok := r.backends[scheme]
	return ok
}

// Resolve returns the value ref points to, or ref itself when it is a
// plain value.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, path, ok := ParseRef(ref)
	if !ok {
		return ref, nil
	}

	r.mu.RLock()
	if v, ok := r.cache[ref]; ok {
		r.mu.RUnlock()
		return v, nil
	}
	r.mu.RUnlock()

	backend, ok := r.backends[scheme]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoBackend, scheme)
	}

	v, err := backend.Lookup(ctx, path)
	if err != nil {
		return "", fmt.Errorf("resolving %s reference %q: %w", scheme, path, err)
	}

	r.mu.Lock()
	r.cache[ref] = v
	r.mu.Unlock()
	return v, nil
}
