package secrets

import (
	"context"
	"fmt"
	"os"
)

// EnvBackend reads secrets from environment variables.
type EnvBackend struct {
	lookup func(string) (string, bool)
}

// NewEnvBackend creates a backend over the process environment.
func NewEnvBackend() *EnvBackend {
	return &EnvBackend{lookup: os.LookupEnv}
}

func (b *EnvBackend) Scheme() string { return SchemeEnv }

// Lookup returns the variable named path. Empty variables count as unset.
func (b *EnvBackend) Lookup(ctx context.Context, path string) (string, error) {
	v, ok := b.lookup(path)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: environment variable %s", ErrNotFound, path)
	}
	return v, nil
}
