package secrets

import (
	"fmt"
	"log/slog"
	"os"
)

// Config holds configuration for the secret backends.
type Config struct {
	// Backend selects the backends: "env", "1password", or "auto".
	// "auto" (default) adds 1Password when Connect is configured.
	// The environment backend is always available.
	Backend string

	OnePassword OnePasswordConfig
}

// ConfigFromEnv creates a Config from environment variables.
func ConfigFromEnv() Config {
	return Config{
		Backend: getEnv("PORTALHEALTH_SECRETS_BACKEND", "auto"),
		OnePassword: OnePasswordConfig{
			Host:    os.Getenv("OP_CONNECT_HOST"),
			Token:   os.Getenv("OP_CONNECT_TOKEN"),
			VaultID: os.Getenv("OP_VAULT_ID"),
		},
	}
}

// New creates a Resolver based on configuration.
func New(cfg Config, logger *slog.Logger) (*Resolver, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}

	env := NewEnvBackend()

	switch backend {
	case "env":
		return NewResolver(env), nil

	case "1password":
		op, err := NewOnePasswordBackend(cfg.OnePassword, logger)
		if err != nil {
			return nil, err
		}
		return NewResolver(env, op), nil

	case "auto":
		if cfg.OnePassword.Host == "" && cfg.OnePassword.Token == "" {
			logger.Debug("1Password Connect not configured, resolving env references only")
			return NewResolver(env), nil
		}
		op, err := NewOnePasswordBackend(cfg.OnePassword, logger)
		if err != nil {
			logger.Warn("failed to initialize 1Password, resolving env references only", "error", err)
			return NewResolver(env), nil
		}
		return NewResolver(env, op), nil

	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
