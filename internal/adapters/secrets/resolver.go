package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/eleven-am/loom/internal/domain"
)

// Resolver reads secrets from the process environment using the *_FILE
// convention: NAME_FILE points at a file holding the value and takes
// precedence over NAME. Values set through Set win over both.
type Resolver struct {
	prefix string
	logger *slog.Logger

	mu     sync.RWMutex
	static map[string]string
}

func NewResolver(prefix string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{
		prefix: prefix,
		logger: logger.With("component", "secret-resolver"),
		static: make(map[string]string),
	}
}

// Set registers a fixed value for name.
func (r *Resolver) Set(name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.static[name] = value
}

func (r *Resolver) Resolve(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if name == "" {
		return "", fmt.Errorf("%w: secret name is empty", domain.ErrInvalidInput)
	}

	r.mu.RLock()
	value, ok := r.static[name]
	r.mu.RUnlock()
	if ok {
		return value, nil
	}

	envName := r.envName(name)
	fileEnv := envName + "_FILE"
	if path := os.Getenv(fileEnv); path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read secret from %s=%s: %w", fileEnv, path, err)
		}
		return strings.TrimSpace(string(content)), nil
	}

	if value, ok := os.LookupEnv(envName); ok {
		return value, nil
	}

	r.logger.Debug("secret not found", "secret", name, "env", envName)
	return "", fmt.Errorf("%w: secret %s", domain.ErrNotFound, name)
}

// envName maps a secret name such as "openai.api-key" to OPENAI_API_KEY,
// prefixed when the resolver has a prefix.
func (r *Resolver) envName(name string) string {
	upper := strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z':
			return c - 'a' + 'A'
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			return c
		default:
			return '_'
		}
	}, name)

	if r.prefix == "" {
		return upper
	}
	return strings.TrimSuffix(strings.ToUpper(r.prefix), "_") + "_" + upper
}
