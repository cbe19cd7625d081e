package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"github.com/eleven-am/loom/internal/domain"
	"github.com/eleven-am/loom/internal/ports"
)

// Group hands out one breaker per endpoint host.
type Group struct {
	cfg    domain.BreakerConfig
	logger *slog.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

func NewGroup(cfg domain.BreakerConfig, logger *slog.Logger) *Group {
	if logger == nil {
		logger = slog.Default()
	}

	return &Group{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

func (g *Group) Get(name string) *Breaker {
	g.mu.RLock()
	b, ok := g.breakers[name]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if b, ok := g.breakers[name]; ok {
		return b
	}
	b = New(name, g.cfg, g.logger)
	g.breakers[name] = b

	g.logger.Debug("created circuit breaker",
		"name", name,
		"failure_threshold", b.cfg.FailureThreshold,
		"cooldown", b.cfg.Cooldown)
	return b
}

// Counts returns a view of every breaker, keyed by host.
func (g *Group) Counts() map[string]Counts {
	g.mu.RLock()
	names := make([]string, 0, len(g.breakers))
	for name := range g.breakers {
		names = append(names, name)
	}
	g.mu.RUnlock()
	sort.Strings(names)

	out := make(map[string]Counts, len(names))
	for _, name := range names {
		out[name] = g.Get(name).Counts()
	}
	return out
}

// Doer guards an HTTP client. Transport errors and 5xx responses count as
// failures; the response is still returned to the caller.
func (g *Group) Doer(inner ports.HTTPDoer) ports.HTTPDoer {
	if inner == nil {
		inner = http.DefaultClient
	}
	return &guardedDoer{group: g, inner: inner}
}

// Completer guards a completion endpoint, keyed by the request base URL.
func (g *Group) Completer(inner ports.Completer) ports.Completer {
	return &guardedCompleter{group: g, inner: inner}
}

type guardedDoer struct {
	group *Group
	inner ports.HTTPDoer
}

func (d *guardedDoer) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := d.group.Get(req.URL.Host).Call(req.Context(), func(context.Context) error {
		var err error
		resp, err = d.inner.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("upstream status %d", resp.StatusCode)
		}
		return nil
	})

	if resp != nil {
		return resp, nil
	}
	return nil, err
}

type guardedCompleter struct {
	group *Group
	inner ports.Completer
}

func (c *guardedCompleter) Complete(ctx context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	var resp *ports.CompletionResponse
	err := c.group.Get(hostOf(req.BaseURL)).Call(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.inner.Complete(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}
