package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/eleven-am/loom/internal/actor"
	"github.com/eleven-am/loom/internal/domain"
)

// RunContext is what a node type's side-effecting logic sees.
type RunContext struct {
	NodeID   string
	CallID   string
	Inputs   domain.Values
	Services *Services
}

// RunFunc performs the side effect of one run. It is called exactly once per
// run actor, off the dispatcher goroutine.
type RunFunc func(ctx context.Context, rc RunContext) (domain.Values, error)

// ComputeFunc derives outputs from fully resolved inputs for reactive nodes.
type ComputeFunc func(ctx context.Context, svc *Services, inputs domain.Values) (domain.Values, error)

// EventFunc handles a domain event on the dispatcher goroutine.
type EventFunc func(scope *Scope, ev actor.Event) error

type NodeType struct {
	Name        string
	Description string
	Inputs      []domain.SocketDefinition
	Outputs     []domain.SocketDefinition
	Compute     ComputeFunc
	Run         RunFunc
	Events      map[string]EventFunc
	// DonePort is the output trigger fired after a successful run.
	DonePort string
}

func (t *NodeType) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: node type name is empty", domain.ErrInvalidInput)
	}

	for _, side := range [][]domain.SocketDefinition{t.Inputs, t.Outputs} {
		seen := make(map[string]struct{}, len(side))
		for _, def := range side {
			if err := def.Validate(); err != nil {
				return fmt.Errorf("node type %s: %w", t.Name, err)
			}
			if _, dup := seen[def.Key]; dup {
				return fmt.Errorf("%w: node type %s declares socket %q twice", domain.ErrInvalidInput, t.Name, def.Key)
			}
			seen[def.Key] = struct{}{}
		}
	}
	return nil
}

func (t *NodeType) RunSrc() string {
	return t.Name + ".run"
}

func (t *NodeType) donePort() string {
	if t.DonePort != "" {
		return t.DonePort
	}
	return "done"
}

func (t *NodeType) input(key string) (domain.SocketDefinition, bool) {
	for _, def := range t.Inputs {
		if def.Key == key {
			return def, true
		}
	}
	return domain.SocketDefinition{}, false
}

func (t *NodeType) output(key string) (domain.SocketDefinition, bool) {
	for _, def := range t.Outputs {
		if def.Key == key {
			return def, true
		}
	}
	return domain.SocketDefinition{}, false
}

// Registry maps machine ids to node types.
type Registry struct {
	mu     sync.RWMutex
	types  map[string]*NodeType
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		types:  make(map[string]*NodeType),
		logger: logger.With("component", "node-registry"),
	}
}

func (r *Registry) Register(t *NodeType) error {
	if t == nil {
		return fmt.Errorf("%w: node type is nil", domain.ErrInvalidInput)
	}
	if err := t.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[t.Name]; exists {
		return fmt.Errorf("%w: node type %s already registered", domain.ErrInvalidInput, t.Name)
	}

	r.types[t.Name] = t
	r.logger.Debug("node type registered", "node_type", t.Name, "total_types", len(r.types))
	return nil
}

// MustRegister panics on a registration error; for static type tables.
func (r *Registry) MustRegister(types ...*NodeType) {
	for _, t := range types {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Get(name string) (*NodeType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownNodeType, name)
	}
	return t, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
