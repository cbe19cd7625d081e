package engine

import (
	"io"
	"log/slog"
	"time"

	"github.com/eleven-am/loom/internal/actor"
	"github.com/eleven-am/loom/internal/domain"
	"github.com/eleven-am/loom/internal/ports"
)

// Services are the collaborators node logic reaches through. Any of them may
// be nil when a workflow does not use the node types that need them.
type Services struct {
	Scripts   ports.ScriptRunner
	Templates ports.TemplateRenderer
	Secrets   ports.SecretResolver
	Completer ports.Completer
	HTTP      ports.HTTPDoer
	Actors    ActorSystem
	Logger    *slog.Logger
}

// ActorSystem gives run logic access to other actors of the workflow: their
// last snapshot, e.g. the outputs of a nested configuration node, and their
// mailbox.
type ActorSystem interface {
	SnapshotOf(id string) (domain.Snapshot, bool)
	Send(to string, ev actor.Event)
}

// Outputs reads the outputs of a node actor from its last snapshot.
func (s *Services) Outputs(id string) (domain.Values, bool) {
	if s == nil || s.Actors == nil {
		return nil, false
	}
	snap, ok := s.Actors.SnapshotOf(id)
	if !ok {
		return nil, false
	}
	return contextValues(snap.Context, "outputs"), true
}

// Child returns the id of the nested actor spawned for key on node id.
func (s *Services) Child(id, key string) (string, bool) {
	if s == nil || s.Actors == nil {
		return "", false
	}
	snap, ok := s.Actors.SnapshotOf(id)
	if !ok {
		return "", false
	}
	child, ok := contextStrings(snap.Context, "childs")[key]
	return child, ok && child != ""
}

// Send posts ev to another actor from outside the dispatcher.
func (s *Services) Send(to string, ev actor.Event) bool {
	if s == nil || s.Actors == nil {
		return false
	}
	s.Actors.Send(to, ev)
	return true
}

// Metrics is the subset of engine measurements the actors record.
type Metrics interface {
	RunStarted(nodeType string)
	RunCompleted(nodeType string, ok bool)
	ComputeJoined(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) RunStarted(string)         {}
func (noopMetrics) RunCompleted(string, bool) {}
func (noopMetrics) ComputeJoined(string)      {}

// Environment is shared by every actor of one workflow instance. It is
// read-only once the editor has been spawned.
type Environment struct {
	WorkflowID     string
	EditorID       string
	Debounce       time.Duration
	ComputeTimeout time.Duration
	WriteTimeout   time.Duration

	Registry    *Registry
	Services    *Services
	Persistence ports.Persistence
	EventLog    ports.EventLog
	Metrics     Metrics
	Logger      *slog.Logger
}

func NewEnvironment(cfg *domain.Config, registry *Registry, services *Services) *Environment {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if services == nil {
		services = &Services{}
	}
	if services.Logger == nil {
		services.Logger = logger
	}

	return &Environment{
		WorkflowID:     cfg.WorkflowID,
		EditorID:       cfg.Engine.EditorID,
		Debounce:       cfg.Engine.Debounce,
		ComputeTimeout: cfg.Engine.ComputeTimeout,
		WriteTimeout:   cfg.Sync.WriteTimeout,
		Registry:       registry,
		Services:       services,
		Metrics:        noopMetrics{},
		Logger:         logger,
	}
}

func (e *Environment) metrics() Metrics {
	if e.Metrics == nil {
		return noopMetrics{}
	}
	return e.Metrics
}

func (e *Environment) writeTimeout() time.Duration {
	if e.WriteTimeout <= 0 {
		return 5 * time.Second
	}
	return e.WriteTimeout
}
