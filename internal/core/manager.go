package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/eleven-am/loom/internal/actor"
	"github.com/eleven-am/loom/internal/adapters/breaker"
	"github.com/eleven-am/loom/internal/adapters/llm"
	"github.com/eleven-am/loom/internal/adapters/postgres"
	"github.com/eleven-am/loom/internal/adapters/script"
	"github.com/eleven-am/loom/internal/adapters/secrets"
	"github.com/eleven-am/loom/internal/adapters/storage"
	"github.com/eleven-am/loom/internal/adapters/syncbridge"
	"github.com/eleven-am/loom/internal/domain"
	"github.com/eleven-am/loom/internal/engine"
	"github.com/eleven-am/loom/internal/metrics"
	"github.com/eleven-am/loom/internal/nodes"
	"github.com/eleven-am/loom/internal/ports"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Manager runs one workflow instance: the actor system, its editor, the
// adapters the node types call out to and the sync bridge.
type Manager struct {
	config   *domain.Config
	logger   *slog.Logger
	registry *engine.Registry
	services *engine.Services
	env      *engine.Environment
	system   *actor.System
	metrics  *metrics.Metrics
	breakers *breaker.Group

	store      ports.Store
	ownsStore  bool
	bridge     *syncbridge.Bridge
	ownScripts *script.Runner

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func New(config *domain.Config, opts ...Option) (*Manager, error) {
	if config == nil {
		return nil, domain.NewConfigError("config", domain.ErrInvalidConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	logger := config.Logger.With("component", "loom", "workflow_id", config.WorkflowID)

	registry := engine.NewRegistry(logger)
	if err := nodes.Register(registry); err != nil {
		return nil, err
	}
	for _, t := range o.nodeTypes {
		if err := registry.Register(t); err != nil {
			return nil, err
		}
	}

	m := &Manager{
		config:   config,
		logger:   logger,
		registry: registry,
	}

	if err := m.buildServices(o); err != nil {
		return nil, err
	}
	if err := m.openStore(o); err != nil {
		m.closeAdapters()
		return nil, err
	}

	if config.Metrics.Enabled {
		reg := o.registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		m.metrics = metrics.New(reg, config.Metrics.Namespace)
	}

	m.env = engine.NewEnvironment(config, registry, m.services)
	if m.store != nil {
		m.env.Persistence = m.store
		m.env.EventLog = m.store
	}

	systemOpts := []actor.Option{actor.WithMailboxWarnSize(config.Engine.MailboxWarnSize)}
	if m.metrics != nil {
		m.env.Metrics = m.metrics
		systemOpts = append(systemOpts, actor.WithRecorder(m.metrics))
	}
	m.system = actor.NewSystem(config.WorkflowID, logger, systemOpts...)
	m.services.Actors = m.system

	if m.store != nil && config.Sync.Enabled {
		var recorder syncbridge.Recorder
		if m.metrics != nil {
			recorder = m.metrics
		}
		m.bridge = syncbridge.New(m.system, m.store, config.WorkflowID, m.env.EditorID, config.Sync, logger, recorder)
	}

	return m, nil
}

func (m *Manager) buildServices(o *options) error {
	m.services = &engine.Services{
		Scripts:   o.scripts,
		Templates: o.templates,
		Secrets:   o.secrets,
		Completer: o.completer,
		HTTP:      o.http,
		Logger:    m.logger,
	}

	if m.services.Scripts == nil || m.services.Templates == nil {
		runner, err := script.NewRunner(m.config.Script, m.logger)
		if err != nil {
			return err
		}
		m.ownScripts = runner
		if m.services.Scripts == nil {
			m.services.Scripts = runner
		}
		if m.services.Templates == nil {
			m.services.Templates = runner
		}
	}
	if m.services.Secrets == nil {
		m.services.Secrets = secrets.NewResolver(m.config.Secrets.EnvPrefix, m.logger)
	}
	if m.services.Completer == nil {
		m.services.Completer = llm.NewClient(o.http, m.logger)
	}

	if m.config.Breaker.Enabled {
		m.breakers = breaker.NewGroup(m.config.Breaker, m.logger)
		m.services.HTTP = m.breakers.Doer(m.services.HTTP)
		m.services.Completer = m.breakers.Completer(m.services.Completer)
	}
	return nil
}

func (m *Manager) openStore(o *options) error {
	if o.store != nil {
		m.store = o.store
		return nil
	}

	switch m.config.Storage.Driver {
	case domain.StorageBadger:
		store, err := storage.Open(m.config.Storage, m.logger)
		if err != nil {
			return err
		}
		m.store, m.ownsStore = store, true

	case domain.StoragePostgres:
		store, err := postgres.Open(context.Background(), m.config.Postgres, m.logger)
		if err != nil {
			return err
		}
		m.store, m.ownsStore = store, true
	}
	return nil
}

// Start spawns the editor, restores the persisted module when there is one
// and begins dispatching.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return domain.ErrAlreadyStarted
	}
	if m.stopped {
		return domain.ErrClosed
	}

	editorID := m.env.EditorID
	if err := m.system.Spawn(editorID, engine.SrcEditor, engine.NewEditor(m.env)); err != nil {
		return err
	}
	m.system.SetRoot(editorID)

	if m.bridge != nil {
		tree, found, err := m.bridge.Load(ctx)
		if err != nil {
			return fmt.Errorf("load persisted module: %w", err)
		}
		if found {
			m.logger.Info("restoring persisted module", "nodes", len(tree.Children))
			m.system.Send(editorID, actor.Event{Type: engine.EventRestore, Payload: engine.RestorePayload{Tree: *tree}})
		}
	}

	if m.bridge != nil {
		if err := m.bridge.Start(context.Background()); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.group, runCtx = errgroup.WithContext(runCtx)

	m.group.Go(func() error {
		return m.system.Run(runCtx)
	})

	m.started = true
	m.logger.Info("workflow started", "node_types", len(m.registry.Names()), "persistence", m.store != nil)
	return nil
}

// Stop drains the bridge, stops every actor and closes owned adapters.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil
	}
	m.stopped = true

	var errs []error
	if m.started {
		// The bridge goes first so actor shutdown never reaches the store.
		if m.bridge != nil {
			if err := m.bridge.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}

		m.cancel()
		if err := m.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}

	if err := m.closeAdapters(); err != nil {
		errs = append(errs, err)
	}

	m.logger.Info("workflow stopped")
	return errors.Join(errs...)
}

func (m *Manager) closeAdapters() error {
	var errs []error
	if m.ownScripts != nil {
		if err := m.ownScripts.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.ownsStore && m.store != nil {
		if err := m.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) running() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return domain.ErrClosed
	}
	if !m.started {
		return domain.ErrNotStarted
	}
	return nil
}

// SpawnNode adds a node of nodeType under id. values override socket
// defaults.
func (m *Manager) SpawnNode(id, nodeType string, values domain.Values) error {
	if err := m.running(); err != nil {
		return err
	}
	if err := validID(id); err != nil {
		return err
	}
	if _, err := m.registry.Get(nodeType); err != nil {
		return err
	}
	if m.system.Exists(id) {
		return domain.NewActorError(id, "spawn", domain.ErrActorExists)
	}

	m.system.Send(m.env.EditorID, actor.Event{
		Type: engine.EventSpawn,
		Payload: engine.SpawnPayload{
			ID:        id,
			MachineID: nodeType,
			SystemID:  id,
			Node:      &engine.NodeInput{Values: values},
		},
	})
	return nil
}

func (m *Manager) Connect(source, sourcePort, target, targetPort string) error {
	return m.edge(engine.EventConnect, source, sourcePort, target, targetPort)
}

func (m *Manager) Disconnect(source, sourcePort, target, targetPort string) error {
	return m.edge(engine.EventDisconnect, source, sourcePort, target, targetPort)
}

func (m *Manager) edge(eventType, source, sourcePort, target, targetPort string) error {
	if err := m.running(); err != nil {
		return err
	}
	if source == "" || sourcePort == "" || target == "" || targetPort == "" {
		return fmt.Errorf("%w: edge needs both endpoints", domain.ErrInvalidInput)
	}

	m.system.Send(m.env.EditorID, actor.Event{
		Type:    eventType,
		Payload: engine.EdgePayload{Source: source, SourcePort: sourcePort, Target: target, TargetPort: targetPort},
	})
	return nil
}

// SetInput writes a value into a node's input socket.
func (m *Manager) SetInput(nodeID, key string, value interface{}) error {
	if err := m.running(); err != nil {
		return err
	}

	socketID := domain.SocketID(nodeID, domain.SideInput, key)
	if !m.system.Exists(socketID) {
		return fmt.Errorf("%w: socket %s", domain.ErrNotFound, socketID)
	}
	m.system.Send(socketID, actor.Event{Type: engine.EventSetValue, Payload: engine.ValuePayload{Value: value}})
	return nil
}

// AddSocket adds a dynamic socket to a node.
func (m *Manager) AddSocket(nodeID string, side domain.SocketSide, def domain.SocketDefinition) error {
	if err := m.running(); err != nil {
		return err
	}
	if def.Key == "" {
		return fmt.Errorf("%w: socket definition has no key", domain.ErrInvalidInput)
	}

	m.system.Send(nodeID, actor.Event{Type: engine.EventAddSocket, Payload: engine.SocketPayload{Side: side, Key: def.Key, Definition: def}})
	return nil
}

func (m *Manager) RemoveSocket(nodeID string, side domain.SocketSide, key string) error {
	if err := m.running(); err != nil {
		return err
	}

	m.system.Send(nodeID, actor.Event{Type: engine.EventRemoveSocket, Payload: engine.SocketPayload{Side: side, Key: key}})
	return nil
}

// Send delivers a raw event to any actor of the workflow.
func (m *Manager) Send(to, eventType string, payload interface{}) error {
	if err := m.running(); err != nil {
		return err
	}
	if !m.system.Exists(to) {
		return fmt.Errorf("%w: actor %s", domain.ErrNotFound, to)
	}

	m.system.Send(to, actor.Event{Type: eventType, Payload: payload})
	return nil
}

// Call triggers eventType (RUN when empty) on a node and waits for its
// single result.
func (m *Manager) Call(ctx context.Context, nodeID, eventType string, run engine.RunPayload) (domain.RunResult, error) {
	if err := m.running(); err != nil {
		return domain.RunResult{}, err
	}
	if !m.system.Exists(nodeID) {
		return domain.RunResult{}, fmt.Errorf("%w: node %s", domain.ErrNotFound, nodeID)
	}
	if run.CallID == "" {
		run.CallID = domain.CallIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	callerID := "caller_" + run.CallID
	caller := engine.NewCaller(nodeID, eventType, run)
	if err := m.system.Spawn(callerID, engine.SrcCaller, caller); err != nil {
		return domain.RunResult{}, err
	}
	defer m.system.Stop(callerID)

	select {
	case res := <-caller.Result():
		return res, nil
	case <-ctx.Done():
		return domain.RunResult{CallID: run.CallID}, ctx.Err()
	}
}

// Destroy removes a node together with its sockets, nested nodes and edges.
func (m *Manager) Destroy(id string) error {
	if err := m.running(); err != nil {
		return err
	}

	m.system.Send(m.env.EditorID, actor.Event{Type: engine.EventDestroy, Payload: engine.DestroyPayload{ID: id}})
	return nil
}

// Restore replays a persisted module tree into the live editor.
func (m *Manager) Restore(tree domain.PersistedSnapshot) error {
	if err := m.running(); err != nil {
		return err
	}

	m.system.Send(m.env.EditorID, actor.Event{Type: engine.EventRestore, Payload: engine.RestorePayload{Tree: tree}})
	return nil
}

func (m *Manager) Snapshot(id string) (domain.Snapshot, bool) {
	return m.system.SnapshotOf(id)
}

// Tree captures the persisted form of the whole module.
func (m *Manager) Tree() (domain.PersistedSnapshot, bool) {
	return m.system.Tree(m.env.EditorID)
}

// Outputs returns the current outputs of a node.
func (m *Manager) Outputs(nodeID string) (domain.Values, bool) {
	return m.services.Outputs(nodeID)
}

func (m *Manager) Exists(id string) bool {
	return m.system.Exists(id)
}

// WaitIdle blocks until no event, timer or invoke is pending.
func (m *Manager) WaitIdle(ctx context.Context) error {
	if err := m.running(); err != nil {
		return err
	}
	return m.system.WaitIdle(ctx)
}

// Flush forces buffered persistence writes out.
func (m *Manager) Flush(ctx context.Context) error {
	if m.bridge == nil {
		return nil
	}
	return m.bridge.Flush(ctx)
}

// Subscribe exposes the inspection stream.
func (m *Manager) Subscribe(buffer int) (<-chan actor.InspectionEvent, func()) {
	return m.system.Subscribe(buffer)
}

// Events returns the recorded run-triggering events of an execution.
func (m *Manager) Events(ctx context.Context, executionID string) ([]ports.EventRecord, error) {
	if m.store == nil {
		return nil, fmt.Errorf("%w: no event log configured", domain.ErrNotFound)
	}
	return m.store.Events(ctx, executionID)
}

// Breakers reports the circuit breaker of every endpoint called so far. It
// is empty when breakers are disabled.
func (m *Manager) Breakers() map[string]breaker.Counts {
	if m.breakers == nil {
		return map[string]breaker.Counts{}
	}
	return m.breakers.Counts()
}

func (m *Manager) NodeTypes() []string {
	return m.registry.Names()
}

func (m *Manager) WorkflowID() string {
	return m.config.WorkflowID
}

func validID(id string) error {
	if id == "" || strings.Contains(id, ":") {
		return fmt.Errorf("%w: node id %q", domain.ErrInvalidInput, id)
	}
	return nil
}
