package nodes

import (
	"context"
	"testing"
	"time"

	"github.com/eleven-am/loom/internal/actor"
	"github.com/eleven-am/loom/internal/adapters/script"
	"github.com/eleven-am/loom/internal/adapters/secrets"
	"github.com/eleven-am/loom/internal/domain"
	"github.com/eleven-am/loom/internal/engine"
	"github.com/eleven-am/loom/internal/ports"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockCompleter struct {
	mock.Mock
}

func (m *mockCompleter) Complete(ctx context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	args := m.Called(ctx, req)
	if resp := args.Get(0); resp != nil {
		return resp.(*ports.CompletionResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

type harness struct {
	t         *testing.T
	sys       *actor.System
	env       *engine.Environment
	secrets   *secrets.Resolver
	completer *mockCompleter
}

func newHarness(t *testing.T, opts ...func(*engine.Services)) *harness {
	t.Helper()

	cfg := domain.NewConfigFromSimple("wf-nodes", nil)
	cfg.Engine.Debounce = 0

	registry := engine.NewRegistry(cfg.Logger)
	require.NoError(t, Register(registry))

	runner, err := script.NewRunner(domain.DefaultScriptConfig(), cfg.Logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = runner.Destroy() })

	resolver := secrets.NewResolver("loom_nodes_test", cfg.Logger)
	completer := &mockCompleter{}

	services := &engine.Services{
		Scripts:   runner,
		Templates: runner,
		Secrets:   resolver,
		Completer: completer,
	}
	for _, opt := range opts {
		opt(services)
	}

	env := engine.NewEnvironment(cfg, registry, services)
	sys := actor.NewSystem("wf-nodes", cfg.Logger)
	services.Actors = sys
	require.NoError(t, sys.Spawn(env.EditorID, engine.SrcEditor, engine.NewEditor(env)))
	sys.SetRoot(env.EditorID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sys.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	h := &harness{t: t, sys: sys, env: env, secrets: resolver, completer: completer}
	h.settle()
	return h
}

func (h *harness) settle() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(h.t, h.sys.WaitIdle(ctx))
}

func (h *harness) spawn(id, nodeType string, values domain.Values) {
	h.t.Helper()
	h.sys.Send(h.env.EditorID, actor.Event{
		Type:    engine.EventSpawn,
		Payload: engine.SpawnPayload{ID: id, MachineID: nodeType, SystemID: id, Node: &engine.NodeInput{Values: values}},
	})
	h.settle()
}

func (h *harness) connect(source, sourcePort, target, targetPort string) {
	h.t.Helper()
	h.sys.Send(h.env.EditorID, actor.Event{
		Type:    engine.EventConnect,
		Payload: engine.EdgePayload{Source: source, SourcePort: sourcePort, Target: target, TargetPort: targetPort},
	})
	h.settle()
}

func (h *harness) disconnect(source, sourcePort, target, targetPort string) {
	h.t.Helper()
	h.sys.Send(h.env.EditorID, actor.Event{
		Type:    engine.EventDisconnect,
		Payload: engine.EdgePayload{Source: source, SourcePort: sourcePort, Target: target, TargetPort: targetPort},
	})
	h.settle()
}

func (h *harness) setInput(nodeID, key string, value interface{}) {
	h.t.Helper()
	h.sys.Send(domain.SocketID(nodeID, domain.SideInput, key), actor.Event{
		Type:    engine.EventSetValue,
		Payload: engine.ValuePayload{Value: value},
	})
	h.settle()
}

func (h *harness) snapshot(id string) domain.Snapshot {
	h.t.Helper()
	snap, ok := h.sys.SnapshotOf(id)
	require.True(h.t, ok, "actor %s is not live", id)
	return snap
}

func (h *harness) values(id, key string) domain.Values {
	h.t.Helper()
	out, err := asObject(h.snapshot(id).Context[key])
	require.NoError(h.t, err)
	return domain.Values(out)
}

func (h *harness) inputs(id string) domain.Values {
	return h.values(id, "inputs")
}

func (h *harness) outputs(id string) domain.Values {
	return h.values(id, "outputs")
}

func (h *harness) call(callerID, target string, run engine.RunPayload) domain.RunResult {
	h.t.Helper()
	caller := engine.NewCaller(target, "", run)
	require.NoError(h.t, h.sys.Spawn(callerID, engine.SrcCaller, caller))

	select {
	case res := <-caller.Result():
		h.sys.Stop(callerID)
		return res
	case <-time.After(3 * time.Second):
		h.t.Fatalf("no result for %s", callerID)
		return domain.RunResult{}
	}
}
