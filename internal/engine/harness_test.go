package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eleven-am/loom/internal/actor"
	"github.com/eleven-am/loom/internal/domain"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t   *testing.T
	sys *actor.System
	env *Environment
}

type harnessOption func(*Environment)

func newHarness(t *testing.T, types []*NodeType, opts ...harnessOption) *harness {
	t.Helper()

	cfg := domain.NewConfigFromSimple("wf-test", nil)
	cfg.Engine.Debounce = 0

	registry := NewRegistry(nil)
	registry.MustRegister(types...)

	env := NewEnvironment(cfg, registry, nil)
	for _, opt := range opts {
		opt(env)
	}

	sys := actor.NewSystem("wf-test", cfg.Logger)
	env.Services.Actors = sys
	require.NoError(t, sys.Spawn(env.EditorID, SrcEditor, NewEditor(env)))
	sys.SetRoot(env.EditorID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sys.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	h := &harness{t: t, sys: sys, env: env}
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
		Type:    EventSpawn,
		Payload: SpawnPayload{ID: id, MachineID: nodeType, SystemID: id, Node: &NodeInput{Values: values}},
	})
	h.settle()
}

func (h *harness) connect(source, sourcePort, target, targetPort string) {
	h.t.Helper()
	h.sys.Send(h.env.EditorID, actor.Event{
		Type:    EventConnect,
		Payload: EdgePayload{Source: source, SourcePort: sourcePort, Target: target, TargetPort: targetPort},
	})
	h.settle()
}

func (h *harness) disconnect(source, sourcePort, target, targetPort string) {
	h.t.Helper()
	h.sys.Send(h.env.EditorID, actor.Event{
		Type:    EventDisconnect,
		Payload: EdgePayload{Source: source, SourcePort: sourcePort, Target: target, TargetPort: targetPort},
	})
	h.settle()
}

func (h *harness) setInput(nodeID, key string, value interface{}) {
	h.t.Helper()
	h.sys.Send(domain.SocketID(nodeID, domain.SideInput, key), actor.Event{
		Type:    EventSetValue,
		Payload: ValuePayload{Value: value},
	})
	h.settle()
}

func (h *harness) snapshot(id string) domain.Snapshot {
	h.t.Helper()
	snap, ok := h.sys.SnapshotOf(id)
	require.True(h.t, ok, "actor %s is not live", id)
	return snap
}

func (h *harness) inputs(id string) domain.Values {
	return contextValues(h.snapshot(id).Context, "inputs")
}

func (h *harness) outputs(id string) domain.Values {
	return contextValues(h.snapshot(id).Context, "outputs")
}

func (h *harness) definition(socketID string) domain.SocketDefinition {
	h.t.Helper()
	def, ok := decodeDefinition(h.snapshot(socketID).Context["definition"])
	require.True(h.t, ok)
	return def
}

// call runs a two-phase event through a Caller and waits for its result.
func (h *harness) call(callerID, target string, run RunPayload) domain.RunResult {
	h.t.Helper()
	caller := NewCaller(target, "", run)
	require.NoError(h.t, h.sys.Spawn(callerID, SrcCaller, caller))

	select {
	case res := <-caller.Result():
		h.sys.Stop(callerID)
		return res
	case <-time.After(3 * time.Second):
		h.t.Fatalf("no result for %s", callerID)
		return domain.RunResult{}
	}
}

func input(key, typ string, def interface{}) domain.SocketDefinition {
	return domain.SocketDefinition{Key: key, Name: key, Type: typ, Default: def, ShowSocket: true}
}

func output(key, typ string) domain.SocketDefinition {
	return domain.SocketDefinition{Key: key, Name: key, Type: typ, ShowSocket: true}
}

func trigger(key string) domain.SocketDefinition {
	return domain.SocketDefinition{Key: key, Name: key, Type: domain.TypeTrigger, ShowSocket: true}
}

func textType() *NodeType {
	return &NodeType{
		Name:    "TestText",
		Inputs:  []domain.SocketDefinition{input("value", domain.TypeString, "")},
		Outputs: []domain.SocketDefinition{output("value", domain.TypeString)},
		Compute: func(_ context.Context, _ *Services, in domain.Values) (domain.Values, error) {
			return domain.Values{"value": in["value"]}, nil
		},
	}
}

func templateType() *NodeType {
	return &NodeType{
		Name:    "TestTemplate",
		Inputs:  []domain.SocketDefinition{input("title", domain.TypeString, "")},
		Outputs: []domain.SocketDefinition{output("value", domain.TypeString)},
		Compute: func(_ context.Context, _ *Services, in domain.Values) (domain.Values, error) {
			return domain.Values{"value": fmt.Sprintf("Title: %v", in["title"])}, nil
		},
	}
}

type sumCounter struct {
	mu    sync.Mutex
	calls int32
	seen  []domain.Values
}

func (c *sumCounter) record(in domain.Values) {
	atomic.AddInt32(&c.calls, 1)
	c.mu.Lock()
	c.seen = append(c.seen, in.Clone())
	c.mu.Unlock()
}

func (c *sumCounter) count() int {
	return int(atomic.LoadInt32(&c.calls))
}

func sumType(counter *sumCounter) *NodeType {
	return &NodeType{
		Name: "TestSum",
		Inputs: []domain.SocketDefinition{
			input("a", domain.TypeNumber, nil),
			input("b", domain.TypeNumber, nil),
			trigger("run"),
		},
		Outputs: []domain.SocketDefinition{output("sum", domain.TypeNumber), trigger("done")},
		Run: func(ctx context.Context, rc RunContext) (domain.Values, error) {
			counter.record(rc.Inputs)
			a, _ := rc.Inputs["a"].(float64)
			b, _ := rc.Inputs["b"].(float64)
			if a < 0 {
				return nil, fmt.Errorf("%w: negative operand", domain.ErrInvalidInput)
			}
			if a == 1 {
				time.Sleep(20 * time.Millisecond)
			}
			return domain.Values{"sum": a + b}, nil
		},
	}
}

func configType() *NodeType {
	return &NodeType{
		Name:    "TestConfig",
		Inputs:  []domain.SocketDefinition{input("baseUrl", domain.TypeString, "http://localhost")},
		Outputs: []domain.SocketDefinition{output("config", domain.TypeObject)},
		Compute: func(_ context.Context, _ *Services, in domain.Values) (domain.Values, error) {
			return domain.Values{"config": map[string]interface{}{"baseUrl": in["baseUrl"]}}, nil
		},
	}
}

func modelType() *NodeType {
	apiConfig := domain.SocketDefinition{
		Key:        "apiConfiguration",
		Name:       "API configuration",
		Type:       domain.TypeObject,
		ActorType:  "TestConfig",
		ShowSocket: true,
	}
	apiConfigOut := domain.SocketDefinition{
		Key:        "apiConfiguration",
		Name:       "API configuration",
		Type:       domain.TypeObject,
		ActorType:  "TestModel",
		ShowSocket: true,
	}
	return &NodeType{
		Name:    "TestModel",
		Inputs:  []domain.SocketDefinition{apiConfig},
		Outputs: []domain.SocketDefinition{apiConfigOut},
	}
}

type fixedSecrets map[string]string

func (s fixedSecrets) Resolve(_ context.Context, name string) (string, error) {
	if v, ok := s[name]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: secret %s", domain.ErrNotFound, name)
}

type fixedScripts map[string]interface{}

func (s fixedScripts) InstallLibrary(context.Context, string) error {
	return nil
}

func (s fixedScripts) SendScript(_ context.Context, code string, _ map[string]interface{}) (interface{}, error) {
	if v, ok := s[code]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("%w: cannot evaluate %q", domain.ErrInvalidInput, code)
}

func (s fixedScripts) Destroy() error {
	return nil
}

func secretType() *NodeType {
	token := input("token", domain.TypeString, "missing-token")
	token.Format = domain.FormatSecret
	return &NodeType{
		Name:    "TestSecret",
		Inputs:  []domain.SocketDefinition{token},
		Outputs: []domain.SocketDefinition{output("value", domain.TypeString)},
		Compute: func(_ context.Context, _ *Services, in domain.Values) (domain.Values, error) {
			return domain.Values{"value": in["token"]}, nil
		},
	}
}

func expressionType(counter *sumCounter) *NodeType {
	expr := input("e", domain.TypeNumber, "1+1")
	expr.Format = domain.FormatExpression
	return &NodeType{
		Name:    "TestExpression",
		Inputs:  []domain.SocketDefinition{expr},
		Outputs: []domain.SocketDefinition{output("value", domain.TypeNumber)},
		Compute: func(_ context.Context, _ *Services, in domain.Values) (domain.Values, error) {
			counter.record(in)
			return domain.Values{"value": in["e"]}, nil
		},
	}
}
