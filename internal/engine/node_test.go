package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/loom/internal/actor"
	"github.com/eleven-am/loom/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNode_SpawnsDeterministicSockets(t *testing.T) {
	h := newHarness(t, []*NodeType{textType()})
	h.spawn("a", "TestText", domain.Values{"value": "hello"})

	assert.True(t, h.sys.Exists("a:input:value"))
	assert.True(t, h.sys.Exists("a:output:value"))
	assert.True(t, h.sys.Exists("a:input:value.value"))

	snap := h.snapshot("a")
	assert.Equal(t, map[string]string{"value": "a:input:value"}, contextStrings(snap.Context, "inputSockets"))
	assert.Equal(t, "hello", h.outputs("a")["value"])

	err := h.sys.Spawn("a:input:value", SrcInputSocket, NewInputSocket(h.env, "a", input("value", domain.TypeString, ""), nil))
	assert.True(t, domain.IsActorExists(err))
}

func TestNode_ConnectedValueFlowsAndStopsOnDisconnect(t *testing.T) {
	h := newHarness(t, []*NodeType{textType(), templateType()})
	h.spawn("a", "TestText", domain.Values{"value": "hello"})
	h.spawn("b", "TestTemplate", nil)

	h.connect("a", "value", "b", "title")
	assert.Equal(t, "hello", h.inputs("b")["title"])
	assert.Equal(t, "Title: hello", h.outputs("b")["value"])

	h.disconnect("a", "value", "b", "title")
	h.setInput("a", "value", "world")

	assert.Equal(t, "world", h.outputs("a")["value"])
	assert.Equal(t, "hello", h.inputs("b")["title"])
	assert.Equal(t, "Title: hello", h.outputs("b")["value"])
}

func TestNode_UpstreamChangesPropagateWhileConnected(t *testing.T) {
	h := newHarness(t, []*NodeType{textType(), templateType()})
	h.spawn("a", "TestText", domain.Values{"value": "one"})
	h.spawn("b", "TestTemplate", nil)
	h.connect("a", "value", "b", "title")

	h.setInput("a", "value", "two")
	assert.Equal(t, "two", h.inputs("b")["title"])
	assert.Equal(t, "Title: two", h.outputs("b")["value"])
}

func TestNode_LocalWriteIgnoredWhileConnected(t *testing.T) {
	h := newHarness(t, []*NodeType{textType(), templateType()})
	h.spawn("a", "TestText", domain.Values{"value": "upstream"})
	h.spawn("b", "TestTemplate", nil)
	h.connect("a", "value", "b", "title")

	h.setInput("b", "title", "local")
	assert.Equal(t, "upstream", h.inputs("b")["title"])
}

func TestNode_RunWaitsForEveryInput(t *testing.T) {
	counter := &sumCounter{}
	h := newHarness(t, []*NodeType{sumType(counter)})
	h.spawn("sum", "TestSum", nil)

	h.sys.Send("sum", actor.Event{Type: EventRun})
	h.settle()
	assert.Equal(t, 0, counter.count(), "run must not start against unresolved inputs")
	assert.NotEmpty(t, h.snapshot("sum").Context["computes"])

	h.setInput("sum", "a", 2.0)
	assert.Equal(t, 0, counter.count())

	h.setInput("sum", "b", 3.0)
	require.Equal(t, 1, counter.count())
	assert.Equal(t, 5.0, h.outputs("sum")["sum"])
	assert.Equal(t, NodeComplete, h.snapshot("sum").Value)

	counter.mu.Lock()
	defer counter.mu.Unlock()
	assert.Equal(t, domain.Values{"a": 2.0, "b": 3.0}, counter.seen[0])
}

func TestNode_ConcurrentRunsAreIsolated(t *testing.T) {
	counter := &sumCounter{}
	h := newHarness(t, []*NodeType{sumType(counter)})
	h.spawn("math", "TestSum", nil)

	var (
		wg      sync.WaitGroup
		results = make([]domain.RunResult, 2)
	)
	runs := []RunPayload{
		{CallID: "call_one", Values: domain.Values{"a": 1.0, "b": 1.0}},
		{CallID: "call_two", Values: domain.Values{"a": 2.0, "b": 2.0}},
	}
	for i, run := range runs {
		wg.Add(1)
		go func(i int, run RunPayload) {
			defer wg.Done()
			results[i] = h.call("caller-"+run.CallID, "math", run)
		}(i, run)
	}
	wg.Wait()

	require.True(t, results[0].OK)
	require.True(t, results[1].OK)
	assert.Equal(t, "call_one", results[0].CallID)
	assert.Equal(t, 2.0, results[0].Outputs["sum"])
	assert.Equal(t, "call_two", results[1].CallID)
	assert.Equal(t, 4.0, results[1].Outputs["sum"])
	assert.Equal(t, 2, counter.count())

	h.settle()
	assert.False(t, h.sys.Exists("math.call_one"))
	assert.False(t, h.sys.Exists("math.call_two"))
}

func TestNode_RunOverridesDoNotLeakIntoInputs(t *testing.T) {
	counter := &sumCounter{}
	h := newHarness(t, []*NodeType{sumType(counter)})
	h.spawn("math", "TestSum", domain.Values{"a": 10.0, "b": 5.0})

	res := h.call("caller", "math", RunPayload{CallID: "call_x", Values: domain.Values{"a": 2.0}})
	require.True(t, res.OK)
	assert.Equal(t, 7.0, res.Outputs["sum"])
	assert.Equal(t, 10.0, h.inputs("math")["a"])
}

func TestNode_FailedRunRecordsErrorAndRetries(t *testing.T) {
	counter := &sumCounter{}
	h := newHarness(t, []*NodeType{sumType(counter)})
	h.spawn("math", "TestSum", domain.Values{"a": -1.0, "b": 1.0})

	res := h.call("caller", "math", RunPayload{CallID: "call_bad"})
	assert.False(t, res.OK)
	require.NotNil(t, res.Error)
	assert.Equal(t, "ValidationError", res.Error.Name)

	h.settle()
	snap := h.snapshot("math")
	assert.Equal(t, NodeError, snap.Value)
	assert.NotNil(t, snap.Context["error"])

	h.setInput("math", "a", 4.0)
	h.sys.Send("math", actor.Event{Type: EventRetry})
	h.settle()

	assert.Equal(t, NodeComplete, h.snapshot("math").Value)
	assert.Equal(t, 5.0, h.outputs("math")["sum"])
}

func TestNode_TriggerChainsSuccessor(t *testing.T) {
	counter := &sumCounter{}
	h := newHarness(t, []*NodeType{sumType(counter)})
	h.spawn("first", "TestSum", domain.Values{"a": 2.0, "b": 2.0})
	h.spawn("second", "TestSum", domain.Values{"b": 1.0})

	h.connect("first", "sum", "second", "a")
	h.connect("first", "done", "second", "run")

	h.sys.Send("first", actor.Event{Type: EventRun})
	h.settle()

	assert.Equal(t, 2, counter.count())
	assert.Equal(t, 5.0, h.outputs("second")["sum"])
}

func TestNode_ResetDiscardsInFlightJoin(t *testing.T) {
	counter := &sumCounter{}
	h := newHarness(t, []*NodeType{sumType(counter)})
	h.spawn("math", "TestSum", nil)

	h.sys.Send("math", actor.Event{Type: EventRun})
	h.settle()
	require.NotEmpty(t, h.snapshot("math").Context["computes"])

	h.sys.Send("math", actor.Event{Type: EventReset})
	h.settle()
	assert.Empty(t, h.snapshot("math").Context["computes"])

	h.setInput("math", "a", 1.0)
	h.setInput("math", "b", 1.0)
	assert.Equal(t, 0, counter.count())
	assert.Equal(t, NodeIdle, h.snapshot("math").Value)
}

func TestNode_DynamicSockets(t *testing.T) {
	h := newHarness(t, []*NodeType{textType()})
	h.spawn("a", "TestText", nil)

	h.sys.Send("a", actor.Event{Type: EventAddSocket, Payload: SocketPayload{
		Side:       domain.SideInput,
		Definition: input("extra", domain.TypeString, "x"),
	}})
	h.settle()
	assert.True(t, h.sys.Exists("a:input:extra"))
	assert.Equal(t, "x", h.inputs("a")["extra"])

	h.sys.Send("a:input:extra", actor.Event{Type: EventDelete})
	h.settle()
	assert.False(t, h.sys.Exists("a:input:extra"))
	_, present := h.inputs("a")["extra"]
	assert.False(t, present)
}

func TestNode_UpstreamJoinFailureReachesCaller(t *testing.T) {
	counter := &sumCounter{}
	h := newHarness(t, []*NodeType{secretType(), sumType(counter)}, func(env *Environment) {
		env.Services.Secrets = fixedSecrets{}
	})
	h.spawn("secret", "TestSecret", nil)
	h.spawn("math", "TestSum", domain.Values{"b": 1.0})
	h.connect("secret", "value", "math", "a")

	res := h.call("caller", "math", RunPayload{CallID: "call_s"})
	assert.False(t, res.OK)
	assert.Equal(t, "call_s", res.CallID)
	require.NotNil(t, res.Error)
	assert.Equal(t, "NotFoundError", res.Error.Name)

	h.settle()
	assert.Equal(t, 0, counter.count())
	assert.Equal(t, NodeError, h.snapshot("secret").Value)
}

func TestNode_ExpressionInputIsEvaluatedBeforeCompute(t *testing.T) {
	counter := &sumCounter{}
	h := newHarness(t, []*NodeType{expressionType(counter)}, func(env *Environment) {
		env.Services.Scripts = fixedScripts{"1+1": 2.0}
	})
	h.spawn("expr", "TestExpression", nil)

	require.NotZero(t, counter.count())
	counter.mu.Lock()
	for _, in := range counter.seen {
		assert.Equal(t, 2.0, in["e"])
	}
	counter.mu.Unlock()

	assert.Equal(t, 2.0, h.inputs("expr")["e"])
	assert.Equal(t, 2.0, h.outputs("expr")["value"])
}

func TestNode_UndeclaredOutputsAreDropped(t *testing.T) {
	typ := &NodeType{
		Name:    "TestStray",
		Inputs:  []domain.SocketDefinition{input("value", domain.TypeString, "x")},
		Outputs: []domain.SocketDefinition{output("value", domain.TypeString)},
		Compute: func(_ context.Context, _ *Services, in domain.Values) (domain.Values, error) {
			return domain.Values{"value": in["value"], "stray": true}, nil
		},
	}
	h := newHarness(t, []*NodeType{typ})
	h.spawn("n", "TestStray", nil)

	out := h.outputs("n")
	assert.Equal(t, "x", out["value"])
	_, present := out["stray"]
	assert.False(t, present)
}

func TestNode_ResetAnswersInFlightCaller(t *testing.T) {
	started := make(chan struct{}, 1)
	typ := &NodeType{
		Name:    "TestBlocking",
		Inputs:  []domain.SocketDefinition{trigger("run")},
		Outputs: []domain.SocketDefinition{output("value", domain.TypeString), trigger("done")},
		Run: func(ctx context.Context, _ RunContext) (domain.Values, error) {
			started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	h := newHarness(t, []*NodeType{typ})
	h.spawn("slow", "TestBlocking", nil)

	caller := NewCaller("slow", "", RunPayload{CallID: "call_r"})
	require.NoError(t, h.sys.Spawn("caller", SrcCaller, caller))

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("run did not start")
	}
	h.sys.Send("slow", actor.Event{Type: EventReset})

	select {
	case res := <-caller.Result():
		assert.False(t, res.OK)
		assert.Equal(t, "call_r", res.CallID)
		require.NotNil(t, res.Error)
		assert.Contains(t, res.Error.Message, domain.ErrClosed.Error())
	case <-time.After(3 * time.Second):
		t.Fatal("caller was not answered after reset")
	}

	h.settle()
	assert.Equal(t, NodeIdle, h.snapshot("slow").Value)
}
