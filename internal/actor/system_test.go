package actor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/loom/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingActor struct {
	mu        sync.Mutex
	received  []Event
	count     int
	onStart   func(ctx *Context)
	onReceive func(ctx *Context, ev Event)
	onStop    func(ctx *Context)
	failures  []error
	ephemeral bool
}

func (a *recordingActor) Start(ctx *Context) {
	if a.onStart != nil {
		a.onStart(ctx)
	}
}

func (a *recordingActor) Receive(ctx *Context, ev Event) {
	a.mu.Lock()
	a.received = append(a.received, ev)
	if ev.Type == "INC" {
		a.count++
	}
	a.mu.Unlock()

	if a.onReceive != nil {
		a.onReceive(ctx, ev)
	}
}

func (a *recordingActor) Snapshot() domain.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return domain.Snapshot{
		Value:   "active",
		Context: map[string]interface{}{"count": a.count},
		Status:  domain.StatusActive,
	}
}

func (a *recordingActor) Stop(ctx *Context) {
	if a.onStop != nil {
		a.onStop(ctx)
	}
}

func (a *recordingActor) Fail(ctx *Context, err error) {
	a.mu.Lock()
	a.failures = append(a.failures, err)
	a.mu.Unlock()
}

func (a *recordingActor) Ephemeral() bool {
	return a.ephemeral
}

func (a *recordingActor) events() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Event(nil), a.received...)
}

func startSystem(t *testing.T) *System {
	t.Helper()

	sys := NewSystem("test", nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sys.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
	return sys
}

func waitIdle(t *testing.T, sys *System) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sys.WaitIdle(ctx))
}

func TestSystem_SpawnSameIDTwiceFails(t *testing.T) {
	sys := startSystem(t)

	require.NoError(t, sys.Spawn("a", "test", &recordingActor{}))
	err := sys.Spawn("a", "test", &recordingActor{})

	require.Error(t, err)
	assert.True(t, domain.IsActorExists(err))
}

func TestSystem_DeliversInOrder(t *testing.T) {
	sys := startSystem(t)
	a := &recordingActor{}
	require.NoError(t, sys.Spawn("a", "test", a))

	for i := 0; i < 50; i++ {
		sys.Send("a", Event{Type: "INC", Payload: i})
	}
	waitIdle(t, sys)

	events := a.events()
	require.Len(t, events, 50)
	for i, ev := range events {
		assert.Equal(t, i, ev.Payload)
	}

	snap, ok := sys.SnapshotOf("a")
	require.True(t, ok)
	assert.Equal(t, 50, snap.Context["count"])
}

func TestSystem_UnknownActorIsNoop(t *testing.T) {
	sys := startSystem(t)

	sys.Send("missing", Event{Type: "INC"})
	sys.Stop("missing")
	waitIdle(t, sys)

	assert.False(t, sys.Exists("missing"))
}

func TestSystem_StopIsDepthFirst(t *testing.T) {
	sys := startSystem(t)
	stream, cancel := sys.Subscribe(64)
	defer cancel()

	parent := &recordingActor{
		onStart: func(ctx *Context) {
			require.NoError(t, ctx.Spawn("p.c1", "child", &recordingActor{
				onStart: func(ctx *Context) {
					require.NoError(t, ctx.Spawn("p.c1.g", "grandchild", &recordingActor{}))
				},
			}))
			require.NoError(t, ctx.Spawn("p.c2", "child", &recordingActor{}))
		},
	}
	require.NoError(t, sys.Spawn("p", "parent", parent))
	waitIdle(t, sys)
	assert.Equal(t, []string{"p.c1", "p.c2"}, sys.Children("p"))

	sys.Stop("p")
	waitIdle(t, sys)

	var stopped []string
	for len(stream) > 0 {
		ev := <-stream
		if ev.Kind == KindStopped {
			stopped = append(stopped, ev.ActorID)
		}
	}
	assert.Equal(t, []string{"p.c2", "p.c1.g", "p.c1", "p"}, stopped)
	assert.False(t, sys.Exists("p.c1.g"))
}

func TestSystem_DebounceCoalesces(t *testing.T) {
	sys := startSystem(t)

	a := &recordingActor{}
	a.onReceive = func(ctx *Context, ev Event) {
		if ev.Type == "POKE" {
			ctx.Debounce("settle", 20*time.Millisecond, Event{Type: "SETTLED", Payload: ev.Payload})
		}
	}
	require.NoError(t, sys.Spawn("a", "test", a))

	for i := 0; i < 5; i++ {
		sys.Send("a", Event{Type: "POKE", Payload: i})
	}
	waitIdle(t, sys)

	var settled []Event
	for _, ev := range a.events() {
		if ev.Type == "SETTLED" {
			settled = append(settled, ev)
		}
	}
	require.Len(t, settled, 1)
	assert.Equal(t, 4, settled[0].Payload)
}

func TestSystem_InvokePostsResult(t *testing.T) {
	sys := startSystem(t)

	a := &recordingActor{}
	a.onStart = func(ctx *Context) {
		ctx.Invoke("work", func(ctx context.Context) (interface{}, error) {
			return 42, nil
		})
	}
	require.NoError(t, sys.Spawn("a", "test", a))
	waitIdle(t, sys)

	events := a.events()
	require.Len(t, events, 1)
	assert.Equal(t, EventInvokeDone, events[0].Type)
	res := events[0].Payload.(InvokeResult)
	assert.Equal(t, "work", res.Key)
	assert.Equal(t, 42, res.Value)
	assert.NoError(t, res.Err)
}

func TestSystem_InvokeResultDiscardedAfterStop(t *testing.T) {
	sys := startSystem(t)

	release := make(chan struct{})
	cancelled := make(chan struct{})
	a := &recordingActor{}
	a.onStart = func(ctx *Context) {
		ctx.Invoke("slow", func(ctx context.Context) (interface{}, error) {
			select {
			case <-ctx.Done():
				close(cancelled)
			case <-release:
			}
			return "late", nil
		})
	}
	require.NoError(t, sys.Spawn("a", "test", a))
	sys.Stop("a")
	waitIdle(t, sys)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("invoke context was not cancelled")
	}
	close(release)
	assert.Empty(t, a.events())
}

func TestSystem_WatchReceivesSnapshotChanges(t *testing.T) {
	sys := startSystem(t)

	target := &recordingActor{}
	watcher := &recordingActor{}
	watcher.onStart = func(ctx *Context) {
		require.True(t, ctx.Watch("target"))
	}

	require.NoError(t, sys.Spawn("target", "test", target))
	require.NoError(t, sys.Spawn("watcher", "test", watcher))
	waitIdle(t, sys)

	sys.Send("target", Event{Type: "INC"})
	sys.Send("target", Event{Type: "NOOP"})
	waitIdle(t, sys)

	events := watcher.events()
	require.Len(t, events, 1)
	change := events[0].Payload.(SnapshotChange)
	assert.Equal(t, "target", change.ActorID)
	assert.Equal(t, 1, change.Snapshot.Context["count"])
}

func TestSystem_PanicIsRecovered(t *testing.T) {
	sys := startSystem(t)

	a := &recordingActor{}
	a.onReceive = func(ctx *Context, ev Event) {
		if ev.Type == "BOOM" {
			panic(errors.New("boom"))
		}
	}
	require.NoError(t, sys.Spawn("a", "test", a))

	sys.Send("a", Event{Type: "BOOM"})
	sys.Send("a", Event{Type: "INC"})
	waitIdle(t, sys)

	a.mu.Lock()
	defer a.mu.Unlock()
	require.Len(t, a.failures, 1)
	assert.Contains(t, a.failures[0].Error(), "boom")
	assert.Equal(t, 1, a.count)
}

func TestSystem_TreeMarksEphemeralActors(t *testing.T) {
	sys := startSystem(t)

	root := &recordingActor{}
	root.onStart = func(ctx *Context) {
		require.NoError(t, ctx.Spawn("root.run", "x.run", &recordingActor{ephemeral: true}))
		require.NoError(t, ctx.Spawn("root.sock", "socket", &recordingActor{}))
	}
	require.NoError(t, sys.Spawn("root", "root", root))
	waitIdle(t, sys)

	tree, ok := sys.Tree("root")
	require.True(t, ok)
	assert.True(t, tree.SyncSnapshot)
	assert.Equal(t, []string{"root.run", "root.sock"}, tree.ChildIDs())
	assert.False(t, tree.Children["root.run"].SyncSnapshot)
	assert.True(t, tree.Children["root.sock"].SyncSnapshot)
}

func TestSystem_RootEventsAreInspected(t *testing.T) {
	sys := startSystem(t)
	stream, cancel := sys.Subscribe(64)
	defer cancel()

	require.NoError(t, sys.Spawn("root", "root", &recordingActor{}))
	sys.SetRoot("root")
	sys.Send("root", Event{Type: "HELLO"})
	waitIdle(t, sys)

	var seen []string
	for len(stream) > 0 {
		ev := <-stream
		if ev.Kind == KindEvent {
			seen = append(seen, ev.Event.Type)
		}
	}
	assert.Equal(t, []string{"HELLO"}, seen)
}

func TestSystem_ExecutionIsInherited(t *testing.T) {
	sys := startSystem(t)

	var childExecution string
	root := &recordingActor{}
	root.onStart = func(ctx *Context) {
		require.NoError(t, ctx.Spawn("run.child", "child", &recordingActor{
			onStart: func(ctx *Context) {
				childExecution = ctx.ExecutionID()
			},
		}))
	}
	require.NoError(t, sys.Spawn("run", "x.run", root, WithExecution("exec-1")))
	waitIdle(t, sys)

	assert.Equal(t, "exec-1", childExecution)
}
