package actor

import (
	"context"
	"time"

	"github.com/eleven-am/loom/internal/domain"
)

// Built-in event types posted by the runtime itself.
const (
	EventSnapshotChanged = "@loom.snapshot"
	EventInvokeDone      = "@loom.invoke.done"
)

// Origin tags an event with the step that produced it.
type Origin struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
	Origin  *Origin     `json:"origin,omitempty"`
	From    string      `json:"from,omitempty"`
}

// HasOrigin reports whether the event was tagged with origin type t.
func (e Event) HasOrigin(t string) bool {
	return e.Origin != nil && e.Origin.Type == t
}

// SnapshotChange is the payload of EventSnapshotChanged.
type SnapshotChange struct {
	ActorID  string
	Snapshot domain.Snapshot
}

// InvokeResult is the payload of EventInvokeDone.
type InvokeResult struct {
	Key   string
	Value interface{}
	Err   error
}

type InvokeFunc func(ctx context.Context) (interface{}, error)

// Actor is the behavior behind one arena cell. All methods are called from
// the dispatcher goroutine only.
type Actor interface {
	Start(ctx *Context)
	Receive(ctx *Context, ev Event)
	Snapshot() domain.Snapshot
	Stop(ctx *Context)
}

// ErrorHandler is implemented by actors that want to observe a recovered
// panic from their own Receive.
type ErrorHandler interface {
	Fail(ctx *Context, err error)
}

// Ephemeral actors are excluded from persisted snapshot trees.
type Ephemeral interface {
	Ephemeral() bool
}

// Recorder receives runtime measurements. A nil Recorder is allowed.
type Recorder interface {
	ActorSpawned(src string)
	ActorStopped(src string)
	EventProcessed(src, event string, d time.Duration)
	QueueDepth(n int)
	InspectionDropped()
}

// Message pairs an event with its destination for SendBatch.
type Message struct {
	To    string
	Event Event
}

type SpawnOption func(*cell)

// WithExecution tags the actor and its future children with an execution id.
func WithExecution(executionID string) SpawnOption {
	return func(c *cell) {
		c.execution = executionID
	}
}
