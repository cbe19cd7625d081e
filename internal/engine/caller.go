package engine

import (
	"github.com/eleven-am/loom/internal/actor"
	"github.com/eleven-am/loom/internal/domain"
)

const SrcCaller = "caller"

// Caller bridges a synchronous request to one node run. It sends RUN with
// itself as reply target and hands the RunResult to the waiting goroutine.
type Caller struct {
	target string
	event  string
	run    RunPayload
	result chan domain.RunResult
	done   bool
}

func NewCaller(target, event string, run RunPayload) *Caller {
	if event == "" {
		event = EventRun
	}
	return &Caller{
		target: target,
		event:  event,
		run:    run,
		result: make(chan domain.RunResult, 1),
	}
}

// Result receives exactly one value.
func (c *Caller) Result() <-chan domain.RunResult {
	return c.result
}

func (c *Caller) Ephemeral() bool {
	return true
}

func (c *Caller) Start(ctx *actor.Context) {
	p := c.run
	p.ReplyTo = uniqueAppend([]string{ctx.Self()}, p.ReplyTo...)
	ctx.Send(c.target, actor.Event{Type: c.event, Payload: p})
}

func (c *Caller) Receive(ctx *actor.Context, ev actor.Event) {
	if ev.Type != EventResult || c.done {
		return
	}
	res, ok := ev.Payload.(domain.RunResult)
	if !ok || (c.run.CallID != "" && res.CallID != c.run.CallID) {
		return
	}
	c.done = true
	c.result <- res
}

func (c *Caller) Snapshot() domain.Snapshot {
	state := "waiting"
	if c.done {
		state = "done"
	}
	return domain.Snapshot{
		Value:   state,
		Context: map[string]interface{}{"target": c.target, "callId": c.run.CallID},
		Status:  domain.StatusActive,
	}
}

func (c *Caller) Stop(ctx *actor.Context) {
	if !c.done {
		c.done = true
		c.result <- domain.RunResult{CallID: c.run.CallID, Error: domain.NewNodeError(domain.ErrClosed)}
	}
}
