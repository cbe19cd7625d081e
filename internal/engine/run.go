package engine

import (
	"context"
	"fmt"

	"github.com/eleven-am/loom/internal/actor"
	"github.com/eleven-am/loom/internal/domain"
)

const (
	RunRunning  = "running"
	RunComplete = "complete"
	RunError    = "error"
)

// Run isolates one execution of a node type's side effect. It performs the
// work once and reports a single RESULT to every sender.
type Run struct {
	env   *Environment
	typ   *NodeType
	input RunInput

	id      string
	state   string
	outputs domain.Values
	err     *domain.NodeError
}

func NewRun(env *Environment, typ *NodeType, input RunInput) *Run {
	return &Run{
		env:   env,
		typ:   typ,
		input: input,
		state: RunRunning,
	}
}

// Ephemeral keeps runs out of the module snapshot; they are persisted per
// execution instead.
func (r *Run) Ephemeral() bool {
	return true
}

func (r *Run) Start(ctx *actor.Context) {
	r.id = ctx.Self()
	r.env.metrics().RunStarted(r.typ.Name)

	ctx.Logger().Debug("run started",
		"node_type", r.typ.Name,
		"call_id", r.input.CallID,
		"execution_id", ctx.ExecutionID())

	if r.typ.Run == nil {
		r.finish(ctx, nil, fmt.Errorf("%w: node type %s has no run logic", domain.ErrInvalidInput, r.typ.Name))
		return
	}

	rc := RunContext{
		NodeID:   r.input.Parent,
		CallID:   r.input.CallID,
		Inputs:   r.input.Inputs.Clone(),
		Services: r.env.Services,
	}
	run := r.typ.Run
	ctx.Invoke("run", func(c context.Context) (interface{}, error) {
		return run(c, rc)
	})
}

func (r *Run) Receive(ctx *actor.Context, ev actor.Event) {
	if ev.Type != actor.EventInvokeDone || r.state != RunRunning {
		return
	}
	res, ok := ev.Payload.(actor.InvokeResult)
	if !ok || res.Key != "run" {
		return
	}

	outputs, _ := res.Value.(domain.Values)
	r.finish(ctx, outputs, res.Err)
}

func (r *Run) finish(ctx *actor.Context, outputs domain.Values, err error) {
	result := domain.RunResult{CallID: r.input.CallID}

	if err != nil {
		r.state = RunError
		r.err = domain.NewNodeError(err)
		result.Error = r.err
		ctx.Logger().Warn("run failed", "node_type", r.typ.Name, "call_id", r.input.CallID, "error", err)
	} else {
		r.state = RunComplete
		r.outputs = outputs
		result.OK = true
		result.Outputs = outputs.Clone()
	}

	r.env.metrics().RunCompleted(r.typ.Name, result.OK)
	for _, sender := range r.input.Senders {
		ctx.Send(sender, actor.Event{Type: EventResult, Payload: result})
	}
}

func (r *Run) Fail(ctx *actor.Context, err error) {
	if r.state == RunRunning {
		r.finish(ctx, nil, err)
	}
}

func (r *Run) Snapshot() domain.Snapshot {
	status := domain.StatusActive
	switch r.state {
	case RunComplete:
		status = domain.StatusDone
	case RunError:
		status = domain.StatusError
	}

	var errValue interface{}
	if r.err != nil {
		errValue = *r.err
	}

	return domain.Snapshot{
		Value: r.state,
		Context: map[string]interface{}{
			"callId":  r.input.CallID,
			"inputs":  r.input.Inputs.Clone(),
			"outputs": r.outputs.Clone(),
			"senders": append([]string(nil), r.input.Senders...),
			"parent":  r.input.Parent,
			"error":   errValue,
		},
		Status: status,
	}
}

// Stop cancels in-flight work. Senders of an unfinished run are answered
// with ErrClosed; a result arriving later is discarded.
func (r *Run) Stop(ctx *actor.Context) {
	ctx.CancelInvoke("run")
	if r.state == RunRunning {
		r.finish(ctx, nil, domain.ErrClosed)
	}
}
