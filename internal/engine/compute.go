package engine

import (
	"fmt"
	"sort"

	"github.com/eleven-am/loom/internal/actor"
	"github.com/eleven-am/loom/internal/domain"
)

const SrcComputeCoordinator = "compute"

// ComputeCoordinator is the join over a node's input sockets. It asks every
// socket for its value and sends exactly one RESULT to each target once
// every key holds a non-nil value.
type ComputeCoordinator struct {
	env     *Environment
	id      string
	sockets map[string]string
	keys    []string
	seed    domain.Values
	targets []string

	inputs domain.Values
	done   bool
	ok     bool
	err    *domain.NodeError
}

// NewComputeCoordinator joins over sockets (key -> socket id). Seeded keys
// count as already resolved and are not requested.
func NewComputeCoordinator(env *Environment, sockets map[string]string, seed domain.Values, targets []string) *ComputeCoordinator {
	keys := make([]string, 0, len(sockets))
	for key := range sockets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return &ComputeCoordinator{
		env:     env,
		sockets: sockets,
		keys:    keys,
		seed:    seed,
		targets: targets,
		inputs:  make(domain.Values, len(keys)),
	}
}

func (c *ComputeCoordinator) Ephemeral() bool {
	return true
}

func (c *ComputeCoordinator) Start(ctx *actor.Context) {
	c.id = ctx.Self()

	for _, key := range c.keys {
		if v, ok := c.seed[key]; ok && !domain.IsNil(v) {
			c.inputs[key] = v
			continue
		}
		c.inputs[key] = nil
		ctx.Send(c.sockets[key], actor.Event{
			Type:    EventCompute,
			Payload: ComputePayload{ReplyTo: []string{c.id}},
		})
	}

	if c.env.ComputeTimeout > 0 {
		ctx.Debounce("timeout", c.env.ComputeTimeout, actor.Event{Type: eventTimeout})
	}
	c.check(ctx)
}

func (c *ComputeCoordinator) Receive(ctx *actor.Context, ev actor.Event) {
	if c.done {
		return
	}

	switch ev.Type {
	case EventSetValue:
		p, ok := ev.Payload.(ValuesPayload)
		if !ok {
			return
		}
		if p.Err != nil {
			c.finish(ctx, false, p.Err)
			return
		}
		for key, v := range p.Values {
			if _, tracked := c.sockets[key]; tracked {
				c.inputs[key] = v
			}
		}
		c.check(ctx)

	case eventTimeout:
		missing := make([]string, 0)
		for _, key := range c.keys {
			if domain.IsNil(c.inputs[key]) {
				missing = append(missing, key)
			}
		}
		err := fmt.Errorf("%w: compute join still waiting for %v after %s", domain.ErrTimeout, missing, c.env.ComputeTimeout)
		ctx.Logger().Warn("compute join timed out", "missing", missing)
		c.finish(ctx, false, domain.NewNodeError(err))
	}
}

func (c *ComputeCoordinator) check(ctx *actor.Context) {
	if c.inputs.HasAll(c.keys) {
		c.finish(ctx, true, nil)
	}
}

func (c *ComputeCoordinator) finish(ctx *actor.Context, ok bool, err *domain.NodeError) {
	c.done = true
	c.ok = ok
	c.err = err
	ctx.CancelDebounce("timeout")

	outcome := "resolved"
	if !ok {
		outcome = "failed"
	}
	c.env.metrics().ComputeJoined(outcome)

	result := ComputeResult{
		CoordinatorID: c.id,
		Inputs:        c.inputs.Clone(),
		OK:            ok,
		Err:           err,
	}
	for _, target := range c.targets {
		ctx.Send(target, actor.Event{Type: EventResult, Payload: result})
	}
}

func (c *ComputeCoordinator) Snapshot() domain.Snapshot {
	state := "computing"
	status := domain.StatusActive
	if c.done {
		state, status = "done", domain.StatusDone
		if !c.ok {
			state, status = "error", domain.StatusError
		}
	}

	return domain.Snapshot{
		Value: state,
		Context: map[string]interface{}{
			"inputs":  c.inputs.Clone(),
			"targets": append([]string(nil), c.targets...),
		},
		Status: status,
	}
}

func (c *ComputeCoordinator) Stop(ctx *actor.Context) {}
