package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/eleven-am/loom/internal/actor"
	"github.com/eleven-am/loom/internal/domain"
	"github.com/google/uuid"
)

const (
	NodeIdle     = "idle"
	NodeRunning  = "running"
	NodeComplete = "complete"
	NodeError    = "error"
)

type computePurpose int

const (
	purposeRefresh computePurpose = iota
	purposeEvent
)

type pendingCompute struct {
	purpose   computePurpose
	event     actor.Event
	overrides domain.Values
}

type waiter struct {
	port    string
	socket  string
	replyTo []string
}

// Node is the generic machinery shared by every node type: socket
// ownership, the compute join, two-phase events and run bookkeeping.
type Node struct {
	env   *Environment
	typ   *NodeType
	id    string
	input NodeInput

	state       string
	name        string
	description string
	inputs      domain.Values
	outputs     domain.Values
	inputDefs   map[string]domain.SocketDefinition
	outputDefs  map[string]domain.SocketDefinition
	inputOrder  []string
	outputOrder []string

	inputSockets  map[string]string
	outputSockets map[string]string
	childs        map[string]string
	computes      map[string]*pendingCompute
	resolved      map[string]domain.Values
	runs          map[string]string
	waiters       []waiter
	parent        *domain.ParentLink
	err           *domain.NodeError
	lastEvent     *actor.Event
	refreshing    string
	computeSeq    int
}

func NewNode(env *Environment, typ *NodeType, input NodeInput) *Node {
	return &Node{
		env:           env,
		typ:           typ,
		input:         input,
		state:         NodeIdle,
		name:          typ.Name,
		description:   typ.Description,
		inputs:        domain.Values{},
		outputs:       domain.Values{},
		inputDefs:     make(map[string]domain.SocketDefinition),
		outputDefs:    make(map[string]domain.SocketDefinition),
		inputSockets:  make(map[string]string),
		outputSockets: make(map[string]string),
		childs:        make(map[string]string),
		computes:      make(map[string]*pendingCompute),
		resolved:      make(map[string]domain.Values),
		runs:          make(map[string]string),
		parent:        input.Parent,
	}
}

func (n *Node) Start(ctx *actor.Context) {
	n.id = ctx.Self()

	plan := newRestorePlan(n.input.Restore)
	plan.applyNode(n)

	for _, def := range n.typ.Inputs {
		n.addSocket(ctx, n.prepare(domain.SideInput, def, plan), plan)
	}
	for _, def := range n.typ.Outputs {
		n.addSocket(ctx, n.prepare(domain.SideOutput, def, plan), plan)
	}
	for _, spec := range plan.extraSockets(n) {
		n.addSocket(ctx, spec, plan)
	}

	if n.typ.Compute != nil {
		ctx.Debounce("recompute", n.env.Debounce, actor.Event{Type: eventRecompute})
	}

	ctx.Logger().Debug("node started", "node_type", n.typ.Name, "inputs", len(n.inputSockets), "outputs", len(n.outputSockets))
}

// prepare is the context factory step for one declared socket: clone,
// overlay caller values as defaults and hide sockets of nested nodes.
func (n *Node) prepare(side domain.SocketSide, def domain.SocketDefinition, plan *restorePlan) socketSpec {
	out := def.Clone()
	if restored, ok := plan.definition(n.id, side, def.Key); ok {
		out = restored
	} else if v, ok := n.input.Values[def.Key]; ok && side == domain.SideInput {
		out.Default = v
	}
	if n.parent != nil {
		out.ShowSocket = false
		if parentKey, ok := n.input.Internal[def.Key]; ok {
			if out.Connections == nil {
				out.Connections = make(map[string]string)
			}
			out.Connections[domain.SocketID(n.parent.ID, side, parentKey)] = domain.MarkerInternalParent
		}
	}
	return socketSpec{side: side, def: out}
}

type socketSpec struct {
	side domain.SocketSide
	def  domain.SocketDefinition
}

func (n *Node) addSocket(ctx *actor.Context, spec socketSpec, plan *restorePlan) {
	def, side := spec.def, spec.side
	id := domain.SocketID(n.id, side, def.Key)

	var socket actor.Actor
	var src string
	if side == domain.SideInput {
		if _, exists := n.inputDefs[def.Key]; !exists {
			n.inputOrder = append(n.inputOrder, def.Key)
		}
		n.inputDefs[def.Key] = def
		n.inputSockets[def.Key] = id
		initial := def.Default
		if v, ok := plan.cellValue(id); ok {
			initial = v
		}
		if cur, ok := n.inputs[def.Key]; (!ok || domain.IsNil(cur)) && def.Kind() != domain.KindTrigger && !def.NeedsResolve() {
			n.inputs[def.Key] = initial
		}
		socket = NewInputSocket(n.env, n.id, def, initial)
		src = SrcInputSocket
	} else {
		if _, exists := n.outputDefs[def.Key]; !exists {
			n.outputOrder = append(n.outputOrder, def.Key)
		}
		n.outputDefs[def.Key] = def
		n.outputSockets[def.Key] = id
		if _, ok := n.outputs[def.Key]; !ok {
			n.outputs[def.Key] = nil
		}
		socket = NewOutputSocket(n.env, n.id, def)
		src = SrcOutputSocket
	}

	if err := ctx.Spawn(id, src, socket); err != nil {
		ctx.Logger().Error("failed to spawn socket", "socket_id", id, "error", err)
	}
}

func (n *Node) Receive(ctx *actor.Context, ev actor.Event) {
	switch ev.Type {
	case EventSetValue:
		n.setValue(ctx, ev)

	case EventSetOutput:
		p, ok := ev.Payload.(ValuesPayload)
		if !ok {
			return
		}
		n.mergeOutputs(ctx, p.Values)
		n.flushWaiters(ctx)

	case EventCompute:
		p, _ := ev.Payload.(ComputePayload)
		n.computeFor(ctx, p, ev.From)

	case EventResult:
		switch p := ev.Payload.(type) {
		case ComputeResult:
			n.joined(ctx, p)
		case domain.RunResult:
			n.runFinished(ctx, p)
		}

	case eventRecompute:
		n.refresh(ctx)

	case actor.EventInvokeDone:
		if res, ok := ev.Payload.(actor.InvokeResult); ok {
			n.computed(ctx, res)
		}

	case EventTrigger:
		p, _ := ev.Payload.(TriggerPayload)
		name := EventRun
		if def, ok := n.inputDefs[p.Port]; ok && def.Event != "" {
			name = def.Event
		}
		ctx.SendSelf(actor.Event{Type: name, Origin: ev.Origin})

	case EventInitialize:
		n.initialize(ctx, ev)

	case EventAssignChild:
		p, ok := ev.Payload.(AssignPayload)
		if !ok {
			return
		}
		_, _, key, ok := domain.ParseSocketID(p.Port)
		if !ok {
			key = p.Port
		}
		n.childs[key] = p.Actor.ID
		ctx.Send(domain.SocketID(n.id, domain.SideInput, key), actor.Event{Type: EventAssignActor, Payload: p})

	case EventAddSocket:
		p, ok := ev.Payload.(SocketPayload)
		if !ok {
			return
		}
		n.addDynamicSocket(ctx, p)

	case EventRemoveSocket:
		p, ok := ev.Payload.(SocketPayload)
		if !ok {
			return
		}
		key := p.Key
		if key == "" {
			key = p.Definition.Key
		}
		n.removeSocket(ctx, p.Side, key)

	case EventReset:
		n.reset(ctx)

	case EventRetry:
		if n.lastEvent == nil {
			return
		}
		retry := *n.lastEvent
		retry.Origin = nil
		ctx.SendSelf(retry)

	default:
		handler, isDomain := n.typ.Events[ev.Type]
		if !isDomain && (n.typ.Run == nil || (ev.Type != EventRun && !n.isTriggerEvent(ev.Type))) {
			ctx.Logger().Debug("node ignored event", "event", ev.Type, "state", n.state)
			return
		}
		n.twoPhase(ctx, ev, handler)
	}
}

func (n *Node) isTriggerEvent(name string) bool {
	for _, def := range n.inputDefs {
		if def.Kind() == domain.KindTrigger && def.Event == name {
			return true
		}
	}
	return false
}

func (n *Node) setValue(ctx *actor.Context, ev actor.Event) {
	p, ok := ev.Payload.(ValuesPayload)
	if !ok {
		if single, isSingle := ev.Payload.(ValuePayload); isSingle {
			if _, _, key, parsed := domain.ParseSocketID(ev.From); parsed {
				p = ValuesPayload{Values: domain.Values{key: single.Value}}
				ok = true
			}
		}
		if !ok {
			return
		}
	}

	for coordID := range n.computes {
		ctx.Send(coordID, actor.Event{Type: EventSetValue, Payload: p})
	}

	if p.Err != nil {
		n.setError(ctx, p.Err)
		return
	}

	changed := false
	for key, v := range p.Values {
		if cur, exists := n.inputs[key]; !exists || !domain.Equal(cur, v) {
			changed = true
			break
		}
	}
	if !changed {
		return
	}

	merged, err := domain.MergeValues(n.inputs, p.Values)
	if err != nil {
		n.setError(ctx, domain.NewNodeError(err))
		return
	}
	n.inputs = merged

	if n.typ.Compute != nil {
		ctx.Debounce("recompute", n.env.Debounce, actor.Event{Type: eventRecompute})
	}
}

func (n *Node) mergeOutputs(ctx *actor.Context, values domain.Values) {
	merged, err := domain.MergeValues(n.outputs, n.declared(ctx.Logger(), values))
	if err != nil {
		n.setError(ctx, domain.NewNodeError(err))
		return
	}
	n.outputs = merged
}

// declared drops result keys that have no output socket.
func (n *Node) declared(logger *slog.Logger, values domain.Values) domain.Values {
	out := make(domain.Values, len(values))
	for key, v := range values {
		if _, ok := n.outputSockets[key]; !ok {
			logger.Warn("dropping undeclared output", "node_type", n.typ.Name, "key", key)
			continue
		}
		out[key] = v
	}
	return out
}

// computeFor serves a COMPUTE delegated by one of the node's output sockets.
func (n *Node) computeFor(ctx *actor.Context, p ComputePayload, from string) {
	if p.Port == "" {
		n.refresh(ctx)
		return
	}

	replyTo := p.ReplyTo
	if len(replyTo) == 0 && from != "" {
		replyTo = []string{from}
	}
	n.waiters = append(n.waiters, waiter{port: p.Port, socket: from, replyTo: replyTo})

	if n.typ.Compute != nil {
		n.refresh(ctx)
		return
	}
	n.flushWaiters(ctx)
}

func (n *Node) flushWaiters(ctx *actor.Context) {
	remaining := n.waiters[:0]
	for _, w := range n.waiters {
		v := n.outputs[w.port]
		if domain.IsNil(v) {
			remaining = append(remaining, w)
			continue
		}
		for _, target := range w.replyTo {
			ctx.Send(target, actor.Event{
				Type:    EventSetValue,
				Payload: ValuePayload{Value: v},
				Origin:  replyOrigin(w.socket),
			})
		}
	}
	n.waiters = remaining
}

// coordinate spawns a compute coordinator over every non-trigger input.
func (n *Node) coordinate(ctx *actor.Context, pending *pendingCompute, seed domain.Values) (string, error) {
	sockets := make(map[string]string, len(n.inputSockets))
	for key, id := range n.inputSockets {
		if n.inputDefs[key].Kind() == domain.KindTrigger {
			continue
		}
		sockets[key] = id
	}

	n.computeSeq++
	coordID := fmt.Sprintf("%s.compute.%d", n.id, n.computeSeq)
	n.computes[coordID] = pending

	coordinator := NewComputeCoordinator(n.env, sockets, seed, []string{n.id})
	if err := ctx.Spawn(coordID, SrcComputeCoordinator, coordinator); err != nil {
		delete(n.computes, coordID)
		return "", err
	}
	return coordID, nil
}

func (n *Node) refresh(ctx *actor.Context) {
	if n.typ.Compute == nil {
		return
	}
	if n.refreshing != "" {
		if _, pending := n.computes[n.refreshing]; pending {
			return
		}
	}

	coordID, err := n.coordinate(ctx, &pendingCompute{purpose: purposeRefresh}, n.plainInputs())
	if err != nil {
		ctx.Logger().Error("failed to spawn compute coordinator", "error", err)
		return
	}
	n.refreshing = coordID
}

// plainInputs is the refresh seed: inputs whose socket value is used as
// stored. Expression and secret sockets are always asked to resolve.
func (n *Node) plainInputs() domain.Values {
	seed := make(domain.Values, len(n.inputs))
	for key, v := range n.inputs {
		if def, ok := n.inputDefs[key]; ok && def.NeedsResolve() {
			continue
		}
		seed[key] = v
	}
	return seed
}

// twoPhase holds ev until every input is resolved, then redelivers it
// tagged with the coordinator that resolved it.
func (n *Node) twoPhase(ctx *actor.Context, ev actor.Event, handler EventFunc) {
	if ev.HasOrigin(OriginComputeEvent) {
		inputs, ok := n.resolved[ev.Origin.ID]
		if !ok {
			ctx.Logger().Warn("dropping compute event without resolved inputs", "event", ev.Type, "coordinator", ev.Origin.ID)
			return
		}
		delete(n.resolved, ev.Origin.ID)
		if handler != nil {
			n.handleDomainEvent(ctx, handler, ev, inputs)
			return
		}
		n.doRun(ctx, ev, inputs)
		return
	}

	p, _ := ev.Payload.(RunPayload)
	n.lastEvent = &ev

	if _, err := n.coordinate(ctx, &pendingCompute{purpose: purposeEvent, event: ev, overrides: p.Values}, p.Values); err != nil {
		n.setError(ctx, domain.NewNodeError(err))
	}
}

func (n *Node) joined(ctx *actor.Context, res ComputeResult) {
	pending, ok := n.computes[res.CoordinatorID]
	if !ok {
		return
	}
	delete(n.computes, res.CoordinatorID)
	ctx.Stop(res.CoordinatorID)
	if n.refreshing == res.CoordinatorID {
		n.refreshing = ""
	}

	if !res.OK {
		n.joinFailed(ctx, pending, res.Err)
		return
	}

	update := make(domain.Values, len(res.Inputs))
	for key, v := range res.Inputs {
		if _, overridden := pending.overrides[key]; overridden {
			continue
		}
		update[key] = v
	}
	if merged, err := domain.MergeValues(n.inputs, update); err == nil {
		n.inputs = merged
	}

	switch pending.purpose {
	case purposeRefresh:
		inputs := res.Inputs.Clone()
		svc := n.env.Services
		compute := n.typ.Compute
		ctx.Invoke("compute", func(c context.Context) (interface{}, error) {
			return compute(c, svc, inputs)
		})

	case purposeEvent:
		n.resolved[res.CoordinatorID] = res.Inputs.Clone()
		redelivered := pending.event
		redelivered.Origin = &actor.Origin{Type: OriginComputeEvent, ID: res.CoordinatorID}
		ctx.SendSelf(redelivered)
	}
}

// joinFailed records err and answers whoever the join was serving: the
// reply targets of a held event, or the output waiters of a refresh.
func (n *Node) joinFailed(ctx *actor.Context, pending *pendingCompute, err *domain.NodeError) {
	if err == nil {
		err = domain.NewNodeError(fmt.Errorf("compute join for %s failed", n.id))
	}
	n.setError(ctx, err)

	switch pending.purpose {
	case purposeEvent:
		p, _ := pending.event.Payload.(RunPayload)
		for _, target := range p.ReplyTo {
			ctx.Send(target, actor.Event{
				Type:    EventResult,
				Payload: domain.RunResult{CallID: p.CallID, Error: err},
			})
		}

	case purposeRefresh:
		n.failWaiters(ctx, err)
	}
}

func (n *Node) failWaiters(ctx *actor.Context, err *domain.NodeError) {
	for _, w := range n.waiters {
		for _, target := range w.replyTo {
			ctx.Send(target, actor.Event{
				Type:    EventSetValue,
				Payload: ValuesPayload{Values: domain.Values{w.port: nil}, Err: err},
				Origin:  replyOrigin(w.socket),
			})
		}
	}
	n.waiters = nil
}

func (n *Node) computed(ctx *actor.Context, res actor.InvokeResult) {
	if res.Key != "compute" {
		return
	}
	if res.Err != nil {
		n.setError(ctx, domain.NewNodeError(res.Err))
		return
	}

	outputs, _ := res.Value.(domain.Values)
	n.mergeOutputs(ctx, outputs)
	if n.state == NodeError {
		n.state = NodeIdle
		n.err = nil
	}
	n.resolveOutputSockets(ctx)
	n.flushWaiters(ctx)
}

func (n *Node) doRun(ctx *actor.Context, ev actor.Event, inputs domain.Values) {
	p, _ := ev.Payload.(RunPayload)

	callID := p.CallID
	if callID == "" {
		callID = domain.CallIDPrefix + uuid.NewString()
	}
	if _, running := n.runs[callID]; running {
		ctx.Logger().Warn("run with this call id is already in flight", "call_id", callID)
		return
	}

	runID := n.id + "." + callID
	n.runs[callID] = runID
	n.state = NodeRunning
	n.err = nil

	ctx.Send(n.env.EditorID, actor.Event{
		Type: EventSpawnRun,
		Payload: SpawnPayload{
			ID:        runID,
			MachineID: n.typ.RunSrc(),
			SystemID:  runID,
			Run: &RunInput{
				CallID:   callID,
				NodeType: n.typ.Name,
				Inputs:   inputs,
				Senders:  uniqueAppend([]string{n.id}, p.ReplyTo...),
				Parent:   n.id,
			},
		},
	})
}

func (n *Node) runFinished(ctx *actor.Context, res domain.RunResult) {
	runID, ok := n.runs[res.CallID]
	if !ok {
		ctx.Logger().Debug("discarding result of unknown run", "call_id", res.CallID)
		return
	}
	delete(n.runs, res.CallID)
	ctx.Send(n.env.EditorID, actor.Event{Type: EventDestroy, Payload: DestroyPayload{ID: runID}})

	if !res.OK {
		n.setError(ctx, res.Error)
		return
	}

	n.mergeOutputs(ctx, res.Outputs)
	n.err = nil
	n.state = NodeComplete
	if len(n.runs) > 0 {
		n.state = NodeRunning
	}

	n.triggerSuccessors(ctx, n.typ.donePort())
	n.resolveOutputSockets(ctx)
	n.flushWaiters(ctx)
}

// triggerSuccessors fires the output socket whose id ends with port.
func (n *Node) triggerSuccessors(ctx *actor.Context, port string) {
	suffix := ":" + port
	for _, id := range n.outputSockets {
		if strings.HasSuffix(id, suffix) {
			ctx.Send(id, actor.Event{Type: EventTrigger})
		}
	}
}

// resolveOutputSockets pushes outputs[key] to each output socket without
// waiting for the mirror debounce.
func (n *Node) resolveOutputSockets(ctx *actor.Context) {
	for _, key := range n.outputOrder {
		id, ok := n.outputSockets[key]
		if !ok || n.outputDefs[key].Kind() != domain.KindBasic {
			continue
		}
		ctx.Send(id, actor.Event{Type: EventResolve, Payload: ValuePayload{Value: n.outputs[key]}})
	}
}

// initialize re-announces nested actors to their sockets, e.g. after the
// parent link changed.
func (n *Node) initialize(ctx *actor.Context, ev actor.Event) {
	if p, ok := ev.Payload.(InitializePayload); ok && p.Parent != nil {
		n.parent = p.Parent
	}

	for key, childID := range n.childs {
		if !ctx.Exists(childID) {
			ctx.Logger().Debug("nested actor not yet live", "port", key, "actor_id", childID)
			continue
		}
		src, _ := ctx.SrcOf(childID)
		ctx.Send(domain.SocketID(n.id, domain.SideInput, key), actor.Event{
			Type:    EventAssignActor,
			Payload: AssignPayload{Actor: domain.ActorRef{ID: childID, Src: src}, Port: key},
		})
	}
}

func (n *Node) addDynamicSocket(ctx *actor.Context, p SocketPayload) {
	if err := p.Definition.Validate(); err != nil {
		ctx.Logger().Warn("rejecting socket definition", "error", err)
		return
	}

	side := p.Side
	if side == "" {
		side = domain.SideInput
	}
	existing := n.inputSockets
	if side == domain.SideOutput {
		existing = n.outputSockets
	}
	if id, ok := existing[p.Definition.Key]; ok {
		ctx.Send(id, actor.Event{Type: EventUpdateSocket, Payload: p})
		return
	}

	def := p.Definition.Clone()
	if n.parent != nil {
		def.ShowSocket = false
	}
	n.addSocket(ctx, socketSpec{side: side, def: def}, nil)
}

func (n *Node) removeSocket(ctx *actor.Context, side domain.SocketSide, key string) {
	sockets, defs := n.inputSockets, n.inputDefs
	if side == domain.SideOutput {
		sockets, defs = n.outputSockets, n.outputDefs
	}

	id, ok := sockets[key]
	if !ok {
		return
	}
	ctx.Stop(id)
	delete(sockets, key)
	delete(defs, key)

	if side == domain.SideOutput {
		delete(n.outputs, key)
		n.outputOrder = removeKey(n.outputOrder, key)
		return
	}

	delete(n.inputs, key)
	n.inputOrder = removeKey(n.inputOrder, key)
	if childID, ok := n.childs[key]; ok {
		delete(n.childs, key)
		ctx.Send(n.env.EditorID, actor.Event{Type: EventDestroy, Payload: DestroyPayload{ID: childID}})
	}
}

// reset stops every outstanding run and join. In-flight run work is not
// awaited; late results are discarded.
func (n *Node) reset(ctx *actor.Context) {
	for _, runID := range n.sortedRuns() {
		ctx.Send(n.env.EditorID, actor.Event{Type: EventDestroy, Payload: DestroyPayload{ID: runID}})
	}
	n.runs = make(map[string]string)

	for coordID := range n.computes {
		ctx.Stop(coordID)
	}
	n.computes = make(map[string]*pendingCompute)
	n.resolved = make(map[string]domain.Values)
	n.refreshing = ""
	ctx.CancelInvoke("compute")

	n.state = NodeIdle
	n.err = nil
}

func (n *Node) sortedRuns() []string {
	ids := make([]string, 0, len(n.runs))
	for _, id := range n.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (n *Node) setError(ctx *actor.Context, err *domain.NodeError) {
	if err == nil {
		return
	}
	n.err = err
	n.state = NodeError
	ctx.Logger().Warn("node error", "node_type", n.typ.Name, "error", err.Error())
}

func (n *Node) Fail(ctx *actor.Context, err error) {
	n.setError(ctx, domain.NewNodeError(err))
}

func (n *Node) handleDomainEvent(ctx *actor.Context, handler EventFunc, ev actor.Event, inputs domain.Values) {
	scope := &Scope{node: n, ctx: ctx, inputs: inputs}
	if err := handler(scope, ev); err != nil {
		n.setError(ctx, domain.NewNodeError(err))
		return
	}
	if scope.outputsChanged {
		n.resolveOutputSockets(ctx)
		n.flushWaiters(ctx)
	}
}

func (n *Node) Snapshot() domain.Snapshot {
	computes := make(map[string]interface{}, len(n.computes))
	for id, p := range n.computes {
		if p.purpose == purposeEvent {
			computes[id] = p.event.Type
		} else {
			computes[id] = "refresh"
		}
	}

	var errValue interface{}
	if n.err != nil {
		errValue = *n.err
	}
	var parent interface{}
	if n.parent != nil {
		parent = *n.parent
	}

	return domain.Snapshot{
		Value: n.state,
		Context: map[string]interface{}{
			"name":          n.name,
			"description":   n.description,
			"inputs":        n.inputs.Clone(),
			"outputs":       n.outputs.Clone(),
			"inputSockets":  copyStrings(n.inputSockets),
			"outputSockets": copyStrings(n.outputSockets),
			"childs":        copyStrings(n.childs),
			"computes":      computes,
			"runs":          copyStrings(n.runs),
			"parent":        parent,
			"error":         errValue,
		},
		Status: domain.StatusActive,
	}
}

func (n *Node) Stop(ctx *actor.Context) {
	for _, runID := range n.sortedRuns() {
		ctx.Send(n.env.EditorID, actor.Event{Type: EventDestroy, Payload: DestroyPayload{ID: runID}})
	}
}

func removeKey(keys []string, key string) []string {
	for i, k := range keys {
		if k == key {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}

// Scope is the node surface exposed to domain event handlers. Inputs are
// the values the event's compute join resolved.
type Scope struct {
	node           *Node
	ctx            *actor.Context
	inputs         domain.Values
	outputsChanged bool
}

func (s *Scope) NodeID() string {
	return s.node.id
}

func (s *Scope) Logger() *slog.Logger {
	return s.ctx.Logger()
}

func (s *Scope) Services() *Services {
	return s.node.env.Services
}

func (s *Scope) Input(key string) interface{} {
	if v, ok := s.inputs[key]; ok {
		return v
	}
	return s.node.inputs[key]
}

func (s *Scope) Output(key string) interface{} {
	return s.node.outputs[key]
}

// SetInput writes through the input socket so the value cell stays the
// source of truth.
func (s *Scope) SetInput(key string, value interface{}) {
	id, ok := s.node.inputSockets[key]
	if !ok {
		return
	}
	s.node.inputs[key] = value
	if s.inputs != nil {
		s.inputs[key] = value
	}
	s.ctx.Send(id, actor.Event{Type: EventSetValue, Payload: ValuePayload{Value: value}})
}

func (s *Scope) SetOutputs(values domain.Values) error {
	merged, err := domain.MergeValues(s.node.outputs, s.node.declared(s.ctx.Logger(), values))
	if err != nil {
		return err
	}
	s.node.outputs = merged
	s.outputsChanged = true
	return nil
}

func (s *Scope) Send(to string, ev actor.Event) {
	s.ctx.Send(to, ev)
}
