package engine

import (
	"context"
	"fmt"

	"github.com/eleven-am/loom/internal/actor"
	"github.com/eleven-am/loom/internal/domain"
)

const (
	SrcInputSocket  = "socket.input"
	SrcOutputSocket = "socket.output"
)

// Parallel region names and values shared by both socket sides.
const (
	RegionInput      = "input"
	RegionConnection = "connection"
	RegionSocket     = "socket"

	StateVisible       = "TRUE"
	StateHidden        = "FALSE"
	StateNoConnection  = "noConnection"
	StateHasConnection = "hasConnection"
)

const (
	StateBasicIdle       = "basic.idle"
	StateBasicConnection = "basic.connection"
	StateActorInitialize = "actor.initialize"
	StateActorReady      = "actor.ready"
	StateActorConnection = "actor.connection"
	StateTrigger         = "trigger"

	StateOutputIdle    = "idle"
	StateOutputTrigger = "hasConnection.trigger"
	StateOutputActor   = "hasConnection.actor"
	StateOutputValue   = "hasConnection.value"
)

// InputSocket owns one input port of a node: a value cell for basic
// sockets, a nested node for actor sockets, nothing for triggers.
type InputSocket struct {
	env     *Environment
	id      string
	owner   string
	def     domain.SocketDefinition
	initial interface{}

	state   string
	visible bool
	cell    string
	nested  domain.ActorRef

	settled   bool
	lastValue interface{}
	// last value handed to internally linked children
	pushed    interface{}
	hasPushed bool

	requesters   []string
	awaitingRef  []string
	awaitedRef   bool
	resolving    map[string][]string
	resolveCount int
}

func NewInputSocket(env *Environment, owner string, def domain.SocketDefinition, initial interface{}) *InputSocket {
	return &InputSocket{
		env:       env,
		owner:     owner,
		def:       def.Clone(),
		initial:   initial,
		resolving: make(map[string][]string),
	}
}

// NestedID is the deterministic id of the node spawned behind an actor
// socket.
func NestedID(owner, key string) string {
	return owner + "." + key
}

func (s *InputSocket) Start(ctx *actor.Context) {
	s.id = ctx.Self()

	s.visible = s.def.Visible()
	if s.visible {
		ctx.Send(s.env.EditorID, actor.Event{
			Type:    EventAddInputSocket,
			Payload: SocketPayload{Side: domain.SideInput, Key: s.def.Key, Definition: s.def.Clone()},
		})
	}

	switch s.def.Kind() {
	case domain.KindTrigger:
		s.state = StateTrigger

	case domain.KindActor:
		s.state = StateActorInitialize
		s.spawnNested(ctx)

	default:
		s.cell = cellID(s.id)
		if err := ctx.Spawn(s.cell, SrcValueCell, NewValueCell(s.initial)); err != nil && !domain.IsActorExists(err) {
			ctx.Logger().Error("failed to spawn value cell", "error", err)
		}
		ctx.Watch(s.cell)

		s.state = StateBasicIdle
		if s.def.EdgeCount() > 0 {
			s.state = StateBasicConnection
		}
	}
}

func (s *InputSocket) spawnNested(ctx *actor.Context) {
	nestedID := NestedID(s.owner, s.def.Key)

	input := &NodeInput{
		Parent: &domain.ParentLink{ID: s.owner, Port: s.id},
	}
	if defaults, ok := s.def.Default.(map[string]interface{}); ok {
		input.Values = domain.Values(defaults).Clone()
	}
	if s.def.ActorConfig != nil {
		input.Internal = copyStrings(s.def.ActorConfig.Internal)
	}

	ctx.Send(s.env.EditorID, actor.Event{
		Type: EventSpawn,
		Payload: SpawnPayload{
			ID:        nestedID,
			MachineID: s.def.ActorType,
			SystemID:  nestedID,
			Node:      input,
		},
	})
}

func (s *InputSocket) Receive(ctx *actor.Context, ev actor.Event) {
	switch ev.Type {
	case actor.EventSnapshotChanged:
		change, ok := ev.Payload.(actor.SnapshotChange)
		if !ok || change.ActorID != s.cell {
			return
		}
		ctx.Debounce("cell", s.env.Debounce, actor.Event{
			Type:    eventCellSettled,
			Payload: ValuePayload{Value: change.Snapshot.Context["value"]},
		})

	case eventCellSettled:
		p, _ := ev.Payload.(ValuePayload)
		if s.settled && domain.Equal(p.Value, s.lastValue) {
			return
		}
		s.settled = true
		s.lastValue = p.Value
		if s.state == StateBasicIdle {
			s.compute(ctx, nil)
		}

	case EventCompute:
		p, _ := ev.Payload.(ComputePayload)
		s.compute(ctx, p.ReplyTo)

	case EventSetValue:
		s.setValue(ctx, ev)

	case actor.EventInvokeDone:
		if res, ok := ev.Payload.(actor.InvokeResult); ok {
			s.resolved(ctx, res)
		}

	case EventAssignActor:
		p, ok := ev.Payload.(AssignPayload)
		if !ok {
			return
		}
		s.assignActor(ctx, p.Actor)

	case EventAddConnection:
		p, ok := ev.Payload.(ConnectionPayload)
		if !ok || p.Peer == "" {
			return
		}
		s.addConnection(ctx, p)

	case EventRemoveConnection:
		p, ok := ev.Payload.(ConnectionPayload)
		if !ok {
			return
		}
		s.removeConnection(ctx, p.Peer)

	case EventUpdateSocket:
		p, ok := ev.Payload.(SocketPayload)
		if !ok {
			return
		}
		s.updateDefinition(ctx, p.Definition)

	case EventTrigger:
		if s.state == StateTrigger {
			ctx.Send(s.owner, actor.Event{Type: EventTrigger, Payload: TriggerPayload{Port: s.def.Key}, Origin: ev.Origin})
		}

	case EventDelete:
		ctx.Send(s.owner, actor.Event{
			Type:    EventRemoveSocket,
			Payload: SocketPayload{Side: domain.SideInput, Key: s.def.Key},
		})

	default:
		if name, ok := ForwardedName(ev.Type); ok {
			s.forward(ctx, name, ev)
			return
		}
		ctx.Logger().Debug("input socket ignored event", "event", ev.Type, "state", s.state)
	}
}

// compute resolves the socket's current value for the owner and every
// requester.
func (s *InputSocket) compute(ctx *actor.Context, replyTo []string) {
	switch s.state {
	case StateBasicIdle:
		value := s.lastValue
		if snap, ok := ctx.SnapshotOf(s.cell); ok {
			value = snap.Context["value"]
		}

		var ownerInputs domain.Values
		if snap, ok := ctx.SnapshotOf(s.owner); ok {
			ownerInputs = contextValues(snap.Context, "inputs")
		}

		s.resolveCount++
		key := fmt.Sprintf("resolve:%d", s.resolveCount)
		s.resolving[key] = uniqueAppend([]string{s.owner}, replyTo...)

		def := s.def
		svc := s.env.Services
		ctx.Invoke(key, func(c context.Context) (interface{}, error) {
			return resolveValue(c, svc, def, value, ownerInputs)
		})

	case StateBasicConnection, StateActorConnection:
		s.requesters = uniqueAppend(s.requesters, replyTo...)
		for _, peer := range s.def.Peers() {
			ctx.Send(peer, actor.Event{Type: EventCompute, Payload: ComputePayload{ReplyTo: []string{s.id}}})
		}

	case StateActorReady:
		s.sendValue(ctx, s.nested, uniqueAppend([]string{s.owner}, replyTo...))

	case StateActorInitialize:
		s.awaitedRef = true
		s.awaitingRef = uniqueAppend(s.awaitingRef, replyTo...)
	}
}

func resolveValue(ctx context.Context, svc *Services, def domain.SocketDefinition, value interface{}, inputs domain.Values) (interface{}, error) {
	switch def.Format {
	case domain.FormatSecret:
		name, ok := value.(string)
		if !ok || name == "" {
			return value, nil
		}
		if svc == nil || svc.Secrets == nil {
			return nil, fmt.Errorf("%w: no secret resolver for socket %s", domain.ErrInvalidConfig, def.Key)
		}
		return svc.Secrets.Resolve(ctx, name)

	case domain.FormatExpression:
		code, ok := value.(string)
		if !ok || code == "" {
			return value, nil
		}
		if svc == nil || svc.Scripts == nil {
			return nil, fmt.Errorf("%w: no script runner for socket %s", domain.ErrInvalidConfig, def.Key)
		}
		return svc.Scripts.SendScript(ctx, code, map[string]interface{}{"inputs": map[string]interface{}(inputs)})
	}
	return value, nil
}

func (s *InputSocket) resolved(ctx *actor.Context, res actor.InvokeResult) {
	targets, ok := s.resolving[res.Key]
	if !ok {
		return
	}
	delete(s.resolving, res.Key)

	payload := ValuesPayload{Values: domain.Values{s.def.Key: res.Value}}
	if res.Err != nil {
		ctx.Logger().Warn("failed to resolve socket value", "socket", s.def.Key, "format", s.def.Format, "error", res.Err)
		payload = ValuesPayload{Values: domain.Values{s.def.Key: nil}, Err: domain.NewNodeError(res.Err)}
	}

	for _, target := range targets {
		ctx.Send(target, actor.Event{Type: EventSetValue, Payload: payload})
	}

	if res.Err == nil {
		s.pushInternal(ctx, res.Value, false)
	}
}

func (s *InputSocket) pushInternal(ctx *actor.Context, value interface{}, force bool) {
	children := s.def.PeersWith(domain.MarkerInternalChild)
	if len(children) == 0 {
		return
	}
	if !force && s.hasPushed && domain.Equal(s.pushed, value) {
		return
	}
	s.pushed = value
	s.hasPushed = true
	for _, peer := range children {
		ctx.Send(peer, actor.Event{Type: EventSetValue, Payload: ValuePayload{Value: value}})
	}
}

func (s *InputSocket) sendValue(ctx *actor.Context, value interface{}, targets []string) {
	for _, target := range targets {
		ctx.Send(target, actor.Event{
			Type:    EventSetValue,
			Payload: ValuesPayload{Values: domain.Values{s.def.Key: value}},
		})
	}
}

func payloadValue(payload interface{}, key string) (interface{}, bool) {
	switch p := payload.(type) {
	case ValuePayload:
		return p.Value, true
	case ValuesPayload:
		v, ok := p.Values[key]
		return v, ok
	}
	return nil, false
}

func (s *InputSocket) setValue(ctx *actor.Context, ev actor.Event) {
	peer := ev.From
	if ev.Origin != nil && ev.Origin.Type == OriginCompute {
		peer = ev.Origin.ID
	}
	_, connected := s.def.Connections[peer]

	if failed, isValues := ev.Payload.(ValuesPayload); isValues && failed.Err != nil {
		if !connected || (s.state != StateBasicConnection && s.state != StateActorConnection) {
			return
		}
		targets := uniqueAppend([]string{s.owner}, s.requesters...)
		s.requesters = nil
		for _, target := range targets {
			ctx.Send(target, actor.Event{
				Type:    EventSetValue,
				Payload: ValuesPayload{Values: domain.Values{s.def.Key: nil}, Err: failed.Err},
			})
		}
		return
	}

	value, ok := payloadValue(ev.Payload, s.def.Key)
	if !ok {
		return
	}

	if !connected {
		if _, _, _, isSocket := domain.ParseSocketID(peer); isSocket {
			ctx.Logger().Debug("dropping value from unconnected socket", "peer", peer)
			return
		}
	}

	switch s.state {
	case StateBasicIdle:
		ctx.Send(s.cell, actor.Event{Type: EventSetValue, Payload: ValuePayload{Value: value}})

	case StateBasicConnection, StateActorConnection:
		if !connected {
			ctx.Logger().Debug("socket value is supplied upstream, ignoring local write", "socket", s.def.Key)
			return
		}

		targets := uniqueAppend([]string{s.owner}, s.requesters...)
		s.requesters = nil
		s.sendValue(ctx, value, targets)

		for _, child := range s.def.PeersWith(domain.MarkerInternalChild) {
			if child == peer {
				continue
			}
			ctx.Send(child, actor.Event{Type: EventSetValue, Payload: ValuePayload{Value: value}})
		}

	default:
		ctx.Logger().Debug("socket does not hold a plain value", "socket", s.def.Key, "state", s.state)
	}
}

func (s *InputSocket) assignActor(ctx *actor.Context, ref domain.ActorRef) {
	s.nested = ref

	if s.state != StateActorInitialize {
		if s.state == StateActorConnection {
			s.sendValue(ctx, s.nested, []string{s.owner})
		}
		return
	}

	if s.def.EdgeCount() > 0 {
		s.enterConnection(ctx)
	} else {
		s.state = StateActorReady
	}

	if s.awaitedRef {
		waiting := s.awaitingRef
		s.awaitingRef = nil
		s.awaitedRef = false
		s.compute(ctx, waiting)
	}
}

func (s *InputSocket) addConnection(ctx *actor.Context, p ConnectionPayload) {
	marker := p.Marker
	if marker == "" {
		marker = domain.MarkerEdge
	}
	if existing, ok := s.def.Connections[p.Peer]; ok && existing == marker {
		return
	}

	before := s.def.EdgeCount()
	if s.def.Connections == nil {
		s.def.Connections = make(map[string]string)
	}
	s.def.Connections[p.Peer] = marker

	if before == 0 && s.def.EdgeCount() > 0 {
		s.enterConnection(ctx)
	}
	if marker == domain.MarkerInternalChild && s.state == StateBasicIdle {
		s.hasPushed = false
		s.compute(ctx, nil)
	}
	s.syncVisibility(ctx)
}

func (s *InputSocket) removeConnection(ctx *actor.Context, peer string) {
	if _, ok := s.def.Connections[peer]; !ok {
		return
	}

	before := s.def.EdgeCount()
	delete(s.def.Connections, peer)

	if before > 0 && s.def.EdgeCount() == 0 {
		s.leaveConnection(ctx)
	}
	s.syncVisibility(ctx)
}

func (s *InputSocket) updateDefinition(ctx *actor.Context, def domain.SocketDefinition) {
	if def.Kind() != s.def.Kind() {
		ctx.Logger().Warn("socket kind cannot change after spawn", "socket", s.def.Key, "from", s.def.Kind(), "to", def.Kind())
	}

	before := s.def.EdgeCount()
	next := def.Clone()
	next.Key = s.def.Key
	next.ActorType = s.def.ActorType
	if next.Type == domain.TypeTrigger && s.def.Type != domain.TypeTrigger {
		next.Type = s.def.Type
	}
	s.def = next

	after := s.def.EdgeCount()
	switch {
	case before == 0 && after > 0:
		s.enterConnection(ctx)
	case before > 0 && after == 0:
		s.leaveConnection(ctx)
	}
	s.syncVisibility(ctx)
}

func (s *InputSocket) enterConnection(ctx *actor.Context) {
	switch s.state {
	case StateBasicIdle:
		s.state = StateBasicConnection
	case StateActorReady, StateActorInitialize:
		if s.nested.ID == "" {
			return
		}
		s.state = StateActorConnection
		s.sendValue(ctx, s.nested, []string{s.owner})
	}
}

func (s *InputSocket) leaveConnection(ctx *actor.Context) {
	switch s.state {
	case StateBasicConnection:
		s.state = StateBasicIdle
	case StateActorConnection:
		s.state = StateActorReady
	default:
		return
	}

	if len(s.requesters) > 0 {
		waiting := s.requesters
		s.requesters = nil
		s.compute(ctx, waiting)
	}
}

func (s *InputSocket) syncVisibility(ctx *actor.Context) {
	visible := s.def.Visible()
	if visible == s.visible {
		return
	}
	s.visible = visible

	eventType := EventRemoveInputSocket
	if visible {
		eventType = EventAddInputSocket
	}
	ctx.Send(s.env.EditorID, actor.Event{
		Type:    eventType,
		Payload: SocketPayload{Side: domain.SideInput, Key: s.def.Key, Definition: s.def.Clone()},
	})
}

func (s *InputSocket) forward(ctx *actor.Context, name string, ev actor.Event) {
	out := actor.Event{Type: name, Payload: ev.Payload, Origin: ev.Origin}

	switch s.state {
	case StateActorConnection:
		peers := s.def.Peers()
		if len(peers) == 0 {
			return
		}
		ctx.Send(peers[0], out)
	case StateActorReady:
		ctx.Send(s.nested.ID, out)
	default:
		ctx.Logger().Debug("cannot forward event from this state", "event", name, "state", s.state)
	}
}

func (s *InputSocket) Snapshot() domain.Snapshot {
	visibility := StateHidden
	if s.visible {
		visibility = StateVisible
	}
	connection := StateNoConnection
	if s.def.EdgeCount() > 0 {
		connection = StateHasConnection
	}

	ctx := map[string]interface{}{
		"definition": s.def.Clone(),
		"parent":     s.owner,
	}
	if s.cell != "" {
		ctx["value"] = s.cell
	}
	if s.nested.ID != "" {
		ctx["actor"] = s.nested
	}

	return domain.Snapshot{
		Value: map[string]interface{}{
			RegionInput:      visibility,
			RegionConnection: connection,
			RegionSocket:     s.state,
		},
		Context: ctx,
		Status:  domain.StatusActive,
	}
}

func (s *InputSocket) Stop(ctx *actor.Context) {
	for _, peer := range s.def.AllPeers() {
		ctx.Send(peer, actor.Event{Type: EventRemoveConnection, Payload: ConnectionPayload{Peer: s.id}})
	}
	if s.visible {
		ctx.Send(s.env.EditorID, actor.Event{
			Type:    EventRemoveInputSocket,
			Payload: SocketPayload{Side: domain.SideInput, Key: s.def.Key, Definition: s.def.Clone()},
		})
	}
}
