package engine

import (
	"github.com/eleven-am/loom/internal/actor"
	"github.com/eleven-am/loom/internal/domain"
)

// OutputSocket reflects one output of its owner node. Value sockets mirror
// outputs[key] to every connected input; trigger sockets fan out TRIGGER;
// actor sockets stand for the owner node itself.
type OutputSocket struct {
	env   *Environment
	id    string
	owner string
	def   domain.SocketDefinition

	state     string
	watching  bool
	hasValue  bool
	lastValue interface{}
}

func NewOutputSocket(env *Environment, owner string, def domain.SocketDefinition) *OutputSocket {
	return &OutputSocket{
		env:   env,
		owner: owner,
		def:   def.Clone(),
	}
}

func (s *OutputSocket) Start(ctx *actor.Context) {
	s.id = ctx.Self()
	s.state = StateOutputIdle

	if len(s.def.Connections) > 0 {
		s.enterConnection(ctx)
		return
	}
	s.register(ctx)
}

func (s *OutputSocket) register(ctx *actor.Context) {
	ctx.Send(s.env.EditorID, actor.Event{
		Type:    EventAddOutputSocket,
		Payload: SocketPayload{Side: domain.SideOutput, Key: s.def.Key, Definition: s.def.Clone()},
	})
}

func (s *OutputSocket) determine() string {
	switch {
	case s.def.ActorType != "":
		return StateOutputActor
	case s.def.Type == domain.TypeTrigger:
		return StateOutputTrigger
	default:
		return StateOutputValue
	}
}

func (s *OutputSocket) enterConnection(ctx *actor.Context) {
	s.state = s.determine()
	if s.state != StateOutputValue {
		return
	}

	if !s.watching {
		s.watching = ctx.Watch(s.owner)
	}
	if snap, ok := ctx.SnapshotOf(s.owner); ok {
		s.push(ctx, contextValues(snap.Context, "outputs")[s.def.Key], true)
	}
}

func (s *OutputSocket) leaveConnection(ctx *actor.Context) {
	if s.watching {
		ctx.Unwatch(s.owner)
		s.watching = false
	}
	ctx.CancelDebounce("mirror")
	s.state = StateOutputIdle
	s.hasValue = false
	s.lastValue = nil
	s.register(ctx)
}

func (s *OutputSocket) Receive(ctx *actor.Context, ev actor.Event) {
	switch ev.Type {
	case actor.EventSnapshotChanged:
		change, ok := ev.Payload.(actor.SnapshotChange)
		if !ok || change.ActorID != s.owner || s.state != StateOutputValue {
			return
		}
		ctx.Debounce("mirror", s.env.Debounce, actor.Event{
			Type:    eventMirrorSettled,
			Payload: ValuePayload{Value: contextValues(change.Snapshot.Context, "outputs")[s.def.Key]},
		})

	case eventMirrorSettled:
		p, _ := ev.Payload.(ValuePayload)
		s.push(ctx, p.Value, false)

	case EventResolve:
		if s.state != StateOutputValue {
			return
		}
		p, _ := ev.Payload.(ValuePayload)
		ctx.CancelDebounce("mirror")
		s.push(ctx, p.Value, true)

	case EventCompute:
		s.compute(ctx, ev)

	case EventTrigger:
		if s.state != StateOutputTrigger {
			return
		}
		for _, peer := range s.def.Peers() {
			ctx.Send(peer, actor.Event{Type: EventTrigger, Origin: ev.Origin})
		}

	case EventSetValue:
		if s.def.Connections[ev.From] != domain.MarkerInternalChild {
			s.passToOwner(ctx, ev)
			return
		}
		value, ok := payloadValue(ev.Payload, s.def.Key)
		if !ok {
			return
		}
		ctx.Send(s.owner, actor.Event{
			Type:    EventSetOutput,
			Payload: ValuesPayload{Values: domain.Values{s.def.Key: value}},
		})

	case EventAddConnection:
		p, ok := ev.Payload.(ConnectionPayload)
		if !ok || p.Peer == "" {
			return
		}
		marker := p.Marker
		if marker == "" {
			marker = domain.MarkerEdge
		}
		if existing, ok := s.def.Connections[p.Peer]; ok && existing == marker {
			return
		}

		before := len(s.def.Connections)
		if s.def.Connections == nil {
			s.def.Connections = make(map[string]string)
		}
		s.def.Connections[p.Peer] = marker

		if before == 0 {
			s.enterConnection(ctx)
		} else if s.state == StateOutputValue && s.hasValue && !domain.IsNil(s.lastValue) {
			s.sendTo(ctx, p.Peer, marker, s.lastValue)
		}

	case EventRemoveConnection:
		p, ok := ev.Payload.(ConnectionPayload)
		if !ok {
			return
		}
		if _, ok := s.def.Connections[p.Peer]; !ok {
			return
		}
		delete(s.def.Connections, p.Peer)
		if len(s.def.Connections) == 0 {
			s.leaveConnection(ctx)
		}

	case EventUpdateSocket:
		p, ok := ev.Payload.(SocketPayload)
		if !ok {
			return
		}
		before := len(s.def.Connections)
		next := p.Definition.Clone()
		next.Key = s.def.Key
		next.ActorType = s.def.ActorType
		s.def = next

		switch after := len(s.def.Connections); {
		case before == 0 && after > 0:
			s.enterConnection(ctx)
		case before > 0 && after == 0:
			s.leaveConnection(ctx)
		}

	case EventDelete:
		ctx.Send(s.owner, actor.Event{
			Type:    EventRemoveSocket,
			Payload: SocketPayload{Side: domain.SideOutput, Key: s.def.Key},
		})

	default:
		s.passToOwner(ctx, ev)
	}
}

// passToOwner hands events addressed to an actor socket to the node behind
// it; the node is the socket's value.
func (s *OutputSocket) passToOwner(ctx *actor.Context, ev actor.Event) {
	if s.state != StateOutputActor && s.def.ActorType == "" {
		ctx.Logger().Debug("output socket ignored event", "event", ev.Type, "state", s.state)
		return
	}
	name := ev.Type
	if forwarded, ok := ForwardedName(name); ok {
		name = forwarded
	}
	ctx.Send(s.owner, actor.Event{Type: name, Payload: ev.Payload, Origin: ev.Origin})
}

func (s *OutputSocket) compute(ctx *actor.Context, ev actor.Event) {
	p, _ := ev.Payload.(ComputePayload)
	replyTo := p.ReplyTo
	if len(replyTo) == 0 && ev.From != "" {
		replyTo = []string{ev.From}
	}

	switch {
	case s.def.ActorType != "":
		ref := domain.ActorRef{ID: s.owner}
		if src, ok := ctx.SrcOf(s.owner); ok {
			ref.Src = src
		}
		for _, target := range replyTo {
			ctx.Send(target, actor.Event{
				Type:    EventSetValue,
				Payload: ValuePayload{Value: ref},
				Origin:  replyOrigin(s.id),
			})
		}

	case s.def.Type == domain.TypeTrigger:
		return

	default:
		ctx.Send(s.owner, actor.Event{
			Type:    EventCompute,
			Payload: ComputePayload{Port: s.def.Key, ReplyTo: replyTo},
		})
	}
}

// push mirrors value to every peer. Unchanged values are only re-sent when
// force is set.
func (s *OutputSocket) push(ctx *actor.Context, value interface{}, force bool) {
	if s.state != StateOutputValue {
		return
	}
	if !force && s.hasValue && domain.Equal(value, s.lastValue) {
		return
	}
	s.hasValue = true
	s.lastValue = value

	if domain.IsNil(value) {
		return
	}
	for peer, marker := range s.def.Connections {
		s.sendTo(ctx, peer, marker, value)
	}
}

func (s *OutputSocket) sendTo(ctx *actor.Context, peer, marker string, value interface{}) {
	_, side, _, ok := domain.ParseSocketID(peer)
	if !ok {
		return
	}

	switch {
	case side == domain.SideInput && marker != domain.MarkerInternalChild:
	case side == domain.SideOutput && marker == domain.MarkerInternalParent:
	default:
		return
	}
	ctx.Send(peer, actor.Event{Type: EventSetValue, Payload: ValuePayload{Value: value}})
}

func (s *OutputSocket) Snapshot() domain.Snapshot {
	connection := StateNoConnection
	if len(s.def.Connections) > 0 {
		connection = StateHasConnection
	}

	return domain.Snapshot{
		Value: map[string]interface{}{
			RegionConnection: connection,
			RegionSocket:     s.state,
		},
		Context: map[string]interface{}{
			"definition": s.def.Clone(),
			"parent":     s.owner,
		},
		Status: domain.StatusActive,
	}
}

func (s *OutputSocket) Stop(ctx *actor.Context) {
	for _, peer := range s.def.AllPeers() {
		ctx.Send(peer, actor.Event{Type: EventRemoveConnection, Payload: ConnectionPayload{Peer: s.id}})
	}
	ctx.Send(s.env.EditorID, actor.Event{
		Type:    EventRemoveOutputSocket,
		Payload: SocketPayload{Side: domain.SideOutput, Key: s.def.Key},
	})
}
