package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/eleven-am/loom/internal/actor"
	"github.com/eleven-am/loom/internal/domain"
	"github.com/eleven-am/loom/internal/ports"
	"github.com/eleven-am/loom/internal/xjson"
)

const SrcEditor = "editor"

// Editor is the root actor of a workflow instance. It owns every node and
// run, wires edges and keeps the registry of visible sockets.
type Editor struct {
	env *Environment

	nodes         map[string]string
	runs          map[string]string
	children      map[string][]string
	parents       map[string]domain.ParentLink
	edges         map[string]EdgePayload
	inputSockets  map[string]domain.SocketDefinition
	outputSockets map[string]domain.SocketDefinition
	restore       map[string]domain.PersistedSnapshot

	writes int
}

func NewEditor(env *Environment) *Editor {
	return &Editor{
		env:           env,
		nodes:         make(map[string]string),
		runs:          make(map[string]string),
		children:      make(map[string][]string),
		parents:       make(map[string]domain.ParentLink),
		edges:         make(map[string]EdgePayload),
		inputSockets:  make(map[string]domain.SocketDefinition),
		outputSockets: make(map[string]domain.SocketDefinition),
		restore:       make(map[string]domain.PersistedSnapshot),
	}
}

func (e *Editor) Start(ctx *actor.Context) {
	ctx.Logger().Info("editor started", "workflow_id", e.env.WorkflowID, "node_types", len(e.env.Registry.Names()))
}

func (e *Editor) Receive(ctx *actor.Context, ev actor.Event) {
	switch ev.Type {
	case EventSpawn:
		p, ok := ev.Payload.(SpawnPayload)
		if !ok {
			return
		}
		e.spawn(ctx, p)

	case EventSpawnRun:
		p, ok := ev.Payload.(SpawnPayload)
		if !ok || p.Run == nil {
			return
		}
		e.spawnRun(ctx, p)

	case EventDestroy:
		p, ok := ev.Payload.(DestroyPayload)
		if !ok {
			return
		}
		e.destroy(ctx, p.ID)

	case EventConnect:
		p, ok := ev.Payload.(EdgePayload)
		if !ok {
			return
		}
		e.connect(ctx, p)

	case EventDisconnect:
		p, ok := ev.Payload.(EdgePayload)
		if !ok {
			return
		}
		e.disconnect(ctx, p)

	case EventRestore:
		p, ok := ev.Payload.(RestorePayload)
		if !ok {
			return
		}
		e.restoreTree(ctx, p.Tree)

	case EventAddInputSocket:
		if p, ok := ev.Payload.(SocketPayload); ok {
			e.inputSockets[ev.From] = p.Definition.Clone()
		}

	case EventRemoveInputSocket:
		delete(e.inputSockets, ev.From)

	case EventAddOutputSocket:
		if p, ok := ev.Payload.(SocketPayload); ok {
			e.outputSockets[ev.From] = p.Definition.Clone()
		}

	case EventRemoveOutputSocket:
		delete(e.outputSockets, ev.From)

	case actor.EventInvokeDone:
		res, ok := ev.Payload.(actor.InvokeResult)
		if !ok {
			return
		}
		if strings.HasPrefix(res.Key, "execution:") {
			e.executionRecorded(ctx, res)
			return
		}
		if res.Err != nil {
			ctx.Logger().Error("persistence write failed", "write", res.Key, "error", res.Err)
		}

	default:
		ctx.Logger().Debug("editor ignored event", "event", ev.Type)
	}
}

func (e *Editor) spawn(ctx *actor.Context, p SpawnPayload) {
	typ, err := e.env.Registry.Get(p.MachineID)
	if err != nil {
		ctx.Logger().Error("cannot spawn node", "node_id", p.ID, "machine_id", p.MachineID, "error", err)
		return
	}

	input := NodeInput{}
	if p.Node != nil {
		input = *p.Node
	}

	if ctx.Exists(p.ID) {
		if input.Parent != nil {
			e.assignChild(ctx, p.ID, typ, *input.Parent)
		}
		return
	}

	if input.Restore == nil {
		if tree, ok := e.restore[p.ID]; ok {
			input.Restore = &tree
			delete(e.restore, p.ID)
		}
	}

	if err := ctx.Spawn(p.ID, typ.Name, NewNode(e.env, typ, input)); err != nil {
		ctx.Logger().Error("failed to spawn node", "node_id", p.ID, "error", err)
		return
	}
	e.nodes[p.ID] = typ.Name

	record := ports.NodeRecord{
		ID:         p.ID,
		WorkflowID: e.env.WorkflowID,
		Type:       typ.Name,
		Parent:     input.Parent,
		Inputs:     typ.Inputs,
		Outputs:    typ.Outputs,
	}

	if input.Parent != nil {
		link := *input.Parent
		e.parents[p.ID] = link
		e.children[link.ID] = uniqueAppend(e.children[link.ID], p.ID)
		e.wireInternal(ctx, p.ID, typ, link, input.Internal)
		e.assignChild(ctx, p.ID, typ, link)
	}

	ctx.Logger().Debug("node spawned", "node_id", p.ID, "node_type", typ.Name)
	e.persist(ctx, func(c context.Context, store ports.Persistence) error {
		return store.UpsertNode(c, record)
	})
}

func (e *Editor) assignChild(ctx *actor.Context, id string, typ *NodeType, link domain.ParentLink) {
	ctx.Send(link.ID, actor.Event{
		Type:    EventAssignChild,
		Payload: AssignPayload{Actor: domain.ActorRef{ID: id, Src: typ.Name}, Port: link.Port},
	})
}

// wireInternal connects the parent's sockets to the child's spliced ones.
// The child side already carries the link from its spawn input.
func (e *Editor) wireInternal(ctx *actor.Context, childID string, typ *NodeType, link domain.ParentLink, internal map[string]string) {
	if len(internal) == 0 {
		return
	}

	var parentType *NodeType
	if src, ok := ctx.SrcOf(link.ID); ok {
		parentType, _ = e.env.Registry.Get(src)
	}

	childKeys := make([]string, 0, len(internal))
	for key := range internal {
		childKeys = append(childKeys, key)
	}
	sort.Strings(childKeys)

	var msgs []actor.Message
	for _, childKey := range childKeys {
		parentKey := internal[childKey]

		if _, ok := typ.input(childKey); ok && hasInput(parentType, parentKey) {
			msgs = append(msgs, actor.Message{
				To: domain.SocketID(link.ID, domain.SideInput, parentKey),
				Event: actor.Event{Type: EventAddConnection, Payload: ConnectionPayload{
					Peer:   domain.SocketID(childID, domain.SideInput, childKey),
					Marker: domain.MarkerInternalChild,
				}},
			})
		}
		if _, ok := typ.output(childKey); ok && hasOutput(parentType, parentKey) {
			msgs = append(msgs, actor.Message{
				To: domain.SocketID(link.ID, domain.SideOutput, parentKey),
				Event: actor.Event{Type: EventAddConnection, Payload: ConnectionPayload{
					Peer:   domain.SocketID(childID, domain.SideOutput, childKey),
					Marker: domain.MarkerInternalChild,
				}},
			})
		}
	}

	if len(msgs) == 0 {
		ctx.Logger().Warn("internal links matched no sockets", "child_id", childID, "parent_id", link.ID)
		return
	}
	ctx.SendBatch(msgs...)
}

func hasInput(t *NodeType, key string) bool {
	if t == nil {
		return true
	}
	_, ok := t.input(key)
	return ok
}

func hasOutput(t *NodeType, key string) bool {
	if t == nil {
		return true
	}
	_, ok := t.output(key)
	return ok
}

func (e *Editor) spawnRun(ctx *actor.Context, p SpawnPayload) {
	typ, err := e.env.Registry.Get(p.Run.NodeType)
	if err != nil {
		e.failRun(ctx, *p.Run, err)
		return
	}
	if ctx.Exists(p.ID) {
		ctx.Logger().Warn("run already exists", "run_id", p.ID)
		return
	}

	if e.env.EventLog != nil && !p.Persisted {
		e.recordExecution(ctx, p)
		return
	}

	opts := []actor.SpawnOption{}
	if p.ExecutionID != "" {
		opts = append(opts, actor.WithExecution(p.ExecutionID))
	}
	if err := ctx.Spawn(p.ID, typ.RunSrc(), NewRun(e.env, typ, *p.Run), opts...); err != nil {
		e.failRun(ctx, *p.Run, err)
		return
	}
	e.runs[p.ID] = p.Run.Parent
}

// recordExecution appends the run-triggering event to the event log before
// the run is allowed to start.
func (e *Editor) recordExecution(ctx *actor.Context, p SpawnPayload) {
	log := e.env.EventLog
	workflowID := e.env.WorkflowID
	timeout := e.env.writeTimeout()

	ctx.Invoke("execution:"+p.ID, func(c context.Context) (interface{}, error) {
		c, cancel := context.WithTimeout(c, timeout)
		defer cancel()

		exec, err := log.CreateExecution(c, workflowID)
		if err != nil {
			return p, err
		}

		p.Persisted = true
		p.ExecutionID = exec.ID
		data, err := xjson.Marshal(p)
		if err != nil {
			return p, err
		}

		err = log.SetEvent(c, exec.ID, ports.EventRecord{
			Type:      EventSpawnRun,
			ActorID:   p.ID,
			Payload:   data,
			CreatedAt: time.Now(),
		})
		return p, err
	})
}

func (e *Editor) executionRecorded(ctx *actor.Context, res actor.InvokeResult) {
	p, ok := res.Value.(SpawnPayload)
	if !ok || p.Run == nil {
		return
	}
	if res.Err != nil {
		ctx.Logger().Error("failed to record execution", "run_id", p.ID, "error", res.Err)
		e.failRun(ctx, *p.Run, fmt.Errorf("record execution: %w", res.Err))
		return
	}
	ctx.SendSelf(actor.Event{Type: EventSpawnRun, Payload: p})
}

func (e *Editor) failRun(ctx *actor.Context, run RunInput, err error) {
	result := domain.RunResult{CallID: run.CallID, Error: domain.NewNodeError(err)}
	for _, sender := range run.Senders {
		ctx.Send(sender, actor.Event{Type: EventResult, Payload: result})
	}
}

// destroy removes a node with its nested nodes and runs, depth first.
// Unknown ids are ignored.
func (e *Editor) destroy(ctx *actor.Context, id string) {
	if _, ok := e.runs[id]; ok {
		delete(e.runs, id)
		ctx.Stop(id)
		return
	}
	if _, ok := e.nodes[id]; !ok {
		ctx.Logger().Debug("destroy of unknown actor", "actor_id", id)
		return
	}

	nested := e.children[id]
	for i := len(nested) - 1; i >= 0; i-- {
		e.destroy(ctx, nested[i])
	}
	for _, runID := range e.runsOf(id) {
		delete(e.runs, runID)
		ctx.Stop(runID)
	}

	ctx.Stop(id)

	prefix := id + ":"
	for socketID := range e.inputSockets {
		if strings.HasPrefix(socketID, prefix) {
			delete(e.inputSockets, socketID)
		}
	}
	for socketID := range e.outputSockets {
		if strings.HasPrefix(socketID, prefix) {
			delete(e.outputSockets, socketID)
		}
	}

	var dropped []EdgePayload
	for key, edge := range e.edges {
		if edge.Source == id || edge.Target == id {
			dropped = append(dropped, edge)
			delete(e.edges, key)
		}
	}

	if link, ok := e.parents[id]; ok {
		e.children[link.ID] = removeKey(e.children[link.ID], id)
		delete(e.parents, id)
	}
	delete(e.children, id)
	delete(e.nodes, id)

	ctx.Logger().Debug("node destroyed", "node_id", id, "edges_dropped", len(dropped))

	workflowID := e.env.WorkflowID
	e.persist(ctx, func(c context.Context, store ports.Persistence) error {
		for _, edge := range dropped {
			if err := store.DeleteEdge(c, edgeRecord(workflowID, edge)); err != nil {
				return err
			}
		}
		return store.DeleteNode(c, workflowID, id)
	})
}

func (e *Editor) runsOf(parent string) []string {
	var ids []string
	for runID, owner := range e.runs {
		if owner == parent {
			ids = append(ids, runID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (e *Editor) connect(ctx *actor.Context, p EdgePayload) {
	out, in := p.OutputSocket(), p.InputSocket()
	if !ctx.Exists(out) || !ctx.Exists(in) {
		ctx.Logger().Warn("cannot connect missing sockets", "source", out, "target", in)
		return
	}
	if p.Source == p.Target {
		ctx.Logger().Warn("refusing self connection", "node_id", p.Source)
		return
	}

	ctx.SendBatch(
		actor.Message{To: out, Event: actor.Event{Type: EventAddConnection, Payload: ConnectionPayload{Peer: in, Marker: domain.MarkerEdge}}},
		actor.Message{To: in, Event: actor.Event{Type: EventAddConnection, Payload: ConnectionPayload{Peer: out, Marker: domain.MarkerEdge}}},
	)
	e.edges[edgeKey(p)] = p

	record := edgeRecord(e.env.WorkflowID, p)
	e.persist(ctx, func(c context.Context, store ports.Persistence) error {
		return store.CreateEdge(c, record)
	})
}

func (e *Editor) disconnect(ctx *actor.Context, p EdgePayload) {
	out, in := p.OutputSocket(), p.InputSocket()
	ctx.SendBatch(
		actor.Message{To: out, Event: actor.Event{Type: EventRemoveConnection, Payload: ConnectionPayload{Peer: in}}},
		actor.Message{To: in, Event: actor.Event{Type: EventRemoveConnection, Payload: ConnectionPayload{Peer: out}}},
	)
	delete(e.edges, edgeKey(p))

	record := edgeRecord(e.env.WorkflowID, p)
	e.persist(ctx, func(c context.Context, store ports.Persistence) error {
		return store.DeleteEdge(c, record)
	})
}

// restoreTree respawns the top-level nodes of a persisted editor tree.
// Nested nodes come back when their parent's actor socket asks for them.
func (e *Editor) restoreTree(ctx *actor.Context, tree domain.PersistedSnapshot) {
	var edges []EdgePayload
	if raw, ok := tree.Snapshot.Context["edges"]; ok && raw != nil {
		if err := decodeInto(raw, &edges); err != nil {
			ctx.Logger().Warn("ignoring persisted edges", "error", err)
		}
	}
	for _, edge := range edges {
		e.edges[edgeKey(edge)] = edge
	}

	var top []string
	for _, id := range tree.ChildIDs() {
		child := tree.Children[id]
		if !child.SyncSnapshot || strings.HasSuffix(child.Src, ".run") {
			continue
		}
		e.restore[id] = child
		if parent, ok := child.Snapshot.Context["parent"]; !ok || parent == nil {
			top = append(top, id)
		}
	}

	for _, id := range top {
		src := e.restore[id].Src
		ctx.SendSelf(actor.Event{
			Type:    EventSpawn,
			Payload: SpawnPayload{ID: id, MachineID: src, SystemID: id, Node: &NodeInput{}},
		})
	}
	ctx.Logger().Info("restoring workflow", "nodes", len(e.restore), "top_level", len(top), "edges", len(edges))
}

// persist runs a fire-and-forget write against the configured store.
func (e *Editor) persist(ctx *actor.Context, write func(context.Context, ports.Persistence) error) {
	store := e.env.Persistence
	if store == nil {
		return
	}
	timeout := e.env.writeTimeout()

	e.writes++
	ctx.Invoke(fmt.Sprintf("persist:%d", e.writes), func(c context.Context) (interface{}, error) {
		c, cancel := context.WithTimeout(c, timeout)
		defer cancel()
		return nil, write(c, store)
	})
}

func edgeKey(p EdgePayload) string {
	return p.OutputSocket() + "->" + p.InputSocket()
}

func edgeRecord(workflowID string, p EdgePayload) ports.EdgeRecord {
	return ports.EdgeRecord{
		WorkflowID: workflowID,
		Source:     p.Source,
		SourcePort: p.SourcePort,
		Target:     p.Target,
		TargetPort: p.TargetPort,
	}
}

func (e *Editor) Snapshot() domain.Snapshot {
	edges := make([]EdgePayload, 0, len(e.edges))
	keys := make([]string, 0, len(e.edges))
	for key := range e.edges {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		edges = append(edges, e.edges[key])
	}

	inputs := make(map[string]domain.SocketDefinition, len(e.inputSockets))
	for id, def := range e.inputSockets {
		inputs[id] = def.Clone()
	}
	outputs := make(map[string]domain.SocketDefinition, len(e.outputSockets))
	for id, def := range e.outputSockets {
		outputs[id] = def.Clone()
	}

	return domain.Snapshot{
		Value: "ready",
		Context: map[string]interface{}{
			"workflowId":    e.env.WorkflowID,
			"nodes":         copyStrings(e.nodes),
			"edges":         edges,
			"inputSockets":  inputs,
			"outputSockets": outputs,
		},
		Status: domain.StatusActive,
	}
}

func (e *Editor) Stop(ctx *actor.Context) {
	ctx.Logger().Info("editor stopped", "workflow_id", e.env.WorkflowID, "nodes", len(e.nodes))
}
