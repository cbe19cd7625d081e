package engine

import (
	"sort"

	"github.com/eleven-am/loom/internal/domain"
)

// restorePlan reads a persisted node subtree back into spawn-time state.
// A nil plan restores nothing.
type restorePlan struct {
	tree *domain.PersistedSnapshot
}

func newRestorePlan(tree *domain.PersistedSnapshot) *restorePlan {
	if tree == nil {
		return nil
	}
	return &restorePlan{tree: tree}
}

func (p *restorePlan) applyNode(n *Node) {
	if p == nil {
		return
	}
	ctx := p.tree.Snapshot.Context

	if name := contextString(ctx, "name"); name != "" {
		n.name = name
	}
	if desc := contextString(ctx, "description"); desc != "" {
		n.description = desc
	}
	if inputs := contextValues(ctx, "inputs"); inputs != nil {
		n.inputs = inputs
	}
	if outputs := contextValues(ctx, "outputs"); outputs != nil {
		n.outputs = outputs
	}
	for key, id := range contextStrings(ctx, "childs") {
		n.childs[key] = id
	}
	if n.parent == nil {
		var parent domain.ParentLink
		if raw, ok := ctx["parent"]; ok && raw != nil && decodeInto(raw, &parent) == nil && parent.ID != "" {
			n.parent = &parent
		}
	}

	// Runs are not resumed, so a node persisted mid-run comes back idle.
	if state, _ := p.tree.Snapshot.Value.(string); state == NodeComplete {
		n.state = NodeComplete
	}
}

func (p *restorePlan) socket(id string) (domain.PersistedSnapshot, bool) {
	if p == nil {
		return domain.PersistedSnapshot{}, false
	}
	child, ok := p.tree.Children[id]
	return child, ok
}

func (p *restorePlan) definition(nodeID string, side domain.SocketSide, key string) (domain.SocketDefinition, bool) {
	child, ok := p.socket(domain.SocketID(nodeID, side, key))
	if !ok {
		return domain.SocketDefinition{}, false
	}
	return decodeDefinition(child.Snapshot.Context["definition"])
}

func (p *restorePlan) cellValue(socketID string) (interface{}, bool) {
	socket, ok := p.socket(socketID)
	if !ok {
		return nil, false
	}
	cell, ok := socket.Children[cellID(socketID)]
	if !ok {
		return nil, false
	}
	v, ok := cell.Snapshot.Context["value"]
	return v, ok
}

// extraSockets returns persisted sockets the node type does not declare,
// i.e. ones added at runtime with ADD_SOCKET.
func (p *restorePlan) extraSockets(n *Node) []socketSpec {
	if p == nil {
		return nil
	}

	var specs []socketSpec
	for _, id := range p.tree.ChildIDs() {
		owner, side, key, ok := domain.ParseSocketID(id)
		if !ok || owner != n.id {
			continue
		}
		if side == domain.SideInput {
			if _, declared := n.typ.input(key); declared {
				continue
			}
		} else {
			if _, declared := n.typ.output(key); declared {
				continue
			}
		}

		def, ok := decodeDefinition(p.tree.Children[id].Snapshot.Context["definition"])
		if !ok {
			continue
		}
		specs = append(specs, socketSpec{side: side, def: def})
	}

	sort.SliceStable(specs, func(i, j int) bool {
		return specs[i].side < specs[j].side
	})
	return specs
}

func decodeDefinition(raw interface{}) (domain.SocketDefinition, bool) {
	switch def := raw.(type) {
	case domain.SocketDefinition:
		return def.Clone(), true
	case nil:
		return domain.SocketDefinition{}, false
	}

	var def domain.SocketDefinition
	if err := decodeInto(raw, &def); err != nil || def.Key == "" {
		return domain.SocketDefinition{}, false
	}
	return def, true
}
