package engine

import (
	"github.com/eleven-am/loom/internal/actor"
	"github.com/eleven-am/loom/internal/domain"
)

const SrcValueCell = "value"

// ValueCell holds a single mutable value. Watchers are notified through the
// runtime whenever the value changes.
type ValueCell struct {
	value interface{}
}

func NewValueCell(initial interface{}) *ValueCell {
	return &ValueCell{value: initial}
}

func (c *ValueCell) Start(ctx *actor.Context) {}

func (c *ValueCell) Receive(ctx *actor.Context, ev actor.Event) {
	if ev.Type != EventSetValue {
		return
	}
	if p, ok := ev.Payload.(ValuePayload); ok {
		c.value = p.Value
	}
}

func (c *ValueCell) Snapshot() domain.Snapshot {
	return domain.Snapshot{
		Value:   "active",
		Context: map[string]interface{}{"value": c.value},
		Status:  domain.StatusActive,
	}
}

func (c *ValueCell) Stop(ctx *actor.Context) {}

func cellID(socketID string) string {
	return socketID + ".value"
}
