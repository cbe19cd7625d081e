package actor

import (
	"context"
	"log/slog"
	"time"

	"github.com/eleven-am/loom/internal/domain"
)

// Context is handed to an actor for the duration of one callback.
type Context struct {
	sys  *System
	cell *cell
}

func (c *Context) Self() string {
	return c.cell.id
}

func (c *Context) Src() string {
	return c.cell.src
}

// Parent is the runtime parent, empty for top-level actors.
func (c *Context) Parent() string {
	return c.cell.parent
}

func (c *Context) ExecutionID() string {
	return c.cell.execution
}

func (c *Context) SystemID() string {
	return c.sys.id
}

func (c *Context) Logger() *slog.Logger {
	return c.cell.logger
}

// Send delivers ev to another actor, stamped with the sender's id.
func (c *Context) Send(to string, ev Event) {
	ev.From = c.cell.id
	c.sys.Send(to, ev)
}

// SendBatch delivers all messages without interleaving.
func (c *Context) SendBatch(msgs ...Message) {
	for i := range msgs {
		msgs[i].Event.From = c.cell.id
	}
	c.sys.SendBatch(msgs...)
}

// SendSelf queues ev behind everything already in the mailbox.
func (c *Context) SendSelf(ev Event) {
	c.Send(c.cell.id, ev)
}

// Spawn creates a runtime child of the current actor.
func (c *Context) Spawn(id, src string, a Actor, opts ...SpawnOption) error {
	return c.sys.spawn(c.cell.id, id, src, a, opts...)
}

// SpawnTop creates a top-level actor, e.g. an editor-owned node.
func (c *Context) SpawnTop(id, src string, a Actor, opts ...SpawnOption) error {
	return c.sys.spawn("", id, src, a, opts...)
}

// Stop synchronously stops id and its children. Stopping an unknown id is a
// no-op.
func (c *Context) Stop(id string) {
	c.sys.stopCell(id)
}

func (c *Context) Exists(id string) bool {
	return c.sys.Exists(id)
}

func (c *Context) SnapshotOf(id string) (domain.Snapshot, bool) {
	return c.sys.SnapshotOf(id)
}

func (c *Context) SrcOf(id string) (string, bool) {
	return c.sys.Src(id)
}

func (c *Context) Children() []string {
	return c.sys.Children(c.cell.id)
}

// Watch subscribes the current actor to EventSnapshotChanged of target.
func (c *Context) Watch(target string) bool {
	s := c.sys
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.cells[target]
	if !ok {
		return false
	}
	t.watchers[c.cell.id] = struct{}{}
	c.cell.watching[target] = struct{}{}
	return true
}

func (c *Context) Unwatch(target string) {
	s := c.sys
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.cells[target]; ok {
		delete(t.watchers, c.cell.id)
	}
	delete(c.cell.watching, target)
}

// Debounce delivers ev to the current actor after d. Re-arming the same key
// restarts the window; only the latest event is delivered.
func (c *Context) Debounce(key string, d time.Duration, ev Event) {
	s := c.sys
	self := c.cell

	if d <= 0 {
		c.CancelDebounce(key)
		c.SendSelf(ev)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := self.timers[key]; ok {
		s.finishLocked(prev)
		prev.timer.Stop()
	}

	ev.From = self.id
	entry := &pendingEntry{}
	s.pending++
	entry.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if !s.finishLocked(entry) {
			return
		}
		if self.timers[key] != entry {
			return
		}
		delete(self.timers, key)
		if _, alive := s.cells[self.id]; alive && !s.closed {
			s.enqueueLocked(envelope{kind: envMessage, to: self.id, ev: ev})
		}
	})
	self.timers[key] = entry
}

func (c *Context) CancelDebounce(key string) {
	s := c.sys
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := c.cell.timers[key]; ok {
		s.finishLocked(entry)
		entry.timer.Stop()
		delete(c.cell.timers, key)
	}
}

// Invoke runs fn on its own goroutine and posts EventInvokeDone with the
// result back to the current actor. Re-invoking a key discards the earlier
// result. The context passed to fn is cancelled when the actor stops.
func (c *Context) Invoke(key string, fn InvokeFunc) {
	s := c.sys
	self := c.cell

	invokeCtx, cancel := context.WithCancel(context.Background())
	entry := &pendingEntry{cancel: cancel}

	s.mu.Lock()
	if prev, ok := self.invokes[key]; ok {
		s.finishLocked(prev)
		prev.cancel()
	}
	s.pending++
	self.invokes[key] = entry
	s.mu.Unlock()

	go func() {
		var (
			value interface{}
			err   error
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = domain.NewActorError(self.id, "invoke:"+key, panicError(r))
				}
			}()
			value, err = fn(invokeCtx)
		}()
		cancel()

		s.mu.Lock()
		defer s.mu.Unlock()

		if !s.finishLocked(entry) {
			return
		}
		if self.invokes[key] != entry {
			return
		}
		delete(self.invokes, key)
		if _, alive := s.cells[self.id]; !alive || s.closed {
			return
		}
		s.enqueueLocked(envelope{
			kind: envMessage,
			to:   self.id,
			ev: Event{
				Type:    EventInvokeDone,
				Payload: InvokeResult{Key: key, Value: value, Err: err},
				From:    self.id,
			},
		})
	}()
}

// CancelInvoke drops the pending result of key and cancels its context.
func (c *Context) CancelInvoke(key string) {
	s := c.sys
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := c.cell.invokes[key]; ok {
		s.finishLocked(entry)
		entry.cancel()
		delete(c.cell.invokes, key)
	}
}
