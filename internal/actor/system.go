package actor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/loom/internal/domain"
)

type envelopeKind int

const (
	envMessage envelopeKind = iota
	envStart
	envStop
)

type envelope struct {
	kind envelopeKind
	to   string
	ev   Event
}

type cell struct {
	id        string
	src       string
	parent    string
	execution string
	actor     Actor
	logger    *slog.Logger

	children []string
	watchers map[string]struct{}
	watching map[string]struct{}
	snapshot domain.Snapshot
	started  bool

	timers  map[string]*pendingEntry
	invokes map[string]*pendingEntry
}

type pendingEntry struct {
	done   bool
	timer  *time.Timer
	cancel context.CancelFunc
}

// System is the actor arena of one workflow instance. Every actor is
// addressed by an opaque string id; Spawn, Send, Stop and lookups are the
// only operations on the arena. Events are processed one at a time by the
// goroutine running Run.
type System struct {
	id       string
	logger   *slog.Logger
	recorder Recorder
	warnSize int

	mu      sync.Mutex
	cells   map[string]*cell
	roots   []string
	root    string
	queue   []envelope
	wake    chan struct{}
	busy    bool
	pending int
	running bool
	closed  bool
	warned  bool
	subs    map[int]*subscriber
	nextSub int
}

type Option func(*System)

func WithRecorder(r Recorder) Option {
	return func(s *System) {
		s.recorder = r
	}
}

func WithMailboxWarnSize(n int) Option {
	return func(s *System) {
		s.warnSize = n
	}
}

func NewSystem(id string, logger *slog.Logger, opts ...Option) *System {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &System{
		id:     id,
		logger: logger.With("component", "actor-system", "system_id", id),
		cells:  make(map[string]*cell),
		wake:   make(chan struct{}, 1),
		subs:   make(map[int]*subscriber),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *System) ID() string {
	return s.id
}

// SetRoot marks the actor whose received events are published on the
// inspection stream as KindEvent.
func (s *System) SetRoot(id string) {
	s.mu.Lock()
	s.root = id
	s.mu.Unlock()
}

// Spawn registers a top-level actor. The id is reserved immediately; Start
// runs on the dispatcher.
func (s *System) Spawn(id, src string, a Actor, opts ...SpawnOption) error {
	return s.spawn("", id, src, a, opts...)
}

func (s *System) spawn(parent, id, src string, a Actor, opts ...SpawnOption) error {
	if id == "" || a == nil {
		return domain.NewActorError(id, "spawn", domain.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.NewActorError(id, "spawn", domain.ErrClosed)
	}
	if _, exists := s.cells[id]; exists {
		return domain.NewActorError(id, "spawn", domain.ErrActorExists)
	}

	c := &cell{
		id:       id,
		src:      src,
		parent:   parent,
		actor:    a,
		logger:   s.logger.With("actor_id", id, "src", src),
		watchers: make(map[string]struct{}),
		watching: make(map[string]struct{}),
		timers:   make(map[string]*pendingEntry),
		invokes:  make(map[string]*pendingEntry),
	}

	if parent != "" {
		p, ok := s.cells[parent]
		if !ok {
			return domain.NewActorError(parent, "spawn", domain.ErrNotFound)
		}
		p.children = append(p.children, id)
		c.execution = p.execution
	} else {
		s.roots = append(s.roots, id)
	}

	for _, opt := range opts {
		opt(c)
	}

	s.cells[id] = c
	s.enqueueLocked(envelope{kind: envStart, to: id})

	if s.recorder != nil {
		s.recorder.ActorSpawned(src)
	}
	return nil
}

// Send enqueues ev for the actor with the given id. Events for unknown ids
// are dropped when they are dispatched.
func (s *System) Send(to string, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.enqueueLocked(envelope{kind: envMessage, to: to, ev: ev})
}

// SendBatch enqueues all messages back to back so no other sender can
// interleave with them.
func (s *System) SendBatch(msgs ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for _, m := range msgs {
		s.enqueueLocked(envelope{kind: envMessage, to: m.To, ev: m.Event})
	}
}

// Stop schedules the actor and its children to be stopped.
func (s *System) Stop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.enqueueLocked(envelope{kind: envStop, to: id})
}

func (s *System) Exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.cells[id]
	return ok
}

// SnapshotOf returns the last snapshot the actor produced.
func (s *System) SnapshotOf(id string) (domain.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cells[id]
	if !ok {
		return domain.Snapshot{}, false
	}
	return c.snapshot, true
}

// Src returns the behavior name the actor was spawned with.
func (s *System) Src(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cells[id]
	if !ok {
		return "", false
	}
	return c.src, true
}

// Children returns the runtime children of id in spawn order.
func (s *System) Children(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cells[id]
	if !ok {
		return nil
	}
	return append([]string(nil), c.children...)
}

// Tree captures the persisted snapshot tree rooted at id.
func (s *System) Tree(id string) (domain.PersistedSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cells[id]
	if !ok {
		return domain.PersistedSnapshot{}, false
	}
	return s.treeLocked(c, time.Now()), true
}

func (s *System) treeLocked(c *cell, at time.Time) domain.PersistedSnapshot {
	syncSnapshot := true
	if e, ok := c.actor.(Ephemeral); ok && e.Ephemeral() {
		syncSnapshot = false
	}

	out := domain.PersistedSnapshot{
		Src:          c.src,
		SystemID:     c.id,
		SyncSnapshot: syncSnapshot,
		Snapshot:     c.snapshot,
		CapturedAt:   at,
	}

	for _, childID := range c.children {
		child, ok := s.cells[childID]
		if !ok {
			continue
		}
		if out.Children == nil {
			out.Children = make(map[string]domain.PersistedSnapshot)
		}
		out.Children[childID] = s.treeLocked(child, at)
	}
	return out
}

// Run drains the mailbox until ctx is cancelled. It returns nil on a
// cancelled context after stopping every live actor.
func (s *System) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return domain.ErrAlreadyStarted
	}
	if s.closed {
		s.mu.Unlock()
		return domain.ErrClosed
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Debug("dispatcher started")

	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				s.shutdown()
				return nil
			case <-s.wake:
			}
			s.mu.Lock()
		}

		env := s.queue[0]
		s.queue[0] = envelope{}
		s.queue = s.queue[1:]
		s.busy = true
		depth := len(s.queue)
		s.mu.Unlock()

		if s.recorder != nil {
			s.recorder.QueueDepth(depth)
		}

		s.dispatch(env)

		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()

		if ctx.Err() != nil {
			s.shutdown()
			return nil
		}
	}
}

// WaitIdle blocks until the mailbox is empty and no timer or invoke is
// outstanding.
func (s *System) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		idle := !s.busy && len(s.queue) == 0 && s.pending == 0
		closed := s.closed
		s.mu.Unlock()

		if idle || closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for actor system %s to settle", domain.ErrTimeout, s.id)
		case <-ticker.C:
		}
	}
}

func (s *System) enqueueLocked(env envelope) {
	s.queue = append(s.queue, env)

	if s.warnSize > 0 {
		if len(s.queue) > s.warnSize && !s.warned {
			s.warned = true
			s.logger.Warn("mailbox queue is growing", "depth", len(s.queue), "threshold", s.warnSize)
		} else if len(s.queue) <= s.warnSize/2 {
			s.warned = false
		}
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *System) lookup(id string) (*cell, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cells[id]
	return c, ok
}

func (s *System) dispatch(env envelope) {
	c, ok := s.lookup(env.to)
	if !ok {
		if env.kind != envStop {
			s.logger.Debug("dropping event for unknown actor", "actor_id", env.to, "event", env.ev.Type)
		} else {
			s.logger.Debug("stop requested for unknown actor", "actor_id", env.to)
		}
		return
	}

	switch env.kind {
	case envStart:
		s.start(c)
	case envStop:
		s.stopCell(c.id)
	case envMessage:
		s.deliver(c, env.ev)
	}
}

func (s *System) start(c *cell) {
	ctx := &Context{sys: s, cell: c}
	s.safely(c, ctx, "start", func() {
		c.actor.Start(ctx)
	})

	s.mu.Lock()
	c.started = true
	s.mu.Unlock()

	s.publish(InspectionEvent{Kind: KindSpawned, ActorID: c.id, Src: c.src, ParentID: c.parent, ExecutionID: c.execution})
	s.afterTransition(c)
}

func (s *System) deliver(c *cell, ev Event) {
	ctx := &Context{sys: s, cell: c}
	started := time.Now()

	s.mu.Lock()
	isRoot := c.id == s.root
	s.mu.Unlock()

	if isRoot {
		evCopy := ev
		s.publish(InspectionEvent{Kind: KindEvent, ActorID: c.id, Src: c.src, ExecutionID: c.execution, Event: &evCopy})
	}

	s.safely(c, ctx, ev.Type, func() {
		c.actor.Receive(ctx, ev)
	})

	if s.recorder != nil {
		s.recorder.EventProcessed(c.src, ev.Type, time.Since(started))
	}

	s.afterTransition(c)
}

// afterTransition caches the new snapshot and notifies watchers when it
// changed.
func (s *System) afterTransition(c *cell) {
	s.mu.Lock()
	if _, alive := s.cells[c.id]; !alive {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	var snap domain.Snapshot
	s.safely(c, &Context{sys: s, cell: c}, "snapshot", func() {
		snap = c.actor.Snapshot()
	})

	s.mu.Lock()
	if domain.Equal(snap, c.snapshot) {
		s.mu.Unlock()
		return
	}
	c.snapshot = snap
	for watcher := range c.watchers {
		s.enqueueLocked(envelope{
			kind: envMessage,
			to:   watcher,
			ev: Event{
				Type:    EventSnapshotChanged,
				Payload: SnapshotChange{ActorID: c.id, Snapshot: snap},
				From:    c.id,
			},
		})
	}
	s.mu.Unlock()

	s.publish(InspectionEvent{Kind: KindSnapshot, ActorID: c.id, Src: c.src, ParentID: c.parent, ExecutionID: c.execution, Snapshot: snap})
}

func (s *System) safely(c *cell, ctx *Context, op string, fn func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		err := domain.NewActorError(c.id, op, fmt.Errorf("panic: %v", r))
		c.logger.Error("actor panicked", "op", op, "error", err)

		h, ok := c.actor.(ErrorHandler)
		if !ok || op == "fail" {
			return
		}
		s.safely(c, ctx, "fail", func() {
			h.Fail(ctx, err)
		})
	}()

	fn()
}

// stopCell stops id's children depth-first in reverse spawn order, then id
// itself.
func (s *System) stopCell(id string) {
	c, ok := s.lookup(id)
	if !ok {
		s.logger.Debug("stop requested for unknown actor", "actor_id", id)
		return
	}

	s.mu.Lock()
	children := append([]string(nil), c.children...)
	s.mu.Unlock()

	for i := len(children) - 1; i >= 0; i-- {
		s.stopCell(children[i])
	}

	ctx := &Context{sys: s, cell: c}
	if c.started {
		s.safely(c, ctx, "stop", func() {
			c.actor.Stop(ctx)
		})
	}

	s.mu.Lock()
	for key, entry := range c.timers {
		s.finishLocked(entry)
		entry.timer.Stop()
		delete(c.timers, key)
	}
	for key, entry := range c.invokes {
		s.finishLocked(entry)
		entry.cancel()
		delete(c.invokes, key)
	}
	for target := range c.watching {
		if t, ok := s.cells[target]; ok {
			delete(t.watchers, c.id)
		}
	}

	if c.parent != "" {
		if p, ok := s.cells[c.parent]; ok {
			p.children = removeID(p.children, c.id)
		}
	} else {
		s.roots = removeID(s.roots, c.id)
	}
	delete(s.cells, c.id)
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.ActorStopped(c.src)
	}

	s.publish(InspectionEvent{Kind: KindStopped, ActorID: c.id, Src: c.src, ParentID: c.parent, ExecutionID: c.execution})
	c.logger.Debug("actor stopped")
}

func (s *System) finishLocked(entry *pendingEntry) bool {
	if entry.done {
		return false
	}
	entry.done = true
	s.pending--
	return true
}

func (s *System) shutdown() {
	s.mu.Lock()
	roots := append([]string(nil), s.roots...)
	s.mu.Unlock()

	for i := len(roots) - 1; i >= 0; i-- {
		s.stopCell(roots[i])
	}

	s.mu.Lock()
	s.closed = true
	s.running = false
	s.queue = nil
	subs := s.subs
	s.subs = make(map[int]*subscriber)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	s.logger.Debug("dispatcher stopped")
}

func removeID(ids []string, id string) []string {
	for i, existing := range ids {
		if existing == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
