package syncbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/eleven-am/loom/internal/actor"
	"github.com/eleven-am/loom/internal/domain"
	"github.com/eleven-am/loom/internal/ports"
)

const (
	PartitionModule    = "module"
	PartitionRun       = "run"
	PartitionExecution = "execution"

	TypeModule    = "module"
	TypeExecution = "execution"

	runSuffix = ".run"
)

// Source is the live actor tree the bridge mirrors.
type Source interface {
	Subscribe(buffer int) (<-chan actor.InspectionEvent, func())
	Tree(id string) (domain.PersistedSnapshot, bool)
}

// Recorder observes persistence writes. A nil Recorder is allowed.
type Recorder interface {
	PersistenceWrite(partition string, d time.Duration, err error)
}

type partition struct {
	name    string
	window  time.Duration
	pending map[string]actor.InspectionEvent
	timer   *time.Timer
	signal  chan struct{}
}

func newPartition(name string, window time.Duration) *partition {
	return &partition{
		name:    name,
		window:  window,
		pending: make(map[string]actor.InspectionEvent),
		signal:  make(chan struct{}, 1),
	}
}

func (p *partition) add(key string, ev actor.InspectionEvent) {
	p.pending[key] = ev

	if p.window <= 0 {
		p.fire()
		return
	}
	if p.timer == nil {
		p.timer = time.AfterFunc(p.window, p.fire)
	}
}

func (p *partition) fire() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// drain hands out the buffered events ordered by key and resets the window.
func (p *partition) drain() []actor.InspectionEvent {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if len(p.pending) == 0 {
		return nil
	}

	keys := make([]string, 0, len(p.pending))
	for k := range p.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]actor.InspectionEvent, 0, len(keys))
	for _, k := range keys {
		out = append(out, p.pending[k])
	}
	p.pending = make(map[string]actor.InspectionEvent)
	return out
}

// Bridge mirrors the actor tree of one workflow into persistence. Inspection
// events are split into the design-time module, run actors and the other
// actors of an execution; each partition keeps the latest event per actor
// and is written once per window.
type Bridge struct {
	source     Source
	store      ports.Persistence
	workflowID string
	rootID     string
	cfg        domain.SyncConfig
	logger     *slog.Logger
	recorder   Recorder

	module    *partition
	run       *partition
	execution *partition

	moduleWritten bool
	runsWritten   map[string]bool

	flushReq chan chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(source Source, store ports.Persistence, workflowID, rootID string, cfg domain.SyncConfig, logger *slog.Logger, recorder Recorder) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	return &Bridge{
		source:      source,
		store:       store,
		workflowID:  workflowID,
		rootID:      rootID,
		cfg:         cfg,
		logger:      logger.With("component", "sync-bridge", "workflow_id", workflowID),
		recorder:    recorder,
		module:      newPartition(PartitionModule, cfg.ModuleDebounce),
		run:         newPartition(PartitionRun, cfg.ExecutionDebounce),
		execution:   newPartition(PartitionExecution, cfg.ExecutionDebounce),
		runsWritten: make(map[string]bool),
		flushReq:    make(chan chan struct{}),
	}
}

// Start subscribes to the inspection stream and begins processing.
func (b *Bridge) Start(ctx context.Context) error {
	if b.done != nil {
		return domain.ErrAlreadyStarted
	}

	events, unsubscribe := b.source.Subscribe(b.cfg.InspectionBuffer)
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})

	go b.loop(ctx, events, unsubscribe)

	b.logger.Debug("sync bridge started",
		"module_window", b.cfg.ModuleDebounce,
		"execution_window", b.cfg.ExecutionDebounce)
	return nil
}

// Stop flushes everything still buffered and waits for the loop to exit.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.done == nil {
		return nil
	}
	b.cancel()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush writes every buffered partition now.
func (b *Bridge) Flush(ctx context.Context) error {
	if b.done == nil {
		return domain.ErrNotStarted
	}

	ack := make(chan struct{})
	select {
	case b.flushReq <- ack:
	case <-b.done:
		return domain.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Load returns the persisted module tree of the workflow, if any.
func (b *Bridge) Load(ctx context.Context) (*domain.PersistedSnapshot, bool, error) {
	record, found, err := b.store.LoadState(ctx, b.workflowID)
	if err != nil || !found {
		return nil, false, err
	}
	if record.Type != TypeModule {
		return nil, false, fmt.Errorf("%w: state %s is a %s record", domain.ErrInvalidInput, b.workflowID, record.Type)
	}
	return &record.State, true, nil
}

func (b *Bridge) loop(ctx context.Context, events <-chan actor.InspectionEvent, unsubscribe func()) {
	defer close(b.done)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			b.flushAll()
			return

		case ev, ok := <-events:
			if !ok {
				b.flushAll()
				return
			}
			b.observe(ev)

		case <-b.module.signal:
			b.flushModule()

		case <-b.run.signal:
			b.flushRuns()

		case <-b.execution.signal:
			b.flushExecution()

		case ack := <-b.flushReq:
			b.flushAll()
			close(ack)
		}
	}
}

func (b *Bridge) observe(ev actor.InspectionEvent) {
	if ev.ExecutionID == "" {
		b.module.add(b.rootID, ev)
		return
	}

	if ev.Kind != actor.KindSnapshot {
		return
	}
	if strings.HasSuffix(ev.Src, runSuffix) {
		b.run.add(ev.ActorID, ev)
		return
	}
	b.execution.add(ev.ActorID, ev)
}

func (b *Bridge) flushAll() {
	b.flushModule()
	b.flushRuns()
	b.flushExecution()
}

func (b *Bridge) flushModule() {
	if len(b.module.drain()) == 0 {
		return
	}

	tree, ok := b.source.Tree(b.rootID)
	if !ok {
		return
	}
	state := domain.Sanitize(tree)

	b.write(PartitionModule, func(ctx context.Context) error {
		if b.moduleWritten {
			err := b.store.Update(ctx, b.workflowID, state)
			if !errors.Is(err, domain.ErrNotFound) {
				return err
			}
		}

		err := b.store.SetState(ctx, ports.StateRecord{
			ID:        b.workflowID,
			Type:      TypeModule,
			ContextID: b.workflowID,
			State:     state,
		})
		if err == nil {
			b.moduleWritten = true
		}
		return err
	})
}

func (b *Bridge) flushRuns() {
	for _, ev := range b.run.drain() {
		state, ok := b.source.Tree(ev.ActorID)
		if !ok {
			state = domain.PersistedSnapshot{Src: ev.Src, SystemID: ev.ActorID, Snapshot: ev.Snapshot, CapturedAt: ev.At}
		}

		b.write(PartitionRun, func(ctx context.Context) error {
			if b.runsWritten[ev.ActorID] {
				err := b.store.Update(ctx, ev.ActorID, state)
				if !errors.Is(err, domain.ErrNotFound) {
					return err
				}
			}

			err := b.store.SetState(ctx, ports.StateRecord{
				ID:          ev.ActorID,
				Type:        TypeExecution,
				ContextID:   b.workflowID,
				ExecutionID: ev.ExecutionID,
				State:       state,
			})
			if err == nil {
				b.runsWritten[ev.ActorID] = true
			}
			return err
		})
	}
}

func (b *Bridge) flushExecution() {
	events := b.execution.drain()
	if len(events) == 0 {
		return
	}

	records := make([]ports.ContextRecord, 0, len(events))
	for _, ev := range events {
		records = append(records, ports.ContextRecord{
			ID:          ev.ActorID,
			Src:         ev.Src,
			ExecutionID: ev.ExecutionID,
			Status:      ev.Snapshot.Status,
			Context:     ev.Snapshot.Context,
		})
	}

	b.write(PartitionExecution, func(ctx context.Context) error {
		return b.store.SetContext(ctx, records)
	})
}

func (b *Bridge) write(partition string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.WriteTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	if b.recorder != nil {
		b.recorder.PersistenceWrite(partition, time.Since(start), err)
	}

	if err != nil {
		b.logger.Error("persistence write failed", "partition", partition, "error", err)
		return
	}
	b.logger.Debug("persisted", "partition", partition, "duration", time.Since(start))
}
