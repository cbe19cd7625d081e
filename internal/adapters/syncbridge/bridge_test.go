package syncbridge

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/eleven-am/loom/internal/actor"
	"github.com/eleven-am/loom/internal/adapters/storage"
	"github.com/eleven-am/loom/internal/domain"
	"github.com/eleven-am/loom/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	events chan actor.InspectionEvent

	mu    sync.Mutex
	trees map[string]domain.PersistedSnapshot
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events: make(chan actor.InspectionEvent),
		trees:  make(map[string]domain.PersistedSnapshot),
	}
}

func (f *fakeSource) Subscribe(int) (<-chan actor.InspectionEvent, func()) {
	return f.events, func() {}
}

func (f *fakeSource) Tree(id string) (domain.PersistedSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tree, ok := f.trees[id]
	return tree, ok
}

func (f *fakeSource) setTree(id string, tree domain.PersistedSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trees[id] = tree
}

type write struct {
	partition string
	err       error
}

type recorder struct {
	mu     sync.Mutex
	writes []write
}

func (r *recorder) PersistenceWrite(partition string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, write{partition: partition, err: err})
}

func (r *recorder) count(partition string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, w := range r.writes {
		if w.partition == partition {
			n++
		}
	}
	return n
}

func (r *recorder) failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, w := range r.writes {
		if w.err != nil {
			n++
		}
	}
	return n
}

type fixture struct {
	source   *fakeSource
	store    *storage.Store
	recorder *recorder
	bridge   *Bridge
}

func newFixture(t *testing.T, cfg domain.SyncConfig) *fixture {
	t.Helper()

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		source:   newFakeSource(),
		store:    storage.NewStore(db, logger),
		recorder: &recorder{},
	}
	f.bridge = New(f.source, f.store, "wf", "editor", cfg, logger, f.recorder)

	require.NoError(t, f.bridge.Start(context.Background()))
	t.Cleanup(func() { _ = f.bridge.Stop(context.Background()) })
	return f
}

func longWindows() domain.SyncConfig {
	return domain.SyncConfig{
		Enabled:           true,
		ModuleDebounce:    time.Hour,
		ExecutionDebounce: time.Hour,
	}
}

func editorTree(title string) domain.PersistedSnapshot {
	return domain.PersistedSnapshot{
		Src:          "Editor",
		SystemID:     "editor",
		SyncSnapshot: true,
		Snapshot:     domain.Snapshot{Value: "idle", Status: domain.StatusActive},
		Children: map[string]domain.PersistedSnapshot{
			"n1": {
				Src:          "NodeText",
				SystemID:     "n1",
				SyncSnapshot: true,
				Snapshot: domain.Snapshot{
					Value:  "idle",
					Status: domain.StatusActive,
					Context: map[string]interface{}{
						"inputs":  map[string]interface{}{"value": title},
						"outputs": map[string]interface{}{"value": title},
						"name":    "Text",
					},
				},
			},
		},
	}
}

func snapshotEvent(id, src, execution string) actor.InspectionEvent {
	return actor.InspectionEvent{
		Kind:        actor.KindSnapshot,
		ActorID:     id,
		Src:         src,
		ExecutionID: execution,
		Snapshot:    domain.Snapshot{Value: "running", Status: domain.StatusActive, Context: map[string]interface{}{"id": id}},
		At:          time.Now(),
	}
}

func TestBridge_ModuleWritesAreBatchedAndSanitized(t *testing.T) {
	f := newFixture(t, longWindows())
	f.source.setTree("editor", editorTree("secret"))

	for i := 0; i < 20; i++ {
		f.source.events <- snapshotEvent("n1", "NodeText", "")
	}
	require.NoError(t, f.bridge.Flush(context.Background()))

	assert.Equal(t, 1, f.recorder.count(PartitionModule))

	record, found, err := f.store.LoadState(context.Background(), "wf")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, TypeModule, record.Type)
	assert.Equal(t, "wf", record.ContextID)
	assert.True(t, domain.IsSanitized(record.State))

	child := record.State.Children["n1"]
	assert.Equal(t, "Text", child.Snapshot.Context["name"], "non-value context survives")
	assert.Equal(t, map[string]interface{}{"value": nil}, child.Snapshot.Context["inputs"])
}

func TestBridge_ModuleUpdatesAfterFirstWrite(t *testing.T) {
	f := newFixture(t, longWindows())
	f.source.setTree("editor", editorTree("a"))

	f.source.events <- snapshotEvent("n1", "NodeText", "")
	require.NoError(t, f.bridge.Flush(context.Background()))

	tree := editorTree("b")
	tree.Snapshot.Value = "busy"
	f.source.setTree("editor", tree)

	f.source.events <- snapshotEvent("n1", "NodeText", "")
	require.NoError(t, f.bridge.Flush(context.Background()))

	assert.Equal(t, 2, f.recorder.count(PartitionModule))

	state, found, err := f.bridge.Load(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "busy", state.Snapshot.Value)
}

func TestBridge_FlushWithoutChangesWritesNothing(t *testing.T) {
	f := newFixture(t, longWindows())
	f.source.setTree("editor", editorTree("a"))

	require.NoError(t, f.bridge.Flush(context.Background()))
	assert.Equal(t, 0, f.recorder.count(PartitionModule))
}

func TestBridge_WindowElapses(t *testing.T) {
	f := newFixture(t, domain.SyncConfig{ModuleDebounce: 20 * time.Millisecond, ExecutionDebounce: 10 * time.Millisecond})
	f.source.setTree("editor", editorTree("a"))

	f.source.events <- snapshotEvent("n1", "NodeText", "")
	f.source.events <- snapshotEvent("n1", "NodeText", "")

	require.Eventually(t, func() bool {
		_, found, err := f.store.LoadState(context.Background(), "wf")
		return err == nil && found
	}, time.Second, 5*time.Millisecond)
}

func TestBridge_RunPartition(t *testing.T) {
	f := newFixture(t, longWindows())

	f.source.events <- snapshotEvent("call_1", "NodeMath.run", "exec-1")
	f.source.events <- snapshotEvent("call_1", "NodeMath.run", "exec-1")
	require.NoError(t, f.bridge.Flush(context.Background()))

	record, found, err := f.store.LoadState(context.Background(), "call_1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, TypeExecution, record.Type)
	assert.Equal(t, "exec-1", record.ExecutionID)
	assert.Equal(t, "NodeMath.run", record.State.Src)
	assert.Equal(t, 1, f.recorder.count(PartitionRun))

	f.source.events <- snapshotEvent("call_1", "NodeMath.run", "exec-1")
	require.NoError(t, f.bridge.Flush(context.Background()))
	assert.Equal(t, 2, f.recorder.count(PartitionRun))
	assert.Equal(t, 0, f.recorder.failures())
}

func TestBridge_ExecutionContextsKeepLatestPerActor(t *testing.T) {
	f := newFixture(t, longWindows())

	first := snapshotEvent("n1", "NodeText", "exec-1")
	first.Snapshot.Status = domain.StatusActive
	last := snapshotEvent("n1", "NodeText", "exec-1")
	last.Snapshot.Status = domain.StatusDone

	f.source.events <- first
	f.source.events <- snapshotEvent("n2", "NodeMath", "exec-1")
	f.source.events <- last
	require.NoError(t, f.bridge.Flush(context.Background()))

	records, err := f.store.Contexts(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "n1", records[0].ID)
	assert.Equal(t, domain.StatusDone, records[0].Status)
	assert.Equal(t, 1, f.recorder.count(PartitionExecution))
}

func TestBridge_IgnoresNonSnapshotExecutionEvents(t *testing.T) {
	f := newFixture(t, longWindows())

	ev := snapshotEvent("n1", "NodeText", "exec-1")
	ev.Kind = actor.KindStopped
	f.source.events <- ev
	require.NoError(t, f.bridge.Flush(context.Background()))

	assert.Equal(t, 0, f.recorder.count(PartitionExecution))
}

func TestBridge_StopFlushesPending(t *testing.T) {
	f := newFixture(t, longWindows())
	f.source.setTree("editor", editorTree("a"))

	f.source.events <- snapshotEvent("n1", "NodeText", "")
	require.NoError(t, f.bridge.Stop(context.Background()))

	_, found, err := f.store.LoadState(context.Background(), "wf")
	require.NoError(t, err)
	assert.True(t, found)

	assert.ErrorIs(t, f.bridge.Flush(context.Background()), domain.ErrClosed)
}

func TestBridge_FailedWritesAreRecorded(t *testing.T) {
	f := newFixture(t, longWindows())
	f.source.setTree("editor", editorTree("a"))
	require.NoError(t, f.store.Close())

	f.source.events <- snapshotEvent("n1", "NodeText", "")
	require.NoError(t, f.bridge.Flush(context.Background()))

	assert.Equal(t, 1, f.recorder.failures())
}

func TestBridge_LoadRejectsExecutionRecords(t *testing.T) {
	f := newFixture(t, longWindows())

	require.NoError(t, f.store.SetState(context.Background(), ports.StateRecord{ID: "wf", Type: TypeExecution}))

	_, _, err := f.bridge.Load(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestBridge_StartTwice(t *testing.T) {
	f := newFixture(t, longWindows())
	assert.ErrorIs(t, f.bridge.Start(context.Background()), domain.ErrAlreadyStarted)
}
