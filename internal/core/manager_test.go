package core

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/eleven-am/loom/internal/adapters/storage"
	"github.com/eleven-am/loom/internal/domain"
	"github.com/eleven-am/loom/internal/engine"
	"github.com/eleven-am/loom/internal/nodes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(workflowID string) *domain.Config {
	cfg := domain.NewConfigFromSimple(workflowID, slog.New(slog.NewTextHandler(io.Discard, nil)))
	cfg.Engine.Debounce = 0
	cfg.Sync.ModuleDebounce = time.Hour
	cfg.Sync.ExecutionDebounce = time.Hour
	return cfg
}

func memoryStore(t *testing.T) *storage.Store {
	t.Helper()

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return storage.NewStore(db, nil)
}

func startManager(t *testing.T, cfg *domain.Config, opts ...Option) *Manager {
	t.Helper()

	m, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m
}

func settle(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, m.WaitIdle(ctx))
}

func outputs(t *testing.T, m *Manager, id string) domain.Values {
	t.Helper()
	out, ok := m.Outputs(id)
	require.True(t, ok, "node %s is not live", id)
	return out
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(nil)
	assert.True(t, domain.IsInvalidConfig(err))

	cfg := testConfig("wf:bad")
	_, err = New(cfg)

	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "workflow_id", cfgErr.Field)
}

func TestManager_Lifecycle(t *testing.T) {
	m, err := New(testConfig("wf-life"))
	require.NoError(t, err)

	assert.ErrorIs(t, m.SpawnNode("a", nodes.TypeText, nil), domain.ErrNotStarted)

	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), domain.ErrAlreadyStarted)
	assert.True(t, m.Exists(domain.DefaultEditorID))

	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Stop(context.Background()))

	assert.ErrorIs(t, m.SpawnNode("a", nodes.TypeText, nil), domain.ErrClosed)
	assert.ErrorIs(t, m.Start(context.Background()), domain.ErrClosed)
}

func TestManager_BuildsGraph(t *testing.T) {
	m := startManager(t, testConfig("wf-graph"))

	require.NoError(t, m.SpawnNode("a", nodes.TypeText, domain.Values{"value": "hello"}))
	require.NoError(t, m.SpawnNode("b", nodes.TypePromptTemplate, domain.Values{"template": "Title: ${title}"}))
	settle(t, m)

	require.NoError(t, m.Connect("a", "value", "b", "title"))
	settle(t, m)
	assert.Equal(t, "Title: hello", outputs(t, m, "b")["value"])

	require.NoError(t, m.SetInput("a", "value", "world"))
	settle(t, m)
	assert.Equal(t, "Title: world", outputs(t, m, "b")["value"])

	require.NoError(t, m.Disconnect("a", "value", "b", "title"))
	settle(t, m)
	require.NoError(t, m.SetInput("a", "value", "again"))
	settle(t, m)
	assert.Equal(t, "Title: world", outputs(t, m, "b")["value"])

	require.NoError(t, m.Destroy("b"))
	settle(t, m)
	assert.False(t, m.Exists("b"))
	assert.False(t, m.Exists(domain.SocketID("b", domain.SideInput, "title")))
}

func TestManager_SpawnValidation(t *testing.T) {
	m := startManager(t, testConfig("wf-spawn"))

	assert.ErrorIs(t, m.SpawnNode("x", "NodeMissing", nil), domain.ErrUnknownNodeType)
	assert.ErrorIs(t, m.SpawnNode("a:b", nodes.TypeText, nil), domain.ErrInvalidInput)
	assert.ErrorIs(t, m.SpawnNode("", nodes.TypeText, nil), domain.ErrInvalidInput)

	require.NoError(t, m.SpawnNode("a", nodes.TypeText, nil))
	settle(t, m)
	assert.True(t, domain.IsActorExists(m.SpawnNode("a", nodes.TypeText, nil)))

	assert.ErrorIs(t, m.Connect("a", "", "b", "title"), domain.ErrInvalidInput)
	assert.ErrorIs(t, m.SetInput("a", "missing", 1), domain.ErrNotFound)
	assert.ErrorIs(t, m.Send("ghost", engine.EventRun, nil), domain.ErrNotFound)
}

func TestManager_Call(t *testing.T) {
	m := startManager(t, testConfig("wf-call"))

	require.NoError(t, m.SpawnNode("math", nodes.TypeMath, domain.Values{"a": 2.0, "b": 3.0}))
	settle(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	res, err := m.Call(ctx, "math", "", engine.RunPayload{})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Contains(t, res.CallID, domain.CallIDPrefix)
	assert.Equal(t, 5.0, res.Outputs["result"])

	res, err = m.Call(ctx, "math", engine.EventRun, engine.RunPayload{CallID: "call_x", Values: domain.Values{"expression": "a * b"}})
	require.NoError(t, err)
	assert.Equal(t, "call_x", res.CallID)
	assert.Equal(t, 6.0, res.Outputs["result"])

	_, err = m.Call(ctx, "ghost", "", engine.RunPayload{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestManager_DynamicSockets(t *testing.T) {
	m := startManager(t, testConfig("wf-sockets"))

	require.NoError(t, m.SpawnNode("p", nodes.TypePromptTemplate, domain.Values{"template": "${title} by ${author}"}))
	settle(t, m)

	require.NoError(t, m.AddSocket("p", domain.SideInput, domain.SocketDefinition{
		Key:     "author",
		Name:    "Author",
		Type:    domain.TypeString,
		Default: "anon",
	}))
	settle(t, m)
	require.NoError(t, m.SetInput("p", "title", "Loom"))
	settle(t, m)
	assert.Equal(t, "Loom by anon", outputs(t, m, "p")["value"])

	require.NoError(t, m.RemoveSocket("p", domain.SideInput, "author"))
	settle(t, m)
	assert.False(t, m.Exists(domain.SocketID("p", domain.SideInput, "author")))

	assert.ErrorIs(t, m.AddSocket("p", domain.SideInput, domain.SocketDefinition{}), domain.ErrInvalidInput)
}

func TestManager_PersistsAndRestores(t *testing.T) {
	store := memoryStore(t)

	first, err := New(testConfig("wf-persist"), WithStore(store))
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))

	require.NoError(t, first.SpawnNode("a", nodes.TypeText, domain.Values{"value": "hello"}))
	require.NoError(t, first.SpawnNode("b", nodes.TypePromptTemplate, domain.Values{"template": "Title: ${title}"}))
	settle(t, first)
	require.NoError(t, first.Connect("a", "value", "b", "title"))
	settle(t, first)

	require.NoError(t, first.Flush(context.Background()))
	require.NoError(t, first.Stop(context.Background()))

	record, found, err := store.LoadState(context.Background(), "wf-persist")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, domain.IsSanitized(record.State))

	edges, err := store.ListEdges(context.Background(), "wf-persist")
	require.NoError(t, err)
	assert.Len(t, edges, 1)

	second := startManager(t, testConfig("wf-persist"), WithStore(store))
	settle(t, second)

	require.True(t, second.Exists("a"))
	require.True(t, second.Exists("b"))

	require.NoError(t, second.SetInput("a", "value", "again"))
	settle(t, second)
	assert.Equal(t, "Title: again", outputs(t, second, "b")["value"])
}

func TestManager_TreeAndSubscribe(t *testing.T) {
	m := startManager(t, testConfig("wf-tree"))

	events, unsubscribe := m.Subscribe(64)
	defer unsubscribe()

	require.NoError(t, m.SpawnNode("a", nodes.TypeText, domain.Values{"value": "x"}))
	settle(t, m)

	tree, ok := m.Tree()
	require.True(t, ok)
	assert.Contains(t, tree.ChildIDs(), "a")

	select {
	case ev := <-events:
		assert.NotEmpty(t, ev.ActorID)
	case <-time.After(time.Second):
		t.Fatal("no inspection event")
	}
}

func TestManager_Metrics(t *testing.T) {
	cfg := testConfig("wf-metrics").WithMetrics("loom_test")
	reg := prometheus.NewRegistry()
	m := startManager(t, cfg, WithRegisterer(reg))

	require.NoError(t, m.SpawnNode("a", nodes.TypeText, nil))
	settle(t, m)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestManager_ExtraNodeTypes(t *testing.T) {
	custom := &engine.NodeType{
		Name: "NodeCustom",
		Inputs: []domain.SocketDefinition{
			{Key: "value", Name: "Value", Type: domain.TypeString},
		},
		Outputs: []domain.SocketDefinition{
			{Key: "value", Name: "Value", Type: domain.TypeString},
		},
	}

	m, err := New(testConfig("wf-custom"), WithNodeTypes(custom))
	require.NoError(t, err)
	defer m.Stop(context.Background())

	assert.Contains(t, m.NodeTypes(), "NodeCustom")
	assert.Contains(t, m.NodeTypes(), nodes.TypeText)

	_, err = New(testConfig("wf-dup"), WithNodeTypes(nodes.Text()))
	assert.Error(t, err)
}

func TestManager_EventsWithoutStore(t *testing.T) {
	m := startManager(t, testConfig("wf-events"))
	_, err := m.Events(context.Background(), "exec")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, m.Flush(context.Background()))
}

func TestManager_BreakerGuardsHTTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := testConfig("wf-breaker")
	cfg.Breaker.Enabled = true
	cfg.Breaker.FailureThreshold = 1
	cfg.Breaker.Cooldown = time.Hour

	m := startManager(t, cfg, WithHTTPClient(server.Client()))
	require.NoError(t, m.SpawnNode("req", nodes.TypeHTTPRequest, domain.Values{"url": server.URL}))
	settle(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	res, err := m.Call(ctx, "req", "", engine.RunPayload{})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, float64(http.StatusServiceUnavailable), res.Outputs["status"])

	res, err = m.Call(ctx, "req", "", engine.RunPayload{})
	require.NoError(t, err)
	assert.False(t, res.OK)
	require.NotNil(t, res.Error)
	assert.Contains(t, res.Error.Message, "circuit breaker is open")

	assert.Len(t, m.Breakers(), 1)
}
