package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/loom/internal/domain"
	"github.com/eleven-am/loom/internal/ports"
	"github.com/eleven-am/loom/internal/xjson"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const (
	upsertStateQuery = `INSERT INTO loom_states (id, type, context_id, execution_id, state, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET type = EXCLUDED.type, context_id = EXCLUDED.context_id,
execution_id = EXCLUDED.execution_id, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`

	updateStateQuery = `UPDATE loom_states SET state = $2, updated_at = $3 WHERE id = $1`

	selectStateQuery = `SELECT id, type, context_id, COALESCE(execution_id, '') AS execution_id, state
FROM loom_states WHERE id = $1`

	upsertContextQuery = `INSERT INTO loom_contexts (execution_id, id, src, status, context, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (execution_id, id) DO UPDATE SET src = EXCLUDED.src, status = EXCLUDED.status,
context = EXCLUDED.context, updated_at = EXCLUDED.updated_at`

	selectContextsQuery = `SELECT id, src, execution_id, status, context FROM loom_contexts
WHERE execution_id = $1 ORDER BY id ASC`

	upsertNodeQuery = `INSERT INTO loom_nodes (workflow_id, id, type, parent, inputs, outputs)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (workflow_id, id) DO UPDATE SET type = EXCLUDED.type, parent = EXCLUDED.parent,
inputs = EXCLUDED.inputs, outputs = EXCLUDED.outputs`

	deleteNodeEdgesQuery = `DELETE FROM loom_edges WHERE workflow_id = $1 AND (source = $2 OR target = $2)`

	deleteNodeQuery = `DELETE FROM loom_nodes WHERE workflow_id = $1 AND id = $2`

	insertEdgeQuery = `INSERT INTO loom_edges (workflow_id, source, source_port, target, target_port)
VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`

	deleteEdgeQuery = `DELETE FROM loom_edges
WHERE workflow_id = $1 AND source = $2 AND source_port = $3 AND target = $4 AND target_port = $5`

	selectEdgesQuery = `SELECT workflow_id, source, source_port, target, target_port FROM loom_edges
WHERE workflow_id = $1 ORDER BY source, source_port, target, target_port`

	insertExecutionQuery = `INSERT INTO loom_executions (id, workflow_id, created_at) VALUES ($1, $2, $3)`

	lockExecutionQuery = `SELECT id FROM loom_executions WHERE id = $1 FOR UPDATE`

	nextSeqQuery = `SELECT COALESCE(MAX(seq), 0) FROM loom_events WHERE execution_id = $1`

	insertEventQuery = `INSERT INTO loom_events (execution_id, seq, type, actor_id, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

	selectEventsQuery = `SELECT seq, type, actor_id, payload, created_at FROM loom_events
WHERE execution_id = $1 ORDER BY seq ASC`
)

const schema = `
CREATE TABLE IF NOT EXISTS loom_states (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    context_id TEXT NOT NULL,
    execution_id TEXT,
    state JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS loom_contexts (
    execution_id TEXT NOT NULL,
    id TEXT NOT NULL,
    src TEXT NOT NULL,
    status TEXT NOT NULL,
    context JSONB,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (execution_id, id)
);
CREATE TABLE IF NOT EXISTS loom_nodes (
    workflow_id TEXT NOT NULL,
    id TEXT NOT NULL,
    type TEXT NOT NULL,
    parent JSONB,
    inputs JSONB,
    outputs JSONB,
    PRIMARY KEY (workflow_id, id)
);
CREATE TABLE IF NOT EXISTS loom_edges (
    workflow_id TEXT NOT NULL,
    source TEXT NOT NULL,
    source_port TEXT NOT NULL,
    target TEXT NOT NULL,
    target_port TEXT NOT NULL,
    PRIMARY KEY (workflow_id, source, source_port, target, target_port)
);
CREATE TABLE IF NOT EXISTS loom_executions (
    id TEXT PRIMARY KEY,
    workflow_id TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS loom_events (
    execution_id TEXT NOT NULL REFERENCES loom_executions (id) ON DELETE CASCADE,
    seq BIGINT NOT NULL,
    type TEXT NOT NULL,
    actor_id TEXT NOT NULL,
    payload BYTEA,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (execution_id, seq)
);`

type stateRow struct {
	ID          string `db:"id"`
	Type        string `db:"type"`
	ContextID   string `db:"context_id"`
	ExecutionID string `db:"execution_id"`
	State       []byte `db:"state"`
}

type contextRow struct {
	ID          string `db:"id"`
	Src         string `db:"src"`
	ExecutionID string `db:"execution_id"`
	Status      string `db:"status"`
	Context     []byte `db:"context"`
}

// Store implements ports.Store on PostgreSQL. Snapshots, contexts and socket
// definitions are stored as JSONB.
type Store struct {
	db     *sqlx.DB
	owned  bool
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
}

var _ ports.Store = (*Store)(nil)

// Open connects with cfg, verifies the connection and optionally creates the
// schema.
func Open(ctx context.Context, cfg domain.PostgresConfig, logger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, domain.NewConfigError("postgres.dsn", domain.ErrInvalidConfig)
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := New(db, logger)
	s.owned = true

	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// New wraps an open connection pool. The caller keeps ownership of db.
func New(db *sqlx.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger.With("component", "postgres-store"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Migrate creates the tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	s.logger.Info("schema ready")
	return nil
}

func (s *Store) SetState(ctx context.Context, record ports.StateRecord) error {
	if record.ID == "" {
		return fmt.Errorf("%w: state record has no id", domain.ErrInvalidInput)
	}
	if err := s.check(); err != nil {
		return err
	}

	state, err := xjson.Marshal(record.State)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", record.ID, err)
	}

	_, err = s.db.ExecContext(ctx, upsertStateQuery,
		record.ID, record.Type, record.ContextID, nullIfEmpty(record.ExecutionID), state, s.now())
	return err
}

func (s *Store) Update(ctx context.Context, id string, state domain.PersistedSnapshot) error {
	if err := s.check(); err != nil {
		return err
	}

	data, err := xjson.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", id, err)
	}

	res, err := s.db.ExecContext(ctx, updateStateQuery, id, data, s.now())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: state %s", domain.ErrNotFound, id)
	}
	return nil
}

func (s *Store) SetContext(ctx context.Context, records []ports.ContextRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.check(); err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now()
	for _, record := range records {
		if record.ID == "" || record.ExecutionID == "" {
			return fmt.Errorf("%w: context record needs an id and an execution id", domain.ErrInvalidInput)
		}
		data, err := xjson.Marshal(record.Context)
		if err != nil {
			return fmt.Errorf("encode context %s: %w", record.ID, err)
		}
		if _, err := tx.ExecContext(ctx, upsertContextQuery,
			record.ExecutionID, record.ID, record.Src, record.Status, data, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Contexts returns the stored context records of an execution ordered by
// actor id.
func (s *Store) Contexts(ctx context.Context, executionID string) ([]ports.ContextRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	var rows []contextRow
	if err := s.db.SelectContext(ctx, &rows, selectContextsQuery, executionID); err != nil {
		return nil, err
	}

	out := make([]ports.ContextRecord, 0, len(rows))
	for _, row := range rows {
		record := ports.ContextRecord{ID: row.ID, Src: row.Src, ExecutionID: row.ExecutionID, Status: row.Status}
		if len(row.Context) > 0 {
			if err := xjson.Unmarshal(row.Context, &record.Context); err != nil {
				return nil, fmt.Errorf("decode context %s: %w", row.ID, err)
			}
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *Store) LoadState(ctx context.Context, id string) (*ports.StateRecord, bool, error) {
	if err := s.check(); err != nil {
		return nil, false, err
	}

	var row stateRow
	if err := s.db.GetContext(ctx, &row, selectStateQuery, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}

	record := &ports.StateRecord{
		ID:          row.ID,
		Type:        row.Type,
		ContextID:   row.ContextID,
		ExecutionID: row.ExecutionID,
	}
	if err := xjson.Unmarshal(row.State, &record.State); err != nil {
		return nil, false, fmt.Errorf("decode state %s: %w", id, err)
	}
	return record, true, nil
}

func (s *Store) UpsertNode(ctx context.Context, node ports.NodeRecord) error {
	if node.ID == "" || node.WorkflowID == "" {
		return fmt.Errorf("%w: node record needs an id and a workflow id", domain.ErrInvalidInput)
	}
	if err := s.check(); err != nil {
		return err
	}

	var parent interface{}
	if node.Parent != nil {
		data, err := xjson.Marshal(node.Parent)
		if err != nil {
			return err
		}
		parent = data
	}
	inputs, err := xjson.Marshal(node.Inputs)
	if err != nil {
		return err
	}
	outputs, err := xjson.Marshal(node.Outputs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, upsertNodeQuery, node.WorkflowID, node.ID, node.Type, parent, inputs, outputs)
	return err
}

// DeleteNode removes the node and every edge touching it.
func (s *Store) DeleteNode(ctx context.Context, workflowID, id string) error {
	if err := s.check(); err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, deleteNodeEdgesQuery, workflowID, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, deleteNodeQuery, workflowID, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CreateEdge(ctx context.Context, edge ports.EdgeRecord) error {
	if err := validEdge(edge); err != nil {
		return err
	}
	if err := s.check(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, insertEdgeQuery,
		edge.WorkflowID, edge.Source, edge.SourcePort, edge.Target, edge.TargetPort)
	return err
}

func (s *Store) DeleteEdge(ctx context.Context, edge ports.EdgeRecord) error {
	if err := validEdge(edge); err != nil {
		return err
	}
	if err := s.check(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, deleteEdgeQuery,
		edge.WorkflowID, edge.Source, edge.SourcePort, edge.Target, edge.TargetPort)
	return err
}

func (s *Store) ListEdges(ctx context.Context, workflowID string) ([]ports.EdgeRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	var edges []ports.EdgeRecord
	if err := s.db.SelectContext(ctx, &edges, selectEdgesQuery, workflowID); err != nil {
		return nil, err
	}
	return edges, nil
}

func (s *Store) CreateExecution(ctx context.Context, workflowID string) (*ports.ExecutionRecord, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("%w: execution needs a workflow id", domain.ErrInvalidInput)
	}
	if err := s.check(); err != nil {
		return nil, err
	}

	record := &ports.ExecutionRecord{ID: uuid.NewString(), WorkflowID: workflowID, CreatedAt: s.now()}
	if _, err := s.db.ExecContext(ctx, insertExecutionQuery, record.ID, record.WorkflowID, record.CreatedAt); err != nil {
		return nil, err
	}

	s.logger.Debug("execution created", "execution_id", record.ID, "workflow_id", workflowID)
	return record, nil
}

// SetEvent appends event to the execution's log. A zero Seq is replaced by
// the next sequence number; the execution row lock serialises writers.
func (s *Store) SetEvent(ctx context.Context, executionID string, event ports.EventRecord) error {
	if err := s.check(); err != nil {
		return err
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var locked string
	if err := tx.GetContext(ctx, &locked, lockExecutionQuery, executionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: execution %s", domain.ErrNotFound, executionID)
		}
		return err
	}

	if event.Seq == 0 {
		var last int64
		if err := tx.GetContext(ctx, &last, nextSeqQuery, executionID); err != nil {
			return err
		}
		event.Seq = uint64(last) + 1
	}

	if _, err := tx.ExecContext(ctx, insertEventQuery,
		executionID, int64(event.Seq), event.Type, event.ActorID, event.Payload, event.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Events(ctx context.Context, executionID string) ([]ports.EventRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	var events []ports.EventRecord
	if err := s.db.SelectContext(ctx, &events, selectEventsQuery, executionID); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.owned {
		return s.db.Close()
	}
	return nil
}

func (s *Store) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.ErrClosed
	}
	return nil
}

func nullIfEmpty(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func validEdge(edge ports.EdgeRecord) error {
	if edge.WorkflowID == "" || edge.Source == "" || edge.SourcePort == "" || edge.Target == "" || edge.TargetPort == "" {
		return fmt.Errorf("%w: edge record is incomplete", domain.ErrInvalidInput)
	}
	return nil
}
