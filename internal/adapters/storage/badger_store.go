package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/eleven-am/loom/internal/domain"
	"github.com/eleven-am/loom/internal/ports"
	"github.com/eleven-am/loom/internal/xjson"
	"github.com/google/uuid"
)

const maxConflictRetries = 16

// Store keeps module state, execution contexts, the node/edge catalogue and
// the run event log in a single badger database.
type Store struct {
	db     *badger.DB
	owned  bool
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

var _ ports.Store = (*Store)(nil)

// Open opens (or creates) the database described by cfg. The returned store
// owns the database and closes it on Close.
func Open(cfg domain.StorageConfig, logger *slog.Logger) (*Store, error) {
	if !cfg.InMemory && cfg.DataDir == "" {
		return nil, domain.NewConfigError("storage.data_dir", domain.ErrInvalidConfig)
	}

	opts := badger.DefaultOptions(cfg.DataDir).WithLoggingLevel(badger.ERROR)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	s := NewStore(db, logger)
	s.owned = true
	return s, nil
}

// NewStore wraps an already open database. The caller keeps ownership of db.
func NewStore(db *badger.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger.With("component", "badger-store"),
	}
}

func (s *Store) SetState(ctx context.Context, record ports.StateRecord) error {
	if record.ID == "" {
		return fmt.Errorf("%w: state record has no id", domain.ErrInvalidInput)
	}
	if err := s.check(ctx); err != nil {
		return err
	}

	data, err := xjson.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", record.ID, err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(domain.StateKey(record.ID)), data)
	})
}

func (s *Store) Update(ctx context.Context, id string, state domain.PersistedSnapshot) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	return s.retry(func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			var record ports.StateRecord
			found, err := getJSON(txn, domain.StateKey(id), &record)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: state %s", domain.ErrNotFound, id)
			}

			record.State = state
			data, err := xjson.Marshal(record)
			if err != nil {
				return fmt.Errorf("encode state %s: %w", id, err)
			}
			return txn.Set([]byte(domain.StateKey(id)), data)
		})
	})
}

func (s *Store) SetContext(ctx context.Context, records []ports.ContextRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.check(ctx); err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, record := range records {
		if record.ID == "" || record.ExecutionID == "" {
			return fmt.Errorf("%w: context record needs an id and an execution id", domain.ErrInvalidInput)
		}
		data, err := xjson.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode context %s: %w", record.ID, err)
		}
		if err := wb.Set([]byte(domain.ContextKey(record.ExecutionID, record.ID)), data); err != nil {
			return err
		}
	}

	return wb.Flush()
}

// Contexts returns the stored context records of an execution ordered by
// actor id.
func (s *Store) Contexts(ctx context.Context, executionID string) ([]ports.ContextRecord, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var out []ports.ContextRecord
	err := s.scan(domain.ContextPrefix(executionID), func(data []byte) error {
		var record ports.ContextRecord
		if err := xjson.Unmarshal(data, &record); err != nil {
			return err
		}
		out = append(out, record)
		return nil
	})
	return out, err
}

func (s *Store) LoadState(ctx context.Context, id string) (*ports.StateRecord, bool, error) {
	if err := s.check(ctx); err != nil {
		return nil, false, err
	}

	var record ports.StateRecord
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, domain.StateKey(id), &record)
		return err
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &record, true, nil
}

func (s *Store) UpsertNode(ctx context.Context, node ports.NodeRecord) error {
	if node.ID == "" || node.WorkflowID == "" {
		return fmt.Errorf("%w: node record needs an id and a workflow id", domain.ErrInvalidInput)
	}
	if err := s.check(ctx); err != nil {
		return err
	}

	data, err := xjson.Marshal(node)
	if err != nil {
		return fmt.Errorf("encode node %s: %w", node.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(domain.NodeKey(node.WorkflowID, node.ID)), data)
	})
}

// DeleteNode removes the node and every edge touching it.
func (s *Store) DeleteNode(ctx context.Context, workflowID, id string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	edges, err := s.ListEdges(ctx, workflowID)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(domain.NodeKey(workflowID, id))); err != nil {
			return err
		}
		for _, edge := range edges {
			if edge.Source != id && edge.Target != id {
				continue
			}
			if err := txn.Delete([]byte(domain.EdgeKey(workflowID, edge.SourceSocket(), edge.TargetSocket()))); err != nil {
				return err
			}
		}
		return nil
	})
}

// Nodes lists the node catalogue of a workflow.
func (s *Store) Nodes(ctx context.Context, workflowID string) ([]ports.NodeRecord, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var out []ports.NodeRecord
	err := s.scan(domain.NodePrefix(workflowID), func(data []byte) error {
		var node ports.NodeRecord
		if err := xjson.Unmarshal(data, &node); err != nil {
			return err
		}
		out = append(out, node)
		return nil
	})
	return out, err
}

func (s *Store) CreateEdge(ctx context.Context, edge ports.EdgeRecord) error {
	if err := validEdge(edge); err != nil {
		return err
	}
	if err := s.check(ctx); err != nil {
		return err
	}

	data, err := xjson.Marshal(edge)
	if err != nil {
		return fmt.Errorf("encode edge: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(domain.EdgeKey(edge.WorkflowID, edge.SourceSocket(), edge.TargetSocket())), data)
	})
}

func (s *Store) DeleteEdge(ctx context.Context, edge ports.EdgeRecord) error {
	if err := validEdge(edge); err != nil {
		return err
	}
	if err := s.check(ctx); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(domain.EdgeKey(edge.WorkflowID, edge.SourceSocket(), edge.TargetSocket())))
	})
}

func (s *Store) ListEdges(ctx context.Context, workflowID string) ([]ports.EdgeRecord, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var out []ports.EdgeRecord
	err := s.scan(domain.EdgePrefix(workflowID), func(data []byte) error {
		var edge ports.EdgeRecord
		if err := xjson.Unmarshal(data, &edge); err != nil {
			return err
		}
		out = append(out, edge)
		return nil
	})
	return out, err
}

func (s *Store) CreateExecution(ctx context.Context, workflowID string) (*ports.ExecutionRecord, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("%w: execution needs a workflow id", domain.ErrInvalidInput)
	}
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	record := &ports.ExecutionRecord{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		CreatedAt:  time.Now().UTC(),
	}
	data, err := xjson.Marshal(record)
	if err != nil {
		return nil, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(domain.ExecutionKey(record.ID)), data)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("execution created", "execution_id", record.ID, "workflow_id", workflowID)
	return record, nil
}

// SetEvent appends event to the execution's log. A zero Seq is replaced by
// the next sequence number of that execution.
func (s *Store) SetEvent(ctx context.Context, executionID string, event ports.EventRecord) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	return s.retry(func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			if _, err := txn.Get([]byte(domain.ExecutionKey(executionID))); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return fmt.Errorf("%w: execution %s", domain.ErrNotFound, executionID)
				}
				return err
			}

			var last uint64
			if _, err := getJSON(txn, domain.ExecutionSeqKey(executionID), &last); err != nil {
				return err
			}

			record := event
			if record.Seq == 0 {
				record.Seq = last + 1
			}
			if record.Seq > last {
				last = record.Seq
			}

			data, err := xjson.Marshal(record)
			if err != nil {
				return err
			}
			seq, err := xjson.Marshal(last)
			if err != nil {
				return err
			}

			if err := txn.Set([]byte(domain.ExecutionEventKey(executionID, record.Seq)), data); err != nil {
				return err
			}
			return txn.Set([]byte(domain.ExecutionSeqKey(executionID)), seq)
		})
	})
}

// Events returns the execution's log in sequence order.
func (s *Store) Events(ctx context.Context, executionID string) ([]ports.EventRecord, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var out []ports.EventRecord
	err := s.scan(domain.ExecutionEventPrefix(executionID), func(data []byte) error {
		var event ports.EventRecord
		if err := xjson.Unmarshal(data, &event); err != nil {
			return err
		}
		out = append(out, event)
		return nil
	})
	return out, err
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

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.ErrClosed
	}
	return nil
}

func (s *Store) retry(fn func() error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = fn()
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.logger.Debug("transaction conflict, retrying", "attempt", i+1)
	}
	return err
}

func (s *Store) scan(prefix string, fn func([]byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(value); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
		}
		return nil
	})
}

func getJSON(txn *badger.Txn, key string, v interface{}) (bool, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}

	data, err := item.ValueCopy(nil)
	if err != nil {
		return false, err
	}
	if err := xjson.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func validEdge(edge ports.EdgeRecord) error {
	if edge.WorkflowID == "" || edge.Source == "" || edge.SourcePort == "" || edge.Target == "" || edge.TargetPort == "" {
		return fmt.Errorf("%w: edge record is incomplete", domain.ErrInvalidInput)
	}
	return nil
}
