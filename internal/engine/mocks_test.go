package engine

import (
	"context"

	"github.com/eleven-am/loom/internal/domain"
	"github.com/eleven-am/loom/internal/ports"
	"github.com/stretchr/testify/mock"
)

type mockEventLog struct {
	mock.Mock
}

func (m *mockEventLog) CreateExecution(ctx context.Context, workflowID string) (*ports.ExecutionRecord, error) {
	args := m.Called(ctx, workflowID)
	if rec := args.Get(0); rec != nil {
		return rec.(*ports.ExecutionRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockEventLog) SetEvent(ctx context.Context, executionID string, event ports.EventRecord) error {
	args := m.Called(ctx, executionID, event)
	return args.Error(0)
}

func (m *mockEventLog) Events(ctx context.Context, executionID string) ([]ports.EventRecord, error) {
	args := m.Called(ctx, executionID)
	if recs := args.Get(0); recs != nil {
		return recs.([]ports.EventRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockPersistence struct {
	mock.Mock
}

func (m *mockPersistence) SetState(ctx context.Context, record ports.StateRecord) error {
	return m.Called(ctx, record).Error(0)
}

func (m *mockPersistence) Update(ctx context.Context, id string, state domain.PersistedSnapshot) error {
	return m.Called(ctx, id, state).Error(0)
}

func (m *mockPersistence) SetContext(ctx context.Context, records []ports.ContextRecord) error {
	return m.Called(ctx, records).Error(0)
}

func (m *mockPersistence) LoadState(ctx context.Context, id string) (*ports.StateRecord, bool, error) {
	args := m.Called(ctx, id)
	if rec := args.Get(0); rec != nil {
		return rec.(*ports.StateRecord), args.Bool(1), args.Error(2)
	}
	return nil, args.Bool(1), args.Error(2)
}

func (m *mockPersistence) UpsertNode(ctx context.Context, node ports.NodeRecord) error {
	return m.Called(ctx, node).Error(0)
}

func (m *mockPersistence) DeleteNode(ctx context.Context, workflowID, id string) error {
	return m.Called(ctx, workflowID, id).Error(0)
}

func (m *mockPersistence) CreateEdge(ctx context.Context, edge ports.EdgeRecord) error {
	return m.Called(ctx, edge).Error(0)
}

func (m *mockPersistence) DeleteEdge(ctx context.Context, edge ports.EdgeRecord) error {
	return m.Called(ctx, edge).Error(0)
}

func (m *mockPersistence) ListEdges(ctx context.Context, workflowID string) ([]ports.EdgeRecord, error) {
	args := m.Called(ctx, workflowID)
	if recs := args.Get(0); recs != nil {
		return recs.([]ports.EdgeRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockPersistence) Close() error {
	return m.Called().Error(0)
}
