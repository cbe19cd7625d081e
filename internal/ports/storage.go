package ports

import (
	"context"
	"time"

	"github.com/eleven-am/loom/internal/domain"
)

// StateRecord is one persisted actor tree. ExecutionID is empty for
// design-time (module) state.
type StateRecord struct {
	ID          string                   `json:"id" db:"id"`
	Type        string                   `json:"type" db:"type"`
	ContextID   string                   `json:"context_id" db:"context_id"`
	ExecutionID string                   `json:"execution_id,omitempty" db:"execution_id"`
	State       domain.PersistedSnapshot `json:"state" db:"-"`
}

// ContextRecord is the flat context of one actor taking part in an execution.
type ContextRecord struct {
	ID          string                 `json:"id" db:"id"`
	Src         string                 `json:"src" db:"src"`
	ExecutionID string                 `json:"execution_id" db:"execution_id"`
	Status      string                 `json:"status" db:"status"`
	Context     map[string]interface{} `json:"context" db:"-"`
}

type NodeRecord struct {
	ID         string                    `json:"id" db:"id"`
	WorkflowID string                    `json:"workflow_id" db:"workflow_id"`
	Type       string                    `json:"type" db:"type"`
	Parent     *domain.ParentLink        `json:"parent,omitempty" db:"-"`
	Inputs     []domain.SocketDefinition `json:"inputs,omitempty" db:"-"`
	Outputs    []domain.SocketDefinition `json:"outputs,omitempty" db:"-"`
}

type EdgeRecord struct {
	WorkflowID string `json:"workflow_id" db:"workflow_id"`
	Source     string `json:"source" db:"source"`
	SourcePort string `json:"source_port" db:"source_port"`
	Target     string `json:"target" db:"target"`
	TargetPort string `json:"target_port" db:"target_port"`
}

func (e EdgeRecord) SourceSocket() string {
	return domain.SocketID(e.Source, domain.SideOutput, e.SourcePort)
}

func (e EdgeRecord) TargetSocket() string {
	return domain.SocketID(e.Target, domain.SideInput, e.TargetPort)
}

// Persistence is the fire-and-forget mutation surface used by the sync
// bridge and the editor. Implementations must be safe for concurrent use.
type Persistence interface {
	SetState(ctx context.Context, record StateRecord) error
	Update(ctx context.Context, id string, state domain.PersistedSnapshot) error
	SetContext(ctx context.Context, records []ContextRecord) error
	LoadState(ctx context.Context, id string) (*StateRecord, bool, error)

	UpsertNode(ctx context.Context, node NodeRecord) error
	DeleteNode(ctx context.Context, workflowID, id string) error
	CreateEdge(ctx context.Context, edge EdgeRecord) error
	DeleteEdge(ctx context.Context, edge EdgeRecord) error
	ListEdges(ctx context.Context, workflowID string) ([]EdgeRecord, error)

	Close() error
}

type ExecutionRecord struct {
	ID         string    `json:"id" db:"id"`
	WorkflowID string    `json:"workflow_id" db:"workflow_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// EventRecord is a raw run-triggering event as it was received.
type EventRecord struct {
	Seq       uint64    `json:"seq" db:"seq"`
	Type      string    `json:"type" db:"type"`
	ActorID   string    `json:"actor_id" db:"actor_id"`
	Payload   []byte    `json:"payload" db:"payload"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// EventLog durably records run-triggering events before they take effect.
type EventLog interface {
	CreateExecution(ctx context.Context, workflowID string) (*ExecutionRecord, error)
	SetEvent(ctx context.Context, executionID string, event EventRecord) error
	Events(ctx context.Context, executionID string) ([]EventRecord, error)
}

// Store is the combined surface offered by the storage adapters.
type Store interface {
	Persistence
	EventLog
}
