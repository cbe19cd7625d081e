// Package loom runs visual dataflow workflows as a graph of actors.
//
// A workflow is a set of nodes whose typed input and output sockets are
// joined by edges. Values propagate reactively through the graph; nodes with
// side effects (HTTP requests, model completions, scripts) run on demand and
// answer every caller with a single result. The graph and the state of every
// execution can be mirrored into Badger or PostgreSQL.
//
// Basic usage:
//
//	manager, err := loom.New(loom.NewConfigFromSimple("my-workflow", logger))
//	manager.Start(ctx)
//
//	manager.SpawnNode("title", loom.NodeText, loom.Values{"value": "hello"})
//	manager.SpawnNode("prompt", loom.NodePromptTemplate, loom.Values{"template": "Say ${title}"})
//	manager.Connect("title", "value", "prompt", "title")
//	manager.WaitIdle(ctx)
//
//	outputs, _ := manager.Outputs("prompt")
package loom

import (
	"github.com/eleven-am/loom/internal/actor"
	"github.com/eleven-am/loom/internal/core"
	"github.com/eleven-am/loom/internal/domain"
	"github.com/eleven-am/loom/internal/engine"
	"github.com/eleven-am/loom/internal/nodes"
)

// Manager owns one running workflow: its actor system, the graph editor,
// the adapters node types call out to and persistence.
type Manager = core.Manager

// Option customises a Manager at construction.
type Option = core.Option

// NodeType declares the sockets and behaviour of a kind of node.
type NodeType = engine.NodeType

// RunContext is what a side-effecting node run receives.
type RunContext = engine.RunContext

// RunFunc performs one run of a node.
type RunFunc = engine.RunFunc

// ComputeFunc derives outputs from inputs for reactive nodes.
type ComputeFunc = engine.ComputeFunc

// EventFunc handles a custom event on a node.
type EventFunc = engine.EventFunc

// Scope gives an EventFunc access to the node it runs on.
type Scope = engine.Scope

// Services are the collaborators reachable from node logic.
type Services = engine.Services

// RunPayload carries the call id, reply targets and input overrides of a run.
type RunPayload = engine.RunPayload

type RunResult = domain.RunResult

type Values = domain.Values

type SocketDefinition = domain.SocketDefinition

type SocketSide = domain.SocketSide

type ActorRef = domain.ActorRef

type Snapshot = domain.Snapshot

// PersistedSnapshot is the recursive, storable form of an actor tree.
type PersistedSnapshot = domain.PersistedSnapshot

type Event = actor.Event

// InspectionEvent is one entry of the inspection stream returned by
// Manager.Subscribe.
type InspectionEvent = actor.InspectionEvent

type NodeError = domain.NodeError

type ConfigError = domain.ConfigError

const (
	SideInput  = domain.SideInput
	SideOutput = domain.SideOutput
)

// Built-in node types.
const (
	NodeText             = nodes.TypeText
	NodeNumber           = nodes.TypeNumber
	NodePromptTemplate   = nodes.TypePromptTemplate
	NodeComposeObject    = nodes.TypeComposeObject
	NodeMath             = nodes.TypeMath
	NodeScript           = nodes.TypeScript
	NodeHTTPRequest      = nodes.TypeHTTPRequest
	NodeApiConfiguration = nodes.TypeApiConfiguration
	NodeOpenAI           = nodes.TypeOpenAI
	NodeThread           = nodes.TypeThread
	NodeChat             = nodes.TypeChat
)

const (
	EventRun   = engine.EventRun
	EventReset = engine.EventReset
	EventRetry = engine.EventRetry
)

var (
	ErrAlreadyStarted  = domain.ErrAlreadyStarted
	ErrNotStarted      = domain.ErrNotStarted
	ErrNotFound        = domain.ErrNotFound
	ErrActorExists     = domain.ErrActorExists
	ErrUnknownNodeType = domain.ErrUnknownNodeType
	ErrInvalidConfig   = domain.ErrInvalidConfig
	ErrInvalidInput    = domain.ErrInvalidInput
	ErrTimeout         = domain.ErrTimeout
	ErrClosed          = domain.ErrClosed
)

// New validates config and wires a workflow manager. Start must be called
// before the graph can be edited.
func New(config *Config, opts ...Option) (*Manager, error) {
	return core.New(config, opts...)
}

var (
	WithStore          = core.WithStore
	WithScriptRunner   = core.WithScriptRunner
	WithSecretResolver = core.WithSecretResolver
	WithCompleter      = core.WithCompleter
	WithHTTPClient     = core.WithHTTPClient
	WithRegisterer     = core.WithRegisterer
	WithNodeTypes      = core.WithNodeTypes
)

// BuiltinNodeTypes returns fresh definitions of every built-in node type.
func BuiltinNodeTypes() []*NodeType {
	return nodes.All()
}

// Sanitize strips runtime values from a persisted tree, keeping topology.
func Sanitize(tree PersistedSnapshot) PersistedSnapshot {
	return domain.Sanitize(tree)
}
