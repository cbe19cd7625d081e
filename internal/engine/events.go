package engine

import (
	"strings"

	"github.com/eleven-am/loom/internal/actor"
	"github.com/eleven-am/loom/internal/domain"
)

const (
	EventSetValue           = "SET_VALUE"
	EventSetOutput          = "SET_OUTPUT"
	EventCompute            = "COMPUTE"
	EventResult             = "RESULT"
	EventTrigger            = "TRIGGER"
	EventResolve            = "RESOLVE"
	EventInitialize         = "INITIALIZE"
	EventAssignChild        = "ASSIGN_CHILD"
	EventAssignActor        = "ASSIGN_ACTOR"
	EventAddSocket          = "ADD_SOCKET"
	EventRemoveSocket       = "REMOVE_SOCKET"
	EventUpdateSocket       = "UPDATE_SOCKET"
	EventAddConnection      = "ADD_CONNECTION"
	EventRemoveConnection   = "REMOVE_CONNECTION"
	EventDelete             = "DELETE"
	EventRun                = "RUN"
	EventReset              = "RESET"
	EventRetry              = "RETRY"
	EventSpawn              = "SPAWN"
	EventSpawnRun           = "SPAWN_RUN"
	EventDestroy            = "DESTROY"
	EventConnect            = "CONNECT"
	EventDisconnect         = "DISCONNECT"
	EventRestore            = "RESTORE"
	EventAddInputSocket     = "ADD_INPUT_SOCKET"
	EventRemoveInputSocket  = "REMOVE_INPUT_SOCKET"
	EventAddOutputSocket    = "ADD_OUTPUT_SOCKET"
	EventRemoveOutputSocket = "REMOVE_OUTPUT_SOCKET"

	// ForwardPrefix marks an event to be redelivered past an actor socket.
	ForwardPrefix = "FORWARD."

	// OriginComputeEvent tags the second dispatch of a two-phase event.
	OriginComputeEvent = "compute-event"
	// OriginCompute tags a reply to a COMPUTE request; the origin id is the
	// socket the request was made through.
	OriginCompute = "compute"

	eventCellSettled   = "xstate.after.cell"
	eventMirrorSettled = "xstate.after.mirror"
	eventRecompute     = "xstate.after.recompute"
	eventTimeout       = "xstate.after.timeout"
)

// ForwardedName strips the FORWARD. prefix, reporting whether it was there.
func ForwardedName(eventType string) (string, bool) {
	if !strings.HasPrefix(eventType, ForwardPrefix) {
		return "", false
	}
	name := strings.TrimPrefix(eventType, ForwardPrefix)
	return name, name != ""
}

type ValuePayload struct {
	Value interface{} `json:"value"`
}

// ValuesPayload carries socket values keyed by socket key. Err is set when
// resolving a value failed.
type ValuesPayload struct {
	Values domain.Values     `json:"values"`
	Err    *domain.NodeError `json:"error,omitempty"`
}

type ComputePayload struct {
	ReplyTo []string `json:"replyTo,omitempty"`
	Port    string   `json:"port,omitempty"`
}

// ComputeResult is the single message a coordinator sends to each target.
type ComputeResult struct {
	CoordinatorID string            `json:"coordinatorId"`
	Inputs        domain.Values     `json:"inputs"`
	OK            bool              `json:"ok"`
	Err           *domain.NodeError `json:"error,omitempty"`
}

type ConnectionPayload struct {
	Peer   string `json:"peer"`
	Marker string `json:"marker,omitempty"`
}

type SocketPayload struct {
	Side       domain.SocketSide       `json:"side"`
	Key        string                  `json:"key,omitempty"`
	Definition domain.SocketDefinition `json:"definition"`
}

type AssignPayload struct {
	Actor domain.ActorRef `json:"actor"`
	Port  string          `json:"port"`
}

type TriggerPayload struct {
	Port string `json:"port"`
}

// RunPayload is the optional payload of RUN and other two-phase events.
// Values override inputs for this run only.
type RunPayload struct {
	CallID  string        `json:"callId,omitempty"`
	ReplyTo []string      `json:"replyTo,omitempty"`
	Values  domain.Values `json:"values,omitempty"`
}

type InitializePayload struct {
	Parent *domain.ParentLink `json:"parent,omitempty"`
}

// NodeInput is the spawn input of a node actor.
type NodeInput struct {
	Values   domain.Values             `json:"values,omitempty"`
	Parent   *domain.ParentLink        `json:"parent,omitempty"`
	Internal map[string]string         `json:"internal,omitempty"`
	Restore  *domain.PersistedSnapshot `json:"restore,omitempty"`
}

// RunInput is the spawn input of a run isolation actor.
type RunInput struct {
	CallID   string        `json:"callId"`
	NodeType string        `json:"nodeType"`
	Inputs   domain.Values `json:"inputs"`
	Senders  []string      `json:"senders"`
	Parent   string        `json:"parent"`
}

type SpawnPayload struct {
	ID          string     `json:"id"`
	MachineID   string     `json:"machineId"`
	SystemID    string     `json:"systemId,omitempty"`
	Node        *NodeInput `json:"node,omitempty"`
	Run         *RunInput  `json:"run,omitempty"`
	Persisted   bool       `json:"persisted,omitempty"`
	ExecutionID string     `json:"executionId,omitempty"`
}

type DestroyPayload struct {
	ID string `json:"id"`
}

type EdgePayload struct {
	Source     string `json:"source"`
	SourcePort string `json:"sourcePort"`
	Target     string `json:"target"`
	TargetPort string `json:"targetPort"`
}

func (e EdgePayload) OutputSocket() string {
	return domain.SocketID(e.Source, domain.SideOutput, e.SourcePort)
}

func (e EdgePayload) InputSocket() string {
	return domain.SocketID(e.Target, domain.SideInput, e.TargetPort)
}

type RestorePayload struct {
	Tree domain.PersistedSnapshot `json:"tree"`
}

func replyOrigin(socketID string) *actor.Origin {
	return &actor.Origin{Type: OriginCompute, ID: socketID}
}

func uniqueAppend(ids []string, more ...string) []string {
	for _, id := range more {
		if id == "" {
			continue
		}
		seen := false
		for _, existing := range ids {
			if existing == id {
				seen = true
				break
			}
		}
		if !seen {
			ids = append(ids, id)
		}
	}
	return ids
}
