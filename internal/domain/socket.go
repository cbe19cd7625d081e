package domain

import (
	"fmt"
	"sort"
	"strings"
)

type SocketSide string

const (
	SideInput  SocketSide = "input"
	SideOutput SocketSide = "output"
)

type SocketKind string

const (
	KindBasic   SocketKind = "basic"
	KindTrigger SocketKind = "trigger"
	KindActor   SocketKind = "actor"
)

const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
	TypeDate    = "date"
	TypeTrigger = "trigger"
	TypeTool    = "tool"
	TypeThread  = "thread"
)

const (
	FormatPlain      = "plain"
	FormatSecret     = "secret"
	FormatExpression = "expression"
	FormatDate       = "date"
	FormatURI        = "uri"
)

// Connection markers stored as x-connection values. Internal markers tell
// the socket which way values flow across a composite boundary.
const (
	MarkerEdge           = "edge"
	MarkerInternalParent = "internal:parent"
	MarkerInternalChild  = "internal:child"
)

// ActorConfig declares how a nested actor's sockets are spliced into its
// parent: Internal maps the child's socket key to the parent's socket key on
// the same side.
type ActorConfig struct {
	Internal map[string]string `json:"internal,omitempty" yaml:"internal,omitempty"`
}

// SocketDefinition is the wire format of one port. It is persisted verbatim
// inside snapshots.
type SocketDefinition struct {
	Key         string            `json:"x-key" yaml:"key"`
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Title       string            `json:"title,omitempty" yaml:"title,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Type        string            `json:"type" yaml:"type"`
	Required    bool              `json:"required,omitempty" yaml:"required,omitempty"`
	IsMultiple  bool              `json:"isMultiple,omitempty" yaml:"is_multiple,omitempty"`
	Default     interface{}       `json:"default,omitempty" yaml:"default,omitempty"`
	Format      string            `json:"format,omitempty" yaml:"format,omitempty"`
	ShowSocket  bool              `json:"x-showSocket" yaml:"show_socket"`
	ActorType   string            `json:"x-actor-type,omitempty" yaml:"actor_type,omitempty"`
	ActorConfig *ActorConfig      `json:"x-actor-config,omitempty" yaml:"actor_config,omitempty"`
	Event       string            `json:"x-event,omitempty" yaml:"event,omitempty"`
	Connections map[string]string `json:"x-connection,omitempty" yaml:"connections,omitempty"`
}

// Clone deep-copies the mutable parts of the definition.
func (d SocketDefinition) Clone() SocketDefinition {
	out := d
	if d.Connections != nil {
		out.Connections = make(map[string]string, len(d.Connections))
		for k, v := range d.Connections {
			out.Connections[k] = v
		}
	}
	if d.ActorConfig != nil {
		cfg := ActorConfig{Internal: make(map[string]string, len(d.ActorConfig.Internal))}
		for k, v := range d.ActorConfig.Internal {
			cfg.Internal[k] = v
		}
		out.ActorConfig = &cfg
	}
	return out
}

func (d SocketDefinition) Kind() SocketKind {
	switch {
	case d.ActorType != "":
		return KindActor
	case d.Type == TypeTrigger:
		return KindTrigger
	default:
		return KindBasic
	}
}

// NeedsResolve reports whether the stored value is evaluated before use.
func (d SocketDefinition) NeedsResolve() bool {
	return d.Format == FormatSecret || d.Format == FormatExpression
}

// EdgeCount counts user edges; internal splice links are not counted.
func (d SocketDefinition) EdgeCount() int {
	n := 0
	for _, marker := range d.Connections {
		if marker == MarkerEdge || marker == "" {
			n++
		}
	}
	return n
}

// Peers returns edge peers in a stable order.
func (d SocketDefinition) Peers() []string {
	return d.PeersWith(MarkerEdge)
}

// PeersWith returns the peers stored under marker in a stable order.
func (d SocketDefinition) PeersWith(marker string) []string {
	peers := make([]string, 0, len(d.Connections))
	for id, m := range d.Connections {
		if m == marker || (marker == MarkerEdge && m == "") {
			peers = append(peers, id)
		}
	}
	sort.Strings(peers)
	return peers
}

// AllPeers returns every connected socket id, edges and internal links.
func (d SocketDefinition) AllPeers() []string {
	peers := make([]string, 0, len(d.Connections))
	for id := range d.Connections {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return peers
}

// Visible is the input visibility rule: shown only while no edge exists.
func (d SocketDefinition) Visible() bool {
	return d.ShowSocket && d.EdgeCount() == 0
}

func (d SocketDefinition) Validate() error {
	if d.Key == "" {
		return fmt.Errorf("%w: socket key is empty", ErrInvalidInput)
	}
	if strings.Contains(d.Key, ":") {
		return fmt.Errorf("%w: socket key %q contains ':'", ErrInvalidInput, d.Key)
	}
	if d.Type == "" && d.ActorType == "" {
		return fmt.Errorf("%w: socket %q has no type", ErrInvalidInput, d.Key)
	}
	return nil
}

// SocketID is the deterministic address of a socket actor.
func SocketID(owner string, side SocketSide, key string) string {
	return owner + ":" + string(side) + ":" + key
}

// ParseSocketID splits a socket id from the right, so owner ids may contain
// ':' but keys may not.
func ParseSocketID(id string) (owner string, side SocketSide, key string, ok bool) {
	keyIdx := strings.LastIndex(id, ":")
	if keyIdx <= 0 {
		return "", "", "", false
	}
	rest := id[:keyIdx]
	sideIdx := strings.LastIndex(rest, ":")
	if sideIdx <= 0 {
		return "", "", "", false
	}

	side = SocketSide(rest[sideIdx+1:])
	if side != SideInput && side != SideOutput {
		return "", "", "", false
	}
	return rest[:sideIdx], side, id[keyIdx+1:], true
}

// IsSocketOf reports whether id addresses one of owner's sockets.
func IsSocketOf(id, owner string) bool {
	return strings.HasPrefix(id, owner+":")
}

// ActorRef is the value form of an actor-typed socket.
type ActorRef struct {
	ID  string `json:"id"`
	Src string `json:"src"`
}

// ParentLink is the back-reference carried by a nested actor.
type ParentLink struct {
	ID   string `json:"id"`
	Port string `json:"port"`
}
