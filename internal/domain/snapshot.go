package domain

import (
	"sort"
	"time"
)

const (
	StatusActive  = "active"
	StatusDone    = "done"
	StatusStopped = "stopped"
	StatusError   = "error"
)

// Snapshot is the serializable state of one actor: machine value plus context.
// Value is a string for flat machines and a map of region -> state for
// parallel ones.
type Snapshot struct {
	Value   interface{}            `json:"value"`
	Context map[string]interface{} `json:"context"`
	Status  string                 `json:"status"`
}

// StateIn reports whether the snapshot is in state, either as the flat value
// or as the value of one parallel region.
func (s Snapshot) StateIn(region, state string) bool {
	switch v := s.Value.(type) {
	case string:
		return region == "" && v == state
	case map[string]string:
		return v[region] == state
	case map[string]interface{}:
		str, _ := v[region].(string)
		return str == state
	}
	return false
}

// PersistedSnapshot mirrors the live actor tree for storage and replay.
type PersistedSnapshot struct {
	Src          string                       `json:"src"`
	SystemID     string                       `json:"systemId"`
	SyncSnapshot bool                         `json:"syncSnapshot"`
	Snapshot     Snapshot                     `json:"snapshot"`
	Children     map[string]PersistedSnapshot `json:"children,omitempty"`
	CapturedAt   time.Time                    `json:"capturedAt,omitempty"`
}

// ChildIDs returns child ids in a stable order.
func (p PersistedSnapshot) ChildIDs() []string {
	ids := make([]string, 0, len(p.Children))
	for id := range p.Children {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var sanitizedKeys = []string{"inputs", "outputs"}

// Sanitize nulls every inputs/outputs leaf value throughout the tree while
// keeping keys, wiring and machine values intact. It is idempotent.
func Sanitize(p PersistedSnapshot) PersistedSnapshot {
	out := p
	out.Snapshot = sanitizeSnapshot(p.Snapshot)

	if p.Children != nil {
		out.Children = make(map[string]PersistedSnapshot, len(p.Children))
		for id, child := range p.Children {
			out.Children[id] = Sanitize(child)
		}
	}
	return out
}

func sanitizeSnapshot(s Snapshot) Snapshot {
	if s.Context == nil {
		return s
	}

	ctx := make(map[string]interface{}, len(s.Context))
	for k, v := range s.Context {
		ctx[k] = v
	}

	for _, key := range sanitizedKeys {
		raw, ok := ctx[key]
		if !ok {
			continue
		}
		ctx[key] = nullLeaves(raw)
	}

	s.Context = ctx
	return s
}

func nullLeaves(raw interface{}) interface{} {
	switch values := raw.(type) {
	case Values:
		out := make(Values, len(values))
		for k := range values {
			out[k] = nil
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(values))
		for k := range values {
			out[k] = nil
		}
		return out
	default:
		return nil
	}
}

// IsSanitized reports whether every inputs/outputs leaf in the tree is nil.
func IsSanitized(p PersistedSnapshot) bool {
	for _, key := range sanitizedKeys {
		raw, ok := p.Snapshot.Context[key]
		if !ok {
			continue
		}
		switch values := raw.(type) {
		case Values:
			for _, v := range values {
				if v != nil {
					return false
				}
			}
		case map[string]interface{}:
			for _, v := range values {
				if v != nil {
					return false
				}
			}
		default:
			if raw != nil {
				return false
			}
		}
	}
	for _, child := range p.Children {
		if !IsSanitized(child) {
			return false
		}
	}
	return true
}
