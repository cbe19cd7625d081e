package engine

import (
	"github.com/eleven-am/loom/internal/domain"
	"github.com/eleven-am/loom/internal/xjson"
)

// decodeInto converts a snapshot context entry, which is either the live Go
// value or its JSON-decoded form after a storage round trip, into out.
func decodeInto(v interface{}, out interface{}) error {
	return xjson.Convert(v, out)
}

func contextValues(ctx map[string]interface{}, key string) domain.Values {
	switch v := ctx[key].(type) {
	case domain.Values:
		return v.Clone()
	case map[string]interface{}:
		return domain.Values(v).Clone()
	case nil:
		return nil
	default:
		var out domain.Values
		if err := decodeInto(v, &out); err != nil {
			return nil
		}
		return out
	}
}

func contextString(ctx map[string]interface{}, key string) string {
	s, _ := ctx[key].(string)
	return s
}

func contextStrings(ctx map[string]interface{}, key string) map[string]string {
	switch v := ctx[key].(type) {
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, s := range v {
			out[k] = s
		}
		return out
	case nil:
		return nil
	default:
		var out map[string]string
		if err := decodeInto(v, &out); err != nil {
			return nil
		}
		return out
	}
}

func copyStrings(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// AsActorRef accepts an ActorRef or its decoded map form.
func AsActorRef(v interface{}) (domain.ActorRef, bool) {
	switch ref := v.(type) {
	case domain.ActorRef:
		return ref, ref.ID != ""
	case *domain.ActorRef:
		if ref == nil {
			return domain.ActorRef{}, false
		}
		return *ref, ref.ID != ""
	case map[string]interface{}:
		id, _ := ref["id"].(string)
		src, _ := ref["src"].(string)
		return domain.ActorRef{ID: id, Src: src}, id != ""
	}
	return domain.ActorRef{}, false
}
