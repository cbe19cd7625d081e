package domain

import (
	"reflect"
	"strings"

	"dario.cat/mergo"
)

// Values holds plain socket values keyed by socket key.
type Values map[string]interface{}

// Clone returns a shallow copy; socket values are treated as immutable.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Keys returns the keys present in v, including keys holding nil.
func (v Values) Keys() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	return keys
}

// MergeValues overlays update onto current. Socket values are replaced
// whole, and keys in update always win, even when the update value is nil,
// so a socket can be cleared explicitly.
func MergeValues(current, update Values) (Values, error) {
	if current == nil {
		current = Values{}
	}
	if len(update) == 0 {
		return current, nil
	}

	merged := make(Values, len(current)+len(update))
	for k, val := range current {
		merged[k] = val
	}
	for k, val := range update {
		merged[k] = val
	}
	return merged, nil
}

// MergeObjects deep merges overlay into a copy of base. Nested objects are
// merged key by key, lists are concatenated and other overlay values win.
// Neither argument is modified.
func MergeObjects(base, overlay map[string]interface{}) (map[string]interface{}, error) {
	merged := copyObject(base)
	if merged == nil {
		merged = make(map[string]interface{})
	}
	if len(overlay) == 0 {
		return merged, nil
	}

	src := copyObject(overlay)
	if err := mergo.Merge(&merged, src, mergo.WithOverride, mergo.WithAppendSlice); err != nil {
		return nil, NewActorError("", "merge_objects", err)
	}

	// mergo leaves the destination alone for empty sources.
	for k, val := range src {
		if isEmptyValue(val) {
			merged[k] = val
		}
	}
	return merged, nil
}

// ExpandPath turns a dotted key into nested objects: "a.b" -> {a: {b: v}}.
func ExpandPath(key string, value interface{}) map[string]interface{} {
	parts := strings.Split(key, ".")
	out := map[string]interface{}{parts[len(parts)-1]: value}
	for i := len(parts) - 2; i >= 0; i-- {
		out = map[string]interface{}{parts[i]: out}
	}
	return out
}

func copyObject(obj map[string]interface{}) map[string]interface{} {
	if obj == nil {
		return nil
	}
	out := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyObject(t)
	case Values:
		return copyObject(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	}
	return v
}

// HasAll reports whether every key in keys holds a non-nil value.
func (v Values) HasAll(keys []string) bool {
	for _, k := range keys {
		if IsNil(v[k]) {
			return false
		}
	}
	return true
}

// IsNil treats typed nil pointers/maps/slices the same as an untyped nil.
func IsNil(val interface{}) bool {
	if val == nil {
		return true
	}
	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

func isEmptyValue(val interface{}) bool {
	if IsNil(val) {
		return true
	}
	return reflect.ValueOf(val).IsZero()
}

// Equal compares two socket values structurally.
func Equal(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}
