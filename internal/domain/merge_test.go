package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeValues(t *testing.T) {
	tests := []struct {
		name    string
		current Values
		update  Values
		want    Values
	}{
		{
			name:    "adds and overrides",
			current: Values{"a": 1, "b": "x"},
			update:  Values{"b": "y", "c": true},
			want:    Values{"a": 1, "b": "y", "c": true},
		},
		{
			name:    "explicit nil clears",
			current: Values{"a": 1, "b": "x"},
			update:  Values{"b": nil},
			want:    Values{"a": 1, "b": nil},
		},
		{
			name:    "zero values land",
			current: Values{"n": 5.0, "s": "text"},
			update:  Values{"n": 0.0, "s": ""},
			want:    Values{"n": 0.0, "s": ""},
		},
		{
			name:    "nil current",
			current: nil,
			update:  Values{"a": 1},
			want:    Values{"a": 1},
		},
		{
			name:    "empty update",
			current: Values{"a": 1},
			update:  nil,
			want:    Values{"a": 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MergeValues(tt.current, tt.update)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMergeValues_DoesNotMutateNestedMaps(t *testing.T) {
	nested := map[string]interface{}{"x": 1}
	current := Values{"obj": nested}

	merged, err := MergeValues(current, Values{"obj": map[string]interface{}{"y": 2}})
	require.NoError(t, err)

	assert.Equal(t, map[string]interface{}{"x": 1}, nested)
	assert.Equal(t, map[string]interface{}{"y": 2}, merged["obj"])
}

func TestMergeObjects(t *testing.T) {
	tests := []struct {
		name    string
		base    map[string]interface{}
		overlay map[string]interface{}
		want    map[string]interface{}
	}{
		{
			name:    "nested objects merge",
			base:    map[string]interface{}{"user": map[string]interface{}{"name": "ada"}},
			overlay: map[string]interface{}{"user": map[string]interface{}{"age": 36.0}},
			want:    map[string]interface{}{"user": map[string]interface{}{"name": "ada", "age": 36.0}},
		},
		{
			name:    "lists concatenate",
			base:    map[string]interface{}{"tags": []interface{}{"a"}},
			overlay: map[string]interface{}{"tags": []interface{}{"b"}},
			want:    map[string]interface{}{"tags": []interface{}{"a", "b"}},
		},
		{
			name:    "scalars override",
			base:    map[string]interface{}{"n": 1.0, "keep": true},
			overlay: map[string]interface{}{"n": 2.0},
			want:    map[string]interface{}{"n": 2.0, "keep": true},
		},
		{
			name:    "explicit clear",
			base:    map[string]interface{}{"s": "text"},
			overlay: map[string]interface{}{"s": ""},
			want:    map[string]interface{}{"s": ""},
		},
		{
			name:    "nil base",
			overlay: map[string]interface{}{"a": 1.0},
			want:    map[string]interface{}{"a": 1.0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MergeObjects(tt.base, tt.overlay)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMergeObjects_LeavesArgumentsAlone(t *testing.T) {
	nested := map[string]interface{}{"name": "ada"}
	base := map[string]interface{}{"user": nested}

	_, err := MergeObjects(base, map[string]interface{}{"user": map[string]interface{}{"age": 36.0}})
	require.NoError(t, err)

	assert.Equal(t, map[string]interface{}{"name": "ada"}, nested)
}

func TestExpandPath(t *testing.T) {
	assert.Equal(t, map[string]interface{}{"a": 1}, ExpandPath("a", 1))
	assert.Equal(t,
		map[string]interface{}{"a": map[string]interface{}{"b": map[string]interface{}{"c": 1}}},
		ExpandPath("a.b.c", 1))
}

func TestValues_HasAll(t *testing.T) {
	var typedNil *int
	v := Values{"a": 1, "b": nil, "c": typedNil}

	assert.True(t, v.HasAll([]string{"a"}))
	assert.False(t, v.HasAll([]string{"a", "b"}))
	assert.False(t, v.HasAll([]string{"c"}))
	assert.False(t, v.HasAll([]string{"missing"}))
	assert.True(t, v.HasAll(nil))
}

func TestValues_Clone(t *testing.T) {
	v := Values{"a": 1}
	c := v.Clone()
	c["b"] = 2

	assert.Len(t, v, 1)
	assert.ElementsMatch(t, []string{"a", "b"}, c.Keys())
}
