package script

import (
	"fmt"

	"github.com/eleven-am/loom/internal/xjson"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// toCty converts a JSON-shaped Go value into a cty value. Numbers become
// cty.Number regardless of their Go width.
func toCty(v interface{}) (cty.Value, error) {
	if v == nil {
		return cty.NullVal(cty.DynamicPseudoType), nil
	}

	switch t := v.(type) {
	case string:
		return cty.StringVal(t), nil
	case bool:
		return cty.BoolVal(t), nil
	case float64:
		return cty.NumberFloatVal(t), nil
	case int:
		return cty.NumberIntVal(int64(t)), nil
	case int64:
		return cty.NumberIntVal(t), nil
	case cty.Value:
		return t, nil
	}

	data, err := xjson.Marshal(v)
	if err != nil {
		return cty.NilVal, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	ty, err := ctyjson.ImpliedType(data)
	if err != nil {
		return cty.NilVal, fmt.Errorf("failed to infer type of %T: %w", v, err)
	}
	return ctyjson.Unmarshal(data, ty)
}

func variables(args map[string]interface{}) (map[string]cty.Value, error) {
	vars := make(map[string]cty.Value, len(args))
	for name, arg := range args {
		val, err := toCty(arg)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", name, err)
		}
		vars[name] = val
	}
	return vars, nil
}

// fromCty converts a cty value back to plain Go values. Numbers are always
// float64 so results compare equal to values decoded from JSON.
func fromCty(val cty.Value) (interface{}, error) {
	if !val.IsKnown() {
		return nil, fmt.Errorf("result is not known")
	}
	if val.IsNull() {
		return nil, nil
	}

	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString(), nil
	case ty == cty.Number:
		f, _ := val.AsBigFloat().Float64()
		return f, nil
	case ty == cty.Bool:
		return val.True(), nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]interface{}, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			k, v := it.Element()
			converted, err := fromCty(v)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = converted
		}
		return out, nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		out := make([]interface{}, 0, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			_, v := it.Element()
			converted, err := fromCty(v)
			if err != nil {
				return nil, err
			}
			out = append(out, converted)
		}
		return out, nil
	}

	return nil, fmt.Errorf("unsupported result type: %s", ty.FriendlyName())
}
