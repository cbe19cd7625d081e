package nodes

import (
	"fmt"
	"strconv"

	"github.com/eleven-am/loom/internal/domain"
	"github.com/eleven-am/loom/internal/xjson"
)

func inputSocket(key, name, typ string, def interface{}) domain.SocketDefinition {
	return domain.SocketDefinition{
		Key:        key,
		Name:       name,
		Type:       typ,
		Default:    def,
		Format:     domain.FormatPlain,
		ShowSocket: true,
	}
}

func outputSocket(key, name, typ string) domain.SocketDefinition {
	return domain.SocketDefinition{Key: key, Name: name, Type: typ, ShowSocket: true}
}

func triggerSocket(key, name string) domain.SocketDefinition {
	return domain.SocketDefinition{Key: key, Name: name, Type: domain.TypeTrigger, ShowSocket: true}
}

func actorSocket(key, name, actorType string) domain.SocketDefinition {
	return domain.SocketDefinition{
		Key:        key,
		Name:       name,
		Type:       domain.TypeObject,
		ActorType:  actorType,
		ShowSocket: true,
	}
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func asNumber(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", domain.ErrInvalidInput, t)
		}
		return f, nil
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("%w: %T is not a number", domain.ErrInvalidInput, v)
}

// asObject accepts any JSON object shaped value.
func asObject(v interface{}) (map[string]interface{}, error) {
	switch t := v.(type) {
	case nil:
		return map[string]interface{}{}, nil
	case map[string]interface{}:
		return t, nil
	case domain.Values:
		return map[string]interface{}(t), nil
	}

	var out map[string]interface{}
	if err := decode(v, &out); err != nil {
		return nil, fmt.Errorf("%w: %T is not an object", domain.ErrInvalidInput, v)
	}
	return out, nil
}

func decode(v interface{}, out interface{}) error {
	if s, ok := v.(string); ok {
		return xjson.Unmarshal([]byte(s), out)
	}
	return xjson.Convert(v, out)
}
