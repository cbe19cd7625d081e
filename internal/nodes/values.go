package nodes

import (
	"context"
	"fmt"
	"sort"

	"github.com/eleven-am/loom/internal/domain"
	"github.com/eleven-am/loom/internal/engine"
)

const (
	TypeText           = "NodeText"
	TypeNumber         = "NodeNumber"
	TypePromptTemplate = "NodePromptTemplate"
	TypeComposeObject  = "NodeComposeObject"
)

func Text() *engine.NodeType {
	return &engine.NodeType{
		Name:        TypeText,
		Description: "A plain text value",
		Inputs:      []domain.SocketDefinition{inputSocket("value", "Value", domain.TypeString, "")},
		Outputs:     []domain.SocketDefinition{outputSocket("value", "Value", domain.TypeString)},
		Compute: func(_ context.Context, _ *engine.Services, in domain.Values) (domain.Values, error) {
			return domain.Values{"value": asString(in["value"])}, nil
		},
	}
}

func Number() *engine.NodeType {
	return &engine.NodeType{
		Name:        TypeNumber,
		Description: "A numeric value",
		Inputs:      []domain.SocketDefinition{inputSocket("value", "Value", domain.TypeNumber, 0.0)},
		Outputs:     []domain.SocketDefinition{outputSocket("value", "Value", domain.TypeNumber)},
		Compute: func(_ context.Context, _ *engine.Services, in domain.Values) (domain.Values, error) {
			n, err := asNumber(in["value"])
			if err != nil {
				return nil, err
			}
			return domain.Values{"value": n}, nil
		},
	}
}

// PromptTemplate renders its template against every other input. Extra
// variables are added as sockets at runtime.
func PromptTemplate() *engine.NodeType {
	return &engine.NodeType{
		Name:        TypePromptTemplate,
		Description: "Renders a template from its inputs",
		Inputs: []domain.SocketDefinition{
			inputSocket("template", "Template", domain.TypeString, "${title}"),
			inputSocket("title", "Title", domain.TypeString, ""),
		},
		Outputs: []domain.SocketDefinition{outputSocket("value", "Value", domain.TypeString)},
		Compute: func(ctx context.Context, svc *engine.Services, in domain.Values) (domain.Values, error) {
			if svc == nil || svc.Templates == nil {
				return nil, fmt.Errorf("%w: no template renderer configured", domain.ErrNotFound)
			}

			vars := make(map[string]interface{}, len(in))
			for k, v := range in {
				if k != "template" {
					vars[k] = v
				}
			}

			rendered, err := svc.Templates.RenderTemplate(ctx, asString(in["template"]), vars)
			if err != nil {
				return nil, err
			}
			return domain.Values{"value": rendered}, nil
		},
	}
}

// ComposeObject starts without inputs; every socket added to it becomes a
// field of the composed object. Dotted keys address nested fields and merge
// with object inputs under the same root, in key order.
func ComposeObject() *engine.NodeType {
	return &engine.NodeType{
		Name:        TypeComposeObject,
		Description: "Builds an object from its inputs",
		Outputs:     []domain.SocketDefinition{outputSocket("object", "Object", domain.TypeObject)},
		Compute: func(_ context.Context, _ *engine.Services, in domain.Values) (domain.Values, error) {
			keys := in.Keys()
			sort.Strings(keys)

			obj := make(map[string]interface{}, len(in))
			for _, k := range keys {
				merged, err := domain.MergeObjects(obj, domain.ExpandPath(k, in[k]))
				if err != nil {
					return nil, fmt.Errorf("failed to compose field %s: %w", k, err)
				}
				obj = merged
			}
			return domain.Values{"object": obj}, nil
		},
	}
}
