package nodes

import (
	"context"
	"fmt"

	"github.com/eleven-am/loom/internal/domain"
	"github.com/eleven-am/loom/internal/engine"
	"github.com/eleven-am/loom/internal/ports"
)

const (
	TypeMath   = "NodeMath"
	TypeScript = "NodeScript"
)

// Math evaluates an arithmetic expression over its operands on every run.
func Math() *engine.NodeType {
	return &engine.NodeType{
		Name:        TypeMath,
		Description: "Evaluates an arithmetic expression",
		Inputs: []domain.SocketDefinition{
			inputSocket("expression", "Expression", domain.TypeString, "a + b"),
			inputSocket("a", "A", domain.TypeNumber, 0.0),
			inputSocket("b", "B", domain.TypeNumber, 0.0),
			triggerSocket("run", "Run"),
		},
		Outputs: []domain.SocketDefinition{
			outputSocket("result", "Result", domain.TypeNumber),
			triggerSocket("done", "Done"),
		},
		Run: func(ctx context.Context, rc engine.RunContext) (domain.Values, error) {
			scripts, err := scriptRunner(rc.Services)
			if err != nil {
				return nil, err
			}

			args := map[string]interface{}{"inputs": map[string]interface{}(rc.Inputs)}
			for k, v := range rc.Inputs {
				if k != "expression" && k != "run" {
					args[k] = v
				}
			}

			out, err := scripts.SendScript(ctx, asString(rc.Inputs["expression"]), args)
			if err != nil {
				return nil, err
			}
			result, ok := out.(float64)
			if !ok {
				return nil, fmt.Errorf("%w: expression produced %T, not a number", domain.ErrInvalidInput, out)
			}
			return domain.Values{"result": result}, nil
		},
	}
}

// Script runs user code with args bound as a variable.
func Script() *engine.NodeType {
	return &engine.NodeType{
		Name:        TypeScript,
		Description: "Runs a sandboxed script",
		Inputs: []domain.SocketDefinition{
			inputSocket("code", "Code", domain.TypeString, "args"),
			inputSocket("args", "Arguments", domain.TypeObject, map[string]interface{}{}),
			triggerSocket("run", "Run"),
		},
		Outputs: []domain.SocketDefinition{
			outputSocket("result", "Result", domain.TypeObject),
			triggerSocket("done", "Done"),
		},
		Run: func(ctx context.Context, rc engine.RunContext) (domain.Values, error) {
			scripts, err := scriptRunner(rc.Services)
			if err != nil {
				return nil, err
			}

			args, err := asObject(rc.Inputs["args"])
			if err != nil {
				return nil, err
			}

			out, err := scripts.SendScript(ctx, asString(rc.Inputs["code"]), map[string]interface{}{"args": args})
			if err != nil {
				return nil, err
			}
			return domain.Values{"result": out}, nil
		},
	}
}

func scriptRunner(svc *engine.Services) (ports.ScriptRunner, error) {
	if svc == nil || svc.Scripts == nil {
		return nil, fmt.Errorf("%w: no script runner configured", domain.ErrNotFound)
	}
	return svc.Scripts, nil
}
