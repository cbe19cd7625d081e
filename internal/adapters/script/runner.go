package script

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/eleven-am/loom/internal/domain"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
)

// Runner evaluates HCL expressions and templates against caller supplied
// variables. Only functions from installed libraries are callable.
type Runner struct {
	logger  *slog.Logger
	timeout time.Duration

	mu        sync.RWMutex
	functions map[string]function.Function
	installed map[string]struct{}
	closed    bool
}

func NewRunner(cfg domain.ScriptConfig, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Runner{
		logger:    logger.With("component", "script-runner"),
		timeout:   cfg.Timeout,
		functions: make(map[string]function.Function),
		installed: make(map[string]struct{}),
	}

	for _, url := range cfg.Libraries {
		if err := r.InstallLibrary(context.Background(), url); err != nil {
			return nil, domain.NewConfigError("script.libraries", err)
		}
	}
	return r, nil
}

func (r *Runner) InstallLibrary(ctx context.Context, url string) error {
	name, funcs, err := lookupLibrary(url)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return domain.ErrClosed
	}
	if _, ok := r.installed[name]; ok {
		return nil
	}

	for fn, impl := range funcs {
		r.functions[fn] = impl
	}
	r.installed[name] = struct{}{}
	r.logger.Debug("library installed", "library", name, "functions", len(funcs))
	return nil
}

// Installed returns the names of the installed libraries.
func (r *Runner) Installed() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.installed))
	for name := range r.installed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SendScript evaluates code as a single HCL expression. Every entry of args
// is a top-level variable.
func (r *Runner) SendScript(ctx context.Context, code string, args map[string]interface{}) (interface{}, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(code), "script.hcl", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidInput, diags.Error())
	}

	val, err := r.evaluate(ctx, expr, args)
	if err != nil {
		return nil, err
	}
	return fromCty(val)
}

func (r *Runner) RenderTemplate(ctx context.Context, template string, vars map[string]interface{}) (string, error) {
	expr, diags := hclsyntax.ParseTemplate([]byte(template), "template.hcl", hcl.InitialPos)
	if diags.HasErrors() {
		return "", fmt.Errorf("%w: %s", domain.ErrInvalidInput, diags.Error())
	}

	val, err := r.evaluate(ctx, expr, vars)
	if err != nil {
		return "", err
	}

	str, err := convert.Convert(val, cty.String)
	if err != nil {
		return "", fmt.Errorf("%w: template result is not a string: %v", domain.ErrInvalidInput, err)
	}
	if str.IsNull() {
		return "", nil
	}
	return str.AsString(), nil
}

func (r *Runner) Destroy() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.functions = nil
	r.logger.Debug("script runner destroyed")
	return nil
}

type evalResult struct {
	val cty.Value
	err error
}

func (r *Runner) evaluate(ctx context.Context, expr hcl.Expression, args map[string]interface{}) (cty.Value, error) {
	evalCtx, err := r.evalContext(args)
	if err != nil {
		return cty.NilVal, err
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	done := make(chan evalResult, 1)
	go func() {
		val, diags := expr.Value(evalCtx)
		if diags.HasErrors() {
			done <- evalResult{err: fmt.Errorf("%w: %s", domain.ErrInvalidInput, diags.Error())}
			return
		}
		done <- evalResult{val: val}
	}()

	select {
	case res := <-done:
		return res.val, res.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return cty.NilVal, fmt.Errorf("%w: script evaluation", domain.ErrTimeout)
		}
		return cty.NilVal, ctx.Err()
	}
}

func (r *Runner) evalContext(args map[string]interface{}) (*hcl.EvalContext, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, domain.ErrClosed
	}

	vars, err := variables(args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	funcs := make(map[string]function.Function, len(r.functions))
	for name, fn := range r.functions {
		funcs[name] = fn
	}
	return &hcl.EvalContext{Variables: vars, Functions: funcs}, nil
}
