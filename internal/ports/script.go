package ports

import "context"

// ScriptRunner evaluates user expressions in an isolated context. It is
// treated as an opaque async RPC by the engine.
type ScriptRunner interface {
	InstallLibrary(ctx context.Context, url string) error
	SendScript(ctx context.Context, code string, args map[string]interface{}) (interface{}, error)
	Destroy() error
}

// TemplateRenderer renders string templates against named variables.
type TemplateRenderer interface {
	RenderTemplate(ctx context.Context, template string, vars map[string]interface{}) (string, error)
}
