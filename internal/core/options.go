package core

import (
	"github.com/eleven-am/loom/internal/engine"
	"github.com/eleven-am/loom/internal/ports"
	"github.com/prometheus/client_golang/prometheus"
)

type options struct {
	store      ports.Store
	scripts    ports.ScriptRunner
	templates  ports.TemplateRenderer
	secrets    ports.SecretResolver
	completer  ports.Completer
	http       ports.HTTPDoer
	registerer prometheus.Registerer
	nodeTypes  []*engine.NodeType
}

type Option func(*options)

// WithStore uses store for persistence instead of the configured driver.
// The manager does not close a store passed this way.
func WithStore(store ports.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithScriptRunner replaces the built-in expression runner. When the runner
// also renders templates it is used for that too.
func WithScriptRunner(runner ports.ScriptRunner) Option {
	return func(o *options) {
		o.scripts = runner
		if t, ok := runner.(ports.TemplateRenderer); ok {
			o.templates = t
		}
	}
}

func WithSecretResolver(resolver ports.SecretResolver) Option {
	return func(o *options) {
		o.secrets = resolver
	}
}

func WithCompleter(completer ports.Completer) Option {
	return func(o *options) {
		o.completer = completer
	}
}

func WithHTTPClient(doer ports.HTTPDoer) Option {
	return func(o *options) {
		o.http = doer
	}
}

// WithRegisterer registers metrics on reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithNodeTypes adds node types next to the built-in ones.
func WithNodeTypes(types ...*engine.NodeType) Option {
	return func(o *options) {
		o.nodeTypes = append(o.nodeTypes, types...)
	}
}
