// Package nodes holds the built-in node types. Each type is plain data over
// the generic engine node: sockets plus a compute, run or event function.
package nodes

import "github.com/eleven-am/loom/internal/engine"

func All() []*engine.NodeType {
	return []*engine.NodeType{
		Text(),
		Number(),
		PromptTemplate(),
		ComposeObject(),
		Math(),
		Script(),
		HTTPRequest(),
		ApiConfiguration(),
		OpenAI(),
		Thread(),
		Chat(),
	}
}

// Register adds every built-in type to r.
func Register(r *engine.Registry) error {
	for _, t := range All() {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
