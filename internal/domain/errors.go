package domain

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

var (
	ErrAlreadyStarted  = errors.New("already started")
	ErrNotStarted      = errors.New("not started")
	ErrNotFound        = errors.New("resource not found")
	ErrActorExists     = errors.New("actor already exists")
	ErrUnknownNodeType = errors.New("unknown node type")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrInvalidInput    = errors.New("invalid input")
	ErrTimeout         = errors.New("operation timeout")
	ErrClosed          = errors.New("closed")
)

// ActorError reports a failed operation against a single actor in the arena.
type ActorError struct {
	Op      string
	ActorID string
	Err     error
}

func (e *ActorError) Error() string {
	return fmt.Sprintf("actor[%s] %s: %v", e.ActorID, e.Op, e.Err)
}

func (e *ActorError) Unwrap() error {
	return e.Err
}

func NewActorError(actorID, op string, err error) *ActorError {
	return &ActorError{
		Op:      op,
		ActorID: actorID,
		Err:     err,
	}
}

// NodeError is the domain error recorded in a node's context. It is part of
// the persisted snapshot, so it carries only plain strings.
type NodeError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *NodeError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// NewNodeError captures err together with the caller's stack.
func NewNodeError(err error) *NodeError {
	if err == nil {
		return nil
	}

	var existing *NodeError
	if errors.As(err, &existing) {
		return existing
	}

	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)

	return &NodeError{
		Name:    errorName(err),
		Message: err.Error(),
		Stack:   string(buf[:n]),
	}
}

func errorName(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "TimeoutError"
	case errors.Is(err, ErrNotFound):
		return "NotFoundError"
	case errors.Is(err, ErrInvalidInput):
		return "ValidationError"
	}

	name := fmt.Sprintf("%T", err)
	name = strings.TrimPrefix(name, "*")
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsActorExists(err error) bool {
	return errors.Is(err, ErrActorExists)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func IsInvalidConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}
