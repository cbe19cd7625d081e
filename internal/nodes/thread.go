package nodes

import (
	"context"
	"fmt"

	"github.com/eleven-am/loom/internal/actor"
	"github.com/eleven-am/loom/internal/domain"
	"github.com/eleven-am/loom/internal/engine"
	"github.com/eleven-am/loom/internal/ports"
)

const (
	TypeThread = "NodeThread"
	TypeChat   = "NodeChat"

	EventAppendMessage = "APPEND_MESSAGE"
	EventClearMessages = "CLEAR_MESSAGES"
)

// Thread holds a conversation. Other nodes append to it through
// APPEND_MESSAGE, directly or forwarded through an actor socket.
func Thread() *engine.NodeType {
	return &engine.NodeType{
		Name:        TypeThread,
		Description: "An ordered list of chat messages",
		Inputs: []domain.SocketDefinition{
			inputSocket("messages", "Messages", domain.TypeArray, []interface{}{}),
		},
		Outputs: []domain.SocketDefinition{
			outputSocket("messages", "Messages", domain.TypeArray),
			actorSocket("thread", "Thread", TypeThread),
		},
		Compute: func(_ context.Context, _ *engine.Services, in domain.Values) (domain.Values, error) {
			messages, err := Messages(in["messages"])
			if err != nil {
				return nil, err
			}
			return domain.Values{"messages": messagesValue(messages)}, nil
		},
		Events: map[string]engine.EventFunc{
			EventAppendMessage: appendMessages,
			EventClearMessages: func(scope *engine.Scope, _ actor.Event) error {
				scope.SetInput("messages", []interface{}{})
				return scope.SetOutputs(domain.Values{"messages": []interface{}{}})
			},
		},
	}
}

func appendMessages(scope *engine.Scope, ev actor.Event) error {
	current, err := Messages(scope.Input("messages"))
	if err != nil {
		return err
	}

	var added []ports.ChatMessage
	switch p := ev.Payload.(type) {
	case ports.ChatMessage:
		added = []ports.ChatMessage{p}
	case []ports.ChatMessage:
		added = p
	default:
		added, err = Messages(p)
		if err != nil {
			var single ports.ChatMessage
			if decode(p, &single) != nil || single.Content == "" {
				return fmt.Errorf("%w: %s payload is not a message", domain.ErrInvalidInput, ev.Type)
			}
			added = []ports.ChatMessage{single}
		}
	}

	next := messagesValue(append(current, added...))
	scope.SetInput("messages", next)
	scope.Logger().Debug("messages appended", "node_id", scope.NodeID(), "added", len(added), "total", len(next))
	return scope.SetOutputs(domain.Values{"messages": next})
}

// Chat answers a prompt with the history of its nested thread and appends
// both turns to that thread. Its own messages input seeds the thread.
func Chat() *engine.NodeType {
	thread := actorSocket("thread", "Thread", TypeThread)
	thread.ActorConfig = &domain.ActorConfig{Internal: map[string]string{"messages": "messages"}}

	return &engine.NodeType{
		Name:        TypeChat,
		Description: "A conversation with a model",
		Inputs: []domain.SocketDefinition{
			thread,
			actorSocket("apiConfiguration", "API configuration", TypeApiConfiguration),
			inputSocket("model", "Model", domain.TypeString, DefaultModel),
			inputSocket("messages", "Messages", domain.TypeArray, []interface{}{}),
			inputSocket("prompt", "Prompt", domain.TypeString, ""),
			triggerSocket("run", "Run"),
		},
		Outputs: []domain.SocketDefinition{
			outputSocket("reply", "Reply", domain.TypeString),
			triggerSocket("done", "Done"),
		},
		Run: runChat,
	}
}

func runChat(ctx context.Context, rc engine.RunContext) (domain.Values, error) {
	ref, ok := engine.AsActorRef(rc.Inputs["thread"])
	if !ok {
		return nil, fmt.Errorf("%w: chat has no thread", domain.ErrInvalidInput)
	}

	prompt := asString(rc.Inputs["prompt"])
	if prompt == "" {
		return nil, fmt.Errorf("%w: prompt is empty", domain.ErrInvalidInput)
	}

	var history []ports.ChatMessage
	if outputs, ok := rc.Services.Outputs(ref.ID); ok {
		var err error
		if history, err = Messages(outputs["messages"]); err != nil {
			return nil, err
		}
	}

	user := ports.ChatMessage{Role: "user", Content: prompt}
	resp, err := complete(ctx, rc, append(history, user))
	if err != nil {
		return nil, err
	}

	assistant := ports.ChatMessage{Role: "assistant", Content: resp.Content}
	rc.Services.Send(ref.ID, actor.Event{
		Type:    EventAppendMessage,
		Payload: []ports.ChatMessage{user, assistant},
	})

	return domain.Values{"reply": resp.Content}, nil
}

// Messages decodes a messages value in any of its JSON shapes.
func Messages(v interface{}) ([]ports.ChatMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []ports.ChatMessage:
		return append([]ports.ChatMessage(nil), t...), nil
	}

	var out []ports.ChatMessage
	if err := decode(v, &out); err != nil {
		return nil, fmt.Errorf("%w: messages: %v", domain.ErrInvalidInput, err)
	}
	return out, nil
}

// messagesValue stores messages in their JSON shape so snapshots and
// restored state compare equal.
func messagesValue(messages []ports.ChatMessage) []interface{} {
	out := make([]interface{}, 0, len(messages))
	for _, m := range messages {
		out = append(out, map[string]interface{}{"role": m.Role, "content": m.Content})
	}
	return out
}
