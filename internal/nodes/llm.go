package nodes

import (
	"context"
	"fmt"

	"github.com/eleven-am/loom/internal/domain"
	"github.com/eleven-am/loom/internal/engine"
	"github.com/eleven-am/loom/internal/ports"
)

const (
	TypeApiConfiguration = "NodeApiConfiguration"
	TypeOpenAI           = "NodeOpenAI"

	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"

	maxConfigHops = 8
)

// ApiConfig is the object an ApiConfiguration node outputs.
type ApiConfig struct {
	BaseURL string `json:"baseUrl"`
	APIKey  string `json:"apiKey"`
}

func ApiConfiguration() *engine.NodeType {
	baseURL := inputSocket("baseUrl", "Base URL", domain.TypeString, DefaultBaseURL)
	baseURL.Format = domain.FormatURI
	apiKey := inputSocket("apiKey", "API key", domain.TypeString, "")
	apiKey.Format = domain.FormatSecret

	return &engine.NodeType{
		Name:        TypeApiConfiguration,
		Description: "Connection settings for a model endpoint",
		Inputs:      []domain.SocketDefinition{baseURL, apiKey},
		Outputs:     []domain.SocketDefinition{outputSocket("config", "Configuration", domain.TypeObject)},
		Compute: func(_ context.Context, _ *engine.Services, in domain.Values) (domain.Values, error) {
			return domain.Values{"config": map[string]interface{}{
				"baseUrl": asString(in["baseUrl"]),
				"apiKey":  asString(in["apiKey"]),
			}}, nil
		},
	}
}

func OpenAI() *engine.NodeType {
	temperature := inputSocket("temperature", "Temperature", domain.TypeNumber, 0.7)
	system := inputSocket("system", "System prompt", domain.TypeString, "")
	system.ShowSocket = false

	return &engine.NodeType{
		Name:        TypeOpenAI,
		Description: "Chat completion against an OpenAI-compatible endpoint",
		Inputs: []domain.SocketDefinition{
			actorSocket("apiConfiguration", "API configuration", TypeApiConfiguration),
			inputSocket("model", "Model", domain.TypeString, DefaultModel),
			system,
			inputSocket("prompt", "Prompt", domain.TypeString, ""),
			temperature,
			triggerSocket("run", "Run"),
		},
		Outputs: []domain.SocketDefinition{
			outputSocket("result", "Result", domain.TypeString),
			actorSocket("apiConfiguration", "API configuration", TypeOpenAI),
			triggerSocket("done", "Done"),
		},
		Run: func(ctx context.Context, rc engine.RunContext) (domain.Values, error) {
			var messages []ports.ChatMessage
			if s := asString(rc.Inputs["system"]); s != "" {
				messages = append(messages, ports.ChatMessage{Role: "system", Content: s})
			}
			prompt := asString(rc.Inputs["prompt"])
			if prompt == "" {
				return nil, fmt.Errorf("%w: prompt is empty", domain.ErrInvalidInput)
			}
			messages = append(messages, ports.ChatMessage{Role: "user", Content: prompt})

			resp, err := complete(ctx, rc, messages)
			if err != nil {
				return nil, err
			}
			return domain.Values{"result": resp.Content}, nil
		},
	}
}

func complete(ctx context.Context, rc engine.RunContext, messages []ports.ChatMessage) (*ports.CompletionResponse, error) {
	if rc.Services == nil || rc.Services.Completer == nil {
		return nil, fmt.Errorf("%w: no completer configured", domain.ErrNotFound)
	}

	cfg, err := ResolveApiConfig(rc.Services, rc.Inputs["apiConfiguration"])
	if err != nil {
		return nil, err
	}

	req := ports.CompletionRequest{
		BaseURL:  cfg.BaseURL,
		APIKey:   cfg.APIKey,
		Model:    asString(rc.Inputs["model"]),
		Messages: messages,
	}
	if req.Model == "" {
		req.Model = DefaultModel
	}
	if t, ok := rc.Inputs["temperature"]; ok && t != nil {
		n, err := asNumber(t)
		if err != nil {
			return nil, err
		}
		req.Temperature = &n
	}

	return rc.Services.Completer.Complete(ctx, req)
}

// ResolveApiConfig follows an apiConfiguration reference to the settings it
// stands for. The reference is either the configuration node itself or a
// node that nests one under the same key.
func ResolveApiConfig(svc *engine.Services, ref interface{}) (ApiConfig, error) {
	actorRef, ok := engine.AsActorRef(ref)
	if !ok {
		return ApiConfig{}, fmt.Errorf("%w: apiConfiguration is not set", domain.ErrInvalidInput)
	}

	id := actorRef.ID
	for hops := 0; hops < maxConfigHops; hops++ {
		outputs, ok := svc.Outputs(id)
		if !ok {
			return ApiConfig{}, fmt.Errorf("%w: configuration actor %s", domain.ErrNotFound, id)
		}

		if raw := outputs["config"]; raw != nil {
			var cfg ApiConfig
			if err := decode(raw, &cfg); err != nil {
				return ApiConfig{}, fmt.Errorf("%w: configuration of %s: %v", domain.ErrInvalidInput, id, err)
			}
			if cfg.BaseURL == "" {
				cfg.BaseURL = DefaultBaseURL
			}
			return cfg, nil
		}

		child, ok := svc.Child(id, "apiConfiguration")
		if !ok {
			break
		}
		id = child
	}

	return ApiConfig{}, fmt.Errorf("%w: no api configuration behind %s", domain.ErrNotFound, actorRef.ID)
}
