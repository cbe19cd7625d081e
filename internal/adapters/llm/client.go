package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/eleven-am/loom/internal/domain"
	"github.com/eleven-am/loom/internal/ports"
	"github.com/eleven-am/loom/internal/xjson"
)

const completionsPath = "/chat/completions"

// Client talks to any OpenAI-compatible chat completion endpoint. The base
// url and key travel with each request so one client serves every
// configuration node.
type Client struct {
	http   ports.HTTPDoer
	logger *slog.Logger
}

func NewClient(doer ports.HTTPDoer, logger *slog.Logger) *Client {
	if doer == nil {
		doer = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		http:   doer,
		logger: logger.With("component", "llm-client"),
	}
}

type chatRequest struct {
	Model       string              `json:"model"`
	Messages    []ports.ChatMessage `json:"messages"`
	Temperature *float64            `json:"temperature,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      ports.ChatMessage `json:"message"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *Client) Complete(ctx context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	if req.BaseURL == "" {
		return nil, fmt.Errorf("%w: completion base url is empty", domain.ErrInvalidInput)
	}
	if req.Model == "" {
		return nil, fmt.Errorf("%w: completion model is empty", domain.ErrInvalidInput)
	}

	body, err := xjson.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode completion request: %w", err)
	}

	url := strings.TrimSuffix(req.BaseURL, "/") + completionsPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read completion response: %w", err)
	}

	var parsed chatResponse
	if err := xjson.Unmarshal(raw, &parsed); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return nil, fmt.Errorf("failed to decode completion response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return nil, &StatusError{Code: resp.StatusCode, Message: msg}
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%w: completion returned no choices", domain.ErrNotFound)
	}

	c.logger.Debug("completion finished",
		"model", req.Model,
		"duration", time.Since(start),
		"prompt_tokens", parsed.Usage.PromptTokens,
		"output_tokens", parsed.Usage.CompletionTokens)

	choice := parsed.Choices[0]
	return &ports.CompletionResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		PromptTokens: parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}

// StatusError is a non-200 answer from the completion endpoint.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("completion endpoint returned %d: %s", e.Code, e.Message)
}
