package llm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/eleven-am/loom/internal/domain"
	"github.com/eleven-am/loom/internal/ports"
	"github.com/eleven-am/loom/internal/xjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Complete(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, xjson.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "hi there"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 2}
		}`))
	}))
	defer server.Close()

	client := NewClient(server.Client(), nil)
	resp, err := client.Complete(context.Background(), ports.CompletionRequest{
		BaseURL:  server.URL + "/v1/",
		APIKey:   "sk-test",
		Model:    "gpt-test",
		Messages: []ports.ChatMessage{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-test", got.Model)
	assert.Equal(t, []ports.ChatMessage{{Role: "user", Content: "hello"}}, got.Messages)
	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 3, resp.PromptTokens)
	assert.Equal(t, 2, resp.OutputTokens)
}

func TestClient_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "bad key", "type": "auth"}}`))
	}))
	defer server.Close()

	_, err := NewClient(server.Client(), nil).Complete(context.Background(), ports.CompletionRequest{
		BaseURL: server.URL,
		Model:   "gpt-test",
	})

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.Code)
	assert.Equal(t, "bad key", statusErr.Message)
}

func TestClient_RejectsIncompleteRequests(t *testing.T) {
	client := NewClient(nil, nil)

	_, err := client.Complete(context.Background(), ports.CompletionRequest{Model: "m"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = client.Complete(context.Background(), ports.CompletionRequest{BaseURL: "http://localhost"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestClient_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	defer server.Close()

	_, err := NewClient(server.Client(), nil).Complete(context.Background(), ports.CompletionRequest{
		BaseURL: server.URL,
		Model:   "gpt-test",
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
