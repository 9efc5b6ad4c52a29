package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"llm-router/internal/llmapi"
	"llm-router/internal/model"
	"llm-router/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	reg, err := registry.New([]model.ProviderConfig{{Name: "openai", BaseURL: srv.URL, RequireAPIKey: true}})
	require.NoError(t, err)
	return New(reg, srv.Client(), zap.NewNop()), srv
}

func TestClient_CompleteSendsBearerTokenAndParsesUsage(t *testing.T) {
	var gotAuth string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}],"usage":{"prompt_tokens":3,"completion_tokens":5}}`))
	})

	resp, err := c.Complete(context.Background(), "openai/gpt-x", "sk-test", llmapi.Params{"messages": []any{}})
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, 3, resp.Usage.PromptTokens)
	assert.Equal(t, 5, resp.Usage.CompletionTokens)
}

func TestClient_CompleteSurfacesHTTPErrorsAsCallError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid api key"}`))
	})

	_, err := c.Complete(context.Background(), "openai/gpt-x", "sk-bad", llmapi.Params{})
	require.Error(t, err)

	var ce *llmapi.CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http.StatusUnauthorized, ce.Status)
}

func TestClient_RetriesWithoutToolsOn404ToolError(t *testing.T) {
	var callCount int
	var lastBody map[string]any
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		callCount++
		var decoded map[string]any
		json.NewDecoder(r.Body).Decode(&decoded)
		lastBody = decoded

		if callCount == 1 {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"No endpoints found that support tool use"}`))
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	})

	params := llmapi.Params{
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
		"tools":    []any{map[string]any{"type": "function"}},
	}

	resp, err := c.Complete(context.Background(), "openai/gpt-x", "sk-test", params)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 2, callCount)
	assert.NotContains(t, lastBody, "tools")
}

func TestClient_StreamCompleteReturnsRawStreamOnSuccess(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	})

	raw, err := c.StreamComplete(context.Background(), "openai/gpt-x", "sk-test", llmapi.Params{})
	require.NoError(t, err)
	require.NotNil(t, raw)
	defer raw.Close()

	chunk, err := raw.Next(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(chunk), "data:")
}
