// Package llmclient provides the default LLMClient (spec.md §6): the
// concrete HTTP transport that issues a single attempt of a completion,
// streaming-completion, or embedding call against a provider's base URL.
// It is a single-attempt client by design — internal/dispatch owns the
// retry/rotation policy, so this package never retries internally.
//
// Grounded on the teacher's debugTransport/executeWithRetry/makeDirector
// in internal/proxy/proxy.go: the same header redaction, outgoing-request
// logging, and tool-stripping-on-404/400 behavior, adapted from a
// transparent reverse-proxy shape to a direct per-call client the
// Dispatcher drives.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"llm-router/internal/llmapi"
	"llm-router/internal/logging"
	"llm-router/internal/registry"

	"go.uber.org/zap"
)

const (
	completionsPath = "/chat/completions"
	embeddingsPath  = "/embeddings"

	maxIdleConns        = 100
	maxConnsPerHost     = 20
	maxIdleConnsPerHost = 10
	tlsHandshakeTimeout = 10 * time.Second
)

// Client is the default llmapi.LLMClient implementation.
type Client struct {
	http     *http.Client
	registry *registry.Registry
	logger   *zap.Logger
}

// New constructs a Client. httpClient may be nil to use a pooled default
// transport sized the way the teacher's createTransport is.
func New(reg *registry.Registry, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSHandshakeTimeout = tlsHandshakeTimeout
		transport.MaxIdleConns = maxIdleConns
		transport.MaxConnsPerHost = maxConnsPerHost
		transport.MaxIdleConnsPerHost = maxIdleConnsPerHost
		httpClient = &http.Client{Transport: transport}
	}
	return &Client{http: httpClient, registry: reg, logger: logger}
}

func (c *Client) buildRequest(ctx context.Context, providerName, path, key string, body []byte) (*http.Request, error) {
	p, ok := c.registry.Lookup(providerName)
	if !ok {
		return nil, fmt.Errorf("llmclient: unknown provider %q", providerName)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Del("Accept-Encoding")
	if p.RequireAPIKey && key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	c.logger.Debug("llmclient: outgoing request",
		zap.String("provider", providerName),
		zap.String("url", req.URL.String()),
		zap.String("authorization", logging.RedactAuthorization(req.Header.Get("Authorization"))),
	)
	return req, nil
}

// doOnce issues one HTTP round trip and drains the body, applying the
// teacher's tool-stripping retry exactly once if the provider rejects a
// tools param it doesn't support.
func (c *Client) doOnce(req *http.Request, providerName string, originalBody []byte) (*http.Response, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, nil, err
	}

	if shouldRetryWithoutTools(resp.StatusCode, string(respBody)) {
		retryBody, rerr := removeToolsAndUpdatePrompt(originalBody)
		if rerr == nil {
			c.logger.Info("llmclient: retrying without tools", zap.String("provider", providerName), zap.Int("status", resp.StatusCode))
			retryReq, rerr2 := http.NewRequestWithContext(req.Context(), req.Method, req.URL.String(), bytes.NewReader(retryBody))
			if rerr2 == nil {
				retryReq.Header = req.Header.Clone()
				resp2, err2 := c.http.Do(retryReq)
				if err2 == nil {
					respBody2, err3 := io.ReadAll(resp2.Body)
					resp2.Body.Close()
					if err3 == nil {
						return resp2, respBody2, nil
					}
				}
			}
		}
	}

	return resp, respBody, nil
}

// Complete issues a single non-streaming completion attempt.
func (c *Client) Complete(ctx context.Context, providerModel, key string, params llmapi.Params) (*llmapi.Response, error) {
	provider, modelName, err := splitProviderModel(providerModel)
	if err != nil {
		return nil, err
	}
	p, ok := c.registry.Lookup(provider)
	if !ok {
		return nil, fmt.Errorf("llmclient: unknown provider %q", provider)
	}

	body := registry.AdaptParams(p, params)
	body["model"] = modelName
	body["stream"] = false
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := c.buildRequest(ctx, provider, completionsPath, key, payload)
	if err != nil {
		return nil, err
	}

	resp, respBody, err := c.doOnce(req, provider, payload)
	if err != nil {
		return nil, &llmapi.CallError{Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, &llmapi.CallError{Status: resp.StatusCode, Body: string(respBody)}
	}

	return &llmapi.Response{Raw: json.RawMessage(respBody), Usage: extractUsage(respBody)}, nil
}

// Embed issues a single embedding attempt.
func (c *Client) Embed(ctx context.Context, providerModel, key string, params llmapi.Params) (*llmapi.EmbeddingResponse, error) {
	provider, modelName, err := splitProviderModel(providerModel)
	if err != nil {
		return nil, err
	}
	p, ok := c.registry.Lookup(provider)
	if !ok {
		return nil, fmt.Errorf("llmclient: unknown provider %q", provider)
	}

	body := registry.AdaptParams(p, params)
	body["model"] = modelName
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := c.buildRequest(ctx, provider, embeddingsPath, key, payload)
	if err != nil {
		return nil, err
	}

	resp, respBody, err := c.doOnce(req, provider, payload)
	if err != nil {
		return nil, &llmapi.CallError{Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, &llmapi.CallError{Status: resp.StatusCode, Body: string(respBody)}
	}

	return &llmapi.EmbeddingResponse{Raw: json.RawMessage(respBody), Usage: extractUsage(respBody)}, nil
}

// StreamComplete issues a single streaming-completion attempt, returning a
// RawStream the caller (internal/streaming) defragments.
func (c *Client) StreamComplete(ctx context.Context, providerModel, key string, params llmapi.Params) (llmapi.RawStream, error) {
	provider, modelName, err := splitProviderModel(providerModel)
	if err != nil {
		return nil, err
	}
	p, ok := c.registry.Lookup(provider)
	if !ok {
		return nil, fmt.Errorf("llmclient: unknown provider %q", provider)
	}

	body := registry.AdaptParams(p, params)
	body["model"] = modelName
	body["stream"] = true
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := c.buildRequest(ctx, provider, completionsPath, key, payload)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &llmapi.CallError{Err: err}
	}
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &llmapi.CallError{Status: resp.StatusCode, Body: string(respBody)}
	}

	return &httpRawStream{body: resp.Body}, nil
}

// httpRawStream adapts an *http.Response.Body into llmapi.RawStream,
// reading fixed-size chunks for internal/streaming to defragment.
type httpRawStream struct {
	body io.ReadCloser
	buf  [4096]byte
}

func (s *httpRawStream) Next(ctx context.Context) ([]byte, error) {
	n, err := s.body.Read(s.buf[:])
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, s.buf[:n])
		if err != nil && err != io.EOF {
			return chunk, nil
		}
		return chunk, nil
	}
	return nil, err
}

func (s *httpRawStream) Close() error { return s.body.Close() }

func splitProviderModel(providerModel string) (provider, modelName string, err error) {
	idx := strings.IndexByte(providerModel, '/')
	if idx < 0 {
		return "", "", fmt.Errorf("llmclient: model %q missing provider prefix", providerModel)
	}
	return providerModel[:idx], providerModel[idx+1:], nil
}

type usageShape struct {
	Usage struct {
		PromptTokens     int     `json:"prompt_tokens"`
		CompletionTokens int     `json:"completion_tokens"`
		TotalTokens      int     `json:"total_tokens"`
		Cost             float64 `json:"cost"`
	} `json:"usage"`
}

func extractUsage(body []byte) llmapi.Usage {
	var u usageShape
	if err := json.Unmarshal(body, &u); err != nil {
		return llmapi.Usage{}
	}
	return llmapi.Usage{
		PromptTokens:     u.Usage.PromptTokens,
		CompletionTokens: u.Usage.CompletionTokens,
		ApproxCostUSD:    u.Usage.Cost,
	}
}

func shouldRetryWithoutTools(status int, body string) bool {
	lower := strings.ToLower(body)
	switch status {
	case http.StatusNotFound:
		return strings.Contains(lower, "no endpoints found that support tool use") ||
			strings.Contains(lower, "tool use") ||
			strings.Contains(lower, "tools")
	case http.StatusBadRequest:
		return strings.Contains(lower, "tool") || strings.Contains(lower, "function calling not supported")
	}
	return false
}

const toolNotSupportedMsg = "Note: this model does not support tool/function calling. Answer directly without attempting to use any tools or functions."

func removeToolsAndUpdatePrompt(bodyBytes []byte) ([]byte, error) {
	var req map[string]any
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		return nil, fmt.Errorf("llmclient: unmarshal request for tool-less retry: %w", err)
	}
	if _, hasTools := req["tools"]; !hasTools {
		return bodyBytes, nil
	}
	delete(req, "tools")
	delete(req, "tool_choice")

	messages, ok := req["messages"].([]any)
	if !ok {
		return json.Marshal(req)
	}

	foundSystem := false
	for i, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		if role, _ := msg["role"].(string); role == "system" {
			if content, ok := msg["content"].(string); ok {
				msg["content"] = content + "\n\n" + toolNotSupportedMsg
				messages[i] = msg
				foundSystem = true
				break
			}
		}
	}
	if !foundSystem {
		messages = append([]any{map[string]any{"role": "system", "content": toolNotSupportedMsg}}, messages...)
	}
	req["messages"] = messages
	return json.Marshal(req)
}
