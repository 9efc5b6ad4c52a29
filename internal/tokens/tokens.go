// Package tokens provides the TokenCounter capability spec.md §6 requires:
// a best-effort prompt/completion token estimate for providers that never
// report usage inline, used as the streaming fallback of spec.md §4.4.
// Grounded on goclaw's internal/tokens.Estimator: same tiktoken-go encoder,
// same chars/4 fallback when the encoding can't be loaded.
package tokens

import (
	"encoding/json"
	"sync"

	"llm-router/internal/llmapi"

	"github.com/pkoukk/tiktoken-go"
)

// defaultEncoding is cl100k_base, the encoding OpenAI- and Anthropic-shaped
// chat models are close enough to for an estimate.
const defaultEncoding = "cl100k_base"

// Counter is the TokenCounter capability. UsageFromEvent opportunistically
// extracts provider-reported usage from one decoded streaming event payload;
// Count/CountMessages estimate usage when a provider never reports it.
type Counter interface {
	Count(text string) int
	CountMessages(params llmapi.Params) int
	UsageFromEvent(payload []byte) (llmapi.Usage, bool)
}

// Estimator is the default Counter, backed by tiktoken-go.
type Estimator struct {
	mu       sync.RWMutex
	encoding *tiktoken.Tiktoken
}

// New constructs an Estimator. If the encoding cannot be loaded (e.g. no
// network access to fetch the BPE file on first use), it falls back to a
// chars/4 estimate rather than failing construction.
func New() *Estimator {
	enc, _ := tiktoken.GetEncoding(defaultEncoding)
	return &Estimator{encoding: enc}
}

// Count returns the token count for a string, falling back to chars/4 if
// the tiktoken encoding is unavailable.
func (e *Estimator) Count(text string) int {
	if e == nil {
		return len(text) / 4
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.encoding == nil {
		return len(text) / 4
	}
	return len(e.encoding.Encode(text, nil, nil))
}

// messageOverheadTokens approximates the per-message role/structure
// overhead most chat-completion formats add, following goclaw's
// CountWithOverhead convention.
const messageOverheadTokens = 4

// CountMessages estimates the prompt token count for a chat-style request
// body, summing each message's content plus a fixed per-message overhead.
// Unrecognized shapes fall back to encoding the whole marshaled params.
func (e *Estimator) CountMessages(params llmapi.Params) int {
	messages, ok := params["messages"].([]any)
	if !ok {
		raw, _ := json.Marshal(params)
		return e.Count(string(raw))
	}

	total := 0
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		if content, ok := msg["content"].(string); ok {
			total += e.Count(content) + messageOverheadTokens
		}
	}
	return total
}

// streamUsageEvent matches the "usage" object most providers attach to the
// final streaming chunk (OpenAI's stream_options.include_usage shape,
// which Anthropic-compatible and OpenAI-compatible providers alike mirror).
type streamUsageEvent struct {
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// UsageFromEvent extracts provider-reported usage from a decoded streaming
// event payload, if present.
func (e *Estimator) UsageFromEvent(payload []byte) (llmapi.Usage, bool) {
	var ev streamUsageEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.Usage == nil {
		return llmapi.Usage{}, false
	}
	return llmapi.Usage{
		PromptTokens:     ev.Usage.PromptTokens,
		CompletionTokens: ev.Usage.CompletionTokens,
	}, true
}
