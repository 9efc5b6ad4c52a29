// Package model holds the shared data types for the router engine:
// provider/key configuration, engine tunables, and the OpenAI-compatible
// model listing shapes (declared here; no endpoint serves them).
package model

import "go.uber.org/zap"

// ProviderConfig describes one upstream LLM provider and the pool of keys
// the engine is allowed to rotate across for it. It generalizes the
// teacher's single-backend BackendConfig into a named key pool.
type ProviderConfig struct {
	Name              string            `json:"name"`
	BaseURL           string            `json:"base_url"`
	Prefix            string            `json:"prefix"`
	Default           bool              `json:"default"`
	RequireAPIKey     bool              `json:"require_api_key"`
	APIKeys           []string          `json:"api_keys,omitempty"` // literal keys or "$ENV_VAR"
	RoleRewrites      map[string]string `json:"role_rewrites,omitempty"`
	UnsupportedParams []string          `json:"unsupported_params,omitempty"`
}

// EngineTunables are the knobs spec.md calls out by name and default value.
type EngineTunables struct {
	GlobalTimeoutSeconds       int     `json:"global_timeout_seconds"`
	MaxRetries                 int     `json:"max_retries"`
	BaseRetrySeconds           float64 `json:"base_retry_seconds"`
	BaseCooldownSeconds        float64 `json:"base_cooldown_seconds"`
	CooldownStrikeCap          int     `json:"cooldown_strike_cap"`
	DistinctModelFailureLimit  int     `json:"distinct_model_failure_limit"`
	KeyLockoutSeconds          int     `json:"key_lockout_seconds"`
	MaxConcurrentModelsPerKey  int     `json:"max_concurrent_models_per_key"`
	CredentialTimeoutSeconds   int     `json:"credential_timeout_seconds"`
	PersistDebounceMillis      int     `json:"persist_debounce_millis"`
	MaxEventBytes              int     `json:"max_event_bytes"`
}

// DefaultTunables mirrors the defaults named in spec.md §4.2/§4.4.
func DefaultTunables() EngineTunables {
	return EngineTunables{
		GlobalTimeoutSeconds:      30,
		MaxRetries:                2,
		BaseRetrySeconds:          1,
		BaseCooldownSeconds:       30,
		CooldownStrikeCap:         6,
		DistinctModelFailureLimit: 3,
		KeyLockoutSeconds:         15 * 60,
		MaxConcurrentModelsPerKey: 8,
		CredentialTimeoutSeconds:  60,
		PersistDebounceMillis:     1000,
		MaxEventBytes:             1 << 20,
	}
}

// Config is the structure for the router's configuration.
type Config struct {
	ListeningPort      int               `json:"listening_port"`
	Logger             *zap.Logger       `json:"-"`
	Providers          []ProviderConfig  `json:"providers"`
	Tunables           EngineTunables    `json:"tunables"`
	LLMRouterAPIKeyEnv string            `json:"llmrouter_api_key_env,omitempty"`
	LLMRouterAPIKey    string            `json:"llmrouter_api_key,omitempty"`
	UseGeneratedKey    bool              `json:"-"`
	Aliases            map[string]string `json:"aliases,omitempty"`
	SnapshotPath       string            `json:"snapshot_path,omitempty"`
	ConfigFilePath     string            `json:"-"`
}

// ModelPricing represents pricing information for a model.
type ModelPricing struct {
	Hourly   float64 `json:"hourly,omitempty"`
	Input    float64 `json:"input,omitempty"`
	Output   float64 `json:"output,omitempty"`
	Base     float64 `json:"base,omitempty"`
	Finetune float64 `json:"finetune,omitempty"`
}

// ModelConfig represents configuration details for a model.
type ModelConfig struct {
	ChatTemplate    *string  `json:"chat_template,omitempty"`
	Stop            []string `json:"stop,omitempty"`
	BosToken        *string  `json:"bos_token,omitempty"`
	EosToken        *string  `json:"eos_token,omitempty"`
	MaxOutputLength *int     `json:"max_output_length,omitempty"`
}

// Model represents an OpenAI-compatible model object with extended metadata.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`

	Type          string        `json:"type,omitempty"`
	DisplayName   string        `json:"display_name,omitempty"`
	Organization  string        `json:"organization,omitempty"`
	Link          string        `json:"link,omitempty"`
	License       string        `json:"license,omitempty"`
	ContextLength int           `json:"context_length,omitempty"`
	Running       *bool         `json:"running,omitempty"`
	Pricing       *ModelPricing `json:"pricing,omitempty"`
	Config        *ModelConfig  `json:"config,omitempty"`
}

// ModelsResponse represents the OpenAI-compatible models list response.
type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
