package registry

import (
	"testing"

	"llm-router/internal/llmapi"
	"llm-router/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsDuplicateProviderNames(t *testing.T) {
	_, err := New([]model.ProviderConfig{{Name: "openai"}, {Name: "openai"}})
	assert.Error(t, err)
}

func TestNew_RejectsEmptyProviderList(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestRegistry_DefaultProviderReflectsFlaggedEntry(t *testing.T) {
	r, err := New([]model.ProviderConfig{
		{Name: "openai"},
		{Name: "gemini", Default: true},
	})
	require.NoError(t, err)

	name, ok := r.DefaultProvider()
	assert.True(t, ok)
	assert.Equal(t, "gemini", name)
}

func TestAdaptParams_StripsUnsupportedParamsWithoutMutatingInput(t *testing.T) {
	p := model.ProviderConfig{UnsupportedParams: []string{"top_k"}}
	params := llmapi.Params{"top_k": 5, "temperature": 0.7}

	adapted := AdaptParams(p, params)

	assert.NotContains(t, adapted, "top_k")
	assert.Contains(t, params, "top_k", "the caller's original params must not be mutated")
}

func TestAdaptParams_RewritesMessageRoles(t *testing.T) {
	p := model.ProviderConfig{RoleRewrites: map[string]string{"system": "developer"}}
	params := llmapi.Params{
		"messages": []any{
			map[string]any{"role": "system", "content": "be terse"},
			map[string]any{"role": "user", "content": "hi"},
		},
	}

	adapted := AdaptParams(p, params)
	messages := adapted["messages"].([]any)
	first := messages[0].(map[string]any)
	assert.Equal(t, "developer", first["role"])

	original := params["messages"].([]any)
	originalFirst := original[0].(map[string]any)
	assert.Equal(t, "system", originalFirst["role"], "the caller's original message map must not be mutated")
}
