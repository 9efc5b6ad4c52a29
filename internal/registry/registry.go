// Package registry implements the ProviderRegistry: the per-provider
// routing table (base URL, role rewrites, unsupported-parameter
// stripping) the Dispatcher's LLMClient consults before issuing a
// request. Grounded on the teacher's BackendConfigs map and makeDirector
// in internal/proxy/proxy.go, generalized from a single global map to an
// injectable capability per spec.md §6.
package registry

import (
	"fmt"
	"strings"

	"llm-router/internal/llmapi"
	"llm-router/internal/model"
)

// Registry is the ProviderRegistry capability.
type Registry struct {
	providers map[string]model.ProviderConfig
	defaultP  string
}

// New builds a Registry from the configured providers. The provider marked
// Default is reported by DefaultProvider; if several are marked, the last
// one listed wins. Model names without a "provider/" prefix are not resolved
// against it.
func New(providers []model.ProviderConfig) (*Registry, error) {
	r := &Registry{providers: make(map[string]model.ProviderConfig, len(providers))}
	for _, p := range providers {
		if _, dup := r.providers[p.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate provider name %q", p.Name)
		}
		r.providers[p.Name] = p
		if p.Default {
			r.defaultP = p.Name
		}
	}
	if len(r.providers) == 0 {
		return nil, fmt.Errorf("registry: no providers configured")
	}
	return r, nil
}

// Lookup returns the configuration for a provider name.
func (r *Registry) Lookup(provider string) (model.ProviderConfig, bool) {
	p, ok := r.providers[provider]
	return p, ok
}

// DefaultProvider returns the provider name marked Default, if any.
func (r *Registry) DefaultProvider() (string, bool) {
	if r.defaultP == "" {
		return "", false
	}
	return r.defaultP, true
}

// Providers returns every configured provider name, for diagnostics.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// AdaptParams applies a provider's role rewrites and unsupported-parameter
// stripping to an outgoing request body, returning a new map so the
// caller's original params are never mutated (a retry on a different
// provider must start from the untouched original).
func AdaptParams(p model.ProviderConfig, params llmapi.Params) llmapi.Params {
	out := make(llmapi.Params, len(params))
	for k, v := range params {
		out[k] = v
	}

	for _, unsupported := range p.UnsupportedParams {
		delete(out, unsupported)
	}

	if len(p.RoleRewrites) == 0 {
		return out
	}
	messages, ok := out["messages"].([]any)
	if !ok {
		return out
	}
	rewritten := make([]any, len(messages))
	for i, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			rewritten[i] = m
			continue
		}
		role, _ := msg["role"].(string)
		if newRole, ok := p.RoleRewrites[strings.ToLower(role)]; ok {
			copied := make(map[string]any, len(msg))
			for k, v := range msg {
				copied[k] = v
			}
			copied["role"] = newRole
			rewritten[i] = copied
		} else {
			rewritten[i] = msg
		}
	}
	out["messages"] = rewritten
	return out
}
