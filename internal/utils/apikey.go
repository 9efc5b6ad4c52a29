// Package utils holds small helpers shared across the engine that don't
// belong to any single capability package.
package utils

import (
	"crypto/rand"
	"encoding/base64"
)

const generatedKeyBytes = 32

// GenerateStrongAPIKey produces a random, URL-safe key the router can hand
// out as its own front-door credential when no LLMRouterAPIKey is
// configured (spec.md §6: the router's own inbound auth, distinct from the
// provider credentials it rotates).
func GenerateStrongAPIKey() (string, error) {
	buf := make([]byte, generatedKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "llmr-" + base64.RawURLEncoding.EncodeToString(buf), nil
}
