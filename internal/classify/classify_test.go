package classify

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_StatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   Kind
	}{
		{"429 rate limit", http.StatusTooManyRequests, "", KindRateLimit},
		{"401 auth", http.StatusUnauthorized, "", KindAuthentication},
		{"403 auth", http.StatusForbidden, "", KindAuthentication},
		{"500 transient", http.StatusInternalServerError, "", KindTransientServer},
		{"502 transient", http.StatusBadGateway, "", KindTransientServer},
		{"400 bad request", http.StatusBadRequest, "malformed json", KindBadRequest},
		{"400 context length", http.StatusBadRequest, "maximum context length exceeded", KindContextLength},
		{"404 unknown model", http.StatusNotFound, "", KindBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(nil, tt.status, tt.body)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassify_BodySubstrings(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Kind
	}{
		{"quota", "You have exceeded your current quota", KindQuotaExhausted},
		{"auth", "Invalid API key provided", KindAuthentication},
		{"context", "prompt is too long for this model", KindContextLength},
		{"rate limit text", "Rate limit reached for requests", KindRateLimit},
		{"no match", "something went sideways", KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(nil, 0, tt.body)
			assert.Equal(t, tt.want, got)
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify_TransportErrors(t *testing.T) {
	assert.Equal(t, KindTransientServer, Classify(timeoutErr{}, 0, ""))
	assert.Equal(t, KindTransientServer, Classify(context.DeadlineExceeded, 0, ""))
	assert.Equal(t, KindTransientServer, Classify(errors.New("connection reset by peer"), 0, ""))
	assert.Equal(t, KindUnknown, Classify(errors.New("some opaque failure"), 0, ""))
}

func TestKind_FatalAndCredentialSpecific(t *testing.T) {
	assert.True(t, KindBadRequest.Fatal())
	assert.True(t, KindContextLength.Fatal())
	assert.False(t, KindRateLimit.Fatal())

	assert.True(t, KindRateLimit.CredentialSpecific())
	assert.True(t, KindAuthentication.CredentialSpecific())
	assert.True(t, KindQuotaExhausted.CredentialSpecific())
	assert.False(t, KindTransientServer.CredentialSpecific())
	assert.False(t, KindBadRequest.CredentialSpecific())
}
