package upstream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatusKinds(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{status: 400, want: KindInvalidRequest},
		{status: 401, want: KindAuthentication},
		{status: 403, want: KindPermission},
		{status: 404, want: KindNotFound},
		{status: 429, want: KindRateLimit},
		{status: 499, want: KindCancelled},
		{status: 529, want: KindOverloaded},
		{status: 500, want: KindAPI},
		{status: 502, want: KindAPI},
	}

	for _, tt := range tests {
		err := Classify(tt.status, []byte("failure"))
		assert.Equal(t, tt.want, err.Kind, "status %d", tt.status)
		assert.Equal(t, tt.status, err.Status)
	}
}

func TestClassifyExtractsEnvelopeMessage(t *testing.T) {
	body := []byte(`{"error": {"message": "something broke", "type": "server_error"}}`)
	err := Classify(500, body)
	assert.Equal(t, "something broke", err.Message)
}

func TestClassifyPlainBodyPassthrough(t *testing.T) {
	err := Classify(500, []byte("  internal failure  "))
	assert.Equal(t, "internal failure", err.Message)
}

func TestClassifyGuidance(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{
			name:    "region block",
			message: "Country, region, or territory not supported",
			want:    "not available in your region",
		},
		{
			name:    "bad key",
			message: "Incorrect API key provided: invalid_api_key",
			want:    "Invalid API key",
		},
		{
			name:    "rate limit",
			message: "rate_limit_exceeded: slow down",
			want:    "Rate limit exceeded",
		},
		{
			name:    "missing model",
			message: "The model `gpt-9` does not exist",
			want:    "Model not found",
		},
		{
			name:    "billing",
			message: "billing hard limit reached",
			want:    "Billing issue",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(400, []byte(`{"error": {"message": "`+tt.message+`"}}`))
			assert.Contains(t, err.Message, tt.want)
		})
	}
}

func TestAsError(t *testing.T) {
	classified := &Error{Status: 429, Kind: KindRateLimit, Message: "slow down"}
	assert.Same(t, classified, AsError(classified))

	wrapped := AsError(errors.New("socket closed"))
	require.NotNil(t, wrapped)
	assert.Equal(t, 500, wrapped.Status)
	assert.Equal(t, KindAPI, wrapped.Kind)
	assert.Equal(t, "socket closed", wrapped.Message)
}

func TestNewCancelled(t *testing.T) {
	err := NewCancelled()
	assert.Equal(t, StatusClientClosedRequest, err.Status)
	assert.Equal(t, KindCancelled, err.Kind)
}
