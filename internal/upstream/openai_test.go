package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitsmaxft/cc-proxy/internal/openai"
	"github.com/hitsmaxft/cc-proxy/internal/router"
)

func testTarget(baseURL string) *router.ModelConfig {
	return &router.ModelConfig{
		Provider:   "testvendor",
		Model:      "test-model",
		BaseURL:    baseURL,
		Credential: "sk-test",
	}
}

func TestCompletionURL(t *testing.T) {
	u, err := completionURL("https://api.example.com/v1/", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v1/chat/completions", u)

	u, err = completionURL("https://api.example.com/v1", map[string]any{
		"max_new_tokens": 4096,
		"usage":          map[string]any{"include": true},
	})
	require.NoError(t, err)
	assert.Contains(t, u, "max_new_tokens=4096")
	assert.Contains(t, u, "usage=")
	assert.Contains(t, u, "include")
}

func TestCreateCompletion(t *testing.T) {
	var gotAuth, gotExtra string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotExtra = r.Header.Get("X-Custom")

		var req openai.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, "test-model", req.Model)

		json.NewEncoder(w).Encode(openai.Response{
			ID: "cmpl_1",
			Choices: []openai.Choice{{
				Message: &openai.Message{Role: openai.RoleAssistant, Content: "hi"},
			}},
		})
	}))
	defer server.Close()

	client := NewOpenAIClient(0, slog.Default())
	resp, err := client.CreateCompletion(context.Background(), testTarget(server.URL), &openai.Request{
		Model:        "test-model",
		Messages:     []openai.Message{{Role: openai.RoleUser, Content: "hi"}},
		ExtraHeaders: map[string]string{"X-Custom": "yes"},
	})
	require.NoError(t, err)

	assert.Equal(t, "cmpl_1", resp.ID)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "yes", gotExtra)
}

func TestCreateCompletionClassifiesFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"message": "rate_limit_exceeded"}}`)
	}))
	defer server.Close()

	client := NewOpenAIClient(0, slog.Default())
	_, err := client.CreateCompletion(context.Background(), testTarget(server.URL), &openai.Request{Model: "m"})
	require.Error(t, err)

	ue := AsError(err)
	assert.Equal(t, 429, ue.Status)
	assert.Equal(t, KindRateLimit, ue.Kind)
	assert.Contains(t, ue.Message, "Rate limit exceeded")
}

func TestCreateCompletionExtraQueryInURL(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery

		body, _ := io.ReadAll(r.Body)
		assert.NotContains(t, string(body), "extra_query")

		json.NewEncoder(w).Encode(openai.Response{
			Choices: []openai.Choice{{Message: &openai.Message{Content: "ok"}}},
		})
	}))
	defer server.Close()

	client := NewOpenAIClient(0, slog.Default())
	_, err := client.CreateCompletion(context.Background(), testTarget(server.URL), &openai.Request{
		Model:      "m",
		ExtraQuery: map[string]any{"max_new_tokens": 100},
	})
	require.NoError(t, err)
	assert.Contains(t, gotQuery, "max_new_tokens=100")
}

func sseHandler(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
	}
}

func TestChunkStreamCleanTermination(t *testing.T) {
	server := httptest.NewServer(sseHandler(
		`{"id":"c1","choices":[{"delta":{"content":"Hel"}}]}`,
		`{"id":"c1","choices":[{"delta":{"content":"lo"}}]}`,
		"[DONE]",
	))
	defer server.Close()

	client := NewOpenAIClient(0, slog.Default())
	stream, err := client.CreateCompletionStream(context.Background(), testTarget(server.URL), &openai.Request{Model: "m"})
	require.NoError(t, err)
	defer stream.Close()

	chunk, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "Hel", *chunk.Choices[0].Delta.Content)

	chunk, err = stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "lo", *chunk.Choices[0].Delta.Content)

	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)

	// Recv after [DONE] stays EOF.
	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestChunkStreamTruncation(t *testing.T) {
	server := httptest.NewServer(sseHandler(
		`{"id":"c1","choices":[{"delta":{"content":"partial"}}]}`,
	))
	defer server.Close()

	client := NewOpenAIClient(0, slog.Default())
	stream, err := client.CreateCompletionStream(context.Background(), testTarget(server.URL), &openai.Request{Model: "m"})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Recv()
	require.NoError(t, err)

	_, err = stream.Recv()
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestChunkStreamSkipsNoise(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, ": keepalive comment\n\n")
		io.WriteString(w, "event: something\n")
		io.WriteString(w, "data: not json\n\n")
		io.WriteString(w, `data: {"id":"c1","choices":[{"delta":{"content":"ok"}}]}`+"\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewOpenAIClient(0, slog.Default())
	stream, err := client.CreateCompletionStream(context.Background(), testTarget(server.URL), &openai.Request{Model: "m"})
	require.NoError(t, err)
	defer stream.Close()

	chunk, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "ok", *chunk.Choices[0].Delta.Content)

	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestCreateCompletionStreamFailureStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": {"message": "invalid_api_key"}}`)
	}))
	defer server.Close()

	client := NewOpenAIClient(0, slog.Default())
	_, err := client.CreateCompletionStream(context.Background(), testTarget(server.URL), &openai.Request{Model: "m"})
	require.Error(t, err)

	ue := AsError(err)
	assert.Equal(t, 401, ue.Status)
	assert.Equal(t, KindAuthentication, ue.Kind)
}

func TestCreateCompletionCancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewOpenAIClient(0, slog.Default())
	_, err := client.CreateCompletion(ctx, testTarget(server.URL), &openai.Request{Model: "m"})
	require.Error(t, err)

	ue := AsError(err)
	assert.Equal(t, KindCancelled, ue.Kind)
	assert.Equal(t, StatusClientClosedRequest, ue.Status)
}
