package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitsmaxft/cc-proxy/internal/claude"
	"github.com/hitsmaxft/cc-proxy/internal/config"
	"github.com/hitsmaxft/cc-proxy/internal/history"
	"github.com/hitsmaxft/cc-proxy/internal/openai"
	"github.com/hitsmaxft/cc-proxy/internal/router"
	"github.com/hitsmaxft/cc-proxy/internal/transform"
	"github.com/hitsmaxft/cc-proxy/internal/upstream"
)

// captureStore records persistence calls for assertions.
type captureStore struct {
	history.NopStore

	requests  []*history.Entry
	upstreams []json.RawMessage
	statuses  []string
}

func (c *captureStore) LogRequest(_ context.Context, entry *history.Entry) error {
	c.requests = append(c.requests, entry)
	return nil
}

func (c *captureStore) UpdateUpstreamRequest(_ context.Context, _ string, payload json.RawMessage) error {
	c.upstreams = append(c.upstreams, payload)
	return nil
}

func (c *captureStore) LogResponse(_ context.Context, _ string, _ json.RawMessage, status string, _, _ int) error {
	c.statuses = append(c.statuses, status)
	return nil
}

func testHandler(t *testing.T, upstreamURL string) (*MessagesHandler, *captureStore) {
	t.Helper()

	cfg := &config.Config{
		MinTokensLimit:       config.DefaultMinTokens,
		MaxTokensLimit:       config.DefaultMaxTokens,
		LongContextThreshold: config.DefaultLongContextThreshold,
		Providers: []config.Provider{{
			Name:         "testvendor",
			Kind:         config.KindForeign,
			BaseURL:      upstreamURL,
			APIKey:       "sk-test",
			BigModels:    []string{"vendor-big"},
			MiddleModels: []string{"vendor-middle"},
			SmallModels:  []string{"vendor-small"},
		}},
	}

	mgr := config.NewManager(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, mgr.Save(cfg))

	registry := transform.NewRegistry(slog.Default())
	require.NoError(t, transform.RegisterBuiltins(registry))

	store := &captureStore{}
	handler := NewMessagesHandler(MessagesHandlerOptions{
		Config:   mgr,
		Router:   router.New(mgr, slog.Default()),
		Registry: registry,
		Foreign:  upstream.NewOpenAIClient(0, slog.Default()),
		Native:   upstream.NewAnthropicClient(0, slog.Default()),
		Cancels:  upstream.NewCancelRegistry(),
		Store:    store,
		Logger:   slog.Default(),
	})
	return handler, store
}

func messagesBody(t *testing.T, req *claude.MessagesRequest) *strings.Reader {
	t.Helper()

	data, err := json.Marshal(req)
	require.NoError(t, err)
	return strings.NewReader(string(data))
}

func TestMessagesNonStreamingRoundTrip(t *testing.T) {
	var gotModel string
	fake := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel = req.Model

		json.NewEncoder(w).Encode(openai.Response{
			ID: "cmpl_1",
			Choices: []openai.Choice{{
				Message: &openai.Message{Role: openai.RoleAssistant, Content: "answer"},
			}},
			Usage: &openai.Usage{PromptTokens: 10, CompletionTokens: 5},
		})
	}))
	defer fake.Close()

	handler, store := testHandler(t, fake.URL)

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", messagesBody(t, &claude.MessagesRequest{
		Model:     "claude-sonnet-4",
		MaxTokens: 1000,
		Messages:  []claude.Message{{Role: claude.RoleUser, Content: claude.TextContent("question")}},
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "vendor-middle", gotModel)

	var resp claude.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "claude-sonnet-4", resp.Model)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "answer", resp.Content[0].Text)
	assert.Equal(t, "end_turn", *resp.StopReason)
	assert.Equal(t, 10, resp.Usage.InputTokens)

	require.Len(t, store.requests, 1)
	assert.Equal(t, "claude-sonnet-4", store.requests[0].ModelName)
	assert.Equal(t, "vendor-middle", store.requests[0].ActualModel)
	require.Len(t, store.upstreams, 1)
	assert.Equal(t, []string{history.StatusCompleted}, store.statuses)
}

func TestMessagesStreamingRoundTrip(t *testing.T) {
	fake := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		frames := []string{
			`{"id":"c1","choices":[{"delta":{"content":"Hel"}}]}`,
			`{"id":"c1","choices":[{"delta":{"content":"lo"}}]}`,
			`{"id":"c1","choices":[{"delta":{},"finish_reason":"stop"}]}`,
			"[DONE]",
		}
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
	}))
	defer fake.Close()

	handler, store := testHandler(t, fake.URL)

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", messagesBody(t, &claude.MessagesRequest{
		Model:     "claude-sonnet-4",
		MaxTokens: 1000,
		Stream:    true,
		Messages:  []claude.Message{{Role: claude.RoleUser, Content: claude.TextContent("question")}},
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	raw := w.Body.String()
	assert.Contains(t, raw, "event: message_start")
	assert.Contains(t, raw, "event: ping")
	assert.Contains(t, raw, `"text":"Hel"`)
	assert.Contains(t, raw, `"text":"lo"`)
	assert.Contains(t, raw, "event: message_stop")

	assert.Equal(t, []string{history.StatusCompleted}, store.statuses)
}

func TestMessagesValidation(t *testing.T) {
	handler, _ := testHandler(t, "http://unused")

	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: "{not json"},
		{name: "missing model", body: `{"messages": [{"role": "user", "content": "hi"}]}`},
		{name: "missing messages", body: `{"model": "claude-sonnet-4"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			require.Equal(t, http.StatusBadRequest, w.Code)

			var errResp claude.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
			assert.Equal(t, "invalid_request_error", errResp.Error.Type)
		})
	}
}

func TestMessagesMethodNotAllowed(t *testing.T) {
	handler, _ := testHandler(t, "http://unused")

	r := httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestMessagesUnknownModel(t *testing.T) {
	handler, _ := testHandler(t, "http://unused")

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", messagesBody(t, &claude.MessagesRequest{
		Model:    "made-up-model",
		Messages: []claude.Message{{Role: claude.RoleUser, Content: claude.TextContent("hi")}},
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMessagesUpstreamErrorMapped(t *testing.T) {
	fake := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"message": "rate_limit_exceeded"}}`)
	}))
	defer fake.Close()

	handler, store := testHandler(t, fake.URL)

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", messagesBody(t, &claude.MessagesRequest{
		Model:    "claude-sonnet-4",
		Messages: []claude.Message{{Role: claude.RoleUser, Content: claude.TextContent("hi")}},
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusTooManyRequests, w.Code)

	var errResp claude.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, "rate_limit_error", errResp.Error.Type)
	assert.Contains(t, errResp.Error.Message, "Rate limit exceeded")

	assert.Equal(t, []string{history.StatusError}, store.statuses)
}

func TestMessagesBypass(t *testing.T) {
	handler, _ := testHandler(t, "http://unused")

	stop := claude.StopEndTurn
	handler.bypass = func(_ context.Context, req *claude.MessagesRequest) (*claude.Response, bool) {
		return &claude.Response{
			ID:         "msg_bypass",
			Type:       "message",
			Role:       claude.RoleAssistant,
			Model:      req.Model,
			Content:    []claude.ContentBlock{claude.TextBlock("short-circuit")},
			StopReason: &stop,
		}, true
	}

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", messagesBody(t, &claude.MessagesRequest{
		Model:    "claude-sonnet-4",
		Messages: []claude.Message{{Role: claude.RoleUser, Content: claude.TextContent("hi")}},
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	var resp claude.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "msg_bypass", resp.ID)
	assert.Equal(t, "short-circuit", resp.Content[0].Text)
}

func TestRelayHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	r.Header.Set("Anthropic-Beta", "tools-2024")
	r.Header.Set("X-Claude-Session", "abc")
	r.Header.Set("Accept-Language", "en")

	headers := relayHeaders(r)
	assert.Equal(t, "https://claudecode.com", headers["HTTP-Referer"])
	assert.Equal(t, "ClaudeCode", headers["X-Title"])
	assert.Equal(t, "tools-2024", headers["Anthropic-Beta"])
	assert.Equal(t, "abc", headers["X-Claude-Session"])
	assert.NotContains(t, headers, "Accept-Language")
}

func TestCountTokens(t *testing.T) {
	handler := NewCountTokensHandler(slog.Default())

	r := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", messagesBody(t, &claude.MessagesRequest{
		Model:  "claude-sonnet-4",
		System: claude.NewSystemText(strings.Repeat("s", 40)),
		Messages: []claude.Message{{
			Role:    claude.RoleUser,
			Content: claude.TextContent(strings.Repeat("u", 60)),
		}},
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	var out map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, 25, out["input_tokens"])
}

func TestCountTokensMinimumOne(t *testing.T) {
	handler := NewCountTokensHandler(slog.Default())

	r := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", messagesBody(t, &claude.MessagesRequest{
		Model:    "claude-sonnet-4",
		Messages: []claude.Message{{Role: claude.RoleUser, Content: claude.TextContent("a")}},
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	var out map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, 1, out["input_tokens"])
}
