package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hitsmaxft/cc-proxy/internal/claude"
	"github.com/hitsmaxft/cc-proxy/internal/router"
)

const anthropicVersion = "2023-06-01"

// AnthropicClient forwards requests to native-kind providers that
// already speak the Messages dialect. No conversion happens on this
// path; only the model name is substituted before dispatch.
type AnthropicClient struct {
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

func NewAnthropicClient(timeout time.Duration, logger *slog.Logger) *AnthropicClient {
	return &AnthropicClient{
		timeout: timeout,
		logger:  logger,
		clients: make(map[string]*http.Client),
	}
}

func (c *AnthropicClient) httpClient(credential string, streaming bool) *http.Client {
	key := credential
	if streaming {
		key = credential + "\x00stream"
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[key]; ok {
		return client
	}

	client := &http.Client{}
	if !streaming {
		client.Timeout = c.timeout
	}
	c.clients[key] = client
	return client
}

// CreateMessage sends a non-streaming request and decodes the native
// response.
func (c *AnthropicClient) CreateMessage(ctx context.Context, target *router.ModelConfig, req *claude.MessagesRequest) (*claude.Response, error) {
	req.Stream = false

	resp, err := c.send(ctx, target, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	reader, err := decompressReader(resp)
	if err != nil {
		return nil, fmt.Errorf("decompress response: %w", err)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewCancelled()
		}
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, Classify(resp.StatusCode, body)
	}

	var message claude.Response
	if err := json.Unmarshal(body, &message); err != nil {
		return nil, fmt.Errorf("decode message response: %w", err)
	}
	return &message, nil
}

// NativeStream is a raw SSE body from a native-kind provider, relayed
// to the client without re-encoding.
type NativeStream struct {
	Body        io.ReadCloser
	ContentType string
}

func (s *NativeStream) Close() error {
	return s.Body.Close()
}

// CreateMessageStream opens a streaming request and hands back the raw
// event stream for passthrough.
func (c *AnthropicClient) CreateMessageStream(ctx context.Context, target *router.ModelConfig, req *claude.MessagesRequest) (*NativeStream, error) {
	req.Stream = true

	resp, err := c.send(ctx, target, req, true)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, Classify(resp.StatusCode, body)
	}

	return &NativeStream{
		Body:        resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

func (c *AnthropicClient) send(ctx context.Context, target *router.ModelConfig, req *claude.MessagesRequest, streaming bool) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	endpoint := strings.TrimSuffix(target.BaseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if target.Credential != "" {
		httpReq.Header.Set("x-api-key", target.Credential)
	}
	for key, value := range target.ExtraHeaders {
		httpReq.Header.Set(key, value)
	}

	resp, err := c.httpClient(target.Credential, streaming).Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewCancelled()
		}
		return nil, &Error{Status: 502, Kind: KindAPI, Message: err.Error()}
	}
	return resp, nil
}
