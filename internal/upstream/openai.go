package upstream

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/hitsmaxft/cc-proxy/internal/openai"
	"github.com/hitsmaxft/cc-proxy/internal/router"
)

// ErrTruncated marks a stream the upstream closed without a [DONE]
// marker. The response emitted so far is usable but incomplete.
var ErrTruncated = errors.New("upstream stream closed before [DONE]")

const (
	streamScanBuffer  = 64 * 1024
	streamScanMaxLine = 10 * 1024 * 1024
)

// OpenAIClient speaks the chat-completions dialect to foreign-kind
// providers. HTTP clients are cached per credential; the cache only
// grows, matching the small fixed set of configured providers.
type OpenAIClient struct {
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

func NewOpenAIClient(timeout time.Duration, logger *slog.Logger) *OpenAIClient {
	return &OpenAIClient{
		timeout: timeout,
		logger:  logger,
		clients: make(map[string]*http.Client),
	}
}

func (c *OpenAIClient) httpClient(credential string, streaming bool) *http.Client {
	key := credential
	if streaming {
		// Streaming responses outlive the request timeout by design;
		// the context carries cancellation instead.
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

// CreateCompletion sends a non-streaming completion request.
func (c *OpenAIClient) CreateCompletion(ctx context.Context, target *router.ModelConfig, req *openai.Request) (*openai.Response, error) {
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

	var completion openai.Response
	if err := json.Unmarshal(body, &completion); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	if completion.Error != nil {
		return nil, Classify(resp.StatusCode, body)
	}

	return &completion, nil
}

// CreateCompletionStream opens a streaming completion. The caller owns
// the returned stream and must Close it.
func (c *OpenAIClient) CreateCompletionStream(ctx context.Context, target *router.ModelConfig, req *openai.Request) (*ChunkStream, error) {
	req.Stream = true
	if req.StreamOptions == nil {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	resp, err := c.send(ctx, target, req, true)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		reader, derr := decompressReader(resp)
		if derr != nil {
			reader = resp.Body
		}
		body, _ := io.ReadAll(io.LimitReader(reader, 1<<20))
		return nil, Classify(resp.StatusCode, body)
	}

	reader, err := decompressReader(resp)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("decompress stream: %w", err)
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, streamScanBuffer), streamScanMaxLine)

	return &ChunkStream{
		ctx:     ctx,
		body:    resp.Body,
		scanner: scanner,
		logger:  c.logger,
	}, nil
}

func (c *OpenAIClient) send(ctx context.Context, target *router.ModelConfig, req *openai.Request, streaming bool) (*http.Response, error) {
	endpoint, err := completionURL(target.BaseURL, req.ExtraQuery)
	if err != nil {
		return nil, err
	}

	payload := *req
	payload.ExtraQuery = nil

	body, err := json.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Accept-Encoding", "gzip, br")
	if target.Credential != "" {
		httpReq.Header.Set("Authorization", "Bearer "+target.Credential)
	}
	for key, value := range target.ExtraHeaders {
		httpReq.Header.Set(key, value)
	}
	for key, value := range req.ExtraHeaders {
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

// completionURL appends the extra_query side channel as query
// parameters. Non-scalar values are JSON encoded.
func completionURL(baseURL string, extraQuery map[string]any) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/chat/completions")
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	if len(extraQuery) > 0 {
		query := u.Query()
		for key, value := range extraQuery {
			switch v := value.(type) {
			case string:
				query.Set(key, v)
			case bool, int, int64, float64:
				query.Set(key, fmt.Sprint(v))
			default:
				encoded, err := json.Marshal(v)
				if err != nil {
					return "", fmt.Errorf("encode extra query %q: %w", key, err)
				}
				query.Set(key, string(encoded))
			}
		}
		u.RawQuery = query.Encode()
	}

	return u.String(), nil
}

// ChunkStream iterates SSE frames from a streaming completion.
type ChunkStream struct {
	ctx     context.Context
	body    io.ReadCloser
	scanner *bufio.Scanner
	logger  *slog.Logger
	done    bool
}

// Recv returns the next chunk. io.EOF signals a clean [DONE]
// termination; ErrTruncated signals the upstream hung up early. A
// cancelled context surfaces as the 499 cancellation error.
func (s *ChunkStream) Recv() (*openai.Chunk, error) {
	if s.done {
		return nil, io.EOF
	}

	for s.scanner.Scan() {
		if err := s.ctx.Err(); err != nil {
			return nil, NewCancelled()
		}

		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.done = true
			return nil, io.EOF
		}

		var chunk openai.Chunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			s.logger.Warn("skipping malformed stream frame", "error", err)
			continue
		}
		return &chunk, nil
	}

	if err := s.ctx.Err(); err != nil {
		return nil, NewCancelled()
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return nil, ErrTruncated
}

func (s *ChunkStream) Close() error {
	return s.body.Close()
}

// decompressReader unwraps gzip and brotli response bodies.
func decompressReader(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}
