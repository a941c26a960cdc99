// Package handlers implements the HTTP surface of the gateway.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitsmaxft/cc-proxy/internal/claude"
	"github.com/hitsmaxft/cc-proxy/internal/config"
	"github.com/hitsmaxft/cc-proxy/internal/convert"
	"github.com/hitsmaxft/cc-proxy/internal/history"
	"github.com/hitsmaxft/cc-proxy/internal/openai"
	"github.com/hitsmaxft/cc-proxy/internal/router"
	"github.com/hitsmaxft/cc-proxy/internal/stream"
	"github.com/hitsmaxft/cc-proxy/internal/transform"
	"github.com/hitsmaxft/cc-proxy/internal/upstream"
)

// Bypass may short-circuit a request with a ready response, skipping
// conversion and dispatch entirely. Used by request plugins.
type Bypass func(ctx context.Context, req *claude.MessagesRequest) (*claude.Response, bool)

// MessagesHandler serves POST /v1/messages.
type MessagesHandler struct {
	config    *config.Manager
	router    *router.Router
	registry  *transform.Registry
	foreign   *upstream.OpenAIClient
	native    *upstream.AnthropicClient
	cancels   *upstream.CancelRegistry
	store     history.Store
	bypass    Bypass
	logger    *slog.Logger
}

type MessagesHandlerOptions struct {
	Config   *config.Manager
	Router   *router.Router
	Registry *transform.Registry
	Foreign  *upstream.OpenAIClient
	Native   *upstream.AnthropicClient
	Cancels  *upstream.CancelRegistry
	Store    history.Store
	Bypass   Bypass
	Logger   *slog.Logger
}

func NewMessagesHandler(opts MessagesHandlerOptions) *MessagesHandler {
	if opts.Store == nil {
		opts.Store = history.NopStore{}
	}
	if opts.Cancels == nil {
		opts.Cancels = upstream.NewCancelRegistry()
	}
	return &MessagesHandler{
		config:   opts.Config,
		router:   opts.Router,
		registry: opts.Registry,
		foreign:  opts.Foreign,
		native:   opts.Native,
		cancels:  opts.Cancels,
		store:    opts.Store,
		bypass:   opts.Bypass,
		logger:   opts.Logger,
	}
}

func (h *MessagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, upstream.KindInvalidRequest, "method not allowed")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, upstream.KindInvalidRequest, "failed to read request body")
		return
	}

	var req claude.MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, upstream.KindInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, upstream.KindInvalidRequest, "model and messages are required")
		return
	}

	requestID := uuid.NewString()
	logger := h.logger.With("request_id", requestID, "model", req.Model)
	logger.Debug("processing messages request", "stream", req.Stream)

	if h.bypass != nil {
		if resp, ok := h.bypass(r.Context(), &req); ok {
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	target, err := h.router.Resolve(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, upstream.KindInvalidRequest, err.Error())
		return
	}
	logger = logger.With("provider", target.Provider, "upstream_model", target.Model)

	h.logRequest(r, &req, target, requestID, body)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	h.cancels.Register(requestID, cancel)
	defer h.cancels.Remove(requestID)

	if target.Kind == config.KindNative {
		h.serveNative(ctx, w, r, &req, target, requestID, logger)
		return
	}

	h.serveForeign(ctx, w, r, &req, target, requestID, logger)
}

func (h *MessagesHandler) serveForeign(ctx context.Context, w http.ResponseWriter, r *http.Request, req *claude.MessagesRequest, target *router.ModelConfig, requestID string, logger *slog.Logger) {
	cfg := h.config.Get()

	oreq, err := convert.Request(req, target.Model, convert.TokenLimits{
		Min: cfg.MinTokensLimit,
		Max: cfg.MaxTokensLimit,
	})
	if err != nil {
		var verr *convert.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, upstream.KindInvalidRequest, verr.Error())
		} else {
			writeError(w, http.StatusInternalServerError, upstream.KindAPI, err.Error())
		}
		h.persistError(requestID, err)
		return
	}

	oreq.ExtraHeaders = relayHeaders(r)

	pipeline := h.registry.ForModel(target.Provider, target.Model, cfg.Transformers)
	oreq = pipeline.Request(oreq)

	if snapshot, err := json.Marshal(oreq); err == nil {
		if err := h.store.UpdateUpstreamRequest(r.Context(), requestID, snapshot); err != nil {
			logger.Warn("history write failed", "error", err)
		}
	}

	if req.Stream {
		h.streamForeign(ctx, w, r, req, oreq, target, pipeline, requestID, logger)
		return
	}

	resp, err := h.foreign.CreateCompletion(ctx, target, oreq)
	if err != nil {
		h.writeUpstreamError(w, requestID, err)
		return
	}
	resp = pipeline.Response(resp)

	claudeResp, err := convert.Response(resp, req.Model, requestID)
	if err != nil {
		writeError(w, http.StatusBadGateway, upstream.KindAPI, err.Error())
		h.persistError(requestID, err)
		return
	}

	h.persistResponse(requestID, claudeResp)
	writeJSON(w, http.StatusOK, claudeResp)
}

func (h *MessagesHandler) streamForeign(ctx context.Context, w http.ResponseWriter, r *http.Request, req *claude.MessagesRequest, oreq *openai.Request, target *router.ModelConfig, pipeline *transform.Pipeline, requestID string, logger *slog.Logger) {
	source, err := h.foreign.CreateCompletionStream(ctx, target, oreq)
	if err != nil {
		h.writeUpstreamError(w, requestID, err)
		return
	}

	setStreamHeaders(w)

	converter := stream.NewConverter(w, stream.Options{
		RequestID:    requestID,
		MessageID:    "msg_" + uuid.NewString(),
		Model:        req.Model,
		RequestText:  router.RequestText(req),
		Disconnected: disconnectPoll(r.Context()),
		Cancel:       func() { h.cancels.Cancel(requestID) },
		Store:        h.store,
		Logger:       logger,
	})

	if err := converter.Run(&pipelineSource{source: source, pipeline: pipeline}); err != nil {
		logger.Debug("stream finished with error", "error", err)
	}
}

func (h *MessagesHandler) serveNative(ctx context.Context, w http.ResponseWriter, r *http.Request, req *claude.MessagesRequest, target *router.ModelConfig, requestID string, logger *slog.Logger) {
	originalModel := req.Model
	req.Model = target.Model

	if !req.Stream {
		resp, err := h.native.CreateMessage(ctx, target, req)
		if err != nil {
			h.writeUpstreamError(w, requestID, err)
			return
		}
		resp.Model = originalModel
		h.persistResponse(requestID, resp)
		writeJSON(w, http.StatusOK, resp)
		return
	}

	nativeStream, err := h.native.CreateMessageStream(ctx, target, req)
	if err != nil {
		h.writeUpstreamError(w, requestID, err)
		return
	}
	defer nativeStream.Close()

	setStreamHeaders(w)
	status := history.StatusCompleted
	if err := relayStream(w, nativeStream.Body); err != nil {
		if ctx.Err() != nil {
			status = history.StatusError
		} else {
			status = history.StatusPartial
		}
		logger.Debug("native stream relay ended early", "error", err)
	}
	if err := h.store.LogResponse(context.Background(), requestID, nil, status, 0, 0); err != nil {
		logger.Warn("history write failed", "error", err)
	}
}

// relayStream copies SSE bytes through unmodified, flushing per read.
func relayStream(w http.ResponseWriter, body io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (h *MessagesHandler) logRequest(r *http.Request, req *claude.MessagesRequest, target *router.ModelConfig, requestID string, body []byte) {
	entry := &history.Entry{
		RequestID:   requestID,
		Timestamp:   time.Now(),
		ModelName:   req.Model,
		ActualModel: target.Model,
		RequestData: body,
		UserAgent:   r.Header.Get("User-Agent"),
		IsStreaming: req.Stream,
	}
	if err := h.store.LogRequest(r.Context(), entry); err != nil {
		h.logger.Warn("history write failed", "request_id", requestID, "error", err)
	}
}

func (h *MessagesHandler) persistResponse(requestID string, resp *claude.Response) {
	snapshot, err := json.Marshal(resp)
	if err != nil {
		snapshot = nil
	}
	if err := h.store.LogResponse(context.Background(), requestID, snapshot, history.StatusCompleted,
		resp.Usage.InputTokens, resp.Usage.OutputTokens); err != nil {
		h.logger.Warn("history write failed", "request_id", requestID, "error", err)
	}
}

func (h *MessagesHandler) persistError(requestID string, cause error) {
	snapshot, _ := json.Marshal(map[string]string{"error": cause.Error()})
	if err := h.store.LogResponse(context.Background(), requestID, snapshot, history.StatusError, 0, 0); err != nil {
		h.logger.Warn("history write failed", "request_id", requestID, "error", err)
	}
}

func (h *MessagesHandler) writeUpstreamError(w http.ResponseWriter, requestID string, err error) {
	ue := upstream.AsError(err)
	writeError(w, ue.Status, ue.Kind, ue.Message)
	h.persistError(requestID, ue)
}

// relayHeaders collects inbound headers forwarded upstream: a referer
// pair some aggregators require plus any anthropic/claude headers.
func relayHeaders(r *http.Request) map[string]string {
	headers := map[string]string{
		"HTTP-Referer": "https://claudecode.com",
		"X-Title":      "ClaudeCode",
	}
	for key := range r.Header {
		lower := strings.ToLower(key)
		if strings.Contains(lower, "anthropic") || strings.Contains(lower, "claude") {
			headers[key] = r.Header.Get(key)
		}
	}
	return headers
}

// disconnectPoll adapts the request context into the poll the stream
// converter calls per chunk.
func disconnectPoll(ctx context.Context) func() bool {
	return func() bool {
		select {
		case <-ctx.Done():
			return true
		default:
			return false
		}
	}
}

func setStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// pipelineSource runs each chunk through the transformer pipeline on
// its way to the stream converter.
type pipelineSource struct {
	source   *upstream.ChunkStream
	pipeline *transform.Pipeline
}

func (s *pipelineSource) Recv() (*openai.Chunk, error) {
	chunk, err := s.source.Recv()
	if err != nil {
		return nil, err
	}
	return s.pipeline.Chunk(chunk), nil
}

func (s *pipelineSource) Close() error {
	return s.source.Close()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, claude.ErrorResponse{
		Type: "error",
		Error: claude.ErrorDetail{
			Type:    kind,
			Message: message,
		},
	})
}
