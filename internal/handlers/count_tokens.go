package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitsmaxft/cc-proxy/internal/claude"
	"github.com/hitsmaxft/cc-proxy/internal/upstream"
)

// CountTokensHandler serves POST /v1/messages/count_tokens with a
// character-based estimate. Exact tokenization is out of scope; the
// heuristic matches the one used for streaming usage fallback.
type CountTokensHandler struct {
	logger *slog.Logger
}

func NewCountTokensHandler(logger *slog.Logger) *CountTokensHandler {
	return &CountTokensHandler{logger: logger}
}

func (h *CountTokensHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, upstream.KindInvalidRequest, "method not allowed")
		return
	}

	var req claude.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, upstream.KindInvalidRequest, "invalid request body: "+err.Error())
		return
	}

	total := len(req.System.Concat())
	for _, msg := range req.Messages {
		if msg.Content.IsText {
			total += len(msg.Content.Text)
			continue
		}
		for _, block := range msg.Content.Blocks {
			if block.Type == claude.ContentText {
				total += len(block.Text)
			}
		}
	}

	estimated := total / 4
	if estimated < 1 {
		estimated = 1
	}

	writeJSON(w, http.StatusOK, map[string]int{"input_tokens": estimated})
}
