package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitsmaxft/cc-proxy/internal/history"
	"github.com/hitsmaxft/cc-proxy/internal/upstream"
)

const defaultHistoryLimit = 20

// HistoryHandler serves the GET /api/history and GET /api/summary
// query endpoints over the persistence store.
type HistoryHandler struct {
	store  history.Store
	logger *slog.Logger
}

func NewHistoryHandler(store history.Store, logger *slog.Logger) *HistoryHandler {
	if store == nil {
		store = history.NopStore{}
	}
	return &HistoryHandler{store: store, logger: logger}
}

func (h *HistoryHandler) Recent(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries, err := h.store.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("history query failed", "error", err)
		writeError(w, http.StatusInternalServerError, upstream.KindAPI, "failed to query history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"messages": entries,
		"count":    len(entries),
	})
}

func (h *HistoryHandler) Detail(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")
	if requestID == "" {
		writeError(w, http.StatusBadRequest, upstream.KindInvalidRequest, "request id is required")
		return
	}

	entry, err := h.store.ByRequestID(r.Context(), requestID)
	switch {
	case errors.Is(err, history.ErrNotFound):
		writeError(w, http.StatusNotFound, upstream.KindNotFound, "no history entry for "+requestID)
		return
	case err != nil:
		h.logger.Error("history query failed", "request_id", requestID, "error", err)
		writeError(w, http.StatusInternalServerError, upstream.KindAPI, "failed to query history")
		return
	}

	writeJSON(w, http.StatusOK, entry)
}

func (h *HistoryHandler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.store.Summary(r.Context())
	if err != nil {
		h.logger.Error("summary query failed", "error", err)
		writeError(w, http.StatusInternalServerError, upstream.KindAPI, "failed to query usage summary")
		return
	}
	if summary == nil {
		summary = []history.ModelSummary{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}
