// Package history records request/response pairs for the query
// endpoints. Persistence is best-effort: a failed write never fails
// the request that triggered it.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound means no exchange was recorded under the request id.
var ErrNotFound = errors.New("history entry not found")

// Request lifecycle statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusError     = "error"
)

// Entry is one recorded exchange.
type Entry struct {
	ID              int64           `json:"id"`
	RequestID       string          `json:"request_id"`
	Timestamp       time.Time       `json:"timestamp"`
	ModelName       string          `json:"model_name"`
	ActualModel     string          `json:"actual_model"`
	RequestData     json.RawMessage `json:"request_data,omitempty"`
	UpstreamRequest json.RawMessage `json:"upstream_request,omitempty"`
	ResponseData    json.RawMessage `json:"response_data,omitempty"`
	UserAgent       string          `json:"user_agent,omitempty"`
	IsStreaming     bool            `json:"is_streaming"`
	Status          string          `json:"status"`
	InputTokens     int             `json:"input_tokens"`
	OutputTokens    int             `json:"output_tokens"`
	TotalTokens     int             `json:"total_tokens"`
}

// ModelSummary aggregates token usage per resolved model.
type ModelSummary struct {
	Model             string  `json:"model"`
	RequestCount      int     `json:"request_count"`
	TotalInputTokens  int     `json:"total_input_tokens"`
	TotalOutputTokens int     `json:"total_output_tokens"`
	TotalTokens       int     `json:"total_tokens"`
	AvgInputTokens    float64 `json:"avg_input_tokens"`
	AvgOutputTokens   float64 `json:"avg_output_tokens"`
	FirstRequest      string  `json:"first_request"`
	LastRequest       string  `json:"last_request"`
	CompletedRequests int     `json:"completed_requests"`
	PartialRequests   int     `json:"partial_requests"`
	ErrorRequests     int     `json:"error_requests"`
	SuccessRate       float64 `json:"success_rate"`
}

// Store is the persistence collaborator the request paths talk to.
type Store interface {
	// LogRequest records a new exchange in pending status.
	LogRequest(ctx context.Context, entry *Entry) error

	// UpdateUpstreamRequest attaches the post-transform upstream
	// payload, so history shows what was actually sent.
	UpdateUpstreamRequest(ctx context.Context, requestID string, payload json.RawMessage) error

	// LogResponse finishes an exchange with its terminal status and
	// token accounting.
	LogResponse(ctx context.Context, requestID string, response json.RawMessage, status string, inputTokens, outputTokens int) error

	Recent(ctx context.Context, limit int) ([]Entry, error)

	// ByRequestID looks up a single exchange; ErrNotFound when the id
	// was never logged.
	ByRequestID(ctx context.Context, requestID string) (*Entry, error)

	Summary(ctx context.Context) ([]ModelSummary, error)
	Close() error
}

// NopStore discards everything. Used when persistence is disabled and
// in tests.
type NopStore struct{}

func (NopStore) LogRequest(context.Context, *Entry) error { return nil }

func (NopStore) UpdateUpstreamRequest(context.Context, string, json.RawMessage) error { return nil }

func (NopStore) LogResponse(context.Context, string, json.RawMessage, string, int, int) error {
	return nil
}

func (NopStore) Recent(context.Context, int) ([]Entry, error) { return nil, nil }

func (NopStore) ByRequestID(context.Context, string) (*Entry, error) { return nil, ErrNotFound }

func (NopStore) Summary(context.Context) ([]ModelSummary, error) { return nil, nil }

func (NopStore) Close() error { return nil }
