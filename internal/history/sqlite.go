package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS message_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT UNIQUE NOT NULL,
	timestamp DATETIME NOT NULL,
	model_name TEXT NOT NULL,
	actual_model TEXT NOT NULL DEFAULT '',
	request_data TEXT NOT NULL,
	upstream_request TEXT,
	response_data TEXT,
	user_agent TEXT,
	is_streaming BOOLEAN NOT NULL DEFAULT 0,
	request_length INTEGER,
	response_length INTEGER,
	status TEXT DEFAULT 'pending',
	input_tokens INTEGER DEFAULT 0,
	output_tokens INTEGER DEFAULT 0,
	total_tokens INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_timestamp ON message_history(timestamp DESC);
`

const entryColumns = `
	SELECT id, request_id, timestamp, model_name, actual_model, request_data,
	       upstream_request, response_data, user_agent, is_streaming, status,
	       input_tokens, output_tokens, total_tokens
	FROM message_history
	`

// SQLiteStore persists exchanges in a single-file SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids busy
	// errors under concurrent requests.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}

	logger.Info("history database initialized", "path", path)
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) LogRequest(ctx context.Context, entry *Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Status == "" {
		entry.Status = StatusPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_history
		(request_id, timestamp, model_name, actual_model, request_data, upstream_request,
		 user_agent, is_streaming, request_length, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID,
		entry.Timestamp.Format(time.RFC3339Nano),
		entry.ModelName,
		entry.ActualModel,
		string(entry.RequestData),
		nullableJSON(entry.UpstreamRequest),
		entry.UserAgent,
		entry.IsStreaming,
		len(entry.RequestData),
		entry.Status,
	)
	if err != nil {
		return fmt.Errorf("store request %s: %w", entry.RequestID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateUpstreamRequest(ctx context.Context, requestID string, payload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE message_history SET upstream_request = ? WHERE request_id = ?`,
		string(payload), requestID)
	if err != nil {
		return fmt.Errorf("update upstream request %s: %w", requestID, err)
	}
	return nil
}

func (s *SQLiteStore) LogResponse(ctx context.Context, requestID string, response json.RawMessage, status string, inputTokens, outputTokens int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE message_history
		SET response_data = ?, response_length = ?, status = ?,
		    input_tokens = ?, output_tokens = ?, total_tokens = ?
		WHERE request_id = ?`,
		string(response),
		len(response),
		status,
		inputTokens,
		outputTokens,
		inputTokens+outputTokens,
		requestID,
	)
	if err != nil {
		return fmt.Errorf("update response %s: %w", requestID, err)
	}
	return nil
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.db.QueryContext(ctx, entryColumns+`ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) ByRequestID(ctx context.Context, requestID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, entryColumns+`WHERE request_id = ?`, requestID)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query history entry %s: %w", requestID, err)
	}
	return entry, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		entry     Entry
		timestamp string
		request   string
		upstream  sql.NullString
		response  sql.NullString
		userAgent sql.NullString
	)
	if err := row.Scan(
		&entry.ID, &entry.RequestID, &timestamp, &entry.ModelName, &entry.ActualModel,
		&request, &upstream, &response, &userAgent, &entry.IsStreaming, &entry.Status,
		&entry.InputTokens, &entry.OutputTokens, &entry.TotalTokens,
	); err != nil {
		return nil, err
	}

	if ts, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
		entry.Timestamp = ts
	}
	entry.RequestData = json.RawMessage(request)
	entry.UpstreamRequest = rawOrNil(upstream)
	entry.ResponseData = rawOrNil(response)
	entry.UserAgent = userAgent.String

	return &entry, nil
}

func (s *SQLiteStore) Summary(ctx context.Context) ([]ModelSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT actual_model,
		       COUNT(*),
		       SUM(COALESCE(input_tokens, 0)),
		       SUM(COALESCE(output_tokens, 0)),
		       SUM(COALESCE(total_tokens, 0)),
		       AVG(COALESCE(input_tokens, 0)),
		       AVG(COALESCE(output_tokens, 0)),
		       MIN(timestamp),
		       MAX(timestamp),
		       SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'partial' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END)
		FROM message_history
		WHERE actual_model != ''
		GROUP BY actual_model
		ORDER BY SUM(COALESCE(total_tokens, 0)) DESC`)
	if err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	defer rows.Close()

	var summaries []ModelSummary
	for rows.Next() {
		var s ModelSummary
		if err := rows.Scan(
			&s.Model, &s.RequestCount,
			&s.TotalInputTokens, &s.TotalOutputTokens, &s.TotalTokens,
			&s.AvgInputTokens, &s.AvgOutputTokens,
			&s.FirstRequest, &s.LastRequest,
			&s.CompletedRequests, &s.PartialRequests, &s.ErrorRequests,
		); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		if s.RequestCount > 0 {
			s.SuccessRate = float64(s.CompletedRequests) / float64(s.RequestCount) * 100
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawOrNil(v sql.NullString) json.RawMessage {
	if !v.Valid || v.String == "" {
		return nil
	}
	return json.RawMessage(v.String)
}
