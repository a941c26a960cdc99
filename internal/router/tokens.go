package router

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/hitsmaxft/cc-proxy/internal/claude"
)

// TokenCounter estimates request size for long-context routing. It
// uses the cl100k_base encoding when available and falls back to a
// bytes/4 heuristic when the encoding cannot be loaded.
type TokenCounter struct {
	logger *slog.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewTokenCounter(logger *slog.Logger) *TokenCounter {
	return &TokenCounter{logger: logger}
}

func (c *TokenCounter) encoding() *tiktoken.Tiktoken {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			c.logger.Warn("tiktoken encoding unavailable, using byte heuristic", "error", err)
			return
		}
		c.enc = enc
	})
	return c.enc
}

// Count returns the estimated token count of the request's textual
// content: system prompt plus every text and tool-result block.
func (c *TokenCounter) Count(req *claude.MessagesRequest) int {
	text := RequestText(req)
	if enc := c.encoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// RequestText flattens the request's textual content for counting.
func RequestText(req *claude.MessagesRequest) string {
	var sb []byte

	sb = append(sb, req.System.Concat()...)

	for _, msg := range req.Messages {
		if msg.Content.IsText {
			sb = append(sb, '\n')
			sb = append(sb, msg.Content.Text...)
			continue
		}
		for _, block := range msg.Content.Blocks {
			switch block.Type {
			case claude.ContentText:
				sb = append(sb, '\n')
				sb = append(sb, block.Text...)
			case claude.ContentToolResult:
				sb = append(sb, '\n')
				sb = append(sb, block.Content...)
			case claude.ContentToolUse:
				if input, err := json.Marshal(block.Input); err == nil {
					sb = append(sb, '\n')
					sb = append(sb, input...)
				}
			}
		}
	}

	return string(sb)
}
