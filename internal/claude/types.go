package claude

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"

	ContentText       = "text"
	ContentImage      = "image"
	ContentToolUse    = "tool_use"
	ContentToolResult = "tool_result"

	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopToolUse      = "tool_use"
	StopStopSequence = "stop_sequence"

	// Tool type used by the web search bypass plugin. Filtered out of
	// upstream requests, handled before conversion.
	ToolTypeWebSearch = "web_search_20250305"
)

// MessagesRequest is an Anthropic Messages API request.
type MessagesRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	Messages      []Message       `json:"messages"`
	System        SystemPrompt    `json:"system,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    map[string]any  `json:"tool_choice,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// Message is one conversation turn. Content is either a plain string or
// an ordered list of content blocks.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent holds the string-or-blocks union of a message body.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
	IsText bool
}

func TextContent(text string) MessageContent {
	return MessageContent{Text: text, IsText: true}
}

func BlockContent(blocks ...ContentBlock) MessageContent {
	return MessageContent{Blocks: blocks}
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		c.IsText = true
		return json.Unmarshal(data, &c.Text)
	}

	c.IsText = false

	return json.Unmarshal(data, &c.Blocks)
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.IsText {
		return json.Marshal(c.Text)
	}

	if c.Blocks == nil {
		return []byte("[]"), nil
	}

	return json.Marshal(c.Blocks)
}

// SystemPrompt is the request-level system field: a bare string or a
// list of text blocks.
type SystemPrompt struct {
	Text   string
	Blocks []ContentBlock
	IsText bool
	set    bool
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	s.set = true

	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		s.set = false
		return nil
	}

	if strings.HasPrefix(trimmed, "\"") {
		s.IsText = true
		return json.Unmarshal(data, &s.Text)
	}

	return json.Unmarshal(data, &s.Blocks)
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if !s.set {
		return []byte("null"), nil
	}

	if s.IsText {
		return json.Marshal(s.Text)
	}

	return json.Marshal(s.Blocks)
}

func (s SystemPrompt) IsZero() bool {
	return !s.set
}

// Concat joins the prompt into a single string: the raw string form, or
// the text-type blocks joined by blank lines.
func (s SystemPrompt) Concat() string {
	if s.IsText {
		return s.Text
	}

	var parts []string

	for _, block := range s.Blocks {
		if block.Type == ContentText {
			parts = append(parts, block.Text)
		}
	}

	return strings.Join(parts, "\n\n")
}

// NewSystemText builds a string-form system prompt, mainly for tests.
func NewSystemText(text string) SystemPrompt {
	return SystemPrompt{Text: text, IsText: true, set: true}
}

// ContentBlock is the tagged union of message content variants:
// text, image, tool_use and tool_result.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// MarshalJSON emits exactly the fields that belong to the block's
// variant, so empty text blocks and empty tool inputs keep their keys.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case ContentText:
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{b.Type, b.Text})
	case ContentImage:
		return json.Marshal(struct {
			Type   string       `json:"type"`
			Source *ImageSource `json:"source"`
		}{b.Type, b.Source})
	case ContentToolUse:
		input := b.Input
		if input == nil {
			input = map[string]any{}
		}

		return json.Marshal(struct {
			Type  string         `json:"type"`
			ID    string         `json:"id"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		}{b.Type, b.ID, b.Name, input})
	case ContentToolResult:
		return json.Marshal(struct {
			Type      string          `json:"type"`
			ToolUseID string          `json:"tool_use_id"`
			Content   json.RawMessage `json:"content,omitempty"`
		}{b.Type, b.ToolUseID, b.Content})
	default:
		return nil, fmt.Errorf("unknown content block type: %q", b.Type)
	}
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentText, Text: text}
}

func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: ContentToolUse, ID: id, Name: name, Input: input}
}

// ImageSource carries base64 image data.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Tool is a tool definition offered to the model.
type Tool struct {
	Type        string         `json:"type,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Response is a complete (non-streaming) Messages API response.
type Response struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// Usage holds Anthropic-format token accounting.
type Usage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens,omitempty"`
}

// ErrorDetail is the body of a Messages API error object or error
// event.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorResponse is the JSON error envelope for non-streaming failures.
type ErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}
