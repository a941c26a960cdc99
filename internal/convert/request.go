// Package convert implements the pure request/response translation
// between the Anthropic Messages dialect and the chat-completions
// dialect. No I/O happens here.
package convert

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hitsmaxft/cc-proxy/internal/claude"
	"github.com/hitsmaxft/cc-proxy/internal/openai"
)

// ValidationError marks a malformed inbound request. It surfaces as a
// client error before any upstream call is made.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// TokenLimits clamps the caller-supplied max_tokens.
type TokenLimits struct {
	Min int
	Max int
}

func clampTokens(requested int, limits TokenLimits) int {
	clamped := requested
	if clamped < limits.Min {
		clamped = limits.Min
	}

	if limits.Max > 0 && clamped > limits.Max {
		clamped = limits.Max
	}

	return clamped
}

// Request converts a Messages API request into a chat-completions
// request for the already-resolved upstream model.
func Request(req *claude.MessagesRequest, model string, limits TokenLimits) (*openai.Request, error) {
	messages := make([]openai.Message, 0, len(req.Messages)+1)

	if system := strings.TrimSpace(req.System.Concat()); system != "" {
		messages = append(messages, openai.Message{Role: openai.RoleSystem, Content: system})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case claude.RoleUser:
			if hasToolResult(msg) {
				split, err := splitMixedUserMessage(msg)
				if err != nil {
					return nil, err
				}

				messages = append(messages, split...)
			} else {
				messages = append(messages, convertUserMessage(msg))
			}
		case claude.RoleAssistant:
			messages = append(messages, convertAssistantMessage(msg))
		default:
			return nil, &ValidationError{Reason: fmt.Sprintf("unsupported message role: %q", msg.Role)}
		}
	}

	out := &openai.Request{
		Model:     model,
		Messages:  messages,
		MaxTokens: clampTokens(req.MaxTokens, limits),
		Stream:    req.Stream,
	}

	if req.Temperature != nil {
		out.Temperature = req.Temperature
	}

	if req.TopP != nil {
		out.TopP = req.TopP
	}

	if len(req.StopSequences) > 0 {
		out.Stop = req.StopSequences
	}

	if tools := convertTools(req.Tools); len(tools) > 0 {
		out.Tools = tools
	}

	if choice := convertToolChoice(req.ToolChoice); choice != nil {
		out.ToolChoice = choice
	}

	return out, nil
}

func hasToolResult(msg claude.Message) bool {
	if msg.Content.IsText {
		return false
	}

	for _, block := range msg.Content.Blocks {
		if block.Type == claude.ContentToolResult {
			return true
		}
	}

	return false
}

func convertUserMessage(msg claude.Message) openai.Message {
	if msg.Content.IsText {
		return openai.Message{Role: openai.RoleUser, Content: msg.Content.Text}
	}

	parts := make([]openai.ContentPart, 0, len(msg.Content.Blocks))

	for _, block := range msg.Content.Blocks {
		switch block.Type {
		case claude.ContentText:
			parts = append(parts, openai.ContentPart{Type: "text", Text: block.Text})
		case claude.ContentImage:
			if part, ok := convertImageBlock(block); ok {
				parts = append(parts, part)
			}
		}
	}

	// A lone text block collapses to a bare string.
	if len(parts) == 1 && parts[0].Type == "text" {
		return openai.Message{Role: openai.RoleUser, Content: parts[0].Text}
	}

	return openai.Message{Role: openai.RoleUser, Content: parts}
}

func convertImageBlock(block claude.ContentBlock) (openai.ContentPart, bool) {
	src := block.Source
	if src == nil || src.Type != "base64" || src.MediaType == "" || src.Data == "" {
		return openai.ContentPart{}, false
	}

	return openai.ContentPart{
		Type:     "image_url",
		ImageURL: &openai.ImageURL{URL: fmt.Sprintf("data:%s;base64,%s", src.MediaType, src.Data)},
	}, true
}

// splitMixedUserMessage handles a user turn whose block list contains a
// tool_result. The tool-role message comes first, then one user-role
// message with the remaining text and image blocks in that order. A
// turn whose sole block is the tool_result collapses to the tool-role
// message alone. More than one tool_result is a contract violation.
func splitMixedUserMessage(msg claude.Message) ([]openai.Message, error) {
	blocks := msg.Content.Blocks

	if len(blocks) == 1 && blocks[0].Type == claude.ContentToolResult {
		return []openai.Message{toolResultMessage(blocks[0])}, nil
	}

	var (
		toolMessages []openai.Message
		textBlocks   []claude.ContentBlock
		imageBlocks  []claude.ContentBlock
	)

	for _, block := range blocks {
		switch block.Type {
		case claude.ContentToolResult:
			if len(toolMessages) > 0 {
				return nil, &ValidationError{Reason: "more than one tool_result block in a single user message"}
			}

			toolMessages = append(toolMessages, toolResultMessage(block))
		case claude.ContentText:
			textBlocks = append(textBlocks, block)
		case claude.ContentImage:
			imageBlocks = append(imageBlocks, block)
		}
	}

	messages := toolMessages

	parts := make([]openai.ContentPart, 0, len(textBlocks)+len(imageBlocks))
	for _, block := range textBlocks {
		parts = append(parts, openai.ContentPart{Type: "text", Text: block.Text})
	}

	for _, block := range imageBlocks {
		if part, ok := convertImageBlock(block); ok {
			parts = append(parts, part)
		}
	}

	if len(parts) == 1 && parts[0].Type == "text" {
		messages = append(messages, openai.Message{Role: openai.RoleUser, Content: parts[0].Text})
	} else if len(parts) > 0 {
		messages = append(messages, openai.Message{Role: openai.RoleUser, Content: parts})
	}

	return messages, nil
}

func toolResultMessage(block claude.ContentBlock) openai.Message {
	return openai.Message{
		Role:       openai.RoleTool,
		ToolCallID: block.ToolUseID,
		Content:    ToolResultText(block.Content),
	}
}

func convertAssistantMessage(msg claude.Message) openai.Message {
	if msg.Content.IsText {
		return openai.Message{Role: openai.RoleAssistant, Content: msg.Content.Text}
	}

	var (
		text      strings.Builder
		toolCalls []openai.ToolCall
	)

	for _, block := range msg.Content.Blocks {
		switch block.Type {
		case claude.ContentText:
			text.WriteString(block.Text)
		case claude.ContentToolUse:
			args := "{}"
			if block.Input != nil {
				if data, err := json.Marshal(block.Input); err == nil {
					args = string(data)
				}
			}

			toolCalls = append(toolCalls, openai.ToolCall{
				ID:   block.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      block.Name,
					Arguments: args,
				},
			})
		}
	}

	out := openai.Message{Role: openai.RoleAssistant}
	if text.Len() > 0 {
		out.Content = text.String()
	}

	if len(toolCalls) > 0 {
		out.ToolCalls = toolCalls
	}

	return out
}

func convertTools(tools []claude.Tool) []openai.Tool {
	converted := make([]openai.Tool, 0, len(tools))

	for _, tool := range tools {
		// Web search is served by the bypass plugin, never forwarded.
		if tool.Type == claude.ToolTypeWebSearch {
			continue
		}

		if strings.TrimSpace(tool.Name) == "" {
			continue
		}

		converted = append(converted, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: openai.Function{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	return converted
}

func convertToolChoice(choice map[string]any) any {
	if choice == nil {
		return nil
	}

	choiceType, _ := choice["type"].(string)

	switch choiceType {
	case "auto", "any":
		return "auto"
	case "tool":
		if name, ok := choice["name"].(string); ok && name != "" {
			return openai.ToolChoiceFunction{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolChoiceName{Name: name},
			}
		}

		return "auto"
	default:
		return "auto"
	}
}

// ToolResultText normalizes tool_result content into the single string
// a tool-role message carries: raw strings pass through, block lists
// concatenate their text items line by line, and anything else is
// serialized back to JSON.
func ToolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "No content provided"
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}

	var asList []json.RawMessage
	if err := json.Unmarshal(raw, &asList); err == nil {
		parts := make([]string, 0, len(asList))
		for _, item := range asList {
			parts = append(parts, toolResultItemText(item))
		}

		return strings.TrimSpace(strings.Join(parts, "\n"))
	}

	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err == nil {
		if text, ok := asMap["text"].(string); ok {
			return text
		}

		if data, err := json.Marshal(asMap); err == nil {
			return string(data)
		}
	}

	return string(raw)
}

func toolResultItemText(item json.RawMessage) string {
	var asString string
	if err := json.Unmarshal(item, &asString); err == nil {
		return asString
	}

	var asMap map[string]any
	if err := json.Unmarshal(item, &asMap); err == nil {
		if text, ok := asMap["text"].(string); ok {
			return text
		}

		if data, err := json.Marshal(asMap); err == nil {
			return string(data)
		}
	}

	return string(item)
}
