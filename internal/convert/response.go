package convert

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitsmaxft/cc-proxy/internal/claude"
	"github.com/hitsmaxft/cc-proxy/internal/openai"
)

// ErrNoChoices means the upstream response carried no choices at all.
var ErrNoChoices = errors.New("no choices in upstream response")

// StopReason maps a chat-completions finish reason onto the Anthropic
// stop reason vocabulary.
func StopReason(finishReason string) string {
	switch finishReason {
	case openai.FinishStop:
		return claude.StopEndTurn
	case openai.FinishLength:
		return claude.StopMaxTokens
	case openai.FinishToolCalls, openai.FinishFunctionCall:
		return claude.StopToolUse
	default:
		return claude.StopEndTurn
	}
}

// Response converts a complete chat-completions response into a
// Messages API response. Only the first choice is considered.
func Response(resp *openai.Response, originalModel, requestID string) (*claude.Response, error) {
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	choice := resp.Choices[0]
	if choice.Message == nil {
		return nil, errors.New("no message in upstream choice")
	}

	message := choice.Message

	var blocks []claude.ContentBlock

	if text, ok := message.Content.(string); ok {
		blocks = append(blocks, claude.TextBlock(text))
	}

	for _, call := range message.ToolCalls {
		if call.Type != openai.ToolTypeFunction {
			continue
		}

		blocks = append(blocks, claude.ToolUseBlock(
			toolUseID(call.ID),
			call.Function.Name,
			parseToolArguments(call.Function.Arguments),
		))
	}

	if len(blocks) == 0 {
		blocks = append(blocks, claude.TextBlock(""))
	}

	finishReason := openai.FinishStop
	if choice.FinishReason != nil {
		finishReason = *choice.FinishReason
	}

	stopReason := StopReason(finishReason)

	out := &claude.Response{
		ID:         requestID,
		Type:       "message",
		Role:       claude.RoleAssistant,
		Model:      originalModel,
		Content:    blocks,
		StopReason: &stopReason,
	}

	if resp.Usage != nil {
		out.Usage = claude.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
		if details := resp.Usage.PromptTokensDetails; details != nil {
			out.Usage.CacheReadInputTokens = details.CachedTokens
		}
	}

	return out, nil
}

func toolUseID(id string) string {
	if id != "" {
		return id
	}

	return fmt.Sprintf("tool_%s", uuid.NewString())
}

// parseToolArguments decodes tool-call arguments. A malformed payload
// never fails the whole response; the raw string is preserved under
// raw_arguments instead.
func parseToolArguments(args string) map[string]any {
	if args == "" {
		return map[string]any{}
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(args), &parsed); err != nil || parsed == nil {
		return map[string]any{"raw_arguments": args}
	}

	return parsed
}
