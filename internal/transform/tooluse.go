package transform

import (
	"encoding/json"
	"strings"

	"github.com/hitsmaxft/cc-proxy/internal/openai"
)

const (
	NameToolUse = "tooluse"

	// ExitToolName is the sentinel pseudo-tool that lets a model leave
	// forced tool mode. It is never a real capability; its single
	// argument is the literal text handed back to the user.
	ExitToolName = "ExitTool"
)

const toolModeReminder = "<system-reminder>Tool mode is active. The user expects you to proactively " +
	"execute the most suitable tool to help complete the task. \n" +
	"Before invoking a tool, you must carefully evaluate whether it matches the current task. " +
	"If no available tool is appropriate for the task, you MUST call the `ExitTool` to exit " +
	"tool mode — this is the only valid way to terminate tool mode.\n" +
	"Always prioritize completing the user's task effectively and efficiently by " +
	"using tools whenever appropriate.</system-reminder>"

const exitToolDescription = "Use this tool when you are in tool mode and have completed the task. " +
	"This is the only valid way to exit tool mode.\n" +
	"IMPORTANT: Before using this tool, ensure that none of the available tools are " +
	"applicable to the current task. You must evaluate all available options — only " +
	"if no suitable tool can help you complete the task should you use ExitTool to " +
	"terminate tool mode."

// ToolUse forces tool-calling for model families that otherwise avoid
// it: it injects a system reminder, pins tool_choice to required and
// adds the ExitTool sentinel. On the response side an ExitTool call is
// unwrapped back into an ordinary text completion.
type ToolUse struct {
	Identity

	providers []string
	models    []string
}

func NewToolUse(opts Options) Transformer {
	return &ToolUse{
		providers: opts.Strings("providers", []string{"deepseek"}),
		models:    opts.Strings("models", []string{"*"}),
	}
}

func (t *ToolUse) Name() string { return NameToolUse }

func (t *ToolUse) AppliesTo(provider, model string) bool {
	if !matchesProvider(provider, t.providers) {
		return false
	}

	for _, pattern := range t.models {
		if pattern == "*" || strings.Contains(strings.ToLower(model), strings.ToLower(pattern)) {
			return true
		}
	}

	return false
}

func (t *ToolUse) RequestIn(req *openai.Request) (*openai.Request, error) {
	if len(req.Tools) == 0 {
		return req, nil
	}

	req.Messages = append(req.Messages, openai.Message{
		Role:    openai.RoleSystem,
		Content: toolModeReminder,
	})

	req.ToolChoice = "required"

	if !hasTool(req.Tools, ExitToolName) {
		exitTool := openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: openai.Function{
				Name:        ExitToolName,
				Description: exitToolDescription,
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"response": map[string]any{
							"type": "string",
							"description": "Your response will be forwarded to the user exactly as returned — " +
								"the tool will not modify or post-process it in any way.",
						},
					},
					"required": []string{"response"},
				},
			},
		}

		req.Tools = append([]openai.Tool{exitTool}, req.Tools...)
	}

	return req, nil
}

func (t *ToolUse) ResponseIn(resp *openai.Response) (*openai.Response, error) {
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return resp, nil
	}

	message := resp.Choices[0].Message

	for i := range message.ToolCalls {
		message.ToolCalls[i].Function.Arguments = repairFencedJSON(message.ToolCalls[i].Function.Arguments)
	}

	for _, call := range message.ToolCalls {
		if call.Function.Name != ExitToolName {
			continue
		}

		var args struct {
			Response string `json:"response"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return resp, err
		}

		message.Content = args.Response
		message.ToolCalls = nil

		finish := openai.FinishStop
		resp.Choices[0].FinishReason = &finish

		break
	}

	return resp, nil
}

// ChunkIn unwraps an ExitTool call that arrives complete in a single
// delta frame. Calls spread across frames fall through to the normal
// tool-call path.
func (t *ToolUse) ChunkIn(chunk *openai.Chunk) (*openai.Chunk, error) {
	if len(chunk.Choices) == 0 {
		return chunk, nil
	}

	delta := &chunk.Choices[0].Delta

	for i := range delta.ToolCalls {
		if delta.ToolCalls[i].Function != nil {
			delta.ToolCalls[i].Function.Arguments = repairFencedJSON(delta.ToolCalls[i].Function.Arguments)
		}
	}

	for _, call := range delta.ToolCalls {
		if call.Function == nil || call.Function.Name != ExitToolName || call.Function.Arguments == "" {
			continue
		}

		var args struct {
			Response string `json:"response"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			continue
		}

		delta.Content = &args.Response
		delta.ToolCalls = nil

		break
	}

	return chunk, nil
}

// repairFencedJSON extracts the payload from a markdown ```json fence
// when the inner text is valid JSON. Some models wrap tool arguments
// this way instead of returning the bare object.
func repairFencedJSON(args string) string {
	trimmed := strings.TrimSpace(args)
	if !strings.HasPrefix(trimmed, "```") {
		return args
	}

	inner := strings.TrimPrefix(trimmed, "```")
	inner = strings.TrimPrefix(inner, "json")
	if end := strings.LastIndex(inner, "```"); end >= 0 {
		inner = inner[:end]
	}

	inner = strings.TrimSpace(inner)
	if !json.Valid([]byte(inner)) {
		return args
	}

	return inner
}

func hasTool(tools []openai.Tool, name string) bool {
	for _, tool := range tools {
		if tool.Function.Name == name {
			return true
		}
	}

	return false
}
