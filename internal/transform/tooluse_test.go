package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitsmaxft/cc-proxy/internal/openai"
)

func sampleTools() []openai.Tool {
	return []openai.Tool{{
		Type:     openai.ToolTypeFunction,
		Function: openai.Function{Name: "get_weather"},
	}}
}

func TestToolUseAppliesTo(t *testing.T) {
	tr := NewToolUse(nil)

	assert.True(t, tr.AppliesTo("deepseek", "deepseek-chat"))
	assert.True(t, tr.AppliesTo("DeepSeek", "anything"))
	assert.False(t, tr.AppliesTo("openrouter", "deepseek/deepseek-chat"))

	scoped := NewToolUse(Options{
		"providers": []any{"myvendor"},
		"models":    []any{"chat"},
	})
	assert.True(t, scoped.AppliesTo("myvendor", "vendor-chat-v3"))
	assert.False(t, scoped.AppliesTo("myvendor", "vendor-coder"))
}

func TestToolUseRequestIn(t *testing.T) {
	tr := NewToolUse(nil)

	req := &openai.Request{
		Model:    "deepseek-chat",
		Messages: []openai.Message{{Role: openai.RoleUser, Content: "hi"}},
		Tools:    sampleTools(),
	}

	out, err := tr.RequestIn(req)
	require.NoError(t, err)

	assert.Equal(t, "required", out.ToolChoice)

	require.Len(t, out.Tools, 2)
	assert.Equal(t, ExitToolName, out.Tools[0].Function.Name)

	last := out.Messages[len(out.Messages)-1]
	assert.Equal(t, openai.RoleSystem, last.Role)
	assert.Contains(t, last.Content.(string), "ExitTool")

	// A second pass must not duplicate the sentinel tool.
	out, err = tr.RequestIn(out)
	require.NoError(t, err)
	count := 0
	for _, tool := range out.Tools {
		if tool.Function.Name == ExitToolName {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestToolUseRequestInNoToolsIsNoop(t *testing.T) {
	tr := NewToolUse(nil)

	req := &openai.Request{Messages: []openai.Message{{Role: openai.RoleUser, Content: "hi"}}}
	out, err := tr.RequestIn(req)
	require.NoError(t, err)

	assert.Empty(t, out.Tools)
	assert.Nil(t, out.ToolChoice)
	require.Len(t, out.Messages, 1)
}

func TestToolUseResponseInUnwrapsExitTool(t *testing.T) {
	tr := NewToolUse(nil)

	finish := openai.FinishToolCalls
	resp := &openai.Response{
		Choices: []openai.Choice{{
			Message: &openai.Message{
				Role: openai.RoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:   "call_1",
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      ExitToolName,
						Arguments: `{"response":"final answer"}`,
					},
				}},
			},
			FinishReason: &finish,
		}},
	}

	out, err := tr.ResponseIn(resp)
	require.NoError(t, err)

	message := out.Choices[0].Message
	assert.Equal(t, "final answer", message.Content)
	assert.Empty(t, message.ToolCalls)
	assert.Equal(t, openai.FinishStop, *out.Choices[0].FinishReason)
}

func TestToolUseResponseInLeavesRealToolsAlone(t *testing.T) {
	tr := NewToolUse(nil)

	resp := &openai.Response{
		Choices: []openai.Choice{{
			Message: &openai.Message{
				Role: openai.RoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:       "call_1",
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: "get_weather", Arguments: `{}`},
				}},
			},
		}},
	}

	out, err := tr.ResponseIn(resp)
	require.NoError(t, err)
	require.Len(t, out.Choices[0].Message.ToolCalls, 1)
	assert.Equal(t, "get_weather", out.Choices[0].Message.ToolCalls[0].Function.Name)
}

func TestToolUseResponseInRepairsFencedArguments(t *testing.T) {
	tr := NewToolUse(nil)

	resp := &openai.Response{
		Choices: []openai.Choice{{
			Message: &openai.Message{
				Role: openai.RoleAssistant,
				ToolCalls: []openai.ToolCall{
					{
						ID:   "call_1",
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      "get_weather",
							Arguments: "```json\n{\"city\":\"Paris\"}\n```",
						},
					},
					{
						ID:   "call_2",
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      ExitToolName,
							Arguments: "```json\n{\"response\":\"fenced answer\"}\n```",
						},
					},
				},
			},
		}},
	}

	out, err := tr.ResponseIn(resp)
	require.NoError(t, err)
	assert.Equal(t, "fenced answer", out.Choices[0].Message.Content)
}

func TestRepairFencedJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "json fence", in: "```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "bare fence", in: "```\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "unfenced passthrough", in: `{"a":1}`, want: `{"a":1}`},
		{name: "fenced non-json kept", in: "```json\nnot json\n```", want: "```json\nnot json\n```"},
		{name: "empty", in: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, repairFencedJSON(tt.in))
		})
	}
}

func TestToolUseChunkInUnwrapsCompleteFrame(t *testing.T) {
	tr := NewToolUse(nil)

	chunk := &openai.Chunk{
		Choices: []openai.ChunkChoice{{
			Delta: openai.Delta{
				ToolCalls: []openai.ToolCallDelta{{
					Index: 0,
					ID:    "call_1",
					Function: &openai.FunctionDelta{
						Name:      ExitToolName,
						Arguments: `{"response":"streamed answer"}`,
					},
				}},
			},
		}},
	}

	out, err := tr.ChunkIn(chunk)
	require.NoError(t, err)

	delta := out.Choices[0].Delta
	require.NotNil(t, delta.Content)
	assert.Equal(t, "streamed answer", *delta.Content)
	assert.Empty(t, delta.ToolCalls)
}

func TestToolUseChunkInIgnoresPartialArguments(t *testing.T) {
	tr := NewToolUse(nil)

	chunk := &openai.Chunk{
		Choices: []openai.ChunkChoice{{
			Delta: openai.Delta{
				ToolCalls: []openai.ToolCallDelta{{
					Index:    0,
					Function: &openai.FunctionDelta{Name: ExitToolName, Arguments: `{"respo`},
				}},
			},
		}},
	}

	out, err := tr.ChunkIn(chunk)
	require.NoError(t, err)
	require.Len(t, out.Choices[0].Delta.ToolCalls, 1)
	assert.Nil(t, out.Choices[0].Delta.Content)
}
