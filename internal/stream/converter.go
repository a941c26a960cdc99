// Package stream turns a chat-completions delta stream into the typed
// Messages SSE event sequence clients consume.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/hitsmaxft/cc-proxy/internal/claude"
	"github.com/hitsmaxft/cc-proxy/internal/convert"
	"github.com/hitsmaxft/cc-proxy/internal/history"
	"github.com/hitsmaxft/cc-proxy/internal/openai"
	"github.com/hitsmaxft/cc-proxy/internal/upstream"
)

// textBlockIndex is the fixed content index of the text block. Tool
// blocks are numbered after it in arrival order.
const textBlockIndex = 0

// ChunkSource yields upstream delta frames. io.EOF means a clean
// [DONE] termination; upstream.ErrTruncated means the provider hung
// up before the sentinel.
type ChunkSource interface {
	Recv() (*openai.Chunk, error)
	Close() error
}

// toolCallState tracks one upstream tool call across delta frames.
type toolCallState struct {
	id          string
	name        string
	args        strings.Builder
	claudeIndex int
	started     bool
	jsonSent    bool
}

// Options configures one streaming conversion.
type Options struct {
	RequestID string
	MessageID string

	// Model is the client-requested model name, echoed in events.
	Model string

	// RequestText feeds the input-token fallback heuristic when the
	// upstream never reports usage.
	RequestText string

	// Disconnected reports whether the inbound client went away. It is
	// polled once per upstream chunk.
	Disconnected func() bool

	// Cancel asks the transport to abandon the upstream call.
	Cancel context.CancelFunc

	Store  history.Store
	Logger *slog.Logger
}

// Converter drives one stream to a terminal state, emitting SSE events
// on w and making exactly one terminal persistence call.
type Converter struct {
	w    io.Writer
	opts Options

	accumulated strings.Builder
	tools       map[int]*toolCallState
	openOrder   []int
	finish      string
	usage       *openai.Usage
	persisted   bool
}

func NewConverter(w io.Writer, opts Options) *Converter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Store == nil {
		opts.Store = history.NopStore{}
	}
	if opts.Disconnected == nil {
		opts.Disconnected = func() bool { return false }
	}
	return &Converter{
		w:     w,
		opts:  opts,
		tools: make(map[int]*toolCallState),
	}
}

// Run consumes the source until a terminal state. The returned error
// reports the terminal failure, if any; SSE output and persistence
// have already happened either way.
func (c *Converter) Run(source ChunkSource) error {
	defer source.Close()

	c.prologue()

	for {
		if c.opts.Disconnected() {
			if c.opts.Cancel != nil {
				c.opts.Cancel()
			}
			return c.terminateCancelled()
		}

		chunk, err := source.Recv()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				c.epilogue()
				c.persist(history.StatusCompleted)
				return nil
			case errors.Is(err, upstream.ErrTruncated):
				c.epilogue()
				c.persist(history.StatusPartial)
				return nil
			default:
				ue := upstream.AsError(err)
				if ue.Kind == upstream.KindCancelled {
					return c.terminateCancelled()
				}
				return c.terminateError(ue)
			}
		}

		c.consume(chunk)
	}
}

// prologue emits the eager opening sequence before any upstream data,
// so clients see liveness immediately.
func (c *Converter) prologue() {
	c.emit(claude.EventMessageStart, claude.NewMessageStartEvent(c.opts.MessageID, c.opts.Model))
	c.emit(claude.EventContentBlockStart, claude.ContentBlockStartEvent{
		Type:         claude.EventContentBlockStart,
		Index:        textBlockIndex,
		ContentBlock: claude.TextBlock(""),
	})
	c.emit(claude.EventPing, claude.PingEvent{Type: claude.EventPing})
}

func (c *Converter) consume(chunk *openai.Chunk) {
	if chunk.Usage != nil {
		c.usage = chunk.Usage
	}

	if len(chunk.Choices) == 0 {
		return
	}
	choice := &chunk.Choices[0]

	if choice.Delta.Content != nil && *choice.Delta.Content != "" {
		c.accumulated.WriteString(*choice.Delta.Content)
		c.emit(claude.EventContentBlockDelta, claude.ContentBlockDeltaEvent{
			Type:  claude.EventContentBlockDelta,
			Index: textBlockIndex,
			Delta: claude.BlockDelta{Type: claude.DeltaText, Text: *choice.Delta.Content},
		})
	}

	for _, delta := range choice.Delta.ToolCalls {
		c.consumeToolDelta(delta)
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		c.finish = convert.StopReason(*choice.FinishReason)
	}
}

func (c *Converter) consumeToolDelta(delta openai.ToolCallDelta) {
	state, ok := c.tools[delta.Index]
	if !ok {
		state = &toolCallState{}
		c.tools[delta.Index] = state
	}

	if delta.ID != "" {
		state.id = delta.ID
	}
	if delta.Function != nil && delta.Function.Name != "" {
		state.name = delta.Function.Name
	}

	if !state.started && state.id != "" && state.name != "" {
		state.claudeIndex = textBlockIndex + 1 + len(c.openOrder)
		state.started = true
		c.openOrder = append(c.openOrder, delta.Index)
		c.emit(claude.EventContentBlockStart, claude.ContentBlockStartEvent{
			Type:         claude.EventContentBlockStart,
			Index:        state.claudeIndex,
			ContentBlock: claude.ToolUseBlock(state.id, state.name, map[string]any{}),
		})
	}

	if delta.Function != nil && delta.Function.Arguments != "" {
		state.args.WriteString(delta.Function.Arguments)
	}

	// The buffered arguments go out as one delta carrying the whole
	// buffer, the first time it parses as JSON. Fragments that do not
	// parse yet are absorbed silently.
	if state.started && !state.jsonSent && state.args.Len() > 0 {
		if json.Valid([]byte(state.args.String())) {
			c.emit(claude.EventContentBlockDelta, claude.ContentBlockDeltaEvent{
				Type:  claude.EventContentBlockDelta,
				Index: state.claudeIndex,
				Delta: claude.BlockDelta{Type: claude.DeltaInputJSON, PartialJSON: state.args.String()},
			})
			state.jsonSent = true
		}
	}
}

// epilogue closes all open blocks and emits the message footer.
func (c *Converter) epilogue() {
	c.emit(claude.EventContentBlockStop, claude.ContentBlockStopEvent{
		Type:  claude.EventContentBlockStop,
		Index: textBlockIndex,
	})
	for _, upstreamIndex := range c.openOrder {
		c.emit(claude.EventContentBlockStop, claude.ContentBlockStopEvent{
			Type:  claude.EventContentBlockStop,
			Index: c.tools[upstreamIndex].claudeIndex,
		})
	}

	stop := c.stopReason()
	usage := c.resolveUsage()
	c.emit(claude.EventMessageDelta, claude.MessageDeltaEvent{
		Type:  claude.EventMessageDelta,
		Delta: claude.MessageDelta{StopReason: &stop},
		Usage: &usage,
	})
	c.emit(claude.EventMessageStop, claude.MessageStopEvent{Type: claude.EventMessageStop})
}

// stopReason forces tool_use whenever any tool block opened, whatever
// the upstream reported.
func (c *Converter) stopReason() string {
	if len(c.openOrder) > 0 {
		return claude.StopToolUse
	}
	if c.finish != "" {
		return c.finish
	}
	return claude.StopEndTurn
}

// resolveUsage prefers upstream-reported numbers and backfills missing
// fields from the character heuristic.
func (c *Converter) resolveUsage() claude.Usage {
	var usage claude.Usage
	if c.usage != nil {
		usage.InputTokens = c.usage.PromptTokens
		usage.OutputTokens = c.usage.CompletionTokens
		if c.usage.PromptTokensDetails != nil {
			usage.CacheReadInputTokens = c.usage.PromptTokensDetails.CachedTokens
		}
	}
	if usage.InputTokens == 0 {
		usage.InputTokens = len(c.opts.RequestText) / 4
	}
	if usage.OutputTokens == 0 {
		usage.OutputTokens = c.accumulated.Len() / 4
	}
	return usage
}

func (c *Converter) terminateCancelled() error {
	ue := upstream.NewCancelled()
	c.emit(claude.EventError, claude.ErrorEvent{
		Type:  claude.EventError,
		Error: claude.ErrorDetail{Type: "cancelled", Message: ue.Message},
	})
	c.persist(history.StatusError)
	return ue
}

func (c *Converter) terminateError(ue *upstream.Error) error {
	c.emit(claude.EventError, claude.ErrorEvent{
		Type:  claude.EventError,
		Error: claude.ErrorDetail{Type: ue.Kind, Message: ue.Message},
	})
	c.persist(history.StatusError)
	return ue
}

// persist makes the single terminal history call with a snapshot of
// what was relayed.
func (c *Converter) persist(status string) {
	if c.persisted {
		return
	}
	c.persisted = true

	usage := c.resolveUsage()
	snapshot, err := json.Marshal(c.snapshot(usage))
	if err != nil {
		snapshot = nil
	}

	if err := c.opts.Store.LogResponse(context.Background(), c.opts.RequestID, snapshot, status, usage.InputTokens, usage.OutputTokens); err != nil {
		c.opts.Logger.Warn("history write failed", "request_id", c.opts.RequestID, "error", err)
	}
}

// snapshot reconstructs the relayed message for the history record.
func (c *Converter) snapshot(usage claude.Usage) *claude.Response {
	content := []claude.ContentBlock{claude.TextBlock(c.accumulated.String())}

	indices := make([]int, 0, len(c.tools))
	for idx := range c.tools {
		if c.tools[idx].started {
			indices = append(indices, idx)
		}
	}
	sort.Slice(indices, func(i, j int) bool {
		return c.tools[indices[i]].claudeIndex < c.tools[indices[j]].claudeIndex
	})
	for _, idx := range indices {
		state := c.tools[idx]
		input := map[string]any{}
		if err := json.Unmarshal([]byte(state.args.String()), &input); err != nil && state.args.Len() > 0 {
			input = map[string]any{"raw_arguments": state.args.String()}
		}
		content = append(content, claude.ToolUseBlock(state.id, state.name, input))
	}

	stop := c.stopReason()
	return &claude.Response{
		ID:         c.opts.MessageID,
		Type:       "message",
		Role:       claude.RoleAssistant,
		Model:      c.opts.Model,
		Content:    content,
		StopReason: &stop,
		Usage:      usage,
	}
}

func (c *Converter) emit(name string, payload any) {
	if err := claude.WriteEvent(c.w, name, payload); err != nil {
		c.opts.Logger.Debug("client write failed", "event", name, "error", err)
	}
}
