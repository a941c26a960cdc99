package transform

import (
	"log/slog"

	"github.com/hitsmaxft/cc-proxy/internal/openai"
)

// Pipeline applies an ordered set of transformers with onion semantics:
// In hooks run in registration order, Out hooks run in reverse. A
// failing or panicking hook is logged and its input passed through
// unchanged; the pipeline never aborts a request.
type Pipeline struct {
	transformers []Transformer
	logger       *slog.Logger
}

func NewPipeline(transformers []Transformer, logger *slog.Logger) *Pipeline {
	return &Pipeline{transformers: transformers, logger: logger}
}

// Len reports how many transformers are active.
func (p *Pipeline) Len() int {
	return len(p.transformers)
}

// Request runs requestIn forward then requestOut in reverse.
func (p *Pipeline) Request(req *openai.Request) *openai.Request {
	for _, t := range p.transformers {
		req = applyHook(p.logger, t.Name(), "requestIn", req, t.RequestIn)
	}

	for i := len(p.transformers) - 1; i >= 0; i-- {
		t := p.transformers[i]
		req = applyHook(p.logger, t.Name(), "requestOut", req, t.RequestOut)
	}

	return req
}

// Response runs responseIn forward then responseOut in reverse.
func (p *Pipeline) Response(resp *openai.Response) *openai.Response {
	for _, t := range p.transformers {
		resp = applyHook(p.logger, t.Name(), "responseIn", resp, t.ResponseIn)
	}

	for i := len(p.transformers) - 1; i >= 0; i-- {
		t := p.transformers[i]
		resp = applyHook(p.logger, t.Name(), "responseOut", resp, t.ResponseOut)
	}

	return resp
}

// Chunk applies the streaming-chunk hooks to a single delta frame.
func (p *Pipeline) Chunk(chunk *openai.Chunk) *openai.Chunk {
	for _, t := range p.transformers {
		chunk = applyHook(p.logger, t.Name(), "chunkIn", chunk, t.ChunkIn)
	}

	for i := len(p.transformers) - 1; i >= 0; i-- {
		t := p.transformers[i]
		chunk = applyHook(p.logger, t.Name(), "chunkOut", chunk, t.ChunkOut)
	}

	return chunk
}

// applyHook runs one pipeline step fail-open: on error or panic the
// step's input is returned untouched.
func applyHook[T any](logger *slog.Logger, transformer, hook string, in T, fn func(T) (T, error)) (out T) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("transformer hook panicked",
				"transformer", transformer,
				"hook", hook,
				"panic", r,
			)
			out = in
		}
	}()

	out, err := fn(in)
	if err != nil {
		logger.Error("transformer hook failed",
			"transformer", transformer,
			"hook", hook,
			"error", err,
		)

		return in
	}

	return out
}
