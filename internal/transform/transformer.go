// Package transform implements the per-provider request/response
// middleware pipeline. Transformers are selected by predicate for each
// (provider, model) pair and composed with onion semantics.
package transform

import (
	"strings"

	"github.com/hitsmaxft/cc-proxy/internal/openai"
)

// Transformer is one named middleware unit. Every hook defaults to
// identity; implementations embed Identity and override what they need.
type Transformer interface {
	Name() string

	// AppliesTo reports whether this transformer participates in the
	// pipeline for the given provider and model.
	AppliesTo(provider, model string) bool

	RequestIn(req *openai.Request) (*openai.Request, error)
	RequestOut(req *openai.Request) (*openai.Request, error)

	ResponseIn(resp *openai.Response) (*openai.Response, error)
	ResponseOut(resp *openai.Response) (*openai.Response, error)

	ChunkIn(chunk *openai.Chunk) (*openai.Chunk, error)
	ChunkOut(chunk *openai.Chunk) (*openai.Chunk, error)
}

// Identity provides no-op defaults for all hooks.
type Identity struct{}

func (Identity) RequestIn(req *openai.Request) (*openai.Request, error)   { return req, nil }
func (Identity) RequestOut(req *openai.Request) (*openai.Request, error)  { return req, nil }
func (Identity) ResponseIn(r *openai.Response) (*openai.Response, error)  { return r, nil }
func (Identity) ResponseOut(r *openai.Response) (*openai.Response, error) { return r, nil }
func (Identity) ChunkIn(c *openai.Chunk) (*openai.Chunk, error)           { return c, nil }
func (Identity) ChunkOut(c *openai.Chunk) (*openai.Chunk, error)          { return c, nil }

// Options carries per-transformer settings from the configuration file.
type Options map[string]any

// Config is the per-transformer entry of the configuration's
// transformer table. Unknown transformers default to enabled.
type Config struct {
	Enabled *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

func (c Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Strings reads a string-list option, falling back to def when the key
// is missing or malformed.
func (o Options) Strings(key string, def []string) []string {
	raw, ok := o[key]
	if !ok {
		return def
	}

	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}

		if len(out) > 0 {
			return out
		}
	}

	return def
}

// Int reads an integer option with a default.
func (o Options) Int(key string, def int) int {
	switch v := o[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

// matchesProvider is the shared provider allow-list predicate.
func matchesProvider(provider string, allowed []string) bool {
	for _, candidate := range allowed {
		if strings.EqualFold(provider, candidate) {
			return true
		}
	}

	return false
}
