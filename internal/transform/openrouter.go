package transform

import (
	"path"
	"strings"

	"github.com/hitsmaxft/cc-proxy/internal/openai"
)

const NameOpenRouter = "openrouter"

// systemCacheThreshold is the minimum system-prompt length, in bytes,
// before a cache_control breakpoint is worth the metadata overhead.
const systemCacheThreshold = 1000

// OpenRouter adapts requests for the OpenRouter aggregator: it opts in
// to usage accounting on every request and marks long system prompts
// with an ephemeral cache_control breakpoint for model families that
// honor it.
type OpenRouter struct {
	Identity

	providers     []string
	cachePatterns []string
}

func NewOpenRouter(opts Options) Transformer {
	return &OpenRouter{
		providers:     opts.Strings("providers", []string{"openrouter"}),
		cachePatterns: opts.Strings("cache_models", []string{"openai/*", "deepseek/*", "anthropic/*"}),
	}
}

func (t *OpenRouter) Name() string { return NameOpenRouter }

func (t *OpenRouter) AppliesTo(provider, model string) bool {
	return matchesProvider(provider, t.providers)
}

func (t *OpenRouter) RequestIn(req *openai.Request) (*openai.Request, error) {
	if req.ExtraQuery == nil {
		req.ExtraQuery = make(map[string]any)
	}
	req.ExtraQuery["usage"] = map[string]any{"include": true}

	if t.cacheEligible(req.Model) {
		markSystemCache(req)
	}

	return req, nil
}

// cacheEligible reports whether the model gets cache_control markers.
// DeepSeek variants reject the field even when routed through vendors
// whose pattern otherwise matches.
func (t *OpenRouter) cacheEligible(model string) bool {
	lower := strings.ToLower(model)
	if strings.Contains(lower, "deepseek") {
		return false
	}

	for _, pattern := range t.cachePatterns {
		if ok, err := path.Match(pattern, lower); err == nil && ok {
			return true
		}
	}

	return false
}

func markSystemCache(req *openai.Request) {
	for i := range req.Messages {
		msg := &req.Messages[i]
		if msg.Role != openai.RoleSystem {
			continue
		}

		switch content := msg.Content.(type) {
		case string:
			if len(content) > systemCacheThreshold {
				msg.Content = []openai.ContentPart{{
					Type:         "text",
					Text:         content,
					CacheControl: map[string]string{"type": "ephemeral"},
				}}
			}
		case []openai.ContentPart:
			for j := range content {
				if content[j].Type == "text" && len(content[j].Text) > systemCacheThreshold {
					content[j].CacheControl = map[string]string{"type": "ephemeral"}
				}
			}
		}
	}
}
