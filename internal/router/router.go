// Package router resolves the model identifier on an inbound request
// to a concrete provider, upstream model name and transport kind.
package router

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitsmaxft/cc-proxy/internal/claude"
	"github.com/hitsmaxft/cc-proxy/internal/config"
)

// Model tiers. Requests pick a tier through naming conventions and the
// config maps each tier to concrete upstream models.
const (
	TierBig    = "big"
	TierMiddle = "middle"
	TierSmall  = "small"
)

// nativePrefixes are model families forwarded as-is when no provider
// claims them explicitly.
var nativePrefixes = []string{"gpt-", "o1-", "o3-", "ep-", "doubao-", "deepseek-"}

// ModelConfig is the immutable routing decision for one request.
type ModelConfig struct {
	Provider     string
	Model        string
	BaseURL      string
	Credential   string
	Kind         string
	ExtraHeaders map[string]string
}

// Router maps requested model names onto the provider catalog.
type Router struct {
	config  *config.Manager
	counter *TokenCounter
	logger  *slog.Logger
}

func New(cfg *config.Manager, logger *slog.Logger) *Router {
	return &Router{
		config:  cfg,
		counter: NewTokenCounter(logger),
		logger:  logger,
	}
}

// Resolve picks the upstream for req.Model.
//
// Order: explicit provider:model, tier keywords (with long-context
// promotion), claude-* default to big, known native prefixes, legacy
// flat model lists, then a hard error.
func (r *Router) Resolve(req *claude.MessagesRequest) (*ModelConfig, error) {
	cfg := r.config.Get()
	model := req.Model

	if provider, rest, ok := strings.Cut(model, ":"); ok && rest != "" {
		p := cfg.FindProvider(provider)
		if p == nil {
			return nil, fmt.Errorf("unknown provider %q in model %q", provider, model)
		}
		return newModelConfig(p, rest), nil
	}

	lower := strings.ToLower(model)

	if tier, ok := tierForModel(lower); ok {
		if tier != TierBig && r.counter.Count(req) > cfg.LongContextThreshold {
			r.logger.Debug("promoting request to big tier for long context", "model", model)
			tier = TierBig
		}
		if mc := r.resolveTier(cfg, tier); mc != nil {
			return mc, nil
		}
		return nil, fmt.Errorf("no provider serves the %s tier for model %q", tier, model)
	}

	for _, prefix := range nativePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return r.resolvePassthrough(cfg, model)
		}
	}

	if mc := r.searchModelLists(cfg, model); mc != nil {
		r.logger.Debug("resolved model via provider model list", "model", model, "provider", mc.Provider)
		return mc, nil
	}

	return nil, fmt.Errorf("no provider serves model %q", model)
}

// tierForModel maps naming conventions to a tier. Unrecognized claude
// models land on the big tier.
func tierForModel(lower string) (string, bool) {
	switch {
	case strings.Contains(lower, "haiku"):
		return TierSmall, true
	case strings.Contains(lower, "sonnet"):
		return TierMiddle, true
	case strings.Contains(lower, "opus"):
		return TierBig, true
	case strings.HasPrefix(lower, "claude-"):
		return TierBig, true
	}
	return "", false
}

// resolveTier finds the first provider with a model in the tier. A
// provider missing the exact tier falls back toward bigger models.
func (r *Router) resolveTier(cfg *config.Config, tier string) *ModelConfig {
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if m := tierModel(p, tier); m != "" {
			return newModelConfig(p, m)
		}
	}
	return nil
}

func tierModel(p *config.Provider, tier string) string {
	order := [][]string{}
	switch tier {
	case TierSmall:
		order = append(order, p.SmallModels, p.MiddleModels, p.BigModels)
	case TierMiddle:
		order = append(order, p.MiddleModels, p.BigModels)
	default:
		order = append(order, p.BigModels)
	}
	for _, models := range order {
		if len(models) > 0 {
			return models[0]
		}
	}
	return ""
}

// resolvePassthrough keeps the requested model name. A provider that
// explicitly lists the model wins; otherwise the first foreign
// provider carries it.
func (r *Router) resolvePassthrough(cfg *config.Config, model string) (*ModelConfig, error) {
	if mc := r.searchModelLists(cfg, model); mc != nil {
		return mc, nil
	}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if !p.IsNative() {
			return newModelConfig(p, model), nil
		}
	}
	return nil, fmt.Errorf("no provider available for model %q", model)
}

func (r *Router) searchModelLists(cfg *config.Config, model string) *ModelConfig {
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		for _, lists := range [][]string{p.BigModels, p.MiddleModels, p.SmallModels, p.Models} {
			for _, m := range lists {
				if strings.EqualFold(m, model) {
					return newModelConfig(p, m)
				}
			}
		}
	}
	return nil
}

func newModelConfig(p *config.Provider, model string) *ModelConfig {
	kind := config.KindForeign
	if p.IsNative() {
		kind = config.KindNative
	}
	return &ModelConfig{
		Provider:     p.Name,
		Model:        model,
		BaseURL:      p.BaseURL,
		Credential:   p.APIKey,
		Kind:         kind,
		ExtraHeaders: p.ExtraHeaders,
	}
}
