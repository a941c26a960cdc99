package transform

import (
	"fmt"
	"log/slog"
)

// Factory builds a transformer instance from its configured options.
type Factory func(opts Options) Transformer

// Registry holds the transformers known to the gateway. Registration
// happens once at startup with an explicit list; selection per request
// walks the registration order and keeps every transformer whose
// predicate matches.
type Registry struct {
	logger    *slog.Logger
	order     []string
	factories map[string]Factory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger,
		factories: make(map[string]Factory),
	}
}

// Register adds a named transformer factory. Registering the same name
// twice is a programming error.
func (r *Registry) Register(name string, factory Factory) error {
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("transformer %q already registered", name)
	}

	r.order = append(r.order, name)
	r.factories[name] = factory

	return nil
}

// Names returns the registered transformer names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)

	return out
}

// ForModel selects the active transformers for a (provider, model)
// pair. configs is the name-keyed transformer table from the
// configuration; transformers absent from the table are enabled with
// default options.
func (r *Registry) ForModel(provider, model string, configs map[string]Config) *Pipeline {
	var active []Transformer

	for _, name := range r.order {
		cfg := configs[name]
		if !cfg.IsEnabled() {
			continue
		}

		transformer := r.factories[name](Options(cfg.Options))
		if !transformer.AppliesTo(provider, model) {
			continue
		}

		r.logger.Debug("transformer selected",
			"transformer", name,
			"provider", provider,
			"model", model,
		)

		active = append(active, transformer)
	}

	return NewPipeline(active, r.logger)
}

// RegisterBuiltins installs the stock transformers in their pipeline
// order.
func RegisterBuiltins(r *Registry) error {
	builtins := []struct {
		name    string
		factory Factory
	}{
		{NameToolUse, NewToolUse},
		{NameOpenRouter, NewOpenRouter},
		{NameMaxTokens, NewMaxTokens},
	}

	for _, b := range builtins {
		if err := r.Register(b.name, b.factory); err != nil {
			return err
		}
	}

	return nil
}
