package transform

import "github.com/hitsmaxft/cc-proxy/internal/openai"

const NameMaxTokens = "maxtokens"

// defaultTokenBudget pads the completion limit so providers that treat
// max_tokens as a combined prompt+completion budget still leave room
// for the requested output.
const defaultTokenBudget = 5000

// MaxTokens moves the caller's completion limit into the max_new_tokens
// side channel and inflates max_tokens by a fixed budget. Some gateways
// bill and truncate on the combined window; this keeps the original
// intent reachable by the provider while satisfying their schema.
type MaxTokens struct {
	Identity

	providers []string
	budget    int
}

func NewMaxTokens(opts Options) Transformer {
	return &MaxTokens{
		providers: opts.Strings("providers", nil),
		budget:    opts.Int("budget", defaultTokenBudget),
	}
}

func (t *MaxTokens) Name() string { return NameMaxTokens }

func (t *MaxTokens) AppliesTo(provider, model string) bool {
	return matchesProvider(provider, t.providers)
}

func (t *MaxTokens) RequestIn(req *openai.Request) (*openai.Request, error) {
	if req.MaxTokens <= 0 {
		return req, nil
	}

	if req.ExtraQuery == nil {
		req.ExtraQuery = make(map[string]any)
	}
	req.ExtraQuery["max_new_tokens"] = req.MaxTokens
	req.MaxTokens += t.budget

	return req, nil
}
