package gateway

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/loopsight/insight/internal/cost"
	"github.com/loopsight/insight/pkg/anthropic"
)

const anthropicMaxTokens = 8192

// AnthropicProvider adapts the Anthropic messages API to the Provider
// interface.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
	rates  cost.Rates
}

// NewAnthropicProvider wraps an Anthropic client as a gateway provider.
func NewAnthropicProvider(client anthropic.Client, model string, rates cost.Rates) *AnthropicProvider {
	return &AnthropicProvider{client: client, model: model, rates: rates}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	prompt, err := BuildPrompt(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     p.model,
		MaxTokens: anthropicMaxTokens,
		System:    systemPrompt,
		Prompt:    prompt,
	})
	if err != nil {
		return nil, eris.Wrap(err, "gateway: anthropic call")
	}

	payload, err := ParsePayload(req.Type, resp.Text)
	if err != nil {
		return nil, err
	}

	tokens := resp.Usage.Total()
	return &GenerateResult{
		Payload:    payload,
		TokensUsed: int(tokens),
		CostUSD:    float64(tokens) * p.rates.PerToken(p.Name()),
		Provider:   p.Name(),
		Model:      resp.Model,
	}, nil
}
