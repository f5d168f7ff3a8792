package gateway

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/loopsight/insight/internal/cost"
	"github.com/loopsight/insight/pkg/openai"
)

// OpenAIProvider adapts an OpenAI-compatible chat completion API to the
// Provider interface.
type OpenAIProvider struct {
	client openai.Client
	model  string
	rates  cost.Rates
}

// NewOpenAIProvider wraps an OpenAI-compatible client as a gateway provider.
func NewOpenAIProvider(client openai.Client, model string, rates cost.Rates) *OpenAIProvider {
	return &OpenAIProvider{client: client, model: model, rates: rates}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	prompt, err := BuildPrompt(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.ChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "gateway: openai call")
	}
	if len(resp.Choices) == 0 {
		return nil, eris.New("gateway: openai returned no choices")
	}

	payload, err := ParsePayload(req.Type, resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	tokens := resp.Usage.TotalTokens
	return &GenerateResult{
		Payload:    payload,
		TokensUsed: tokens,
		CostUSD:    float64(tokens) * p.rates.PerToken(p.Name()),
		Provider:   p.Name(),
		Model:      p.model,
	}, nil
}
