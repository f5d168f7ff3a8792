package cost

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// ProviderRate holds per-provider token pricing (USD per million tokens).
type ProviderRate struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// Rates maps provider name to pricing.
type Rates map[string]ProviderRate

// PerToken returns the blended USD cost per token for rough comparisons,
// weighting input 3:1 over output to match typical analysis prompts. An
// unknown or empty provider is priced at the costliest known rate so
// estimates stay conservative.
func (r Rates) PerToken(provider string) float64 {
	rate, ok := r[provider]
	if !ok {
		var max float64
		for _, other := range r {
			if v := (other.InputPerMTok*0.75 + other.OutputPerMTok*0.25) / 1e6; v > max {
				max = v
			}
		}
		return max
	}
	return (rate.InputPerMTok*0.75 + rate.OutputPerMTok*0.25) / 1e6
}

// DefaultRates returns the default pricing table.
func DefaultRates() Rates {
	return Rates{
		"anthropic": {InputPerMTok: 0.80, OutputPerMTok: 4.00},
		"openai":    {InputPerMTok: 0.60, OutputPerMTok: 2.40},
	}
}

// LoadRates reads a pricing table from a YAML file and overlays it on the
// defaults, so a partial file only overrides the providers it names.
func LoadRates(path string) (Rates, error) {
	rates := DefaultRates()
	if path == "" {
		return rates, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "cost: read rates %s", path)
	}

	var wrapper struct {
		Providers Rates `yaml:"providers"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "cost: parse rates")
	}
	for name, rate := range wrapper.Providers {
		rates[name] = rate
	}
	return rates, nil
}
