package orchestrator

import "github.com/xynenyx/llm-service/internal/provider"

// costRate holds USD per 1K tokens.
type costRate struct {
	input  float64
	output float64
}

// costRates maps model ids to billing rates. Unknown models bill at zero
// rather than guessing.
var costRates = map[string]costRate{
	"gpt-4o":                     {input: 0.005, output: 0.015},
	"gpt-4o-mini":                {input: 0.00015, output: 0.0006},
	"gpt-4-turbo":                {input: 0.01, output: 0.03},
	"gpt-4":                      {input: 0.03, output: 0.06},
	"gpt-3.5-turbo":              {input: 0.0005, output: 0.0015},
	"text-embedding-ada-002":     {input: 0.0001, output: 0},
	"claude-3-5-sonnet-20241022": {input: 0.003, output: 0.015},
	"claude-3-5-haiku-20241022":  {input: 0.0008, output: 0.004},
	"claude-3-opus-20240229":     {input: 0.015, output: 0.075},
	"claude-3-haiku-20240307":    {input: 0.00025, output: 0.00125},
	"gemini-1.5-pro":             {input: 0.00125, output: 0.005},
	"gemini-1.5-flash":           {input: 0.000075, output: 0.0003},
	"gemini-2.0-flash":           {input: 0.0001, output: 0.0004},
}

// costUSD prices a usage triple against the model's rate table.
func costUSD(model string, u provider.Usage) float64 {
	rate, ok := costRates[model]
	if !ok {
		return 0
	}
	return float64(u.PromptTokens)/1000*rate.input + float64(u.CompletionTokens)/1000*rate.output
}
