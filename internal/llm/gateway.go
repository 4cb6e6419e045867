// Package llm is the kernel's only bridge to language models. The
// kernel never sees prompts' meaning; it sees token counts and dollar
// cost, which the caller debits before handing text back to an agent.
package llm

import (
	"context"

	"github.com/shopspring/decimal"
)

// Reply is one completed generation with its usage accounting.
type Reply struct {
	Text         string          `json:"text"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	CostUSD      decimal.Decimal `json:"cost_usd"`
}

// Gateway produces text for an agent. Implementations must be safe for
// concurrent use; every loop goroutine shares one gateway.
type Gateway interface {
	Generate(ctx context.Context, agentID, prompt, model string) (*Reply, error)
}

// Pricing converts token usage to USD at per-1000-token rates.
type Pricing struct {
	PerKInput  decimal.Decimal
	PerKOutput decimal.Decimal
}

var thousand = decimal.NewFromInt(1000)

// Cost returns the dollar cost of a single generation.
func (p Pricing) Cost(inputTokens, outputTokens int64) decimal.Decimal {
	in := decimal.NewFromInt(inputTokens).Div(thousand).Mul(p.PerKInput)
	out := decimal.NewFromInt(outputTokens).Div(thousand).Mul(p.PerKOutput)
	return in.Add(out)
}

// estimateTokens is the stub's stand-in for a real tokenizer, roughly
// four characters per token, never zero for non-empty text.
func estimateTokens(s string) int64 {
	if s == "" {
		return 0
	}
	n := int64(len(s)+3) / 4
	if n < 1 {
		n = 1
	}
	return n
}
