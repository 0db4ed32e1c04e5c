package llm

import "fmt"

// Micros is an amount in millionths of a US dollar.
type Micros int64

// USD converts to dollars for display. Never accumulate the result.
func (m Micros) USD() float64 {
	return float64(m) / 1e6
}

// Usage is the token split of one provider call and its cost.
type Usage struct {
	InputTokens      int64  `json:"input_tokens"`
	OutputTokens     int64  `json:"output_tokens"`
	CacheWriteTokens int64  `json:"cache_write_tokens"`
	CacheReadTokens  int64  `json:"cache_read_tokens"`
	CostMicros       Micros `json:"cost_micros"`
}

func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheWriteTokens + u.CacheReadTokens
}

// PriceTable holds the four rates of one model, each in micro-dollars per
// million tokens.
type PriceTable struct {
	Provider   string
	Model      string
	Input      int64
	Output     int64
	CacheWrite int64
	CacheRead  int64
}

// Cost prices u, rounding the total up to the next whole micro-dollar.
func (p PriceTable) Cost(u Usage) Micros {
	n := u.InputTokens*p.Input +
		u.OutputTokens*p.Output +
		u.CacheWriteTokens*p.CacheWrite +
		u.CacheReadTokens*p.CacheRead
	return Micros((n + 999_999) / 1_000_000)
}

var prices = []PriceTable{
	{Provider: "anthropic", Model: "claude-3-5-haiku-20241022", Input: 800_000, Output: 4_000_000, CacheWrite: 1_000_000, CacheRead: 80_000},
	{Provider: "anthropic", Model: "claude-3-5-sonnet-20241022", Input: 3_000_000, Output: 15_000_000, CacheWrite: 3_750_000, CacheRead: 300_000},
	{Provider: "anthropic", Model: "claude-3-haiku-20240307", Input: 250_000, Output: 1_250_000, CacheWrite: 300_000, CacheRead: 30_000},
}

// PriceFor returns the built-in table for model.
func PriceFor(model string) (PriceTable, error) {
	for _, p := range prices {
		if p.Model == model {
			return p, nil
		}
	}
	return PriceTable{}, fmt.Errorf("no price table for model %q", model)
}
