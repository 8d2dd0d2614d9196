package topic

// ModelRate holds per-million-token USD prices for one model.
type ModelRate struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// modelRates prices the models the orchestrator is configured to call.
// Unknown models cost zero rather than guessing a rate.
var modelRates = map[string]ModelRate{
	"gpt-4o":       {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"gpt-4o-mini":  {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4.1":      {InputPerMTok: 2.00, OutputPerMTok: 8.00},
	"gpt-4.1-mini": {InputPerMTok: 0.40, OutputPerMTok: 1.60},
	"gpt-4.1-nano": {InputPerMTok: 0.10, OutputPerMTok: 0.40},
	"o4-mini":      {InputPerMTok: 1.10, OutputPerMTok: 4.40},
}

// CostUSD prices one call's token usage.
func CostUSD(u Usage) float64 {
	rate, ok := modelRates[u.Model]
	if !ok {
		return 0
	}
	return float64(u.InputTokens)/1e6*rate.InputPerMTok +
		float64(u.OutputTokens)/1e6*rate.OutputPerMTok
}

// UsageStats accumulates token counts and derived cost across all analysis
// and compression calls for one session.
type UsageStats struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	Calls        int     `json:"calls"`
	CostUSD      float64 `json:"costUsd"`
}

func (s *UsageStats) add(u Usage) float64 {
	cost := CostUSD(u)
	s.InputTokens += u.InputTokens
	s.OutputTokens += u.OutputTokens
	s.Calls++
	s.CostUSD += cost
	return cost
}
