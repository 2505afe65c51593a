package llm

import (
	"sort"
	"sync"
	"time"
)

// modelPricing is USD per one million tokens.
type modelPricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// pricingTable holds static per-model pricing. Unknown models fall back to
// their provider's default entry so totals never silently drop a request.
var pricingTable = map[string]modelPricing{
	"claude-sonnet-4-20250514": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-3-5-haiku-latest":  {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"gpt-4o":                   {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"gpt-4o-mini":              {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"deepseek-chat":            {InputPerMTok: 0.27, OutputPerMTok: 1.10},
}

var providerDefaultPricing = map[Provider]modelPricing{
	ProviderClaude:   {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	ProviderOpenAI:   {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	ProviderDeepSeek: {InputPerMTok: 0.27, OutputPerMTok: 1.10},
}

// UsageEntry accumulates token and cost totals for one provider/model pair.
type UsageEntry struct {
	Provider     Provider  `json:"provider"`
	Model        string    `json:"model"`
	Requests     int64     `json:"requests"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LastUsed     time.Time `json:"last_used"`
}

// UsageSummary is a point-in-time snapshot of the ledger.
type UsageSummary struct {
	TotalRequests     int64        `json:"total_requests"`
	TotalInputTokens  int64        `json:"total_input_tokens"`
	TotalOutputTokens int64        `json:"total_output_tokens"`
	TotalCostUSD      float64      `json:"total_cost_usd"`
	ByModel           []UsageEntry `json:"by_model"`
}

// CostLedger tracks LLM token consumption and estimated spend in memory.
// Safe for concurrent use.
type CostLedger struct {
	mu      sync.Mutex
	entries map[string]*UsageEntry
}

// NewCostLedger creates an empty ledger.
func NewCostLedger() *CostLedger {
	return &CostLedger{entries: make(map[string]*UsageEntry)}
}

// Record adds one request's token counts to the ledger and returns the
// estimated cost of that request in USD.
func (l *CostLedger) Record(provider Provider, model string, inputTokens, outputTokens int) float64 {
	pricing, ok := pricingTable[model]
	if !ok {
		pricing = providerDefaultPricing[provider]
	}
	cost := float64(inputTokens)/1e6*pricing.InputPerMTok + float64(outputTokens)/1e6*pricing.OutputPerMTok

	key := string(provider) + "/" + model

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.entries[key]
	if !exists {
		entry = &UsageEntry{Provider: provider, Model: model}
		l.entries[key] = entry
	}
	entry.Requests++
	entry.InputTokens += int64(inputTokens)
	entry.OutputTokens += int64(outputTokens)
	entry.CostUSD += cost
	entry.LastUsed = time.Now().UTC()

	return cost
}

// Summary returns a copy of the current totals.
func (l *CostLedger) Summary() UsageSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	var summary UsageSummary
	for _, entry := range l.entries {
		summary.TotalRequests += entry.Requests
		summary.TotalInputTokens += entry.InputTokens
		summary.TotalOutputTokens += entry.OutputTokens
		summary.TotalCostUSD += entry.CostUSD
		summary.ByModel = append(summary.ByModel, *entry)
	}
	sort.Slice(summary.ByModel, func(i, j int) bool {
		a, b := summary.ByModel[i], summary.ByModel[j]
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return a.Model < b.Model
	})
	return summary
}

// Reset clears all accumulated totals.
func (l *CostLedger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*UsageEntry)
}
