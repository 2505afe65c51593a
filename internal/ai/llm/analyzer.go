package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-analysis-service/internal/indicators"
	"ai-analysis-service/internal/market"
	"ai-analysis-service/internal/settings"
	"ai-analysis-service/internal/signal"
)

// stripMarkdownCodeBlock removes markdown code block formatting from LLM
// responses. Handles formats like: ```json\n{...}\n``` or ```\n{...}\n```
func stripMarkdownCodeBlock(response string) string {
	response = strings.TrimSpace(response)

	re := regexp.MustCompile("(?s)^```(?:json)?\\s*\\n?(.*?)\\n?```$")
	if matches := re.FindStringSubmatch(response); len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}

	return response
}

// AnalyzerConfig holds analyzer configuration
type AnalyzerConfig struct {
	Enabled         bool          `json:"enabled"`
	Provider        Provider      `json:"provider"`
	APIKey          string        `json:"api_key"`
	Model           string        `json:"model"`
	MaxTokens       int           `json:"max_tokens"`
	Temperature     float64       `json:"temperature"`
	Timeout         time.Duration `json:"timeout"`
	BaseURL         string        `json:"base_url,omitempty"`
	CacheDuration   time.Duration `json:"cache_duration"`
	RateLimitPerMin int           `json:"rate_limit_per_min"`
}

// DefaultAnalyzerConfig returns default configuration
func DefaultAnalyzerConfig() *AnalyzerConfig {
	return &AnalyzerConfig{
		Enabled:         true,
		Provider:        ProviderClaude,
		Model:           "claude-sonnet-4-20250514",
		MaxTokens:       1024,
		Temperature:     0.3,
		Timeout:         30 * time.Second,
		CacheDuration:   5 * time.Minute,
		RateLimitPerMin: 10,
	}
}

// TimeframeSnapshot bundles one timeframe's candles with its indicators.
type TimeframeSnapshot struct {
	Candles    market.Series
	Indicators *indicators.Set
}

// Analysis source labels.
const (
	SourceLLM           = "llm"
	SourceDeterministic = "deterministic"
)

// MarketAnalysis is the analyzer's output: either the parsed LLM verdict or
// the deterministic fallback signal.
type MarketAnalysis struct {
	Symbol       string           `json:"symbol"`
	Signal       signal.Direction `json:"signal"`
	Confidence   float64          `json:"confidence"`
	Reasoning    string           `json:"reasoning"`
	Source       string           `json:"source"`
	Provider     Provider         `json:"provider,omitempty"`
	Model        string           `json:"model,omitempty"`
	InputTokens  int              `json:"input_tokens,omitempty"`
	OutputTokens int              `json:"output_tokens,omitempty"`
	CostUSD      float64          `json:"cost_usd"`
	Timestamp    time.Time        `json:"timestamp"`
}

// llmVerdict is the JSON shape requested by SystemPromptMarketAnalysis.
type llmVerdict struct {
	Signal     string  `json:"signal"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// cachedAnalysis holds one cached analysis result
type cachedAnalysis struct {
	analysis  *MarketAnalysis
	timestamp time.Time
}

// Fallback produces a deterministic signal when the LLM is unavailable.
// *signal.ConfidenceModel satisfies this.
type Fallback interface {
	Evaluate(ctx context.Context, votes []signal.TimeframeVote) *signal.Result
	SignalSettings(ctx context.Context) settings.SignalSettings
}

// Analyzer orchestrates LLM-based market analysis with caching, rate
// limiting, cost tracking and a deterministic fallback path.
type Analyzer struct {
	config   *AnalyzerConfig
	client   *Client
	ledger   *CostLedger
	fallback Fallback
	logger   zerolog.Logger

	mu           sync.RWMutex
	cache        map[string]*cachedAnalysis
	requestCount int
	lastReset    time.Time
}

// NewAnalyzer creates a new LLM analyzer
func NewAnalyzer(config *AnalyzerConfig, ledger *CostLedger, fallback Fallback, logger zerolog.Logger) *Analyzer {
	if config == nil {
		config = DefaultAnalyzerConfig()
	}
	if ledger == nil {
		ledger = NewCostLedger()
	}

	clientConfig := &ClientConfig{
		Provider:    config.Provider,
		APIKey:      config.APIKey,
		Model:       config.Model,
		MaxTokens:   config.MaxTokens,
		Temperature: config.Temperature,
		Timeout:     config.Timeout,
		BaseURL:     config.BaseURL,
	}

	return &Analyzer{
		config:    config,
		client:    NewClient(clientConfig),
		ledger:    ledger,
		fallback:  fallback,
		logger:    logger.With().Str("component", "llm_analyzer").Logger(),
		cache:     make(map[string]*cachedAnalysis),
		lastReset: time.Now(),
	}
}

// AnalyzeMarket produces a trading signal for the given symbol. It consults
// the LLM when enabled, configured, under the rate limit and not cached;
// in every failure mode it degrades to the deterministic confidence model
// instead of returning an error to the caller.
func (a *Analyzer) AnalyzeMarket(ctx context.Context, symbol string, frames map[string]TimeframeSnapshot) (*MarketAnalysis, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("failed to analyze %s: no timeframe data", symbol)
	}

	cacheKey := cacheKeyFor(symbol, frames)
	if cached := a.getFromCache(cacheKey); cached != nil {
		return cached, nil
	}

	if !a.config.Enabled || !a.client.IsConfigured() {
		return a.deterministic(ctx, symbol, frames, "llm disabled"), nil
	}

	if !a.checkRateLimit() {
		a.logger.Warn().Str("symbol", symbol).Msg("rate limit reached, using deterministic fallback")
		return a.deterministic(ctx, symbol, frames, "rate limit exceeded"), nil
	}

	prompt := BuildMarketAnalysisPrompt(symbol, frames)

	completion, err := a.client.Complete(ctx, SystemPromptMarketAnalysis, prompt)
	if err != nil {
		a.logger.Warn().Err(err).Str("symbol", symbol).Msg("LLM request failed, using deterministic fallback")
		return a.deterministic(ctx, symbol, frames, "llm request failed"), nil
	}

	cost := a.ledger.Record(a.config.Provider, a.config.Model, completion.InputTokens, completion.OutputTokens)

	var verdict llmVerdict
	clean := stripMarkdownCodeBlock(completion.Text)
	if err := json.Unmarshal([]byte(clean), &verdict); err != nil {
		a.logger.Warn().Err(err).Str("symbol", symbol).Msg("unparseable LLM response, using deterministic fallback")
		return a.deterministic(ctx, symbol, frames, "unparseable llm response"), nil
	}

	analysis := &MarketAnalysis{
		Symbol:       symbol,
		Signal:       normalizeDirection(verdict.Signal),
		Confidence:   clampConfidence(verdict.Confidence),
		Reasoning:    verdict.Reasoning,
		Source:       SourceLLM,
		Provider:     a.config.Provider,
		Model:        a.config.Model,
		InputTokens:  completion.InputTokens,
		OutputTokens: completion.OutputTokens,
		CostUSD:      cost,
		Timestamp:    time.Now().UTC(),
	}

	a.setCache(cacheKey, analysis)

	a.logger.Info().
		Str("symbol", symbol).
		Str("signal", string(analysis.Signal)).
		Float64("confidence", analysis.Confidence).
		Float64("cost_usd", cost).
		Msg("LLM market analysis complete")

	return analysis, nil
}

// deterministic evaluates the confidence model over votes derived from the
// indicator sets.
func (a *Analyzer) deterministic(ctx context.Context, symbol string, frames map[string]TimeframeSnapshot, reason string) *MarketAnalysis {
	cfg := a.fallback.SignalSettings(ctx)

	names := make([]string, 0, len(frames))
	for name := range frames {
		names = append(names, name)
	}
	sort.Strings(names)

	votes := make([]signal.TimeframeVote, 0, len(frames))
	for _, name := range names {
		frame := frames[name]
		if frame.Indicators == nil {
			continue
		}
		votes = append(votes, signal.VoteFromIndicators(name, frame.Indicators, frame.Candles.LastClose(), cfg))
	}

	result := a.fallback.Evaluate(ctx, votes)
	return &MarketAnalysis{
		Symbol:     symbol,
		Signal:     result.Signal,
		Confidence: result.Confidence,
		Reasoning:  fmt.Sprintf("%s (%s)", result.Reasoning, reason),
		Source:     SourceDeterministic,
		Timestamp:  result.Timestamp,
	}
}

// Ledger exposes the cost ledger for the usage endpoint.
func (a *Analyzer) Ledger() *CostLedger {
	return a.ledger
}

// IsEnabled returns if the analyzer will call the LLM
func (a *Analyzer) IsEnabled() bool {
	return a.config.Enabled && a.client.IsConfigured()
}

// ClearCache clears the analysis cache
func (a *Analyzer) ClearCache() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache = make(map[string]*cachedAnalysis)
}

// cacheKeyFor keys the cache by symbol plus the latest candle open time of
// each timeframe, so new candles invalidate naturally.
func cacheKeyFor(symbol string, frames map[string]TimeframeSnapshot) string {
	names := make([]string, 0, len(frames))
	for name := range frames {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(symbol)
	for _, name := range names {
		candles := frames[name].Candles
		last := int64(0)
		if len(candles) > 0 {
			last = candles[len(candles)-1].OpenTime
		}
		fmt.Fprintf(&b, "|%s:%d", name, last)
	}
	return b.String()
}

// getFromCache retrieves a cached analysis
func (a *Analyzer) getFromCache(key string) *MarketAnalysis {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if cached, exists := a.cache[key]; exists {
		if time.Since(cached.timestamp) < a.config.CacheDuration {
			return cached.analysis
		}
	}
	return nil
}

// setCache stores an analysis in the cache
func (a *Analyzer) setCache(key string, analysis *MarketAnalysis) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cache[key] = &cachedAnalysis{
		analysis:  analysis,
		timestamp: time.Now(),
	}
}

// checkRateLimit checks if we're within rate limits
func (a *Analyzer) checkRateLimit() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if time.Since(a.lastReset) > time.Minute {
		a.requestCount = 0
		a.lastReset = time.Now()
	}

	if a.requestCount >= a.config.RateLimitPerMin {
		return false
	}

	a.requestCount++
	return true
}

// normalizeDirection maps free-form LLM direction strings onto the signal
// labels. Anything unrecognized is Neutral.
func normalizeDirection(s string) signal.Direction {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy", "bullish":
		return signal.Long
	case "short", "sell", "bearish":
		return signal.Short
	default:
		return signal.Neutral
	}
}

// clampConfidence bounds a confidence score to [0,1].
func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
