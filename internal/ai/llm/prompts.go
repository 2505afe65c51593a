package llm

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"ai-analysis-service/internal/indicators"
	"ai-analysis-service/internal/market"
)

// SystemPromptMarketAnalysis asks for a strict-JSON trading signal.
const SystemPromptMarketAnalysis = `You are an expert cryptocurrency trading analyst. Analyze the provided multi-timeframe indicator data and give a clear trading recommendation.

Your response must be valid JSON with exactly this structure and nothing else:
{
  "signal": "Long" | "Short" | "Neutral",
  "confidence": 0.0-1.0,
  "reasoning": "brief explanation"
}

Be conservative with confidence scores. Only give high confidence (>0.7) when multiple indicators align across timeframes.
If timeframes disagree or the data is ambiguous, answer Neutral.`

// BuildMarketAnalysisPrompt assembles the user prompt from per-timeframe
// candle and indicator summaries. Timeframes are emitted in sorted order so
// identical inputs produce identical prompts, which keeps the response cache
// effective.
func BuildMarketAnalysisPrompt(symbol string, frames map[string]TimeframeSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s\n", symbol)

	names := make([]string, 0, len(frames))
	for name := range frames {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		frame := frames[name]
		fmt.Fprintf(&b, "\n=== Timeframe %s ===\n", name)
		b.WriteString(formatCandles(frame.Candles))
		b.WriteString("\nIndicators:\n")
		b.WriteString(formatIndicators(frame.Candles, frame.Indicators))
		if frame.Indicators != nil && anyPattern(frame.Indicators.Patterns) {
			fmt.Fprintf(&b, "Detected patterns: %s\n", patternNames(frame.Indicators.Patterns))
		}
	}

	b.WriteString("\nProvide your trading recommendation as JSON.")
	return b.String()
}

// formatCandles renders recent candles as a compact table. Limited to the
// last 50 for token efficiency.
func formatCandles(s market.Series) string {
	if len(s) == 0 {
		return "No data\n"
	}

	start := 0
	if len(s) > 50 {
		start = len(s) - 50
	}

	var b strings.Builder
	b.WriteString("Time | Open | High | Low | Close | Volume\n")
	for i := start; i < len(s); i++ {
		c := s[i]
		openTime := time.Unix(c.OpenTime/1000, 0).UTC()
		fmt.Fprintf(&b, "%s | %.8f | %.8f | %.8f | %.8f | %.2f\n",
			openTime.Format("15:04"), c.Open, c.High, c.Low, c.Close, c.Volume)
	}
	return b.String()
}

// formatIndicators renders the latest defined indicator values.
func formatIndicators(s market.Series, set *indicators.Set) string {
	if set == nil || set.Length == 0 {
		return "Insufficient data for indicators\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Current Price: %.8f\n", s.LastClose())

	if v, ok := latest(set.Momentum.RSI); ok {
		fmt.Fprintf(&b, "RSI: %.2f\n", v)
	}
	if v, ok := latest(set.Momentum.StochK); ok {
		fmt.Fprintf(&b, "Stochastic %%K: %.2f\n", v)
	}
	if v, ok := latest(set.MACD.Histogram); ok {
		fmt.Fprintf(&b, "MACD Histogram: %.8f\n", v)
	}
	if u, ok := latest(set.Bollinger.Upper); ok {
		l, _ := latest(set.Bollinger.Lower)
		fmt.Fprintf(&b, "Bollinger Bands: %.8f - %.8f\n", l, u)
	}
	if v, ok := latest(set.Volatility.ATR); ok {
		fmt.Fprintf(&b, "ATR: %.8f\n", v)
	}

	periods := append([]int(nil), set.Trend.Periods...)
	sort.Ints(periods)
	for _, p := range periods {
		if v, ok := latest(set.Trend.EMA[p]); ok {
			fmt.Fprintf(&b, "EMA%d: %.8f\n", p, v)
		}
	}

	if set.Volume.HasVolume {
		if v, ok := latest(set.Volume.VolumeSMA); ok {
			fmt.Fprintf(&b, "Volume SMA: %.2f\n", v)
		}
	}
	return b.String()
}

// latest returns the most recent defined value of a series.
func latest(series []float64) (float64, bool) {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) {
			return series[i], true
		}
	}
	return 0, false
}

func anyPattern(p indicators.PatternFlags) bool {
	return p.DoubleTop || p.DoubleBottom || p.HeadAndShoulders ||
		p.AscendingTriangle || p.DescendingTriangle ||
		p.BullishFlag || p.BearishFlag || p.CupAndHandle
}

func patternNames(p indicators.PatternFlags) string {
	var names []string
	if p.DoubleTop {
		names = append(names, "double top")
	}
	if p.DoubleBottom {
		names = append(names, "double bottom")
	}
	if p.HeadAndShoulders {
		names = append(names, "head and shoulders")
	}
	if p.AscendingTriangle {
		names = append(names, "ascending triangle")
	}
	if p.DescendingTriangle {
		names = append(names, "descending triangle")
	}
	if p.BullishFlag {
		names = append(names, "bullish flag")
	}
	if p.BearishFlag {
		names = append(names, "bearish flag")
	}
	if p.CupAndHandle {
		names = append(names, "cup and handle")
	}
	return strings.Join(names, ", ")
}
