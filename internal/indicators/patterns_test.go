package indicators

import (
	"math"
	"testing"

	"ai-analysis-service/internal/market"
)

// seriesFromHighs builds candles where high is the given value, low sits a
// fixed spread below and close splits the difference.
func seriesFromHighs(highs ...float64) market.Series {
	s := make(market.Series, len(highs))
	for i, h := range highs {
		s[i] = market.Candle{
			OpenTime: int64(i) * 60_000,
			Open:     h - 0.5,
			High:     h,
			Low:      h - 1,
			Close:    h - 0.5,
			Volume:   1000,
		}
	}
	return s
}

func TestPatternsShortInput(t *testing.T) {
	engine := testEngine()
	flags := engine.DetectPatterns(trendingSeries(9))
	if flags != (PatternFlags{}) {
		t.Fatalf("flags for 9 bars = %+v, want all false", flags)
	}
}

func TestPatternsMonotonicTrend(t *testing.T) {
	engine := testEngine()
	highs := make([]float64, 30)
	for i := range highs {
		highs[i] = 100 + float64(i)
	}
	flags := engine.DetectPatterns(seriesFromHighs(highs...))
	if flags != (PatternFlags{}) {
		t.Fatalf("flags for monotonic rise = %+v, want all false", flags)
	}
}

func TestDoubleTop(t *testing.T) {
	engine := testEngine()
	// Two confirmed swing highs at 110 with a trough near 100 between them.
	highs := []float64{
		100, 102, 104, 106, 108, 110, 108, 106, 103, 100,
		101, 103, 105, 107, 110, 108, 106, 104, 102, 100,
	}
	flags := engine.DetectPatterns(seriesFromHighs(highs...))
	if !flags.DoubleTop {
		t.Fatal("double top not detected")
	}
}

func TestDoubleBottom(t *testing.T) {
	engine := testEngine()
	lows := []float64{
		110, 108, 106, 104, 102, 100, 102, 104, 107, 110,
		109, 107, 105, 103, 100, 102, 104, 106, 108, 110,
	}
	s := make(market.Series, len(lows))
	for i, l := range lows {
		s[i] = market.Candle{
			OpenTime: int64(i) * 60_000,
			Open:     l + 0.5,
			High:     l + 1,
			Low:      l,
			Close:    l + 0.5,
			Volume:   1000,
		}
	}
	flags := engine.DetectPatterns(s)
	if !flags.DoubleBottom {
		t.Fatal("double bottom not detected")
	}
}

func TestHeadAndShoulders(t *testing.T) {
	engine := testEngine()
	highs := []float64{
		100, 102, 105, 103, 101,
		104, 107, 110, 107, 104,
		102, 105, 103, 101, 100, 99,
	}
	flags := engine.DetectPatterns(seriesFromHighs(highs...))
	if !flags.HeadAndShoulders {
		t.Fatal("head and shoulders not detected")
	}
}

func TestBullishFlag(t *testing.T) {
	engine := testEngine()
	// Pole: +10% over the first ten bars. Consolidation: flat-to-down drift
	// in a tight channel.
	s := make(market.Series, 15)
	for i := 0; i < 10; i++ {
		c := 100 + float64(i)*1.1
		s[i] = market.Candle{OpenTime: int64(i) * 60_000, Open: c - 0.3, High: c + 0.3, Low: c - 0.4, Close: c, Volume: 1000}
	}
	for i := 10; i < 15; i++ {
		c := 109.8 - float64(i-10)*0.1
		s[i] = market.Candle{OpenTime: int64(i) * 60_000, Open: c + 0.05, High: c + 0.1, Low: c - 0.1, Close: c, Volume: 800}
	}

	flags := engine.DetectPatterns(s)
	if !flags.BullishFlag {
		t.Fatal("bullish flag not detected")
	}
	if flags.BearishFlag {
		t.Fatal("bearish flag misdetected on an uptrend")
	}
}

func TestPatternsRejectNonFiniteData(t *testing.T) {
	engine := testEngine()
	s := trendingSeries(30)
	s[12].Close = math.NaN()

	flags := engine.DetectPatterns(s)
	if flags != (PatternFlags{}) {
		t.Fatalf("flags with NaN data = %+v, want all false", flags)
	}
}
