package indicators

import (
	"math"

	"ai-analysis-service/internal/market"
)

// PatternFlags holds one boolean per recognized chart pattern, evaluated over
// the trailing lookback window. Insufficient data yields all-false flags.
type PatternFlags struct {
	DoubleTop          bool `json:"double_top"`
	DoubleBottom       bool `json:"double_bottom"`
	HeadAndShoulders   bool `json:"head_and_shoulders"`
	AscendingTriangle  bool `json:"ascending_triangle"`
	DescendingTriangle bool `json:"descending_triangle"`
	BullishFlag        bool `json:"bullish_flag"`
	BearishFlag        bool `json:"bearish_flag"`
	CupAndHandle       bool `json:"cup_and_handle"`
}

// minPatternBars is the smallest window in which any supported pattern can
// form (pole + consolidation, or three swing points with separation).
const minPatternBars = 10

// peakTolerance is the relative tolerance for "equal" swing levels.
const peakTolerance = 0.02

// DetectPatterns evaluates every supported pattern over the trailing lookback
// window. It never returns an error: malformed or short input simply produces
// all-false flags.
func (e *Engine) DetectPatterns(s market.Series) PatternFlags {
	lookback := e.cfg.PatternLookback
	if lookback <= 0 {
		lookback = DefaultConfig().PatternLookback
	}
	if len(s) < minPatternBars {
		return PatternFlags{}
	}
	if len(s) > lookback {
		s = s[len(s)-lookback:]
	}
	for _, c := range s {
		if !isFinite(c.High) || !isFinite(c.Low) || !isFinite(c.Close) {
			return PatternFlags{}
		}
	}

	highs := swingHighs(s)
	lows := swingLows(s)

	return PatternFlags{
		DoubleTop:          isDoubleTop(s, highs),
		DoubleBottom:       isDoubleBottom(s, lows),
		HeadAndShoulders:   isHeadAndShoulders(s, highs),
		AscendingTriangle:  isAscendingTriangle(s, highs, lows),
		DescendingTriangle: isDescendingTriangle(s, highs, lows),
		BullishFlag:        isFlag(s, true),
		BearishFlag:        isFlag(s, false),
		CupAndHandle:       isCupAndHandle(s),
	}
}

// swingHighs returns indices of local maxima with a 2-bar confirmation on
// each side.
func swingHighs(s market.Series) []int {
	var out []int
	for i := 2; i < len(s)-2; i++ {
		h := s[i].High
		if h > s[i-1].High && h > s[i-2].High && h >= s[i+1].High && h >= s[i+2].High {
			out = append(out, i)
		}
	}
	return out
}

func swingLows(s market.Series) []int {
	var out []int
	for i := 2; i < len(s)-2; i++ {
		l := s[i].Low
		if l < s[i-1].Low && l < s[i-2].Low && l <= s[i+1].Low && l <= s[i+2].Low {
			out = append(out, i)
		}
	}
	return out
}

// isDoubleTop checks for two swing highs at near-equal levels with a
// meaningful trough between them.
func isDoubleTop(s market.Series, highs []int) bool {
	for i := 0; i < len(highs); i++ {
		for j := i + 1; j < len(highs); j++ {
			a, b := highs[i], highs[j]
			if b-a < 3 {
				continue
			}
			if !nearEqual(s[a].High, s[b].High, peakTolerance) {
				continue
			}
			trough := lowestLow(s, a, b)
			if trough < math.Min(s[a].High, s[b].High)*(1-peakTolerance) {
				return true
			}
		}
	}
	return false
}

func isDoubleBottom(s market.Series, lows []int) bool {
	for i := 0; i < len(lows); i++ {
		for j := i + 1; j < len(lows); j++ {
			a, b := lows[i], lows[j]
			if b-a < 3 {
				continue
			}
			if !nearEqual(s[a].Low, s[b].Low, peakTolerance) {
				continue
			}
			crest := highestHigh(s, a, b)
			if crest > math.Max(s[a].Low, s[b].Low)*(1+peakTolerance) {
				return true
			}
		}
	}
	return false
}

// isHeadAndShoulders checks for three consecutive swing highs with the middle
// one clearly above near-equal shoulders.
func isHeadAndShoulders(s market.Series, highs []int) bool {
	for i := 0; i+2 < len(highs); i++ {
		left, head, right := highs[i], highs[i+1], highs[i+2]
		if s[head].High <= s[left].High || s[head].High <= s[right].High {
			continue
		}
		if !nearEqual(s[left].High, s[right].High, 0.03) {
			continue
		}
		if s[head].High > math.Max(s[left].High, s[right].High)*(1+0.01) {
			return true
		}
	}
	return false
}

// isAscendingTriangle checks for flat resistance (near-equal swing highs)
// with rising swing lows.
func isAscendingTriangle(s market.Series, highs, lows []int) bool {
	if len(highs) < 2 || len(lows) < 2 {
		return false
	}
	h1, h2 := highs[len(highs)-2], highs[len(highs)-1]
	if !nearEqual(s[h1].High, s[h2].High, 0.01) {
		return false
	}
	l1, l2 := lows[len(lows)-2], lows[len(lows)-1]
	return s[l2].Low > s[l1].Low*(1+0.005)
}

func isDescendingTriangle(s market.Series, highs, lows []int) bool {
	if len(highs) < 2 || len(lows) < 2 {
		return false
	}
	l1, l2 := lows[len(lows)-2], lows[len(lows)-1]
	if !nearEqual(s[l1].Low, s[l2].Low, 0.01) {
		return false
	}
	h1, h2 := highs[len(highs)-2], highs[len(highs)-1]
	return s[h2].High < s[h1].High*(1-0.005)
}

// isFlag checks for a strong directional pole followed by a tight
// counter-trend consolidation channel.
func isFlag(s market.Series, bullish bool) bool {
	n := len(s)
	poleEnd := n * 2 / 3
	if poleEnd < 3 || n-poleEnd < 3 {
		return false
	}

	poleStart := s[0].Close
	poleTop := s[poleEnd-1].Close
	if poleStart <= 0 {
		return false
	}
	poleMove := (poleTop - poleStart) / poleStart

	flagStart := s[poleEnd].Close
	flagEnd := s[n-1].Close
	flagRange := highestHigh(s, poleEnd, n-1) - lowestLow(s, poleEnd, n-1)

	if bullish {
		// Pole up at least 4%, consolidation drifting flat-to-down within
		// half the pole's height.
		return poleMove > 0.04 &&
			flagEnd <= flagStart &&
			flagRange < math.Abs(poleTop-poleStart)*0.5
	}
	return poleMove < -0.04 &&
		flagEnd >= flagStart &&
		flagRange < math.Abs(poleTop-poleStart)*0.5
}

// isCupAndHandle checks for a U-shaped base recovering to the prior level
// with a shallow handle dip at the end.
func isCupAndHandle(s market.Series) bool {
	n := len(s)
	handleLen := n / 5
	if handleLen < 2 {
		return false
	}
	cup := s[:n-handleLen]

	rim := cup[0].Close
	if rim <= 0 {
		return false
	}
	bottomIdx := 0
	bottom := cup[0].Low
	for i, c := range cup {
		if c.Low < bottom {
			bottom = c.Low
			bottomIdx = i
		}
	}
	// Bottom in the middle third, depth at least 5%, recovery within 3% of
	// the rim.
	if bottomIdx < len(cup)/3 || bottomIdx > len(cup)*2/3 {
		return false
	}
	if (rim-bottom)/rim < 0.05 {
		return false
	}
	recovered := cup[len(cup)-1].Close
	if !nearEqual(recovered, rim, 0.03) {
		return false
	}

	// Handle: shallow dip, never below the cup midpoint.
	handleLow := lowestLow(s, n-handleLen, n-1)
	return handleLow > bottom+(rim-bottom)*0.5
}

func lowestLow(s market.Series, from, to int) float64 {
	low := s[from].Low
	for i := from; i <= to; i++ {
		low = math.Min(low, s[i].Low)
	}
	return low
}

func highestHigh(s market.Series, from, to int) float64 {
	high := s[from].High
	for i := from; i <= to; i++ {
		high = math.Max(high, s[i].High)
	}
	return high
}

func nearEqual(a, b, tolerance float64) bool {
	if a == 0 && b == 0 {
		return true
	}
	base := math.Max(math.Abs(a), math.Abs(b))
	return math.Abs(a-b) <= base*tolerance
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
