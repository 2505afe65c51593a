// Package signal turns indicator agreement across timeframes into a bounded,
// reproducible trading signal. It is the deterministic counterpart (and
// sanity check) of the LLM analyzer.
package signal

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ai-analysis-service/internal/indicators"
	"ai-analysis-service/internal/settings"
)

// Direction is the discrete signal label.
type Direction string

const (
	Long    Direction = "Long"
	Short   Direction = "Short"
	Neutral Direction = "Neutral"
)

// Result is one produced trading signal. Immutable once created.
type Result struct {
	Signal     Direction `json:"signal"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning"`
	Timestamp  time.Time `json:"timestamp"`
}

// TimeframeVote holds the indicator names voting long and short on one
// timeframe.
type TimeframeVote struct {
	Timeframe string
	Long      []string
	Short     []string
}

// SettingsProvider supplies the current signal settings. The settings cache
// satisfies this; it never blocks and never errors.
type SettingsProvider interface {
	GetSettings(ctx context.Context) *settings.Snapshot
}

// ConfidenceModel combines per-timeframe indicator votes into a signal.
type ConfidenceModel struct {
	provider SettingsProvider
	logger   zerolog.Logger
}

// NewConfidenceModel creates a confidence model.
func NewConfidenceModel(provider SettingsProvider, logger zerolog.Logger) *ConfidenceModel {
	return &ConfidenceModel{
		provider: provider,
		logger:   logger.With().Str("component", "signal").Logger(),
	}
}

// SignalSettings returns the currently synced signal settings.
func (m *ConfidenceModel) SignalSettings(ctx context.Context) settings.SignalSettings {
	return m.provider.GetSettings(ctx).Signal
}

// Evaluate produces a signal from the given votes.
//
//	confidence = base + perTimeframe * min(agreeingTimeframes, minTimeframes)
//
// clamped to [0,1]. The signal is directional only when at least
// minIndicators distinct indicators agree across at least minTimeframes
// timeframes; an exact long/short tie is always Neutral.
func (m *ConfidenceModel) Evaluate(ctx context.Context, votes []TimeframeVote) *Result {
	cfg := m.provider.GetSettings(ctx).Signal

	totalLong, totalShort := 0, 0
	for _, v := range votes {
		totalLong += len(v.Long)
		totalShort += len(v.Short)
	}

	if totalLong == totalShort {
		return &Result{
			Signal:     Neutral,
			Confidence: clamp01(cfg.ConfidenceBase),
			Reasoning:  fmt.Sprintf("no directional bias: %d long vs %d short indicator votes", totalLong, totalShort),
			Timestamp:  time.Now().UTC(),
		}
	}

	dir := Long
	if totalShort > totalLong {
		dir = Short
	}

	agreeingTFs := 0
	distinct := make(map[string]struct{})
	for _, v := range votes {
		with, against := v.Long, v.Short
		if dir == Short {
			with, against = v.Short, v.Long
		}
		if len(with) > len(against) {
			agreeingTFs++
		}
		for _, name := range with {
			distinct[name] = struct{}{}
		}
	}

	capped := agreeingTFs
	if capped > cfg.MinRequiredTimeframes {
		capped = cfg.MinRequiredTimeframes
	}
	confidence := clamp01(cfg.ConfidenceBase + cfg.ConfidencePerTimeframe*float64(capped))

	if agreeingTFs < cfg.MinRequiredTimeframes || len(distinct) < cfg.MinRequiredIndicators {
		return &Result{
			Signal:     Neutral,
			Confidence: confidence,
			Reasoning: fmt.Sprintf("%s bias below thresholds: %d/%d timeframes, %d/%d indicators",
				strings.ToLower(string(dir)), agreeingTFs, cfg.MinRequiredTimeframes, len(distinct), cfg.MinRequiredIndicators),
			Timestamp: time.Now().UTC(),
		}
	}

	names := make([]string, 0, len(distinct))
	for name := range distinct {
		names = append(names, name)
	}
	sort.Strings(names)

	return &Result{
		Signal:     dir,
		Confidence: confidence,
		Reasoning: fmt.Sprintf("%d timeframes agree %s (%s)",
			agreeingTFs, strings.ToLower(string(dir)), strings.Join(names, ", ")),
		Timestamp: time.Now().UTC(),
	}
}

// Indicator vote names. Distinctness is computed over these.
const (
	VoteRSI        = "rsi"
	VoteMACD       = "macd"
	VoteEMATrend   = "ema_trend"
	VoteBollinger  = "bollinger"
	VoteStochastic = "stochastic"
)

// VoteFromIndicators derives a timeframe's indicator votes from its computed
// indicator set. Undefined (NaN) indicators simply abstain.
func VoteFromIndicators(timeframe string, set *indicators.Set, lastClose float64, cfg settings.SignalSettings) TimeframeVote {
	vote := TimeframeVote{Timeframe: timeframe}

	if rsi, ok := lastDefined(set.Momentum.RSI); ok {
		switch {
		case rsi > 55:
			vote.Long = append(vote.Long, VoteRSI)
		case rsi < 45:
			vote.Short = append(vote.Short, VoteRSI)
		}
	}

	if hist, ok := lastDefined(set.MACD.Histogram); ok {
		switch {
		case hist > 0:
			vote.Long = append(vote.Long, VoteMACD)
		case hist < 0:
			vote.Short = append(vote.Short, VoteMACD)
		}
	}

	// EMA trend vote: fastest vs slowest configured EMA, gated by the synced
	// trend threshold (percent).
	if len(set.Trend.Periods) >= 2 {
		fast := set.Trend.EMA[set.Trend.Periods[0]]
		slow := set.Trend.EMA[set.Trend.Periods[len(set.Trend.Periods)-1]]
		f, okF := lastDefined(fast)
		sl, okS := lastDefined(slow)
		if okF && okS && sl != 0 {
			diffPct := (f - sl) / sl * 100
			switch {
			case diffPct > cfg.TrendThresholdPercent:
				vote.Long = append(vote.Long, VoteEMATrend)
			case diffPct < -cfg.TrendThresholdPercent:
				vote.Short = append(vote.Short, VoteEMATrend)
			}
		}
	}

	if mid, ok := lastDefined(set.Bollinger.Middle); ok && !math.IsNaN(lastClose) {
		switch {
		case lastClose > mid:
			vote.Long = append(vote.Long, VoteBollinger)
		case lastClose < mid:
			vote.Short = append(vote.Short, VoteBollinger)
		}
	}

	if k, ok := lastDefined(set.Momentum.StochK); ok {
		switch {
		case k < 20:
			vote.Long = append(vote.Long, VoteStochastic) // oversold
		case k > 80:
			vote.Short = append(vote.Short, VoteStochastic) // overbought
		}
	}

	return vote
}

func lastDefined(series []float64) (float64, bool) {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) {
			return series[i], true
		}
	}
	return 0, false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
