// Package features turns candles plus computed indicators into model-ready
// feature matrices: lagged values, rolling statistics, forward-return labels
// and scaled inference windows.
package features

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"ai-analysis-service/internal/indicators"
	"ai-analysis-service/internal/market"
)

// Config controls feature generation.
type Config struct {
	// Lags are the lag offsets, in bars, applied to close and volume.
	Lags []int
	// RollingWindows are the window sizes for rolling mean, std and
	// return volatility.
	RollingWindows []int
	// TargetThreshold is the absolute forward return separating an up or
	// down label from flat. 0.005 means 0.5 percent.
	TargetThreshold float64
	// SequenceLength is the number of trailing rows in an inference window.
	SequenceLength int
}

// Frame is a dense feature matrix with named columns. Rows are aligned to
// candles after warm-up rows have been dropped.
type Frame struct {
	Columns []string
	Rows    [][]float64
	// OpenTimes holds the candle open time for each remaining row.
	OpenTimes []int64
}

// Target labels for supervised training.
const (
	TargetDown = -1
	TargetFlat = 0
	TargetUp   = 1
)

// Engineer generates features. The min-max scaler is fitted on the first
// inference call and reused afterwards so scaling stays consistent across
// requests.
type Engineer struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	scaler *minMaxScaler
}

// NewEngineer creates a feature engineer.
func NewEngineer(cfg Config, logger zerolog.Logger) *Engineer {
	return &Engineer{
		cfg:    cfg,
		logger: logger.With().Str("component", "features").Logger(),
	}
}

// ====== FEATURE GENERATION ======

// PrepareFeatures builds the feature matrix for a candle series and its
// indicator set. Column order is fixed by construction so two calls with the
// same config produce identical layouts. Rows containing any NaN, which is
// the indicator and rolling warm-up, are dropped; inputs that are empty or
// entirely warm-up yield a valid frame with the full column list and zero
// rows, never an error.
func (e *Engineer) PrepareFeatures(s market.Series, set *indicators.Set) (*Frame, error) {
	n := len(s)
	if set == nil {
		set = &indicators.Set{}
	}
	if set.Length != n {
		return nil, fmt.Errorf("failed to prepare features: indicator set length mismatch")
	}

	closes := s.Closes()
	volumes := s.Volumes()

	var cols []string
	var data [][]float64
	add := func(name string, series []float64) {
		cols = append(cols, name)
		data = append(data, series)
	}

	add("open", column(s, func(c market.Candle) float64 { return c.Open }))
	add("high", column(s, func(c market.Candle) float64 { return c.High }))
	add("low", column(s, func(c market.Candle) float64 { return c.Low }))
	add("close", closes)
	add("volume", volumes)

	add("return_1", pctChange(closes, 1))

	add("rsi", set.Momentum.RSI)
	add("stoch_k", set.Momentum.StochK)
	add("stoch_d", set.Momentum.StochD)
	add("macd_line", set.MACD.Line)
	add("macd_signal", set.MACD.Signal)
	add("macd_hist", set.MACD.Histogram)
	add("bb_upper", set.Bollinger.Upper)
	add("bb_middle", set.Bollinger.Middle)
	add("bb_lower", set.Bollinger.Lower)
	add("atr", set.Volatility.ATR)

	periods := append([]int(nil), set.Trend.Periods...)
	sort.Ints(periods)
	for _, p := range periods {
		add(fmt.Sprintf("sma_%d", p), set.Trend.SMA[p])
	}
	for _, p := range periods {
		add(fmt.Sprintf("ema_%d", p), set.Trend.EMA[p])
	}
	if set.Volume.HasVolume {
		add("volume_sma", set.Volume.VolumeSMA)
		add("obv", set.Volume.OBV)
		add("vwap", set.Volume.VWAP)
	}

	for _, lag := range e.cfg.Lags {
		add(fmt.Sprintf("close_lag_%d", lag), shift(closes, lag))
	}
	for _, lag := range e.cfg.Lags {
		add(fmt.Sprintf("volume_lag_%d", lag), shift(volumes, lag))
	}

	returns := pctChange(closes, 1)
	for _, w := range e.cfg.RollingWindows {
		add(fmt.Sprintf("close_roll_mean_%d", w), rollingMean(closes, w))
	}
	for _, w := range e.cfg.RollingWindows {
		add(fmt.Sprintf("close_roll_std_%d", w), rollingStd(closes, w))
	}
	for _, w := range e.cfg.RollingWindows {
		add(fmt.Sprintf("volatility_%d", w), rollingStd(returns, w))
	}

	frame := &Frame{Columns: cols}
	for i := 0; i < n; i++ {
		row := make([]float64, len(data))
		defined := true
		for j, series := range data {
			row[j] = series[i]
			if math.IsNaN(series[i]) {
				defined = false
			}
		}
		if !defined {
			continue
		}
		frame.Rows = append(frame.Rows, row)
		frame.OpenTimes = append(frame.OpenTimes, s[i].OpenTime)
	}

	e.logger.Debug().
		Int("candles", n).
		Int("rows", len(frame.Rows)).
		Int("columns", len(cols)).
		Msg("prepared feature frame")

	return frame, nil
}

// ====== TARGET LABELING ======

// Targets labels each candle by its one-bar forward return: up above the
// threshold, down below the negative threshold, flat in between. The last
// candle has no forward return and is excluded, so the result has len(s)-1
// entries.
func (e *Engineer) Targets(s market.Series) []int {
	if len(s) < 2 {
		return nil
	}
	closes := s.Closes()
	labels := make([]int, len(s)-1)
	for i := 0; i < len(s)-1; i++ {
		if closes[i] == 0 || math.IsNaN(closes[i]) || math.IsNaN(closes[i+1]) {
			labels[i] = TargetFlat
			continue
		}
		ret := closes[i+1]/closes[i] - 1
		switch {
		case ret > e.cfg.TargetThreshold:
			labels[i] = TargetUp
		case ret < -e.cfg.TargetThreshold:
			labels[i] = TargetDown
		default:
			labels[i] = TargetFlat
		}
	}
	return labels
}

// ====== INFERENCE WINDOWS ======

// PrepareForInference returns the trailing sequence of rows scaled to [0,1].
// The scaler is fitted on the first call and reused, so later windows are
// scaled against the original fit even when values drift outside it.
func (e *Engineer) PrepareForInference(frame *Frame) ([][]float64, error) {
	if frame == nil || len(frame.Rows) < e.cfg.SequenceLength {
		got := 0
		if frame != nil {
			got = len(frame.Rows)
		}
		return nil, fmt.Errorf("failed to prepare inference window: need %d rows, have %d", e.cfg.SequenceLength, got)
	}

	window := frame.Rows[len(frame.Rows)-e.cfg.SequenceLength:]

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.scaler == nil {
		e.scaler = fitMinMax(window)
		e.logger.Debug().Int("columns", len(frame.Columns)).Msg("fitted min-max scaler")
	} else if len(e.scaler.min) != len(frame.Columns) {
		return nil, fmt.Errorf("failed to prepare inference window: frame has %d columns, scaler fitted on %d", len(frame.Columns), len(e.scaler.min))
	}

	scaled := make([][]float64, len(window))
	for i, row := range window {
		scaled[i] = e.scaler.transform(row)
	}
	return scaled, nil
}

// ====== HELPERS ======

type minMaxScaler struct {
	min []float64
	max []float64
}

func fitMinMax(rows [][]float64) *minMaxScaler {
	cols := len(rows[0])
	s := &minMaxScaler{min: make([]float64, cols), max: make([]float64, cols)}
	for j := 0; j < cols; j++ {
		s.min[j] = math.Inf(1)
		s.max[j] = math.Inf(-1)
	}
	for _, row := range rows {
		for j, v := range row {
			if v < s.min[j] {
				s.min[j] = v
			}
			if v > s.max[j] {
				s.max[j] = v
			}
		}
	}
	return s
}

func (s *minMaxScaler) transform(row []float64) []float64 {
	out := make([]float64, len(row))
	for j, v := range row {
		span := s.max[j] - s.min[j]
		if span == 0 {
			out[j] = 0
			continue
		}
		out[j] = (v - s.min[j]) / span
	}
	return out
}

func column(s market.Series, f func(market.Candle) float64) []float64 {
	out := make([]float64, len(s))
	for i, c := range s {
		out[i] = f(c)
	}
	return out
}

func shift(series []float64, lag int) []float64 {
	out := make([]float64, len(series))
	for i := range out {
		if i < lag {
			out[i] = math.NaN()
			continue
		}
		out[i] = series[i-lag]
	}
	return out
}

func pctChange(series []float64, lag int) []float64 {
	out := make([]float64, len(series))
	for i := range out {
		if i < lag || series[i-lag] == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = series[i]/series[i-lag] - 1
	}
	return out
}

func rollingMean(series []float64, window int) []float64 {
	out := nanSlice(len(series))
	if window <= 0 {
		return out
	}
	for i := window - 1; i < len(series); i++ {
		sum := 0.0
		ok := true
		for j := i - window + 1; j <= i; j++ {
			if math.IsNaN(series[j]) {
				ok = false
				break
			}
			sum += series[j]
		}
		if ok {
			out[i] = sum / float64(window)
		}
	}
	return out
}

func rollingStd(series []float64, window int) []float64 {
	out := nanSlice(len(series))
	if window <= 0 {
		return out
	}
	means := rollingMean(series, window)
	for i := window - 1; i < len(series); i++ {
		if math.IsNaN(means[i]) {
			continue
		}
		sum := 0.0
		for j := i - window + 1; j <= i; j++ {
			d := series[j] - means[i]
			sum += d * d
		}
		out[i] = math.Sqrt(sum / float64(window))
	}
	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
