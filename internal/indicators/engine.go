// Package indicators computes technical indicators from candle series.
//
// All series outputs are aligned index-for-index with the input: an indicator
// with a lookback of N is NaN for the first N-1 rows, and NaN inputs propagate
// into the output instead of raising. Degenerate inputs (empty, single row,
// constant price) produce well-formed, mostly-NaN results.
package indicators

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"ai-analysis-service/internal/market"
)

// Config holds indicator computation parameters. The values normally come
// from the synced settings snapshot; DefaultConfig mirrors the core service's
// defaults.
type Config struct {
	EMAPeriods      []int
	RSIPeriod       int
	StochKPeriod    int
	StochDPeriod    int
	MACDFast        int
	MACDSlow        int
	MACDSignal      int
	BollingerPeriod int
	BollingerStd    float64
	VolumeSMAPeriod int
	ATRPeriod       int
	PatternLookback int
	MinBodyPercent  float64
}

// DefaultConfig returns the default indicator parameters.
func DefaultConfig() Config {
	return Config{
		EMAPeriods:      []int{9, 21, 50},
		RSIPeriod:       14,
		StochKPeriod:    14,
		StochDPeriod:    3,
		MACDFast:        12,
		MACDSlow:        26,
		MACDSignal:      9,
		BollingerPeriod: 20,
		BollingerStd:    2.0,
		VolumeSMAPeriod: 20,
		ATRPeriod:       14,
		PatternLookback: 40,
		MinBodyPercent:  0.5,
	}
}

// Floats is a float series that serializes NaN and infinities as null, since
// plain encoding/json rejects them. Undefined warm-up values survive a round
// trip as NaN.
type Floats []float64

// MarshalJSON implements json.Marshaler.
func (f Floats) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('[')
	for i, v := range f {
		if i > 0 {
			b.WriteByte(',')
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			b.WriteString("null")
			continue
		}
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	b.WriteByte(']')
	return b.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Floats) UnmarshalJSON(data []byte) error {
	var raw []*float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Floats, len(raw))
	for i, v := range raw {
		if v == nil {
			out[i] = math.NaN()
			continue
		}
		out[i] = *v
	}
	*f = out
	return nil
}

// TrendIndicators holds moving averages keyed by period. Periods is sorted
// ascending so downstream consumers iterate deterministically.
type TrendIndicators struct {
	Periods []int          `json:"periods"`
	SMA     map[int]Floats `json:"sma"`
	EMA     map[int]Floats `json:"ema"`
}

// MomentumIndicators holds RSI and stochastic oscillator series.
type MomentumIndicators struct {
	RSI    Floats `json:"rsi"`
	StochK Floats `json:"stoch_k"`
	StochD Floats `json:"stoch_d"`
}

// MACDIndicators holds the MACD line, signal line and histogram.
type MACDIndicators struct {
	Line      Floats `json:"line"`
	Signal    Floats `json:"signal"`
	Histogram Floats `json:"histogram"`
}

// BollingerBands holds the three band series. Wherever all three are defined,
// Lower <= Middle <= Upper.
type BollingerBands struct {
	Upper  Floats `json:"upper"`
	Middle Floats `json:"middle"`
	Lower  Floats `json:"lower"`
}

// VolumeIndicators holds volume-derived series. When the input carries no
// volume data, every series is all-NaN and HasVolume is false; the fields are
// always present so consumers never branch on missing keys.
type VolumeIndicators struct {
	VolumeSMA Floats `json:"volume_sma"`
	OBV       Floats `json:"obv"`
	VWAP      Floats `json:"vwap"`
	VolumeROC Floats `json:"volume_roc"`
	HasVolume bool   `json:"has_volume"`
}

// VolatilityIndicators holds dispersion measures.
type VolatilityIndicators struct {
	TrueRange Floats `json:"true_range"`
	ATR       Floats `json:"atr"`
	StdDev    Floats `json:"std_dev"`
}

// Set is the union of every indicator family, aligned to the input series.
type Set struct {
	Length     int                  `json:"length"`
	Trend      TrendIndicators      `json:"trend"`
	Momentum   MomentumIndicators   `json:"momentum"`
	MACD       MACDIndicators       `json:"macd"`
	Bollinger  BollingerBands       `json:"bollinger"`
	Volume     VolumeIndicators     `json:"volume"`
	Volatility VolatilityIndicators `json:"volatility"`
	Patterns   PatternFlags         `json:"patterns"`
}

// Engine computes indicators. It is stateless and safe for concurrent use.
type Engine struct {
	cfg    Config
	logger zerolog.Logger
}

// NewEngine creates an indicator engine.
func NewEngine(cfg Config, logger zerolog.Logger) *Engine {
	if len(cfg.EMAPeriods) == 0 {
		cfg.EMAPeriods = DefaultConfig().EMAPeriods
	}
	return &Engine{cfg: cfg, logger: logger.With().Str("component", "indicators").Logger()}
}

// Config returns the engine's parameter set.
func (e *Engine) Config() Config {
	return e.cfg
}

// CalculateAll computes every indicator family for the series. It never
// panics: an internal failure is logged as a warning and a NaN-filled set of
// the correct length is returned.
func (e *Engine) CalculateAll(s market.Series) (set *Set) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn().Interface("panic", r).Msg("indicator computation recovered, returning NaN set")
			set = e.emptySet(len(s))
		}
	}()

	e.warnMalformed(s)

	set = &Set{
		Length:     len(s),
		Trend:      e.Trend(s),
		Momentum:   e.Momentum(s),
		MACD:       e.MACD(s),
		Bollinger:  e.Bollinger(s),
		Volume:     e.Volume(s),
		Volatility: e.Volatility(s),
		Patterns:   e.DetectPatterns(s),
	}
	return set
}

// Trend computes simple and exponential moving averages at the configured
// periods. Input shorter than a period yields an all-NaN series for it.
func (e *Engine) Trend(s market.Series) TrendIndicators {
	closes := s.Closes()

	periods := append([]int(nil), e.cfg.EMAPeriods...)
	sort.Ints(periods)

	out := TrendIndicators{
		Periods: periods,
		SMA:     make(map[int]Floats, len(periods)),
		EMA:     make(map[int]Floats, len(periods)),
	}
	for _, p := range periods {
		out.SMA[p] = SMA(closes, p)
		out.EMA[p] = EMA(closes, p)
	}
	return out
}

// Momentum computes RSI (Wilder smoothing) and the stochastic oscillator.
func (e *Engine) Momentum(s market.Series) MomentumIndicators {
	k, d := e.stochastic(s)
	return MomentumIndicators{
		RSI:    RSI(s.Closes(), e.cfg.RSIPeriod),
		StochK: k,
		StochD: d,
	}
}

// MACD computes the MACD line, its signal line and the histogram. The
// histogram is exactly Line - Signal on every defined row.
func (e *Engine) MACD(s market.Series) MACDIndicators {
	closes := s.Closes()
	n := len(closes)

	fast := EMA(closes, e.cfg.MACDFast)
	slow := EMA(closes, e.cfg.MACDSlow)

	line := nanSeries(n)
	for i := 0; i < n; i++ {
		line[i] = fast[i] - slow[i] // NaN until the slow EMA is defined
	}

	signal := emaOfDefined(line, e.cfg.MACDSignal)

	hist := nanSeries(n)
	for i := 0; i < n; i++ {
		hist[i] = line[i] - signal[i]
	}

	return MACDIndicators{Line: line, Signal: signal, Histogram: hist}
}

// Bollinger computes middle = SMA(close, period) and upper/lower bands at
// middle +/- multiplier * rolling population stddev.
func (e *Engine) Bollinger(s market.Series) BollingerBands {
	closes := s.Closes()
	n := len(closes)

	middle := SMA(closes, e.cfg.BollingerPeriod)
	std := RollingStd(closes, e.cfg.BollingerPeriod)

	upper := nanSeries(n)
	lower := nanSeries(n)
	for i := 0; i < n; i++ {
		half := e.cfg.BollingerStd * std[i]
		upper[i] = middle[i] + half
		lower[i] = middle[i] - half
	}

	return BollingerBands{Upper: upper, Middle: middle, Lower: lower}
}

// Volume computes volume SMA, on-balance volume, VWAP and volume rate of
// change. Without volume data it returns all-NaN series of the same length.
func (e *Engine) Volume(s market.Series) VolumeIndicators {
	n := len(s)
	if !s.HasVolume() {
		return VolumeIndicators{
			VolumeSMA: nanSeries(n),
			OBV:       nanSeries(n),
			VWAP:      nanSeries(n),
			VolumeROC: nanSeries(n),
			HasVolume: false,
		}
	}

	volumes := s.Volumes()

	obv := make([]float64, n)
	for i := 1; i < n; i++ {
		switch {
		case s[i].Close > s[i-1].Close:
			obv[i] = obv[i-1] + volumes[i]
		case s[i].Close < s[i-1].Close:
			obv[i] = obv[i-1] - volumes[i]
		default:
			obv[i] = obv[i-1]
		}
	}

	vwap := nanSeries(n)
	var cumPV, cumV float64
	for i := 0; i < n; i++ {
		typical := (s[i].High + s[i].Low + s[i].Close) / 3
		cumPV += typical * volumes[i]
		cumV += volumes[i]
		if cumV > 0 {
			vwap[i] = cumPV / cumV
		}
	}

	p := e.cfg.VolumeSMAPeriod
	roc := nanSeries(n)
	for i := p; i < n; i++ {
		if volumes[i-p] != 0 {
			roc[i] = (volumes[i] - volumes[i-p]) / volumes[i-p] * 100
		}
	}

	return VolumeIndicators{
		VolumeSMA: SMA(volumes, p),
		OBV:       obv,
		VWAP:      vwap,
		VolumeROC: roc,
		HasVolume: true,
	}
}

// Volatility computes true range, Wilder-smoothed ATR and the rolling close
// standard deviation.
func (e *Engine) Volatility(s market.Series) VolatilityIndicators {
	n := len(s)
	tr := nanSeries(n)
	if n > 0 {
		tr[0] = s[0].High - s[0].Low
	}
	for i := 1; i < n; i++ {
		hl := s[i].High - s[i].Low
		hc := math.Abs(s[i].High - s[i-1].Close)
		lc := math.Abs(s[i].Low - s[i-1].Close)
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}

	p := e.cfg.ATRPeriod
	atr := nanSeries(n)
	if p > 0 && n >= p {
		sum := 0.0
		for i := 0; i < p; i++ {
			sum += tr[i]
		}
		atr[p-1] = sum / float64(p)
		for i := p; i < n; i++ {
			atr[i] = (atr[i-1]*float64(p-1) + tr[i]) / float64(p)
		}
	}

	return VolatilityIndicators{
		TrueRange: tr,
		ATR:       atr,
		StdDev:    RollingStd(s.Closes(), e.cfg.BollingerPeriod),
	}
}

// stochastic computes %K over the K period and %D as the SMA of %K. A window
// with zero high-low range yields a neutral 50.
func (e *Engine) stochastic(s market.Series) (k, d []float64) {
	n := len(s)
	kp := e.cfg.StochKPeriod

	k = nanSeries(n)
	if kp > 0 {
		for i := kp - 1; i < n; i++ {
			hi := s[i].High
			lo := s[i].Low
			for j := i - kp + 1; j < i; j++ {
				hi = math.Max(hi, s[j].High)
				lo = math.Min(lo, s[j].Low)
			}
			if hi == lo {
				k[i] = 50
				continue
			}
			k[i] = (s[i].Close - lo) / (hi - lo) * 100
		}
	}

	d = smaOfDefined(k, e.cfg.StochDPeriod)
	return k, d
}

// warnMalformed logs a recoverable warning for data-quality problems. The
// computation still proceeds best-effort.
func (e *Engine) warnMalformed(s market.Series) {
	for i, c := range s {
		if math.IsNaN(c.Open) || math.IsInf(c.Open, 0) ||
			math.IsNaN(c.Close) || math.IsInf(c.Close, 0) ||
			math.IsNaN(c.High) || math.IsInf(c.High, 0) ||
			math.IsNaN(c.Low) || math.IsInf(c.Low, 0) {
			e.logger.Warn().Int("index", i).Msg("non-finite price in candle series, NaN will propagate")
			return
		}
		if c.Volume < 0 {
			e.logger.Warn().Int("index", i).Float64("volume", c.Volume).Msg("negative volume in candle series")
			return
		}
	}
}

func (e *Engine) emptySet(n int) *Set {
	periods := append([]int(nil), e.cfg.EMAPeriods...)
	sort.Ints(periods)
	trend := TrendIndicators{Periods: periods, SMA: map[int]Floats{}, EMA: map[int]Floats{}}
	for _, p := range periods {
		trend.SMA[p] = nanSeries(n)
		trend.EMA[p] = nanSeries(n)
	}
	return &Set{
		Length:     n,
		Trend:      trend,
		Momentum:   MomentumIndicators{RSI: nanSeries(n), StochK: nanSeries(n), StochD: nanSeries(n)},
		MACD:       MACDIndicators{Line: nanSeries(n), Signal: nanSeries(n), Histogram: nanSeries(n)},
		Bollinger:  BollingerBands{Upper: nanSeries(n), Middle: nanSeries(n), Lower: nanSeries(n)},
		Volume:     VolumeIndicators{VolumeSMA: nanSeries(n), OBV: nanSeries(n), VWAP: nanSeries(n), VolumeROC: nanSeries(n)},
		Volatility: VolatilityIndicators{TrueRange: nanSeries(n), ATR: nanSeries(n), StdDev: nanSeries(n)},
	}
}

// ============================================================================
// SERIES PRIMITIVES
// ============================================================================

// SMA returns the period simple moving average, NaN for the warm-up rows.
func SMA(values []float64, period int) []float64 {
	n := len(values)
	out := nanSeries(n)
	if period <= 0 {
		return out
	}

	sum := 0.0
	for i := 0; i < n; i++ {
		sum += values[i]
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA returns the period exponential moving average seeded with the SMA of
// the first window, NaN for the warm-up rows.
func EMA(values []float64, period int) []float64 {
	n := len(values)
	out := nanSeries(n)
	if period <= 0 || n < period {
		return out
	}

	seed := 0.0
	for i := 0; i < period; i++ {
		seed += values[i]
	}
	out[period-1] = seed / float64(period)

	multiplier := 2.0 / float64(period+1)
	for i := period; i < n; i++ {
		out[i] = values[i]*multiplier + out[i-1]*(1-multiplier)
	}
	return out
}

// RSI returns the Wilder-smoothed relative strength index. Defined values lie
// in [0,100]: 100 when the average loss is zero, 50 when both averages are
// zero (flat price).
func RSI(values []float64, period int) []float64 {
	n := len(values)
	out := nanSeries(n)
	if period <= 0 || n < period+1 {
		return out
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss += -change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < n; i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if math.IsNaN(avgGain) || math.IsNaN(avgLoss) {
		return math.NaN()
	}
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50 // flat price, neutral by definition
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// RollingStd returns the rolling population standard deviation.
func RollingStd(values []float64, period int) []float64 {
	n := len(values)
	out := nanSeries(n)
	if period <= 0 {
		return out
	}

	for i := period - 1; i < n; i++ {
		mean := 0.0
		for j := i - period + 1; j <= i; j++ {
			mean += values[j]
		}
		mean /= float64(period)

		variance := 0.0
		for j := i - period + 1; j <= i; j++ {
			diff := values[j] - mean
			variance += diff * diff
		}
		out[i] = math.Sqrt(variance / float64(period))
	}
	return out
}

// emaOfDefined applies an EMA over the defined suffix of a NaN-prefixed
// series, preserving the NaN prefix. Used for the MACD signal line.
func emaOfDefined(values []float64, period int) []float64 {
	n := len(values)
	out := nanSeries(n)

	start := firstDefined(values)
	if start < 0 {
		return out
	}

	sub := EMA(values[start:], period)
	copy(out[start:], sub)
	return out
}

// smaOfDefined is the SMA analogue of emaOfDefined, used for stochastic %D.
func smaOfDefined(values []float64, period int) []float64 {
	n := len(values)
	out := nanSeries(n)

	start := firstDefined(values)
	if start < 0 {
		return out
	}

	sub := SMA(values[start:], period)
	copy(out[start:], sub)
	return out
}

func firstDefined(values []float64) int {
	for i, v := range values {
		if !math.IsNaN(v) {
			return i
		}
	}
	return -1
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
