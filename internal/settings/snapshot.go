// Package settings synchronizes indicator and signal tunables from the core
// trading service, with TTL caching and resilient fallbacks.
package settings

import (
	"time"

	"ai-analysis-service/internal/indicators"
)

// IndicatorSettings holds indicator computation parameters owned by the core
// service.
type IndicatorSettings struct {
	RSIPeriod         int     `json:"rsi_period"`
	MACDFast          int     `json:"macd_fast"`
	MACDSlow          int     `json:"macd_slow"`
	MACDSignal        int     `json:"macd_signal"`
	EMAPeriods        []int   `json:"ema_periods"`
	BollingerPeriod   int     `json:"bollinger_period"`
	BollingerStd      float64 `json:"bollinger_std"`
	VolumeSMAPeriod   int     `json:"volume_sma_period"`
	StochasticKPeriod int     `json:"stochastic_k_period"`
	StochasticDPeriod int     `json:"stochastic_d_period"`
}

// SignalSettings holds signal generation parameters owned by the core service.
type SignalSettings struct {
	TrendThresholdPercent  float64 `json:"trend_threshold_percent"`
	MinRequiredTimeframes  int     `json:"min_required_timeframes"`
	MinRequiredIndicators  int     `json:"min_required_indicators"`
	ConfidenceBase         float64 `json:"confidence_base"`
	ConfidencePerTimeframe float64 `json:"confidence_per_timeframe"`
}

// Snapshot is one synchronized copy of the core service's settings. Snapshots
// are immutable: the cache hands out copies, never its internal pointer.
type Snapshot struct {
	Indicators IndicatorSettings `json:"indicators"`
	Signal     SignalSettings    `json:"signal"`
	FetchedAt  time.Time         `json:"fetched_at"`
	Stale      bool              `json:"stale"`   // true when served past its TTL after a failed refresh
	Default    bool              `json:"default"` // true when no fetch ever succeeded
}

// DefaultSnapshot returns the hardcoded fallback settings.
//
// These values mirror the defaults compiled into the core (Rust) service and
// form a cross-service compatibility contract: changing any of them without a
// matching core change is a bug. TestDefaultSnapshotContract pins each value.
func DefaultSnapshot() *Snapshot {
	return &Snapshot{
		Indicators: IndicatorSettings{
			RSIPeriod:         14,
			MACDFast:          12,
			MACDSlow:          26,
			MACDSignal:        9,
			EMAPeriods:        []int{9, 21, 50},
			BollingerPeriod:   20,
			BollingerStd:      2.0,
			VolumeSMAPeriod:   20,
			StochasticKPeriod: 14,
			StochasticDPeriod: 3,
		},
		Signal: SignalSettings{
			TrendThresholdPercent:  0.8,
			MinRequiredTimeframes:  3,
			MinRequiredIndicators:  4,
			ConfidenceBase:         0.5,
			ConfidencePerTimeframe: 0.08,
		},
		Default: true,
	}
}

// IndicatorConfig converts the snapshot into an indicator engine
// configuration. Pattern parameters are local, not synced, so the caller's
// values are preserved.
func (s *Snapshot) IndicatorConfig(patternLookback int, minBodyPercent float64) indicators.Config {
	return indicators.Config{
		EMAPeriods:      append([]int(nil), s.Indicators.EMAPeriods...),
		RSIPeriod:       s.Indicators.RSIPeriod,
		StochKPeriod:    s.Indicators.StochasticKPeriod,
		StochDPeriod:    s.Indicators.StochasticDPeriod,
		MACDFast:        s.Indicators.MACDFast,
		MACDSlow:        s.Indicators.MACDSlow,
		MACDSignal:      s.Indicators.MACDSignal,
		BollingerPeriod: s.Indicators.BollingerPeriod,
		BollingerStd:    s.Indicators.BollingerStd,
		VolumeSMAPeriod: s.Indicators.VolumeSMAPeriod,
		ATRPeriod:       14, // not part of the synced contract
		PatternLookback: patternLookback,
		MinBodyPercent:  minBodyPercent,
	}
}

// clone returns a deep copy so callers can never mutate the cached snapshot.
func (s *Snapshot) clone() *Snapshot {
	cp := *s
	cp.Indicators.EMAPeriods = append([]int(nil), s.Indicators.EMAPeriods...)
	return &cp
}
