// Package market defines the candle data model consumed by the indicator and
// feature engines.
package market

import (
	"fmt"
	"math"
)

// Candle represents a single OHLCV interval. Timestamps are epoch
// milliseconds, matching the core service's wire format.
type Candle struct {
	OpenTime int64   `json:"open_time"`
	Open     float64 `json:"open,string"`
	High     float64 `json:"high,string"`
	Low      float64 `json:"low,string"`
	Close    float64 `json:"close,string"`
	Volume   float64 `json:"volume,string"`
}

// Series is an ordered candle sequence (ascending OpenTime, no duplicates).
// It is immutable by convention: the engines never mutate it.
type Series []Candle

// Validate checks the structural invariants of the series. It does NOT reject
// NaN/Inf values - those are data-quality conditions the indicator engine
// handles by propagating NaN.
func (s Series) Validate() error {
	for i, c := range s {
		if i > 0 && c.OpenTime <= s[i-1].OpenTime {
			return fmt.Errorf("candle %d: timestamps must be strictly ascending", i)
		}
		if finite(c.Low) && finite(c.High) && c.Low > c.High {
			return fmt.Errorf("candle %d: low %f above high %f", i, c.Low, c.High)
		}
	}
	return nil
}

// Closes returns the close column.
func (s Series) Closes() []float64 {
	out := make([]float64, len(s))
	for i, c := range s {
		out[i] = c.Close
	}
	return out
}

// Volumes returns the volume column.
func (s Series) Volumes() []float64 {
	out := make([]float64, len(s))
	for i, c := range s {
		out[i] = c.Volume
	}
	return out
}

// HasVolume reports whether the series carries usable volume data. A series
// built from an indicator-only subset has all volumes at zero.
func (s Series) HasVolume() bool {
	for _, c := range s {
		if c.Volume > 0 {
			return true
		}
	}
	return false
}

// LastClose returns the most recent close, or NaN for an empty series.
func (s Series) LastClose() float64 {
	if len(s) == 0 {
		return math.NaN()
	}
	return s[len(s)-1].Close
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
