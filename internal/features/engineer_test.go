package features

import (
	"math"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"ai-analysis-service/internal/indicators"
	"ai-analysis-service/internal/market"
)

func testConfig() Config {
	return Config{
		Lags:            []int{1, 2},
		RollingWindows:  []int{5, 10},
		TargetThreshold: 0.005,
		SequenceLength:  10,
	}
}

func testSeries(n int) market.Series {
	s := make(market.Series, n)
	price := 100.0
	for i := range s {
		if i%5 == 4 {
			price -= 0.6
		} else {
			price += 0.9
		}
		s[i] = market.Candle{
			OpenTime: int64(i) * 60_000,
			Open:     price - 0.2,
			High:     price + 0.7,
			Low:      price - 0.8,
			Close:    price,
			Volume:   1000 + float64(i%7)*40,
		}
	}
	return s
}

func prepared(t *testing.T, n int) (*Engineer, *Frame, market.Series) {
	t.Helper()
	s := testSeries(n)
	eng := indicators.NewEngine(indicators.DefaultConfig(), zerolog.Nop())
	set := eng.CalculateAll(s)

	fe := NewEngineer(testConfig(), zerolog.Nop())
	frame, err := fe.PrepareFeatures(s, set)
	if err != nil {
		t.Fatalf("PrepareFeatures: %v", err)
	}
	return fe, frame, s
}

func TestPrepareFeaturesEmptySeries(t *testing.T) {
	eng := indicators.NewEngine(indicators.DefaultConfig(), zerolog.Nop())
	set := eng.CalculateAll(nil)

	fe := NewEngineer(testConfig(), zerolog.Nop())
	frame, err := fe.PrepareFeatures(nil, set)
	if err != nil {
		t.Fatalf("empty series must yield a valid empty frame, got error: %v", err)
	}
	if len(frame.Columns) == 0 {
		t.Fatal("empty frame lost its column list")
	}
	if len(frame.Rows) != 0 || len(frame.OpenTimes) != 0 {
		t.Fatalf("empty series produced %d rows", len(frame.Rows))
	}
}

func TestPrepareFeaturesLengthMismatch(t *testing.T) {
	s := testSeries(100)
	eng := indicators.NewEngine(indicators.DefaultConfig(), zerolog.Nop())
	set := eng.CalculateAll(s[:50])

	fe := NewEngineer(testConfig(), zerolog.Nop())
	if _, err := fe.PrepareFeatures(s, set); err == nil {
		t.Fatal("expected error for mismatched indicator set length")
	}
}

func TestPrepareFeaturesColumnOrderDeterministic(t *testing.T) {
	_, first, _ := prepared(t, 120)
	_, second, _ := prepared(t, 120)

	if !reflect.DeepEqual(first.Columns, second.Columns) {
		t.Fatalf("column order differs between runs:\n%v\n%v", first.Columns, second.Columns)
	}
}

func TestPrepareFeaturesLayout(t *testing.T) {
	_, frame, _ := prepared(t, 120)

	want := []string{"open", "high", "low", "close", "volume", "return_1", "rsi"}
	for i, name := range want {
		if frame.Columns[i] != name {
			t.Fatalf("column %d = %q, want %q (full: %v)", i, frame.Columns[i], name, frame.Columns)
		}
	}

	// Volume is present in the test series, so the volume block must be too.
	idx := map[string]bool{}
	for _, c := range frame.Columns {
		idx[c] = true
	}
	for _, c := range []string{"volume_sma", "obv", "vwap", "close_lag_1", "close_lag_2",
		"volume_lag_1", "close_roll_mean_5", "close_roll_std_10", "volatility_5",
		"sma_9", "ema_50", "atr", "bb_middle"} {
		if !idx[c] {
			t.Errorf("missing column %q", c)
		}
	}

	for _, row := range frame.Rows {
		if len(row) != len(frame.Columns) {
			t.Fatalf("row width %d != %d columns", len(row), len(frame.Columns))
		}
	}
	if len(frame.OpenTimes) != len(frame.Rows) {
		t.Fatalf("open times %d != rows %d", len(frame.OpenTimes), len(frame.Rows))
	}
}

func TestPrepareFeaturesDropsWarmupRows(t *testing.T) {
	n := 120
	_, frame, s := prepared(t, n)

	if len(frame.Rows) == 0 || len(frame.Rows) >= n {
		t.Fatalf("rows = %d, want between 1 and %d after warm-up drop", len(frame.Rows), n-1)
	}
	// The slowest indicator is the 50-period EMA, so the surviving rows must
	// start no earlier than candle index 49.
	if frame.OpenTimes[0] < s[49].OpenTime {
		t.Fatalf("first row open time %d precedes the longest warm-up", frame.OpenTimes[0])
	}
	for i, row := range frame.Rows {
		for j, v := range row {
			if math.IsNaN(v) {
				t.Fatalf("NaN survived at row %d column %s", i, frame.Columns[j])
			}
		}
	}
}

func TestPrepareFeaturesAllWarmup(t *testing.T) {
	s := testSeries(10)
	eng := indicators.NewEngine(indicators.DefaultConfig(), zerolog.Nop())
	set := eng.CalculateAll(s)

	fe := NewEngineer(testConfig(), zerolog.Nop())
	frame, err := fe.PrepareFeatures(s, set)
	if err != nil {
		t.Fatalf("all-warm-up input must yield a valid empty frame, got error: %v", err)
	}
	if len(frame.Rows) != 0 {
		t.Fatalf("warm-up rows survived: %d", len(frame.Rows))
	}
	// The column layout stays intact so callers can still inspect it.
	_, full, _ := prepared(t, 120)
	if !reflect.DeepEqual(frame.Columns, full.Columns) {
		t.Fatalf("empty frame columns differ from a populated frame:\n%v\n%v", frame.Columns, full.Columns)
	}
}

func TestTargetsLabeling(t *testing.T) {
	s := market.Series{
		{OpenTime: 0, Close: 100},
		{OpenTime: 1, Close: 101},   // +1.0% -> up
		{OpenTime: 2, Close: 101.2}, // +0.2% -> flat
		{OpenTime: 3, Close: 100},   // -1.2% -> down
		{OpenTime: 4, Close: 100.5}, // +0.5% exactly -> flat (threshold is strict)
	}
	fe := NewEngineer(testConfig(), zerolog.Nop())

	got := fe.Targets(s)
	want := []int{TargetUp, TargetFlat, TargetDown, TargetFlat}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("labels = %v, want %v", got, want)
	}
}

func TestTargetsShortSeries(t *testing.T) {
	fe := NewEngineer(testConfig(), zerolog.Nop())
	if got := fe.Targets(market.Series{{Close: 100}}); got != nil {
		t.Fatalf("single candle produced labels: %v", got)
	}
}

func TestPrepareForInferenceWindow(t *testing.T) {
	fe, frame, _ := prepared(t, 120)

	window, err := fe.PrepareForInference(frame)
	if err != nil {
		t.Fatalf("PrepareForInference: %v", err)
	}
	if len(window) != testConfig().SequenceLength {
		t.Fatalf("window length = %d, want %d", len(window), testConfig().SequenceLength)
	}
	for i, row := range window {
		for j, v := range row {
			if v < 0 || v > 1 {
				t.Fatalf("value %v at row %d column %s outside [0,1] on the fitting window", v, i, frame.Columns[j])
			}
		}
	}
}

func TestPrepareForInferenceScalerFittedOnce(t *testing.T) {
	fe, frame, _ := prepared(t, 120)

	if _, err := fe.PrepareForInference(frame); err != nil {
		t.Fatalf("first window: %v", err)
	}

	// Shift the close column far outside the fitted range. The reused scaler
	// must scale against the original fit, pushing values past 1.
	closeIdx := -1
	for j, c := range frame.Columns {
		if c == "close" {
			closeIdx = j
		}
	}
	if closeIdx < 0 {
		t.Fatal("close column missing")
	}
	for _, row := range frame.Rows {
		row[closeIdx] += 1000
	}

	window, err := fe.PrepareForInference(frame)
	if err != nil {
		t.Fatalf("second window: %v", err)
	}
	exceeded := false
	for _, row := range window {
		if row[closeIdx] > 1 {
			exceeded = true
		}
	}
	if !exceeded {
		t.Fatal("second window was rescaled instead of reusing the original fit")
	}
}

func TestPrepareForInferenceShortFrame(t *testing.T) {
	fe, frame, _ := prepared(t, 120)
	frame.Rows = frame.Rows[:3]

	if _, err := fe.PrepareForInference(frame); err == nil {
		t.Fatal("expected error for a frame shorter than the sequence length")
	}
}

func TestPrepareForInferenceColumnMismatch(t *testing.T) {
	fe, frame, _ := prepared(t, 120)
	if _, err := fe.PrepareForInference(frame); err != nil {
		t.Fatalf("fit window: %v", err)
	}

	frame.Columns = frame.Columns[:len(frame.Columns)-1]
	if _, err := fe.PrepareForInference(frame); err == nil {
		t.Fatal("expected error for column count mismatch against the fitted scaler")
	}
}
