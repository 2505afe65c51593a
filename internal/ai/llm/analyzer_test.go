package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ai-analysis-service/internal/market"
	"ai-analysis-service/internal/settings"
	"ai-analysis-service/internal/signal"
)

// stubFallback returns a fixed neutral result.
type stubFallback struct{}

func (stubFallback) Evaluate(ctx context.Context, votes []signal.TimeframeVote) *signal.Result {
	return &signal.Result{
		Signal:     signal.Neutral,
		Confidence: 0.5,
		Reasoning:  "fallback engaged",
		Timestamp:  time.Now().UTC(),
	}
}

func (stubFallback) SignalSettings(ctx context.Context) settings.SignalSettings {
	return settings.DefaultSnapshot().Signal
}

func testFrames(lastOpenTime int64) map[string]TimeframeSnapshot {
	candles := market.Series{
		{OpenTime: lastOpenTime - 60_000, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1000},
		{OpenTime: lastOpenTime, Open: 100.5, High: 102, Low: 100, Close: 101.5, Volume: 1200},
	}
	return map[string]TimeframeSnapshot{
		"1h": {Candles: candles},
	}
}

// claudeServer is a fake Anthropic messages endpoint. body is the text
// content returned to the analyzer.
func claudeServer(t *testing.T, calls *atomic.Int64, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("x-api-key") == "" {
			t.Error("missing x-api-key header")
		}
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"id": "msg_test",
			"type": "message",
			"role": "assistant",
			"content": [{"type": "text", "text": %s}],
			"model": "claude-sonnet-4-20250514",
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 100, "output_tokens": 50}
		}`, mustJSON(body))
	}))
}

func mustJSON(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}

func newTestAnalyzer(baseURL string) *Analyzer {
	cfg := DefaultAnalyzerConfig()
	cfg.APIKey = "test-key"
	cfg.BaseURL = baseURL
	cfg.Timeout = 2 * time.Second
	return NewAnalyzer(cfg, NewCostLedger(), stubFallback{}, zerolog.Nop())
}

func TestAnalyzeMarketEmptyFrames(t *testing.T) {
	a := newTestAnalyzer("http://unused")
	if _, err := a.AnalyzeMarket(context.Background(), "BTCUSDT", nil); err == nil {
		t.Fatal("expected error for empty frames")
	}
}

func TestAnalyzeMarketDisabledFallsBack(t *testing.T) {
	cfg := DefaultAnalyzerConfig()
	cfg.Enabled = false
	a := NewAnalyzer(cfg, nil, stubFallback{}, zerolog.Nop())

	res, err := a.AnalyzeMarket(context.Background(), "BTCUSDT", testFrames(1_000_000))
	if err != nil {
		t.Fatalf("AnalyzeMarket: %v", err)
	}
	if res.Source != SourceDeterministic {
		t.Fatalf("source = %s, want deterministic", res.Source)
	}
	if !strings.Contains(res.Reasoning, "llm disabled") {
		t.Fatalf("reasoning missing degradation cause: %q", res.Reasoning)
	}
}

func TestAnalyzeMarketMissingAPIKeyFallsBack(t *testing.T) {
	cfg := DefaultAnalyzerConfig()
	a := NewAnalyzer(cfg, nil, stubFallback{}, zerolog.Nop())

	res, err := a.AnalyzeMarket(context.Background(), "BTCUSDT", testFrames(1_000_000))
	if err != nil {
		t.Fatalf("AnalyzeMarket: %v", err)
	}
	if res.Source != SourceDeterministic {
		t.Fatalf("source = %s, want deterministic when no API key is set", res.Source)
	}
}

func TestAnalyzeMarketSuccess(t *testing.T) {
	var calls atomic.Int64
	srv := claudeServer(t, &calls, `{"signal": "Long", "confidence": 0.72, "reasoning": "momentum aligned"}`)
	defer srv.Close()

	a := newTestAnalyzer(srv.URL)
	res, err := a.AnalyzeMarket(context.Background(), "BTCUSDT", testFrames(1_000_000))
	if err != nil {
		t.Fatalf("AnalyzeMarket: %v", err)
	}

	if res.Source != SourceLLM {
		t.Fatalf("source = %s, want llm", res.Source)
	}
	if res.Signal != signal.Long {
		t.Errorf("signal = %s, want Long", res.Signal)
	}
	if res.Confidence != 0.72 {
		t.Errorf("confidence = %v, want 0.72", res.Confidence)
	}
	if res.CostUSD <= 0 {
		t.Errorf("cost = %v, want > 0", res.CostUSD)
	}
	if res.InputTokens != 100 || res.OutputTokens != 50 {
		t.Errorf("token counts = %d/%d, want 100/50 from the completion", res.InputTokens, res.OutputTokens)
	}

	s := a.Ledger().Summary()
	if s.TotalRequests != 1 || s.TotalInputTokens != 100 || s.TotalOutputTokens != 50 {
		t.Errorf("ledger = %+v, want 1 request with 100/50 tokens", s)
	}
}

func TestAnalyzeMarketStripsMarkdownFence(t *testing.T) {
	var calls atomic.Int64
	srv := claudeServer(t, &calls, "```json\n{\"signal\": \"Short\", \"confidence\": 0.6, \"reasoning\": \"breakdown\"}\n```")
	defer srv.Close()

	a := newTestAnalyzer(srv.URL)
	res, err := a.AnalyzeMarket(context.Background(), "ETHUSDT", testFrames(1_000_000))
	if err != nil {
		t.Fatalf("AnalyzeMarket: %v", err)
	}
	if res.Source != SourceLLM || res.Signal != signal.Short {
		t.Fatalf("fenced JSON not parsed: source=%s signal=%s", res.Source, res.Signal)
	}
}

func TestAnalyzeMarketUnparseableResponseFallsBack(t *testing.T) {
	var calls atomic.Int64
	srv := claudeServer(t, &calls, "I think the market looks bullish today.")
	defer srv.Close()

	a := newTestAnalyzer(srv.URL)
	res, err := a.AnalyzeMarket(context.Background(), "BTCUSDT", testFrames(1_000_000))
	if err != nil {
		t.Fatalf("AnalyzeMarket: %v", err)
	}
	if res.Source != SourceDeterministic {
		t.Fatalf("source = %s, want deterministic for unparseable response", res.Source)
	}
	if !strings.Contains(res.Reasoning, "unparseable llm response") {
		t.Fatalf("reasoning missing cause: %q", res.Reasoning)
	}
	// The tokens were still consumed and must be accounted.
	if a.Ledger().Summary().TotalRequests != 1 {
		t.Error("unparseable response not recorded in ledger")
	}
}

func TestAnalyzeMarketUpstreamErrorFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"type": "error", "error": {"type": "overloaded_error", "message": "Overloaded"}}`)
	}))
	defer srv.Close()

	a := newTestAnalyzer(srv.URL)
	res, err := a.AnalyzeMarket(context.Background(), "BTCUSDT", testFrames(1_000_000))
	if err != nil {
		t.Fatalf("AnalyzeMarket: %v", err)
	}
	if res.Source != SourceDeterministic {
		t.Fatalf("source = %s, want deterministic after upstream error", res.Source)
	}
	if !strings.Contains(res.Reasoning, "llm request failed") {
		t.Fatalf("reasoning missing cause: %q", res.Reasoning)
	}
}

func TestAnalyzeMarketCaching(t *testing.T) {
	var calls atomic.Int64
	srv := claudeServer(t, &calls, `{"signal": "Long", "confidence": 0.7, "reasoning": "r"}`)
	defer srv.Close()

	a := newTestAnalyzer(srv.URL)
	ctx := context.Background()

	a.AnalyzeMarket(ctx, "BTCUSDT", testFrames(1_000_000))
	a.AnalyzeMarket(ctx, "BTCUSDT", testFrames(1_000_000))
	if got := calls.Load(); got != 1 {
		t.Fatalf("upstream calls = %d, want 1 (same candles must hit the cache)", got)
	}

	// A new candle changes the cache key.
	a.AnalyzeMarket(ctx, "BTCUSDT", testFrames(2_000_000))
	if got := calls.Load(); got != 2 {
		t.Fatalf("upstream calls = %d, want 2 after a new candle", got)
	}

	// So does a different symbol.
	a.AnalyzeMarket(ctx, "ETHUSDT", testFrames(2_000_000))
	if got := calls.Load(); got != 3 {
		t.Fatalf("upstream calls = %d, want 3 for a new symbol", got)
	}

	a.ClearCache()
	a.AnalyzeMarket(ctx, "BTCUSDT", testFrames(2_000_000))
	if got := calls.Load(); got != 4 {
		t.Fatalf("upstream calls = %d, want 4 after ClearCache", got)
	}
}

func TestAnalyzeMarketRateLimitFallsBack(t *testing.T) {
	var calls atomic.Int64
	srv := claudeServer(t, &calls, `{"signal": "Long", "confidence": 0.7, "reasoning": "r"}`)
	defer srv.Close()

	cfg := DefaultAnalyzerConfig()
	cfg.APIKey = "test-key"
	cfg.BaseURL = srv.URL
	cfg.RateLimitPerMin = 1
	a := NewAnalyzer(cfg, nil, stubFallback{}, zerolog.Nop())
	ctx := context.Background()

	first, _ := a.AnalyzeMarket(ctx, "BTCUSDT", testFrames(1_000_000))
	if first.Source != SourceLLM {
		t.Fatalf("first call source = %s, want llm", first.Source)
	}

	second, _ := a.AnalyzeMarket(ctx, "BTCUSDT", testFrames(2_000_000))
	if second.Source != SourceDeterministic {
		t.Fatalf("second call source = %s, want deterministic once rate limited", second.Source)
	}
	if !strings.Contains(second.Reasoning, "rate limit exceeded") {
		t.Fatalf("reasoning missing cause: %q", second.Reasoning)
	}
	if calls.Load() != 1 {
		t.Fatalf("upstream calls = %d, want 1", calls.Load())
	}
}

func TestAnalyzeMarketOpenAICompatible(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Error("missing bearer token")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-test",
			"object": "chat.completion",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"signal\": \"Neutral\", \"confidence\": 0.4, \"reasoning\": \"mixed\"}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 80, "completion_tokens": 30, "total_tokens": 110}
		}`)
	}))
	defer srv.Close()

	cfg := DefaultAnalyzerConfig()
	cfg.Provider = ProviderOpenAI
	cfg.Model = "gpt-4o-mini"
	cfg.APIKey = "test-key"
	cfg.BaseURL = srv.URL
	a := NewAnalyzer(cfg, nil, stubFallback{}, zerolog.Nop())

	res, err := a.AnalyzeMarket(context.Background(), "BTCUSDT", testFrames(1_000_000))
	if err != nil {
		t.Fatalf("AnalyzeMarket: %v", err)
	}
	if res.Source != SourceLLM || res.Signal != signal.Neutral {
		t.Fatalf("source=%s signal=%s, want llm/Neutral", res.Source, res.Signal)
	}
	if res.Provider != ProviderOpenAI || res.Model != "gpt-4o-mini" {
		t.Fatalf("provider/model = %s/%s", res.Provider, res.Model)
	}
}

func TestAnalyzeMarketClampsConfidence(t *testing.T) {
	var calls atomic.Int64
	srv := claudeServer(t, &calls, `{"signal": "Long", "confidence": 3.5, "reasoning": "overconfident"}`)
	defer srv.Close()

	a := newTestAnalyzer(srv.URL)
	res, err := a.AnalyzeMarket(context.Background(), "BTCUSDT", testFrames(1_000_000))
	if err != nil {
		t.Fatalf("AnalyzeMarket: %v", err)
	}
	if res.Confidence != 1.0 {
		t.Fatalf("confidence = %v, want clamped to 1.0", res.Confidence)
	}
}

func TestStripMarkdownCodeBlock(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a": 1}`, `{"a": 1}`},
		{"json fence", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"bare fence", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"surrounding whitespace", "  ```json\n{\"a\": 1}\n```  ", `{"a": 1}`},
		{"no trailing newline", "```json\n{\"a\": 1}```", `{"a": 1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := stripMarkdownCodeBlock(tc.in); got != tc.want {
				t.Fatalf("stripMarkdownCodeBlock(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeDirection(t *testing.T) {
	cases := map[string]signal.Direction{
		"Long":     signal.Long,
		"long":     signal.Long,
		"BUY":      signal.Long,
		"bullish":  signal.Long,
		"Short":    signal.Short,
		"sell":     signal.Short,
		"bearish":  signal.Short,
		"Neutral":  signal.Neutral,
		"hold":     signal.Neutral,
		"":         signal.Neutral,
		"sideways": signal.Neutral,
	}
	for in, want := range cases {
		if got := normalizeDirection(in); got != want {
			t.Errorf("normalizeDirection(%q) = %s, want %s", in, got, want)
		}
	}
}
