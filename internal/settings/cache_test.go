package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeMirror is an in-memory Mirror.
type fakeMirror struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{data: make(map[string]string)}
}

func (m *fakeMirror) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *fakeMirror) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.data[key]; ok {
		return v, nil
	}
	return "", fmt.Errorf("key not found")
}

// settingsServer serves the settings endpoint, counting fetches. When
// failing is set it returns 500.
func settingsServer(t *testing.T, fetches *atomic.Int64, failing *atomic.Bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/paper-trading/indicator-settings" {
			http.NotFound(w, r)
			return
		}
		fetches.Add(1)
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		snap := DefaultSnapshot()
		snap.Indicators.RSIPeriod = 7
		snap.Signal.MinRequiredTimeframes = 2

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data":    snap,
		})
	}))
}

func newTestCache(url string, ttl time.Duration, mirror Mirror) *Cache {
	return NewCache(url, 2*time.Second, ttl, mirror, zerolog.Nop())
}

func TestInitializeFetchesOnce(t *testing.T) {
	var fetches atomic.Int64
	var failing atomic.Bool
	srv := settingsServer(t, &fetches, &failing)
	defer srv.Close()

	cache := newTestCache(srv.URL, 5*time.Minute, nil)
	ctx := context.Background()

	snap := cache.Initialize(ctx)
	if snap.Indicators.RSIPeriod != 7 {
		t.Fatalf("RSIPeriod = %d, want 7 from server", snap.Indicators.RSIPeriod)
	}
	if snap.Default || snap.Stale {
		t.Fatalf("fresh snapshot flagged default=%v stale=%v", snap.Default, snap.Stale)
	}

	// Idempotent: the second call must not hit the network.
	cache.Initialize(ctx)
	if got := fetches.Load(); got != 1 {
		t.Fatalf("fetches after double Initialize = %d, want 1", got)
	}
}

func TestGetSettingsCacheHit(t *testing.T) {
	var fetches atomic.Int64
	var failing atomic.Bool
	srv := settingsServer(t, &fetches, &failing)
	defer srv.Close()

	cache := newTestCache(srv.URL, 5*time.Minute, nil)
	ctx := context.Background()

	cache.Initialize(ctx)
	cache.GetSettings(ctx)
	cache.GetSettings(ctx)

	if got := fetches.Load(); got != 1 {
		t.Fatalf("fetches = %d, want 1 (reads within TTL must not refetch)", got)
	}
}

func TestGetSettingsTTLExpiry(t *testing.T) {
	var fetches atomic.Int64
	var failing atomic.Bool
	srv := settingsServer(t, &fetches, &failing)
	defer srv.Close()

	cache := newTestCache(srv.URL, 50*time.Millisecond, nil)
	ctx := context.Background()

	cache.Initialize(ctx)
	time.Sleep(80 * time.Millisecond)

	cache.GetSettings(ctx)
	cache.GetSettings(ctx)

	if got := fetches.Load(); got != 2 {
		t.Fatalf("fetches = %d, want 2 (exactly one refetch after TTL expiry)", got)
	}
}

func TestForceRefreshIgnoresTTL(t *testing.T) {
	var fetches atomic.Int64
	var failing atomic.Bool
	srv := settingsServer(t, &fetches, &failing)
	defer srv.Close()

	cache := newTestCache(srv.URL, 5*time.Minute, nil)
	ctx := context.Background()

	cache.Initialize(ctx)
	cache.ForceRefresh(ctx)

	if got := fetches.Load(); got != 2 {
		t.Fatalf("fetches = %d, want 2", got)
	}
}

func TestStaleFallbackAfterFailedRefresh(t *testing.T) {
	var fetches atomic.Int64
	var failing atomic.Bool
	srv := settingsServer(t, &fetches, &failing)
	defer srv.Close()

	cache := newTestCache(srv.URL, 5*time.Minute, nil)
	ctx := context.Background()

	cache.Initialize(ctx)
	failing.Store(true)

	snap := cache.ForceRefresh(ctx)
	if !snap.Stale {
		t.Fatal("snapshot not marked stale after failed refresh")
	}
	if snap.Indicators.RSIPeriod != 7 {
		t.Fatalf("stale snapshot lost fetched values: RSIPeriod = %d", snap.Indicators.RSIPeriod)
	}
}

func TestDefaultsWhenNeverFetched(t *testing.T) {
	var fetches atomic.Int64
	failing := atomic.Bool{}
	failing.Store(true)
	srv := settingsServer(t, &fetches, &failing)
	defer srv.Close()

	cache := newTestCache(srv.URL, 5*time.Minute, nil)
	snap := cache.Initialize(context.Background())

	if !snap.Default {
		t.Fatal("snapshot not marked default when no fetch ever succeeded")
	}
	want := DefaultSnapshot()
	if snap.Indicators.RSIPeriod != want.Indicators.RSIPeriod ||
		snap.Signal.ConfidenceBase != want.Signal.ConfidenceBase {
		t.Fatalf("default snapshot mismatch: %+v", snap.Indicators)
	}
}

func TestMirrorWarmStart(t *testing.T) {
	var fetches atomic.Int64
	var failing atomic.Bool
	srv := settingsServer(t, &fetches, &failing)
	defer srv.Close()

	mirror := newFakeMirror()
	ctx := context.Background()

	// First process fetches successfully and mirrors the snapshot.
	first := newTestCache(srv.URL, 5*time.Minute, mirror)
	first.Initialize(ctx)

	// Second process starts while the core service is down.
	failing.Store(true)
	second := newTestCache(srv.URL, 5*time.Minute, mirror)
	snap := second.Initialize(ctx)

	if snap.Default {
		t.Fatal("mirror warm start fell back to defaults")
	}
	if !snap.Stale {
		t.Fatal("mirrored snapshot not marked stale")
	}
	if snap.Indicators.RSIPeriod != 7 {
		t.Fatalf("mirrored snapshot lost values: RSIPeriod = %d", snap.Indicators.RSIPeriod)
	}
}

// TestDefaultSnapshotContract pins the hardcoded defaults. These mirror the
// core service's compiled defaults; a mismatch is a cross-service bug, so a
// failure here means the core service must change too.
func TestDefaultSnapshotContract(t *testing.T) {
	snap := DefaultSnapshot()

	ind := snap.Indicators
	if ind.RSIPeriod != 14 {
		t.Errorf("rsi_period = %d, want 14", ind.RSIPeriod)
	}
	if ind.MACDFast != 12 || ind.MACDSlow != 26 || ind.MACDSignal != 9 {
		t.Errorf("macd = %d/%d/%d, want 12/26/9", ind.MACDFast, ind.MACDSlow, ind.MACDSignal)
	}
	if len(ind.EMAPeriods) != 3 || ind.EMAPeriods[0] != 9 || ind.EMAPeriods[1] != 21 || ind.EMAPeriods[2] != 50 {
		t.Errorf("ema_periods = %v, want [9 21 50]", ind.EMAPeriods)
	}
	if ind.BollingerPeriod != 20 || ind.BollingerStd != 2.0 {
		t.Errorf("bollinger = %d/%v, want 20/2.0", ind.BollingerPeriod, ind.BollingerStd)
	}
	if ind.VolumeSMAPeriod != 20 {
		t.Errorf("volume_sma_period = %d, want 20", ind.VolumeSMAPeriod)
	}
	if ind.StochasticKPeriod != 14 || ind.StochasticDPeriod != 3 {
		t.Errorf("stochastic = %d/%d, want 14/3", ind.StochasticKPeriod, ind.StochasticDPeriod)
	}

	sig := snap.Signal
	if sig.TrendThresholdPercent != 0.8 {
		t.Errorf("trend_threshold_percent = %v, want 0.8", sig.TrendThresholdPercent)
	}
	if sig.MinRequiredTimeframes != 3 {
		t.Errorf("min_required_timeframes = %d, want 3", sig.MinRequiredTimeframes)
	}
	if sig.MinRequiredIndicators != 4 {
		t.Errorf("min_required_indicators = %d, want 4", sig.MinRequiredIndicators)
	}
	if sig.ConfidenceBase != 0.5 {
		t.Errorf("confidence_base = %v, want 0.5", sig.ConfidenceBase)
	}
	if sig.ConfidencePerTimeframe != 0.08 {
		t.Errorf("confidence_per_timeframe = %v, want 0.08", sig.ConfidencePerTimeframe)
	}

	if !snap.Default {
		t.Error("DefaultSnapshot not flagged as default")
	}
}

func TestSnapshotCopiesAreIndependent(t *testing.T) {
	var fetches atomic.Int64
	var failing atomic.Bool
	srv := settingsServer(t, &fetches, &failing)
	defer srv.Close()

	cache := newTestCache(srv.URL, 5*time.Minute, nil)
	ctx := context.Background()

	first := cache.Initialize(ctx)
	first.Indicators.RSIPeriod = 99
	first.Indicators.EMAPeriods[0] = 99

	second := cache.GetSettings(ctx)
	if second.Indicators.RSIPeriod == 99 || second.Indicators.EMAPeriods[0] == 99 {
		t.Fatal("mutation of a returned snapshot leaked into the cache")
	}
}
