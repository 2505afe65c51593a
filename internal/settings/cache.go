package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// settingsPath is the core service endpoint that owns the settings.
const settingsPath = "/api/paper-trading/indicator-settings"

// mirrorKey is the cache key for the last-good snapshot mirror and mirrorTTL
// bounds how long a mirrored snapshot survives.
const (
	mirrorKey = "ai-analysis:settings:snapshot"
	mirrorTTL = 24 * time.Hour
)

// envelope is the core service's response wrapper.
type envelope struct {
	Success bool      `json:"success"`
	Data    *Snapshot `json:"data"`
	Error   string    `json:"error,omitempty"`
}

// Mirror persists the last-good snapshot outside the process (best effort).
// The Redis cache service satisfies this interface.
type Mirror interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// Cache is the single source of truth for synced settings. All reads and
// refreshes serialize through one mutex so callers never observe a
// half-updated snapshot.
type Cache struct {
	baseURL    string
	httpClient *http.Client
	ttl        time.Duration
	mirror     Mirror // may be nil
	logger     zerolog.Logger

	mu          sync.Mutex
	snapshot    *Snapshot
	lastFetch   time.Time
	initialized bool
}

// NewCache creates a settings cache. mirror may be nil when Redis is
// disabled.
func NewCache(baseURL string, fetchTimeout, ttl time.Duration, mirror Mirror, logger zerolog.Logger) *Cache {
	return &Cache{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: fetchTimeout},
		ttl:        ttl,
		mirror:     mirror,
		logger:     logger.With().Str("component", "settings").Logger(),
	}
}

// Initialize performs the startup forced fetch. It is idempotent: a second
// call returns immediately without another network round trip.
func (c *Cache) Initialize(ctx context.Context) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return c.currentLocked()
	}
	c.initialized = true

	snap, err := c.fetch(ctx)
	if err == nil {
		c.storeLocked(ctx, snap)
		c.logger.Info().Msg("settings synchronized from core service")
		return snap.clone()
	}
	c.logger.Warn().Err(err).Msg("initial settings fetch failed")

	// Warm start from the mirror if a previous process left one behind.
	if restored := c.loadMirror(ctx); restored != nil {
		restored.Stale = true
		c.snapshot = restored
		c.lastFetch = time.Time{} // force a refetch on the next read
		c.logger.Warn().Msg("using mirrored settings snapshot, marked stale")
		return restored.clone()
	}

	c.logger.Warn().Msg("no settings available, using hardcoded defaults")
	return DefaultSnapshot()
}

// GetSettings returns the cached snapshot while it is fresh, refetching once
// it has aged past the TTL. On refetch failure it degrades to the stale
// snapshot, or to the hardcoded defaults if nothing was ever fetched. It
// never returns nil and never returns an error for a data-source problem.
func (c *Cache) GetSettings(ctx context.Context) *Snapshot {
	return c.get(ctx, false)
}

// ForceRefresh always performs the network fetch regardless of cache age.
func (c *Cache) ForceRefresh(ctx context.Context) *Snapshot {
	return c.get(ctx, true)
}

func (c *Cache) get(ctx context.Context, force bool) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force && c.snapshot != nil && time.Since(c.lastFetch) < c.ttl {
		return c.snapshot.clone()
	}

	snap, err := c.fetch(ctx)
	if err == nil {
		c.storeLocked(ctx, snap)
		return snap.clone()
	}

	if c.snapshot != nil {
		c.logger.Warn().Err(err).Msg("settings refresh failed, serving stale snapshot")
		stale := c.snapshot.clone()
		stale.Stale = true
		return stale
	}

	c.logger.Warn().Err(err).Msg("settings unavailable and no cache, serving defaults")
	return DefaultSnapshot()
}

// RunRefreshLoop refreshes the snapshot on a fixed interval until the context
// is cancelled. Transient failures are logged and the loop continues; it
// never crashes the process.
func (c *Cache) RunRefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info().Dur("interval", interval).Msg("settings refresh loop started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("settings refresh loop stopped")
			return
		case <-ticker.C:
			snap := c.ForceRefresh(ctx)
			if snap.Stale || snap.Default {
				continue // already logged inside get
			}
			c.logger.Debug().Time("fetched_at", snap.FetchedAt).Msg("settings refreshed")
		}
	}
}

// currentLocked returns a copy of whatever the cache holds right now, without
// touching the network. Callers must hold c.mu.
func (c *Cache) currentLocked() *Snapshot {
	if c.snapshot != nil {
		return c.snapshot.clone()
	}
	return DefaultSnapshot()
}

// storeLocked records a successful fetch and mirrors it best effort. Callers
// must hold c.mu.
func (c *Cache) storeLocked(ctx context.Context, snap *Snapshot) {
	c.snapshot = snap
	c.lastFetch = time.Now()

	if c.mirror == nil {
		return
	}
	if data, err := json.Marshal(snap); err == nil {
		if err := c.mirror.Set(ctx, mirrorKey, string(data), mirrorTTL); err != nil {
			c.logger.Debug().Err(err).Msg("failed to mirror settings snapshot")
		}
	}
}

func (c *Cache) loadMirror(ctx context.Context) *Snapshot {
	if c.mirror == nil {
		return nil
	}
	data, err := c.mirror.Get(ctx, mirrorKey)
	if err != nil || data == "" {
		return nil
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		c.logger.Debug().Err(err).Msg("mirrored settings snapshot is corrupt")
		return nil
	}
	return &snap
}

func (c *Cache) fetch(ctx context.Context) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+settingsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create settings request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("settings fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("settings endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse settings response: %w", err)
	}
	if !env.Success || env.Data == nil {
		return nil, fmt.Errorf("settings endpoint reported failure: %s", env.Error)
	}

	snap := env.Data
	snap.FetchedAt = time.Now()
	snap.Stale = false
	snap.Default = false
	return snap, nil
}
