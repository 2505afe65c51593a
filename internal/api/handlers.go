package api

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"ai-analysis-service/internal/ai/llm"
	"ai-analysis-service/internal/database"
	"ai-analysis-service/internal/indicators"
	"ai-analysis-service/internal/market"
	"ai-analysis-service/internal/ws"
)

// AnalysisRequest carries candles for one symbol across timeframes.
type AnalysisRequest struct {
	Symbol     string                   `json:"symbol" binding:"required"`
	Timeframes map[string]market.Series `json:"timeframes" binding:"required"`
}

// IndicatorsRequest carries candles for one indicator computation.
type IndicatorsRequest struct {
	Candles market.Series `json:"candles" binding:"required"`
}

// FeaturesRequest carries candles for feature engineering.
type FeaturesRequest struct {
	Candles        market.Series `json:"candles" binding:"required"`
	IncludeTargets bool          `json:"include_targets"`
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "error": message})
}

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

// requestEngine builds an indicator engine from the currently synced
// settings, keeping the locally configured pattern parameters.
func (s *Server) requestEngine(c *gin.Context) *indicators.Engine {
	base := s.engine.Config()
	snap := s.settings.GetSettings(c.Request.Context())
	cfg := snap.IndicatorConfig(base.PatternLookback, base.MinBodyPercent)
	return indicators.NewEngine(cfg, s.logger)
}

// handleHealth reports component health.
func (s *Server) handleHealth(c *gin.Context) {
	snap := s.settings.GetSettings(c.Request.Context())

	health := gin.H{
		"status":         "ok",
		"llm_enabled":    s.analyzer.IsEnabled(),
		"settings_stale": snap.Stale,
		"settings_default": snap.Default,
		"database":       s.repo != nil,
	}
	if s.cacheSvc != nil {
		health["redis"] = s.cacheSvc.GetStats()
	}

	c.JSON(http.StatusOK, health)
}

// handleAnalysis runs the full pipeline: indicators per timeframe, LLM (or
// deterministic) analysis, persistence and broadcast.
func (s *Server) handleAnalysis(c *gin.Context) {
	var req AnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Timeframes) == 0 {
		respondError(c, http.StatusBadRequest, "at least one timeframe is required")
		return
	}

	engine := s.requestEngine(c)

	frames := make(map[string]llm.TimeframeSnapshot, len(req.Timeframes))
	for name, candles := range req.Timeframes {
		if err := candles.Validate(); err != nil {
			respondError(c, http.StatusBadRequest, "timeframe "+name+": "+err.Error())
			return
		}
		frames[name] = llm.TimeframeSnapshot{
			Candles:    candles,
			Indicators: engine.CalculateAll(candles),
		}
	}

	analysis, err := s.analyzer.AnalyzeMarket(c.Request.Context(), req.Symbol, frames)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	if s.repo != nil {
		timeframes := make([]string, 0, len(frames))
		for name := range frames {
			timeframes = append(timeframes, name)
		}
		sort.Strings(timeframes)

		rec := &database.SignalRecord{
			Symbol:     analysis.Symbol,
			Signal:     string(analysis.Signal),
			Confidence: analysis.Confidence,
			Reasoning:  analysis.Reasoning,
			Source:     analysis.Source,
			Provider:   string(analysis.Provider),
			Model:      analysis.Model,
			CostUSD:    analysis.CostUSD,
			Timeframes: timeframes,
			CreatedAt:  analysis.Timestamp,
		}
		if err := s.repo.SaveSignal(c.Request.Context(), rec); err != nil {
			s.logger.Error().Err(err).Str("symbol", req.Symbol).Msg("failed to persist signal")
		}
		if analysis.Source == llm.SourceLLM && analysis.CostUSD > 0 {
			usage := &database.UsageRecord{
				Provider:     string(analysis.Provider),
				Model:        analysis.Model,
				InputTokens:  int64(analysis.InputTokens),
				OutputTokens: int64(analysis.OutputTokens),
				CostUSD:      analysis.CostUSD,
				CreatedAt:    analysis.Timestamp,
			}
			if err := s.repo.SaveUsage(c.Request.Context(), usage); err != nil {
				s.logger.Error().Err(err).Msg("failed to persist llm usage")
			}
		}
	}

	if s.hub != nil {
		s.hub.BroadcastSignal(analysis)
	}

	respondOK(c, analysis)
}

// handleIndicators computes the indicator set and chart patterns for a
// candle series using the synced settings.
func (s *Server) handleIndicators(c *gin.Context) {
	var req IndicatorsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := req.Candles.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	engine := s.requestEngine(c)
	set := engine.CalculateAll(req.Candles)

	respondOK(c, set)
}

// handleFeatures computes the feature matrix for a candle series.
func (s *Server) handleFeatures(c *gin.Context) {
	var req FeaturesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := req.Candles.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	engine := s.requestEngine(c)
	set := engine.CalculateAll(req.Candles)

	frame, err := s.features.PrepareFeatures(req.Candles, set)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}

	data := gin.H{
		"columns": frame.Columns,
		"rows":    frame.Rows,
	}
	if req.IncludeTargets {
		data["targets"] = s.features.Targets(req.Candles)
	}

	respondOK(c, data)
}

// handleGetSettings returns the currently synced settings snapshot.
func (s *Server) handleGetSettings(c *gin.Context) {
	respondOK(c, s.settings.GetSettings(c.Request.Context()))
}

// handleRefreshSettings forces a settings fetch from the core service.
func (s *Server) handleRefreshSettings(c *gin.Context) {
	snap := s.settings.ForceRefresh(c.Request.Context())
	if snap.Stale || snap.Default {
		// The refresh failed; the returned snapshot is the fallback.
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error":   "settings refresh failed, serving fallback snapshot",
			"data":    snap,
		})
		return
	}
	respondOK(c, snap)
}

// handleUsage reports the in-memory cost ledger and, when persistence is on,
// the all-time database totals.
func (s *Server) handleUsage(c *gin.Context) {
	data := gin.H{
		"session": s.analyzer.Ledger().Summary(),
	}

	if s.repo != nil {
		totals, err := s.repo.UsageTotals(c.Request.Context())
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to load usage totals")
		} else {
			data["all_time"] = totals
		}
	}

	respondOK(c, data)
}

// handleRecentSignals returns recently persisted signals.
func (s *Server) handleRecentSignals(c *gin.Context) {
	if s.repo == nil {
		respondError(c, http.StatusNotImplemented, "signal history requires database persistence")
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	records, err := s.repo.RecentSignals(c.Request.Context(), c.Query("symbol"), limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(c, records)
}

// handleWebSocket upgrades the connection and registers it with the hub.
func (s *Server) handleWebSocket(c *gin.Context) {
	if s.hub == nil {
		respondError(c, http.StatusNotImplemented, "websocket broadcasting is disabled")
		return
	}
	if err := ws.ServeWS(s.hub, c.Writer, c.Request); err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
	}
}
