package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ai-analysis-service/config"
	"ai-analysis-service/internal/ai/llm"
	"ai-analysis-service/internal/api"
	"ai-analysis-service/internal/cache"
	"ai-analysis-service/internal/database"
	"ai-analysis-service/internal/features"
	"ai-analysis-service/internal/indicators"
	"ai-analysis-service/internal/logging"
	"ai-analysis-service/internal/settings"
	sig "ai-analysis-service/internal/signal"
	"ai-analysis-service/internal/vault"
	"ai-analysis-service/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LoggingConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Resolve the LLM API key: Vault when enabled, config/env otherwise.
	apiKey := cfg.AIConfig.APIKey
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create vault client")
	}
	if vaultClient.IsEnabled() {
		key, err := vaultClient.GetProviderKey(ctx, cfg.AIConfig.Provider)
		if err != nil {
			logger.Warn().Err(err).Str("provider", cfg.AIConfig.Provider).Msg("no provider key in vault, falling back to config")
		} else {
			apiKey = key.APIKey
		}
	}

	// Redis is optional; without it the settings mirror and pub/sub fan-out
	// are disabled.
	var cacheSvc *cache.CacheService
	if cfg.RedisConfig.Enabled {
		cacheSvc, err = cache.NewCacheService(cfg.RedisConfig, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Redis disabled")
			cacheSvc = nil
		}
	}

	var mirror settings.Mirror
	if cacheSvc != nil {
		mirror = cacheSvc
	}

	settingsCache := settings.NewCache(
		cfg.CoreAPIConfig.BaseURL,
		cfg.CoreAPIConfig.FetchTimeout,
		cfg.CoreAPIConfig.SettingsCacheTTL,
		mirror,
		logger,
	)
	snap := settingsCache.Initialize(ctx)
	logger.Info().
		Bool("default", snap.Default).
		Bool("stale", snap.Stale).
		Msg("settings cache initialized")

	go settingsCache.RunRefreshLoop(ctx, cfg.CoreAPIConfig.RefreshInterval)

	indicatorCfg := snap.IndicatorConfig(cfg.IndicatorConfig.PatternLookback, cfg.IndicatorConfig.MinBodyPercent)
	engine := indicators.NewEngine(indicatorCfg, logger)

	model := sig.NewConfidenceModel(settingsCache, logger)

	ledger := llm.NewCostLedger()
	analyzer := llm.NewAnalyzer(&llm.AnalyzerConfig{
		Enabled:         cfg.AIConfig.Enabled,
		Provider:        llm.Provider(cfg.AIConfig.Provider),
		APIKey:          apiKey,
		Model:           cfg.AIConfig.Model,
		MaxTokens:       cfg.AIConfig.MaxTokens,
		Temperature:     cfg.AIConfig.Temperature,
		Timeout:         30 * time.Second,
		CacheDuration:   cfg.AIConfig.CacheDuration,
		RateLimitPerMin: cfg.AIConfig.RateLimitPerMin,
	}, ledger, model, logger)

	featureEngineer := features.NewEngineer(features.Config{
		Lags:            cfg.FeatureConfig.Lags,
		RollingWindows:  cfg.FeatureConfig.RollingWindows,
		TargetThreshold: cfg.FeatureConfig.TargetThreshold,
		SequenceLength:  cfg.FeatureConfig.SequenceLength,
	}, logger)

	// PostgreSQL is optional; without it signal history and usage totals are
	// served from memory only.
	var repo *database.Repository
	if cfg.DatabaseConfig.Enabled {
		db, err := database.NewDB(database.Config{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: cfg.DatabaseConfig.Password,
			Database: cfg.DatabaseConfig.Database,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		if err := db.RunMigrations(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to run migrations")
		}
		repo = database.NewRepository(db)
	}

	var publisher ws.Publisher
	if cacheSvc != nil {
		publisher = cacheSvc
	}
	hub := ws.NewHub(publisher, cache.ChannelSignals, logger)
	go hub.Run(ctx)

	server := api.NewServer(
		cfg.ServerConfig,
		logger,
		engine,
		settingsCache,
		model,
		analyzer,
		featureEngineer,
		repo,
		cacheSvc,
		hub,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal().Err(err).Msg("server error")
		}
	case s := <-quit:
		logger.Info().Str("signal", s.String()).Msg("shutting down")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
	}

	if cacheSvc != nil {
		if err := cacheSvc.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close Redis connection")
		}
	}

	logger.Info().Msg("shutdown complete")
}
