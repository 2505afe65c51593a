package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the top-level service configuration. It is loaded once in main
// and passed explicitly into every component that needs it.
type Config struct {
	ServerConfig    ServerConfig    `json:"server"`
	CoreAPIConfig   CoreAPIConfig   `json:"core_api"`
	IndicatorConfig IndicatorConfig `json:"indicators"`
	FeatureConfig   FeatureConfig   `json:"features"`
	AIConfig        AIConfig        `json:"ai"`
	RedisConfig     RedisConfig     `json:"redis"`
	DatabaseConfig  DatabaseConfig  `json:"database"`
	VaultConfig     VaultConfig     `json:"vault"`
	LoggingConfig   LoggingConfig   `json:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	AllowedOrigins  []string `json:"allowed_origins"`
	RateLimitPerMin int      `json:"rate_limit_per_min"`
	ReadTimeoutSec  int      `json:"read_timeout_sec"`
	WriteTimeoutSec int      `json:"write_timeout_sec"`
}

// CoreAPIConfig points at the core trading service that owns the
// authoritative indicator/signal settings.
type CoreAPIConfig struct {
	BaseURL          string        `json:"base_url"`
	FetchTimeout     time.Duration `json:"fetch_timeout"`
	SettingsCacheTTL time.Duration `json:"settings_cache_ttl"`
	RefreshInterval  time.Duration `json:"refresh_interval"`
}

// IndicatorConfig holds local overrides for indicator computation. These are
// only used before the first successful settings fetch; the synced settings
// snapshot wins afterwards.
type IndicatorConfig struct {
	PatternLookback int     `json:"pattern_lookback"`
	MinBodyPercent  float64 `json:"min_body_percent"`
}

// FeatureConfig holds feature engineering configuration
type FeatureConfig struct {
	Lags            []int   `json:"lags"`
	RollingWindows  []int   `json:"rolling_windows"`
	TargetThreshold float64 `json:"target_threshold"` // fraction, e.g. 0.005 = 0.5%
	SequenceLength  int     `json:"sequence_length"`
}

// AIConfig holds LLM configuration
type AIConfig struct {
	Enabled         bool    `json:"enabled"`
	Provider        string  `json:"provider"` // "claude", "openai", or "deepseek"
	APIKey          string  `json:"api_key"`
	Model           string  `json:"model"`
	MaxTokens       int     `json:"max_tokens"`
	Temperature     float64 `json:"temperature"`
	RateLimitPerMin int     `json:"rate_limit_per_min"`
	CacheDuration   time.Duration `json:"cache_duration"`
}

// RedisConfig holds Redis cache configuration
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// DatabaseConfig holds PostgreSQL configuration for analysis history
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// VaultConfig holds HashiCorp Vault configuration for LLM API keys
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json or console
	Output string `json:"output"` // stdout, stderr, or file path
}

// Load reads configuration from an optional JSON file and applies environment
// variable overrides on top.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		fileCfg, err := loadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		ServerConfig: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8060,
			AllowedOrigins:  []string{"http://localhost:5173", "http://localhost:8080"},
			RateLimitPerMin: 120,
			ReadTimeoutSec:  30,
			WriteTimeoutSec: 30,
		},
		CoreAPIConfig: CoreAPIConfig{
			BaseURL:          "http://localhost:8080",
			FetchTimeout:     10 * time.Second,
			SettingsCacheTTL: 5 * time.Minute,
			RefreshInterval:  5 * time.Minute,
		},
		IndicatorConfig: IndicatorConfig{
			PatternLookback: 40,
			MinBodyPercent:  0.5,
		},
		FeatureConfig: FeatureConfig{
			Lags:            []int{1, 2, 3, 5, 10},
			RollingWindows:  []int{5, 10},
			TargetThreshold: 0.005,
			SequenceLength:  60,
		},
		AIConfig: AIConfig{
			Enabled:         true,
			Provider:        "claude",
			Model:           "claude-sonnet-4-20250514",
			MaxTokens:       1024,
			Temperature:     0.3,
			RateLimitPerMin: 10,
			CacheDuration:   5 * time.Minute,
		},
		RedisConfig: RedisConfig{
			Enabled:  false,
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		DatabaseConfig: DatabaseConfig{
			Enabled: false,
			Host:    "localhost",
			Port:    5432,
			User:    "postgres",
			SSLMode: "disable",
		},
		VaultConfig: VaultConfig{
			Enabled:    false,
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "ai-analysis/llm",
		},
		LoggingConfig: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	// Server
	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.RateLimitPerMin = getEnvIntOrDefault("SERVER_RATE_LIMIT_PER_MIN", cfg.ServerConfig.RateLimitPerMin)

	// Core API (settings source)
	cfg.CoreAPIConfig.BaseURL = getEnvOrDefault("RUST_API_URL", cfg.CoreAPIConfig.BaseURL)
	cfg.CoreAPIConfig.FetchTimeout = getEnvDurationOrDefault("CORE_API_FETCH_TIMEOUT", cfg.CoreAPIConfig.FetchTimeout)
	cfg.CoreAPIConfig.SettingsCacheTTL = getEnvDurationOrDefault("SETTINGS_CACHE_TTL", cfg.CoreAPIConfig.SettingsCacheTTL)
	cfg.CoreAPIConfig.RefreshInterval = getEnvDurationOrDefault("SETTINGS_REFRESH_INTERVAL", cfg.CoreAPIConfig.RefreshInterval)

	// AI
	cfg.AIConfig.Enabled = getEnvOrDefault("AI_ENABLED", boolString(cfg.AIConfig.Enabled)) == "true"
	cfg.AIConfig.Provider = getEnvOrDefault("AI_LLM_PROVIDER", cfg.AIConfig.Provider)
	cfg.AIConfig.APIKey = getEnvOrDefault("AI_LLM_API_KEY", cfg.AIConfig.APIKey)
	cfg.AIConfig.Model = getEnvOrDefault("AI_LLM_MODEL", cfg.AIConfig.Model)
	cfg.AIConfig.MaxTokens = getEnvIntOrDefault("AI_LLM_MAX_TOKENS", cfg.AIConfig.MaxTokens)
	cfg.AIConfig.RateLimitPerMin = getEnvIntOrDefault("AI_RATE_LIMIT_PER_MIN", cfg.AIConfig.RateLimitPerMin)

	// Redis
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", boolString(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", cfg.RedisConfig.PoolSize)

	// Database
	cfg.DatabaseConfig.Enabled = getEnvOrDefault("DB_ENABLED", boolString(cfg.DatabaseConfig.Enabled)) == "true"
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Vault
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", boolString(cfg.VaultConfig.Enabled)) == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Format = getEnvOrDefault("LOG_FORMAT", cfg.LoggingConfig.Format)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime behavior.
func (c *Config) Validate() error {
	if c.ServerConfig.Port <= 0 || c.ServerConfig.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.ServerConfig.Port)
	}
	if c.CoreAPIConfig.BaseURL == "" {
		return fmt.Errorf("core API base URL must not be empty")
	}
	if c.CoreAPIConfig.FetchTimeout <= 0 {
		return fmt.Errorf("core API fetch timeout must be positive")
	}
	if c.FeatureConfig.SequenceLength <= 0 {
		return fmt.Errorf("feature sequence length must be positive")
	}
	switch c.AIConfig.Provider {
	case "claude", "openai", "deepseek":
	default:
		return fmt.Errorf("unsupported LLM provider: %s", c.AIConfig.Provider)
	}
	return nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := defaultConfig()
	if err := json.Unmarshal(file, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
