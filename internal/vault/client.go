// Package vault retrieves LLM provider API keys from HashiCorp Vault. With
// Vault disabled the client is an in-memory store so development and tests
// can seed keys directly.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"ai-analysis-service/config"
)

// ProviderKey is one LLM provider credential stored in Vault.
type ProviderKey struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu           sync.RWMutex
	cache        map[string]*ProviderKey
	cacheEnabled bool
}

// NewClient creates a new Vault client. With Vault disabled a cache-only
// client is returned.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{
			config:       cfg,
			cache:        make(map[string]*ProviderKey),
			cacheEnabled: true,
		}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client:       client,
		config:       cfg,
		cache:        make(map[string]*ProviderKey),
		cacheEnabled: true,
	}, nil
}

// StoreProviderKey stores an LLM provider key in Vault.
func (c *Client) StoreProviderKey(ctx context.Context, key ProviderKey) error {
	if !c.config.Enabled {
		c.mu.Lock()
		c.cache[key.Provider] = &key
		c.mu.Unlock()
		return nil
	}

	path := c.secretPath(key.Provider)

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"provider": key.Provider,
			"api_key":  key.APIKey,
		},
	}

	if _, err := c.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		return fmt.Errorf("failed to store provider key in vault: %w", err)
	}

	if c.cacheEnabled {
		c.mu.Lock()
		c.cache[key.Provider] = &key
		c.mu.Unlock()
	}

	return nil
}

// GetProviderKey retrieves an LLM provider key from Vault.
func (c *Client) GetProviderKey(ctx context.Context, provider string) (*ProviderKey, error) {
	if c.cacheEnabled {
		c.mu.RLock()
		if cached, ok := c.cache[provider]; ok {
			c.mu.RUnlock()
			return cached, nil
		}
		c.mu.RUnlock()
	}

	if !c.config.Enabled {
		return nil, fmt.Errorf("provider key not found and vault is disabled")
	}

	path := c.secretPath(provider)

	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider key from vault: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("provider key not found")
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	key := &ProviderKey{
		Provider: getString(data, "provider"),
		APIKey:   getString(data, "api_key"),
	}
	if key.Provider == "" {
		key.Provider = provider
	}

	if c.cacheEnabled {
		c.mu.Lock()
		c.cache[provider] = key
		c.mu.Unlock()
	}

	return key, nil
}

// DeleteProviderKey deletes an LLM provider key from Vault.
func (c *Client) DeleteProviderKey(ctx context.Context, provider string) error {
	c.mu.Lock()
	delete(c.cache, provider)
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}

	path := c.metadataPath(provider)

	if _, err := c.client.Logical().DeleteWithContext(ctx, path); err != nil {
		return fmt.Errorf("failed to delete provider key from vault: %w", err)
	}

	return nil
}

// ClearCache clears the in-memory cache
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]*ProviderKey)
	c.mu.Unlock()
}

// SetCacheEnabled enables or disables caching
func (c *Client) SetCacheEnabled(enabled bool) {
	c.mu.Lock()
	c.cacheEnabled = enabled
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

// secretPath returns the KV v2 data path for a provider key
func (c *Client) secretPath(provider string) string {
	return fmt.Sprintf("%s/data/%s/llm/%s", c.config.MountPath, c.config.SecretPath, provider)
}

// metadataPath returns the KV v2 metadata path for a provider key
func (c *Client) metadataPath(provider string) string {
	return fmt.Sprintf("%s/metadata/%s/llm/%s", c.config.MountPath, c.config.SecretPath, provider)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
