// Package vault loads operational credentials (database password, JWT signing
// secret) from HashiCorp Vault so they never live in the config file.
package vault

import (
	"context"
	"fmt"
	"sync"

	"capguard/config"

	"github.com/hashicorp/vault/api"
)

// Credentials is the secret material capguard pulls from Vault.
type Credentials struct {
	DatabasePassword string `json:"database_password"`
	RedisPassword    string `json:"redis_password"`
	JWTSecret        string `json:"jwt_secret"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu     sync.RWMutex
	cached *Credentials
}

// NewClient creates a new Vault client. With Vault disabled the client is a
// no-op that returns empty credentials.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{CACert: cfg.CACert}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// LoadCredentials reads the capguard secret from the KV v2 mount.
func (c *Client) LoadCredentials(ctx context.Context) (*Credentials, error) {
	if !c.config.Enabled {
		return &Credentials{}, nil
	}

	c.mu.RLock()
	if c.cached != nil {
		defer c.mu.RUnlock()
		return c.cached, nil
	}
	c.mu.RUnlock()

	path := fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)

	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("credentials not found at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format at %s", path)
	}

	creds := &Credentials{
		DatabasePassword: getString(data, "database_password"),
		RedisPassword:    getString(data, "redis_password"),
		JWTSecret:        getString(data, "jwt_secret"),
	}

	c.mu.Lock()
	c.cached = creds
	c.mu.Unlock()

	return creds, nil
}

// Apply overlays Vault credentials onto the configuration where the config
// left them blank.
func (creds *Credentials) Apply(cfg *config.Config) {
	if cfg.DatabaseConfig.Password == "" {
		cfg.DatabaseConfig.Password = creds.DatabasePassword
	}
	if cfg.RedisConfig.Password == "" {
		cfg.RedisConfig.Password = creds.RedisPassword
	}
	if cfg.AuthConfig.JWTSecret == "" {
		cfg.AuthConfig.JWTSecret = creds.JWTSecret
	}
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
