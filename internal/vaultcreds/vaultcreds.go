// Package vaultcreds loads secrets the engine needs at startup — the
// database DSN and, if the upstream exchange ever requires authenticated
// endpoints, exchange API credentials — from HashiCorp Vault when
// configured, degrading to environment-provided values when it isn't.
package vaultcreds

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"

	"market-signal-engine/internal/config"
	"market-signal-engine/internal/logging"
)

const (
	exchangeCredentialsPath = "secret/data/exchange-credentials"
	persistenceDSNPath      = "secret/data/persistence-dsn"
)

// ExchangeCredentials are the upstream exchange API key pair, read from
// Vault when present. The engine only issues public market-data endpoints
// today, so these are carried for forward compatibility rather than used.
type ExchangeCredentials struct {
	APIKey    string
	SecretKey string
}

// Client reads engine secrets from Vault. A nil Client (when Vault isn't
// configured) is never constructed — callers check cfg.Enabled first and
// fall back to the plain env-provided config values.
type Client struct {
	vault *api.Client
	log   *logging.Logger
}

// New builds a Vault-backed credential loader from cfg.
func New(cfg config.VaultConfig, log *logging.Logger) (*Client, error) {
	vc := api.DefaultConfig()
	vc.Address = cfg.Address

	vaultClient, err := api.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("vaultcreds: creating client: %w", err)
	}
	vaultClient.SetToken(cfg.Token)

	return &Client{vault: vaultClient, log: log.Component("vaultcreds")}, nil
}

// PersistenceDSN reads the database connection string from Vault.
func (c *Client) PersistenceDSN(ctx context.Context) (string, error) {
	secret, err := c.vault.Logical().ReadWithContext(ctx, persistenceDSNPath)
	if err != nil {
		return "", fmt.Errorf("vaultcreds: reading persistence dsn: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vaultcreds: no data at %s", persistenceDSNPath)
	}
	data, _ := secret.Data["data"].(map[string]interface{})
	dsn, _ := data["dsn"].(string)
	if dsn == "" {
		return "", fmt.Errorf("vaultcreds: dsn field missing or empty at %s", persistenceDSNPath)
	}
	return dsn, nil
}

// ExchangeCredentials reads the upstream exchange API key pair from Vault.
func (c *Client) ExchangeCredentials(ctx context.Context) (ExchangeCredentials, error) {
	secret, err := c.vault.Logical().ReadWithContext(ctx, exchangeCredentialsPath)
	if err != nil {
		return ExchangeCredentials{}, fmt.Errorf("vaultcreds: reading exchange credentials: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return ExchangeCredentials{}, fmt.Errorf("vaultcreds: no data at %s", exchangeCredentialsPath)
	}
	data, _ := secret.Data["data"].(map[string]interface{})
	apiKey, _ := data["api_key"].(string)
	secretKey, _ := data["secret_key"].(string)
	return ExchangeCredentials{APIKey: apiKey, SecretKey: secretKey}, nil
}
