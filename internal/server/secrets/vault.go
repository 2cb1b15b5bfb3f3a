package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/paykeeper/internal/common"
	vault "github.com/hashicorp/vault/api"
)

// VaultConfig locates the secret in a KV v2 engine.
type VaultConfig struct {
	Address string
	Token   string
	Mount   string
	Path    string
	Key     string
}

// VaultProvider reads the master secret from HashiCorp Vault.
type VaultProvider struct {
	client *vault.Client
	mount  string
	path   string
	key    string
}

func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}

	return &VaultProvider{client: client, mount: mount, path: cfg.Path, key: cfg.Key}, nil
}

// MasterSecret fetches the latest version of the secret. A missing path or
// key, or an empty value, is common.ErrMissingSecret.
func (p *VaultProvider) MasterSecret(ctx context.Context) ([]byte, error) {
	secret, err := p.client.KVv2(p.mount).Get(ctx, p.path)
	if errors.Is(err, vault.ErrSecretNotFound) {
		return nil, fmt.Errorf("%w: %s/%s not found", common.ErrMissingSecret, p.mount, p.path)
	}
	if err != nil {
		return nil, fmt.Errorf("vault read: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, common.ErrMissingSecret
	}

	v, ok := secret.Data[p.key].(string)
	if !ok || v == "" {
		return nil, fmt.Errorf("%w: key %q is empty", common.ErrMissingSecret, p.key)
	}
	return []byte(v), nil
}
