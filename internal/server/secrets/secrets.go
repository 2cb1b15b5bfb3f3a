// Package secrets resolves the process master secret. The server reads it
// once at startup and fails fast when it is absent.
package secrets

import (
	"context"

	"github.com/dmitrijs2005/paykeeper/internal/common"
)

// Provider returns the master secret.
type Provider interface {
	MasterSecret(ctx context.Context) ([]byte, error)
}

// StaticProvider serves a secret taken from configuration.
type StaticProvider struct {
	secret []byte
}

func NewStaticProvider(secret string) *StaticProvider {
	return &StaticProvider{secret: []byte(secret)}
}

func (p *StaticProvider) MasterSecret(ctx context.Context) ([]byte, error) {
	if len(p.secret) == 0 {
		return nil, common.ErrMissingSecret
	}
	out := make([]byte, len(p.secret))
	copy(out, p.secret)
	return out, nil
}
