package secrets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dmitrijs2005/paykeeper/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider("s3cr3t")

	got, err := p.MasterSecret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cr3t"), got)

	// callers may wipe their copy
	got[0] = 0
	again, err := p.MasterSecret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cr3t"), again)

	_, err = NewStaticProvider("").MasterSecret(context.Background())
	assert.ErrorIs(t, err, common.ErrMissingSecret)
}

const kvResponse = `{
  "request_id": "1",
  "data": {
    "data": {"master_secret": "from-vault", "empty": ""},
    "metadata": {
      "created_time": "2025-01-01T00:00:00Z",
      "deletion_time": "",
      "destroyed": false,
      "version": 3
    }
  }
}`

func newVaultServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "root" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
			return
		}
		switch r.URL.Path {
		case "/v1/secret/data/paykeeper":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(kvResponse))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVaultProvider(t *testing.T) {
	srv := newVaultServer(t)

	tests := []struct {
		name    string
		cfg     VaultConfig
		want    string
		wantErr error
	}{
		{name: "reads key", cfg: VaultConfig{Token: "root", Path: "paykeeper", Key: "master_secret"}, want: "from-vault"},
		{name: "empty value", cfg: VaultConfig{Token: "root", Path: "paykeeper", Key: "empty"}, wantErr: common.ErrMissingSecret},
		{name: "missing key", cfg: VaultConfig{Token: "root", Path: "paykeeper", Key: "nope"}, wantErr: common.ErrMissingSecret},
		{name: "missing path", cfg: VaultConfig{Token: "root", Path: "other", Key: "master_secret"}, wantErr: common.ErrMissingSecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Address = srv.URL
			p, err := NewVaultProvider(tt.cfg)
			require.NoError(t, err)

			got, err := p.MasterSecret(context.Background())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestVaultProvider_Forbidden(t *testing.T) {
	srv := newVaultServer(t)

	p, err := NewVaultProvider(VaultConfig{Address: srv.URL, Token: "wrong", Path: "paykeeper", Key: "master_secret"})
	require.NoError(t, err)

	_, err = p.MasterSecret(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, common.ErrMissingSecret)
}
