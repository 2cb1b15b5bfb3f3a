package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dmitrijs2005/paykeeper/internal/common"
	"github.com/dmitrijs2005/paykeeper/internal/cryptox"
	"github.com/dmitrijs2005/paykeeper/internal/timex"
	"golang.org/x/crypto/hkdf"
)

const (
	tokenKeyInfo = "paykeeper intent token v1"
	nonceSize    = 16
)

// tokenBody is the plaintext inside an intent token.
type tokenBody struct {
	PrincipalID string `json:"p"`
	IntentID    string `json:"i"`
	IssuedAt    int64  `json:"t"`
	Nonce       string `json:"n"`
}

// IntentTokenizer issues and verifies the short-lived tokens that authorize
// one principal to advance one intent.
//
// The token key is derived from the master secret with HKDF, so it never
// equals any per-principal key. Tokens are not stored: validity comes only
// from the embedded issue time and the key.
type IntentTokenizer struct {
	key      []byte
	validity time.Duration
	clock    timex.Clock
}

// NewIntentTokenizer derives the token key from masterSecret.
func NewIntentTokenizer(masterSecret []byte, validity time.Duration, clock timex.Clock) (*IntentTokenizer, error) {
	if len(masterSecret) == 0 {
		return nil, common.ErrMissingSecret
	}
	if validity <= 0 {
		return nil, common.NewValidationError("token_validity", "must be positive")
	}
	if clock == nil {
		clock = timex.SystemClock()
	}

	key := make([]byte, cryptox.KeySize)
	r := hkdf.New(sha256.New, masterSecret, nil, []byte(tokenKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive token key: %w", err)
	}

	return &IntentTokenizer{key: key, validity: validity, clock: clock}, nil
}

// Validity is the configured token lifetime.
func (t *IntentTokenizer) Validity() time.Duration {
	return t.validity
}

// Issue returns an opaque token binding principalID to intentID.
func (t *IntentTokenizer) Issue(principalID, intentID string) (string, error) {
	nonce, err := common.MakeRandHexString(nonceSize)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(tokenBody{
		PrincipalID: principalID,
		IntentID:    intentID,
		IssuedAt:    t.clock.Now().UnixNano(),
		Nonce:       nonce,
	})
	if err != nil {
		return "", err
	}

	sealed, err := cryptox.SealBytes(body, t.key, nil)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Verify checks token for callerPrincipalID and returns the intent it binds.
//
// Errors, in the order they are checked:
//   - common.ErrMalformedToken: not decodable, tampered or incomplete
//   - common.ErrPrincipalMismatch: issued to someone else, reported even
//     before expiry
//   - common.ErrExpired: now is past issue time plus the validity window
func (t *IntentTokenizer) Verify(token, callerPrincipalID string) (string, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", common.ErrMalformedToken
	}

	plain, err := cryptox.OpenBytes(sealed, t.key, nil)
	if err != nil {
		return "", common.ErrMalformedToken
	}

	var body tokenBody
	if err := json.Unmarshal(plain, &body); err != nil {
		return "", common.ErrMalformedToken
	}
	if body.PrincipalID == "" || body.IntentID == "" || body.IssuedAt == 0 || body.Nonce == "" {
		return "", common.ErrMalformedToken
	}

	if body.PrincipalID != callerPrincipalID {
		return "", common.ErrPrincipalMismatch
	}

	issuedAt := time.Unix(0, body.IssuedAt)
	if t.clock.Now().After(issuedAt.Add(t.validity)) {
		return "", common.ErrExpired
	}

	return body.IntentID, nil
}
