// Package cryptox implements the per-principal key derivation and the
// authenticated payload envelope used to protect payment data at rest.
package cryptox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/paykeeper/internal/common"
	"golang.org/x/crypto/pbkdf2"
)

// KeySize is the length of every derived key (AES-256).
const KeySize = 32

// Deriver turns a principal's identity into a deterministic symmetric key.
//
// The master secret is the PBKDF2 salt, so the derivation formula alone is not
// enough to recompute keys. A Deriver holds no per-principal state: each
// Derive call returns a fresh buffer the caller must wipe after use.
type Deriver struct {
	secret     []byte
	iterations int
}

// NewDeriver validates the master secret and iteration count once, at startup.
//
// An empty secret yields common.ErrMissingSecret; fewer than
// common.MinKDFIterations iterations is a validation error.
func NewDeriver(masterSecret []byte, iterations int) (*Deriver, error) {
	if len(masterSecret) == 0 {
		return nil, common.ErrMissingSecret
	}
	if iterations < common.MinKDFIterations {
		return nil, common.NewValidationError("kdf_iterations",
			fmt.Sprintf("must be at least %d", common.MinKDFIterations))
	}

	secret := make([]byte, len(masterSecret))
	copy(secret, masterSecret)

	return &Deriver{secret: secret, iterations: iterations}, nil
}

// Derive returns the 256-bit key for the principal. Same inputs, same key.
// The email is trimmed and lower-cased so cosmetic differences do not
// lock a principal out of their own envelopes.
func (d *Deriver) Derive(principalID, email string) []byte {
	material := principalID + "_" + strings.ToLower(strings.TrimSpace(email))
	return pbkdf2.Key([]byte(material), d.secret, d.iterations, KeySize, sha256.New)
}

// KeyHash returns the hex SHA-256 of key. It identifies which key sealed an
// envelope without revealing the key.
func KeyHash(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}

// Wipe zeroes a derived key once the operation that needed it is done.
func Wipe(key []byte) {
	common.WipeByteArray(key)
}
