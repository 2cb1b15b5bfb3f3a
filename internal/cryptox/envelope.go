package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/paykeeper/internal/common"
)

// NonceSize is the AES-GCM nonce length prepended to every ciphertext.
const NonceSize = 12

// Envelope is the opaque, immutable result of sealing a payload.
//
// Ciphertext is nonce || AES-GCM(ciphertext+tag). KeyHash is KeyHash(key) of
// the key that sealed it. Re-encrypting produces a new Envelope; an existing
// one is never modified.
type Envelope struct {
	Ciphertext []byte
	KeyHash    string
}

// Seal serializes v to canonical JSON and encrypts it with AES-256-GCM under key.
//
// A fresh random nonce is generated for every call. aad is authenticated but
// not encrypted; callers pass the owning principal id so an envelope cannot be
// replayed under another principal even if keys collided.
//
// Example:
//
//	key := deriver.Derive(p.ID, p.Email)
//	defer common.WipeByteArray(key)
//
//	env, err := cryptox.Seal(payload, key, []byte(p.ID))
//	if err != nil {
//	    return err
//	}
func Seal(v any, key []byte, aad []byte) (*Envelope, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serialize payload: %w", err)
	}
	defer common.WipeByteArray(plaintext)

	out, err := SealBytes(plaintext, key, aad)
	if err != nil {
		return nil, err
	}

	return &Envelope{Ciphertext: out, KeyHash: KeyHash(key)}, nil
}

// Open verifies and decrypts env with key and unmarshals the payload into v.
//
// The key hash is compared first, in constant time, so a wrong key is reported
// as common.ErrIntegrity before any decryption is attempted. A truncated
// envelope or an undecodable payload is common.ErrFormat; an authentication
// tag mismatch (tampering, wrong aad) is common.ErrIntegrity. Errors never
// include plaintext.
func Open(env *Envelope, key []byte, aad []byte, v any) error {
	if env == nil || env.KeyHash == "" {
		return common.ErrFormat
	}
	if subtle.ConstantTimeCompare([]byte(env.KeyHash), []byte(KeyHash(key))) != 1 {
		return common.ErrIntegrity
	}

	plaintext, err := OpenBytes(env.Ciphertext, key, aad)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(plaintext)

	if err := json.Unmarshal(plaintext, v); err != nil {
		return common.ErrFormat
	}
	return nil
}

// SealBytes encrypts plaintext and returns nonce || ciphertext+tag.
func SealBytes(plaintext, key, aad []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := common.GenerateRandByteArray(NonceSize)

	out := make([]byte, 0, NonceSize+len(plaintext)+aesgcm.Overhead())
	out = append(out, nonce...)
	return aesgcm.Seal(out, nonce, plaintext, aad), nil
}

// OpenBytes reverses SealBytes. Input shorter than nonce plus tag is
// common.ErrFormat; a failed authentication is common.ErrIntegrity.
func OpenBytes(sealed, key, aad []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < NonceSize+aesgcm.Overhead() {
		return nil, common.ErrFormat
	}

	plaintext, err := aesgcm.Open(nil, sealed[:NonceSize], sealed[NonceSize:], aad)
	if err != nil {
		return nil, common.ErrIntegrity
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes: %w", KeySize, common.ErrFormat)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
