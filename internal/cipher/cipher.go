// Package cipher provides the encryption and one-way digest capabilities
// injected into the transform pipeline and the bus envelope decoder.
package cipher

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/solatis/paybridge/internal/types"
)

// Environment variables holding key material. Keys are never read from
// configuration files.
const (
	EnvCipherKey = "PB_CIPHER_KEY"
	EnvDigestKey = "PB_DIGEST_KEY"
)

// Cipher encrypts field values and decrypts transport envelopes.
type Cipher interface {
	Encrypt(plain []byte) (ciphertext, iv string, err error)
	Decrypt(ciphertext, iv string) ([]byte, error)
}

// Digester computes a one-way digest of a card number.
type Digester interface {
	Digest(value string) string
}

// XChaCha is an XChaCha20-Poly1305 Cipher. Ciphertext and nonce are
// base64 (std) encoded.
type XChaCha struct {
	key []byte
}

// NewXChaCha returns a cipher for a 32-byte key.
func NewXChaCha(key []byte) (*XChaCha, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("cipher key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &XChaCha{key: append([]byte(nil), key...)}, nil
}

// Encrypt seals plain under a fresh random nonce.
func (x *XChaCha) Encrypt(plain []byte) (string, string, error) {
	aead, err := chacha20poly1305.NewX(x.key)
	if err != nil {
		return "", "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(sealed), base64.StdEncoding.EncodeToString(nonce), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (x *XChaCha) Decrypt(ciphertext, iv string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(x.key)
	if err != nil {
		return nil, err
	}
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", types.ErrDecrypt, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil || len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad iv", types.ErrDecrypt)
	}
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrDecrypt, err)
	}
	return plain, nil
}

// HMACDigester is an HMAC-SHA256 Digester with hex output. Without a key it
// degrades to plain SHA-256.
type HMACDigester struct {
	key []byte
}

// NewHMACDigester returns a digester keyed by key (may be nil).
func NewHMACDigester(key []byte) *HMACDigester {
	return &HMACDigester{key: append([]byte(nil), key...)}
}

// Digest returns the hex digest of value.
func (d *HMACDigester) Digest(value string) string {
	if len(d.key) == 0 {
		sum := sha256.Sum256([]byte(value))
		return hex.EncodeToString(sum[:])
	}
	h := hmac.New(sha256.New, d.key)
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}

// Equal compares two digests in constant time.
func Equal(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// ParseKey decodes base64 key material from an environment value.
func ParseKey(envValue string, minLen int) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(envValue))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	if len(decoded) < minLen {
		return nil, fmt.Errorf("key must be at least %d bytes, got %d", minLen, len(decoded))
	}
	return decoded, nil
}

// FromEnv builds the cipher and digester from PB_CIPHER_KEY and
// PB_DIGEST_KEY. A missing cipher key yields a nil Cipher; a missing digest
// key yields an unkeyed digester.
func FromEnv() (Cipher, Digester, error) {
	var c Cipher
	if val := os.Getenv(EnvCipherKey); val != "" {
		key, err := ParseKey(val, chacha20poly1305.KeySize)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", EnvCipherKey, err)
		}
		x, err := NewXChaCha(key[:chacha20poly1305.KeySize])
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", EnvCipherKey, err)
		}
		c = x
	}

	var digestKey []byte
	if val := os.Getenv(EnvDigestKey); val != "" {
		key, err := ParseKey(val, 32)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", EnvDigestKey, err)
		}
		digestKey = key
	}
	return c, NewHMACDigester(digestKey), nil
}
