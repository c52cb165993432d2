// Package cryptobox provides symmetric authenticated encryption at rest for
// tokens and scoped env-var values, backed by golang.org/x/crypto/nacl/secretbox.
// secretbox is used (rather than the pack's more common nacl/box) because
// the store needs symmetric encryption under a single process-wide key, not
// public-key exchange.
package cryptobox

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const keySize = 32
const nonceSize = 24

// ErrDecryptFailed is returned when ciphertext cannot be opened with the
// configured key: wrong key, corrupted data, or plaintext that was never
// encrypted at all.
var ErrDecryptFailed = errors.New("cryptobox: decryption failed")

// Box holds a single symmetric key and encrypts/decrypts byte slices with
// it. One Box is shared process-wide.
type Box struct {
	key [keySize]byte
}

// NewBox builds a Box from a base64-encoded key of the expected length.
func NewBox(base64Key string) (*Box, error) {
	raw, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: invalid key encoding: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("cryptobox: key must be %d bytes, got %d", keySize, len(raw))
	}
	b := &Box{}
	copy(b.key[:], raw)
	return b, nil
}

// GenerateKey returns a fresh random key, base64-encoded, suitable for
// storage in a keyfile or environment variable.
func GenerateKey() (string, error) {
	var key [keySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return "", fmt.Errorf("cryptobox: failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key[:]), nil
}

// Encrypt seals plaintext under a fresh random nonce and returns the
// nonce-prefixed ciphertext, base64-encoded for storage as text.
//
// Empty plaintext maps to empty ciphertext: no encryption is performed
// for the empty string, so callers can distinguish "never set" from "set
// to the empty string" without a sentinel.
func (b *Box) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("cryptobox: failed to generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &b.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens ciphertext produced by Encrypt. Empty ciphertext decrypts
// to the empty string. Any other malformed or unauthenticated input
// returns ErrDecryptFailed.
func (b *Box) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecryptFailed
	}
	if len(raw) < nonceSize {
		return "", ErrDecryptFailed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	opened, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", ErrDecryptFailed
	}
	return string(opened), nil
}
