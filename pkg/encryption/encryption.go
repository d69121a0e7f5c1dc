// Package encryption seals checkpointed chunk payloads at rest.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// Method enumerates supported encryption algorithms.
type Method string

const (
	// MethodNone skips encryption entirely.
	MethodNone Method = "none"
	// MethodAES256GCM seals data with AES-256-GCM and a random nonce prefix.
	MethodAES256GCM Method = "aes-256-gcm"
)

// Options describes how to encrypt or decrypt payloads.
type Options struct {
	Method Method
	Key    []byte
}

// Enabled reports whether encryption should run.
func (o Options) Enabled() bool {
	return o.Method != "" && o.Method != MethodNone
}

// Validate ensures the configuration is usable for the selected method.
func (o Options) Validate() error {
	if !o.Enabled() {
		return nil
	}
	switch o.Method {
	case MethodAES256GCM:
		if len(o.Key) != 32 {
			return fmt.Errorf("encryption: aes-256-gcm requires 32-byte key, got %d", len(o.Key))
		}
	default:
		return fmt.Errorf("encryption: unsupported method %q", o.Method)
	}
	return nil
}

// ParseKey decodes a hex-encoded key.
func ParseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("encryption: key must be hex: %w", err)
	}
	return key, nil
}

// Encrypt returns data sealed according to opts. additional is authenticated
// but not stored; the same value must be passed to Decrypt.
func Encrypt(data, additional []byte, opts Options) ([]byte, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !opts.Enabled() {
		return data, nil
	}
	aead, err := newGCM(opts.Key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(data)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, data, additional), nil
}

// Decrypt reverses Encrypt using opts.
func Decrypt(ciphertext, additional []byte, opts Options) ([]byte, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if !opts.Enabled() {
		return ciphertext, nil
	}
	aead, err := newGCM(opts.Key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, errors.New("encryption: ciphertext missing nonce")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	out, err := aead.Open(nil, nonce, sealed, additional)
	if err != nil {
		return nil, fmt.Errorf("encryption: open: %w", err)
	}
	return out, nil
}

// Overhead returns the number of bytes added by the given method.
func Overhead(method Method) int {
	switch method {
	case MethodAES256GCM:
		return 12 + 16
	default:
		return 0
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
