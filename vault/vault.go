// Package vault provides authenticated symmetric encryption for per-tenant
// secrets. Ciphertexts are self-describing (`iv:tag:body`, hex-encoded), so
// legacy plaintext rows can be detected and passed through unchanged while
// they await re-encryption.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	ivSize  = 12 // AES-GCM standard nonce size
	tagSize = 16
)

// CryptoError reports a malformed ciphertext or a failed authentication.
// Callers treat the value as missing rather than surfacing garbage.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string { return fmt.Sprintf("vault %s: %v", e.Op, e.Err) }
func (e *CryptoError) Unwrap() error { return e.Err }

// Vault encrypts and decrypts with a process-wide AES-256-GCM key loaded
// once at startup.
type Vault struct {
	aead cipher.AEAD
}

// New builds a Vault from a 64-hex-character (32-byte) key.
func New(keyHex string) (*Vault, error) {
	var key, err = hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("building cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("building GCM: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext into the `iv:tag:body` hex triple.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	var iv = make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", &CryptoError{Op: "encrypt", Err: err}
	}
	var sealed = v.aead.Seal(nil, iv, []byte(plaintext), nil)
	var body, tag = sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(body), nil
}

// Decrypt opens a ciphertext produced by Encrypt. A malformed input or a
// wrong key yields a *CryptoError.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	var iv, tag, body, err = splitCiphertext(ciphertext)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: err}
	}
	plain, err := v.aead.Open(nil, iv, append(body, tag...), nil)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: err}
	}
	return string(plain), nil
}

// SafeDecrypt decrypts when the value is structurally a ciphertext and
// returns it unchanged otherwise, so unencrypted legacy rows keep working.
// A structurally valid ciphertext that fails authentication still errors.
func (v *Vault) SafeDecrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	return v.Decrypt(value)
}

// IsEncrypted reports whether value matches the `iv:tag:body` shape with the
// expected segment lengths.
func IsEncrypted(value string) bool {
	var _, _, _, err = splitCiphertext(value)
	return err == nil
}

func splitCiphertext(value string) (iv, tag, body []byte, err error) {
	var parts = strings.Split(value, ":")
	if len(parts) != 3 {
		return nil, nil, nil, fmt.Errorf("expected 3 segments, got %d", len(parts))
	}
	if iv, err = hex.DecodeString(parts[0]); err != nil || len(iv) != ivSize {
		return nil, nil, nil, fmt.Errorf("bad iv segment")
	}
	if tag, err = hex.DecodeString(parts[1]); err != nil || len(tag) != tagSize {
		return nil, nil, nil, fmt.Errorf("bad tag segment")
	}
	if body, err = hex.DecodeString(parts[2]); err != nil {
		return nil, nil, nil, fmt.Errorf("bad body segment")
	}
	return iv, tag, body, nil
}
