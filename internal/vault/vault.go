// Package vault seals provider credentials at rest with AES-256-GCM.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

var (
	// ErrAuthenticationFailure reports ciphertext that failed GCM authentication.
	ErrAuthenticationFailure = errors.New("vault: authentication failure")
	// ErrInvalidKey reports a key that is not 64 hex characters.
	ErrInvalidKey = errors.New("vault: key must be 64 hex characters")
)

// Sealed is the base64 encoded output of Encrypt. The three fields are only
// meaningful together.
type Sealed struct {
	Data string
	IV   string
	Tag  string
}

// Vault encrypts and decrypts strings with a process-wide key.
type Vault struct {
	aead cipher.AEAD
}

// New builds a Vault from a hex encoded 256-bit key.
func New(keyHex string) (*Vault, error) {
	if len(keyHex) != keySize*2 {
		return nil, ErrInvalidKey
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext under a freshly generated nonce.
func (v *Vault) Encrypt(plaintext string) (Sealed, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("vault: nonce: %w", err)
	}

	out := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext, tag := out[:len(out)-tagSize], out[len(out)-tagSize:]

	return Sealed{
		Data: base64.StdEncoding.EncodeToString(ciphertext),
		IV:   base64.StdEncoding.EncodeToString(nonce),
		Tag:  base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Decrypt opens a sealed value. Any malformed or tampered field yields
// ErrAuthenticationFailure.
func (v *Vault) Decrypt(data, iv, tag string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", ErrAuthenticationFailure
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil || len(nonce) != nonceSize {
		return "", ErrAuthenticationFailure
	}
	tagBytes, err := base64.StdEncoding.DecodeString(tag)
	if err != nil || len(tagBytes) != tagSize {
		return "", ErrAuthenticationFailure
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tagBytes))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tagBytes...)

	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrAuthenticationFailure
	}
	return string(plaintext), nil
}

// Open is Decrypt over a Sealed value.
func (v *Vault) Open(s Sealed) (string, error) {
	return v.Decrypt(s.Data, s.IV, s.Tag)
}

// GenerateKey returns a random key in the hex form New accepts.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}
