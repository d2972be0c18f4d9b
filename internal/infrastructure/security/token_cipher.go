package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	domainErrors "github.com/glotpod/ident/internal/domain/errors"
)

// TokenCipher encrypts and decrypts third-party access tokens at rest.
type TokenCipher interface {
	Encrypt(plainText string) (string, error)
	Decrypt(cipherText string) (string, error)
}

// aesGCMTokenCipher implements TokenCipher using AES-256-GCM keyed by a
// process-wide secret configured at startup.
type aesGCMTokenCipher struct {
	aead cipher.AEAD
}

// NewAESGCMTokenCipher builds a cipher from a hex-encoded 32-byte key.
// A missing or malformed key is a startup error, not a per-request one.
func NewAESGCMTokenCipher(keyHex string) (TokenCipher, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hex key: %w", err)
	}
	if len(key) != 32 {
		return nil, errors.New("invalid key length: must be 32 bytes for AES-256")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher block: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	return &aesGCMTokenCipher{aead: aead}, nil
}

// Encrypt returns base64(nonce + ciphertext + tag) with a fresh random
// nonce, so two encryptions of the same token differ.
func (c *aesGCMTokenCipher) Encrypt(plainText string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plainText), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Tampered, truncated or legacy-placeholder
// ciphertext yields ErrCiphertextInvalid; callers treat the affected
// service data as absent.
func (c *aesGCMTokenCipher) Decrypt(cipherText string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(cipherText)
	if err != nil {
		return "", fmt.Errorf("%w: not valid base64", domainErrors.ErrCiphertextInvalid)
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("%w: too short to contain nonce", domainErrors.ErrCiphertextInvalid)
	}

	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domainErrors.ErrCiphertextInvalid, err)
	}
	return string(plain), nil
}

var _ TokenCipher = (*aesGCMTokenCipher)(nil)
