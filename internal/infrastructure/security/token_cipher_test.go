package security

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainErrors "github.com/glotpod/ident/internal/domain/errors"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestCipher(t *testing.T) TokenCipher {
	t.Helper()
	c, err := NewAESGCMTokenCipher(testKeyHex)
	require.NoError(t, err)
	return c
}

func TestNewAESGCMTokenCipher_KeyValidation(t *testing.T) {
	tests := []struct {
		name   string
		keyHex string
	}{
		{"empty key", ""},
		{"not hex", "zz0102"},
		{"too short", "0001020304"},
		{"too long", testKeyHex + "00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAESGCMTokenCipher(tt.keyHex)
			assert.Error(t, err)
		})
	}
}

func TestTokenCipher_RoundTrip(t *testing.T) {
	c := newTestCipher(t)

	for _, plain := range []string{"gho_abcdef123456", "", "тайна", strings.Repeat("x", 4096)} {
		enc, err := c.Encrypt(plain)
		require.NoError(t, err)
		assert.NotEqual(t, plain, enc)

		dec, err := c.Decrypt(enc)
		require.NoError(t, err)
		assert.Equal(t, plain, dec)
	}
}

func TestTokenCipher_NonceUniqueness(t *testing.T) {
	c := newTestCipher(t)

	first, err := c.Encrypt("same token")
	require.NoError(t, err)
	second, err := c.Encrypt("same token")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestTokenCipher_DecryptRejectsGarbage(t *testing.T) {
	c := newTestCipher(t)

	tests := []struct {
		name       string
		cipherText string
	}{
		{"not base64", "%%%not-base64%%%"},
		{"too short for nonce", base64.StdEncoding.EncodeToString([]byte("abc"))},
		{"random bytes", base64.StdEncoding.EncodeToString(make([]byte, 64))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decrypt(tt.cipherText)
			require.Error(t, err)
			assert.ErrorIs(t, err, domainErrors.ErrCiphertextInvalid)
		})
	}
}

func TestTokenCipher_DecryptRejectsTampering(t *testing.T) {
	c := newTestCipher(t)

	enc, err := c.Encrypt("gho_abcdef123456")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(enc)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01

	_, err = c.Decrypt(base64.StdEncoding.EncodeToString(raw))
	assert.ErrorIs(t, err, domainErrors.ErrCiphertextInvalid)
}

func TestTokenCipher_DecryptRejectsForeignKey(t *testing.T) {
	c := newTestCipher(t)
	other, err := NewAESGCMTokenCipher(strings.Repeat("ff", 32))
	require.NoError(t, err)

	enc, err := other.Encrypt("gho_abcdef123456")
	require.NoError(t, err)

	_, err = c.Decrypt(enc)
	assert.ErrorIs(t, err, domainErrors.ErrCiphertextInvalid)
}
