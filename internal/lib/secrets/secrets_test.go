package secrets

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()

	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	c, err := New(key)
	require.NoError(t, err)

	return c
}

func TestSealOpenRoundTrip(t *testing.T) {
	c := testCipher(t)

	plain, err := GenerateAPIKey()
	require.NoError(t, err)

	ciphertext, nonce, err := c.Seal(plain)
	require.NoError(t, err)
	require.Len(t, nonce, 12)
	assert.NotContains(t, string(ciphertext), plain)

	got, err := c.Open(ciphertext, nonce)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestOpenFailsClosedOnTampering(t *testing.T) {
	c := testCipher(t)

	ciphertext, nonce, err := c.Seal("super-secret")
	require.NoError(t, err)

	tamperedCT := append([]byte(nil), ciphertext...)
	tamperedCT[0] ^= 0x01
	_, err = c.Open(tamperedCT, nonce)
	require.Error(t, err)

	tamperedNonce := append([]byte(nil), nonce...)
	tamperedNonce[0] ^= 0x01
	_, err = c.Open(ciphertext, tamperedNonce)
	require.Error(t, err)
}

func TestOpenFailsWithDifferentKey(t *testing.T) {
	c1 := testCipher(t)
	c2 := testCipher(t)

	ciphertext, nonce, err := c1.Seal("super-secret")
	require.NoError(t, err)

	_, err = c2.Open(ciphertext, nonce)
	require.Error(t, err)
}

func TestNewRejectsBadKeySize(t *testing.T) {
	_, err := New(make([]byte, 16))
	require.ErrorIs(t, err, ErrBadKeySize)

	_, err = New(nil)
	require.ErrorIs(t, err, ErrBadKeySize)
}

func TestNewFromBase64(t *testing.T) {
	_, err := NewFromBase64("not base64!!!")
	require.Error(t, err)

	_, err = NewFromBase64("c2hvcnQ=") // "short"
	require.ErrorIs(t, err, ErrBadKeySize)
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("some-secret")

	assert.Len(t, fp, 64)
	assert.Equal(t, fp, Fingerprint("some-secret"))
	assert.NotEqual(t, fp, Fingerprint("some-secret "))
}

func TestGenerateAPIKey(t *testing.T) {
	k1, err := GenerateAPIKey()
	require.NoError(t, err)
	k2, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.Len(t, k1, APIKeyLen)
	assert.Regexp(t, "^[0-9a-f]{64}$", k1)
	assert.NotEqual(t, k1, k2)
}
