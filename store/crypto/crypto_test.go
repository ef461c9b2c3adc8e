package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := New("test-secret")

	for _, plaintext := range []string{"sk-abc123", "短密钥", "a"} {
		ciphertext, err := c.Encrypt(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, ciphertext)

		got, err := c.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncryptIsNondeterministic(t *testing.T) {
	c := New("test-secret")

	a, err := c.Encrypt("sk-abc123")
	require.NoError(t, err)
	b, err := c.Encrypt("sk-abc123")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptWrongKey(t *testing.T) {
	ciphertext, err := New("secret-a").Encrypt("sk-abc123")
	require.NoError(t, err)

	_, err = New("secret-b").Decrypt(ciphertext)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestDecryptLegacyPlaintext(t *testing.T) {
	c := New("test-secret")

	// Keys stored before the secret was configured are not base64 and
	// must pass through untouched.
	got, err := c.Decrypt("sk-plain-legacy-key!")
	require.NoError(t, err)
	assert.Equal(t, "sk-plain-legacy-key!", got)
}

func TestNilCipherPassthrough(t *testing.T) {
	c := New("")
	require.Nil(t, c)

	ciphertext, err := c.Encrypt("sk-abc123")
	require.NoError(t, err)
	assert.Equal(t, "sk-abc123", ciphertext)

	got, err := c.Decrypt("sk-abc123")
	require.NoError(t, err)
	assert.Equal(t, "sk-abc123", got)
}
