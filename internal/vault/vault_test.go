package vault

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/framesearch/internal/config"
)

// testVault uses reduced argon2 parameters so the suite stays fast.
func testVault() *Vault {
	return New(config.VaultConfig{Time: 1, MemoryKiB: 8 * 1024, Threads: 1, KeyLen: 32})
}

func testKey(t *testing.T, v *Vault, password string) []byte {
	t.Helper()
	salt, err := v.NewSalt()
	require.NoError(t, err)
	return v.DeriveKey(password, salt)
}

func TestHashPassword_VerifyRoundTrip(t *testing.T) {
	v := testVault()

	hash, err := v.HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$"))
	assert.NotContains(t, hash, "correct horse")

	require.NoError(t, v.VerifyPassword("correct horse battery staple", hash))
	assert.ErrorIs(t, v.VerifyPassword("wrong password", hash), ErrInvalidCredential)
}

func TestHashPassword_SaltedPerCall(t *testing.T) {
	v := testVault()

	h1, err := v.HashPassword("same-password")
	require.NoError(t, err)
	h2, err := v.HashPassword("same-password")
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
	require.NoError(t, v.VerifyPassword("same-password", h1))
	require.NoError(t, v.VerifyPassword("same-password", h2))
}

func TestVerifyPassword_MalformedHash(t *testing.T) {
	v := testVault()

	tests := []string{
		"",
		"plainly-not-a-hash",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8192,t=1,p=1$not!base64$aGFzaA",
	}
	for _, h := range tests {
		assert.ErrorIs(t, v.VerifyPassword("pw", h), ErrMalformedHash, "hash: %q", h)
	}
}

func TestVerifyPassword_SurvivesParameterChange(t *testing.T) {
	old := New(config.VaultConfig{Time: 2, MemoryKiB: 16 * 1024, Threads: 2, KeyLen: 32})
	hash, err := old.HashPassword("pw-from-old-params")
	require.NoError(t, err)

	// Verification re-derives with the parameters recorded in the hash.
	require.NoError(t, testVault().VerifyPassword("pw-from-old-params", hash))
}

func TestDeriveKey_Deterministic(t *testing.T) {
	v := testVault()

	salt, err := v.NewSalt()
	require.NoError(t, err)

	k1 := v.DeriveKey("login-password", salt)
	k2 := v.DeriveKey("login-password", salt)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 32)

	other, err := v.NewSalt()
	require.NoError(t, err)
	assert.NotEqual(t, k1, v.DeriveKey("login-password", other))
	assert.NotEqual(t, k1, v.DeriveKey("other-password", salt))
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	v := testVault()
	key := testKey(t, v, "login-password")

	blob, err := v.Encrypt("upstream-api-key-123", key)
	require.NoError(t, err)
	assert.NotContains(t, blob, "upstream-api-key-123")

	secret, err := v.Decrypt(blob, key)
	require.NoError(t, err)
	assert.Equal(t, "upstream-api-key-123", secret)
}

func TestEncrypt_FreshNoncePerCall(t *testing.T) {
	v := testVault()
	key := testKey(t, v, "pw")

	b1, err := v.Encrypt("same-secret", key)
	require.NoError(t, err)
	b2, err := v.Encrypt("same-secret", key)
	require.NoError(t, err)
	assert.NotEqual(t, b1, b2)
}

func TestDecrypt_WrongKeyFailsClosed(t *testing.T) {
	v := testVault()

	blob, err := v.Encrypt("upstream-api-key-123", testKey(t, v, "right-password"))
	require.NoError(t, err)

	_, err = v.Decrypt(blob, testKey(t, v, "wrong-password"))
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestDecrypt_CorruptBlob(t *testing.T) {
	v := testVault()
	key := testKey(t, v, "pw")

	_, err := v.Decrypt("%%% not base64 %%%", key)
	assert.ErrorIs(t, err, ErrCorruptBlob)

	_, err = v.Decrypt("dG9vLXNob3J0", key)
	assert.ErrorIs(t, err, ErrCorruptBlob)
}

func TestDecrypt_TamperedCiphertext(t *testing.T) {
	v := testVault()
	key := testKey(t, v, "pw")

	blob, err := v.Encrypt("secret", key)
	require.NoError(t, err)

	// Flip a character deep in the base64 payload.
	tampered := []byte(blob)
	i := len(tampered) - 5
	if tampered[i] == 'A' {
		tampered[i] = 'B'
	} else {
		tampered[i] = 'A'
	}

	_, err = v.Decrypt(string(tampered), key)
	require.Error(t, err)
}

func TestEncrypt_EmptySecret(t *testing.T) {
	v := testVault()
	key := testKey(t, v, "pw")

	blob, err := v.Encrypt("", key)
	require.NoError(t, err)

	secret, err := v.Decrypt(blob, key)
	require.NoError(t, err)
	assert.Empty(t, secret)
}
