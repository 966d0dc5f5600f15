package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T, secret string) []byte {
	t.Helper()
	key, err := DeriveKey([]byte(secret), []byte("salt"))
	require.NoError(t, err)
	require.Len(t, key, KeyLen)
	return key
}

func TestEncryptDecrypt_roundtrip(t *testing.T) {
	key := testKey(t, "device-secret")

	ciphertext, err := Encrypt(key, []byte(`{"access_token":"abc"}`))
	require.NoError(t, err)

	plaintext, err := Decrypt(key, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, `{"access_token":"abc"}`, string(plaintext))
}

func TestEncrypt_randomNonce(t *testing.T) {
	key := testKey(t, "device-secret")

	a, err := Encrypt(key, []byte("same"))
	require.NoError(t, err)
	b, err := Encrypt(key, []byte("same"))
	require.NoError(t, err)
	assert.False(t, bytes.Equal(a, b))
}

func TestDecrypt_wrongKey(t *testing.T) {
	ciphertext, err := Encrypt(testKey(t, "one"), []byte("hello"))
	require.NoError(t, err)

	_, err = Decrypt(testKey(t, "two"), ciphertext)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestDecrypt_tampered(t *testing.T) {
	key := testKey(t, "device-secret")
	ciphertext, err := Encrypt(key, []byte("hello"))
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0xff
	_, err = Decrypt(key, ciphertext)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = Decrypt(key, []byte("short"))
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestInvalidKey(t *testing.T) {
	_, err := Encrypt([]byte("too-short"), []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = DeriveKey(nil, nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestDeriveKey_saltSeparatesKeys(t *testing.T) {
	a, err := DeriveKey([]byte("secret"), []byte("a"))
	require.NoError(t, err)
	b, err := DeriveKey([]byte("secret"), []byte("b"))
	require.NoError(t, err)
	again, err := DeriveKey([]byte("secret"), []byte("a"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, a, again)
}

func TestMachineKey(t *testing.T) {
	assert.NotEmpty(t, MachineID())
	key, err := MachineKey([]byte("tokens"))
	require.NoError(t, err)
	assert.Len(t, key, KeyLen)
}
