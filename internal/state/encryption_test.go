package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "correct horse battery staple")
	plaintext := []byte(`{"serial":3,"resources":[]}`)

	encrypted, err := EncryptState(plaintext)
	require.NoError(t, err)
	assert.True(t, IsEncrypted(encrypted))
	assert.NotContains(t, string(encrypted), "serial")

	decrypted, err := DecryptState(encrypted)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptState_NoKeyIsPassThrough(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")
	plaintext := []byte("not secret")

	out, err := EncryptState(plaintext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
	assert.False(t, IsEncrypted(out))

	back, err := DecryptState(out)
	require.NoError(t, err)
	assert.Equal(t, plaintext, back)
}

func TestDecryptState_WrongKey(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "key-one")
	encrypted, err := EncryptState([]byte("payload"))
	require.NoError(t, err)

	t.Setenv(EncryptionKeyEnvVar, "key-two")
	_, err = DecryptState(encrypted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decrypt")
}

func TestDecryptState_MissingKey(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "key-one")
	encrypted, err := EncryptState([]byte("payload"))
	require.NoError(t, err)

	t.Setenv(EncryptionKeyEnvVar, "")
	_, err = DecryptState(encrypted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), EncryptionKeyEnvVar)
}
