package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateSecret(t *testing.T) {
	raw, id, err := GenerateSecret()
	require.NoError(t, err)
	require.Len(t, raw, 32)
	require.NotEmpty(t, id)

	// The same secret always derives the same peer id.
	priv, err := SecretFromBytes(raw)
	require.NoError(t, err)
	require.NotNil(t, priv)
}

func TestSecretFromBytesRejectsGarbage(t *testing.T) {
	_, err := SecretFromBytes([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestLoadOrCreateSecret(t *testing.T) {
	dir := t.TempDir()

	created, err := LoadOrCreateSecret(dir)
	require.NoError(t, err)
	require.Len(t, created, 32)

	loaded, err := LoadOrCreateSecret(dir)
	require.NoError(t, err)
	require.Equal(t, created, loaded, "second load should return the saved key")
}
