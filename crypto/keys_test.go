package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	msg := []byte("payload")
	sig := key.Sign(msg)
	require.True(t, key.Public().Verify(msg, sig))
	require.False(t, key.Public().Verify([]byte("other"), sig))
	require.False(t, key.Public().Verify(msg, sig[:10]))

	require.True(t, VerifyWithKey(key.Public().Bytes(), msg, sig))
	require.False(t, VerifyWithKey([]byte("not a key"), msg, sig))
}

func TestSeedRoundtrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	restored, err := NewPrivateKeyFromSeed(key.Seed())
	require.NoError(t, err)
	require.Equal(t, key.Public().Bytes(), restored.Public().Bytes())

	msg := []byte("payload")
	require.True(t, key.Public().Verify(msg, restored.Sign(msg)))

	_, err = NewPrivateKeyFromSeed([]byte("short"))
	require.Error(t, err)
}
