package node

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_IdFromPublicKey(t *testing.T) {
	pub, _, err := GenerateKey()
	require.Nil(t, err)

	id := IdFromPublicKey(pub)
	// 20 bytes hex encoded
	require.Len(t, string(id), 40)
	// Derivation is stable
	require.Equal(t, id, IdFromPublicKey(pub))

	other, _, err := GenerateKey()
	require.Nil(t, err)
	require.NotEqual(t, id, IdFromPublicKey(other))
}
