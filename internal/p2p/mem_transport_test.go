package p2p

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goledgernet/internal/node"
)

// A dial racing the remote's Bind either gets refused or sees the complete
// bind info, never a half-bound transport.
func TestMemTransportDialDuringBind(t *testing.T) {
	network := NewMemNetwork()
	pubA, _, err := node.GenerateKey()
	require.Nil(t, err)
	pubB, _, err := node.GenerateKey()
	require.Nil(t, err)

	epA, _, err := network.Transport().Bind(BindInfo{Addr: "a", PublicKey: pubA})
	require.Nil(t, err)

	bindErr := make(chan error, 1)
	go func() {
		_, _, err := network.Transport().Bind(BindInfo{
			Addr:           "b",
			PublicKey:      pubB,
			AdvertiseAddrs: []string{"b"},
		})
		bindErr <- err
	}()

	var conn Connection
	deadline := time.Now().Add(2 * time.Second)
	for conn == nil {
		require.True(t, time.Now().Before(deadline), "remote never became dialable")
		c, err := epA.Connect(ConnectInfo{Addr: "b"})
		if err != nil {
			require.ErrorIs(t, err, ErrConnectionRefused)
			continue
		}
		conn = c
	}
	require.Nil(t, <-bindErr)

	require.Equal(t, node.PublicKey(pubB), conn.PublicKey())
	require.Len(t, conn.AdvertisedAddrs(), 1)
	require.Equal(t, "b", conn.AdvertisedAddrs()[0].String())
}
