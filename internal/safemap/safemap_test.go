package safemap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_SafeMap(t *testing.T) {
	m := New[string, int]()
	m.Set("a", 1)
	m.Set("b", 2)
	require.Equal(t, 2, m.Len())

	v, ok := m.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	m.Delete("a")
	_, ok = m.Get("a")
	require.False(t, ok)
}

func Test_SafeMap_GetAndDelete(t *testing.T) {
	m := New[string, int]()
	m.Set("a", 1)

	v, ok := m.GetAndDelete("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	// second removal misses
	_, ok = m.GetAndDelete("a")
	require.False(t, ok)
}
