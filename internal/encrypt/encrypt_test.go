package encrypt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Seal_Open(t *testing.T) {
	message := []byte("Pupa and Lupa")
	key := NewEncryptionKey()

	frame, err := Seal(key, message)
	require.Nil(t, err)
	// IV prefix makes the frame longer than the payload
	require.Greater(t, len(frame), len(message))

	out, err := Open(key, frame)
	require.Nil(t, err)
	// Checking whether data was corrupted
	require.Equal(t, message, out)
}

func Test_Open_ShortFrame(t *testing.T) {
	key := NewEncryptionKey()
	_, err := Open(key, []byte{0x1, 0x2})
	require.ErrorIs(t, err, ErrFrameTooShort)
}

func Test_Seal_UniqueIV(t *testing.T) {
	message := []byte("same plaintext")
	key := NewEncryptionKey()

	first, err := Seal(key, message)
	require.Nil(t, err)
	second, err := Seal(key, message)
	require.Nil(t, err)
	require.NotEqual(t, first, second)
}
