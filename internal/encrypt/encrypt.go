package encrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

var ErrFrameTooShort = errors.New("frame is shorter than the IV")

// Seal encrypts one frame with AES-CTR. The random IV is prepended to the
// returned ciphertext so Open can recover it.
func Seal(key, plaintext []byte) ([]byte, error) {
	const op = "encrypt.Seal"
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out := make([]byte, block.BlockSize()+len(plaintext))
	iv := out[:block.BlockSize()]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	stream := cipher.NewCTR(block, iv)
	stream.XORKeyStream(out[block.BlockSize():], plaintext)
	return out, nil
}

// Open decrypts a frame produced by Seal. The IV is expected in the first
// block.BlockSize() bytes of the frame.
func Open(key, frame []byte) ([]byte, error) {
	const op = "encrypt.Open"
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(frame) < block.BlockSize() {
		return nil, fmt.Errorf("%s: %w", op, ErrFrameTooShort)
	}
	iv := frame[:block.BlockSize()]
	stream := cipher.NewCTR(block, iv)
	out := make([]byte, len(frame)-block.BlockSize())
	stream.XORKeyStream(out, frame[block.BlockSize():])
	return out, nil
}

func NewEncryptionKey() []byte {
	buf := make([]byte, 32)
	io.ReadFull(rand.Reader, buf)
	return buf
}
