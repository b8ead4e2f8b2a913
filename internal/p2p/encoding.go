package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var ErrFrameTooLarge = errors.New("frame exceeds the maximum size")

// Codec frames message payloads on a single logical stream.
type Codec interface {
	Encode(io.Writer, []byte) error
	Decode(io.Reader) ([]byte, error)
}

const DefaultMaxFrameSize = 1 << 20

// LengthPrefixCodec writes a 4 byte big-endian length followed by the
// payload. Frames above MaxFrameSize are rejected as a protocol violation.
type LengthPrefixCodec struct {
	MaxFrameSize uint32
}

func (c LengthPrefixCodec) max() uint32 {
	if c.MaxFrameSize == 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

func (c LengthPrefixCodec) Encode(w io.Writer, payload []byte) error {
	const op = "p2p.LengthPrefixCodec.Encode"
	if uint32(len(payload)) > c.max() {
		return fmt.Errorf("%s: %w", op, ErrFrameTooLarge)
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (c LengthPrefixCodec) Decode(r io.Reader) ([]byte, error) {
	const op = "p2p.LengthPrefixCodec.Decode"
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		// EOF between frames is a clean end of stream
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > c.max() {
		return nil, fmt.Errorf("%s: %w", op, ErrFrameTooLarge)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return payload, nil
}
