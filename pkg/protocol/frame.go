package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// FrameHeaderSize is the size of the big-endian length prefix.
	FrameHeaderSize = 4

	// MaxFrameSize is the largest body a stream frame may announce (10 MiB).
	MaxFrameSize = 10 << 20
)

// WriteFrame writes m to w as a length-prefixed frame in a single Write.
func WriteFrame(w io.Writer, m *Message) error {
	body, err := Encode(m)
	if err != nil {
		return err
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	buf := make([]byte, FrameHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[FrameHeaderSize:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing %s frame: %w", m.Type, err)
	}
	return nil
}

// ReadFrame reads exactly one length-prefixed frame from r.
//
// If r reaches EOF before a whole frame arrives the result is ErrConnClosed,
// meaning no message was received. A frame announcing more than MaxFrameSize
// bytes fails with ErrFrameTooLarge before any of the body is read.
func ReadFrame(r io.Reader) (*Message, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, readErr(err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: announced %d bytes", ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, readErr(err)
	}
	return Decode(body)
}

func readErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrConnClosed
	}
	return fmt.Errorf("reading frame: %w", err)
}
