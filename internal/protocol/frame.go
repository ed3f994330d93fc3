package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrFrameTooLarge is returned when a declared payload length exceeds
	// the sanity bound.
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")

	// ErrInvalidFrame is returned when a frame or payload is malformed.
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrUnknownKind is returned for unrecognized kind tags.
	ErrUnknownKind = errors.New("unknown message kind")
)

// Frame represents a wire protocol message.
// Header format (9 bytes):
//
//	Length      [4 bytes] - Payload length (big-endian)
//	Kind        [1 byte]  - Message kind
//	Correlation [4 bytes] - Correlation id (big-endian)
type Frame struct {
	Kind        uint8
	Correlation uint32
	Payload     []byte
}

// Encode serializes the frame to bytes.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}
	if !KnownKind(f.Kind) {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, f.Kind)
	}

	buf := make([]byte, HeaderSize+len(f.Payload))

	binary.BigEndian.PutUint32(buf[0:4], uint32(len(f.Payload)))
	buf[4] = f.Kind
	binary.BigEndian.PutUint32(buf[5:9], f.Correlation)

	copy(buf[9:], f.Payload)

	return buf, nil
}

// DecodeHeader decodes a frame header from bytes. Corrupt headers (oversized
// length, unknown kind) are fatal to the session; the caller must abort the
// connection rather than resynchronize.
func DecodeHeader(buf []byte) (length uint32, kind uint8, correlation uint32, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, 0, fmt.Errorf("%w: header too short", ErrInvalidFrame)
	}

	length = binary.BigEndian.Uint32(buf[0:4])
	kind = buf[4]
	correlation = binary.BigEndian.Uint32(buf[5:9])

	if length > MaxPayloadSize {
		return 0, 0, 0, ErrFrameTooLarge
	}
	if !KnownKind(kind) {
		return 0, 0, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, kind)
	}

	return
}

// Decode deserializes a frame from bytes.
func Decode(buf []byte) (*Frame, error) {
	length, kind, correlation, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}

	if len(buf) < HeaderSize+int(length) {
		return nil, fmt.Errorf("%w: buffer too short for payload", ErrInvalidFrame)
	}

	payload := make([]byte, length)
	copy(payload, buf[HeaderSize:HeaderSize+length])

	return &Frame{
		Kind:        kind,
		Correlation: correlation,
		Payload:     payload,
	}, nil
}

// String returns a debug representation of the frame.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Kind=%s, Corr=%d, PayloadLen=%d}",
		KindName(f.Kind), f.Correlation, len(f.Payload))
}

// FrameReader reads frames from an io.Reader. Read blocks until a complete
// frame is available; partial reads never desynchronize the stream because
// every frame is length-prefixed.
type FrameReader struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewFrameReader creates a new FrameReader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Read reads the next frame.
func (fr *FrameReader) Read() (*Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, err
	}

	length, kind, correlation, err := DecodeHeader(fr.header[:])
	if err != nil {
		return nil, err
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, err
		}
	}

	return &Frame{
		Kind:        kind,
		Correlation: correlation,
		Payload:     payload,
	}, nil
}

// FrameWriter writes frames to an io.Writer. It is not safe for concurrent
// use; callers that share a connection must serialize writes.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a new FrameWriter.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write writes a frame.
func (fw *FrameWriter) Write(f *Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = fw.w.Write(data)
	return err
}

// WriteFrame is a convenience method to write a frame with the given parameters.
func (fw *FrameWriter) WriteFrame(kind uint8, correlation uint32, payload []byte) error {
	return fw.Write(&Frame{
		Kind:        kind,
		Correlation: correlation,
		Payload:     payload,
	})
}

// IsCorruption reports whether err belongs to the frame corruption family.
// Corruption aborts the connection; no message is ever silently dropped.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrInvalidFrame) ||
		errors.Is(err, ErrUnknownKind)
}
