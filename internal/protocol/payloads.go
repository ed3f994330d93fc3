package protocol

import (
	"encoding/binary"
	"fmt"
)

// Hello is the payload for HELLO frames.
type Hello struct {
	Version uint16
	Mode    uint8
}

// Encode serializes Hello to bytes.
func (h *Hello) Encode() []byte {
	buf := make([]byte, 3)
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	buf[2] = h.Mode
	return buf
}

// DecodeHello deserializes Hello from bytes.
func DecodeHello(buf []byte) (*Hello, error) {
	if len(buf) < 3 {
		return nil, fmt.Errorf("%w: Hello too short", ErrInvalidFrame)
	}
	return &Hello{
		Version: binary.BigEndian.Uint16(buf[0:2]),
		Mode:    buf[2],
	}, nil
}

// HelloAck is the payload for HELLO_ACK frames.
type HelloAck struct {
	Version uint16
}

// Encode serializes HelloAck to bytes.
func (h *HelloAck) Encode() []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, h.Version)
	return buf
}

// DecodeHelloAck deserializes HelloAck from bytes.
func DecodeHelloAck(buf []byte) (*HelloAck, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: HelloAck too short", ErrInvalidFrame)
	}
	return &HelloAck{
		Version: binary.BigEndian.Uint16(buf),
	}, nil
}

// Heartbeat is the payload for HEARTBEAT_PING and HEARTBEAT_PONG frames.
// The pong echoes the ping's timestamp so the sender can measure RTT.
type Heartbeat struct {
	Timestamp uint64
}

// Encode serializes Heartbeat to bytes.
func (h *Heartbeat) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, h.Timestamp)
	return buf
}

// DecodeHeartbeat deserializes Heartbeat from bytes.
func DecodeHeartbeat(buf []byte) (*Heartbeat, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: Heartbeat too short", ErrInvalidFrame)
	}
	return &Heartbeat{
		Timestamp: binary.BigEndian.Uint64(buf),
	}, nil
}

// Command is the payload for COMMAND frames. Forward mode uses the canonical
// form "expose <host>:<port>"; interactive mode carries operator input as-is.
type Command struct {
	Text string
}

// Encode serializes Command to bytes.
func (c *Command) Encode() []byte {
	text := []byte(c.Text)
	buf := make([]byte, 2+len(text))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(text)))
	copy(buf[2:], text)
	return buf
}

// DecodeCommand deserializes Command from bytes.
func DecodeCommand(buf []byte) (*Command, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: Command too short", ErrInvalidFrame)
	}
	textLen := int(binary.BigEndian.Uint16(buf[0:2]))
	if 2+textLen > len(buf) {
		return nil, fmt.Errorf("%w: Command text truncated", ErrInvalidFrame)
	}
	return &Command{
		Text: string(buf[2 : 2+textLen]),
	}, nil
}

// CommandResult is the payload for COMMAND_RESULT frames.
type CommandResult struct {
	Status uint8
	Output []byte
}

// Encode serializes CommandResult to bytes.
func (c *CommandResult) Encode() []byte {
	buf := make([]byte, 1+4+len(c.Output))
	buf[0] = c.Status
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(c.Output)))
	copy(buf[5:], c.Output)
	return buf
}

// DecodeCommandResult deserializes CommandResult from bytes.
func DecodeCommandResult(buf []byte) (*CommandResult, error) {
	if len(buf) < 5 {
		return nil, fmt.Errorf("%w: CommandResult too short", ErrInvalidFrame)
	}
	outLen := int(binary.BigEndian.Uint32(buf[1:5]))
	if 5+outLen > len(buf) {
		return nil, fmt.Errorf("%w: CommandResult output truncated", ErrInvalidFrame)
	}
	out := make([]byte, outLen)
	copy(out, buf[5:5+outLen])
	return &CommandResult{
		Status: buf[0],
		Output: out,
	}, nil
}

// FileChunk is the payload for FILE_CHUNK frames. Checksum is the CRC-32C of
// Data; the agent verifies it before acknowledging the offset.
type FileChunk struct {
	JobID    uint32
	Offset   uint64
	Checksum uint32
	Data     []byte
}

// Encode serializes FileChunk to bytes.
func (f *FileChunk) Encode() []byte {
	buf := make([]byte, 4+8+4+len(f.Data))
	offset := 0

	binary.BigEndian.PutUint32(buf[offset:], f.JobID)
	offset += 4

	binary.BigEndian.PutUint64(buf[offset:], f.Offset)
	offset += 8

	binary.BigEndian.PutUint32(buf[offset:], f.Checksum)
	offset += 4

	copy(buf[offset:], f.Data)

	return buf
}

// DecodeFileChunk deserializes FileChunk from bytes.
func DecodeFileChunk(buf []byte) (*FileChunk, error) {
	if len(buf) < 16 {
		return nil, fmt.Errorf("%w: FileChunk too short", ErrInvalidFrame)
	}

	f := &FileChunk{}
	offset := 0

	f.JobID = binary.BigEndian.Uint32(buf[offset:])
	offset += 4

	f.Offset = binary.BigEndian.Uint64(buf[offset:])
	offset += 8

	f.Checksum = binary.BigEndian.Uint32(buf[offset:])
	offset += 4

	f.Data = make([]byte, len(buf)-offset)
	copy(f.Data, buf[offset:])

	return f, nil
}

// FileChunkAck is the payload for FILE_CHUNK_ACK frames. Offset must match
// the acknowledged chunk; a non-OK status fails the job, not the session.
type FileChunkAck struct {
	JobID  uint32
	Offset uint64
	Status uint8
}

// Encode serializes FileChunkAck to bytes.
func (f *FileChunkAck) Encode() []byte {
	buf := make([]byte, 4+8+1)
	binary.BigEndian.PutUint32(buf[0:4], f.JobID)
	binary.BigEndian.PutUint64(buf[4:12], f.Offset)
	buf[12] = f.Status
	return buf
}

// DecodeFileChunkAck deserializes FileChunkAck from bytes.
func DecodeFileChunkAck(buf []byte) (*FileChunkAck, error) {
	if len(buf) < 13 {
		return nil, fmt.Errorf("%w: FileChunkAck too short", ErrInvalidFrame)
	}
	return &FileChunkAck{
		JobID:  binary.BigEndian.Uint32(buf[0:4]),
		Offset: binary.BigEndian.Uint64(buf[4:12]),
		Status: buf[12],
	}, nil
}

// RedirectStart is the payload for REDIRECT_START frames. ProxyPort is the
// port on the destination host where the agent accepts redirected traffic.
type RedirectStart struct {
	ProxyPort uint16
}

// Encode serializes RedirectStart to bytes.
func (r *RedirectStart) Encode() []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, r.ProxyPort)
	return buf
}

// DecodeRedirectStart deserializes RedirectStart from bytes.
func DecodeRedirectStart(buf []byte) (*RedirectStart, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: RedirectStart too short", ErrInvalidFrame)
	}
	return &RedirectStart{
		ProxyPort: binary.BigEndian.Uint16(buf),
	}, nil
}

// RedirectStartAck is the payload for REDIRECT_START_ACK frames. The agent
// may also send it unsolicited with a non-OK status to report an
// asynchronous redirection failure.
type RedirectStartAck struct {
	Status uint8
	Detail string
}

// Encode serializes RedirectStartAck to bytes.
func (r *RedirectStartAck) Encode() []byte {
	detail := []byte(r.Detail)
	if len(detail) > 255 {
		detail = detail[:255]
	}

	buf := make([]byte, 2+len(detail))
	buf[0] = r.Status
	buf[1] = uint8(len(detail))
	copy(buf[2:], detail)
	return buf
}

// DecodeRedirectStartAck deserializes RedirectStartAck from bytes.
func DecodeRedirectStartAck(buf []byte) (*RedirectStartAck, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: RedirectStartAck too short", ErrInvalidFrame)
	}
	detailLen := int(buf[1])
	if 2+detailLen > len(buf) {
		return nil, fmt.Errorf("%w: RedirectStartAck detail truncated", ErrInvalidFrame)
	}
	return &RedirectStartAck{
		Status: buf[0],
		Detail: string(buf[2 : 2+detailLen]),
	}, nil
}
