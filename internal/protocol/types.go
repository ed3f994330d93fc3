// Package protocol defines the wire protocol spoken between the instructor
// and the remote agent over the tunneled connection.
package protocol

import "sync/atomic"

// Message kind constants
const (
	// Handshake kinds
	KindHello    uint8 = 0x01 // Session handshake (version + mode)
	KindHelloAck uint8 = 0x02 // Handshake response

	// Heartbeat kinds
	KindHeartbeatPing uint8 = 0x10 // Liveness probe
	KindHeartbeatPong uint8 = 0x11 // Liveness response

	// Command kinds
	KindCommand       uint8 = 0x20 // Command for the agent to execute
	KindCommandResult uint8 = 0x21 // Command outcome and output

	// File transfer kinds
	KindFileChunk    uint8 = 0x30 // File content chunk
	KindFileChunkAck uint8 = 0x31 // Chunk acknowledgment

	// Traffic redirection kinds
	KindRedirectStart    uint8 = 0x40 // Request exit-node redirection
	KindRedirectStartAck uint8 = 0x41 // Redirection established

	// Session control kinds
	KindShutdown uint8 = 0x50 // Cooperative session teardown
)

// Mode constants carried in HELLO.
const (
	ModeRedirect     uint8 = 0x01
	ModeForward      uint8 = 0x02
	ModeFileTransfer uint8 = 0x03
	ModeInteractive  uint8 = 0x04
)

// Result status codes for COMMAND_RESULT, FILE_CHUNK_ACK and REDIRECT_START_ACK.
const (
	StatusOK               uint8 = 0x00
	StatusRejected         uint8 = 0x01
	StatusChecksumMismatch uint8 = 0x02
	StatusWriteFailed      uint8 = 0x03
	StatusExecFailed       uint8 = 0x04
)

// Protocol constants
const (
	// Version is the current protocol version carried in HELLO/HELLO_ACK.
	Version uint16 = 1

	// HeaderSize is the size of a frame header in bytes:
	// Length [4] + Kind [1] + Correlation [4].
	HeaderSize = 9

	// MaxPayloadSize is the maximum frame payload size (128 KB). A declared
	// length above this bound is treated as frame corruption.
	MaxPayloadSize = 131072

	// MaxFrameSize is the maximum total frame size.
	MaxFrameSize = HeaderSize + MaxPayloadSize
)

// KnownKind reports whether the kind tag is part of the protocol. Unknown
// tags on the wire are fatal to the session.
func KnownKind(k uint8) bool {
	switch k {
	case KindHello, KindHelloAck,
		KindHeartbeatPing, KindHeartbeatPong,
		KindCommand, KindCommandResult,
		KindFileChunk, KindFileChunkAck,
		KindRedirectStart, KindRedirectStartAck,
		KindShutdown:
		return true
	}
	return false
}

// IsHeartbeatKind reports whether the kind belongs to the heartbeat monitor.
// The demultiplexing reader routes these away from the active mode handler.
func IsHeartbeatKind(k uint8) bool {
	return k == KindHeartbeatPing || k == KindHeartbeatPong
}

// KindName returns a human-readable name for a message kind.
func KindName(k uint8) string {
	switch k {
	case KindHello:
		return "HELLO"
	case KindHelloAck:
		return "HELLO_ACK"
	case KindHeartbeatPing:
		return "HEARTBEAT_PING"
	case KindHeartbeatPong:
		return "HEARTBEAT_PONG"
	case KindCommand:
		return "COMMAND"
	case KindCommandResult:
		return "COMMAND_RESULT"
	case KindFileChunk:
		return "FILE_CHUNK"
	case KindFileChunkAck:
		return "FILE_CHUNK_ACK"
	case KindRedirectStart:
		return "REDIRECT_START"
	case KindRedirectStartAck:
		return "REDIRECT_START_ACK"
	case KindShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// StatusName returns a human-readable name for a result status code.
func StatusName(s uint8) string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusRejected:
		return "REJECTED"
	case StatusChecksumMismatch:
		return "CHECKSUM_MISMATCH"
	case StatusWriteFailed:
		return "WRITE_FAILED"
	case StatusExecFailed:
		return "EXEC_FAILED"
	default:
		return "UNKNOWN"
	}
}

// ModeName returns a human-readable name for a mode byte.
func ModeName(m uint8) string {
	switch m {
	case ModeRedirect:
		return "REDIRECT"
	case ModeForward:
		return "FORWARD"
	case ModeFileTransfer:
		return "FILE_TRANSFER"
	case ModeInteractive:
		return "INTERACTIVE"
	default:
		return "UNKNOWN"
	}
}

// Correlator allocates session-unique correlation identifiers. A single
// correlator is shared by the heartbeat monitor and the active mode handler
// so a response can always be paired with exactly one request.
type Correlator struct {
	next atomic.Uint32
}

// NewCorrelator creates a correlator starting at 1. Correlation id 0 is
// reserved for unsolicited frames.
func NewCorrelator() *Correlator {
	return &Correlator{}
}

// Next returns a fresh correlation id.
func (c *Correlator) Next() uint32 {
	return c.next.Add(1)
}
