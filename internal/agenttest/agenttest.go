// Package agenttest provides a scripted in-process agent for exercising the
// session protocol over net.Pipe. It answers the instructor the way a real
// agent would, with knobs for the failure scenarios tests need.
package agenttest

import (
	"context"
	"hash/crc32"
	"net"
	"sync"

	"github.com/khr0x40sh/powermolecli/internal/protocol"
)

// Agent is a scripted protocol peer. The zero value behaves like a healthy
// agent: it completes the handshake at the current version, answers every
// heartbeat, accepts every chunk with a valid checksum, and acknowledges
// commands and redirect starts with OK.
type Agent struct {
	// HelloVersion overrides the version reported in HELLO_ACK. Zero means
	// the current protocol version.
	HelloVersion uint16

	// MuteHandshake drops HELLO without answering.
	MuteHandshake bool

	// HeartbeatLimit answers only the first N pings. Zero means unlimited.
	HeartbeatLimit int

	// DisconnectAfterPongs closes the connection after answering N pings.
	// Zero means never.
	DisconnectAfterPongs int

	// MuteCommands drops COMMAND frames without answering.
	MuteCommands bool

	// OnCommand decides the result of a COMMAND. Nil accepts with no output.
	OnCommand func(text string) (status uint8, output []byte)

	// OnChunk decides the status of a FILE_CHUNK ack. Nil verifies the
	// CRC-32C and answers OK or CHECKSUM_MISMATCH.
	OnChunk func(chunk *protocol.FileChunk) uint8

	// RedirectStatus answers REDIRECT_START; OK by default.
	RedirectStatus uint8
	RedirectDetail string

	pongs int
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Serve speaks the agent side on conn until the connection closes or a
// SHUTDOWN frame arrives.
func (a *Agent) Serve(conn net.Conn) {
	defer conn.Close()

	reader := protocol.NewFrameReader(conn)
	writer := protocol.NewFrameWriter(conn)

	for {
		f, err := reader.Read()
		if err != nil {
			return
		}

		switch f.Kind {
		case protocol.KindHello:
			if a.MuteHandshake {
				continue
			}
			version := a.HelloVersion
			if version == 0 {
				version = protocol.Version
			}
			ack := &protocol.HelloAck{Version: version}
			if err := writer.WriteFrame(protocol.KindHelloAck, f.Correlation, ack.Encode()); err != nil {
				return
			}

		case protocol.KindHeartbeatPing:
			if a.HeartbeatLimit > 0 && a.pongs >= a.HeartbeatLimit {
				continue
			}
			a.pongs++
			if err := writer.WriteFrame(protocol.KindHeartbeatPong, f.Correlation, f.Payload); err != nil {
				return
			}
			if a.DisconnectAfterPongs > 0 && a.pongs >= a.DisconnectAfterPongs {
				return
			}

		case protocol.KindCommand:
			if a.MuteCommands {
				continue
			}
			cmd, err := protocol.DecodeCommand(f.Payload)
			if err != nil {
				return
			}
			status, output := uint8(protocol.StatusOK), []byte(nil)
			if a.OnCommand != nil {
				status, output = a.OnCommand(cmd.Text)
			}
			result := &protocol.CommandResult{Status: status, Output: output}
			if err := writer.WriteFrame(protocol.KindCommandResult, f.Correlation, result.Encode()); err != nil {
				return
			}

		case protocol.KindFileChunk:
			chunk, err := protocol.DecodeFileChunk(f.Payload)
			if err != nil {
				return
			}
			status := a.chunkStatus(chunk)
			ack := &protocol.FileChunkAck{JobID: chunk.JobID, Offset: chunk.Offset, Status: status}
			if err := writer.WriteFrame(protocol.KindFileChunkAck, f.Correlation, ack.Encode()); err != nil {
				return
			}

		case protocol.KindRedirectStart:
			ack := &protocol.RedirectStartAck{Status: a.RedirectStatus, Detail: a.RedirectDetail}
			if err := writer.WriteFrame(protocol.KindRedirectStartAck, f.Correlation, ack.Encode()); err != nil {
				return
			}

		case protocol.KindShutdown:
			return
		}
	}
}

func (a *Agent) chunkStatus(chunk *protocol.FileChunk) uint8 {
	if a.OnChunk != nil {
		return a.OnChunk(chunk)
	}
	if crc32.Checksum(chunk.Data, castagnoli) != chunk.Checksum {
		return protocol.StatusChecksumMismatch
	}
	return protocol.StatusOK
}

// Dialer serves an Agent over net.Pipe and satisfies the tunnel dialer
// contract. CloseCount lets tests assert the tunnel is released exactly once.
type Dialer struct {
	Agent *Agent

	mu         sync.Mutex
	client     net.Conn
	server     net.Conn
	closeCalls int
}

// Open creates the pipe and starts the agent on its far end.
func (d *Dialer) Open(ctx context.Context) (net.Conn, error) {
	client, server := net.Pipe()

	d.mu.Lock()
	d.client, d.server = client, server
	d.mu.Unlock()

	go d.Agent.Serve(server)
	return client, nil
}

// Close releases both pipe ends. Idempotent, but every call is counted.
func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closeCalls++
	if d.client != nil {
		d.client.Close()
		d.client = nil
	}
	if d.server != nil {
		d.server.Close()
		d.server = nil
	}
	return nil
}

// CloseCalls returns how many times Close has been invoked.
func (d *Dialer) CloseCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeCalls
}
