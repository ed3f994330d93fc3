package session

import (
	"io"
	"sync"

	"github.com/khr0x40sh/powermolecli/internal/metrics"
	"github.com/khr0x40sh/powermolecli/internal/protocol"
)

// Link is the shared frame transport over the tunneled connection. Writes
// from the mode handler, the heartbeat monitor and the teardown coordinator
// are serialized here; reads stay single-owner in the demultiplexing reader.
type Link struct {
	reader *protocol.FrameReader

	mu     sync.Mutex
	writer *protocol.FrameWriter

	metrics *metrics.Metrics
}

// NewLink wraps a connection in a frame transport.
func NewLink(rw io.ReadWriter, m *metrics.Metrics) *Link {
	if m == nil {
		m = metrics.Default()
	}
	return &Link{
		reader:  protocol.NewFrameReader(rw),
		writer:  protocol.NewFrameWriter(rw),
		metrics: m,
	}
}

// WriteFrame writes one frame. Safe for concurrent use.
func (l *Link) WriteFrame(f *protocol.Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writer.Write(f); err != nil {
		return err
	}
	l.metrics.FramesSent.WithLabelValues(protocol.KindName(f.Kind)).Inc()
	return nil
}

// ReadFrame reads the next frame. Only the demultiplexing reader calls this.
func (l *Link) ReadFrame() (*protocol.Frame, error) {
	f, err := l.reader.Read()
	if err != nil {
		return nil, err
	}
	l.metrics.FramesReceived.WithLabelValues(protocol.KindName(f.Kind)).Inc()
	return f, nil
}
