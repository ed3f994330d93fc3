package session

import (
	"log/slog"

	"github.com/khr0x40sh/powermolecli/internal/heartbeat"
	"github.com/khr0x40sh/powermolecli/internal/logging"
	"github.com/khr0x40sh/powermolecli/internal/protocol"
	"github.com/khr0x40sh/powermolecli/internal/recovery"
)

// demux is the single reader of the tunneled connection. Heartbeat frames go
// to the monitor, everything else to the active mode handler. No frame is
// ever dropped and no other goroutine reads the connection.
type demux struct {
	link    *Link
	monitor *heartbeat.Monitor
	logger  *slog.Logger

	// modeCh carries mode-bound frames and is closed when the read loop
	// exits; errCh then holds the terminal read error.
	modeCh chan *protocol.Frame
	errCh  chan error
	quit   chan struct{}
}

func newDemux(link *Link, monitor *heartbeat.Monitor, logger *slog.Logger) *demux {
	return &demux{
		link:    link,
		monitor: monitor,
		logger:  logger,
		modeCh:  make(chan *protocol.Frame, 8),
		errCh:   make(chan error, 1),
		quit:    make(chan struct{}),
	}
}

// run reads frames until the connection dies. Corruption and read errors are
// both fatal: the protocol never resynchronizes a broken stream.
func (d *demux) run() {
	defer recovery.RecoverWithLog(d.logger, "session.demux")
	defer close(d.modeCh)

	for {
		f, err := d.link.ReadFrame()
		if err != nil {
			if protocol.IsCorruption(err) {
				d.logger.Error("frame corruption, aborting connection",
					logging.KeyError, err)
			}
			d.errCh <- err
			return
		}

		if protocol.IsHeartbeatKind(f.Kind) {
			if f.Kind == protocol.KindHeartbeatPong {
				d.monitor.HandlePong(f)
			} else {
				d.logger.Debug("ignoring heartbeat ping from agent",
					logging.KeyCorrelation, f.Correlation)
			}
			continue
		}

		select {
		case d.modeCh <- f:
		case <-d.quit:
			return
		}
	}
}

// stop unblocks the loop if it is stuck delivering to an abandoned handler.
// The read itself only ends when the connection is closed.
func (d *demux) stop() {
	close(d.quit)
}
