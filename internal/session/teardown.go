package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/khr0x40sh/powermolecli/internal/logging"
	"github.com/khr0x40sh/powermolecli/internal/mode"
	"github.com/khr0x40sh/powermolecli/internal/protocol"
	"github.com/khr0x40sh/powermolecli/internal/tunnel"
)

// teardown coordinates session shutdown. Every trigger (mode completion,
// heartbeat failure, interrupt, connection error) funnels into run, which
// executes the ordered sequence exactly once: stop the mode handler, offer
// the agent a SHUTDOWN frame, stop the heartbeat, release the tunnel.
type teardown struct {
	handler mode.Handler
	link    *Link
	stopHB  context.CancelFunc
	dialer  tunnel.Dialer
	logger  *slog.Logger

	once sync.Once
}

// run performs the shutdown sequence. sendShutdown is false when the
// connection is already known dead; every step past it is best-effort.
func (t *teardown) run(sendShutdown bool) {
	t.once.Do(func() {
		t.logger.Debug("session teardown started")

		if t.handler != nil {
			t.handler.Shutdown()
		}

		if sendShutdown {
			err := t.link.WriteFrame(&protocol.Frame{Kind: protocol.KindShutdown})
			if err != nil {
				t.logger.Debug("shutdown frame not delivered", logging.KeyError, err)
			}
		}

		if t.stopHB != nil {
			t.stopHB()
		}

		if err := t.dialer.Close(); err != nil {
			t.logger.Debug("tunnel close", logging.KeyError, err)
		}

		t.logger.Debug("session teardown finished")
	})
}
