// Package heartbeat implements the liveness monitor for an instructor
// session. It probes the remote agent on a fixed interval, independent of
// whatever mode traffic shares the connection.
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/khr0x40sh/powermolecli/internal/logging"
	"github.com/khr0x40sh/powermolecli/internal/metrics"
	"github.com/khr0x40sh/powermolecli/internal/protocol"
	"github.com/khr0x40sh/powermolecli/internal/recovery"
)

// ErrAgentUnresponsive is reported when the consecutive-miss threshold is
// reached.
var ErrAgentUnresponsive = errors.New("agent stopped answering heartbeats")

// Sender writes frames to the shared connection. Writes are serialized by
// the implementation.
type Sender interface {
	WriteFrame(f *protocol.Frame) error
}

// State is a snapshot of the monitor's bookkeeping.
type State struct {
	LastPingAt time.Time
	LastPongAt time.Time
	Misses     int
}

// Monitor sends HEARTBEAT_PING frames on a fixed interval and expects a
// matching HEARTBEAT_PONG before the next tick. When the consecutive-miss
// threshold is reached it signals failure exactly once and stops; it never
// closes the connection itself.
type Monitor struct {
	sender    Sender
	corr      *protocol.Correlator
	interval  time.Duration
	threshold int
	logger    *slog.Logger
	metrics   *metrics.Metrics

	pongCh chan uint32

	mu         sync.Mutex
	st         State
	pending    uint32 // correlation id of the unanswered ping, 0 if answered
	pingSentAt time.Time

	failOnce sync.Once
	failed   chan struct{}
	err      error
}

// New creates a heartbeat monitor. The correlator is shared with the rest of
// the session so pong frames pair with exactly one ping.
func New(sender Sender, corr *protocol.Correlator, interval time.Duration, threshold int, logger *slog.Logger, m *metrics.Metrics) *Monitor {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Monitor{
		sender:    sender,
		corr:      corr,
		interval:  interval,
		threshold: threshold,
		logger:    logger,
		metrics:   m,
		pongCh:    make(chan uint32, 4),
		failed:    make(chan struct{}),
	}
}

// Failed returns a channel closed once when the miss threshold is reached
// or a ping cannot be written. Consumed by the teardown coordinator.
func (m *Monitor) Failed() <-chan struct{} {
	return m.failed
}

// Err returns the failure cause after Failed() fires.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// State returns a snapshot of the heartbeat bookkeeping.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

// HandlePong is called by the demultiplexing reader for every
// HEARTBEAT_PONG frame. It never blocks the reader.
func (m *Monitor) HandlePong(f *protocol.Frame) {
	select {
	case m.pongCh <- f.Correlation:
	default:
		// Monitor is behind; a dropped duplicate pong is indistinguishable
		// from a miss and will be recovered by the next tick.
	}
}

// Run drives the timer loop until ctx is canceled or failure is signaled.
func (m *Monitor) Run(ctx context.Context) {
	defer recovery.RecoverWithLog(m.logger, "heartbeat.Run")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case corr := <-m.pongCh:
			m.handlePong(corr)

		case <-ticker.C:
			if m.tick() {
				return
			}
		}
	}
}

// tick counts a miss for an unanswered ping and sends the next probe.
// Returns true when the monitor has signaled failure and must stop.
func (m *Monitor) tick() bool {
	m.mu.Lock()
	if m.pending != 0 {
		m.st.Misses++
		m.metrics.HeartbeatMisses.Inc()
		m.logger.Warn("heartbeat pong missed",
			logging.KeyCorrelation, m.pending,
			logging.KeyMisses, m.st.Misses)

		if m.st.Misses >= m.threshold {
			m.mu.Unlock()
			m.fail(ErrAgentUnresponsive)
			return true
		}
	}

	corr := m.corr.Next()
	m.pending = corr
	m.pingSentAt = time.Now()
	m.st.LastPingAt = m.pingSentAt
	m.mu.Unlock()

	ping := &protocol.Heartbeat{Timestamp: uint64(time.Now().UnixNano())}
	err := m.sender.WriteFrame(&protocol.Frame{
		Kind:        protocol.KindHeartbeatPing,
		Correlation: corr,
		Payload:     ping.Encode(),
	})
	if err != nil {
		m.fail(err)
		return true
	}
	m.metrics.HeartbeatPings.Inc()

	return false
}

// handlePong resets the miss counter for a matching pong and ignores stale
// ones (a pong that arrives after its tick already counted a miss).
func (m *Monitor) handlePong(corr uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if corr != m.pending || m.pending == 0 {
		m.logger.Debug("stale heartbeat pong ignored", logging.KeyCorrelation, corr)
		return
	}

	m.pending = 0
	m.st.Misses = 0
	m.st.LastPongAt = time.Now()
	m.metrics.HeartbeatPongs.Inc()
	m.metrics.HeartbeatRTT.Observe(m.st.LastPongAt.Sub(m.pingSentAt).Seconds())
}

// fail signals session failure exactly once.
func (m *Monitor) fail(err error) {
	m.failOnce.Do(func() {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		m.logger.Error("heartbeat failure", logging.KeyError, err)
		close(m.failed)
	})
}
