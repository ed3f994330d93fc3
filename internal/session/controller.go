// Package session owns the lifecycle of one instructor session: tunnel
// establishment, the version handshake, heartbeat supervision, the single
// mode handler, and ordered teardown into a final outcome.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/khr0x40sh/powermolecli/internal/config"
	"github.com/khr0x40sh/powermolecli/internal/heartbeat"
	"github.com/khr0x40sh/powermolecli/internal/logging"
	"github.com/khr0x40sh/powermolecli/internal/metrics"
	"github.com/khr0x40sh/powermolecli/internal/mode"
	"github.com/khr0x40sh/powermolecli/internal/protocol"
	"github.com/khr0x40sh/powermolecli/internal/tunnel"
)

var (
	// ErrHandshakeTimeout is returned when HELLO_ACK does not arrive in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrVersionMismatch is returned when the agent speaks a different
	// protocol version.
	ErrVersionMismatch = errors.New("protocol version mismatch")
)

// modeStopGrace bounds how long teardown waits for the mode handler to
// acknowledge shutdown before the session result is reported anyway.
const modeStopGrace = 5 * time.Second

// Result is the terminal record of one session.
type Result struct {
	Outcome Outcome
	Report  mode.Report
	Err     error
}

// Controller drives one session end to end. A controller is single-use.
type Controller struct {
	cfg     *config.Config
	dialer  tunnel.Dialer
	logger  *slog.Logger
	metrics *metrics.Metrics
	input   io.Reader
	output  io.Writer

	id   string
	corr *protocol.Correlator
}

// New creates a session controller. Interactive mode reads commands from
// input and writes prompts and results to output.
func New(cfg *config.Config, dialer tunnel.Dialer, logger *slog.Logger, m *metrics.Metrics, input io.Reader, output io.Writer) *Controller {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	id := uuid.NewString()
	return &Controller{
		cfg:     cfg,
		dialer:  dialer,
		logger:  logger.With(logging.KeySessionID, id),
		metrics: m,
		input:   input,
		output:  output,
		id:      id,
		corr:    protocol.NewCorrelator(),
	}
}

// ID returns the session identifier.
func (c *Controller) ID() string {
	return c.id
}

// Run executes the session and always returns a classified outcome.
// Canceling ctx interrupts the session; teardown still runs to completion.
func (c *Controller) Run(ctx context.Context) Result {
	res := c.run(ctx)
	c.metrics.SessionOutcomes.WithLabelValues(res.Outcome.String()).Inc()
	c.logger.Info("session finished",
		logging.KeyOutcome, res.Outcome,
		logging.KeyMode, c.cfg.Mode,
		logging.KeyError, res.Err)
	return res
}

func (c *Controller) run(ctx context.Context) Result {
	conn, err := c.dialer.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Outcome: OutcomeInterrupted, Err: ctx.Err()}
		}
		return Result{Outcome: OutcomeHandshakeFailure, Err: err}
	}
	link := NewLink(conn, c.metrics)

	if err := c.handshake(ctx, link); err != nil {
		c.metrics.HandshakeErrors.Inc()
		c.dialer.Close()
		if ctx.Err() != nil {
			return Result{Outcome: OutcomeInterrupted, Err: ctx.Err()}
		}
		return Result{Outcome: OutcomeHandshakeFailure, Err: err}
	}
	c.logger.Info("session established", logging.KeyMode, c.cfg.Mode)

	// The mode handler only exists past a successful handshake.
	handler, err := mode.New(c.cfg, c.corr, c.logger, c.metrics, c.input, c.output)
	if err != nil {
		c.dialer.Close()
		return Result{Outcome: OutcomeModeFailure, Err: err}
	}

	monitor := heartbeat.New(link, c.corr,
		c.cfg.Heartbeat.Interval, c.cfg.Heartbeat.MissThreshold,
		c.logger, c.metrics)

	// Heartbeat and mode lifetimes are controlled by teardown, not by the
	// session context, so the shutdown sequence keeps its order.
	hbCtx, stopHB := context.WithCancel(context.Background())
	defer stopHB()
	modeCtx, stopMode := context.WithCancel(context.Background())
	defer stopMode()

	td := &teardown{
		handler: handler,
		link:    link,
		stopHB:  stopHB,
		dialer:  c.dialer,
		logger:  c.logger,
	}

	if err := handler.Init(modeCtx); err != nil {
		res := Result{Outcome: OutcomeModeFailure, Report: handler.Report(), Err: err}
		td.run(true)
		return res
	}

	d := newDemux(link, monitor, c.logger)
	go d.run()
	defer d.stop()
	go monitor.Run(hbCtx)

	modeDone := make(chan error, 1)
	go func() {
		modeDone <- handler.Run(modeCtx, link, d.modeCh)
	}()

	app := &launcher{cfg: c.cfg.Application, logger: c.logger}
	app.start(modeCtx)

	var (
		res      Result
		modeOver bool
	)
	select {
	case err := <-modeDone:
		modeOver = true
		td.run(true)
		switch {
		case err != nil:
			res = Result{Outcome: OutcomeModeFailure, Err: err}
		case c.cfg.Mode == config.ModeFileTransfer && handler.Report().Failed():
			// Isolated job failures do not abort the transfer queue, but a
			// drained queue with failed jobs still fails the session. Failed
			// interactive commands were already surfaced to the operator and
			// recovered; they never demote a normally ended session.
			res = Result{Outcome: OutcomeModeFailure}
		default:
			res = Result{Outcome: OutcomeSuccess}
		}

	case <-monitor.Failed():
		res = Result{Outcome: OutcomeHeartbeatFailure, Err: monitor.Err()}
		td.run(true)

	case err := <-d.errCh:
		// Connection is gone; there is nobody left to send SHUTDOWN to.
		res = Result{Outcome: OutcomeHeartbeatFailure, Err: fmt.Errorf("connection lost: %w", err)}
		td.run(false)

	case <-ctx.Done():
		res = Result{Outcome: OutcomeInterrupted, Err: ctx.Err()}
		td.run(true)
	}

	if !modeOver {
		select {
		case <-modeDone:
		case <-time.After(modeStopGrace):
			c.logger.Warn("mode handler did not stop within grace period",
				logging.KeyState, handler.State())
		}
	}

	res.Report = handler.Report()
	return res
}

// handshake sends HELLO and validates HELLO_ACK within the configured
// timeout. Any deviation (wrong kind, wrong correlation, version mismatch,
// timeout) fails the session before a mode handler is created.
func (c *Controller) handshake(ctx context.Context, link *Link) error {
	start := time.Now()
	corr := c.corr.Next()

	hello := &protocol.Hello{Version: protocol.Version, Mode: c.cfg.Mode.Wire()}
	if err := link.WriteFrame(&protocol.Frame{
		Kind:        protocol.KindHello,
		Correlation: corr,
		Payload:     hello.Encode(),
	}); err != nil {
		return err
	}

	type readResult struct {
		f   *protocol.Frame
		err error
	}
	ch := make(chan readResult, 1)
	go func() {
		f, err := link.ReadFrame()
		ch <- readResult{f, err}
	}()

	timer := time.NewTimer(c.cfg.Handshake.Timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: no HELLO_ACK within %v", ErrHandshakeTimeout, c.cfg.Handshake.Timeout)
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("handshake read: %w", r.err)
		}
		if r.f.Kind != protocol.KindHelloAck || r.f.Correlation != corr {
			return fmt.Errorf("handshake: unexpected %s (corr %d)",
				protocol.KindName(r.f.Kind), r.f.Correlation)
		}
		ack, err := protocol.DecodeHelloAck(r.f.Payload)
		if err != nil {
			return err
		}
		if ack.Version != protocol.Version {
			return fmt.Errorf("%w: instructor speaks %d, agent speaks %d",
				ErrVersionMismatch, protocol.Version, ack.Version)
		}
	}

	c.metrics.HandshakeLatency.Observe(time.Since(start).Seconds())
	return nil
}
