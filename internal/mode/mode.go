// Package mode implements the four session mode state machines driven by
// the session controller: redirect, forward, file-transfer and interactive.
package mode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/khr0x40sh/powermolecli/internal/config"
	"github.com/khr0x40sh/powermolecli/internal/metrics"
	"github.com/khr0x40sh/powermolecli/internal/protocol"
)

var (
	// ErrProtocolViolation is returned when the agent sends a response that
	// cannot be paired with an outstanding request. Fatal to the mode.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrAckTimeout is returned when an expected response does not arrive
	// within its deadline.
	ErrAckTimeout = errors.New("response timeout")

	// ErrShutdown is returned from Run when the handler was told to abandon
	// its loop.
	ErrShutdown = errors.New("mode shutdown requested")
)

// State is the lifecycle state shared by all mode handlers.
type State int32

const (
	StateInit State = iota
	StateReady
	StateRunning
	StateCompleted
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Sender writes frames to the shared connection. The session controller's
// link serializes writes.
type Sender interface {
	WriteFrame(f *protocol.Frame) error
}

// Handler is the capability set every mode state machine implements. The
// session controller holds exactly one instance, selected at startup and
// never swapped.
type Handler interface {
	// Name returns the configured mode.
	Name() config.Mode

	// Init performs mode-specific setup. No network traffic is allowed;
	// on success the handler is READY.
	Init(ctx context.Context) error

	// Run drives the mode protocol until natural completion, failure, or
	// shutdown. Frames routed to the mode by the demultiplexing reader
	// arrive on in.
	Run(ctx context.Context, sender Sender, in <-chan *protocol.Frame) error

	// Shutdown tells the handler to abandon its loop without blocking
	// further on remote responses. Idempotent.
	Shutdown()

	// State returns the current lifecycle state.
	State() State

	// Report enumerates per-unit outcomes for the final session summary.
	Report() Report
}

// machine holds the lifecycle bookkeeping embedded by every handler.
type machine struct {
	state    atomic.Int32
	quit     chan struct{}
	quitOnce sync.Once
}

func newMachine() machine {
	return machine{quit: make(chan struct{})}
}

// State returns the current lifecycle state.
func (m *machine) State() State {
	return State(m.state.Load())
}

// Shutdown requests loop abandonment. Idempotent.
func (m *machine) Shutdown() {
	m.quitOnce.Do(func() { close(m.quit) })
}

// transition moves to the requested state. Terminal states are sticky: once
// COMPLETED or FAILED is reached the machine never moves again.
func (m *machine) transition(to State) bool {
	for {
		cur := State(m.state.Load())
		if cur.Terminal() {
			return false
		}
		if m.state.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}

// finish resolves the terminal state from the run error and keeps the error
// classification consistent across handlers: a shutdown request completes
// the mode, anything else fails it.
func (m *machine) finish(err error) error {
	if err == nil || errors.Is(err, ErrShutdown) || errors.Is(err, context.Canceled) {
		m.transition(StateCompleted)
		return nil
	}
	m.transition(StateFailed)
	return err
}

// awaitResponse blocks until a frame with the wanted kind and correlation id
// arrives, the deadline passes, or the handler is interrupted. Any frame
// that cannot be paired with the outstanding request is a protocol
// violation.
func (m *machine) awaitResponse(ctx context.Context, in <-chan *protocol.Frame, kind uint8, corr uint32, timeout time.Duration) (*protocol.Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.quit:
			return nil, ErrShutdown
		case <-timer.C:
			return nil, fmt.Errorf("%w: no %s for correlation id %d within %v",
				ErrAckTimeout, protocol.KindName(kind), corr, timeout)
		case f, ok := <-in:
			if !ok {
				return nil, io.EOF
			}
			if f.Kind != kind || f.Correlation != corr {
				return nil, fmt.Errorf("%w: unexpected %s (corr %d) while awaiting %s (corr %d)",
					ErrProtocolViolation, protocol.KindName(f.Kind), f.Correlation,
					protocol.KindName(kind), corr)
			}
			return f, nil
		}
	}
}

// passiveWait keeps a handler alive after its setup exchange until it is
// interrupted. Redirect and forward modes have no natural end; the agent may
// still report an asynchronous failure via an unsolicited non-OK
// REDIRECT_START_ACK.
func (m *machine) passiveWait(ctx context.Context, in <-chan *protocol.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.quit:
			return ErrShutdown
		case f, ok := <-in:
			if !ok {
				return io.EOF
			}
			if f.Kind == protocol.KindRedirectStartAck {
				ack, err := protocol.DecodeRedirectStartAck(f.Payload)
				if err != nil {
					return err
				}
				if ack.Status != protocol.StatusOK {
					return fmt.Errorf("agent reported failure: %s (%s)",
						protocol.StatusName(ack.Status), ack.Detail)
				}
				continue
			}
			return fmt.Errorf("%w: unsolicited %s during passive wait",
				ErrProtocolViolation, protocol.KindName(f.Kind))
		}
	}
}

// New builds the handler for the configured mode. Interactive mode bridges
// the supplied reader/writer to the agent.
func New(cfg *config.Config, corr *protocol.Correlator, logger *slog.Logger, m *metrics.Metrics, input io.Reader, output io.Writer) (Handler, error) {
	switch cfg.Mode {
	case config.ModeRedirect:
		return NewRedirect(cfg.Redirect, corr, logger), nil
	case config.ModeForward:
		return NewForward(cfg.Forward, corr, logger, m), nil
	case config.ModeFileTransfer:
		return NewTransfer(cfg.Transfer, corr, logger, m)
	case config.ModeInteractive:
		return NewInteractive(cfg.Interactive, corr, logger, m, input, output), nil
	default:
		return nil, fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}
