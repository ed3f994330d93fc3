package mode

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/khr0x40sh/powermolecli/internal/config"
	"github.com/khr0x40sh/powermolecli/internal/logging"
	"github.com/khr0x40sh/powermolecli/internal/protocol"
)

// Redirect drives exit-node mode: it asks the agent to start accepting
// redirected traffic on the proxy port, then stays alive until interrupted.
type Redirect struct {
	machine

	cfg    config.RedirectConfig
	corr   *protocol.Correlator
	logger *slog.Logger

	started bool
}

// NewRedirect creates the redirect mode handler.
func NewRedirect(cfg config.RedirectConfig, corr *protocol.Correlator, logger *slog.Logger) *Redirect {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Redirect{
		machine: newMachine(),
		cfg:     cfg,
		corr:    corr,
		logger:  logger.With(logging.KeyMode, config.ModeRedirect),
	}
}

// Name returns the configured mode.
func (r *Redirect) Name() config.Mode {
	return config.ModeRedirect
}

// Init transitions to READY. Redirect mode needs no local setup.
func (r *Redirect) Init(ctx context.Context) error {
	r.transition(StateReady)
	return nil
}

// Run sends REDIRECT_START and, once acknowledged, waits passively until
// interrupted or the agent reports an asynchronous failure. COMPLETED is
// only ever reached via interruption: this mode has no natural end.
func (r *Redirect) Run(ctx context.Context, sender Sender, in <-chan *protocol.Frame) error {
	r.transition(StateRunning)

	corr := r.corr.Next()
	start := &protocol.RedirectStart{ProxyPort: uint16(r.cfg.ProxyPort)}
	if err := sender.WriteFrame(&protocol.Frame{
		Kind:        protocol.KindRedirectStart,
		Correlation: corr,
		Payload:     start.Encode(),
	}); err != nil {
		return r.finish(err)
	}

	frame, err := r.awaitResponse(ctx, in, protocol.KindRedirectStartAck, corr, r.cfg.AckTimeout)
	if err != nil {
		return r.finish(err)
	}

	ack, err := protocol.DecodeRedirectStartAck(frame.Payload)
	if err != nil {
		return r.finish(err)
	}
	if ack.Status != protocol.StatusOK {
		return r.finish(fmt.Errorf("redirect start rejected: %s (%s)",
			protocol.StatusName(ack.Status), ack.Detail))
	}

	r.started = true
	r.logger.Info("traffic redirection established",
		"proxy_port", r.cfg.ProxyPort)
	r.logger.Info("READY")

	return r.finish(r.passiveWait(ctx, in))
}

// Report returns the redirection outcome.
func (r *Redirect) Report() Report {
	item := Item{
		Name:   fmt.Sprintf("redirect via remote port %d", r.cfg.ProxyPort),
		OK:     r.started && r.State() != StateFailed,
		Status: "established",
	}
	if !item.OK {
		item.Status = "failed"
	}
	return Report{Mode: config.ModeRedirect, Items: []Item{item}}
}
