package mode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/khr0x40sh/powermolecli/internal/config"
	"github.com/khr0x40sh/powermolecli/internal/logging"
	"github.com/khr0x40sh/powermolecli/internal/metrics"
	"github.com/khr0x40sh/powermolecli/internal/protocol"
)

// ErrForwarderRejected is returned when the agent rejects at least one
// forwarder announcement.
var ErrForwarderRejected = errors.New("forwarder announcement rejected")

// forwarderResult records the agent's verdict on one announcement.
type forwarderResult struct {
	fwd      config.ForwarderConfig
	accepted bool
	detail   string
}

// Forward drives port-forwarding mode. The session protocol only announces
// which remote interface/port pairs must be reachable; traffic carriage
// happens below, inside the tunnel layer.
type Forward struct {
	machine

	cfg     config.ForwardConfig
	corr    *protocol.Correlator
	logger  *slog.Logger
	metrics *metrics.Metrics

	results []forwarderResult
}

// NewForward creates the forward mode handler.
func NewForward(cfg config.ForwardConfig, corr *protocol.Correlator, logger *slog.Logger, m *metrics.Metrics) *Forward {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Forward{
		machine: newMachine(),
		cfg:     cfg,
		corr:    corr,
		logger:  logger.With(logging.KeyMode, config.ModeForward),
		metrics: m,
	}
}

// Name returns the configured mode.
func (f *Forward) Name() config.Mode {
	return config.ModeForward
}

// Init transitions to READY. Forward mode needs no local setup.
func (f *Forward) Init(ctx context.Context) error {
	f.transition(StateReady)
	return nil
}

// announceCommand is the canonical COMMAND text for one forwarder.
func announceCommand(fwd config.ForwarderConfig) string {
	return fmt.Sprintf("expose %s:%d", fwd.RemoteHost, fwd.RemotePort)
}

// Run announces every forwarder to the agent, one COMMAND per pair, each
// requiring its own COMMAND_RESULT. Every announcement is attempted so the
// final report covers all forwarders; any rejection fails the mode.
// Otherwise the handler waits passively until interrupted.
func (f *Forward) Run(ctx context.Context, sender Sender, in <-chan *protocol.Frame) error {
	f.transition(StateRunning)

	for _, fwd := range f.cfg.Forwarders {
		res := forwarderResult{fwd: fwd}

		corr := f.corr.Next()
		cmd := &protocol.Command{Text: announceCommand(fwd)}
		if err := sender.WriteFrame(&protocol.Frame{
			Kind:        protocol.KindCommand,
			Correlation: corr,
			Payload:     cmd.Encode(),
		}); err != nil {
			return f.finish(err)
		}
		f.metrics.CommandsSent.Inc()

		frame, err := f.awaitResponse(ctx, in, protocol.KindCommandResult, corr, f.cfg.AckTimeout)
		if err != nil {
			// Protocol-level failures abort the mode; a missing result for
			// one forwarder is a rejection of that forwarder.
			if !errors.Is(err, ErrAckTimeout) {
				return f.finish(err)
			}
			res.detail = err.Error()
			f.metrics.CommandsFailed.Inc()
			f.results = append(f.results, res)
			continue
		}

		result, err := protocol.DecodeCommandResult(frame.Payload)
		if err != nil {
			return f.finish(err)
		}

		if result.Status == protocol.StatusOK {
			res.accepted = true
			f.logger.Info("forwarder announced",
				"local_port", fwd.LocalPort,
				"remote", fmt.Sprintf("%s:%d", fwd.RemoteHost, fwd.RemotePort))
		} else {
			res.detail = fmt.Sprintf("%s: %s", protocol.StatusName(result.Status),
				strings.TrimSpace(string(result.Output)))
			f.metrics.CommandsFailed.Inc()
			f.logger.Warn("forwarder rejected",
				"remote", fmt.Sprintf("%s:%d", fwd.RemoteHost, fwd.RemotePort),
				logging.KeyError, res.detail)
		}
		f.results = append(f.results, res)
	}

	for _, res := range f.results {
		if !res.accepted {
			return f.finish(fmt.Errorf("%w: %s (%s)", ErrForwarderRejected,
				announceCommand(res.fwd), res.detail))
		}
	}

	f.logger.Info("connections on local ports will be forwarded",
		"ports", f.localPorts())
	f.logger.Info("READY")

	return f.finish(f.passiveWait(ctx, in))
}

func (f *Forward) localPorts() []int {
	ports := make([]int, 0, len(f.cfg.Forwarders))
	for _, fwd := range f.cfg.Forwarders {
		ports = append(ports, fwd.LocalPort)
	}
	return ports
}

// Report enumerates the per-forwarder outcomes.
func (f *Forward) Report() Report {
	items := make([]Item, 0, len(f.results))
	for _, res := range f.results {
		item := Item{
			Name: fmt.Sprintf("forwarder %d -> %s:%d",
				res.fwd.LocalPort, res.fwd.RemoteHost, res.fwd.RemotePort),
			OK:     res.accepted,
			Status: "announced",
			Detail: res.detail,
		}
		if !res.accepted {
			item.Status = "rejected"
		}
		items = append(items, item)
	}
	// Forwarders never announced (e.g. teardown mid-loop) still appear.
	for i := len(f.results); i < len(f.cfg.Forwarders); i++ {
		fwd := f.cfg.Forwarders[i]
		items = append(items, Item{
			Name: fmt.Sprintf("forwarder %d -> %s:%d",
				fwd.LocalPort, fwd.RemoteHost, fwd.RemotePort),
			Status: "not announced",
		})
	}
	return Report{Mode: config.ModeForward, Items: items}
}
