package mode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/khr0x40sh/powermolecli/internal/config"
	"github.com/khr0x40sh/powermolecli/internal/logging"
	"github.com/khr0x40sh/powermolecli/internal/metrics"
	"github.com/khr0x40sh/powermolecli/internal/protocol"
)

// outputPrefix is prepended to every line of remote command output so it is
// visually distinct from the local prompt.
const outputPrefix = ">    "

// commandRecord is one executed command and its outcome.
type commandRecord struct {
	text   string
	ok     bool
	detail string
}

// Interactive bridges operator input to the agent, one command at a time.
// The next prompt only appears after the previous command's result (or its
// timeout) so ordering is unambiguous.
type Interactive struct {
	machine

	cfg     config.InteractiveConfig
	corr    *protocol.Correlator
	logger  *slog.Logger
	metrics *metrics.Metrics

	input  io.Reader
	output io.Writer

	// expired tracks correlation ids whose result deadline passed; a late
	// result for one of these is dropped instead of being treated as a
	// protocol violation.
	expired map[uint32]struct{}

	history []commandRecord
}

// NewInteractive creates the interactive mode handler reading commands from
// input and printing prompts and results to output.
func NewInteractive(cfg config.InteractiveConfig, corr *protocol.Correlator, logger *slog.Logger, m *metrics.Metrics, input io.Reader, output io.Writer) *Interactive {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Interactive{
		machine: newMachine(),
		cfg:     cfg,
		corr:    corr,
		logger:  logger.With(logging.KeyMode, config.ModeInteractive),
		metrics: m,
		input:   input,
		output:  output,
		expired: make(map[uint32]struct{}),
	}
}

// Name returns the configured mode.
func (i *Interactive) Name() config.Mode {
	return config.ModeInteractive
}

// Init transitions to READY. Interactive mode needs no local setup.
func (i *Interactive) Init(ctx context.Context) error {
	i.transition(StateReady)
	return nil
}

// Run reads operator commands line by line and executes them sequentially.
// Closing the input (EOF) ends the session as a natural completion.
func (i *Interactive) Run(ctx context.Context, sender Sender, in <-chan *protocol.Frame) error {
	i.transition(StateRunning)
	i.logger.Info("READY")

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(i.input)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-i.quit:
				return
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		fmt.Fprint(i.output, "enter command: ")

		select {
		case <-ctx.Done():
			return i.finish(nil)
		case <-i.quit:
			return i.finish(ErrShutdown)
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return i.finish(err)
					}
				default:
				}
				fmt.Fprintln(i.output)
				return i.finish(nil)
			}
			cmd := strings.TrimSpace(line)
			if cmd == "" {
				continue
			}
			if err := i.execute(ctx, sender, in, cmd); err != nil {
				return i.finish(err)
			}
		}
	}
}

// execute sends one command and prints its result. A timed-out or rejected
// command is recorded as failed but never ends the session.
func (i *Interactive) execute(ctx context.Context, sender Sender, in <-chan *protocol.Frame, cmd string) error {
	rec := commandRecord{text: cmd}
	defer func() { i.history = append(i.history, rec) }()

	corr := i.corr.Next()
	if err := sender.WriteFrame(&protocol.Frame{
		Kind:        protocol.KindCommand,
		Correlation: corr,
		Payload:     (&protocol.Command{Text: cmd}).Encode(),
	}); err != nil {
		return err
	}
	i.metrics.CommandsSent.Inc()

	result, err := i.awaitResult(ctx, in, corr)
	if err != nil {
		if errors.Is(err, ErrAckTimeout) {
			i.expired[corr] = struct{}{}
			rec.detail = "timed out"
			i.metrics.CommandsFailed.Inc()
			i.logger.Warn("command timed out",
				"command", cmd,
				logging.KeyCorrelation, corr)
			fmt.Fprintf(i.output, "%scommand timed out after %v\n", outputPrefix, i.cfg.CommandTimeout)
			return nil
		}
		return err
	}

	i.printOutput(result.Output)
	if result.Status == protocol.StatusOK {
		rec.ok = true
	} else {
		rec.detail = protocol.StatusName(result.Status)
		i.metrics.CommandsFailed.Inc()
	}
	return nil
}

// awaitResult waits for the COMMAND_RESULT matching corr, dropping late
// results from previously timed-out commands.
func (i *Interactive) awaitResult(ctx context.Context, in <-chan *protocol.Frame, corr uint32) (*protocol.CommandResult, error) {
	timer := time.NewTimer(i.cfg.CommandTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-i.quit:
			return nil, ErrShutdown
		case <-timer.C:
			return nil, fmt.Errorf("%w: no result for correlation id %d within %v",
				ErrAckTimeout, corr, i.cfg.CommandTimeout)
		case f, ok := <-in:
			if !ok {
				return nil, io.EOF
			}
			if f.Kind == protocol.KindCommandResult {
				if _, stale := i.expired[f.Correlation]; stale {
					delete(i.expired, f.Correlation)
					i.logger.Debug("dropping late command result",
						logging.KeyCorrelation, f.Correlation)
					continue
				}
				if f.Correlation == corr {
					return protocol.DecodeCommandResult(f.Payload)
				}
			}
			return nil, fmt.Errorf("%w: unexpected %s (corr %d) while awaiting %s (corr %d)",
				ErrProtocolViolation, protocol.KindName(f.Kind), f.Correlation,
				protocol.KindName(protocol.KindCommandResult), corr)
		}
	}
}

// printOutput writes each line of remote output with the result prefix.
func (i *Interactive) printOutput(out []byte) {
	text := strings.TrimRight(string(out), "\n")
	if text == "" {
		return
	}
	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintf(i.output, "%s%s\n", outputPrefix, line)
	}
}

// Report enumerates the executed commands.
func (i *Interactive) Report() Report {
	items := make([]Item, 0, len(i.history))
	for _, rec := range i.history {
		status := "succeeded"
		if !rec.ok {
			status = "failed"
		}
		items = append(items, Item{
			Name:   rec.text,
			OK:     rec.ok,
			Status: status,
			Detail: rec.detail,
		})
	}
	return Report{Mode: config.ModeInteractive, Items: items}
}
