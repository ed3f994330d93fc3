package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/khr0x40sh/powermolecli/internal/agenttest"
	"github.com/khr0x40sh/powermolecli/internal/config"
	"github.com/khr0x40sh/powermolecli/internal/heartbeat"
	"github.com/khr0x40sh/powermolecli/internal/metrics"
	"github.com/khr0x40sh/powermolecli/internal/protocol"
)

var testMetrics = metrics.NewMetricsWithRegistry(nil)

func testConfig(m config.Mode) *config.Config {
	cfg := config.Default()
	cfg.Mode = m
	cfg.Handshake.Timeout = time.Second
	cfg.Interactive.CommandTimeout = time.Second
	cfg.Redirect.AckTimeout = time.Second
	cfg.Forward.AckTimeout = time.Second
	cfg.Transfer.AckTimeout = time.Second
	return cfg
}

func TestOutcomeExitCodes(t *testing.T) {
	tests := []struct {
		outcome  Outcome
		wantName string
		wantCode int
	}{
		{OutcomeSuccess, "SUCCESS", 0},
		{OutcomeModeFailure, "MODE_FAILURE", 2},
		{OutcomeHeartbeatFailure, "HEARTBEAT_FAILURE", 3},
		{OutcomeInterrupted, "INTERRUPTED", 4},
		{OutcomeHandshakeFailure, "HANDSHAKE_FAILURE", 5},
	}
	for _, tt := range tests {
		if got := tt.outcome.String(); got != tt.wantName {
			t.Errorf("String() = %q, want %q", got, tt.wantName)
		}
		if got := tt.outcome.ExitCode(); got != tt.wantCode {
			t.Errorf("%s.ExitCode() = %d, want %d", tt.wantName, got, tt.wantCode)
		}
	}
}

func TestSession_InteractiveSuccess(t *testing.T) {
	agent := &agenttest.Agent{
		OnCommand: func(text string) (uint8, []byte) {
			return protocol.StatusOK, []byte("hi\n")
		},
	}
	dialer := &agenttest.Dialer{Agent: agent}

	input := strings.NewReader("echo hi\n")
	var output bytes.Buffer

	c := New(testConfig(config.ModeInteractive), dialer, nil, testMetrics, input, &output)
	res := c.Run(context.Background())

	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %v (err %v), want SUCCESS", res.Outcome, res.Err)
	}
	if len(res.Report.Items) != 1 || !res.Report.Items[0].OK {
		t.Errorf("report = %+v, want one succeeded command", res.Report.Items)
	}
	if !strings.Contains(output.String(), ">    hi\n") {
		t.Errorf("output missing command result: %q", output.String())
	}
	if got := dialer.CloseCalls(); got != 1 {
		t.Errorf("tunnel Close calls = %d, want exactly 1", got)
	}
}

func TestSession_HandshakeTimeout(t *testing.T) {
	dialer := &agenttest.Dialer{Agent: &agenttest.Agent{MuteHandshake: true}}

	cfg := testConfig(config.ModeInteractive)
	cfg.Handshake.Timeout = 50 * time.Millisecond

	c := New(cfg, dialer, nil, testMetrics, strings.NewReader(""), io.Discard)
	res := c.Run(context.Background())

	if res.Outcome != OutcomeHandshakeFailure {
		t.Fatalf("outcome = %v, want HANDSHAKE_FAILURE", res.Outcome)
	}
	if !errors.Is(res.Err, ErrHandshakeTimeout) {
		t.Errorf("err = %v, want ErrHandshakeTimeout", res.Err)
	}
	// No mode handler was ever created, so the report is empty.
	if len(res.Report.Items) != 0 || res.Report.Mode != "" {
		t.Errorf("report = %+v, want empty", res.Report)
	}
	if got := dialer.CloseCalls(); got != 1 {
		t.Errorf("tunnel Close calls = %d, want exactly 1", got)
	}
}

func TestSession_VersionMismatch(t *testing.T) {
	dialer := &agenttest.Dialer{Agent: &agenttest.Agent{HelloVersion: 99}}

	c := New(testConfig(config.ModeInteractive), dialer, nil, testMetrics, strings.NewReader(""), io.Discard)
	res := c.Run(context.Background())

	if res.Outcome != OutcomeHandshakeFailure {
		t.Fatalf("outcome = %v, want HANDSHAKE_FAILURE", res.Outcome)
	}
	if !errors.Is(res.Err, ErrVersionMismatch) {
		t.Errorf("err = %v, want ErrVersionMismatch", res.Err)
	}
}

func TestSession_HeartbeatFailure(t *testing.T) {
	// The agent answers exactly one ping, then goes silent while the
	// connection stays open.
	dialer := &agenttest.Dialer{Agent: &agenttest.Agent{HeartbeatLimit: 1}}

	cfg := testConfig(config.ModeInteractive)
	cfg.Heartbeat.Interval = 20 * time.Millisecond
	cfg.Heartbeat.MissThreshold = 2

	// Input that never delivers a line keeps the mode in its passive loop.
	blocked, _ := io.Pipe()

	c := New(cfg, dialer, nil, testMetrics, blocked, io.Discard)
	res := c.Run(context.Background())

	if res.Outcome != OutcomeHeartbeatFailure {
		t.Fatalf("outcome = %v (err %v), want HEARTBEAT_FAILURE", res.Outcome, res.Err)
	}
	if !errors.Is(res.Err, heartbeat.ErrAgentUnresponsive) {
		t.Errorf("err = %v, want ErrAgentUnresponsive", res.Err)
	}
	if got := dialer.CloseCalls(); got != 1 {
		t.Errorf("tunnel Close calls = %d, want exactly 1", got)
	}
}

func TestSession_Interrupted(t *testing.T) {
	dialer := &agenttest.Dialer{Agent: &agenttest.Agent{}}

	ctx, cancel := context.WithCancel(context.Background())
	blocked, _ := io.Pipe()

	c := New(testConfig(config.ModeInteractive), dialer, nil, testMetrics, blocked, io.Discard)

	done := make(chan Result, 1)
	go func() { done <- c.Run(ctx) }()

	// Let the session establish, then interrupt it.
	time.Sleep(50 * time.Millisecond)
	cancel()

	var res Result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("teardown did not complete in bounded time")
	}

	if res.Outcome != OutcomeInterrupted {
		t.Fatalf("outcome = %v (err %v), want INTERRUPTED", res.Outcome, res.Err)
	}
	if got := dialer.CloseCalls(); got != 1 {
		t.Errorf("tunnel Close calls = %d, want exactly 1", got)
	}
}

func TestSession_TransferChecksumRejection(t *testing.T) {
	src := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(src, []byte("payload data"), 0o600); err != nil {
		t.Fatal(err)
	}

	agent := &agenttest.Agent{
		OnChunk: func(chunk *protocol.FileChunk) uint8 {
			return protocol.StatusChecksumMismatch
		},
	}
	dialer := &agenttest.Dialer{Agent: agent}

	cfg := testConfig(config.ModeFileTransfer)
	cfg.Transfer.Files = []config.FilePairConfig{{Source: src, Destination: "/tmp/payload.bin"}}

	c := New(cfg, dialer, nil, testMetrics, strings.NewReader(""), io.Discard)
	res := c.Run(context.Background())

	if res.Outcome != OutcomeModeFailure {
		t.Fatalf("outcome = %v (err %v), want MODE_FAILURE", res.Outcome, res.Err)
	}
	if len(res.Report.Items) != 1 || res.Report.Items[0].OK {
		t.Errorf("report = %+v, want one failed job", res.Report.Items)
	}
}

func TestSession_TransferSuccess(t *testing.T) {
	src := filepath.Join(t.TempDir(), "ok.bin")
	if err := os.WriteFile(src, bytes.Repeat([]byte("x"), 200_000), 0o600); err != nil {
		t.Fatal(err)
	}

	dialer := &agenttest.Dialer{Agent: &agenttest.Agent{}}

	cfg := testConfig(config.ModeFileTransfer)
	cfg.Transfer.Files = []config.FilePairConfig{{Source: src, Destination: "/tmp/ok.bin"}}
	cfg.Transfer.ChunkSize = 32768

	c := New(cfg, dialer, nil, testMetrics, strings.NewReader(""), io.Discard)
	res := c.Run(context.Background())

	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %v (err %v), want SUCCESS", res.Outcome, res.Err)
	}
	if len(res.Report.Items) != 1 || !res.Report.Items[0].OK {
		t.Errorf("report = %+v, want one acked job", res.Report.Items)
	}
}

func TestSession_RedirectRejected(t *testing.T) {
	agent := &agenttest.Agent{
		RedirectStatus: protocol.StatusRejected,
		RedirectDetail: "proxy port busy",
	}
	dialer := &agenttest.Dialer{Agent: agent}

	c := New(testConfig(config.ModeRedirect), dialer, nil, testMetrics, strings.NewReader(""), io.Discard)
	res := c.Run(context.Background())

	if res.Outcome != OutcomeModeFailure {
		t.Fatalf("outcome = %v (err %v), want MODE_FAILURE", res.Outcome, res.Err)
	}
}

func TestSession_InteractiveRecoveredFailureStillSucceeds(t *testing.T) {
	// The agent never answers the command; the timeout is surfaced to the
	// operator and recovered, and the operator then ends the session
	// normally. That is a SUCCESS, not a mode failure.
	dialer := &agenttest.Dialer{Agent: &agenttest.Agent{MuteCommands: true}}

	cfg := testConfig(config.ModeInteractive)
	cfg.Interactive.CommandTimeout = 50 * time.Millisecond

	var output bytes.Buffer
	c := New(cfg, dialer, nil, testMetrics, strings.NewReader("slow\n"), &output)
	res := c.Run(context.Background())

	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %v (err %v), want SUCCESS", res.Outcome, res.Err)
	}
	if len(res.Report.Items) != 1 || res.Report.Items[0].OK {
		t.Fatalf("report = %+v, want one failed command", res.Report.Items)
	}
	if res.Report.Items[0].Detail != "timed out" {
		t.Errorf("detail = %q, want %q", res.Report.Items[0].Detail, "timed out")
	}
	if !strings.Contains(output.String(), "command timed out") {
		t.Errorf("output missing timeout notice: %q", output.String())
	}
}

func TestSession_ConnectionLossMidSession(t *testing.T) {
	// The agent answers one ping and then drops the connection while the
	// mode sits in its passive loop.
	dialer := &agenttest.Dialer{Agent: &agenttest.Agent{DisconnectAfterPongs: 1}}

	cfg := testConfig(config.ModeInteractive)
	cfg.Heartbeat.Interval = 20 * time.Millisecond

	blocked, _ := io.Pipe()

	c := New(cfg, dialer, nil, testMetrics, blocked, io.Discard)
	res := c.Run(context.Background())

	if res.Outcome != OutcomeHeartbeatFailure {
		t.Fatalf("outcome = %v (err %v), want HEARTBEAT_FAILURE", res.Outcome, res.Err)
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "connection lost") {
		t.Errorf("err = %v, want connection loss", res.Err)
	}
	if got := dialer.CloseCalls(); got != 1 {
		t.Errorf("tunnel Close calls = %d, want exactly 1", got)
	}
}
