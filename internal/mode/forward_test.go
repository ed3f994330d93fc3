package mode

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/khr0x40sh/powermolecli/internal/config"
	"github.com/khr0x40sh/powermolecli/internal/protocol"
)

func forwardConfig(forwarders ...config.ForwarderConfig) config.ForwardConfig {
	return config.ForwardConfig{Forwarders: forwarders, AckTimeout: time.Second}
}

func TestAnnounceCommand(t *testing.T) {
	fwd := config.ForwarderConfig{LocalPort: 8080, RemoteHost: "10.0.0.5", RemotePort: 80}
	if got, want := announceCommand(fwd), "expose 10.0.0.5:80"; got != want {
		t.Errorf("announceCommand() = %q, want %q", got, want)
	}
}

func TestForward_AllAccepted(t *testing.T) {
	cfg := forwardConfig(
		config.ForwarderConfig{LocalPort: 8080, RemoteHost: "10.0.0.5", RemotePort: 80},
		config.ForwarderConfig{LocalPort: 8443, RemoteHost: "10.0.0.5", RemotePort: 443},
	)
	f := NewForward(cfg, &protocol.Correlator{}, nil, testMetrics)
	if err := f.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	sender := newFakeSender()
	in := make(chan *protocol.Frame, 4)
	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background(), sender, in) }()

	for i := 0; i < 2; i++ {
		frame := <-sender.sent
		if frame.Kind != protocol.KindCommand {
			t.Fatalf("frame %d kind = %s, want COMMAND", i, protocol.KindName(frame.Kind))
		}
		in <- &protocol.Frame{
			Kind:        protocol.KindCommandResult,
			Correlation: frame.Correlation,
			Payload:     (&protocol.CommandResult{Status: protocol.StatusOK}).Encode(),
		}
	}

	time.Sleep(20 * time.Millisecond)
	f.Shutdown()

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := f.State(); got != StateCompleted {
		t.Errorf("state = %v, want COMPLETED", got)
	}
	rep := f.Report()
	if len(rep.Items) != 2 {
		t.Fatalf("report items = %d, want 2", len(rep.Items))
	}
	for _, item := range rep.Items {
		if !item.OK || item.Status != "announced" {
			t.Errorf("item %q: OK=%v status=%q, want announced", item.Name, item.OK, item.Status)
		}
	}
}

func TestForward_RejectionStillAnnouncesRemaining(t *testing.T) {
	cfg := forwardConfig(
		config.ForwarderConfig{LocalPort: 8080, RemoteHost: "10.0.0.5", RemotePort: 80},
		config.ForwarderConfig{LocalPort: 8443, RemoteHost: "10.0.0.5", RemotePort: 443},
	)
	f := NewForward(cfg, &protocol.Correlator{}, nil, testMetrics)
	if err := f.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	sender := newFakeSender()
	in := make(chan *protocol.Frame, 4)
	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background(), sender, in) }()

	// Reject the first, accept the second.
	first := <-sender.sent
	in <- &protocol.Frame{
		Kind:        protocol.KindCommandResult,
		Correlation: first.Correlation,
		Payload:     (&protocol.CommandResult{Status: protocol.StatusRejected, Output: []byte("port busy")}).Encode(),
	}
	second := <-sender.sent
	in <- &protocol.Frame{
		Kind:        protocol.KindCommandResult,
		Correlation: second.Correlation,
		Payload:     (&protocol.CommandResult{Status: protocol.StatusOK}).Encode(),
	}

	err := <-done
	if !errors.Is(err, ErrForwarderRejected) {
		t.Fatalf("Run error = %v, want ErrForwarderRejected", err)
	}
	if got := f.State(); got != StateFailed {
		t.Errorf("state = %v, want FAILED", got)
	}

	// Both announcements must appear in the report despite the rejection.
	rep := f.Report()
	if len(rep.Items) != 2 {
		t.Fatalf("report items = %d, want 2", len(rep.Items))
	}
	if rep.Items[0].OK || rep.Items[0].Status != "rejected" {
		t.Errorf("first item = %+v, want rejected", rep.Items[0])
	}
	if !rep.Items[1].OK || rep.Items[1].Status != "announced" {
		t.Errorf("second item = %+v, want announced", rep.Items[1])
	}
	if sender.count() != 2 {
		t.Errorf("frames sent = %d, want 2", sender.count())
	}
}

func TestForward_ResultTimeoutIsRejection(t *testing.T) {
	cfg := config.ForwardConfig{
		Forwarders: []config.ForwarderConfig{
			{LocalPort: 8080, RemoteHost: "10.0.0.5", RemotePort: 80},
		},
		AckTimeout: 30 * time.Millisecond,
	}
	f := NewForward(cfg, &protocol.Correlator{}, nil, testMetrics)
	if err := f.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	sender := newFakeSender()
	in := make(chan *protocol.Frame)
	err := f.Run(context.Background(), sender, in)
	if !errors.Is(err, ErrForwarderRejected) {
		t.Fatalf("Run error = %v, want ErrForwarderRejected", err)
	}
	rep := f.Report()
	if len(rep.Items) != 1 || rep.Items[0].OK {
		t.Errorf("report = %+v, want one rejected item", rep.Items)
	}
}

func TestForward_UnsolicitedFrameIsProtocolViolation(t *testing.T) {
	cfg := forwardConfig(config.ForwarderConfig{LocalPort: 8080, RemoteHost: "10.0.0.5", RemotePort: 80})
	f := NewForward(cfg, &protocol.Correlator{}, nil, testMetrics)
	if err := f.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	sender := newFakeSender()
	in := make(chan *protocol.Frame, 4)
	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background(), sender, in) }()

	<-sender.sent
	in <- &protocol.Frame{
		Kind:        protocol.KindFileChunkAck,
		Correlation: 999,
		Payload:     (&protocol.FileChunkAck{}).Encode(),
	}

	err := <-done
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("Run error = %v, want ErrProtocolViolation", err)
	}
}
