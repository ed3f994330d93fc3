package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.HeartbeatPings.Inc()
	m.HeartbeatPings.Inc()
	m.FramesSent.WithLabelValues("HEARTBEAT_PING").Add(2)
	m.SessionOutcomes.WithLabelValues("SUCCESS").Inc()

	if got := testutil.ToFloat64(m.HeartbeatPings); got != 2 {
		t.Errorf("heartbeat_pings_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.FramesSent.WithLabelValues("HEARTBEAT_PING")); got != 2 {
		t.Errorf("frames_sent_total{kind=HEARTBEAT_PING} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SessionOutcomes.WithLabelValues("SUCCESS")); got != 1 {
		t.Errorf("session_outcomes_total{outcome=SUCCESS} = %v, want 1", got)
	}
}

func TestDefault_Singleton(t *testing.T) {
	if Default() != Default() {
		t.Error("Default() returned different instances")
	}
}
