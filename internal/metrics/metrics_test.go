package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_RegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.FramesRead.WithLabelValues("request").Inc()
	m.FramesRead.WithLabelValues("response").Add(2)
	m.FramesWritten.Inc()
	m.PendingRequests.Inc()
	m.PendingRequests.Dec()
	m.MalformedFrames.Inc()
	m.LenientDemotions.Inc()
	m.HandlerErrors.WithLabelValues("fs/read_text_file").Inc()

	if got := testutil.ToFloat64(m.FramesRead.WithLabelValues("response")); got != 2 {
		t.Errorf("frames_read{response} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PendingRequests); got != 0 {
		t.Errorf("pending_requests = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.FramesWritten); got != 1 {
		t.Errorf("frames_written = %v, want 1", got)
	}
}

// TestNewMetrics_DuplicateRegistrationPanics documents that a registry can
// host only one Metrics instance.
func TestNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected duplicate registration to panic")
		}
	}()
	NewMetrics(reg)
}
