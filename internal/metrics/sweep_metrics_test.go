package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSweepMetrics_Records(t *testing.T) {
	m := NewSweepMetrics(prometheus.NewRegistry(), "test")

	m.AddRecords("prepaid", "processed", 3)
	m.AddRecords("prepaid", "skipped", 1)
	m.AddRecords("prepaid", "failed", 0)

	if got := testutil.ToFloat64(m.recordsTotal.WithLabelValues("prepaid", "processed")); got != 3 {
		t.Errorf("Expected 3 processed, got %v", got)
	}
	if got := testutil.ToFloat64(m.recordsTotal.WithLabelValues("prepaid", "skipped")); got != 1 {
		t.Errorf("Expected 1 skipped, got %v", got)
	}
	if got := testutil.ToFloat64(m.recordsTotal.WithLabelValues("prepaid", "failed")); got != 0 {
		t.Errorf("Expected 0 failed, got %v", got)
	}
}

func TestSweepMetrics_ObserveSweep(t *testing.T) {
	m := NewSweepMetrics(prometheus.NewRegistry(), "test")
	started := time.Date(2025, 6, 1, 1, 0, 0, 0, time.UTC)

	m.ObserveSweep("postpaid", "completed", started, started.Add(2*time.Second))
	m.ObserveSweep("postpaid", "overlapped", started, started)

	if got := testutil.ToFloat64(m.sweepsTotal.WithLabelValues("postpaid", "completed")); got != 1 {
		t.Errorf("Expected 1 completed sweep, got %v", got)
	}
	if got := testutil.ToFloat64(m.sweepsTotal.WithLabelValues("postpaid", "overlapped")); got != 1 {
		t.Errorf("Expected 1 overlapped sweep, got %v", got)
	}
	if got := testutil.ToFloat64(m.lastSweepTime.WithLabelValues("postpaid")); got != float64(started.Add(2*time.Second).Unix()) {
		t.Errorf("Expected last sweep timestamp to be set, got %v", got)
	}
}

func TestSweepMetrics_PublishAndBuffer(t *testing.T) {
	m := NewSweepMetrics(prometheus.NewRegistry(), "test")

	m.IncPublish("consumerkey", "failed")
	m.IncPublish("consumerkey", "failed")
	m.SetRetryBuffer(2)

	if got := testutil.ToFloat64(m.publishTotal.WithLabelValues("consumerkey", "failed")); got != 2 {
		t.Errorf("Expected 2 failed publishes, got %v", got)
	}
	if got := testutil.ToFloat64(m.retryBufferSize); got != 2 {
		t.Errorf("Expected retry buffer gauge 2, got %v", got)
	}
}

func TestSweepMetrics_NilSafe(t *testing.T) {
	var m *SweepMetrics
	m.ObserveSweep("prepaid", "completed", time.Now(), time.Now())
	m.AddRecords("prepaid", "processed", 1)
	m.IncPublish("k", "success")
	m.SetRetryBuffer(1)
}
