package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type SweepMetrics struct {
	sweepDuration   *prometheus.HistogramVec
	sweepsTotal     *prometheus.CounterVec
	recordsTotal    *prometheus.CounterVec
	publishTotal    *prometheus.CounterVec
	retryBufferSize prometheus.Gauge
	lastSweepTime   *prometheus.GaugeVec
}

var (
	sweepMetricsOnce sync.Once
	sweepMetrics     *SweepMetrics
)

func Sweep(serviceName string) *SweepMetrics {
	sweepMetricsOnce.Do(func() {
		sweepMetrics = NewSweepMetrics(prometheus.DefaultRegisterer, serviceName)
	})
	return sweepMetrics
}

func NewSweepMetrics(registerer prometheus.Registerer, serviceName string) *SweepMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = "cis-meter-worker"
	}

	constLabels := prometheus.Labels{
		"service": serviceName,
	}

	sweepDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:        "cis_sweep_duration_seconds",
			Help:        "Duration of a meter sweep.",
			Buckets:     []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			ConstLabels: constLabels,
		},
		[]string{"mode"},
	)

	sweepsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "cis_sweeps_total",
			Help:        "Total sweeps by outcome.",
			ConstLabels: constLabels,
		},
		[]string{"mode", "result"}, // completed | aborted | overlapped
	)

	recordsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "cis_sweep_records_total",
			Help:        "Total meters handled by sweeps by status.",
			ConstLabels: constLabels,
		},
		[]string{"mode", "status"}, // processed | skipped | failed | unchanged
	)

	publishTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "cis_events_published_total",
			Help:        "Total event publish attempts by routing key and result.",
			ConstLabels: constLabels,
		},
		[]string{"routing_key", "result"}, // success | failed | republished | dropped
	)

	retryBufferSize := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:        "cis_retry_buffer_events",
			Help:        "Number of unpublished events waiting for retry.",
			ConstLabels: constLabels,
		},
	)

	lastSweepTime := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "cis_last_sweep_timestamp_seconds",
			Help:        "Unix time of the last completed sweep.",
			ConstLabels: constLabels,
		},
		[]string{"mode"},
	)

	registerer.MustRegister(
		sweepDuration,
		sweepsTotal,
		recordsTotal,
		publishTotal,
		retryBufferSize,
		lastSweepTime,
	)

	return &SweepMetrics{
		sweepDuration:   sweepDuration,
		sweepsTotal:     sweepsTotal,
		recordsTotal:    recordsTotal,
		publishTotal:    publishTotal,
		retryBufferSize: retryBufferSize,
		lastSweepTime:   lastSweepTime,
	}
}

func (m *SweepMetrics) ObserveSweep(mode, result string, started, finished time.Time) {
	if m == nil {
		return
	}

	m.sweepsTotal.WithLabelValues(mode, result).Inc()

	elapsed := finished.Sub(started).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	m.sweepDuration.WithLabelValues(mode).Observe(elapsed)

	if result == "completed" {
		m.lastSweepTime.WithLabelValues(mode).Set(float64(finished.Unix()))
	}
}

func (m *SweepMetrics) AddRecords(mode, status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsTotal.WithLabelValues(mode, status).Add(float64(n))
}

func (m *SweepMetrics) IncPublish(routingKey, result string) {
	if m == nil {
		return
	}
	m.publishTotal.WithLabelValues(routingKey, result).Inc()
}

func (m *SweepMetrics) SetRetryBuffer(size int) {
	if m == nil {
		return
	}
	m.retryBufferSize.Set(float64(size))
}
