package health

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// Metrics records probe and reconnect activity for Prometheus.
type Metrics struct {
	probeDuration  *prometheus.HistogramVec
	probeFailures  *prometheus.CounterVec
	platformHealth *prometheus.GaugeVec
	reconnects     *prometheus.CounterVec
}

// GetMetrics returns the process-wide metrics, registering the
// collectors on first use. Prometheus allows one registration per
// name, so every supervisor shares this instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			probeDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "connreg_probe_duration_seconds",
				Help:    "Duration of platform liveness probes.",
				Buckets: prometheus.DefBuckets,
			}, []string{"platform"}),
			probeFailures: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "connreg_probe_failures_total",
				Help: "Failed platform liveness probes.",
			}, []string{"platform"}),
			platformHealth: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "connreg_platform_health",
				Help: "Platform health state (0=healthy, 1=degraded, 2=unreachable).",
			}, []string{"platform"}),
			reconnects: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "connreg_reconnects_total",
				Help: "Reconnect attempts triggered by the health supervisor.",
			}, []string{"platform", "result"}),
		}
	})
	return metricsInstance
}

// ObserveProbe records one probe's duration and outcome.
func (m *Metrics) ObserveProbe(platform string, d time.Duration, ok bool) {
	m.probeDuration.WithLabelValues(platform).Observe(d.Seconds())
	if !ok {
		m.probeFailures.WithLabelValues(platform).Inc()
	}
}

// SetHealth publishes a platform's current state.
func (m *Metrics) SetHealth(platform string, state State) {
	m.platformHealth.WithLabelValues(platform).Set(float64(state))
}

// ObserveReconnect counts a reconnect attempt by outcome.
func (m *Metrics) ObserveReconnect(platform string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.reconnects.WithLabelValues(platform, result).Inc()
}

// DropPlatform removes series for a platform evicted by rotation.
func (m *Metrics) DropPlatform(platform string) {
	m.probeDuration.DeleteLabelValues(platform)
	m.probeFailures.DeleteLabelValues(platform)
	m.platformHealth.DeleteLabelValues(platform)
	m.reconnects.DeleteLabelValues(platform, "success")
	m.reconnects.DeleteLabelValues(platform, "failure")
}
