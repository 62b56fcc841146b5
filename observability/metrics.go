package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics

	sweepMetricsOnce sync.Once
	sweepRegistry    *SweepMetrics

	httpMetricsOnce sync.Once
	httpRegistry    *HTTPMetrics
)

// LedgerMetrics tracks funding ledger mutations.
type LedgerMetrics struct {
	applies *prometheus.CounterVec
	closes  *prometheus.CounterVec
	latency *prometheus.HistogramVec
	volume  *prometheus.CounterVec
}

// Ledger returns the lazily-initialised ledger metrics registry.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			applies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crowdfund",
				Subsystem: "ledger",
				Name:      "applies_total",
				Help:      "Ledger apply calls segmented by direction and outcome.",
			}, []string{"direction", "outcome"}),
			closes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crowdfund",
				Subsystem: "ledger",
				Name:      "closes_total",
				Help:      "Operation close transitions segmented by reason.",
			}, []string{"reason"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "crowdfund",
				Subsystem: "ledger",
				Name:      "mutation_duration_seconds",
				Help:      "Latency distribution for ledger mutations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"mutation"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crowdfund",
				Subsystem: "ledger",
				Name:      "volume_cents_total",
				Help:      "Committed ledger volume in minor units segmented by direction.",
			}, []string{"direction"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.applies,
			ledgerRegistry.closes,
			ledgerRegistry.latency,
			ledgerRegistry.volume,
		)
	})
	return ledgerRegistry
}

// ObserveApply records one Apply call. The outcome should be "success" or a
// stable failure reason such as "capacity_exceeded".
func (m *LedgerMetrics) ObserveApply(direction, outcome string, cents int64, duration time.Duration) {
	if m == nil {
		return
	}
	direction = label(direction)
	m.applies.WithLabelValues(direction, label(outcome)).Inc()
	m.latency.WithLabelValues("apply").Observe(duration.Seconds())
	if outcome == "success" && cents > 0 {
		m.volume.WithLabelValues(direction).Add(float64(cents))
	}
}

// RecordClose counts a performed open-to-closed transition.
func (m *LedgerMetrics) RecordClose(reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.closes.WithLabelValues(label(reason)).Inc()
	m.latency.WithLabelValues("close").Observe(duration.Seconds())
}

// Applies exposes the apply counter for tests.
func (m *LedgerMetrics) Applies() *prometheus.CounterVec { return m.applies }

// Closes exposes the close counter for tests.
func (m *LedgerMetrics) Closes() *prometheus.CounterVec { return m.closes }

// SweepMetrics wraps collectors for the expiry sweeper.
type SweepMetrics struct {
	runs     *prometheus.CounterVec
	closed   prometheus.Counter
	failures prometheus.Counter
	lastRun  prometheus.Gauge
}

// Sweep returns the sweeper metrics registry.
func Sweep() *SweepMetrics {
	sweepMetricsOnce.Do(func() {
		sweepRegistry = &SweepMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crowdfund",
				Subsystem: "sweeper",
				Name:      "runs_total",
				Help:      "Expiry sweeps segmented by outcome.",
			}, []string{"outcome"}),
			closed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "crowdfund",
				Subsystem: "sweeper",
				Name:      "operations_closed_total",
				Help:      "Operations closed as expired by the sweeper.",
			}),
			failures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "crowdfund",
				Subsystem: "sweeper",
				Name:      "item_failures_total",
				Help:      "Per-operation close failures skipped during a sweep.",
			}),
			lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "crowdfund",
				Subsystem: "sweeper",
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time of the last completed sweep.",
			}),
		}
		prometheus.MustRegister(
			sweepRegistry.runs,
			sweepRegistry.closed,
			sweepRegistry.failures,
			sweepRegistry.lastRun,
		)
	})
	return sweepRegistry
}

// ObserveRun records a finished sweep.
func (m *SweepMetrics) ObserveRun(closed, failed int, finished time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.runs.WithLabelValues(outcome).Inc()
	if closed > 0 {
		m.closed.Add(float64(closed))
	}
	if failed > 0 {
		m.failures.Add(float64(failed))
	}
	m.lastRun.Set(float64(finished.Unix()))
}

// Closed exposes the closed counter for tests.
func (m *SweepMetrics) Closed() prometheus.Counter { return m.closed }

// Failures exposes the per-operation failure counter.
func (m *SweepMetrics) Failures() prometheus.Counter { return m.failures }

// HTTPMetrics tracks API requests.
type HTTPMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// HTTP returns the request metrics registry.
func HTTP() *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crowdfund",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "crowdfund",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crowdfund",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Requests rejected by the rate limiter.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *HTTPMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = label(route)
	method = label(method)
	m.requests.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit".
func (m *HTTPMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(label(reason)).Inc()
}

// Throttles exposes the throttle counter for tests.
func (m *HTTPMetrics) Throttles() *prometheus.CounterVec { return m.throttles }

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
