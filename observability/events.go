package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Marketplace event names recorded by the market service.
const (
	EventOperationCreated = "operation_created"
	EventOperationDeleted = "operation_deleted"
	EventBidAdmitted      = "bid_admitted"
	EventBidWithdrawn     = "bid_withdrawn"
	EventBidRejected      = "bid_rejected"
)

type eventMetrics struct {
	events *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking marketplace business events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crowdfund",
				Subsystem: "events",
				Name:      "total",
				Help:      "Count of marketplace events segmented by kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(eventRegistry.events)
	})
	return eventRegistry
}

// Record increments the counter for the supplied event kind.
func (m *eventMetrics) Record(kind string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(kind))
	if normalized == "" {
		normalized = "unknown"
	}
	m.events.WithLabelValues(normalized).Inc()
}

// Counter exposes the event counter for tests.
func (m *eventMetrics) Counter() *prometheus.CounterVec { return m.events }
