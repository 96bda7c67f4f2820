// Package metrics exposes Prometheus instrumentation for the order pipeline.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "swapflow"

var (
	OrdersSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingress",
			Name:      "orders_submitted_total",
			Help:      "Order submissions by outcome",
		},
		[]string{"outcome"}, // accepted | rejected | unavailable
	)

	OrdersFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "orders_finished_total",
			Help:      "Orders that reached a terminal status",
		},
		[]string{"status"},
	)

	JobRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "job_retries_total",
			Help:      "Job attempts that failed and were scheduled for retry",
		},
	)

	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "Wall time from job claim to terminal status",
			Buckets:   []float64{0.5, 1, 2, 3, 4, 5, 7.5, 10, 20},
		},
		[]string{"status"},
	)

	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "persistence_failures_total",
			Help:      "Gateway writes that failed and were skipped",
		},
		[]string{"status"},
	)

	VenueSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "venue_selected_total",
			Help:      "Routing decisions won per venue",
		},
		[]string{"venue"},
	)

	QuoteLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "quote_duration_seconds",
			Help:      "Venue quote latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"venue", "result"},
	)

	BroadcastEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "events_total",
			Help:      "Status events by delivery result",
		},
		[]string{"result"}, // delivered | no_subscriber | evicted
	)

	ActiveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "active_subscribers",
			Help:      "Live status subscriptions",
		},
	)
)

// ObserveQuote records one venue quote call.
func ObserveQuote(venue string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	QuoteLatency.WithLabelValues(venue, result).Observe(d.Seconds())
}

// QueueCounter reports job counts by state.
type QueueCounter func(ctx context.Context) (map[string]int64, error)

// QueueCollector exports queue job counts on every scrape.
type QueueCollector struct {
	counts  QueueCounter
	timeout time.Duration
	desc    *prometheus.Desc
}

func NewQueueCollector(counts QueueCounter) *QueueCollector {
	return &QueueCollector{
		counts:  counts,
		timeout: 2 * time.Second,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "jobs"),
			"Jobs in the order queue by state",
			[]string{"state"}, nil,
		),
	}
}

func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	counts, err := c.counts(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}
	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), state)
	}
}
