package monitoring

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_length_total",
			Help: "Current queue length per event",
		},
		[]string{"event_id", "queue_type"},
	)

	queueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_operations_total",
			Help: "Total queue operations",
		},
		[]string{"operation", "event_id", "status"},
	)

	ticketsPromoted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickets_promoted_total",
			Help: "Tickets moved from the waiting queue into the ready pool",
		},
		[]string{"event_id"},
	)

	promotionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "promotion_pass_duration_seconds",
			Help:    "Duration of one promotion scan over all events",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	promotionLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "promotion_leader",
			Help: "1 while this instance holds the promotion lease",
		},
	)

	ordersCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Order creation attempts by outcome",
		},
		[]string{"status"},
	)

	paymentsSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_settled_total",
			Help: "Payment settlements by outcome",
		},
		[]string{"status"},
	)
)

// QueueDepthSource reports queue sizes for one event.
type QueueDepthSource interface {
	QueueLength(ctx context.Context, eventID string) (int64, error)
	ReadyCount(ctx context.Context, eventID string) (int64, error)
}

// Monitor records service metrics. A nil *Monitor is valid and records
// nothing.
type Monitor struct {
	source QueueDepthSource
}

func NewMonitor(source QueueDepthSource) *Monitor {
	return &Monitor{source: source}
}

// SetSource replaces the queue-depth source. Call it before Run.
func (m *Monitor) SetSource(source QueueDepthSource) {
	m.source = source
}

// Run refreshes the queue gauges every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, eventIDs func() []string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CollectQueueMetrics(ctx, eventIDs())
		}
	}
}

func (m *Monitor) CollectQueueMetrics(ctx context.Context, eventIDs []string) {
	if m == nil || m.source == nil {
		return
	}

	for _, eventID := range eventIDs {
		waiting, err := m.source.QueueLength(ctx, eventID)
		if err != nil {
			slog.Warn("failed to read queue length", "event_id", eventID, "error", err)
			continue
		}
		ready, err := m.source.ReadyCount(ctx, eventID)
		if err != nil {
			slog.Warn("failed to read ready pool size", "event_id", eventID, "error", err)
			continue
		}
		queueLength.WithLabelValues(eventID, "waiting").Set(float64(waiting))
		queueLength.WithLabelValues(eventID, "ready").Set(float64(ready))
	}
}

// Track queue operations
func (m *Monitor) TrackQueueOperation(operation, eventID, status string) {
	if m == nil {
		return
	}
	queueOperations.WithLabelValues(operation, eventID, status).Inc()
}

func (m *Monitor) TrackPromotion(eventID string, promoted int) {
	if m == nil || promoted == 0 {
		return
	}
	ticketsPromoted.WithLabelValues(eventID).Add(float64(promoted))
}

func (m *Monitor) ObservePromotionPass(d time.Duration) {
	if m == nil {
		return
	}
	promotionDuration.Observe(d.Seconds())
}

func (m *Monitor) SetLeader(leader bool) {
	if m == nil {
		return
	}
	if leader {
		promotionLeader.Set(1)
	} else {
		promotionLeader.Set(0)
	}
}

func (m *Monitor) TrackOrder(status string) {
	if m == nil {
		return
	}
	ordersCreated.WithLabelValues(status).Inc()
}

func (m *Monitor) TrackSettlement(status string) {
	if m == nil {
		return
	}
	paymentsSettled.WithLabelValues(status).Inc()
}
