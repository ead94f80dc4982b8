package worker

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Metrics are the Prometheus collectors maintained by the engine.
type Metrics struct {
	// Processed counts finished attempts by status ("success", "retry",
	// "failed", "rate_limited", "duplicate", "lost") and task name.
	Processed *prometheus.CounterVec

	// Duration is handler execution time per task name.
	Duration *prometheus.HistogramVec

	// QueueLatency is the time between creation and the start of an attempt.
	QueueLatency *prometheus.HistogramVec

	// QueueDepth is the number of messages in each section of the queue.
	QueueDepth *prometheus.GaugeVec

	// BusySlots is the number of execution slots currently running a handler.
	BusySlots prometheus.Gauge

	// SlotsRecycled counts slots retired after reaching the per-child task limit.
	SlotsRecycled prometheus.Counter
}

// NewMetrics registers the engine collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Processed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskworker_processed_total",
			Help: "The total number of processed task attempts",
		}, []string{"status", "task"}),

		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskworker_task_duration_seconds",
			Help:    "Duration of task handler execution",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),

		QueueLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskworker_queue_latency_seconds",
			Help:    "Time spent in queue before processing",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskworker_queue_depth",
			Help: "Number of messages in each queue section",
		}, []string{"queue", "section"}),

		BusySlots: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taskworker_busy_slots",
			Help: "Number of execution slots running a handler",
		}),

		SlotsRecycled: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskworker_slots_recycled_total",
			Help: "Execution slots retired after reaching max tasks per child",
		}),
	}
}

// DepthSource reports queue section sizes.
type DepthSource interface {
	Name() string
	Depths(ctx context.Context) (map[string]int64, error)
}

// CollectQueueDepths periodically queries the transport and updates the
// queue depth gauge until ctx is cancelled.
func (m *Metrics) CollectQueueDepths(ctx context.Context, src DepthSource, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depths, err := src.Depths(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("Queue depth collection failed")
				continue
			}
			for section, depth := range depths {
				m.QueueDepth.WithLabelValues(src.Name(), section).Set(float64(depth))
			}
		}
	}
}
