package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics are registered once per process and shared by every Queue
// backend: client_golang collectors tracking worker-pool depth and
// throughput (enqueue/dequeue/retry/dead-letter counts, ready-depth gauge).
var (
	Enqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reactor",
		Subsystem: "queue",
		Name:      "jobs_enqueued_total",
		Help:      "Total jobs enqueued, by topic.",
	}, []string{"topic"})

	Dequeued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reactor",
		Subsystem: "queue",
		Name:      "jobs_dequeued_total",
		Help:      "Total jobs dequeued, by topic.",
	}, []string{"topic"})

	Retried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reactor",
		Subsystem: "queue",
		Name:      "jobs_retried_total",
		Help:      "Total job retries after Nack, by topic.",
	}, []string{"topic"})

	DeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reactor",
		Subsystem: "queue",
		Name:      "jobs_dead_lettered_total",
		Help:      "Total jobs exhausted retries, by topic.",
	}, []string{"topic"})

	Depth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reactor",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Approximate number of ready jobs, by topic.",
	}, []string{"topic"})
)

// Register adds every queue collector to reg. Safe to call once at
// composition-root startup; callers pass prometheus.DefaultRegisterer
// or a test-local registry.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{Enqueued, Dequeued, Retried, DeadLettered, Depth} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// Stats is the per-topic snapshot GET /queues/:name/stats returns.
type Stats struct {
	Topic        string  `json:"topic"`
	Depth        float64 `json:"depth"`
	Enqueued     float64 `json:"enqueuedTotal"`
	Dequeued     float64 `json:"dequeuedTotal"`
	Retried      float64 `json:"retriedTotal"`
	DeadLettered float64 `json:"deadLetteredTotal"`
}

// GetStats reads the current value of every collector for topic directly
// off the prometheus vectors, the same registry the /metrics endpoint
// scrapes, so this and a Prometheus scrape never disagree.
func GetStats(topic string) Stats {
	return Stats{
		Topic:        topic,
		Depth:        gaugeValue(Depth, topic),
		Enqueued:     counterValue(Enqueued, topic),
		Dequeued:     counterValue(Dequeued, topic),
		Retried:      counterValue(Retried, topic),
		DeadLettered: counterValue(DeadLettered, topic),
	}
}

func gaugeValue(vec *prometheus.GaugeVec, topic string) float64 {
	var m dto.Metric
	if err := vec.WithLabelValues(topic).Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func counterValue(vec *prometheus.CounterVec, topic string) float64 {
	var m dto.Metric
	if err := vec.WithLabelValues(topic).Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
