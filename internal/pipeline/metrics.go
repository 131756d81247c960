package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes pipeline counters on the default registry.
type Metrics struct {
	MessagesProcessed *prometheus.CounterVec
	Flagged           *prometheus.CounterVec
	Cycles            *prometheus.CounterVec
	CycleDuration     prometheus.Histogram
}

// NewMetrics registers the pipeline metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lumen_messages_processed_total",
			Help: "Messages processed by the ingestion pipeline, by outcome.",
		}, []string{"outcome"}),
		Flagged: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lumen_transactions_flagged_total",
			Help: "Transactions flagged by the anomaly scorer, by severity.",
		}, []string{"severity"}),
		Cycles: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lumen_ingestion_cycles_total",
			Help: "Completed ingestion cycles, by status.",
		}, []string{"status"}),
		CycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lumen_ingestion_cycle_seconds",
			Help:    "Duration of one ingestion cycle.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
