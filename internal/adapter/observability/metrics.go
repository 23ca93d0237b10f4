package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// PushJobName is the pushgateway job label of the seeder.
const PushJobName = "kbseed"

var (
	EmbedRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbseed_embed_requests_total",
			Help: "Total number of embedding requests by provider and status",
		},
		[]string{"provider", "status"},
	)
	EmbedRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kbseed_embed_duration_seconds",
			Help:    "Embedding request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"provider"},
	)

	StoreOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbseed_store_operations_total",
			Help: "Total number of vector store operations by backend, operation and status",
		},
		[]string{"backend", "operation", "status"},
	)
	StoreOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kbseed_store_operation_duration_seconds",
			Help:    "Vector store operation duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"backend", "operation"},
	)

	DocumentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbseed_documents_total",
			Help: "Documents by outcome (prepared, added, failed)",
		},
		[]string{"outcome"},
	)
	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbseed_batches_total",
			Help: "Batches by outcome (ok, failed)",
		},
		[]string{"outcome"},
	)
	BatchRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kbseed_batch_retries_total",
			Help: "Total number of batch re-attempts",
		},
	)
	CollectionDocuments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kbseed_collection_documents",
			Help: "Document count read back from the collection after the last run",
		},
	)
	LastRunTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kbseed_last_run_timestamp_seconds",
			Help: "Unix time the last run finished, by status",
		},
		[]string{"status"},
	)
)

// NewRegistry returns a fresh registry holding every seeder collector.
// The collectors are package level, so several registries observe the same values.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		EmbedRequestsTotal,
		EmbedRequestDuration,
		StoreOpsTotal,
		StoreOpDuration,
		DocumentsTotal,
		BatchesTotal,
		BatchRetriesTotal,
		CollectionDocuments,
		LastRunTimestamp,
	)
	return reg
}

// ObserveEmbed records one embedding request.
func ObserveEmbed(provider string, start time.Time, err error) {
	EmbedRequestsTotal.WithLabelValues(provider, statusLabel(err)).Inc()
	EmbedRequestDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
}

// ObserveStoreOp records one vector store operation.
func ObserveStoreOp(backend, op string, start time.Time, err error) {
	StoreOpsTotal.WithLabelValues(backend, op, statusLabel(err)).Inc()
	StoreOpDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

// PushMetrics sends the registry to a Prometheus pushgateway, grouped by collection.
// A blank url disables pushing.
func PushMetrics(ctx context.Context, url string, reg prometheus.Gatherer, collection string) error {
	if url == "" {
		return nil
	}
	err := push.New(url, PushJobName).
		Gatherer(reg).
		Grouping("collection", collection).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("op=observability.PushMetrics: %w", err)
	}
	return nil
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
