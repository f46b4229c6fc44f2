// Package metrics declares the process-wide Prometheus instruments. They
// are registered explicitly at startup; tests use the default no-op state
// of unregistered collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Queries counts search requests per index.
	Queries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "summa",
		Name:      "query_total",
		Help:      "Queries executed per index.",
	}, []string{"index_name"})

	// Subqueries counts parsed subquery nodes per index.
	Subqueries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "summa",
		Name:      "subquery_total",
		Help:      "Subqueries parsed per index.",
	}, []string{"index_name"})

	// ConsumerMessages counts ingested messages per consumer and status.
	ConsumerMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "summa",
		Name:      "consumer_messages_total",
		Help:      "Messages consumed, labelled by status.",
	}, []string{"consumer_name", "status"})

	// IndexedDocuments counts documents applied to writers per index.
	IndexedDocuments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "summa",
		Name:      "indexed_documents_total",
		Help:      "Documents indexed, labelled by status.",
	}, []string{"index_name", "status"})

	// CommitSeconds observes commit latency per index.
	CommitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "summa",
		Name:      "commit_seconds",
		Help:      "Commit duration.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"index_name"})
)

// Register installs every instrument into the registry.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(Queries, Subqueries, ConsumerMessages, IndexedDocuments, CommitSeconds)
}
