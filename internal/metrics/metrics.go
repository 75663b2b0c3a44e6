// Package metrics holds the Prometheus instruments shared across the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReflectionCycles counts reflection cycle outcomes:
	// completed | skipped | no_seed | aborted.
	ReflectionCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemosyne_reflection_cycles_total",
		Help: "Reflection cycles by outcome.",
	}, []string{"outcome"})

	// ProviderFailures counts classified LLM/embedding provider failures.
	ProviderFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemosyne_provider_failures_total",
		Help: "Provider failures by kind (timeout, rate_limited, unavailable, malformed).",
	}, []string{"kind"})

	// RecordsWritten counts memory records written per collection.
	RecordsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemosyne_records_written_total",
		Help: "Memory records written, by collection.",
	}, []string{"collection"})

	// GraphEdges tracks the current knowledge graph edge count.
	GraphEdges = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mnemosyne_graph_edges",
		Help: "Current number of edges in the knowledge graph.",
	})
)
