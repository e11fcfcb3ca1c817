// Package metrics registers the Prometheus instruments for the mesh.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmesh_cycles_total",
		Help: "Agent cycles executed, by mode.",
	}, []string{"agent", "mode"})

	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentmesh_cycle_duration_seconds",
		Help:    "Wall time of one agent cycle.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"agent"})

	CycleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmesh_cycle_errors_total",
		Help: "Cycle errors by backoff category.",
	}, []string{"agent", "category"})

	ToolDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmesh_tool_dispatches_total",
		Help: "Tool executions by tool name and outcome.",
	}, []string{"tool", "outcome"})

	RecordsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmesh_records_stored_total",
		Help: "Encrypted records written, by collection.",
	}, []string{"collection"})

	RelayDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmesh_relay_deliveries_total",
		Help: "Firehose deliveries by result.",
	}, []string{"result"})

	InboxDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentmesh_inbox_depth",
		Help: "Unread inbox messages per agent.",
	}, []string{"agent"})
)
