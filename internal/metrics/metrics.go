package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ReplicationOutcomes counts follower copy attempts by outcome.
var ReplicationOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "copytrade_replication_outcomes_total",
		Help: "Follower copy attempts by outcome",
	},
	[]string{"outcome"},
)

// PropagationOutcomes counts master lifecycle propagations per follower order.
var PropagationOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "copytrade_propagation_outcomes_total",
		Help: "Follower order lifecycle propagations by outcome",
	},
	[]string{"outcome"},
)

// GatewayLatency records Execution Gateway round trips.
var GatewayLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "copytrade_gateway_request_seconds",
		Help:    "Execution gateway request latency",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"operation", "result"},
)

// Fee and monitor counters
var (
	FeeSettlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copytrade_fee_settlements_total",
			Help: "Performance fee settlement attempts by result",
		},
		[]string{"result"},
	)

	MonitorAutoStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copytrade_monitor_auto_stops_total",
			Help: "Follower accounts stopped by the equity monitor",
		},
		[]string{"trigger"},
	)

	MonitorScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "copytrade_monitor_scan_seconds",
			Help:    "Duration of one equity monitor scan",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Cache consistency
var (
	CacheDegraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copytrade_cache_degraded_total",
			Help: "Cache mirror writes that failed after a committed ledger change",
		},
		[]string{"operation"},
	)

	RepairChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copytrade_repair_changes_total",
			Help: "Cache index entries changed by the repair engine",
		},
		[]string{"kind"},
	)
)

// TaskQueueDepth tracks pending background tasks.
var TaskQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "copytrade_task_queue_depth",
		Help: "Background tasks waiting for a worker",
	},
)

func init() {
	prometheus.MustRegister(ReplicationOutcomes, PropagationOutcomes, GatewayLatency)
	prometheus.MustRegister(FeeSettlements, MonitorAutoStops, MonitorScanDuration)
	prometheus.MustRegister(CacheDegraded, RepairChanges, TaskQueueDepth)
}
