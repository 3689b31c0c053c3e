package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics for the raft digest mirror, the pkg/replication analogue of
// pkg/metrics/cluster.go, trimmed to leader-election and commit-quorum
// concepts since there are no topics, partitions, or ISR sets in this
// domain.
var (
	ReplicationLeaderElectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "replication_leader_elections_total",
		Help: "Total number of times this node observed a raft leadership change",
	})

	ReplicationCommitOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replication_commit_operations_total",
		Help: "Total raft commit operations for segment lifecycle events",
	}, []string{"kind", "result"}) // kind: open_head, open_survivor, close; result: success, failure

	ReplicationNodeHealth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "replication_node_health",
		Help: "Whether this node's raft instance is reachable and participating (1=healthy, 0=unhealthy)",
	})
)
