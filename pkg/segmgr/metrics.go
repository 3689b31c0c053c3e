package segmgr

import "github.com/prometheus/client_golang/prometheus"

// Metrics follow a per-domain, package-level prometheus.New* convention,
// scoped to the segment manager rather than to message throughput.
var (
	segMgrConstructedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "segmgr_constructed_total",
		Help: "Total number of SegmentManager instances constructed",
	})

	segHeadRotationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "segmgr_head_rotations_total",
		Help: "Total number of successful head rotations",
	})

	segSurvivorAllocTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "segmgr_survivor_allocations_total",
		Help: "Total number of survivor segments allocated for the cleaner",
	})

	segCleaningCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "segmgr_cleaning_cycles_total",
		Help: "Total number of cleaningComplete invocations",
	})

	segAllocTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "segmgr_allocations_total",
		Help: "Total number of segment allocations by kind",
	}, []string{"kind"})

	segFreeTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "segmgr_freed_total",
		Help: "Total number of segments freed back to the allocator",
	})

	segReserveSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "segmgr_reserve_size",
		Help: "Current size of a reserve (emergency or survivor)",
	}, []string{"reserve"})

	segIteratorCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "segmgr_log_iterator_count",
		Help: "Current number of outstanding log iterators",
	})

	segDigestSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "segmgr_digest_size_segments",
		Help:    "Number of segment identifiers written in a log digest",
		Buckets: prometheus.LinearBuckets(0, 4, 10),
	})
)

// Collectors returns every metric this package defines, for a caller to
// hand to a prometheus.Registerer (pkg/metrics registers them in its
// init function).
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		segMgrConstructedTotal,
		segHeadRotationsTotal,
		segSurvivorAllocTotal,
		segCleaningCyclesTotal,
		segAllocTotal,
		segFreeTotal,
		segReserveSize,
		segIteratorCount,
		segDigestSize,
	}
}
