package microvm

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for boot results.
const (
	bootOK     = "ok"
	bootFailed = "failed"
)

var (
	vmBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cellrun_microvm_boot_seconds",
			Help:    "Duration from VM start to guest relay connected, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	vmBootsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellrun_microvm_boots_total",
			Help: "Total number of microVM boot attempts by result.",
		},
		[]string{"result"},
	)

	activeVMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cellrun_microvm_active",
			Help: "Number of currently running session microVMs.",
		},
	)

	vmCleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cellrun_microvm_cleanup_seconds",
			Help:    "Duration of VM stop and network teardown, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(vmBootDuration)
	prometheus.MustRegister(vmBootsTotal)
	prometheus.MustRegister(activeVMs)
	prometheus.MustRegister(vmCleanupDuration)

	vmBootsTotal.WithLabelValues(bootOK)
	vmBootsTotal.WithLabelValues(bootFailed)
}
