package forest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics bundles the package-level Prometheus collectors, mirroring the
// teacher's pkg/metrics/metrics.go shape: counters/histograms/gauges
// registered once via promauto and labeled per instance (there,
// index_name; here, forest_id).
type metricsSet struct {
	treesTrained   *prometheus.CounterVec
	splitAttempts  *prometheus.CounterVec
	splitsAccepted *prometheus.CounterVec
	leavesForced   *prometheus.CounterVec
	treeTrainTime  *prometheus.HistogramVec
	liveForestSize *prometheus.GaugeVec
}

var metrics = newMetricsSet()

func newMetricsSet() *metricsSet {
	return &metricsSet{
		treesTrained: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canopy",
			Name:      "trees_trained_total",
			Help:      "Number of trees successfully trained, per forest.",
		}, []string{"forest_id"}),
		splitAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canopy",
			Name:      "split_attempts_total",
			Help:      "Number of candidate-parameter split trials evaluated, per forest.",
		}, []string{"forest_id"}),
		splitsAccepted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canopy",
			Name:      "splits_accepted_total",
			Help:      "Number of node splits accepted over leaving a leaf, per forest.",
		}, []string{"forest_id"}),
		leavesForced: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canopy",
			Name:      "leaves_forced_total",
			Help:      "Number of nodes forced to a leaf, labeled by reason.",
		}, []string{"forest_id", "reason"}),
		treeTrainTime: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "canopy",
			Name:      "tree_train_seconds",
			Help:      "Wall-clock time to train a single tree.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"forest_id"}),
		liveForestSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "canopy",
			Name:      "live_forest_trees",
			Help:      "Number of trees currently held by a live Forest.",
		}, []string{"forest_id"}),
	}
}

// Leaf-forcing reasons, used as the "reason" label on leavesForced.
const (
	reasonMaxDepth        = "max_depth"
	reasonMinTrainingData = "min_training_data"
	reasonNoGain          = "no_gain"
)
