// Package metrics exposes Prometheus metrics of a sync run
package metrics

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "aws_snapshot_graph"

// Metrics of a sync run
type Metrics struct {
	CompletionTime   prometheus.Gauge
	SnapshotsScanned *prometheus.GaugeVec
	SnapshotsInUse   *prometheus.GaugeVec
	SkippedRegions   prometheus.Counter
	CleanedUp        prometheus.Gauge
	APIRequests      *prometheus.CounterVec
	StepDuration     *prometheus.HistogramVec
}

// New creates the metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CompletionTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_completion_timestamp_seconds",
			Help:      "The timestamp of the last successful completion of a snapshot graph sync",
		}),
		SnapshotsScanned: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshots_scanned",
			Help:      "Number of snapshots fetched in the last sync, by region",
		}, []string{"region"}),
		SnapshotsInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshots_in_use",
			Help:      "Number of snapshots referenced by volumes in the last sync, by region",
		}, []string{"region"}),
		SkippedRegions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_regions_total",
			Help:      "Number of regions that were only partially synced",
		}),
		CleanedUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cleanup_deleted_elements",
			Help:      "Number of stale graph elements deleted by the last cleanup",
		}),
		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ec2_requests_total",
			Help:      "Total number of EC2 API requests",
		}, []string{"operation", "region"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of the sync steps, by step and region",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"step", "region"}),
	}
	reg.MustRegister(m.CompletionTime, m.SnapshotsScanned, m.SnapshotsInUse, m.SkippedRegions, m.CleanedUp, m.APIRequests, m.StepDuration)
	return m
}

// Push adds all metrics of g to the pushgateway at url
func Push(url, job string, g prometheus.Gatherer) error {
	if err := push.New(url, job).Gatherer(g).Add(); err != nil {
		return errors.Wrapf(err, "pushing metrics to %s", url)
	}
	return nil
}
