// Package syncer drives the snapshot sync over all regions of an account
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/grid-x/aws-snapshot-graph/pkg/cleanup"
	"github.com/grid-x/aws-snapshot-graph/pkg/graph"
	"github.com/grid-x/aws-snapshot-graph/pkg/ingest"
	"github.com/grid-x/aws-snapshot-graph/pkg/metrics"
	"github.com/grid-x/aws-snapshot-graph/pkg/snapshot/ec2"
	"github.com/grid-x/aws-snapshot-graph/pkg/stats"
)

const (
	defaultCleanupJob  = "aws_import_snapshots_cleanup"
	defaultConcurrency = 1

	MetricSnapshotsScanned = "Total Snapshots Scanned"
	MetricSnapshotsInUse   = "Total Snapshots in use"
	MetricSnapshotVolumes  = "Total Snapshot Volumes"
	MetricRegionsSynced    = "Regions Synced"
	MetricStatus           = "status"

	// steps observed in the step duration histogram
	StepInUse               = "snapshots_in_use"
	StepFetch               = "fetch"
	StepLoadSnapshots       = "load_snapshots"
	StepLoadVolumeRelations = "load_volume_relations"
	StepCleanup             = "cleanup"
	StepSync                = "sync"

	allRegions = "all"
)

// Params of a single sync run
type Params struct {
	AccountID string
	Regions   []string
	UpdateTag int64
}

// Totals are the counts accumulated over all regions of a run
type Totals struct {
	Snapshots int
	InUse     int
	Volumes   int
	Regions   int
	Deleted   int
}

func (t *Totals) add(o Totals) {
	t.Snapshots += o.Snapshots
	t.InUse += o.InUse
	t.Volumes += o.Volumes
	t.Regions += o.Regions
}

// Syncer syncs EBS snapshots into the graph
type Syncer struct {
	store   graph.Store
	fetcher *ec2.Fetcher
	loader  *ingest.Loader
	cleanup *cleanup.Runner
	stats   *stats.Aggregator
	metrics *metrics.Metrics

	concurrency int
	cleanupJob  string

	logger log.FieldLogger
}

// Opt is an option of the Syncer
type Opt func(*Syncer)

// WithLogger sets the logger of the Syncer and the components it creates
func WithLogger(l log.FieldLogger) Opt {
	return func(s *Syncer) {
		s.logger = l
	}
}

// WithConcurrency sets how many regions are synced in parallel
func WithConcurrency(n int) Opt {
	return func(s *Syncer) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithMetrics records Prometheus metrics of the run to m
func WithMetrics(m *metrics.Metrics) Opt {
	return func(s *Syncer) {
		s.metrics = m
	}
}

// WithCleanupJob overrides the cleanup job run after all regions
func WithCleanupJob(name string) Opt {
	return func(s *Syncer) {
		s.cleanupJob = name
	}
}

// New creates a Syncer. All statistics of the run are recorded to agg.
func New(store graph.Store, clients ec2.ClientFactory, agg *stats.Aggregator, opts ...Opt) *Syncer {
	s := &Syncer{
		store: store,
		stats: agg,

		concurrency: defaultConcurrency,
		cleanupJob:  defaultCleanupJob,

		logger: log.New().WithFields(log.Fields{
			"component": "syncer",
		}),
	}
	for _, o := range opts {
		o(s)
	}

	fopts := []ec2.Opt{ec2.WithLogger(s.logger.WithField("component", "ec2-snapshot-fetcher"))}
	if s.metrics != nil {
		fopts = append(fopts, ec2.WithRequestCounter(s.metrics.APIRequests))
	}
	s.fetcher = ec2.NewFetcher(clients, agg, fopts...)
	s.loader = ingest.NewLoader(store, ingest.WithLogger(s.logger.WithField("component", "ingest")))
	s.cleanup = cleanup.NewRunner(store, cleanup.WithLogger(s.logger.WithField("component", "cleanup")))
	return s
}

// timeStep observes the time elapsed since start for step
func (s *Syncer) timeStep(step, region string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.StepDuration.WithLabelValues(step, region).Observe(time.Since(start).Seconds())
}

func (s *Syncer) syncRegion(ctx context.Context, p Params, region string) (Totals, error) {
	logger := s.logger.WithFields(log.Fields{
		"region":  region,
		"account": p.AccountID,
	})
	logger.Debugf("Syncing snapshots for region '%s' in account '%s'.", region, p.AccountID)

	start := time.Now()
	inUse, err := s.store.SnapshotIDsInUse(ctx, p.AccountID, region)
	s.timeStep(StepInUse, region, start)
	if err != nil {
		return Totals{}, errors.Wrapf(err, "reading snapshots in use in %s", region)
	}

	start = time.Now()
	data, err := s.fetcher.Fetch(ctx, region, inUse)
	s.timeStep(StepFetch, region, start)
	if err != nil {
		return Totals{}, err
	}

	start = time.Now()
	err = s.loader.LoadSnapshots(ctx, p.AccountID, region, data, p.UpdateTag)
	s.timeStep(StepLoadSnapshots, region, start)
	if err != nil {
		return Totals{}, err
	}

	start = time.Now()
	volumes := ingest.VolumeRelations(data, region)
	err = s.loader.LoadVolumeRelations(ctx, p.AccountID, volumes, p.UpdateTag)
	s.timeStep(StepLoadVolumeRelations, region, start)
	if err != nil {
		return Totals{}, err
	}

	if s.metrics != nil {
		s.metrics.SnapshotsScanned.WithLabelValues(region).Set(float64(len(data)))
		s.metrics.SnapshotsInUse.WithLabelValues(region).Set(float64(len(inUse)))
	}
	logger.Infof("synced %d snapshots (%d in use, %d volumes)", len(data), len(inUse), len(volumes))

	return Totals{
		Snapshots: len(data),
		InUse:     len(inUse),
		Volumes:   len(volumes),
		Regions:   1,
	}, nil
}

// Run syncs all regions of p and removes graph state not refreshed by this
// run. A failing region aborts the run before anything is cleaned up.
func (s *Syncer) Run(ctx context.Context, p Params) (*Totals, error) {
	if p.AccountID == "" {
		return nil, errors.New("account id required")
	}
	start := time.Now()

	var (
		mu    sync.Mutex
		total Totals
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, region := range p.Regions {
		g.Go(func() error {
			rt, err := s.syncRegion(gctx, p, region)
			if err != nil {
				return err
			}
			mu.Lock()
			total.add(rt)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.stats.Record(ec2.StatsGroup, MetricSnapshotsScanned, total.Snapshots)
	s.stats.Record(ec2.StatsGroup, MetricSnapshotsInUse, total.InUse)
	s.stats.Record(ec2.StatsGroup, MetricSnapshotVolumes, total.Volumes)
	s.stats.Record(ec2.StatsGroup, MetricRegionsSynced, total.Regions)

	group, err := s.stats.ExportFor(ec2.StatsGroup)
	if err != nil {
		return nil, err
	}
	skipped, _ := group[stats.MetricSkippedRegions].([]string)
	if len(skipped) == 0 {
		s.stats.Record(ec2.StatsGroup, MetricStatus, "success")
	}

	cleanupStart := time.Now()
	deleted, err := s.cleanup.Run(ctx, s.cleanupJob, graph.CleanupParams{
		UpdateTag: p.UpdateTag,
		AccountID: p.AccountID,
	})
	s.timeStep(StepCleanup, allRegions, cleanupStart)
	if err != nil {
		return nil, errors.Wrap(err, "cleaning up snapshots")
	}
	total.Deleted = deleted

	if s.metrics != nil {
		s.metrics.SkippedRegions.Add(float64(len(skipped)))
		s.metrics.CleanedUp.Set(float64(deleted))
		s.metrics.CompletionTime.SetToCurrentTime()
	}
	s.timeStep(StepSync, allRegions, start)
	return &total, nil
}
