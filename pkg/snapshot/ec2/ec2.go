package ec2

import (
	"context"
	"sort"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/grid-x/aws-snapshot-graph/pkg/stats"
)

const (
	// StatsGroup is the stats group all snapshot metrics are recorded under
	StatsGroup = "ec2:snapshots"

	// ErrCodeSnapshotNotFound is returned by DescribeSnapshots if one of the
	// requested snapshot ids does not exist (anymore)
	ErrCodeSnapshotNotFound = "InvalidSnapshot.NotFound"

	ownerSelf = "self"
)

// ClientFactory returns an EC2 client bound to region
type ClientFactory func(region string) ec2iface.EC2API

// Fetcher fetches the snapshots of a region: the ones owned by the account
// and the ones owned by others but referenced by the account's volumes
type Fetcher struct {
	clients  ClientFactory
	stats    *stats.Aggregator
	requests *prometheus.CounterVec

	logger log.FieldLogger
}

// Opt is the type for Options of the Fetcher
type Opt func(*Fetcher)

// WithLogger sets the logger of the Fetcher
func WithLogger(l log.FieldLogger) Opt {
	return func(f *Fetcher) {
		f.logger = l
	}
}

// WithRequestCounter counts DescribeSnapshots requests in c, which must
// have the labels operation and region
func WithRequestCounter(c *prometheus.CounterVec) Opt {
	return func(f *Fetcher) {
		f.requests = c
	}
}

// NewFetcher creates a new Fetcher. Partial failures are recorded to agg.
func NewFetcher(clients ClientFactory, agg *stats.Aggregator, opts ...Opt) *Fetcher {
	f := &Fetcher{
		clients: clients,
		stats:   agg,

		logger: log.New().WithFields(
			log.Fields{
				"component": "ec2-snapshot-fetcher",
			}),
	}

	for _, o := range opts {
		o(f)
	}

	return f
}

func (f *Fetcher) describeSnapshots(ctx context.Context, client ec2iface.EC2API, region string, in *ec2.DescribeSnapshotsInput, result []*ec2.Snapshot) ([]*ec2.Snapshot, error) {
	var token *string
	for {
		in.NextToken = token

		if f.requests != nil {
			f.requests.WithLabelValues("DescribeSnapshots", region).Inc()
		}
		resp, err := client.DescribeSnapshotsWithContext(ctx, in)
		if err != nil {
			return result, err
		}
		for _, snap := range resp.Snapshots {
			if snap.SnapshotId == nil {
				//skip
				continue
			}
			result = append(result, snap)
		}

		if resp.NextToken == nil || *resp.NextToken == "" {
			break
		}
		token = resp.NextToken
	}

	return result, nil
}

// Fetch returns all snapshots owned by the account in region plus the
// snapshots in inUse that are not owned by the account. If some of the
// latter do not exist anymore, the region is recorded as skipped and the
// snapshots gathered so far are returned without an error.
func (f *Fetcher) Fetch(ctx context.Context, region string, inUse []string) ([]*ec2.Snapshot, error) {
	logger := f.logger.WithFields(log.Fields{
		"region": region,
	})
	client := f.clients(region)

	snapshots, err := f.describeSnapshots(ctx, client, region, &ec2.DescribeSnapshotsInput{
		OwnerIds: aws.StringSlice([]string{ownerSelf}),
	}, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "describing owned snapshots in %s", region)
	}

	others := OtherSnapshotIDs(snapshots, inUse)
	if len(others) == 0 {
		return snapshots, nil
	}

	logger.Debugf("fetching %d in-use snapshots not owned by the account", len(others))
	snapshots, err = f.describeSnapshots(ctx, client, region, &ec2.DescribeSnapshotsInput{
		SnapshotIds: aws.StringSlice(others),
	}, snapshots)
	if err == nil {
		return snapshots, nil
	}

	// a cancelled run is not a degraded region
	if cerr := ctx.Err(); cerr != nil {
		return nil, errors.Wrapf(cerr, "describing in-use snapshots in %s", region)
	}

	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return nil, errors.Wrapf(err, "describing in-use snapshots in %s", region)
	}

	f.stats.Record(StatsGroup, stats.MetricSkippedRegions, region)
	f.stats.Record(StatsGroup, stats.MetricErrors, aerr.Code())
	f.stats.Record(StatsGroup, "status", "partial")

	if aerr.Code() != ErrCodeSnapshotNotFound {
		return nil, errors.Wrapf(err, "describing in-use snapshots in %s", region)
	}
	logger.Warnf("Failed to retrieve page of in-use, not owned snapshots. Continuing anyway. Error - %v", aerr)
	return snapshots, nil
}

// OtherSnapshotIDs returns the sorted ids of inUse that are not among owned
func OtherSnapshotIDs(owned []*ec2.Snapshot, inUse []string) []string {
	seen := make(map[string]struct{}, len(owned))
	for _, s := range owned {
		seen[aws.StringValue(s.SnapshotId)] = struct{}{}
	}

	var others []string
	for _, id := range inUse {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		others = append(others, id)
	}
	sort.Strings(others)
	return others
}

// Regions returns the names of the regions enabled for the account
func Regions(ctx context.Context, client ec2iface.EC2API) ([]string, error) {
	resp, err := client.DescribeRegionsWithContext(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return nil, errors.Wrap(err, "describing regions")
	}

	var regions []string
	for _, r := range resp.Regions {
		if r.RegionName == nil {
			continue
		}
		regions = append(regions, *r.RegionName)
	}
	sort.Strings(regions)
	return regions, nil
}
