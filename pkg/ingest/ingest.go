// Package ingest translates EC2 snapshot records into graph upserts
package ingest

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/grid-x/aws-snapshot-graph/pkg/graph"
)

// TimeFormat is the representation timestamps are stored with; the graph
// has no native temporal type for them
const TimeFormat = time.RFC3339Nano

// FormatTime normalizes t to TimeFormat in UTC. A nil time yields "".
func FormatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeFormat)
}

// SnapshotRows flattens the snapshot records
func SnapshotRows(records []*ec2.Snapshot) []graph.SnapshotRow {
	rows := make([]graph.SnapshotRow, 0, len(records))
	for _, s := range records {
		if s == nil || aws.StringValue(s.SnapshotId) == "" {
			continue
		}
		rows = append(rows, graph.SnapshotRow{
			SnapshotID:          aws.StringValue(s.SnapshotId),
			Description:         aws.StringValue(s.Description),
			Encrypted:           aws.BoolValue(s.Encrypted),
			Progress:            aws.StringValue(s.Progress),
			StartTime:           FormatTime(s.StartTime),
			State:               aws.StringValue(s.State),
			StateMessage:        aws.StringValue(s.StateMessage),
			VolumeID:            aws.StringValue(s.VolumeId),
			VolumeSize:          aws.Int64Value(s.VolumeSize),
			OutpostArn:          aws.StringValue(s.OutpostArn),
			DataEncryptionKeyID: aws.StringValue(s.DataEncryptionKeyId),
			KmsKeyID:            aws.StringValue(s.KmsKeyId),
		})
	}
	return rows
}

// VolumeRelations returns one row per record that was created from a
// volume
func VolumeRelations(records []*ec2.Snapshot, region string) []graph.VolumeRow {
	var rows []graph.VolumeRow
	for _, s := range records {
		if s == nil || aws.StringValue(s.VolumeId) == "" || aws.StringValue(s.SnapshotId) == "" {
			continue
		}
		rows = append(rows, graph.VolumeRow{
			VolumeID:   aws.StringValue(s.VolumeId),
			SnapshotID: aws.StringValue(s.SnapshotId),
			Region:     region,
		})
	}
	return rows
}

// Loader writes snapshot batches to a graph.Store
type Loader struct {
	store  graph.Store
	logger log.FieldLogger
}

// Opt is an option of the Loader
type Opt func(*Loader)

// WithLogger sets the logger
func WithLogger(l log.FieldLogger) Opt {
	return func(ld *Loader) {
		ld.logger = l
	}
}

// NewLoader creates a Loader writing to store
func NewLoader(store graph.Store, opts ...Opt) *Loader {
	ld := &Loader{
		store: store,
		logger: log.New().WithFields(log.Fields{
			"component": "ingest",
		}),
	}
	for _, o := range opts {
		o(ld)
	}
	return ld
}

// LoadSnapshots upserts a node per record and its ownership edge
func (ld *Loader) LoadSnapshots(ctx context.Context, accountID, region string, records []*ec2.Snapshot, updateTag int64) error {
	rows := SnapshotRows(records)
	if len(rows) == 0 {
		return nil
	}
	ld.logger.WithFields(log.Fields{
		"region":  region,
		"account": accountID,
	}).Debugf("loading %d snapshots", len(rows))

	if err := ld.store.MergeSnapshots(ctx, accountID, region, rows, updateTag); err != nil {
		return errors.Wrapf(err, "loading snapshots for %s", region)
	}
	return nil
}

// LoadVolumeRelations upserts the volumes snapshots were created from, their
// ownership edges and the CREATED_FROM edges. The snapshots must have been
// loaded before.
func (ld *Loader) LoadVolumeRelations(ctx context.Context, accountID string, rows []graph.VolumeRow, updateTag int64) error {
	if len(rows) == 0 {
		return nil
	}
	ld.logger.WithFields(log.Fields{
		"account": accountID,
	}).Debugf("loading %d snapshot volumes", len(rows))

	if err := ld.store.MergeVolumeRelations(ctx, accountID, rows, updateTag); err != nil {
		return errors.Wrap(err, "loading snapshot volume relations")
	}
	return nil
}
