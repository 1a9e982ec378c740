// Package graph describes the property graph the snapshot inventory is
// written to. Implementations live in the subpackages.
package graph

import (
	"context"
)

// Node labels and relationship types written by the snapshot sync
const (
	LabelAccount  = "AWSAccount"
	LabelSnapshot = "EBSSnapshot"
	LabelVolume   = "EBSVolume"

	RelResource    = "RESOURCE"
	RelCreatedFrom = "CREATED_FROM"
)

// SnapshotRow is the flattened form of a snapshot as stored on a node
type SnapshotRow struct {
	SnapshotID          string
	Description         string
	Encrypted           bool
	Progress            string
	StartTime           string
	State               string
	StateMessage        string
	VolumeID            string
	VolumeSize          int64
	OutpostArn          string
	DataEncryptionKeyID string
	KmsKeyID            string
}

// VolumeRow links a snapshot to the volume it was created from
type VolumeRow struct {
	VolumeID   string
	SnapshotID string
	Region     string
}

// CleanupStatement is a single declarative deletion step. Without a
// Relationship, stale nodes of Label owned by the account are removed
// together with their edges. With a Relationship, only stale edges of that
// type are removed: RESOURCE edges from the account to Label, or edges from
// Label to Target for any other type.
type CleanupStatement struct {
	Label         string `yaml:"label"`
	Relationship  string `yaml:"relationship,omitempty"`
	Target        string `yaml:"target,omitempty"`
	Iterative     bool   `yaml:"iterative,omitempty"`
	IterationSize int    `yaml:"iterationsize,omitempty"`
}

// CleanupParams scope a cleanup run
type CleanupParams struct {
	UpdateTag int64
	AccountID string
}

// Store is the graph session capability needed by the sync
type Store interface {
	// SnapshotIDsInUse returns the non-empty snapshot ids referenced by the
	// volumes of the account in region.
	SnapshotIDsInUse(ctx context.Context, accountID, region string) ([]string, error)
	MergeSnapshots(ctx context.Context, accountID, region string, rows []SnapshotRow, updateTag int64) error
	MergeVolumeRelations(ctx context.Context, accountID string, rows []VolumeRow, updateTag int64) error
	// RunCleanup executes one batch of stmt and returns how many elements
	// were deleted. A limit <= 0 removes everything that matches.
	RunCleanup(ctx context.Context, stmt CleanupStatement, params CleanupParams, limit int) (int, error)
}
