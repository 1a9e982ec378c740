package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grid-x/aws-snapshot-graph/pkg/graph"
	"github.com/grid-x/aws-snapshot-graph/pkg/graph/memory"
)

const account = "123456789012"

func accountKey() memory.NodeKey {
	return memory.NodeKey{Label: graph.LabelAccount, ID: account}
}

func snapKey(id string) memory.NodeKey {
	return memory.NodeKey{Label: graph.LabelSnapshot, ID: id}
}

func volKey(id string) memory.NodeKey {
	return memory.NodeKey{Label: graph.LabelVolume, ID: id}
}

func TestMergeSnapshotsIdempotent(t *testing.T) {
	ctx := context.Background()
	clock := time.Unix(1000, 0)
	s := memory.New(memory.WithClock(func() time.Time { return clock }))
	s.AddAccount(account)

	rows := []graph.SnapshotRow{
		{SnapshotID: "snap-1", State: "pending", VolumeID: "vol-1"},
		{SnapshotID: "snap-2", State: "completed"},
	}
	require.NoError(t, s.MergeSnapshots(ctx, account, "us-east-1", rows, 1))

	clock = time.Unix(2000, 0)
	rows[0].State = "completed"
	require.NoError(t, s.MergeSnapshots(ctx, account, "us-east-1", rows, 2))

	assert.Equal(t, []string{"snap-1", "snap-2"}, s.NodeIDs(graph.LabelSnapshot))
	assert.Equal(t, 2, s.CountEdges(graph.RelResource))

	node, ok := s.Node(graph.LabelSnapshot, "snap-1")
	require.True(t, ok)
	assert.Equal(t, int64(1000_000), node["firstseen"])
	assert.Equal(t, int64(2), node["lastupdated"])
	assert.Equal(t, "completed", node["state"])
	assert.Equal(t, "us-east-1", node["region"])

	edge, ok := s.Edge(graph.RelResource, accountKey(), snapKey("snap-1"))
	require.True(t, ok)
	assert.Equal(t, int64(1000_000), edge["firstseen"])
	assert.Equal(t, int64(2), edge["lastupdated"])
}

func TestMergeSnapshotsWithoutAccount(t *testing.T) {
	s := memory.New()
	rows := []graph.SnapshotRow{{SnapshotID: "snap-1"}}
	require.NoError(t, s.MergeSnapshots(context.Background(), account, "us-east-1", rows, 1))

	_, ok := s.Node(graph.LabelSnapshot, "snap-1")
	assert.True(t, ok)
	assert.Equal(t, 0, s.CountEdges(graph.RelResource))
}

func TestMergeVolumeRelations(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	s.AddAccount(account)
	require.NoError(t, s.MergeSnapshots(ctx, account, "us-east-1", []graph.SnapshotRow{{SnapshotID: "snap-1", VolumeID: "vol-1"}}, 1))

	rows := []graph.VolumeRow{{VolumeID: "vol-1", SnapshotID: "snap-1", Region: "us-east-1"}}
	require.NoError(t, s.MergeVolumeRelations(ctx, account, rows, 1))
	require.NoError(t, s.MergeVolumeRelations(ctx, account, rows, 1))

	assert.Equal(t, []string{"vol-1"}, s.NodeIDs(graph.LabelVolume))
	assert.Equal(t, 1, s.CountEdges(graph.RelCreatedFrom))
	_, ok := s.Edge(graph.RelCreatedFrom, snapKey("snap-1"), volKey("vol-1"))
	assert.True(t, ok)
	_, ok = s.Edge(graph.RelResource, accountKey(), volKey("vol-1"))
	assert.True(t, ok)

	ids, err := s.SnapshotIDsInUse(ctx, account, "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"snap-1"}, ids)

	ids, err = s.SnapshotIDsInUse(ctx, account, "us-west-2")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRunCleanup(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	s.AddAccount(account)
	require.NoError(t, s.MergeSnapshots(ctx, account, "us-east-1", []graph.SnapshotRow{
		{SnapshotID: "snap-old"}, {SnapshotID: "snap-new"},
	}, 1))
	require.NoError(t, s.MergeVolumeRelations(ctx, account, []graph.VolumeRow{
		{VolumeID: "vol-1", SnapshotID: "snap-old"},
	}, 1))
	require.NoError(t, s.MergeSnapshots(ctx, account, "us-east-1", []graph.SnapshotRow{{SnapshotID: "snap-new"}}, 2))

	params := graph.CleanupParams{UpdateTag: 2, AccountID: account}

	t.Run("stale edges", func(t *testing.T) {
		n, err := s.RunCleanup(ctx, graph.CleanupStatement{
			Label: graph.LabelSnapshot, Relationship: graph.RelCreatedFrom, Target: graph.LabelVolume,
		}, params, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, 0, s.CountEdges(graph.RelCreatedFrom))
	})

	t.Run("stale nodes in batches", func(t *testing.T) {
		stmt := graph.CleanupStatement{Label: graph.LabelSnapshot}
		n, err := s.RunCleanup(ctx, stmt, params, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = s.RunCleanup(ctx, stmt, params, 1)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		assert.Equal(t, []string{"snap-new"}, s.NodeIDs(graph.LabelSnapshot))
		// volumes belong to another sync and survive
		assert.Equal(t, []string{"vol-1"}, s.NodeIDs(graph.LabelVolume))
	})

	t.Run("other account untouched", func(t *testing.T) {
		n, err := s.RunCleanup(ctx, graph.CleanupStatement{Label: graph.LabelSnapshot},
			graph.CleanupParams{UpdateTag: 3, AccountID: "999999999999"}, 0)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}
