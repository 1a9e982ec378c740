package datastore

import (
	"context"
	"time"
)

// StatsKey identifies the stats of one group for one account
type StatsKey struct {
	Group     string
	AccountID string
}

// RunStats are the exported stats of a single group after a sync run
type RunStats struct {
	Key        StatsKey
	UpdateTag  int64
	FinishedAt time.Time
	Metrics    map[string]interface{}
}

// Datastore describes the interface needed by a storage for run stats
type Datastore interface {
	StoreRunStats(context.Context, *RunStats) error
	GetLatestRunStats(context.Context, StatsKey) (*RunStats, error)
}
