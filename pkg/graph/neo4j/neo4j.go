// Package neo4j implements graph.Store on top of a Neo4j database
package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/grid-x/aws-snapshot-graph/pkg/graph"
)

const (
	defaultMaxPoolSize    = 50
	defaultConnectTimeout = 10 * time.Second
)

// Store is a graph.Store backed by Neo4j
type Store struct {
	driver   neo4j.DriverWithContext
	database string

	maxPoolSize    int
	connectTimeout time.Duration

	logger log.FieldLogger
}

// Opt is an option of the Store
type Opt func(*Store)

// WithDatabase selects the database sessions are opened against
func WithDatabase(db string) Opt {
	return func(s *Store) {
		s.database = db
	}
}

// WithMaxPoolSize sets the size of the driver's connection pool
func WithMaxPoolSize(n int) Opt {
	return func(s *Store) {
		s.maxPoolSize = n
	}
}

// WithConnectTimeout sets the socket connect timeout
func WithConnectTimeout(d time.Duration) Opt {
	return func(s *Store) {
		s.connectTimeout = d
	}
}

// WithLogger sets the logger
func WithLogger(l log.FieldLogger) Opt {
	return func(s *Store) {
		s.logger = l
	}
}

// New connects to the Neo4j instance at uri and verifies connectivity
func New(ctx context.Context, uri, user, password string, opts ...Opt) (*Store, error) {
	s := &Store{
		maxPoolSize:    defaultMaxPoolSize,
		connectTimeout: defaultConnectTimeout,
		logger: log.New().WithFields(log.Fields{
			"component": "graph",
			"graph":     "neo4j",
		}),
	}
	for _, o := range opts {
		o(s)
	}

	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth, func(cfg *neo4j.Config) {
		cfg.MaxConnectionPoolSize = s.maxPoolSize
		cfg.SocketConnectTimeout = s.connectTimeout
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating neo4j driver")
	}

	vctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()
	if err := driver.VerifyConnectivity(vctx); err != nil {
		_ = driver.Close(ctx)
		return nil, errors.Wrap(err, "verifying neo4j connectivity")
	}
	s.driver = driver
	s.logger.Infof("connected to %s", uri)
	return s, nil
}

// Close closes the underlying driver
func (s *Store) Close(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Close(ctx)
}

func (s *Store) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: s.database,
	})
}

// write runs a single statement in a managed write transaction and returns
// its summary
func (s *Store) write(ctx context.Context, query string, params map[string]any) (neo4j.ResultSummary, error) {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	summary, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	if err != nil {
		return nil, err
	}
	return summary.(neo4j.ResultSummary), nil
}

const snapshotsInUseQuery = `
MATCH (:AWSAccount{id: $AWS_ACCOUNT_ID})-[:RESOURCE]->(v:EBSVolume)
WHERE v.region = $Region
RETURN v.snapshotid as snapshot
`

// SnapshotIDsInUse implements graph.Store
func (s *Store) SnapshotIDsInUse(ctx context.Context, accountID, region string) ([]string, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	res, err := session.Run(ctx, snapshotsInUseQuery, map[string]any{
		"AWS_ACCOUNT_ID": accountID,
		"Region":         region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "querying snapshots in use")
	}

	var ids []string
	for res.Next(ctx) {
		v, _ := res.Record().Get("snapshot")
		if id, ok := v.(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	if err := res.Err(); err != nil {
		return nil, errors.Wrap(err, "reading snapshots in use")
	}
	return ids, nil
}

const ingestSnapshotsQuery = `
UNWIND $snapshots_list as snapshot
    MERGE (s:EBSSnapshot{id: snapshot.SnapshotId})
    ON CREATE SET s.firstseen = timestamp()
    SET s.lastupdated = $update_tag, s.description = snapshot.Description, s.encrypted = snapshot.Encrypted,
    s.progress = snapshot.Progress, s.starttime = snapshot.StartTime, s.state = snapshot.State,
    s.statemessage = snapshot.StateMessage, s.volumeid = snapshot.VolumeId, s.volumesize = snapshot.VolumeSize,
    s.outpostarn = snapshot.OutpostArn, s.dataencryptionkeyid = snapshot.DataEncryptionKeyId,
    s.kmskeyid = snapshot.KmsKeyId, s.region = $Region
    WITH s
    MATCH (aa:AWSAccount{id: $AWS_ACCOUNT_ID})
    MERGE (aa)-[r:RESOURCE]->(s)
    ON CREATE SET r.firstseen = timestamp()
    SET r.lastupdated = $update_tag
`

func snapshotParams(rows []graph.SnapshotRow) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, map[string]any{
			"SnapshotId":          r.SnapshotID,
			"Description":         r.Description,
			"Encrypted":           r.Encrypted,
			"Progress":            r.Progress,
			"StartTime":           r.StartTime,
			"State":               r.State,
			"StateMessage":        r.StateMessage,
			"VolumeId":            r.VolumeID,
			"VolumeSize":          r.VolumeSize,
			"OutpostArn":          r.OutpostArn,
			"DataEncryptionKeyId": r.DataEncryptionKeyID,
			"KmsKeyId":            r.KmsKeyID,
		})
	}
	return out
}

// MergeSnapshots implements graph.Store
func (s *Store) MergeSnapshots(ctx context.Context, accountID, region string, rows []graph.SnapshotRow, updateTag int64) error {
	if len(rows) == 0 {
		return nil
	}
	_, err := s.write(ctx, ingestSnapshotsQuery, map[string]any{
		"snapshots_list": snapshotParams(rows),
		"AWS_ACCOUNT_ID": accountID,
		"Region":         region,
		"update_tag":     updateTag,
	})
	return errors.Wrap(err, "merging snapshots")
}

const ingestVolumesQuery = `
UNWIND $snapshot_volumes_list as volume
    MERGE (v:EBSVolume{id: volume.VolumeId})
    ON CREATE SET v.firstseen = timestamp()
    SET v.lastupdated = $update_tag, v.snapshotid = volume.SnapshotId,
    v.region = coalesce(volume.Region, v.region)
    WITH v, volume
    MATCH (aa:AWSAccount{id: $AWS_ACCOUNT_ID})
    MERGE (aa)-[r:RESOURCE]->(v)
    ON CREATE SET r.firstseen = timestamp()
    SET r.lastupdated = $update_tag
    WITH v, volume
    MATCH (s:EBSSnapshot{id: volume.SnapshotId})
    MERGE (s)-[r:CREATED_FROM]->(v)
    ON CREATE SET r.firstseen = timestamp()
    SET r.lastupdated = $update_tag
`

// MergeVolumeRelations implements graph.Store
func (s *Store) MergeVolumeRelations(ctx context.Context, accountID string, rows []graph.VolumeRow, updateTag int64) error {
	if len(rows) == 0 {
		return nil
	}
	list := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		row := map[string]any{
			"VolumeId":   r.VolumeID,
			"SnapshotId": r.SnapshotID,
		}
		if r.Region != "" {
			row["Region"] = r.Region
		}
		list = append(list, row)
	}
	_, err := s.write(ctx, ingestVolumesQuery, map[string]any{
		"snapshot_volumes_list": list,
		"AWS_ACCOUNT_ID":        accountID,
		"update_tag":            updateTag,
	})
	return errors.Wrap(err, "merging snapshot volume relations")
}

// CleanupQuery compiles stmt to Cypher. The query expects the parameters
// AWS_ID, UPDATE_TAG and, if limited, LIMIT_SIZE.
func CleanupQuery(stmt graph.CleanupStatement, limited bool) (string, error) {
	if stmt.Label == "" {
		return "", errors.New("cleanup statement without label")
	}
	limit := ""
	if limited {
		limit = " LIMIT $LIMIT_SIZE"
	}

	switch stmt.Relationship {
	case "":
		return fmt.Sprintf(
			"MATCH (:%s{id: $AWS_ID})-[:%s]->(n:%s) WHERE n.lastupdated <> $UPDATE_TAG WITH n%s DETACH DELETE (n)",
			graph.LabelAccount, graph.RelResource, stmt.Label, limit,
		), nil
	case graph.RelResource:
		return fmt.Sprintf(
			"MATCH (:%s{id: $AWS_ID})-[r:%s]->(:%s) WHERE r.lastupdated <> $UPDATE_TAG WITH r%s DELETE (r)",
			graph.LabelAccount, graph.RelResource, stmt.Label, limit,
		), nil
	default:
		target := ""
		if stmt.Target != "" {
			target = ":" + stmt.Target
		}
		return fmt.Sprintf(
			"MATCH (:%s{id: $AWS_ID})-[:%s]->(:%s)-[r:%s]->(%s) WHERE r.lastupdated <> $UPDATE_TAG WITH r%s DELETE (r)",
			graph.LabelAccount, graph.RelResource, stmt.Label, stmt.Relationship, target, limit,
		), nil
	}
}

// RunCleanup implements graph.Store
func (s *Store) RunCleanup(ctx context.Context, stmt graph.CleanupStatement, params graph.CleanupParams, limit int) (int, error) {
	query, err := CleanupQuery(stmt, limit > 0)
	if err != nil {
		return 0, err
	}
	qp := map[string]any{
		"AWS_ID":     params.AccountID,
		"UPDATE_TAG": params.UpdateTag,
	}
	if limit > 0 {
		qp["LIMIT_SIZE"] = int64(limit)
	}

	summary, err := s.write(ctx, query, qp)
	if err != nil {
		return 0, errors.Wrapf(err, "running cleanup for %s", stmt.Label)
	}
	counters := summary.Counters()
	if stmt.Relationship == "" {
		return counters.NodesDeleted(), nil
	}
	return counters.RelationshipsDeleted(), nil
}
