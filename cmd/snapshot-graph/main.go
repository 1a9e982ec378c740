package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/credentials/stscreds"
	"github.com/aws/aws-sdk-go/aws/session"
	awsdynamodb "github.com/aws/aws-sdk-go/service/dynamodb"
	awsec2 "github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/sts"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grid-x/aws-snapshot-graph/pkg/datastore"
	"github.com/grid-x/aws-snapshot-graph/pkg/datastore/dynamodb"
	"github.com/grid-x/aws-snapshot-graph/pkg/graph"
	"github.com/grid-x/aws-snapshot-graph/pkg/graph/memory"
	"github.com/grid-x/aws-snapshot-graph/pkg/graph/neo4j"
	"github.com/grid-x/aws-snapshot-graph/pkg/metrics"
	"github.com/grid-x/aws-snapshot-graph/pkg/snapshot/ec2"
	"github.com/grid-x/aws-snapshot-graph/pkg/stats"
	"github.com/grid-x/aws-snapshot-graph/pkg/syncer"
)

var (
	app = kingpin.New("snapshot-graph", "Sync EBS snapshots into a Neo4j inventory graph")

	output             = app.Flag("output", "Output format").Short('o').Default("").String()
	logLevel           = app.Flag("log-level", "Log level").Default("info").Enum("debug", "info", "warn", "error")
	apiRegion          = app.Flag("api-region", "AWS region used for API calls that are not region scoped").Default("eu-central-1").Envar("AWS_REGION").String()
	awsAccessKeyID     = app.Flag("aws-access-key-id", "AWS Access Key ID to use (default: credential chain)").Envar("AWS_ACCESS_KEY_ID").String()
	awsSecretAccessKey = app.Flag("aws-secret-access-key", "AWS Secret Access Key to use").Envar("AWS_SECRET_ACCESS_KEY").String()
	assumeRole         = app.Flag("assume-role", "ARN of the role to assume").Envar("AWS_ASSUME_ROLE").String()
	dynamodbTable      = app.Flag("dynamodb-table", "DynamoDB table storing run stats").Envar("SNAPSHOT_GRAPH_DYNAMODB_TABLE").String()

	syncCmd        = app.Command("sync", "Sync snapshots of all regions into the graph")
	syncRegions    = syncCmd.Flag("region", "Region to sync, repeatable (default: all enabled regions)").Strings()
	accountID      = syncCmd.Flag("account-id", "AWS account id (default: caller identity)").Envar("AWS_ACCOUNT_ID").String()
	updateTag      = syncCmd.Flag("update-tag", "Version tag of this run (default: current unix time)").Int64()
	concurrency    = syncCmd.Flag("concurrency", "Number of regions synced in parallel").Default("1").Int()
	neo4jURI       = syncCmd.Flag("neo4j-uri", "Bolt URI of the Neo4j instance").Envar("NEO4J_URI").String()
	neo4jUser      = syncCmd.Flag("neo4j-user", "Neo4j user").Default("neo4j").Envar("NEO4J_USER").String()
	neo4jPassword  = syncCmd.Flag("neo4j-password", "Neo4j password").Envar("NEO4J_PASSWORD").String()
	neo4jDatabase  = syncCmd.Flag("neo4j-database", "Neo4j database").Envar("NEO4J_DATABASE").String()
	neo4jTimeout   = syncCmd.Flag("neo4j-timeout", "Neo4j connect timeout").Default("10s").Duration()
	dryRun         = syncCmd.Flag("dry-run", "Write into an in-memory graph instead of Neo4j").Default("false").Bool()
	statsFile      = syncCmd.Flag("stats-file", "Write run stats as JSON to this file").String()
	statsGroup     = syncCmd.Flag("stats-group", "Only export this stats group to the stats file").String()
	pushgatewayURL = syncCmd.Flag("pushgateway-url", "URL of Prometheus' pushgateway").String()

	statsCmd     = app.Command("stats", "Show the stats of the latest run")
	statsAccount = statsCmd.Flag("account-id", "AWS account id").Required().String()
	statsShowFor = statsCmd.Flag("group", "Stats group").Default(ec2.StatsGroup).String()
)

func newSession() (*session.Session, error) {
	conf := aws.NewConfig().WithRegion(*apiRegion)
	if *awsAccessKeyID != "" {
		conf = conf.WithCredentials(credentials.NewCredentials(&credentials.StaticProvider{
			Value: credentials.Value{
				AccessKeyID:     *awsAccessKeyID,
				SecretAccessKey: *awsSecretAccessKey,
			},
		}))
	}
	sess, err := session.NewSession(conf)
	if err != nil {
		return nil, err
	}
	if *assumeRole != "" {
		sess = sess.Copy(aws.NewConfig().WithCredentials(stscreds.NewCredentials(sess, *assumeRole)))
	}
	return sess, nil
}

func callerAccount(ctx context.Context, sess *session.Session) (string, error) {
	out, err := sts.New(sess).GetCallerIdentityWithContext(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", err
	}
	return aws.StringValue(out.Account), nil
}

func openStore(ctx context.Context, logger log.FieldLogger, account string) (graph.Store, func(), error) {
	if *dryRun || *neo4jURI == "" {
		if !*dryRun {
			logger.Warn("no neo4j uri given, writing into an in-memory graph")
		}
		store := memory.New()
		store.AddAccount(account)
		return store, func() {
			logger.Infof("in-memory graph holds %d snapshots and %d volumes",
				len(store.NodeIDs(graph.LabelSnapshot)), len(store.NodeIDs(graph.LabelVolume)))
		}, nil
	}

	store, err := neo4j.New(ctx, *neo4jURI, *neo4jUser, *neo4jPassword,
		neo4j.WithDatabase(*neo4jDatabase),
		neo4j.WithConnectTimeout(*neo4jTimeout),
		neo4j.WithLogger(logger.WithField("component", "graph")),
	)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		if err := store.Close(context.Background()); err != nil {
			logger.Errorf("closing neo4j: %+v", err)
		}
	}, nil
}

func hasGroup(agg *stats.Aggregator, group string) bool {
	for _, g := range agg.Groups() {
		if g == group {
			return true
		}
	}
	return false
}

func exportStats(ctx context.Context, logger log.FieldLogger, sess *session.Session, agg *stats.Aggregator, account string, tag int64) {
	if *statsFile != "" {
		var err error
		if *statsGroup != "" {
			if !hasGroup(agg, *statsGroup) {
				logger.Warnf("no stats recorded for %s, known groups: %s", *statsGroup, strings.Join(agg.Groups(), ", "))
			}
			logger.Infof("Exporting stats for AWS %s", *statsGroup)
			err = agg.ExportFileFor(*statsFile, *statsGroup)
		} else {
			logger.Info("Exporting stats for all AWS modules")
			err = agg.ExportFile(*statsFile)
		}
		if err != nil {
			logger.Warnf("An error occurred while exporting stats: %+v", err)
		} else {
			logger.Infof("Stats successfully exported to %s", *statsFile)
		}
	}

	if *dynamodbTable == "" {
		return
	}
	ds := dynamodb.New(awsdynamodb.New(sess), *dynamodbTable)
	for group, doc := range agg.Export() {
		if err := ds.StoreRunStats(ctx, &datastore.RunStats{
			Key:        datastore.StatsKey{Group: group, AccountID: account},
			UpdateTag:  tag,
			FinishedAt: time.Now(),
			Metrics:    doc,
		}); err != nil {
			logger.Warnf("cannot store run stats of %s: %+v", group, err)
		}
	}
}

func runSync(ctx context.Context, logger *log.Logger, sess *session.Session) {
	account := *accountID
	if account == "" {
		var err error
		if account, err = callerAccount(ctx, sess); err != nil {
			logger.Fatalf("callerAccount: %+v", err)
		}
	}

	regions := *syncRegions
	if len(regions) == 0 {
		var err error
		if regions, err = ec2.Regions(ctx, awsec2.New(sess)); err != nil {
			logger.Fatalf("regions: %+v", err)
		}
	}

	tag := *updateTag
	if tag == 0 {
		tag = time.Now().Unix()
	}

	store, closeStore, err := openStore(ctx, logger, account)
	if err != nil {
		logger.Fatalf("openStore: %+v", err)
	}
	defer closeStore()

	clients := func(r string) ec2iface.EC2API {
		return awsec2.New(sess, aws.NewConfig().WithRegion(r))
	}

	agg := stats.New()
	m := metrics.New(prometheus.DefaultRegisterer)
	s := syncer.New(store, clients, agg,
		syncer.WithLogger(logger.WithField("account", account)),
		syncer.WithConcurrency(*concurrency),
		syncer.WithMetrics(m),
	)

	logger.Infof("syncing %d regions of account %s with update tag %d", len(regions), account, tag)
	totals, err := s.Run(ctx, syncer.Params{
		AccountID: account,
		Regions:   regions,
		UpdateTag: tag,
	})
	if err != nil {
		closeStore()
		logger.Fatalf("sync: %+v", err)
	}
	logger.Infof("synced %d snapshots, %d in use, %d volumes; cleaned up %d elements",
		totals.Snapshots, totals.InUse, totals.Volumes, totals.Deleted)

	exportStats(ctx, logger, sess, agg, account, tag)

	if *pushgatewayURL != "" {
		if err := metrics.Push(*pushgatewayURL, "aws_snapshot_graph", prometheus.DefaultGatherer); err != nil {
			logger.Errorf("cannot push metrics: %+v", err)
		}
	}
}

func showStats(ctx context.Context, logger *log.Logger, sess *session.Session) {
	if *dynamodbTable == "" {
		logger.Fatal("need a dynamodb table to read run stats from")
	}
	ds := dynamodb.New(awsdynamodb.New(sess), *dynamodbTable)
	latest, err := ds.GetLatestRunStats(ctx, datastore.StatsKey{Group: *statsShowFor, AccountID: *statsAccount})
	if err != nil {
		logger.Fatalf("getLatestRunStats: %+v", err)
	}

	switch *output {
	case "json":
		data, err := json.MarshalIndent(latest.Metrics, "", "    ")
		if err != nil {
			logger.Fatalf("marshal: %+v", err)
		}
		fmt.Println(string(data))
	default:
		fmt.Printf("run %d finished at %s\n", latest.UpdateTag, latest.FinishedAt.Format(time.RFC3339))
		for k, v := range latest.Metrics {
			fmt.Printf("  %s: %v\n", k, v)
		}
	}
}

func main() {
	logger := log.New()
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if lvl, err := log.ParseLevel(*logLevel); err == nil {
		logger.Level = lvl
	}
	*output = strings.ToLower(*output)
	switch *output {
	case "json":
		logger.Out = os.Stderr
		logger.Formatter = &log.JSONFormatter{}
	}

	sess, err := newSession()
	if err != nil {
		logger.Fatalf("session: %+v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	switch cmd {
	case syncCmd.FullCommand():
		runSync(ctx, logger, sess)
	case statsCmd.FullCommand():
		showStats(ctx, logger, sess)
	default:
		logger.Fatalf("Invalid command %q", cmd)
	}
}
