package dynamodb

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	awsdynamodb "github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/grid-x/aws-snapshot-graph/pkg/datastore"
)

const (
	primaryKey = "stats_key"
	rangeKey   = "update_tag"
)

// ErrNotFound is returned if no stats are stored for a key
var ErrNotFound = errors.New("no run stats found")

// DynamoDB represents a datastore that uses dynamodb under the hood
type DynamoDB struct {
	table  string
	client dynamodbiface.DynamoDBAPI

	logger log.FieldLogger
}

type item struct {
	Key        string                 `dynamodbav:"stats_key"`
	UpdateTag  int64                  `dynamodbav:"update_tag"`
	Group      string                 `dynamodbav:"stats_group"`
	AccountID  string                 `dynamodbav:"account_id"`
	FinishedAt int64                  `dynamodbav:"finished_at"`
	Metrics    map[string]interface{} `dynamodbav:"metrics"`
}

func hashKey(k datastore.StatsKey) string {
	return k.AccountID + "/" + k.Group
}

// New creates a new DynamoDB-based datastore
func New(client dynamodbiface.DynamoDBAPI, table string) *DynamoDB {
	return &DynamoDB{
		table:  table,
		client: client,
		logger: log.New().WithFields(log.Fields{
			"component": "datastore",
			"datastore": "dynamodb",
		}),
	}
}

// StoreRunStats stores the given run stats in the datastore
func (d *DynamoDB) StoreRunStats(ctx context.Context, stats *datastore.RunStats) error {

	record := &item{
		Key:        hashKey(stats.Key),
		UpdateTag:  stats.UpdateTag,
		Group:      stats.Key.Group,
		AccountID:  stats.Key.AccountID,
		FinishedAt: stats.FinishedAt.Unix(),
		Metrics:    stats.Metrics,
	}

	logger := d.logger.WithFields(log.Fields{
		"group":      stats.Key.Group,
		"account":    stats.Key.AccountID,
		"update-tag": stats.UpdateTag,
	})

	av, err := dynamodbattribute.MarshalMap(record)
	if err != nil {
		return errors.Wrap(err, "marshalling run stats")
	}

	logger.Info("trying to put item into dynamodb table...")
	_, err = d.client.PutItemWithContext(ctx, &awsdynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      av,
	})
	if err != nil {
		return errors.Wrapf(err, "putting run stats into %s", d.table)
	}
	logger.Info("successfully added item to table")
	return nil
}

// GetLatestRunStats returns the stats of the most recent run found in the
// datastore
func (d *DynamoDB) GetLatestRunStats(ctx context.Context, key datastore.StatsKey) (*datastore.RunStats, error) {
	logger := d.logger.WithFields(log.Fields{
		"group":   key.Group,
		"account": key.AccountID,
	})
	logger.Info("Trying to get latest run stats...")
	out, err := d.client.QueryWithContext(ctx, &awsdynamodb.QueryInput{
		TableName:              aws.String(d.table),
		KeyConditionExpression: aws.String(primaryKey + " = :stats_key and " + rangeKey + " >= :update_tag"),
		ExpressionAttributeValues: map[string]*awsdynamodb.AttributeValue{
			":stats_key": {
				S: aws.String(hashKey(key)),
			},
			":update_tag": {
				N: aws.String(strconv.FormatInt(0, 10)),
			},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int64(1),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "querying %s", d.table)
	}

	var items []*item
	if err := dynamodbattribute.UnmarshalListOfMaps(out.Items, &items); err != nil {
		return nil, errors.Wrap(err, "unmarshalling run stats")
	}

	if len(items) <= 0 {
		return nil, ErrNotFound
	}

	logger.Info("found latest run stats...")

	last := items[0]
	return &datastore.RunStats{
		Key: datastore.StatsKey{
			Group:     last.Group,
			AccountID: last.AccountID,
		},
		UpdateTag:  last.UpdateTag,
		FinishedAt: time.Unix(last.FinishedAt, 0),
		Metrics:    last.Metrics,
	}, nil
}
