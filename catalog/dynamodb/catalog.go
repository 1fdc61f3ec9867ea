// Package dynamodb implements catalog.Catalog on a DynamoDB table, using
// conditional writes for compare-and-swap commits.
//
// Table schema:
//   - Partition key: partition (string)
//   - Sort key: version (number)
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name docindex-versions \
//	  --attribute-definitions AttributeName=partition,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=partition,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/docindex/catalog"
	"github.com/hupe1980/docindex/model"
)

// Client is the interface for DynamoDB operations.
type Client interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Catalog publishes versions of one partition.
type Catalog struct {
	client    Client
	tableName string
	partition string
	now       func() time.Time
}

// New creates a catalog for partition in tableName.
func New(client Client, tableName, partition string) *Catalog {
	return &Catalog{
		client:    client,
		tableName: tableName,
		partition: partition,
		now:       time.Now,
	}
}

// NewFromEnv creates a catalog using the default AWS configuration chain.
func NewFromEnv(ctx context.Context, tableName, partition string) (*Catalog, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return New(dynamodb.NewFromConfig(cfg), tableName, partition), nil
}

// Latest queries the highest committed version.
func (c *Catalog) Latest(ctx context.Context) (model.VersionID, error) {
	resp, err := c.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("#p = :p"),
		ExpressionAttributeNames: map[string]string{
			"#p": "partition",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p": &types.AttributeValueMemberS{Value: c.partition},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, fmt.Errorf("query latest version: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, nil
	}

	attr, ok := resp.Items[0]["version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, errors.New("invalid version attribute in DynamoDB")
	}
	id, err := strconv.ParseUint(attr.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse version: %w", err)
	}
	return model.VersionID(id), nil
}

// Commit records id. The conditional write fails if another writer already
// committed the same id.
func (c *Catalog) Commit(ctx context.Context, id model.VersionID) error {
	latest, err := c.Latest(ctx)
	if err != nil {
		return err
	}
	if id <= latest {
		return fmt.Errorf("%w: %d <= %d", catalog.ErrStaleCommit, id, latest)
	}

	_, err = c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"partition":    &types.AttributeValueMemberS{Value: c.partition},
			"version":      &types.AttributeValueMemberN{Value: strconv.FormatUint(uint64(id), 10)},
			"committed_at": &types.AttributeValueMemberS{Value: c.now().UTC().Format(time.RFC3339Nano)},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return catalog.ErrConcurrentModification
		}
		return fmt.Errorf("commit version to DynamoDB: %w", err)
	}
	return nil
}
