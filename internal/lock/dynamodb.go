package lock

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/juju/clock"

	"github.com/bleepstore/bleepbackup/internal/metadata"
)

// DynamoDBLeaser stores leases in the metadata DynamoDB table under
// pk = "lease#{key}", guarded by conditional writes.
type DynamoDBLeaser struct {
	client    metadata.DynamoDBAPI
	tableName string
	clock     clock.Clock
}

func NewDynamoDBLeaser(client metadata.DynamoDBAPI, tableName string, clk clock.Clock) *DynamoDBLeaser {
	if clk == nil {
		clk = clock.WallClock
	}
	return &DynamoDBLeaser{client: client, tableName: tableName, clock: clk}
}

func (d *DynamoDBLeaser) key(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: "lease#" + key},
		"sk": &types.AttributeValueMemberS{Value: "lease"},
	}
}

func (d *DynamoDBLeaser) put(ctx context.Context, key, holder string, ttl time.Duration, condition string, values map[string]types.AttributeValue) error {
	item := d.key(key)
	item["holder"] = &types.AttributeValueMemberS{Value: holder}
	item["expires_at"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(d.clock.Now().Add(ttl).UnixMilli(), 10)}
	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(d.tableName),
		Item:                      item,
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeValues: values,
	})
	return err
}

func (d *DynamoDBLeaser) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	err := d.put(ctx, key, holder, ttl,
		"attribute_not_exists(pk) OR expires_at <= :now OR holder = :holder",
		map[string]types.AttributeValue{
			":now":    &types.AttributeValueMemberN{Value: strconv.FormatInt(d.clock.Now().UnixMilli(), 10)},
			":holder": &types.AttributeValueMemberS{Value: holder},
		})
	if isConditionFailed(err) {
		return false, nil
	}
	return err == nil, err
}

func (d *DynamoDBLeaser) Renew(ctx context.Context, key, holder string, ttl time.Duration) error {
	err := d.put(ctx, key, holder, ttl, "holder = :holder",
		map[string]types.AttributeValue{":holder": &types.AttributeValueMemberS{Value: holder}})
	if isConditionFailed(err) {
		return ErrLeaseLost
	}
	return err
}

func (d *DynamoDBLeaser) Release(ctx context.Context, key, holder string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(d.tableName),
		Key:                       d.key(key),
		ConditionExpression:       aws.String("holder = :holder"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":holder": &types.AttributeValueMemberS{Value: holder}},
	})
	if isConditionFailed(err) {
		return nil
	}
	return err
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

var _ Leaser = (*DynamoDBLeaser)(nil)
