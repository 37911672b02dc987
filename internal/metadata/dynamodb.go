package metadata

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBAPI is the subset of the DynamoDB client the engine uses. This
// allows mocking in tests.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBConfig selects the DynamoDB table holding every logical table.
type DynamoDBConfig struct {
	Table       string
	Region      string
	EndpointURL string
}

// DynamoDBEngine stores all logical tables in one DynamoDB table:
//
//	pk = {table}#{row}     sk = {column}
//	pk = {table}_deleted#{row} for tombstones
type DynamoDBEngine struct {
	client    DynamoDBAPI
	tableName string
}

// NewDynamoDBEngine loads the default AWS configuration and creates a client.
func NewDynamoDBEngine(ctx context.Context, cfg DynamoDBConfig) (*DynamoDBEngine, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}
	return NewDynamoDBEngineWithClient(cfg.Table, dynamodb.NewFromConfig(awsCfg)), nil
}

// NewDynamoDBEngineWithClient creates an engine with a pre-configured client.
// This is primarily used for testing with mock clients.
func NewDynamoDBEngineWithClient(tableName string, client DynamoDBAPI) *DynamoDBEngine {
	return &DynamoDBEngine{client: client, tableName: tableName}
}

// Client exposes the DynamoDB client so the lease table can share it.
func (e *DynamoDBEngine) Client() DynamoDBAPI { return e.client }

// TableName returns the physical DynamoDB table name.
func (e *DynamoDBEngine) TableName() string { return e.tableName }

func (e *DynamoDBEngine) Table(ctx context.Context, name string) (Table, error) {
	if err := validateTableName(name); err != nil {
		return nil, err
	}
	return &dynamoTable{client: e.client, tableName: e.tableName, name: name}, nil
}

func (e *DynamoDBEngine) Ping(ctx context.Context) error {
	_, err := e.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(e.tableName),
	})
	return err
}

func (e *DynamoDBEngine) Close() error {
	return nil
}

type dynamoTable struct {
	client    DynamoDBAPI
	tableName string
	name      string
}

func (t *dynamoTable) pk(table, row string) string {
	return table + "#" + row
}

func (t *dynamoTable) key(table, row, column string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: t.pk(table, row)},
		"sk": &types.AttributeValueMemberS{Value: column},
	}
}

func (t *dynamoTable) item(table, row, column string, data []byte) map[string]types.AttributeValue {
	item := t.key(table, row, column)
	item["tbl"] = &types.AttributeValueMemberS{Value: table}
	item["row"] = &types.AttributeValueMemberS{Value: row}
	item["data"] = &types.AttributeValueMemberS{Value: string(data)}
	item["updated_at"] = &types.AttributeValueMemberS{Value: time.Now().UTC().Format(timeFormat)}
	return item
}

func (t *dynamoTable) Name() string { return t.name }

func (t *dynamoTable) Put(ctx context.Context, row, column string, data []byte) error {
	_, err := t.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(t.tableName),
		Item:      t.item(t.name, row, column, data),
	})
	if err != nil {
		return fmt.Errorf("putting %s/%s: %w", row, column, err)
	}
	return nil
}

func (t *dynamoTable) Replace(ctx context.Context, row, column string, data []byte) error {
	_, err := t.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(t.tableName),
		Item:                t.item(t.name, row, column, data),
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return notFound(t.name, row, column)
		}
		return fmt.Errorf("updating %s/%s: %w", row, column, err)
	}
	return nil
}

func (t *dynamoTable) Get(ctx context.Context, row, column string) ([]byte, error) {
	resp, err := t.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(t.tableName),
		Key:            t.key(t.name, row, column),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting %s/%s: %w", row, column, err)
	}
	if resp.Item == nil {
		return nil, notFound(t.name, row, column)
	}
	return []byte(getString(resp.Item, "data")), nil
}

// Delete writes the tombstone and removes the record in one transaction.
func (t *dynamoTable) Delete(ctx context.Context, row, column string) error {
	data, err := t.Get(ctx, row, column)
	if err != nil {
		return err
	}
	tombstone := t.item(t.name+TombstoneSuffix, row, column, data)
	tombstone["deleted_at"] = &types.AttributeValueMemberS{Value: time.Now().UTC().Format(timeFormat)}

	_, err = t.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName: aws.String(t.tableName),
				Item:      tombstone,
			}},
			{Delete: &types.Delete{
				TableName:           aws.String(t.tableName),
				Key:                 t.key(t.name, row, column),
				ConditionExpression: aws.String("attribute_exists(pk)"),
			}},
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			for _, reason := range tce.CancellationReasons {
				if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
					return notFound(t.name, row, column)
				}
			}
		}
		return fmt.Errorf("deleting %s/%s: %w", row, column, err)
	}
	return nil
}

func (t *dynamoTable) Scan(ctx context.Context, row string) ([]Row, error) {
	var items []map[string]types.AttributeValue
	var err error
	if row != "" {
		items, err = t.queryRow(ctx, row)
	} else {
		items, err = t.scanTables(ctx, nil, t.name)
	}
	if err != nil {
		return nil, err
	}

	out := make([]Row, 0, len(items))
	for _, item := range items {
		out = append(out, Row{
			Row:    getString(item, "row"),
			Column: getString(item, "sk"),
			Data:   []byte(getString(item, "data")),
		})
	}
	sortRows(out)
	return out, nil
}

func (t *dynamoTable) queryRow(ctx context.Context, row string) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		resp, err := t.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(t.tableName),
			KeyConditionExpression: aws.String("pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: t.pk(t.name, row)},
			},
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("querying %s/%s: %w", t.name, row, err)
		}
		items = append(items, resp.Items...)
		if len(resp.LastEvaluatedKey) == 0 {
			return items, nil
		}
		startKey = resp.LastEvaluatedKey
	}
}

// scanTables scans every item whose tbl attribute is one of tables.
func (t *dynamoTable) scanTables(ctx context.Context, projection *string, tables ...string) ([]map[string]types.AttributeValue, error) {
	filter := "tbl = :t0"
	values := map[string]types.AttributeValue{
		":t0": &types.AttributeValueMemberS{Value: tables[0]},
	}
	for i, name := range tables[1:] {
		placeholder := fmt.Sprintf(":t%d", i+1)
		filter += " OR tbl = " + placeholder
		values[placeholder] = &types.AttributeValueMemberS{Value: name}
	}

	var names map[string]string
	if projection != nil {
		// row is a reserved word.
		names = map[string]string{"#r": "row"}
	}

	var items []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		resp, err := t.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(t.tableName),
			FilterExpression:          aws.String(filter),
			ExpressionAttributeValues: values,
			ExpressionAttributeNames:  names,
			ProjectionExpression:      projection,
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", t.name, err)
		}
		items = append(items, resp.Items...)
		if len(resp.LastEvaluatedKey) == 0 {
			return items, nil
		}
		startKey = resp.LastEvaluatedKey
	}
}

func (t *dynamoTable) Rows(ctx context.Context) ([]string, error) {
	items, err := t.scanTables(ctx, aws.String("pk, sk, #r"), t.name)
	if err != nil {
		return nil, err
	}
	var rows []string
	for _, item := range items {
		rows = append(rows, getString(item, "row"))
	}
	slices.Sort(rows)
	return slices.Compact(rows), nil
}

// Clear deletes the table's records and tombstones in batches of 25, the
// BatchWriteItem limit.
func (t *dynamoTable) Clear(ctx context.Context) error {
	items, err := t.scanTables(ctx, aws.String("pk, sk, #r"), t.name, t.name+TombstoneSuffix)
	if err != nil {
		return err
	}
	for start := 0; start < len(items); start += 25 {
		batch := items[start:min(start+25, len(items))]
		requests := make([]types.WriteRequest, 0, len(batch))
		for _, item := range batch {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: map[string]types.AttributeValue{
					"pk": item["pk"],
					"sk": item["sk"],
				}},
			})
		}
		pending := map[string][]types.WriteRequest{t.tableName: requests}
		for len(pending) > 0 {
			resp, err := t.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return fmt.Errorf("clearing %s: %w", t.name, err)
			}
			pending = resp.UnprocessedItems
		}
	}
	return nil
}

func getString(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key]; ok {
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			return s.Value
		}
	}
	return ""
}

var (
	_ Engine = (*DynamoDBEngine)(nil)
	_ Table  = (*dynamoTable)(nil)
)
