package metadata

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
)

// CosmosConfig selects the Cosmos DB container holding every logical table.
// The container must be partitioned on /type.
type CosmosConfig struct {
	Endpoint  string
	MasterKey string
	Database  string
	Container string
}

// CosmosEngine stores all logical tables in one Cosmos DB container. The
// partition key is the table name, so every query stays in one partition.
type CosmosEngine struct {
	client *azcosmos.ContainerClient
}

// NewCosmosEngine creates a key-authenticated client for the container.
func NewCosmosEngine(cfg CosmosConfig) (*CosmosEngine, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("cosmos endpoint is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("cosmos database name is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("cosmos container name is required")
	}

	cred, err := azcosmos.NewKeyCredential(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("creating cosmos key credential: %w", err)
	}
	client, err := azcosmos.NewClientWithKey(cfg.Endpoint, cred, &azcosmos.ClientOptions{
		ClientOptions: policy.ClientOptions{},
	})
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}
	dbClient, err := client.NewDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("getting database client: %w", err)
	}
	containerClient, err := dbClient.NewContainer(cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}
	return &CosmosEngine{client: containerClient}, nil
}

func (e *CosmosEngine) Table(ctx context.Context, name string) (Table, error) {
	if err := validateTableName(name); err != nil {
		return nil, err
	}
	return &cosmosTable{client: e.client, name: name}, nil
}

func (e *CosmosEngine) Ping(ctx context.Context) error {
	_, err := e.client.Read(ctx, nil)
	return err
}

func (e *CosmosEngine) Close() error {
	return nil
}

type cosmosItem struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Row       string `json:"row"`
	Column    string `json:"column"`
	Data      string `json:"data"`
	UpdatedAt string `json:"updated_at,omitempty"`
	DeletedAt string `json:"deleted_at,omitempty"`
}

type cosmosTable struct {
	client *azcosmos.ContainerClient
	name   string
}

// docID encodes the key since Cosmos ids may not contain '/', '\', '?' or '#'.
func docID(row, column string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(row)) + "." + base64.RawURLEncoding.EncodeToString([]byte(column))
}

func isCosmosNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func (t *cosmosTable) Name() string { return t.name }

func (t *cosmosTable) marshal(table, row, column string, data []byte) ([]byte, error) {
	return json.Marshal(cosmosItem{
		ID:        docID(row, column),
		Type:      table,
		Row:       row,
		Column:    column,
		Data:      string(data),
		UpdatedAt: time.Now().UTC().Format(timeFormat),
	})
}

func (t *cosmosTable) Put(ctx context.Context, row, column string, data []byte) error {
	doc, err := t.marshal(t.name, row, column, data)
	if err != nil {
		return err
	}
	if _, err := t.client.UpsertItem(ctx, azcosmos.NewPartitionKeyString(t.name), doc, nil); err != nil {
		return fmt.Errorf("putting %s/%s: %w", row, column, err)
	}
	return nil
}

func (t *cosmosTable) Replace(ctx context.Context, row, column string, data []byte) error {
	doc, err := t.marshal(t.name, row, column, data)
	if err != nil {
		return err
	}
	_, err = t.client.ReplaceItem(ctx, azcosmos.NewPartitionKeyString(t.name), docID(row, column), doc, nil)
	if err != nil {
		if isCosmosNotFound(err) {
			return notFound(t.name, row, column)
		}
		return fmt.Errorf("updating %s/%s: %w", row, column, err)
	}
	return nil
}

func (t *cosmosTable) Get(ctx context.Context, row, column string) ([]byte, error) {
	resp, err := t.client.ReadItem(ctx, azcosmos.NewPartitionKeyString(t.name), docID(row, column), nil)
	if err != nil {
		if isCosmosNotFound(err) {
			return nil, notFound(t.name, row, column)
		}
		return nil, fmt.Errorf("getting %s/%s: %w", row, column, err)
	}
	var item cosmosItem
	if err := json.Unmarshal(resp.Value, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling %s/%s: %w", row, column, err)
	}
	return []byte(item.Data), nil
}

// Delete upserts the tombstone then removes the record. The two partitions
// cannot share a transactional batch, so a crash in between leaves both.
func (t *cosmosTable) Delete(ctx context.Context, row, column string) error {
	data, err := t.Get(ctx, row, column)
	if err != nil {
		return err
	}
	tombstones := t.name + TombstoneSuffix
	doc, err := json.Marshal(cosmosItem{
		ID:        docID(row, column),
		Type:      tombstones,
		Row:       row,
		Column:    column,
		Data:      string(data),
		DeletedAt: time.Now().UTC().Format(timeFormat),
	})
	if err != nil {
		return err
	}
	if _, err := t.client.UpsertItem(ctx, azcosmos.NewPartitionKeyString(tombstones), doc, nil); err != nil {
		return fmt.Errorf("writing tombstone for %s/%s: %w", row, column, err)
	}
	if _, err := t.client.DeleteItem(ctx, azcosmos.NewPartitionKeyString(t.name), docID(row, column), nil); err != nil {
		if isCosmosNotFound(err) {
			return notFound(t.name, row, column)
		}
		return fmt.Errorf("deleting %s/%s: %w", row, column, err)
	}
	return nil
}

func (t *cosmosTable) query(ctx context.Context, partition, query string, params []azcosmos.QueryParameter, handle func([]byte) error) error {
	pager := t.client.NewQueryItemsPager(query, azcosmos.NewPartitionKeyString(partition), &azcosmos.QueryOptions{
		QueryParameters: params,
	})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("querying %s: %w", partition, err)
		}
		for _, item := range resp.Items {
			if err := handle(item); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *cosmosTable) Scan(ctx context.Context, row string) ([]Row, error) {
	query := "SELECT * FROM c"
	var params []azcosmos.QueryParameter
	if row != "" {
		query += " WHERE c.row = @row"
		params = append(params, azcosmos.QueryParameter{Name: "@row", Value: row})
	}

	var out []Row
	err := t.query(ctx, t.name, query, params, func(raw []byte) error {
		var item cosmosItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return fmt.Errorf("unmarshaling %s item: %w", t.name, err)
		}
		out = append(out, Row{Row: item.Row, Column: item.Column, Data: []byte(item.Data)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRows(out)
	return out, nil
}

func (t *cosmosTable) Rows(ctx context.Context) ([]string, error) {
	var rows []string
	err := t.query(ctx, t.name, "SELECT DISTINCT VALUE c.row FROM c", nil, func(raw []byte) error {
		var row string
		if err := json.Unmarshal(raw, &row); err != nil {
			return err
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(rows)
	return slices.Compact(rows), nil
}

func (t *cosmosTable) Clear(ctx context.Context) error {
	for _, partition := range []string{t.name, t.name + TombstoneSuffix} {
		var ids []string
		err := t.query(ctx, partition, "SELECT VALUE c.id FROM c", nil, func(raw []byte) error {
			var id string
			if err := json.Unmarshal(raw, &id); err != nil {
				return err
			}
			ids = append(ids, id)
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range ids {
			_, err := t.client.DeleteItem(ctx, azcosmos.NewPartitionKeyString(partition), id, nil)
			if err != nil && !isCosmosNotFound(err) {
				return fmt.Errorf("clearing %s: %w", partition, err)
			}
		}
	}
	return nil
}

var (
	_ Engine = (*CosmosEngine)(nil)
	_ Table  = (*cosmosTable)(nil)
)
