package metadata

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig selects the Firestore project and collection prefix.
type FirestoreConfig struct {
	ProjectID       string
	CredentialsFile string
	// CollectionPrefix is prepended to every table name. Defaults to
	// "bleepbackup_".
	CollectionPrefix string
}

// FirestoreEngine stores each table, and its tombstone table, as a
// collection. Document ids encode (row, column).
type FirestoreEngine struct {
	client *firestore.Client
	prefix string
}

// NewFirestoreEngine creates a Firestore client.
func NewFirestoreEngine(ctx context.Context, cfg FirestoreConfig) (*FirestoreEngine, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	prefix := cfg.CollectionPrefix
	if prefix == "" {
		prefix = "bleepbackup_"
	}
	return &FirestoreEngine{client: client, prefix: prefix}, nil
}

func (e *FirestoreEngine) Table(ctx context.Context, name string) (Table, error) {
	if err := validateTableName(name); err != nil {
		return nil, err
	}
	return &firestoreTable{
		client:     e.client,
		name:       name,
		records:    e.client.Collection(e.prefix + name),
		tombstones: e.client.Collection(e.prefix + name + TombstoneSuffix),
	}, nil
}

func (e *FirestoreEngine) Ping(ctx context.Context) error {
	_, err := e.client.Collections(ctx).Next()
	if err != nil && !errors.Is(err, iterator.Done) {
		return err
	}
	return nil
}

func (e *FirestoreEngine) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

type firestoreTable struct {
	client     *firestore.Client
	name       string
	records    *firestore.CollectionRef
	tombstones *firestore.CollectionRef
}

func (t *firestoreTable) Name() string { return t.name }

func firestoreNow() string {
	return time.Now().UTC().Format(timeFormat)
}

func (t *firestoreTable) Put(ctx context.Context, row, column string, data []byte) error {
	_, err := t.records.Doc(docID(row, column)).Set(ctx, map[string]any{
		"row":        row,
		"column":     column,
		"data":       string(data),
		"updated_at": firestoreNow(),
	})
	if err != nil {
		return fmt.Errorf("putting %s/%s: %w", row, column, err)
	}
	return nil
}

func (t *firestoreTable) Replace(ctx context.Context, row, column string, data []byte) error {
	_, err := t.records.Doc(docID(row, column)).Update(ctx, []firestore.Update{
		{Path: "data", Value: string(data)},
		{Path: "updated_at", Value: firestoreNow()},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return notFound(t.name, row, column)
		}
		return fmt.Errorf("updating %s/%s: %w", row, column, err)
	}
	return nil
}

func (t *firestoreTable) Get(ctx context.Context, row, column string) ([]byte, error) {
	doc, err := t.records.Doc(docID(row, column)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, notFound(t.name, row, column)
		}
		return nil, fmt.Errorf("getting %s/%s: %w", row, column, err)
	}
	return []byte(docString(doc, "data")), nil
}

// Delete moves the document to the tombstone collection in a transaction.
func (t *firestoreTable) Delete(ctx context.Context, row, column string) error {
	id := docID(row, column)
	err := t.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(t.records.Doc(id))
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return notFound(t.name, row, column)
			}
			return err
		}
		if err := tx.Set(t.tombstones.Doc(id), map[string]any{
			"row":        row,
			"column":     column,
			"data":       docString(doc, "data"),
			"deleted_at": firestoreNow(),
		}); err != nil {
			return err
		}
		return tx.Delete(t.records.Doc(id))
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting %s/%s: %w", row, column, err)
	}
	return err
}

func (t *firestoreTable) Scan(ctx context.Context, row string) ([]Row, error) {
	query := t.records.Query
	if row != "" {
		query = query.Where("row", "==", row)
	}
	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", t.name, err)
	}
	out := make([]Row, 0, len(docs))
	for _, doc := range docs {
		out = append(out, Row{
			Row:    docString(doc, "row"),
			Column: docString(doc, "column"),
			Data:   []byte(docString(doc, "data")),
		})
	}
	sortRows(out)
	return out, nil
}

func (t *firestoreTable) Rows(ctx context.Context) ([]string, error) {
	docs, err := t.records.Select("row").Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("listing rows of %s: %w", t.name, err)
	}
	rows := make([]string, 0, len(docs))
	for _, doc := range docs {
		rows = append(rows, docString(doc, "row"))
	}
	slices.Sort(rows)
	return slices.Compact(rows), nil
}

func (t *firestoreTable) Clear(ctx context.Context) error {
	bw := t.client.BulkWriter(ctx)
	for _, coll := range []*firestore.CollectionRef{t.records, t.tombstones} {
		refs, err := coll.DocumentRefs(ctx).GetAll()
		if err != nil {
			bw.End()
			return fmt.Errorf("listing %s: %w", coll.ID, err)
		}
		for _, ref := range refs {
			if _, err := bw.Delete(ref); err != nil {
				bw.End()
				return fmt.Errorf("deleting %s: %w", ref.ID, err)
			}
		}
	}
	bw.End()
	return nil
}

func docString(doc *firestore.DocumentSnapshot, field string) string {
	v, err := doc.DataAt(field)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

var (
	_ Engine = (*FirestoreEngine)(nil)
	_ Table  = (*firestoreTable)(nil)
)
