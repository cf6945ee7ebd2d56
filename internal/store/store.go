// Package store defines the document persistence contract shared by the
// memory, MongoDB and PostgreSQL backends.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Document is a stored record. `_id` is always a string at this level.
type Document = map[string]any

// IDField is the primary key path.
const IDField = "_id"

var (
	ErrNotFound     = errors.New("store: document not found")
	ErrDuplicateKey = errors.New("store: duplicate key")
)

// SortField is one key of a sort specification.
type SortField struct {
	Field string
	Desc  bool
}

// FindOptions tunes Find. Limit 0 means no limit.
type FindOptions struct {
	Sort   []SortField
	Skip   int64
	Limit  int64
	Select []string
}

// UpdateResult reports the outcome of UpdateMany.
type UpdateResult struct {
	Matched  int64 `json:"matched"`
	Modified int64 `json:"modified"`
	Upserted int64 `json:"upserted"`
}

// Index describes a secondary index. Unique indexes skip documents missing the field.
type Index struct {
	Name   string
	Fields []string
	Unique bool
}

// GroupSpec describes a grouped aggregation. An empty By groups everything.
type GroupSpec struct {
	By  []string
	Sum []string
	Avg []string
	Min []string
	Max []string
}

// WriteError is a per-item failure of an unordered bulk insert.
type WriteError struct {
	Index int   `json:"index"`
	Err   error `json:"-"`
}

func (w WriteError) Error() string { return fmt.Sprintf("item %d: %v", w.Index, w.Err) }

// BulkError is returned by InsertMany when some items failed. The items that
// did not fail are persisted.
type BulkError struct {
	Errors []WriteError
}

func (e *BulkError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, we := range e.Errors {
		parts[i] = we.Error()
	}
	return "store: bulk write failed: " + strings.Join(parts, "; ")
}

// Failed returns the set of failed item indexes.
func (e *BulkError) Failed() map[int]error {
	out := make(map[int]error, len(e.Errors))
	for _, we := range e.Errors {
		out[we.Index] = we.Err
	}
	return out
}

// Store is a collection-oriented document store.
type Store interface {
	Name() string

	// InsertMany inserts docs without stopping at the first failure. Missing
	// `_id` values are generated. It returns the inserted documents in input
	// order and a *BulkError listing the items that failed.
	InsertMany(ctx context.Context, coll string, docs []Document) ([]Document, error)
	Find(ctx context.Context, coll string, filter Filter, opts FindOptions) ([]Document, error)
	FindByID(ctx context.Context, coll, id string) (Document, error)
	FindByIDs(ctx context.Context, coll string, ids []string) ([]Document, error)
	Count(ctx context.Context, coll string, filter Filter) (int64, error)
	// UpdateByID applies upd and returns the updated document.
	UpdateByID(ctx context.Context, coll, id string, upd Update) (Document, error)
	UpdateMany(ctx context.Context, coll string, filter Filter, upd Update, upsert bool) (UpdateResult, error)
	// DeleteByID returns the deleted document.
	DeleteByID(ctx context.Context, coll, id string) (Document, error)
	DeleteMany(ctx context.Context, coll string, ids []string) (int64, error)
	Distinct(ctx context.Context, coll, field string, filter Filter) ([]any, error)
	Aggregate(ctx context.Context, coll string, filter Filter, spec GroupSpec) ([]Document, error)
	EnsureIndexes(ctx context.Context, coll string, indexes []Index) error
	Close(ctx context.Context) error
}

// DocID returns the string `_id` of doc.
func DocID(doc Document) string {
	if doc == nil {
		return ""
	}
	switch v := doc[IDField].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
