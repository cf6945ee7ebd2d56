// Package pgstore keeps documents as jsonb rows in PostgreSQL, one table per
// collection.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"dynadmin/internal/store"
)

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	db  *sql.DB
	log *zap.Logger

	mu      sync.Mutex
	tables  map[string]bool
	entropy io.Reader
}

var _ store.Store = (*Store)(nil)

// New wraps an open database handle.
func New(db *sql.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Store{
		db:      db,
		log:     log,
		tables:  map[string]bool{},
		entropy: ulid.Monotonic(src, 0),
	}
}

// Open connects with cfg and returns a ready store.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*Store, error) {
	db, err := Connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	return New(db, log), nil
}

func (s *Store) Name() string { return "postgres" }

func (s *Store) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// table returns the table of coll, creating it on first use.
func (s *Store) table(ctx context.Context, coll string) (string, error) {
	t := safeTable(coll)
	s.mu.Lock()
	ready := s.tables[t]
	s.mu.Unlock()
	if ready {
		return t, nil
	}
	if err := applyDDL(ctx, s.db, s.log, []string{tableDDL(t)}); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.tables[t] = true
	s.mu.Unlock()
	return t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func wrapWrite(err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", store.ErrDuplicateKey, err)
	}
	return err
}

// InsertMany inserts row by row outside a transaction, so one failing item
// does not roll back the others.
func (s *Store) InsertMany(ctx context.Context, coll string, docs []store.Document) ([]store.Document, error) {
	t, err := s.table(ctx, coll)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`insert into %s (id, doc) values ($1, $2::jsonb)`, sqlIdent(t))

	inserted := make([]store.Document, 0, len(docs))
	var bulk store.BulkError
	for i, d := range docs {
		doc := store.Clone(d)
		if doc == nil {
			doc = store.Document{}
		}
		id := store.DocID(doc)
		if id == "" {
			id = s.newID()
		}
		doc[store.IDField] = id
		raw, err := marshalDoc(doc)
		if err != nil {
			bulk.Errors = append(bulk.Errors, store.WriteError{Index: i, Err: err})
			continue
		}
		if _, err := s.db.ExecContext(ctx, q, id, string(raw)); err != nil {
			if ctx.Err() != nil {
				return inserted, ctx.Err()
			}
			bulk.Errors = append(bulk.Errors, store.WriteError{Index: i, Err: wrapWrite(err)})
			continue
		}
		inserted = append(inserted, doc)
	}
	if len(bulk.Errors) > 0 {
		return inserted, &bulk
	}
	return inserted, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]store.Document, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Document
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		doc, err := unmarshalDoc(id, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *Store) Find(ctx context.Context, coll string, f store.Filter, opts store.FindOptions) ([]store.Document, error) {
	t, err := s.table(ctx, coll)
	if err != nil {
		return nil, err
	}
	b := &builder{}
	where, err := b.where(f)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`select id, doc from %s where %s order by %s`, sqlIdent(t), where, b.orderBy(opts.Sort))
	if opts.Limit > 0 {
		q += " limit " + b.arg(opts.Limit)
	}
	if opts.Skip > 0 {
		q += " offset " + b.arg(opts.Skip)
	}
	docs, err := s.query(ctx, q, b.args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: find in %s: %w", coll, err)
	}
	if len(opts.Select) > 0 {
		for i, d := range docs {
			docs[i] = store.Project(d, opts.Select)
		}
	}
	return docs, nil
}

func (s *Store) FindByID(ctx context.Context, coll, id string) (store.Document, error) {
	t, err := s.table(ctx, coll)
	if err != nil {
		return nil, err
	}
	var raw []byte
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`select doc from %s where id = $1`, sqlIdent(t)), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: find %s/%s: %w", coll, id, err)
	}
	return unmarshalDoc(id, raw)
}

func (s *Store) FindByIDs(ctx context.Context, coll string, ids []string) ([]store.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.Find(ctx, coll, store.In(store.IDField, toAny(ids)), store.FindOptions{})
}

func (s *Store) Count(ctx context.Context, coll string, f store.Filter) (int64, error) {
	t, err := s.table(ctx, coll)
	if err != nil {
		return 0, err
	}
	b := &builder{}
	where, err := b.where(f)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`select count(*) from %s where %s`, sqlIdent(t), where), b.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("pgstore: count %s: %w", coll, err)
	}
	return n, nil
}

// UpdateByID locks the row, applies upd in Go and writes the result back.
func (s *Store) UpdateByID(ctx context.Context, coll, id string, upd store.Update) (store.Document, error) {
	t, err := s.table(ctx, coll)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`select doc from %s where id = $1 for update`, sqlIdent(t)), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: update %s/%s: %w", coll, id, err)
	}
	doc, err := unmarshalDoc(id, raw)
	if err != nil {
		return nil, err
	}
	if _, err := store.ApplyUpdate(doc, upd); err != nil {
		return nil, err
	}
	doc[store.IDField] = id
	if err := writeDoc(ctx, tx, t, doc); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapWrite(err)
	}
	return doc, nil
}

func writeDoc(ctx context.Context, tx *sql.Tx, table string, doc store.Document) error {
	raw, err := marshalDoc(doc)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf(`update %s set doc = $2::jsonb, updated_at = now() where id = $1`, sqlIdent(table)),
		store.DocID(doc), string(raw))
	return wrapWrite(err)
}

func (s *Store) UpdateMany(ctx context.Context, coll string, f store.Filter, upd store.Update, upsert bool) (store.UpdateResult, error) {
	t, err := s.table(ctx, coll)
	if err != nil {
		return store.UpdateResult{}, err
	}
	b := &builder{}
	where, err := b.where(f)
	if err != nil {
		return store.UpdateResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.UpdateResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`select id, doc from %s where %s for update`, sqlIdent(t), where), b.args...)
	if err != nil {
		return store.UpdateResult{}, fmt.Errorf("pgstore: update many in %s: %w", coll, err)
	}
	var docs []store.Document
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return store.UpdateResult{}, err
		}
		doc, err := unmarshalDoc(id, raw)
		if err != nil {
			rows.Close()
			return store.UpdateResult{}, err
		}
		docs = append(docs, doc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return store.UpdateResult{}, err
	}

	var res store.UpdateResult
	for _, doc := range docs {
		res.Matched++
		changed, err := store.ApplyUpdate(doc, upd)
		if err != nil {
			return store.UpdateResult{}, err
		}
		if !changed {
			continue
		}
		if err := writeDoc(ctx, tx, t, doc); err != nil {
			return store.UpdateResult{}, err
		}
		res.Modified++
	}

	if res.Matched == 0 && upsert {
		doc := store.Document{}
		for k, v := range equalities(f) {
			doc[k] = v
		}
		if _, err := store.ApplyUpdate(doc, upd); err != nil {
			return store.UpdateResult{}, err
		}
		id := store.DocID(doc)
		if id == "" {
			id = s.newID()
		}
		doc[store.IDField] = id
		raw, err := marshalDoc(doc)
		if err != nil {
			return store.UpdateResult{}, err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`insert into %s (id, doc) values ($1, $2::jsonb)`, sqlIdent(t)), id, string(raw)); err != nil {
			return store.UpdateResult{}, wrapWrite(err)
		}
		res.Upserted = 1
	}

	if err := tx.Commit(); err != nil {
		return store.UpdateResult{}, wrapWrite(err)
	}
	return res, nil
}

// equalities collects top-level equality conditions to seed an upsert.
func equalities(f store.Filter) map[string]any {
	out := map[string]any{}
	switch f.Op {
	case store.OpEq:
		if !strings.Contains(f.Field, ".") {
			out[f.Field] = f.Value
		}
	case store.OpAnd:
		for _, c := range f.Children {
			for k, v := range equalities(c) {
				out[k] = v
			}
		}
	}
	return out
}

func (s *Store) DeleteByID(ctx context.Context, coll, id string) (store.Document, error) {
	t, err := s.table(ctx, coll)
	if err != nil {
		return nil, err
	}
	var raw []byte
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`delete from %s where id = $1 returning doc`, sqlIdent(t)), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: delete %s/%s: %w", coll, id, err)
	}
	return unmarshalDoc(id, raw)
}

func (s *Store) DeleteMany(ctx context.Context, coll string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	t, err := s.table(ctx, coll)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`delete from %s where id = any($1)`, sqlIdent(t)), ids)
	if err != nil {
		return 0, fmt.Errorf("pgstore: delete many in %s: %w", coll, err)
	}
	return res.RowsAffected()
}

// Distinct and Aggregate evaluate over the matching documents in Go; jsonb
// has no equivalent of array-flattening distinct or the accumulator set.
func (s *Store) Distinct(ctx context.Context, coll, field string, f store.Filter) ([]any, error) {
	docs, err := s.Find(ctx, coll, f, store.FindOptions{})
	if err != nil {
		return nil, err
	}
	return store.DistinctValues(docs, field), nil
}

func (s *Store) Aggregate(ctx context.Context, coll string, f store.Filter, spec store.GroupSpec) ([]store.Document, error) {
	docs, err := s.Find(ctx, coll, f, store.FindOptions{})
	if err != nil {
		return nil, err
	}
	return store.Group(docs, spec), nil
}

func (s *Store) EnsureIndexes(ctx context.Context, coll string, indexes []store.Index) error {
	t, err := s.table(ctx, coll)
	if err != nil {
		return err
	}
	stmts := make([]string, 0, len(indexes))
	for _, idx := range indexes {
		stmts = append(stmts, indexDDL(t, idx))
	}
	return applyDDL(ctx, s.db, s.log, stmts)
}

func (s *Store) Close(context.Context) error { return s.db.Close() }

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
