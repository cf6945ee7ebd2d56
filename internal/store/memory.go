package store

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type memCollection struct {
	order   []string            // порядок вставки
	docs    map[string]Document // id -> документ
	indexes []Index
}

// Memory is an in-process Store. Documents are deep-copied on the way in and
// out, so callers never share state with the store.
type Memory struct {
	mu      sync.RWMutex
	colls   map[string]*memCollection
	entropy io.Reader
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Memory{
		colls:   make(map[string]*memCollection),
		entropy: ulid.Monotonic(src, 0),
	}
}

func (m *Memory) Name() string { return "memory" }

// newID must be called with mu held; the monotonic entropy source is not safe
// for concurrent use.
func (m *Memory) newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), m.entropy).String()
}

func (m *Memory) coll(name string) *memCollection {
	c := m.colls[name]
	if c == nil {
		c = &memCollection{docs: make(map[string]Document)}
		m.colls[name] = c
	}
	return c
}

func (m *Memory) InsertMany(_ context.Context, coll string, docs []Document) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.coll(coll)
	inserted := make([]Document, 0, len(docs))
	var failed []WriteError
	for i, d := range docs {
		doc := Clone(d)
		if doc == nil {
			doc = Document{}
		}
		id := DocID(doc)
		if id == "" {
			id = m.newID()
		}
		doc[IDField] = id
		if _, exists := c.docs[id]; exists {
			failed = append(failed, WriteError{Index: i, Err: fmt.Errorf("%w: _id %q", ErrDuplicateKey, id)})
			continue
		}
		if err := c.checkUnique(doc, ""); err != nil {
			failed = append(failed, WriteError{Index: i, Err: err})
			continue
		}
		c.docs[id] = doc
		c.order = append(c.order, id)
		inserted = append(inserted, Clone(doc))
	}
	if len(failed) > 0 {
		return inserted, &BulkError{Errors: failed}
	}
	return inserted, nil
}

// checkUnique проверяет уникальные индексы; документы без поля не участвуют
func (c *memCollection) checkUnique(doc Document, exceptID string) error {
	for _, idx := range c.indexes {
		if !idx.Unique {
			continue
		}
		key, ok := indexKey(doc, idx)
		if !ok {
			continue
		}
		for id, other := range c.docs {
			if id == exceptID {
				continue
			}
			if indexKeyEquals(other, idx, key) {
				return fmt.Errorf("%w: index %s", ErrDuplicateKey, idx.Name)
			}
		}
	}
	return nil
}

func indexKey(doc Document, idx Index) ([]any, bool) {
	key := make([]any, len(idx.Fields))
	for i, f := range idx.Fields {
		v, ok := Get(doc, f)
		if !ok || v == nil {
			return nil, false
		}
		key[i] = v
	}
	return key, true
}

func indexKeyEquals(doc Document, idx Index, key []any) bool {
	other, ok := indexKey(doc, idx)
	if !ok {
		return false
	}
	for i := range key {
		if !Equal(key[i], other[i]) {
			return false
		}
	}
	return true
}

// matching returns the documents of coll matching f in insertion order. Callers hold mu.
func (m *Memory) matching(coll string, f Filter) ([]Document, error) {
	matcher, err := NewMatcher(f)
	if err != nil {
		return nil, err
	}
	c := m.colls[coll]
	if c == nil {
		return nil, nil
	}
	var out []Document
	for _, id := range c.order {
		if d := c.docs[id]; matcher.Match(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Memory) Find(_ context.Context, coll string, f Filter, opts FindOptions) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs, err := m.matching(coll, f)
	if err != nil {
		return nil, err
	}

	SortDocuments(docs, opts.Sort)
	docs = page(docs, opts.Skip, opts.Limit)

	out := make([]Document, len(docs))
	for i, d := range docs {
		out[i] = Project(Clone(d), opts.Select)
	}
	return out, nil
}

func page(docs []Document, skip, limit int64) []Document {
	if skip > 0 {
		if skip >= int64(len(docs)) {
			return nil
		}
		docs = docs[skip:]
	}
	if limit > 0 && limit < int64(len(docs)) {
		docs = docs[:limit]
	}
	return docs
}

func (m *Memory) FindByID(_ context.Context, coll, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.colls[coll]
	if c == nil || c.docs[id] == nil {
		return nil, ErrNotFound
	}
	return Clone(c.docs[id]), nil
}

func (m *Memory) FindByIDs(_ context.Context, coll string, ids []string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.colls[coll]
	if c == nil {
		return nil, nil
	}
	out := make([]Document, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if d := c.docs[id]; d != nil {
			out = append(out, Clone(d))
		}
	}
	return out, nil
}

func (m *Memory) Count(_ context.Context, coll string, f Filter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs, err := m.matching(coll, f)
	return int64(len(docs)), err
}

func (m *Memory) UpdateByID(_ context.Context, coll, id string, upd Update) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.colls[coll]
	if c == nil || c.docs[id] == nil {
		return nil, ErrNotFound
	}
	next := Clone(c.docs[id])
	if _, err := ApplyUpdate(next, upd); err != nil {
		return nil, err
	}
	next[IDField] = id
	if err := c.checkUnique(next, id); err != nil {
		return nil, err
	}
	c.docs[id] = next
	return Clone(next), nil
}

func (m *Memory) UpdateMany(_ context.Context, coll string, f Filter, upd Update, upsert bool) (UpdateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs, err := m.matching(coll, f)
	if err != nil {
		return UpdateResult{}, err
	}
	c := m.coll(coll)
	var res UpdateResult
	for _, d := range docs {
		res.Matched++
		id := DocID(d)
		next := Clone(d)
		changed, err := ApplyUpdate(next, upd)
		if err != nil {
			return res, err
		}
		if !changed {
			continue
		}
		next[IDField] = id
		if err := c.checkUnique(next, id); err != nil {
			return res, err
		}
		c.docs[id] = next
		res.Modified++
	}

	if res.Matched == 0 && upsert {
		doc := Document{}
		seedFromFilter(doc, f)
		if _, err := ApplyUpdate(doc, upd); err != nil {
			return res, err
		}
		id := DocID(doc)
		if id == "" {
			id = m.newID()
		}
		doc[IDField] = id
		if err := c.checkUnique(doc, ""); err != nil {
			return res, err
		}
		c.docs[id] = doc
		c.order = append(c.order, id)
		res.Upserted = 1
	}
	return res, nil
}

// seedFromFilter copies equality conditions into a new upserted document.
func seedFromFilter(doc Document, f Filter) {
	switch f.Op {
	case OpEq:
		_ = setPath(doc, splitPath(f.Field), cloneValue(f.Value))
	case OpAnd:
		for _, c := range f.Children {
			seedFromFilter(doc, c)
		}
	}
}

func (m *Memory) DeleteByID(_ context.Context, coll, id string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.colls[coll]
	if c == nil || c.docs[id] == nil {
		return nil, ErrNotFound
	}
	doc := c.docs[id]
	c.remove(map[string]bool{id: true})
	return doc, nil
}

func (m *Memory) DeleteMany(_ context.Context, coll string, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.colls[coll]
	if c == nil {
		return 0, nil
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		if c.docs[id] != nil {
			drop[id] = true
		}
	}
	c.remove(drop)
	return int64(len(drop)), nil
}

func (c *memCollection) remove(ids map[string]bool) {
	if len(ids) == 0 {
		return
	}
	kept := c.order[:0]
	for _, id := range c.order {
		if ids[id] {
			delete(c.docs, id)
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
}

func (m *Memory) Distinct(_ context.Context, coll, field string, f Filter) ([]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs, err := m.matching(coll, f)
	if err != nil {
		return nil, err
	}
	return cloneValue(DistinctValues(docs, field)).([]any), nil
}

func (m *Memory) Aggregate(_ context.Context, coll string, f Filter, spec GroupSpec) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs, err := m.matching(coll, f)
	if err != nil {
		return nil, err
	}
	rows := Group(docs, spec)
	for i := range rows {
		rows[i] = Clone(rows[i])
	}
	return rows, nil
}

// EnsureIndexes replaces the index set of coll. Existing duplicates are not
// rejected retroactively.
func (m *Memory) EnsureIndexes(_ context.Context, coll string, indexes []Index) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coll(coll).indexes = append([]Index(nil), indexes...)
	return nil
}

func (m *Memory) Close(context.Context) error { return nil }
