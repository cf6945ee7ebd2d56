package query

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynadmin/internal/dsl"
	"dynadmin/internal/registry"
	"dynadmin/internal/store"
)

func productModel(t *testing.T) *registry.Model {
	t.Helper()
	raw, err := dsl.ParseJSON([]byte(`{"products": {"schema": {
		"name": "String",
		"code": "String",
		"price": "Number",
		"isActive": "Boolean",
		"releasedAt": "Date",
		"tags": ["String"],
		"category": {"type": "ObjectId", "ref": "categories"},
		"extra": "Mixed"
	}}}`))
	require.NoError(t, err)
	reg := registry.New(nil, nil)
	_, err = reg.Reload(context.Background(), raw.(*dsl.Object))
	require.NoError(t, err)
	m, ok := reg.Get("products")
	require.True(t, ok)
	return m
}

func mustQuery(t *testing.T, raw string) url.Values {
	t.Helper()
	q, err := url.ParseQuery(raw)
	require.NoError(t, err)
	return q
}

func matches(t *testing.T, f store.Filter, doc store.Document) bool {
	t.Helper()
	m, err := store.NewMatcher(f)
	require.NoError(t, err)
	return m.Match(doc)
}

func TestSmartCast(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"true", true},
		{"false", false},
		{" true ", true},
		{"True", "True"},
		{"42", 42.0},
		{"-3.5", -3.5},
		{"1e3", 1000.0},
		{"0x10", 16.0},
		{"007", 7.0},
		{"12abc", "12abc"},
		{"NaN", "NaN"},
		{"Infinity", "Infinity"},
		{"1_000", "1_000"},
		{" spaced ", "spaced"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SmartCast(tt.in), "%q", tt.in)
	}
}

func TestCompileFilterWithoutModel(t *testing.T) {
	f := CompileFilter(mustQuery(t, "status=active,pending&isActive=true&page=2&limit=5&sort=-x&select=a&populate=none&empty="), nil)
	assert.Equal(t, store.And(
		store.Eq("isActive", true),
		store.In("status", []any{"active", "pending"}),
	), f)

	assert.True(t, matches(t, f, store.Document{"status": "pending", "isActive": true}))
	assert.False(t, matches(t, f, store.Document{"status": "pend", "isActive": true}))
	assert.False(t, matches(t, f, store.Document{"status": "active pending", "isActive": true}))
	assert.False(t, matches(t, f, store.Document{"status": "active", "isActive": "true"}))
}

func TestCompileFilterEmptyQueryMatchesAll(t *testing.T) {
	assert.True(t, CompileFilter(url.Values{}, nil).IsAll())
	assert.True(t, CompileFilter(mustQuery(t, "page=1&name="), nil).IsAll())
}

func TestCompileFilterUsesFirstValue(t *testing.T) {
	f := CompileFilter(url.Values{"n": {"1", "2"}}, nil)
	assert.Equal(t, store.Eq("n", 1.0), f)
}

func TestCompileFilterSchemaAware(t *testing.T) {
	m := productModel(t)
	f := CompileFilter(mustQuery(t, "code=007&price=10,20&isActive=1&releasedAt=2024-03-01&tags=a,b&extra=5&_id=42&unknown=false"), m)

	want := store.And(
		store.Eq("_id", "42"),
		store.Eq("code", "007"),
		store.Eq("extra", 5.0),
		store.Eq("isActive", true),
		store.In("price", []any{10.0, 20.0}),
		store.Eq("releasedAt", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)),
		store.In("tags", []any{"a", "b"}),
		store.Eq("unknown", false),
	)
	assert.Equal(t, want, f)
}

func TestCompileFilterSchemaCastFallsBack(t *testing.T) {
	m := productModel(t)
	f := CompileFilter(mustQuery(t, "price=cheap&createdAt=soon"), m)
	assert.Equal(t, store.And(store.Eq("createdAt", "soon"), store.Eq("price", "cheap")), f)
}

func TestSearch(t *testing.T) {
	q := mustQuery(t, "search=FOO&searchFields=name,%20code,,&status=open")
	f := CompileFilter(q, nil)

	assert.True(t, matches(t, f, store.Document{"name": "a foo b", "status": "open"}))
	assert.True(t, matches(t, f, store.Document{"code": "xFoO", "status": "open"}))
	assert.False(t, matches(t, f, store.Document{"name": "bar", "code": "baz", "status": "open"}))
	assert.False(t, matches(t, f, store.Document{"name": "foo", "status": "closed"}))

	// regex metacharacters are literal
	lit := Search(mustQuery(t, "search=a.c&searchFields=name"))
	assert.True(t, matches(t, lit, store.Document{"name": "xA.Cx"}))
	assert.False(t, matches(t, lit, store.Document{"name": "abc"}))

	assert.True(t, Search(mustQuery(t, "search=foo")).IsAll())
	assert.True(t, Search(mustQuery(t, "searchFields=name")).IsAll())
	assert.True(t, Search(mustQuery(t, "search=%20&searchFields=name")).IsAll())
	assert.True(t, Search(mustQuery(t, "search=x&searchFields=,%20,")).IsAll())
}

func TestFilterKeyOrderDoesNotMatter(t *testing.T) {
	a := CompileFilter(mustQuery(t, "a=1&b=2&c=x,y"), nil)
	b := CompileFilter(mustQuery(t, "c=x,y&b=2&a=1"), nil)
	assert.Equal(t, a, b)
}

func TestParseList(t *testing.T) {
	m := productModel(t)

	p := ParseList(mustQuery(t, ""), m)
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, DefaultLimit, p.Limit)
	assert.Equal(t, []store.SortField{{Field: "createdAt", Desc: true}}, p.Sort)
	assert.False(t, p.PopulateSet)
	assert.True(t, p.Filter.IsAll())

	p = ParseList(mustQuery(t, "page=3&limit=2&sort=-stock,name+price&select=name,price&populate=category&price=10"), m)
	assert.Equal(t, 3, p.Page)
	assert.Equal(t, 2, p.Limit)
	assert.Equal(t, []store.SortField{{Field: "stock", Desc: true}, {Field: "name"}, {Field: "price"}}, p.Sort)
	assert.Equal(t, []string{"name", "price"}, p.Select)
	assert.True(t, p.PopulateSet)
	assert.Equal(t, "category", p.Populate)
	assert.Equal(t, store.Eq("price", 10.0), p.Filter)
	assert.Equal(t, store.FindOptions{Sort: p.Sort, Skip: 4, Limit: 2, Select: p.Select}, p.FindOptions())
}

func TestParseListClamps(t *testing.T) {
	tests := []struct {
		query       string
		page, limit int
	}{
		{"page=0&limit=0", 1, 1},
		{"page=-4&limit=-1", 1, 1},
		{"limit=1000", 1, MaxLimit},
		{"page=abc&limit=xyz", 1, DefaultLimit},
		{"page=2abc&limit=15items", 2, 15},
	}
	for _, tt := range tests {
		p := ParseList(mustQuery(t, tt.query), nil)
		assert.Equal(t, tt.page, p.Page, tt.query)
		assert.Equal(t, tt.limit, p.Limit, tt.query)
	}
}

func TestTotalPages(t *testing.T) {
	p := ListParams{Page: 1, Limit: 20}
	assert.Equal(t, int64(1), p.TotalPages(0))
	assert.Equal(t, int64(1), p.TotalPages(20))
	assert.Equal(t, int64(2), p.TotalPages(21))
}

func TestParseSortWithoutTimestamps(t *testing.T) {
	assert.Nil(t, ParseSort("", nil))
	assert.Nil(t, ParseSort(" , - ", nil))
	assert.Equal(t, []store.SortField{{Field: "a"}, {Field: "b", Desc: true}}, ParseSort("+a -b", nil))
}

func TestParseExport(t *testing.T) {
	p := ParseExport(mustQuery(t, "format=CSV&name=lamp"), nil)
	assert.Equal(t, FormatCSV, p.Format)
	assert.Equal(t, DefaultExportLimit, p.Limit)
	assert.Equal(t, store.Eq("name", "lamp"), p.Filter)

	p = ParseExport(mustQuery(t, "format=xml&limit=999999"), nil)
	assert.Equal(t, FormatJSON, p.Format)
	assert.Equal(t, MaxExportLimit, p.Limit)
	assert.Equal(t, store.FindOptions{Limit: MaxExportLimit}, p.FindOptions())
}

func TestParseStats(t *testing.T) {
	spec, f, err := ParseStats(mustQuery(t, "groupBy=categoryId,%20status&sum=stock&avg=price&min=price&max=price&status=open"), nil)
	require.NoError(t, err)
	assert.Equal(t, store.GroupSpec{
		By:  []string{"categoryId", "status"},
		Sum: []string{"stock"},
		Avg: []string{"price"},
		Min: []string{"price"},
		Max: []string{"price"},
	}, spec)
	assert.Equal(t, store.Eq("status", "open"), f)

	_, _, err = ParseStats(mustQuery(t, "sum=stock"), nil)
	var pe *ParamError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "Query param 'groupBy' is required", pe.Error())

	_, _, err = ParseStats(mustQuery(t, "groupBy=,,"), nil)
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "No valid 'groupBy' fields provided", pe.Message)
}

func TestParseFilterDocument(t *testing.T) {
	m := productModel(t)
	f, err := ParseFilterDocument(map[string]any{
		"price":    map[string]any{"$gte": "10", "$lt": 100.0},
		"isActive": "true",
		"$or": []any{
			map[string]any{"name": map[string]any{"$regex": "^la", "$options": "i"}},
			map[string]any{"tags": map[string]any{"$in": []any{"x", "y"}}},
		},
		"code": map[string]any{"$exists": true, "$nin": []any{"a"}},
	}, m)
	require.NoError(t, err)

	want := store.And(
		store.Or(
			store.Regex("name", "^la", "i"),
			store.In("tags", []any{"x", "y"}),
		),
		store.And(store.Exists("code", true), store.Nin("code", []any{"a"})),
		store.Eq("isActive", true),
		store.And(store.Gte("price", 10.0), store.Lt("price", 100.0)),
	)
	assert.Equal(t, want, f)

	doc := store.Document{"price": 50.0, "isActive": true, "name": "Lamp", "code": "b"}
	assert.True(t, matches(t, f, doc))
}

func TestParseFilterDocumentEdgeCases(t *testing.T) {
	f, err := ParseFilterDocument(map[string]any{}, nil)
	require.NoError(t, err)
	assert.True(t, f.IsAll())

	// a plain sub-document is an equality match
	f, err = ParseFilterDocument(map[string]any{"dims": map[string]any{"w": 1.0}}, nil)
	require.NoError(t, err)
	assert.Equal(t, store.Eq("dims", map[string]any{"w": 1.0}), f)

	f, err = ParseFilterDocument(map[string]any{"$or": []any{map[string]any{}, map[string]any{"a": 1.0}}}, nil)
	require.NoError(t, err)
	assert.True(t, f.IsAll())

	bad := []map[string]any{
		{"$where": "1"},
		{"a": map[string]any{"$elemMatch": map[string]any{}}},
		{"a": map[string]any{"$in": "x"}},
		{"a": map[string]any{"$regex": "("}},
		{"a": map[string]any{"$options": "i"}},
		{"a": map[string]any{"$exists": "yes"}},
		{"$and": []any{}},
		{"$or": []any{"x"}},
	}
	for _, doc := range bad {
		_, err := ParseFilterDocument(doc, nil)
		assert.ErrorIs(t, err, ErrInvalidFilter, "%v", doc)
	}
}

func TestParseFilterDocumentDepth(t *testing.T) {
	doc := map[string]any{"a": 1.0}
	for i := 0; i < maxFilterDepth+2; i++ {
		doc = map[string]any{"$and": []any{doc}}
	}
	_, err := ParseFilterDocument(doc, nil)
	assert.True(t, errors.Is(err, ErrInvalidFilter))
}

func TestParseUpdateDocument(t *testing.T) {
	upd, err := ParseUpdateDocument(map[string]any{
		"status": "archived",
		"$set":   map[string]any{"price": 5.0},
		"$unset": map[string]any{"note": "", "tmp": 1.0},
		"$inc":   map[string]any{"stock": -2.0},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "archived", "price": 5.0}, upd.Set)
	assert.Equal(t, []string{"note", "tmp"}, upd.Unset)
	assert.Equal(t, map[string]float64{"stock": -2}, upd.Inc)

	for _, doc := range []map[string]any{
		{},
		{"$set": map[string]any{}},
		{"$set": "x"},
		{"$inc": map[string]any{"a": "1"}},
		{"$push": map[string]any{"a": 1.0}},
	} {
		_, err := ParseUpdateDocument(doc)
		assert.ErrorIs(t, err, ErrInvalidUpdate, "%v", doc)
	}
}
