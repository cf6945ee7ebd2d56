package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDoc() Document {
	return Clone(Document{
		"_id":    "1",
		"name":   "Widget Pro",
		"status": "active",
		"price":  10.0,
		"stock":  3,
		"tags":   []string{"a", "b"},
		"owner":  map[string]any{"name": "Ann", "age": 30.0},
		"items": []any{
			map[string]any{"sku": "x", "qty": 2.0},
			map[string]any{"sku": "y", "qty": 5.0},
		},
		"createdAt": time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	})
}

func TestMatcher(t *testing.T) {
	doc := sampleDoc()
	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"all", All(), true},
		{"eq string", Eq("status", "active"), true},
		{"eq is exact", Eq("status", "act"), false},
		{"eq int vs float", Eq("stock", 3.0), true},
		{"eq array element", Eq("tags", "b"), true},
		{"eq nested", Eq("owner.name", "Ann"), true},
		{"eq array of docs", Eq("items.sku", "y"), true},
		{"eq missing is null", Eq("missing", nil), true},
		{"ne", Ne("status", "active"), false},
		{"in", In("status", []any{"pending", "active"}), true},
		{"in miss", In("status", []any{"pending"}), false},
		{"nin", Nin("status", []any{"pending"}), true},
		{"gt", Gt("price", 5.0), true},
		{"gt type bracket", Gt("price", "5"), false},
		{"lte", Lte("items.qty", 2.0), true},
		{"lt date", Lt("createdAt", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)), true},
		{"exists", Exists("owner.age", true), true},
		{"not exists", Exists("owner.zip", false), true},
		{"contains ci", Contains("name", "widget"), true},
		{"contains literal", Contains("name", "w.dget"), false},
		{"regex", Regex("name", "^wid", "i"), true},
		{"and", And(Eq("status", "active"), Gt("price", 50.0)), false},
		{"or", Or(Eq("status", "x"), Contains("owner.name", "an")), true},
		{"empty or", Or(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewMatcher(tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Match(doc))
		})
	}
}

func TestNewMatcherRejectsBadRegex(t *testing.T) {
	_, err := NewMatcher(And(Eq("a", 1.0), Regex("name", "([", "")))
	assert.Error(t, err)

	_, err = NewMatcher(Regex("name", "a", "q"))
	assert.Error(t, err)
}

func TestAndDropsMatchAll(t *testing.T) {
	f := And(All(), Eq("a", 1.0), All())
	assert.Equal(t, OpEq, f.Op)
	assert.True(t, And().IsAll())
}

func TestCompare(t *testing.T) {
	assert.Equal(t, -1, Compare(nil, 1.0))
	assert.Equal(t, -1, Compare(1, "a"))
	assert.Equal(t, 0, Compare(2, 2.0))
	assert.Equal(t, 1, Compare("b", "a"))
	assert.Equal(t, -1, Compare(false, true))
	assert.Equal(t, 1, Compare(time.Unix(10, 0), time.Unix(5, 0)))
}

func TestSortDocuments(t *testing.T) {
	docs := []Document{
		{"_id": "a", "stock": 5.0, "name": "x"},
		{"_id": "b", "stock": 9.0, "name": "y"},
		{"_id": "c", "name": "z"},
		{"_id": "d", "stock": 5.0, "name": "w"},
	}
	SortDocuments(docs, []SortField{{Field: "stock", Desc: true}, {Field: "name"}})

	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = DocID(d)
	}
	assert.Equal(t, []string{"b", "d", "a", "c"}, ids)
}

func TestProject(t *testing.T) {
	doc := sampleDoc()

	got := Project(doc, []string{"name", "owner.name", "items.qty"})
	assert.Equal(t, Document{
		"_id":   "1",
		"name":  "Widget Pro",
		"owner": map[string]any{"name": "Ann"},
		"items": []any{map[string]any{"qty": 2.0}, map[string]any{"qty": 5.0}},
	}, got)

	got = Project(doc, []string{"-items", "-owner.age"})
	assert.NotContains(t, got, "items")
	assert.Equal(t, map[string]any{"name": "Ann"}, got["owner"])
	assert.Contains(t, doc, "items", "source must stay untouched")

	got = Project(doc, []string{"name", "-_id"})
	assert.Equal(t, Document{"name": "Widget Pro"}, got)
}

func TestApplyUpdate(t *testing.T) {
	doc := sampleDoc()
	changed, err := ApplyUpdate(doc, Update{
		Set:   map[string]any{"status": "archived", "owner.city": "Oslo"},
		Unset: []string{"tags"},
		Inc:   map[string]float64{"stock": 2, "views": 1},
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "archived", doc["status"])
	assert.Equal(t, "Oslo", doc["owner"].(map[string]any)["city"])
	assert.NotContains(t, doc, "tags")
	assert.Equal(t, 5.0, doc["stock"])
	assert.Equal(t, 1.0, doc["views"])

	changed, err = ApplyUpdate(doc, Update{Set: map[string]any{"status": "archived"}})
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = ApplyUpdate(doc, Update{Inc: map[string]float64{"status": 1}})
	assert.ErrorIs(t, err, ErrInvalidUpdate)

	_, err = ApplyUpdate(doc, Update{Set: map[string]any{"status.x": 1}})
	assert.ErrorIs(t, err, ErrInvalidUpdate)
}

func TestGroup(t *testing.T) {
	docs := []Document{
		{"categoryId": "c1", "stock": 2.0, "price": 10.0},
		{"categoryId": "c2", "stock": 7.0, "price": 1.0},
		{"categoryId": "c1", "stock": 3.0, "price": 30.0},
		{"categoryId": "c1", "price": 20.0},
	}
	rows := Group(docs, GroupSpec{
		By:  []string{"categoryId"},
		Sum: []string{"stock"},
		Avg: []string{"price"},
		Min: []string{"price"},
		Max: []string{"stock"},
	})
	require.Len(t, rows, 2)

	assert.Equal(t, "c1", rows[0]["categoryId"])
	assert.Equal(t, 5.0, rows[0]["sum_stock"])
	assert.Equal(t, 20.0, rows[0]["avg_price"])
	assert.Equal(t, 10.0, rows[0]["min_price"])
	assert.Equal(t, 3.0, rows[0]["max_stock"])

	assert.Equal(t, "c2", rows[1]["categoryId"])
	assert.Equal(t, 7.0, rows[1]["sum_stock"])
}

func TestGroupSumIsExact(t *testing.T) {
	docs := []Document{{"v": 0.1}, {"v": 0.2}}
	rows := Group(docs, GroupSpec{Sum: []string{"v"}})
	require.Len(t, rows, 1)
	assert.Equal(t, 0.3, rows[0]["sum_v"])
}

func TestDistinctValues(t *testing.T) {
	docs := []Document{
		{"tags": []any{"b", "a"}},
		{"tags": []any{"a", "c"}},
		{"other": 1.0},
	}
	assert.Equal(t, []any{"a", "b", "c"}, DistinctValues(docs, "tags"))
	assert.Equal(t, []any{}, DistinctValues(nil, "tags"))
}

func TestCloneNormalises(t *testing.T) {
	src := Document{"list": []string{"a"}, "m": map[string]string{"k": "v"}}
	c := Clone(src)
	assert.Equal(t, []any{"a"}, c["list"])
	assert.Equal(t, map[string]any{"k": "v"}, c["m"])
}
