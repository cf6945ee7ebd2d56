package pgstore

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynadmin/internal/store"
)

// passthrough lets sqlmock accept the slice arguments pgx binds natively.
type passthrough struct{}

func (passthrough) ConvertValue(v any) (driver.Value, error) { return v, nil }

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(passthrough{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, nil), mock
}

func TestSafeTable(t *testing.T) {
	tests := map[string]string{
		"products":    "products",
		"Order-Items": "order_items",
		"user":        "e_user",
		"2fa":         "e_2fa",
		"???":         "collection",
	}
	for in, want := range tests {
		assert.Equal(t, want, safeTable(in), in)
	}
}

func TestIndexDDL(t *testing.T) {
	got := indexDDL("users", store.Index{Name: "email_unique", Fields: []string{"profile.email"}, Unique: true})
	assert.Equal(t, `create unique index if not exists "users_email_unique" on "users" ((doc #>> '{"profile","email"}'));`, got)
}

func TestWhere(t *testing.T) {
	b := &builder{}
	sqlText, err := b.where(store.And(
		store.In("status", []any{"active", "pending"}),
		store.Or(store.Contains("name", "a.b"), store.Eq("_id", "X1")),
	))
	require.NoError(t, err)
	assert.Equal(t,
		`((jsonb_path_exists(doc, $1::jsonpath, $2::jsonb) or jsonb_path_exists(doc, $3::jsonpath, $4::jsonb)) and (jsonb_path_exists(doc, $5::jsonpath) or id = $6))`,
		sqlText)
	assert.Equal(t, []any{
		`$."status" ? (@ == $v)`, `{"v":"active"}`,
		`$."status" ? (@ == $v)`, `{"v":"pending"}`,
		`$."name" ? (@ like_regex "a\\.b" flag "i")`,
		"X1",
	}, b.args)
}

func TestWhereEdgeCases(t *testing.T) {
	tests := []struct {
		name string
		in   store.Filter
		want string
	}{
		{"all", store.All(), "true"},
		{"empty or", store.Or(), "false"},
		{"empty in", store.In("a", nil), "false"},
		{"not exists", store.Exists("a.b", false), "not jsonb_path_exists(doc, $1::jsonpath)"},
		{"eq null", store.Eq("a", nil), "(not jsonb_path_exists(doc, $1::jsonpath) or jsonb_path_exists(doc, $2::jsonpath))"},
		{"id in", store.In("_id", []any{"a", "b"}), "id = any($1)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &builder{}
			got, err := b.where(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJSONPath(t *testing.T) {
	assert.Equal(t, `$."items"[0]."qty"`, jsonPath("items.0.qty"))
	assert.Equal(t, `$."we\"ird"`, jsonPath(`we"ird`))
}

func TestDocumentCodec(t *testing.T) {
	when := time.Date(2024, 3, 1, 10, 30, 0, 5, time.UTC)
	raw, err := marshalDoc(store.Document{"_id": "1", "at": when, "n": 2.0, "list": []any{when}})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"_id"`)

	doc, err := unmarshalDoc("1", raw)
	require.NoError(t, err)
	assert.Equal(t, "1", doc["_id"])
	assert.True(t, when.Equal(doc["at"].(time.Time)))
	assert.Equal(t, 2.0, doc["n"])
	assert.True(t, when.Equal(doc["list"].([]any)[0].(time.Time)))
}

func TestInsertManyIsUnordered(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec(`create table if not exists "products"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`insert into "products" \(id, doc\)`).
		WithArgs("p1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into "products" \(id, doc\)`).
		WithArgs("p2", sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value"})
	mock.ExpectExec(`insert into "products" \(id, doc\)`).
		WithArgs("p3", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	docs, err := s.InsertMany(context.Background(), "products", []store.Document{
		{"_id": "p1", "name": "a"},
		{"_id": "p2", "name": "b"},
		{"_id": "p3", "name": "c"},
	})
	var bulk *store.BulkError
	require.ErrorAs(t, err, &bulk)
	require.Len(t, bulk.Errors, 1)
	assert.Equal(t, 1, bulk.Errors[0].Index)
	assert.ErrorIs(t, bulk.Errors[0].Err, store.ErrDuplicateKey)
	require.Len(t, docs, 2)
	assert.Equal(t, "p3", store.DocID(docs[1]))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByIDNotFound(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec(`create table if not exists "orders"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`select doc from "orders" where id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}))

	_, err := s.FindByID(context.Background(), "orders", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindSortsAndPages(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec(`create table if not exists "products"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`select id, doc from "products" where jsonb_path_exists\(doc, \$1::jsonpath, \$2::jsonb\) order by \(doc #> \$3::text\[\]\) desc nulls last, created_at asc, id asc limit \$4 offset \$5`).
		WithArgs(`$."price" ? (@ == $v)`, `{"v":10}`, []string{"stock"}, int64(2), int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "doc"}).
			AddRow("a", []byte(`{"name":"x","price":10,"stock":9}`)).
			AddRow("b", []byte(`{"name":"y","price":10,"stock":1}`)))

	docs, err := s.Find(context.Background(), "products", store.Eq("price", 10.0), store.FindOptions{
		Sort:   []store.SortField{{Field: "stock", Desc: true}},
		Skip:   4,
		Limit:  2,
		Select: []string{"name"},
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, store.Document{"_id": "a", "name": "x"}, docs[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteMany(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec(`create table if not exists "orders"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`delete from "orders" where id = any\(\$1\)`).
		WithArgs([]string{"a", "b"}).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := s.DeleteMany(context.Background(), "orders", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTableCreatedOnce(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec(`create table if not exists "orders"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`select count\(\*\) from "orders" where true`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))
	mock.ExpectQuery(`select count\(\*\) from "orders" where true`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))

	for i := 0; i < 2; i++ {
		n, err := s.Count(context.Background(), "orders", store.All())
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}
