package mongostore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"

	"dynadmin/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping MongoDB container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := tcmongo.Run(ctx, "mongo:7")
	require.NoError(t, err, "Failed to start MongoDB container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	s, err := Open(ctx, Config{URI: uri, Database: "dynadmin_test", ConnectTimeout: 10 * time.Second}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestMongoStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureIndexes(ctx, "users", []store.Index{{Name: "email_unique", Fields: []string{"email"}, Unique: true}}))

	docs, err := s.InsertMany(ctx, "users", []store.Document{
		{"name": "Ann", "email": "a@x.com", "age": 30.0},
		{"name": "Dup", "email": "a@x.com"},
		{"name": "Bob", "email": "b@x.com", "age": 40.0},
	})
	var bulk *store.BulkError
	require.ErrorAs(t, err, &bulk)
	require.Len(t, bulk.Errors, 1)
	assert.Equal(t, 1, bulk.Errors[0].Index)
	assert.ErrorIs(t, bulk.Errors[0].Err, store.ErrDuplicateKey)
	require.Len(t, docs, 2)

	annID := store.DocID(docs[0])
	assert.Len(t, annID, 24)

	got, err := s.FindByID(ctx, "users", annID)
	require.NoError(t, err)
	assert.Equal(t, "Ann", got["name"])

	found, err := s.Find(ctx, "users", store.Contains("name", "bo"), store.FindOptions{Select: []string{"name"}})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, store.Document{"_id": store.DocID(docs[1]), "name": "Bob"}, found[0])

	updated, err := s.UpdateByID(ctx, "users", annID, store.Update{Inc: map[string]float64{"age": 1}})
	require.NoError(t, err)
	assert.Equal(t, 31.0, updated["age"])

	rows, err := s.Aggregate(ctx, "users", store.All(), store.GroupSpec{Sum: []string{"age"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 71, rows[0]["sum_age"])

	n, err := s.DeleteMany(ctx, "users", []string{annID, "missing"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.FindByID(ctx, "users", annID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
