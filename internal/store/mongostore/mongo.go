// Package mongostore implements store.Store on MongoDB.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"dynadmin/internal/store"
)

// Config holds the connection settings.
type Config struct {
	URI            string
	Database       string
	MaxPoolSize    uint64
	MinPoolSize    uint64
	ConnectTimeout time.Duration
	SocketTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxPoolSize == 0 {
		c.MaxPoolSize = 50
	}
	if c.MinPoolSize == 0 {
		c.MinPoolSize = 5
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.SocketTimeout == 0 {
		c.SocketTimeout = 30 * time.Second
	}
}

// Store is a MongoDB-backed store.Store.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	log    *zap.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects and pings the server.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*Store, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongostore: connection URI is empty")
	}
	if cfg.Database == "" {
		return nil, errors.New("mongostore: database name is empty")
	}
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	opts := options.Client().ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetMinPoolSize(cfg.MinPoolSize).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetSocketTimeout(cfg.SocketTimeout)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout+5*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}

	pingCtx, cancelPing := context.WithTimeout(ctx, 2*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}

	log.Info("connected to MongoDB", zap.String("database", cfg.Database))
	return &Store{client: client, db: client.Database(cfg.Database), log: log}, nil
}

func (s *Store) Name() string { return "mongo" }

func (s *Store) c(name string) *mongo.Collection { return s.db.Collection(name) }

func (s *Store) InsertMany(ctx context.Context, coll string, docs []store.Document) ([]store.Document, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	payload := make([]any, len(docs))
	prepared := make([]store.Document, len(docs))
	for i, d := range docs {
		doc := store.Clone(d)
		if doc == nil {
			doc = store.Document{}
		}
		if store.DocID(doc) == "" {
			doc[store.IDField] = primitive.NewObjectID()
		} else {
			doc[store.IDField] = idValue(store.DocID(doc))
		}
		prepared[i] = doc
		payload[i] = toBSONDoc(doc)
	}

	_, err := s.c(coll).InsertMany(ctx, payload, options.InsertMany().SetOrdered(false))
	failed := map[int]error{}
	if err != nil {
		var bwe mongo.BulkWriteException
		if !errors.As(err, &bwe) || len(bwe.WriteErrors) == 0 {
			return nil, fmt.Errorf("mongostore: insert into %s: %w", coll, err)
		}
		for _, we := range bwe.WriteErrors {
			failed[we.Index] = writeErr(we)
		}
	}

	inserted := make([]store.Document, 0, len(docs))
	var bulk store.BulkError
	for i, doc := range prepared {
		if ferr, ok := failed[i]; ok {
			bulk.Errors = append(bulk.Errors, store.WriteError{Index: i, Err: ferr})
			continue
		}
		inserted = append(inserted, normalizeDoc(doc))
	}
	if len(bulk.Errors) > 0 {
		return inserted, &bulk
	}
	return inserted, nil
}

func writeErr(we mongo.BulkWriteError) error {
	if we.Code == 11000 || we.Code == 11001 {
		return fmt.Errorf("%w: %s", store.ErrDuplicateKey, we.Message)
	}
	return errors.New(we.Message)
}

func (s *Store) Find(ctx context.Context, coll string, f store.Filter, opts store.FindOptions) ([]store.Document, error) {
	fo := options.Find()
	if len(opts.Sort) > 0 {
		fo.SetSort(sortSpec(opts.Sort))
	}
	if opts.Skip > 0 {
		fo.SetSkip(opts.Skip)
	}
	if opts.Limit > 0 {
		fo.SetLimit(opts.Limit)
	}
	if p := projection(opts.Select); p != nil {
		fo.SetProjection(p)
	}
	cur, err := s.c(coll).Find(ctx, toFilter(f), fo)
	if err != nil {
		return nil, fmt.Errorf("mongostore: find in %s: %w", coll, err)
	}
	return decodeAll(ctx, cur)
}

func decodeAll(ctx context.Context, cur *mongo.Cursor) ([]store.Document, error) {
	var raw []bson.M
	if err := cur.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("mongostore: decode: %w", err)
	}
	out := make([]store.Document, len(raw))
	for i, m := range raw {
		out[i] = normalizeDoc(m)
	}
	return out, nil
}

func (s *Store) FindByID(ctx context.Context, coll, id string) (store.Document, error) {
	var m bson.M
	err := s.c(coll).FindOne(ctx, bson.D{{Key: store.IDField, Value: idValue(id)}}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: find %s/%s: %w", coll, id, err)
	}
	return normalizeDoc(m), nil
}

func (s *Store) FindByIDs(ctx context.Context, coll string, ids []string) ([]store.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.Find(ctx, coll, store.In(store.IDField, stringsToAny(ids)), store.FindOptions{})
}

func (s *Store) Count(ctx context.Context, coll string, f store.Filter) (int64, error) {
	n, err := s.c(coll).CountDocuments(ctx, toFilter(f))
	if err != nil {
		return 0, fmt.Errorf("mongostore: count %s: %w", coll, err)
	}
	return n, nil
}

func (s *Store) UpdateByID(ctx context.Context, coll, id string, upd store.Update) (store.Document, error) {
	if upd.IsEmpty() {
		return s.FindByID(ctx, coll, id)
	}
	var m bson.M
	err := s.c(coll).FindOneAndUpdate(ctx,
		bson.D{{Key: store.IDField, Value: idValue(id)}},
		toUpdate(upd),
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return nil, store.ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return nil, fmt.Errorf("%w: %v", store.ErrDuplicateKey, err)
	case err != nil:
		return nil, fmt.Errorf("mongostore: update %s/%s: %w", coll, id, err)
	}
	return normalizeDoc(m), nil
}

func (s *Store) UpdateMany(ctx context.Context, coll string, f store.Filter, upd store.Update, upsert bool) (store.UpdateResult, error) {
	if upd.IsEmpty() {
		n, err := s.Count(ctx, coll, f)
		return store.UpdateResult{Matched: n}, err
	}
	res, err := s.c(coll).UpdateMany(ctx, toFilter(f), toUpdate(upd), options.Update().SetUpsert(upsert))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.UpdateResult{}, fmt.Errorf("%w: %v", store.ErrDuplicateKey, err)
		}
		return store.UpdateResult{}, fmt.Errorf("mongostore: update many in %s: %w", coll, err)
	}
	return store.UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount, Upserted: res.UpsertedCount}, nil
}

func (s *Store) DeleteByID(ctx context.Context, coll, id string) (store.Document, error) {
	var m bson.M
	err := s.c(coll).FindOneAndDelete(ctx, bson.D{{Key: store.IDField, Value: idValue(id)}}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: delete %s/%s: %w", coll, id, err)
	}
	return normalizeDoc(m), nil
}

func (s *Store) DeleteMany(ctx context.Context, coll string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.c(coll).DeleteMany(ctx, toFilter(store.In(store.IDField, stringsToAny(ids))))
	if err != nil {
		return 0, fmt.Errorf("mongostore: delete many in %s: %w", coll, err)
	}
	return res.DeletedCount, nil
}

func (s *Store) Distinct(ctx context.Context, coll, field string, f store.Filter) ([]any, error) {
	vals, err := s.c(coll).Distinct(ctx, field, toFilter(f))
	if err != nil {
		return nil, fmt.Errorf("mongostore: distinct %s.%s: %w", coll, field, err)
	}
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = normalize(v)
	}
	sort.SliceStable(out, func(i, j int) bool { return store.Compare(out[i], out[j]) < 0 })
	return out, nil
}

func (s *Store) Aggregate(ctx context.Context, coll string, f store.Filter, spec store.GroupSpec) ([]store.Document, error) {
	pipeline, names := groupPipeline(f, spec)
	cur, err := s.c(coll).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("mongostore: aggregate %s: %w", coll, err)
	}
	raw, err := decodeAll(ctx, cur)
	if err != nil {
		return nil, err
	}
	out := make([]store.Document, 0, len(raw))
	for _, r := range raw {
		row := store.Document{}
		if key, ok := r[store.IDField].(map[string]any); ok {
			for i, field := range spec.By {
				row[field] = key[fmt.Sprintf("g%d", i)]
			}
		}
		for alias, name := range names {
			row[name] = r[alias]
		}
		out = append(out, row)
	}
	return out, nil
}

// EnsureIndexes creates sparse unique indexes; existing indexes with the same
// name are left as they are.
func (s *Store) EnsureIndexes(ctx context.Context, coll string, indexes []store.Index) error {
	if len(indexes) == 0 {
		return nil
	}
	models := make([]mongo.IndexModel, 0, len(indexes))
	for _, idx := range indexes {
		keys := bson.D{}
		for _, f := range idx.Fields {
			keys = append(keys, bson.E{Key: f, Value: 1})
		}
		opts := options.Index().SetSparse(true)
		if idx.Unique {
			opts.SetUnique(true)
		}
		if idx.Name != "" {
			opts.SetName(idx.Name)
		}
		models = append(models, mongo.IndexModel{Keys: keys, Options: opts})
	}
	if _, err := s.c(coll).Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("mongostore: create indexes on %s: %w", coll, err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		s.log.Error("failed to disconnect MongoDB client", zap.Error(err))
		return err
	}
	s.log.Info("disconnected from MongoDB")
	return nil
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
