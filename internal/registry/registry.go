package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dynadmin/internal/dsl"
	"dynadmin/internal/store"
)

// ErrNoConfig is returned by Reload when it is given nothing to load.
var ErrNoConfig = errors.New("registry: empty configuration")

// generation is one immutable name -> Model map. Readers always see a whole
// generation.
type generation struct {
	id      uint64
	models  map[string]*Model
	names   []string
	issues  []SchemaIssue
	skipped []string
	loaded  time.Time
}

// Registry holds the models of the current configuration generation.
type Registry struct {
	store   store.Store
	log     *zap.Logger
	seq     atomic.Uint64
	current atomic.Pointer[generation]
}

// New returns an empty registry. st may be nil, in which case indexes are
// not ensured.
func New(st store.Store, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{store: st, log: log}
	r.current.Store(&generation{models: map[string]*Model{}})
	return r
}

// Reload compiles every entity of raw into fresh models and publishes them
// in one swap. Entities without a schema or failing compilation are logged
// and skipped; index errors are logged and do not block the swap.
func (r *Registry) Reload(ctx context.Context, raw *dsl.Object) (map[string]*Model, error) {
	if raw == nil {
		return nil, ErrNoConfig
	}
	gen := &generation{id: r.seq.Add(1), models: map[string]*Model{}, loaded: time.Now()}

	configs, skipped := dsl.Entities(raw)
	for _, name := range skipped {
		r.log.Warn("entity skipped: no schema", zap.String("entity", name))
	}
	gen.skipped = skipped

	for _, cfg := range configs {
		schema, err := dsl.Compile(cfg)
		if err != nil {
			r.log.Warn("entity skipped: compile failed", zap.String("entity", cfg.Name), zap.Error(err))
			gen.skipped = append(gen.skipped, cfg.Name)
			continue
		}
		gen.models[cfg.Name] = newModel(cfg, schema, gen.id)
		gen.names = append(gen.names, cfg.Name)
	}

	gen.issues = Lint(gen.models)
	for _, is := range gen.issues {
		r.log.Warn("schema issue",
			zap.String("entity", is.Entity),
			zap.String("field", is.Field),
			zap.String("code", is.Code),
			zap.String("message", is.Message))
	}

	if r.store != nil {
		for _, name := range gen.names {
			m := gen.models[name]
			idx := m.Indexes()
			if len(idx) == 0 {
				continue
			}
			if err := r.store.EnsureIndexes(ctx, m.Collection, idx); err != nil {
				r.log.Error("ensure indexes failed",
					zap.String("entity", name),
					zap.String("collection", m.Collection),
					zap.Error(err))
			}
		}
	}

	r.current.Store(gen)
	r.log.Info("models loaded",
		zap.Uint64("generation", gen.id),
		zap.Strings("entities", gen.names),
		zap.Int("skipped", len(gen.skipped)))
	return copyModels(gen.models), nil
}

func copyModels(in map[string]*Model) map[string]*Model {
	out := make(map[string]*Model, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Get returns the current model of an entity.
func (r *Registry) Get(name string) (*Model, bool) {
	m, ok := r.current.Load().models[name]
	return m, ok
}

// All returns the current name -> Model map. The map is a copy.
func (r *Registry) All() map[string]*Model {
	return copyModels(r.current.Load().models)
}

// Names lists the current entities in configuration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.current.Load().names...)
}

// Resolve finds the target model of a ref: entity key, model name or
// collection, case-insensitively.
func (r *Registry) Resolve(ref string) (*Model, bool) {
	m := resolveIn(r.current.Load().models, ref)
	return m, m != nil
}

// Generation is the id of the published generation; 0 before the first load.
func (r *Registry) Generation() uint64 { return r.current.Load().id }

// Issues returns the lint findings of the current generation.
func (r *Registry) Issues() []SchemaIssue {
	return append([]SchemaIssue(nil), r.current.Load().issues...)
}

// Skipped lists the entities of the current configuration that were not loaded.
func (r *Registry) Skipped() []string {
	out := append([]string(nil), r.current.Load().skipped...)
	sort.Strings(out)
	return out
}

// LoadedAt is when the current generation was published.
func (r *Registry) LoadedAt() time.Time { return r.current.Load().loaded }

// Lookup is a read-only view used by components that only resolve models.
type Lookup interface {
	Get(name string) (*Model, bool)
	Resolve(ref string) (*Model, bool)
}

var _ Lookup = (*Registry)(nil)

// Static is a fixed model set, handy for tests and offline tools.
type Static map[string]*Model

func (s Static) Get(name string) (*Model, bool) { m, ok := s[name]; return m, ok }

func (s Static) Resolve(ref string) (*Model, bool) {
	m := resolveIn(s, strings.TrimSpace(ref))
	return m, m != nil
}
