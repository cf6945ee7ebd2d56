package relation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"dynadmin/internal/registry"
	"dynadmin/internal/store"
)

// Finder loads documents by id.
type Finder interface {
	FindByIDs(ctx context.Context, coll string, ids []string) ([]store.Document, error)
}

// Populator replaces reference ids with the referenced documents.
type Populator struct {
	store  Finder
	models registry.Lookup
	log    *zap.Logger
}

func NewPopulator(st Finder, models registry.Lookup, log *zap.Logger) *Populator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Populator{store: st, models: models, log: log}
}

// Populate resolves tree on docs in place. A single reference whose target
// is missing becomes null; missing targets inside arrays are dropped.
func (p *Populator) Populate(ctx context.Context, m *registry.Model, docs []store.Document, tree []Populate) error {
	if len(docs) == 0 || len(tree) == 0 {
		return nil
	}
	for _, node := range tree {
		if err := p.populate(ctx, m, docs, node); err != nil {
			return err
		}
	}
	return nil
}

func (p *Populator) populate(ctx context.Context, m *registry.Model, docs []store.Document, node Populate) error {
	field := m.Schema.Lookup(node.Path)
	if field == nil || !field.IsRef() {
		return nil
	}
	target, ok := p.models.Resolve(field.RefTarget())
	if !ok {
		p.log.Debug("populate target unknown", zap.String("model", m.Name), zap.String("path", node.Path))
		return nil
	}

	segs := strings.Split(node.Path, ".")
	var ids []string
	seen := map[string]bool{}
	for _, d := range docs {
		visit(d, segs, func(_ map[string]any, _ string, v any) {
			for _, id := range refIDs(v) {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		})
	}
	if len(ids) == 0 {
		return nil
	}

	found, err := p.store.FindByIDs(ctx, target.Collection, ids)
	if err != nil {
		return fmt.Errorf("populate %s.%s: %w", m.Name, node.Path, err)
	}
	if err := p.Populate(ctx, target, found, node.Populate); err != nil {
		return err
	}
	byID := make(map[string]store.Document, len(found))
	for _, d := range found {
		byID[store.DocID(d)] = d
	}

	for _, d := range docs {
		visit(d, segs, func(parent map[string]any, key string, v any) {
			parent[key] = substitute(v, byID)
		})
	}
	return nil
}

// visit calls fn for every (container, key) the dotted path reaches,
// descending through arrays of sub-documents.
func visit(cur any, segs []string, fn func(parent map[string]any, key string, v any)) {
	switch t := cur.(type) {
	case map[string]any:
		v, ok := t[segs[0]]
		if !ok {
			return
		}
		if len(segs) == 1 {
			fn(t, segs[0], v)
			return
		}
		visit(v, segs[1:], fn)
	case []any:
		for _, e := range t {
			visit(e, segs, fn)
		}
	}
}

func refIDs(v any) []string {
	switch t := v.(type) {
	case string:
		if t != "" {
			return []string{t}
		}
	case []any:
		var out []string
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func substitute(v any, byID map[string]store.Document) any {
	switch t := v.(type) {
	case string:
		if d, ok := byID[t]; ok {
			return store.Clone(d)
		}
		return nil
	case []any:
		out := make([]any, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				// уже заполнено
				out = append(out, e)
				continue
			}
			if d, ok := byID[s]; ok {
				out = append(out, store.Clone(d))
			}
		}
		return out
	}
	return v
}
