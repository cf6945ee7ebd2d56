// Package registry owns the compiled models of the current configuration
// generation.
package registry

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/jinzhu/inflection"

	"dynadmin/internal/dsl"
	"dynadmin/internal/store"
)

// Model is a compiled schema bound to a collection. A Model is never mutated
// after construction; a reload produces new instances.
type Model struct {
	Name       string // entity key from the configuration
	ModelName  string // singular, capitalised: coupons -> Coupon
	Collection string
	Schema     *dsl.Schema
	Options    map[string]any
	Generation uint64
}

// ModelName derives the model name of an entity: singular and capitalised.
func ModelName(entity string) string {
	s := inflection.Singular(strings.TrimSpace(entity))
	if s == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}

// CollectionName is the default collection of an entity: the lower-cased plural.
func CollectionName(entity string) string {
	return strings.ToLower(inflection.Plural(strings.TrimSpace(entity)))
}

func newModel(cfg dsl.EntityConfig, schema *dsl.Schema, gen uint64) *Model {
	coll := cfg.Collection
	if coll == "" {
		coll = CollectionName(cfg.Name)
	}
	return &Model{
		Name:       cfg.Name,
		ModelName:  ModelName(cfg.Name),
		Collection: coll,
		Schema:     schema,
		Options:    schema.Options,
		Generation: gen,
	}
}

// HasTimestamps reports whether the model maintains automatic timestamps.
func (m *Model) HasTimestamps() bool { return m.Schema.Timestamps.Enabled() }

// DefaultSort is newest-first when timestamps are on, otherwise store order.
func (m *Model) DefaultSort() []store.SortField {
	if c := m.Schema.Timestamps.CreatedAt; c != "" {
		return []store.SortField{{Field: c, Desc: true}}
	}
	return nil
}

// Stamp sets the timestamp paths of doc. created also sets the creation time.
func (m *Model) Stamp(doc store.Document, now time.Time, created bool) {
	ts := m.Schema.Timestamps
	if created && ts.CreatedAt != "" {
		doc[ts.CreatedAt] = now
	}
	if ts.UpdatedAt != "" {
		doc[ts.UpdatedAt] = now
	}
}

// StampUpdate adds the updatedAt path to an update.
func (m *Model) StampUpdate(upd store.Update, now time.Time) store.Update {
	ts := m.Schema.Timestamps.UpdatedAt
	if ts == "" {
		return upd
	}
	set := make(map[string]any, len(upd.Set)+1)
	for k, v := range upd.Set {
		set[k] = v
	}
	set[ts] = now
	upd.Set = set
	return upd
}

// Indexes lists the indexes declared by `unique: true` and `index: true`
// options, including nested paths.
func (m *Model) Indexes() []store.Index {
	var out []store.Index
	for _, p := range m.Schema.Paths() {
		f := p.Field
		if f.Kind == dsl.KindArray && f.Elem != nil && f.Elem.Kind != dsl.KindObject {
			f = mergeElemOptions(f)
		}
		switch {
		case f.Options.Bool("unique"):
			out = append(out, store.Index{Name: indexName(p.Path, true), Fields: []string{p.Path}, Unique: true})
		case f.Options.Bool("index"):
			out = append(out, store.Index{Name: indexName(p.Path, false), Fields: []string{p.Path}})
		}
	}
	return out
}

// [{type: String, unique: true}] declares the option on the element
func mergeElemOptions(f *dsl.Field) *dsl.Field {
	if len(f.Elem.Options) == 0 {
		return f
	}
	opts := dsl.Options{}
	for k, v := range f.Elem.Options {
		opts[k] = v
	}
	for k, v := range f.Options {
		opts[k] = v
	}
	return &dsl.Field{Name: f.Name, Kind: f.Kind, Type: f.Type, Elem: f.Elem, Options: opts}
}

func indexName(path string, unique bool) string {
	name := strings.ReplaceAll(path, ".", "_")
	if unique {
		return name + "_unique"
	}
	return name + "_idx"
}
