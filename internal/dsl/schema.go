package dsl

import (
	"errors"
	"fmt"
	"strings"
)

// IDPath is the primary key path every document carries.
const IDPath = "_id"

// Timestamps names the automatic timestamp paths; an empty name disables it.
type Timestamps struct {
	CreatedAt string
	UpdatedAt string
}

// Enabled reports whether any timestamp path is maintained.
func (t Timestamps) Enabled() bool { return t.CreatedAt != "" || t.UpdatedAt != "" }

// Schema is the compiled, storage-facing form of one entity config.
type Schema struct {
	Fields     []*Field
	Timestamps Timestamps
	Strict     bool
	Options    map[string]any
}

// Path is a flattened schema path.
type Path struct {
	Path  string
	Field *Field
}

// Paths lists every addressable path: `_id`, the user fields depth-first in
// declaration order (nested objects flattened to dotted paths, arrays kept
// whole), then the timestamp paths.
func (s *Schema) Paths() []Path {
	out := []Path{{Path: IDPath, Field: &Field{Name: IDPath, Kind: KindScalar, Type: TypeObjectID, Options: Options{}}}}
	var walk func(fields []*Field, prefix string)
	walk = func(fields []*Field, prefix string) {
		for _, f := range fields {
			p := join(prefix, f.Name)
			if f.Kind == KindObject {
				walk(f.Fields, p)
				continue
			}
			out = append(out, Path{Path: p, Field: f})
		}
	}
	walk(s.Fields, "")
	for _, ts := range []string{s.Timestamps.CreatedAt, s.Timestamps.UpdatedAt} {
		if ts != "" && s.Lookup(ts) == nil {
			out = append(out, Path{Path: ts, Field: &Field{Name: ts, Kind: KindScalar, Type: TypeDate, Options: Options{}}})
		}
	}
	return out
}

// Field returns the top-level field named name.
func (s *Schema) Field(name string) *Field {
	for _, f := range s.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Lookup resolves a dotted path through nested objects and arrays of
// sub-documents. Numeric segments index into arrays.
func (s *Schema) Lookup(path string) *Field {
	if path == "" {
		return nil
	}
	segs := strings.Split(path, ".")
	f := s.Field(segs[0])
	for _, seg := range segs[1:] {
		if f == nil {
			return nil
		}
		if f.Kind == KindArray && isIndex(seg) {
			f = f.Elem
			continue
		}
		f = f.Child(seg)
	}
	return f
}

// HasPath reports whether path is declared, including `_id` and timestamps.
func (s *Schema) HasPath(path string) bool {
	if path == IDPath || path == s.Timestamps.CreatedAt || path == s.Timestamps.UpdatedAt {
		return path != ""
	}
	return s.Lookup(path) != nil
}

// RefPaths lists the reference paths reachable inside this schema without
// crossing into other entities, e.g. "owner" or "items.material".
func (s *Schema) RefPaths() []Path {
	var out []Path
	var walk func(fields []*Field, prefix string)
	walk = func(fields []*Field, prefix string) {
		for _, f := range fields {
			p := join(prefix, f.Name)
			switch {
			case f.IsRef():
				out = append(out, Path{Path: p, Field: f})
			case f.Kind == KindObject:
				walk(f.Fields, p)
			case f.Kind == KindArray && f.Elem != nil && f.Elem.Kind == KindObject:
				walk(f.Elem.Fields, p)
			}
		}
	}
	walk(s.Fields, "")
	return out
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// EntityConfig is one entity's entry from the remote configuration.
type EntityConfig struct {
	Name       string
	Schema     any // expected *Object
	Options    *Object
	Collection string
}

// MetadataKey is the reserved top-level key that never describes an entity.
const MetadataKey = "metadata"

// Entities extracts entity configs from the configuration map in declaration
// order. Both `{schema, options, collection}` and `{backend: {...}}` shapes are
// accepted; the nested backend form wins when present. Entities without a
// schema are returned in skipped.
func Entities(raw *Object) (configs []EntityConfig, skipped []string) {
	for _, name := range raw.Keys() {
		if name == MetadataKey {
			continue
		}
		entry, ok := raw.Object(name)
		if !ok {
			skipped = append(skipped, name)
			continue
		}
		backend, hasBackend := entry.Object("backend")
		if !hasBackend {
			backend = entry
		}
		schema, ok := backend.Get("schema")
		if !ok || schema == nil {
			schema, ok = entry.Get("schema")
		}
		if !ok || schema == nil {
			skipped = append(skipped, name)
			continue
		}

		opts := NewObject()
		opts.Set("timestamps", true)
		mergeOptions(opts, backend)
		if hasBackend {
			mergeOptions(opts, entry)
		}

		collection := ""
		for _, src := range []*Object{backend, entry, opts} {
			if s, ok := src.String("collection"); ok && strings.TrimSpace(s) != "" {
				collection = strings.TrimSpace(s)
				break
			}
		}
		configs = append(configs, EntityConfig{Name: name, Schema: schema, Options: opts, Collection: collection})
	}
	return configs, skipped
}

func mergeOptions(dst, src *Object) {
	o, ok := src.Object("options")
	if !ok {
		return
	}
	for _, k := range o.Keys() {
		v, _ := o.Get(k)
		dst.Set(k, v)
	}
}

// CompileError reports an entity whose config cannot be turned into a schema.
type CompileError struct {
	Entity string
	Err    error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile entity %q: %v", e.Entity, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

var errSchemaNotObject = errors.New("schema must be an object of field definitions")

// Compile builds the schema of one entity.
func Compile(cfg EntityConfig) (*Schema, error) {
	def, ok := cfg.Schema.(*Object)
	if !ok {
		return nil, &CompileError{Entity: cfg.Name, Err: errSchemaNotObject}
	}
	s := &Schema{
		Fields:  Build(def),
		Strict:  true,
		Options: cfg.Options.Map(),
	}
	if s.Options == nil {
		s.Options = map[string]any{}
	}
	s.Timestamps = timestamps(cfg.Options)
	if v, ok := cfg.Options.Get("strict"); ok {
		if b, isBool := v.(bool); isBool {
			s.Strict = b
		}
	}
	return s, nil
}

func timestamps(opts *Object) Timestamps {
	v, ok := opts.Get("timestamps")
	if !ok {
		return Timestamps{}
	}
	switch t := v.(type) {
	case bool:
		if t {
			return Timestamps{CreatedAt: "createdAt", UpdatedAt: "updatedAt"}
		}
	case *Object:
		ts := Timestamps{CreatedAt: "createdAt", UpdatedAt: "updatedAt"}
		if c, ok := t.Get("createdAt"); ok {
			ts.CreatedAt = timestampName(c, ts.CreatedAt)
		}
		if u, ok := t.Get("updatedAt"); ok {
			ts.UpdatedAt = timestampName(u, ts.UpdatedAt)
		}
		return ts
	}
	return Timestamps{}
}

func timestampName(v any, def string) string {
	switch t := v.(type) {
	case string:
		if t != "" {
			return t
		}
	case bool:
		if !t {
			return ""
		}
	}
	return def
}
