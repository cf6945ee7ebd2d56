package dsl

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind tags the shape of a field definition. It is decided once when the
// config is built and never re-sniffed afterwards.
type Kind int

const (
	KindScalar Kind = iota
	KindReference
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindReference:
		return "reference"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Options holds the constraint keys declared next to `type` (required,
// default, enum, ref, unique ...). They pass through untouched.
type Options map[string]any

// Field is one node of a compiled field tree.
type Field struct {
	Name    string
	Kind    Kind
	Type    StorageType // scalar and reference fields
	Ref     string      // target entity of a reference
	Elem    *Field      // element of an array
	Fields  []*Field    // members of a nested object
	Options Options
}

// Instance is the storage-facing type name used by schema introspection.
func (f *Field) Instance() string {
	switch f.Kind {
	case KindArray:
		return string(TypeArray)
	case KindObject:
		return "Embedded"
	default:
		return string(f.Type)
	}
}

// Child returns the nested member named name, looking through arrays of
// sub-documents.
func (f *Field) Child(name string) *Field {
	switch f.Kind {
	case KindObject:
		for _, c := range f.Fields {
			if c.Name == name {
				return c
			}
		}
	case KindArray:
		if f.Elem != nil {
			return f.Elem.Child(name)
		}
	}
	return nil
}

// IsRef reports whether the field stores references, directly or as an array.
func (f *Field) IsRef() bool {
	return f.RefTarget() != ""
}

// RefTarget returns the referenced entity of a reference or array-of-references field.
func (f *Field) RefTarget() string {
	switch f.Kind {
	case KindReference:
		return f.Ref
	case KindArray:
		if f.Elem != nil && f.Elem.Kind == KindReference {
			return f.Elem.Ref
		}
	}
	return ""
}

// Bool reads a boolean option. `required: [true, "message"]` counts as true.
func (o Options) Bool(key string) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	case []any:
		if len(v) > 0 {
			b, _ := v[0].(bool)
			return b
		}
	}
	return false
}

// Message returns the custom message of an option declared as [value, "message"].
func (o Options) Message(key string) string {
	if arr, ok := o[key].([]any); ok && len(arr) > 1 {
		if s, ok := arr[1].(string); ok {
			return s
		}
	}
	return ""
}

// validator options that accept the [value, "message"] form
var messageKeys = map[string]bool{
	"required": true, "min": true, "max": true,
	"minlength": true, "maxlength": true, "match": true,
}

// Value returns the option value, unwrapping the [value, "message"] form.
func (o Options) Value(key string) (any, bool) {
	v, ok := o[key]
	if !ok {
		return nil, false
	}
	if arr, isArr := v.([]any); isArr && messageKeys[key] && len(arr) == 2 {
		if _, isMsg := arr[1].(string); isMsg {
			return arr[0], true
		}
	}
	return v, true
}

// Number reads a numeric option.
func (o Options) Number(key string) (float64, bool) {
	v, ok := o.Value(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// Plain converts the options into JSON-friendly plain values.
func (o Options) Plain() map[string]any {
	out := make(map[string]any, len(o))
	for k, v := range o {
		out[k] = plain(v)
	}
	return out
}

func (f *Field) String() string {
	switch f.Kind {
	case KindArray:
		return fmt.Sprintf("%s:[%s]", f.Name, f.Elem)
	case KindObject:
		parts := make([]string, len(f.Fields))
		for i, c := range f.Fields {
			parts[i] = c.String()
		}
		return fmt.Sprintf("%s:{%s}", f.Name, strings.Join(parts, ","))
	case KindReference:
		return fmt.Sprintf("%s:%s->%s", f.Name, f.Type, f.Ref)
	default:
		return fmt.Sprintf("%s:%s", f.Name, f.Type)
	}
}
