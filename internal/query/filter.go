// Package query turns untrusted request input (query strings and JSON
// filter documents) into store filters, updates and paging parameters.
package query

import (
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"dynadmin/internal/dsl"
	"dynadmin/internal/registry"
	"dynadmin/internal/store"
)

// Reserved query keys never become field filters.
var Reserved = []string{"page", "limit", "sort", "select", "populate", "search", "searchFields"}

// Endpoint-specific keys, reserved on top of Reserved where they apply.
var (
	ExportKeys = []string{"format"}
	StatsKeys  = []string{"groupBy", "sum", "avg", "min", "max"}
)

// First returns the first value of key, like a single-valued query param.
func First(q url.Values, key string) string {
	if vs := q[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// SmartCast turns "true"/"false" into booleans and numeric strings into
// numbers. Everything else stays a (trimmed) string.
func SmartCast(s string) any {
	t := strings.TrimSpace(s)
	switch t {
	case "true":
		return true
	case "false":
		return false
	case "":
		return t
	}
	if f, ok := parseNumber(t); ok {
		return f
	}
	return t
}

func parseNumber(s string) (float64, bool) {
	// hex/octal/binary integer literals, as Number() accepts them
	if len(s) > 2 && s[0] == '0' {
		switch s[1] {
		case 'x', 'X', 'o', 'O', 'b', 'B':
			n, err := strconv.ParseInt(s, 0, 64)
			if err != nil {
				return 0, false
			}
			return float64(n), true
		}
	}
	if strings.ContainsAny(s, "_xXpP") {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// CompileFilter builds the filter for a query string. Every non-reserved key
// with a non-empty value becomes an equality (or, with commas, a
// "one of") condition; search/searchFields add an OR of case-insensitive
// substring matches. Conditions are AND-ed. It never fails.
//
// With a model, values for declared scalar paths are cast to the declared
// type (so `code=007` stays a string on a String path); undeclared paths and
// values that do not fit fall back to SmartCast.
func CompileFilter(q url.Values, m *registry.Model, extraReserved ...string) store.Filter {
	skip := make(map[string]bool, len(Reserved)+len(extraReserved))
	for _, k := range Reserved {
		skip[k] = true
	}
	for _, k := range extraReserved {
		skip[k] = true
	}

	keys := make([]string, 0, len(q))
	for k := range q {
		if !skip[k] && k != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	conds := make([]store.Filter, 0, len(keys)+1)
	for _, key := range keys {
		raw := First(q, key)
		if raw == "" {
			continue
		}
		field := fieldFor(m, key)
		if strings.Contains(raw, ",") {
			parts := strings.Split(raw, ",")
			vals := make([]any, 0, len(parts))
			for _, p := range parts {
				vals = append(vals, castParam(field, p))
			}
			conds = append(conds, store.In(key, vals))
			continue
		}
		conds = append(conds, store.Eq(key, castParam(field, raw)))
	}

	if s := Search(q); !s.IsAll() {
		conds = append(conds, s)
	}
	return store.And(conds...)
}

// Search compiles search/searchFields into an OR of literal,
// case-insensitive substring matches. Without both params it matches all.
func Search(q url.Values) store.Filter {
	term := strings.TrimSpace(First(q, "search"))
	if term == "" {
		return store.All()
	}
	fields := SplitList(First(q, "searchFields"), ",")
	if len(fields) == 0 {
		return store.All()
	}
	ors := make([]store.Filter, len(fields))
	for i, f := range fields {
		ors[i] = store.Contains(f, term)
	}
	return store.Or(ors...)
}

// SplitList splits s on any of seps, trimming and dropping empty items.
func SplitList(s, seps string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return strings.ContainsRune(seps, r) })
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

var (
	idField   = &dsl.Field{Name: dsl.IDPath, Kind: dsl.KindScalar, Type: dsl.TypeString}
	dateField = &dsl.Field{Kind: dsl.KindScalar, Type: dsl.TypeDate}
)

// fieldFor finds the declared field behind a filter path, including `_id`
// and the timestamp paths.
func fieldFor(m *registry.Model, path string) *dsl.Field {
	if path == dsl.IDPath || strings.HasSuffix(path, "."+dsl.IDPath) {
		return idField
	}
	if m == nil || m.Schema == nil {
		return nil
	}
	if f := m.Schema.Lookup(path); f != nil {
		return f
	}
	ts := m.Schema.Timestamps
	if path != "" && (path == ts.CreatedAt || path == ts.UpdatedAt) {
		return dateField
	}
	return nil
}

func castParam(f *dsl.Field, raw string) any {
	if f == nil || f.Type == dsl.TypeMixed || f.Kind == dsl.KindObject {
		return SmartCast(raw)
	}
	v, ok := registry.CastValue(f, strings.TrimSpace(raw))
	if !ok {
		return SmartCast(raw)
	}
	return v
}

// castValue is castParam for already-decoded JSON values.
func castValue(f *dsl.Field, v any) any {
	if f == nil || f.Type == dsl.TypeMixed || f.Kind == dsl.KindObject {
		return v
	}
	switch v.(type) {
	case map[string]any, []any, nil:
		return v
	}
	out, ok := registry.CastValue(f, v)
	if !ok {
		return v
	}
	return out
}
