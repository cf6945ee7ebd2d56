package store

import (
	"fmt"
	"strings"
)

// Op is a filter operator.
type Op string

const (
	OpAll      Op = ""
	OpAnd      Op = "and"
	OpOr       Op = "or"
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpIn       Op = "in"
	OpNin      Op = "nin"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpExists   Op = "exists"
	OpContains Op = "contains" // literal, case-insensitive substring
	OpRegex    Op = "regex"
)

// Filter is a backend-neutral predicate tree. The zero value matches everything.
type Filter struct {
	Op       Op
	Field    string
	Value    any
	Values   []any
	Children []Filter
	// Flags carries regex options such as "i".
	Flags string
}

func All() Filter { return Filter{} }
func Eq(field string, v any) Filter { return Filter{Op: OpEq, Field: field, Value: v} }
func Ne(field string, v any) Filter { return Filter{Op: OpNe, Field: field, Value: v} }
func In(field string, vs []any) Filter { return Filter{Op: OpIn, Field: field, Values: vs} }
func Nin(field string, vs []any) Filter {
	return Filter{Op: OpNin, Field: field, Values: vs}
}
func Gt(field string, v any) Filter { return Filter{Op: OpGt, Field: field, Value: v} }
func Gte(field string, v any) Filter { return Filter{Op: OpGte, Field: field, Value: v} }
func Lt(field string, v any) Filter { return Filter{Op: OpLt, Field: field, Value: v} }
func Lte(field string, v any) Filter { return Filter{Op: OpLte, Field: field, Value: v} }
func Exists(field string, want bool) Filter {
	return Filter{Op: OpExists, Field: field, Value: want}
}
func Contains(field, substr string) Filter {
	return Filter{Op: OpContains, Field: field, Value: substr}
}
func Regex(field, pattern, flags string) Filter {
	return Filter{Op: OpRegex, Field: field, Value: pattern, Flags: flags}
}

// And combines filters, dropping match-all children.
func And(fs ...Filter) Filter { return combine(OpAnd, fs) }

// Or combines filters. An empty Or matches nothing.
func Or(fs ...Filter) Filter {
	if len(fs) == 1 {
		return fs[0]
	}
	return Filter{Op: OpOr, Children: fs}
}

func combine(op Op, fs []Filter) Filter {
	kept := make([]Filter, 0, len(fs))
	for _, f := range fs {
		if f.IsAll() {
			continue
		}
		kept = append(kept, f)
	}
	switch len(kept) {
	case 0:
		return All()
	case 1:
		return kept[0]
	}
	return Filter{Op: op, Children: kept}
}

// IsAll reports whether the filter matches every document.
func (f Filter) IsAll() bool { return f.Op == OpAll }

func (f Filter) String() string {
	switch f.Op {
	case OpAll:
		return "{}"
	case OpAnd, OpOr:
		parts := make([]string, len(f.Children))
		for i, c := range f.Children {
			parts[i] = c.String()
		}
		return string(f.Op) + "(" + strings.Join(parts, ", ") + ")"
	case OpIn, OpNin:
		return fmt.Sprintf("%s %s %v", f.Field, f.Op, f.Values)
	case OpRegex:
		return fmt.Sprintf("%s ~ /%v/%s", f.Field, f.Value, f.Flags)
	default:
		return fmt.Sprintf("%s %s %v", f.Field, f.Op, f.Value)
	}
}

// Update is a partial modification of a document.
type Update struct {
	Set   map[string]any
	Unset []string
	Inc   map[string]float64
}

// IsEmpty reports whether the update changes nothing.
func (u Update) IsEmpty() bool {
	return len(u.Set) == 0 && len(u.Unset) == 0 && len(u.Inc) == 0
}

// Paths lists every path the update touches.
func (u Update) Paths() []string {
	out := make([]string, 0, len(u.Set)+len(u.Unset)+len(u.Inc))
	for k := range u.Set {
		out = append(out, k)
	}
	out = append(out, u.Unset...)
	for k := range u.Inc {
		out = append(out, k)
	}
	return out
}
