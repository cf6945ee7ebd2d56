package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidUpdate is returned when an update cannot be applied to a document.
var ErrInvalidUpdate = errors.New("store: invalid update")

// Matcher evaluates a Filter against in-process documents. Backends without a
// native query language (memory, parts of pgstore) share it.
type Matcher struct {
	filter Filter
	res    map[string]*regexp.Regexp
}

// NewMatcher precompiles the regular expressions used by f.
func NewMatcher(f Filter) (*Matcher, error) {
	m := &Matcher{filter: f, res: map[string]*regexp.Regexp{}}
	if err := m.compile(f); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Matcher) compile(f Filter) error {
	switch f.Op {
	case OpAnd, OpOr:
		for _, c := range f.Children {
			if err := m.compile(c); err != nil {
				return err
			}
		}
	case OpRegex:
		key := regexKey(f)
		if _, ok := m.res[key]; ok {
			return nil
		}
		re, err := CompileRegex(fmt.Sprint(f.Value), f.Flags)
		if err != nil {
			return err
		}
		m.res[key] = re
	}
	return nil
}

func regexKey(f Filter) string { return f.Flags + "/" + fmt.Sprint(f.Value) }

// CompileRegex compiles a pattern with Mongo-style option letters (i, m, s, x).
func CompileRegex(pattern, flags string) (*regexp.Regexp, error) {
	var prefix strings.Builder
	for _, r := range flags {
		switch r {
		case 'i', 'm', 's':
			prefix.WriteRune(r)
		case 'x', 'u':
			// not supported by RE2; ignored
		default:
			return nil, fmt.Errorf("store: unknown regex option %q", r)
		}
	}
	if prefix.Len() > 0 {
		pattern = "(?" + prefix.String() + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("store: bad regex: %w", err)
	}
	return re, nil
}

// Match reports whether doc satisfies the filter.
func (m *Matcher) Match(doc Document) bool { return m.match(doc, m.filter) }

func (m *Matcher) match(doc Document, f Filter) bool {
	switch f.Op {
	case OpAll:
		return true
	case OpAnd:
		for _, c := range f.Children {
			if !m.match(doc, c) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range f.Children {
			if m.match(doc, c) {
				return true
			}
		}
		return false
	}

	vals, found := Values(doc, f.Field)
	switch f.Op {
	case OpEq:
		return matchEq(vals, found, f.Value)
	case OpNe:
		return !matchEq(vals, found, f.Value)
	case OpIn:
		return matchIn(vals, found, f.Values)
	case OpNin:
		return !matchIn(vals, found, f.Values)
	case OpGt, OpGte, OpLt, OpLte:
		for _, c := range candidates(vals) {
			if rank(c) != rank(f.Value) || c == nil {
				continue
			}
			cmp := Compare(c, f.Value)
			switch f.Op {
			case OpGt:
				if cmp > 0 {
					return true
				}
			case OpGte:
				if cmp >= 0 {
					return true
				}
			case OpLt:
				if cmp < 0 {
					return true
				}
			case OpLte:
				if cmp <= 0 {
					return true
				}
			}
		}
		return false
	case OpExists:
		want, _ := f.Value.(bool)
		return found == want
	case OpContains:
		needle := strings.ToLower(fmt.Sprint(f.Value))
		for _, c := range candidates(vals) {
			if s, ok := c.(string); ok && strings.Contains(strings.ToLower(s), needle) {
				return true
			}
		}
		return false
	case OpRegex:
		re := m.res[regexKey(f)]
		if re == nil {
			return false
		}
		for _, c := range candidates(vals) {
			if s, ok := c.(string); ok && re.MatchString(s) {
				return true
			}
		}
		return false
	}
	return false
}

func matchEq(vals []any, found bool, want any) bool {
	if !found {
		return want == nil
	}
	for _, c := range candidates(vals) {
		if Equal(c, want) {
			return true
		}
	}
	return false
}

func matchIn(vals []any, found bool, wants []any) bool {
	for _, w := range wants {
		if matchEq(vals, found, w) {
			return true
		}
	}
	return false
}

// candidates expands array values into their elements while keeping the
// arrays themselves, the way document stores match array fields.
func candidates(vals []any) []any {
	out := make([]any, 0, len(vals))
	for _, v := range vals {
		out = append(out, v)
		if arr, ok := v.([]any); ok {
			out = append(out, arr...)
		}
	}
	return out
}

// Values returns every value reachable at a dotted path. Arrays of
// sub-documents met on the way are traversed element by element; numeric
// segments index into arrays. found is false when nothing is reachable.
func Values(doc Document, path string) (vals []any, found bool) {
	if path == "" {
		return nil, false
	}
	collect(doc, strings.Split(path, "."), &vals)
	return vals, len(vals) > 0
}

func collect(cur any, segs []string, out *[]any) {
	if len(segs) == 0 {
		*out = append(*out, cur)
		return
	}
	switch t := cur.(type) {
	case map[string]any:
		if next, ok := t[segs[0]]; ok {
			collect(next, segs[1:], out)
		}
	case []any:
		if idx, err := strconv.Atoi(segs[0]); err == nil && idx >= 0 {
			if idx < len(t) {
				collect(t[idx], segs[1:], out)
			}
			return
		}
		for _, e := range t {
			if _, ok := e.(map[string]any); ok {
				collect(e, segs, out)
			}
		}
	}
}

// Get returns the value at path with aggregation-expression semantics: a path
// that crosses an array of sub-documents yields the array of their values.
func Get(doc Document, path string) (any, bool) {
	return get(doc, strings.Split(path, "."))
}

func get(cur any, segs []string) (any, bool) {
	if len(segs) == 0 {
		return cur, true
	}
	switch t := cur.(type) {
	case map[string]any:
		next, ok := t[segs[0]]
		if !ok {
			return nil, false
		}
		return get(next, segs[1:])
	case []any:
		out := make([]any, 0, len(t))
		for _, e := range t {
			if v, ok := get(e, segs); ok {
				out = append(out, v)
			}
		}
		return out, true
	}
	return nil, false
}

// ==== type ordering ====

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 1
	case string:
		return 3
	case map[string]any:
		return 4
	case []any:
		return 5
	case bool:
		return 8
	case time.Time:
		return 9
	}
	if _, ok := toFloat(v); ok {
		return 2
	}
	return 10
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case decimal.Decimal:
		return n.InexactFloat64(), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Compare orders two values: null < numbers < strings < objects < arrays <
// booleans < dates, then by value within a type.
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 1:
		return 0
	case 2:
		fa, _ := toFloat(a)
		fb, _ := toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case 3:
		return strings.Compare(a.(string), b.(string))
	case 5:
		aa, bb := a.([]any), b.([]any)
		for i := 0; i < len(aa) && i < len(bb); i++ {
			if c := Compare(aa[i], bb[i]); c != 0 {
				return c
			}
		}
		return cmpInt(len(aa), len(bb))
	case 8:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		}
		return 1
	case 9:
		return a.(time.Time).Compare(b.(time.Time))
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Equal compares values the way a document store does: numbers by value
// regardless of Go type, dates by instant, containers deeply.
func Equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch ta := a.(type) {
	case nil:
		return b == nil
	case time.Time:
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	case []any:
		tb, ok := b.([]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if !Equal(ta[i], tb[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		tb, ok := b.(map[string]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for k, v := range ta {
			w, ok := tb[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// ==== sort / projection ====

// SortDocuments sorts docs in place; ties keep their current order. Array
// fields sort by their smallest element ascending and largest descending.
func SortDocuments(docs []Document, keys []SortField) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range keys {
			c := Compare(sortValue(docs[i], k), sortValue(docs[j], k))
			if k.Desc {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return false
	})
}

func sortValue(doc Document, k SortField) any {
	vals, found := Values(doc, k.Field)
	if !found {
		return nil
	}
	var flat []any
	for _, v := range vals {
		if arr, ok := v.([]any); ok {
			flat = append(flat, arr...)
			continue
		}
		flat = append(flat, v)
	}
	if len(flat) == 0 {
		return nil
	}
	best := flat[0]
	for _, v := range flat[1:] {
		c := Compare(v, best)
		if (!k.Desc && c < 0) || (k.Desc && c > 0) {
			best = v
		}
	}
	return best
}

// Project applies a select list. Entries prefixed with "-" exclude paths;
// otherwise only the listed paths (and `_id`, unless "-_id") are kept.
func Project(doc Document, fields []string) Document {
	if len(fields) == 0 {
		return doc
	}
	var include, exclude []string
	for _, f := range fields {
		if strings.HasPrefix(f, "-") {
			if p := strings.TrimPrefix(f, "-"); p != "" {
				exclude = append(exclude, p)
			}
			continue
		}
		include = append(include, f)
	}
	if len(include) == 0 {
		out := Clone(doc)
		for _, p := range exclude {
			unsetPath(out, splitPath(p))
		}
		return out
	}
	out := Document{}
	keepID := true
	for _, p := range exclude {
		if p == IDField {
			keepID = false
		}
	}
	if id, ok := doc[IDField]; ok && keepID {
		out[IDField] = id
	}
	for _, p := range include {
		projectInto(out, doc, splitPath(p))
	}
	return out
}

func projectInto(dst, src map[string]any, segs []string) {
	v, ok := src[segs[0]]
	if !ok {
		return
	}
	if len(segs) == 1 {
		dst[segs[0]] = cloneValue(v)
		return
	}
	switch t := v.(type) {
	case map[string]any:
		sub, _ := dst[segs[0]].(map[string]any)
		if sub == nil {
			sub = map[string]any{}
			dst[segs[0]] = sub
		}
		projectInto(sub, t, segs[1:])
	case []any:
		existing, _ := dst[segs[0]].([]any)
		out := make([]any, 0, len(t))
		idx := 0
		for _, e := range t {
			m, isMap := e.(map[string]any)
			if !isMap {
				continue
			}
			var target map[string]any
			if idx < len(existing) {
				target, _ = existing[idx].(map[string]any)
			}
			if target == nil {
				target = map[string]any{}
			}
			projectInto(target, m, segs[1:])
			out = append(out, target)
			idx++
		}
		dst[segs[0]] = out
	}
}

// ==== updates ====

func splitPath(p string) []string { return strings.Split(p, ".") }

// ApplyUpdate modifies doc in place and reports whether anything changed.
func ApplyUpdate(doc Document, upd Update) (bool, error) {
	before := Clone(doc)
	for _, p := range sortedKeys(upd.Set) {
		if err := setPath(doc, splitPath(p), cloneValue(upd.Set[p])); err != nil {
			return false, err
		}
	}
	for _, p := range upd.Unset {
		unsetPath(doc, splitPath(p))
	}
	for _, p := range sortedKeys(upd.Inc) {
		n := upd.Inc[p]
		cur, ok := Get(doc, p)
		if !ok || cur == nil {
			if err := setPath(doc, splitPath(p), n); err != nil {
				return false, err
			}
			continue
		}
		f, isNum := toFloat(cur)
		if !isNum {
			return false, fmt.Errorf("%w: cannot increment non-numeric field %q", ErrInvalidUpdate, p)
		}
		if err := setPath(doc, splitPath(p), f+n); err != nil {
			return false, err
		}
	}
	return !Equal(map[string]any(before), map[string]any(doc)), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func setPath(cur map[string]any, segs []string, v any) error {
	if len(segs) == 1 {
		cur[segs[0]] = v
		return nil
	}
	switch next := cur[segs[0]].(type) {
	case nil:
		m := map[string]any{}
		cur[segs[0]] = m
		return setPath(m, segs[1:], v)
	case map[string]any:
		return setPath(next, segs[1:], v)
	case []any:
		idx, err := strconv.Atoi(segs[1])
		if err != nil || idx < 0 || idx >= len(next) {
			return fmt.Errorf("%w: cannot set %q inside array", ErrInvalidUpdate, strings.Join(segs, "."))
		}
		if len(segs) == 2 {
			next[idx] = v
			return nil
		}
		m, ok := next[idx].(map[string]any)
		if !ok {
			return fmt.Errorf("%w: cannot set %q inside scalar", ErrInvalidUpdate, strings.Join(segs, "."))
		}
		return setPath(m, segs[2:], v)
	default:
		return fmt.Errorf("%w: cannot set %q inside scalar", ErrInvalidUpdate, strings.Join(segs, "."))
	}
}

func unsetPath(cur map[string]any, segs []string) {
	if len(segs) == 1 {
		delete(cur, segs[0])
		return
	}
	switch next := cur[segs[0]].(type) {
	case map[string]any:
		unsetPath(next, segs[1:])
	case []any:
		for _, e := range next {
			if m, ok := e.(map[string]any); ok {
				unsetPath(m, segs[1:])
			}
		}
	}
}

// ==== aggregation ====

type group struct {
	key  []any
	docs []Document
}

// Group evaluates spec over docs. Rows carry the group-by fields followed by
// sum_<f>, avg_<f>, min_<f> and max_<f>. Groups appear in first-seen order.
func Group(docs []Document, spec GroupSpec) []Document {
	var order []string
	groups := map[string]*group{}
	for _, d := range docs {
		key := make([]any, len(spec.By))
		for i, f := range spec.By {
			v, _ := Get(d, f)
			key[i] = v
		}
		k := groupKey(key)
		g, ok := groups[k]
		if !ok {
			g = &group{key: key}
			groups[k] = g
			order = append(order, k)
		}
		g.docs = append(g.docs, d)
	}

	out := make([]Document, 0, len(order))
	for _, k := range order {
		g := groups[k]
		row := Document{}
		for i, f := range spec.By {
			row[f] = g.key[i]
		}
		for _, f := range spec.Sum {
			row["sum_"+f] = sum(g.docs, f)
		}
		for _, f := range spec.Avg {
			row["avg_"+f] = avg(g.docs, f)
		}
		for _, f := range spec.Min {
			row["min_"+f] = extreme(g.docs, f, -1)
		}
		for _, f := range spec.Max {
			row["max_"+f] = extreme(g.docs, f, 1)
		}
		out = append(out, row)
	}
	return out
}

func groupKey(key []any) string {
	b, err := json.Marshal(key)
	if err != nil {
		return fmt.Sprint(key)
	}
	return string(b)
}

// missing or null values count as 0; other non-numeric values are ignored
func sum(docs []Document, field string) float64 {
	total := decimal.Zero
	for _, d := range docs {
		v, _ := Get(d, field)
		if f, ok := toFloat(v); ok {
			total = total.Add(decimal.NewFromFloat(f))
		}
	}
	return total.InexactFloat64()
}

func avg(docs []Document, field string) any {
	total := decimal.Zero
	n := 0
	for _, d := range docs {
		v, _ := Get(d, field)
		if f, ok := toFloat(v); ok {
			total = total.Add(decimal.NewFromFloat(f))
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return total.Div(decimal.NewFromInt(int64(n))).InexactFloat64()
}

func extreme(docs []Document, field string, dir int) any {
	var best any
	for _, d := range docs {
		v, ok := Get(d, field)
		if !ok || v == nil {
			continue
		}
		if best == nil || Compare(v, best)*dir > 0 {
			best = v
		}
	}
	return best
}

// DistinctValues returns the distinct values of field across docs, array
// values contributing their elements, sorted by Compare.
func DistinctValues(docs []Document, field string) []any {
	var out []any
	seen := map[string]bool{}
	add := func(v any) {
		k := groupKey([]any{v})
		if seen[k] {
			return
		}
		seen[k] = true
		out = append(out, v)
	}
	for _, d := range docs {
		vals, _ := Values(d, field)
		for _, v := range vals {
			if arr, ok := v.([]any); ok {
				for _, e := range arr {
					add(e)
				}
				continue
			}
			add(v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return Compare(out[i], out[j]) < 0 })
	if out == nil {
		out = []any{}
	}
	return out
}

// ==== cloning ====

// Clone deep-copies a document, normalising typed slices and maps into
// []any and map[string]any so evaluation only has to handle those shapes.
func Clone(doc Document) Document {
	if doc == nil {
		return nil
	}
	out, _ := cloneValue(map[string]any(doc)).(map[string]any)
	return out
}

// CloneValue deep-copies a single document value.
func CloneValue(v any) any { return cloneValue(v) }

func cloneValue(v any) any {
	switch t := v.(type) {
	case nil, string, bool, float64, int, int64, time.Time:
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []byte:
		return append([]byte(nil), t...)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = cloneValue(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = cloneValue(iter.Value().Interface())
		}
		return out
	}
	return v
}
