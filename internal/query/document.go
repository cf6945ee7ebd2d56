package query

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"dynadmin/internal/registry"
	"dynadmin/internal/store"
)

var (
	ErrInvalidFilter = errors.New("invalid filter")
	ErrInvalidUpdate = errors.New("invalid update")
)

// maxFilterDepth bounds $and/$or nesting in filter documents.
const maxFilterDepth = 16

func invalidFilter(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidFilter, fmt.Sprintf(format, args...))
}

// ParseFilterDocument converts a Mongo-style JSON filter, as sent to
// bulk-update, into a store filter. Supported operators: $eq $ne $in $nin
// $gt $gte $lt $lte $exists $regex (with $options) $and $or. Values on
// declared paths are cast to the declared type when m is given.
func ParseFilterDocument(doc map[string]any, m *registry.Model) (store.Filter, error) {
	return parseFilter(doc, m, 0)
}

func parseFilter(doc map[string]any, m *registry.Model, depth int) (store.Filter, error) {
	if depth > maxFilterDepth {
		return store.Filter{}, invalidFilter("nested too deep")
	}
	conds := make([]store.Filter, 0, len(doc))
	for _, key := range sortedKeys(doc) {
		val := doc[key]
		switch key {
		case "$and", "$or":
			arr, ok := val.([]any)
			if !ok || len(arr) == 0 {
				return store.Filter{}, invalidFilter("%s needs a non-empty array", key)
			}
			children := make([]store.Filter, 0, len(arr))
			for _, e := range arr {
				sub, ok := e.(map[string]any)
				if !ok {
					return store.Filter{}, invalidFilter("%s items must be objects", key)
				}
				f, err := parseFilter(sub, m, depth+1)
				if err != nil {
					return store.Filter{}, err
				}
				children = append(children, f)
			}
			if key == "$and" {
				conds = append(conds, store.And(children...))
			} else {
				conds = append(conds, orOf(children))
			}
			continue
		}
		if strings.HasPrefix(key, "$") {
			return store.Filter{}, invalidFilter("unknown operator %s", key)
		}
		f, err := fieldCondition(key, val, m)
		if err != nil {
			return store.Filter{}, err
		}
		conds = append(conds, f)
	}
	return store.And(conds...), nil
}

// orOf keeps an OR with a match-all branch from turning into "match nothing".
func orOf(children []store.Filter) store.Filter {
	for _, c := range children {
		if c.IsAll() {
			return store.All()
		}
	}
	return store.Or(children...)
}

func isOperatorMap(v any) (map[string]any, bool) {
	mv, ok := v.(map[string]any)
	if !ok || len(mv) == 0 {
		return nil, false
	}
	for k := range mv {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return mv, true
}

func fieldCondition(path string, val any, m *registry.Model) (store.Filter, error) {
	field := fieldFor(m, path)
	ops, ok := isOperatorMap(val)
	if !ok {
		return store.Eq(path, castValue(field, val)), nil
	}

	conds := make([]store.Filter, 0, len(ops))
	for _, op := range sortedKeys(ops) {
		arg := ops[op]
		switch op {
		case "$eq":
			conds = append(conds, store.Eq(path, castValue(field, arg)))
		case "$ne":
			conds = append(conds, store.Ne(path, castValue(field, arg)))
		case "$gt":
			conds = append(conds, store.Gt(path, castValue(field, arg)))
		case "$gte":
			conds = append(conds, store.Gte(path, castValue(field, arg)))
		case "$lt":
			conds = append(conds, store.Lt(path, castValue(field, arg)))
		case "$lte":
			conds = append(conds, store.Lte(path, castValue(field, arg)))
		case "$in", "$nin":
			arr, ok := arg.([]any)
			if !ok {
				return store.Filter{}, invalidFilter("%s on %s needs an array", op, path)
			}
			vals := make([]any, len(arr))
			for i, a := range arr {
				vals[i] = castValue(field, a)
			}
			if op == "$in" {
				conds = append(conds, store.In(path, vals))
			} else {
				conds = append(conds, store.Nin(path, vals))
			}
		case "$exists":
			want, ok := truthy(arg)
			if !ok {
				return store.Filter{}, invalidFilter("$exists on %s needs a boolean", path)
			}
			conds = append(conds, store.Exists(path, want))
		case "$regex":
			pattern, ok := arg.(string)
			if !ok {
				return store.Filter{}, invalidFilter("$regex on %s needs a string", path)
			}
			flags, _ := ops["$options"].(string)
			if _, err := store.CompileRegex(pattern, flags); err != nil {
				return store.Filter{}, invalidFilter("$regex on %s: %v", path, err)
			}
			conds = append(conds, store.Regex(path, pattern, flags))
		case "$options":
			if _, ok := ops["$regex"]; !ok {
				return store.Filter{}, invalidFilter("$options on %s without $regex", path)
			}
		default:
			return store.Filter{}, invalidFilter("unknown operator %s on %s", op, path)
		}
	}
	return store.And(conds...), nil
}

func truthy(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case float64:
		return t != 0, true
	}
	return false, false
}

// ParseUpdateDocument converts a bulk-update body into a store update. Plain
// keys are set; $set, $unset and $inc are understood.
func ParseUpdateDocument(doc map[string]any) (store.Update, error) {
	upd := store.Update{Set: map[string]any{}, Inc: map[string]float64{}}
	for _, key := range sortedKeys(doc) {
		val := doc[key]
		switch key {
		case "$set":
			set, ok := val.(map[string]any)
			if !ok {
				return store.Update{}, fmt.Errorf("%w: $set needs an object", ErrInvalidUpdate)
			}
			for k, v := range set {
				upd.Set[k] = v
			}
		case "$unset":
			unset, ok := val.(map[string]any)
			if !ok {
				return store.Update{}, fmt.Errorf("%w: $unset needs an object", ErrInvalidUpdate)
			}
			upd.Unset = append(upd.Unset, sortedKeys(unset)...)
		case "$inc":
			inc, ok := val.(map[string]any)
			if !ok {
				return store.Update{}, fmt.Errorf("%w: $inc needs an object", ErrInvalidUpdate)
			}
			for k, v := range inc {
				n, ok := v.(float64)
				if !ok {
					return store.Update{}, fmt.Errorf("%w: $inc %s needs a number", ErrInvalidUpdate, k)
				}
				upd.Inc[k] = n
			}
		default:
			if strings.HasPrefix(key, "$") {
				return store.Update{}, fmt.Errorf("%w: unknown operator %s", ErrInvalidUpdate, key)
			}
			upd.Set[key] = val
		}
	}
	if upd.IsEmpty() {
		return store.Update{}, fmt.Errorf("%w: nothing to update", ErrInvalidUpdate)
	}
	return upd, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
