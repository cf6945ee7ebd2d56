package mongostore

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"dynadmin/internal/store"
)

// idValue turns a hex id into an ObjectID; other ids are kept as strings.
func idValue(id string) any {
	if len(id) == 24 {
		if oid, err := primitive.ObjectIDFromHex(id); err == nil {
			return oid
		}
	}
	return id
}

// variants returns the stored representations a filter value may have.
// References written by other clients are often ObjectIDs while this service
// stores them as hex strings, so a hex value matches both.
func variants(field string, v any) []any {
	s, ok := v.(string)
	if !ok {
		return []any{v}
	}
	if field == store.IDField {
		return []any{idValue(s)}
	}
	if oid, isOID := idValue(s).(primitive.ObjectID); isOID {
		return []any{s, oid}
	}
	return []any{s}
}

func toFilter(f store.Filter) bson.D {
	switch f.Op {
	case store.OpAll:
		return bson.D{}
	case store.OpAnd, store.OpOr:
		if len(f.Children) == 0 {
			if f.Op == store.OpAnd {
				return bson.D{}
			}
			// every document has an _id, so this matches nothing
			return bson.D{{Key: store.IDField, Value: bson.D{{Key: "$exists", Value: false}}}}
		}
		arr := make(bson.A, len(f.Children))
		for i, c := range f.Children {
			arr[i] = toFilter(c)
		}
		return bson.D{{Key: "$" + string(f.Op), Value: arr}}
	case store.OpEq:
		vs := variants(f.Field, f.Value)
		if len(vs) == 1 {
			return bson.D{{Key: f.Field, Value: vs[0]}}
		}
		return op(f.Field, "$in", bson.A(vs))
	case store.OpNe:
		vs := variants(f.Field, f.Value)
		if len(vs) == 1 {
			return op(f.Field, "$ne", vs[0])
		}
		return op(f.Field, "$nin", bson.A(vs))
	case store.OpIn, store.OpNin:
		all := bson.A{}
		for _, v := range f.Values {
			all = append(all, variants(f.Field, v)...)
		}
		return op(f.Field, "$"+string(f.Op), all)
	case store.OpGt, store.OpGte, store.OpLt, store.OpLte:
		return op(f.Field, "$"+string(f.Op), variants(f.Field, f.Value)[0])
	case store.OpExists:
		want, _ := f.Value.(bool)
		return op(f.Field, "$exists", want)
	case store.OpContains:
		return bson.D{{Key: f.Field, Value: primitive.Regex{Pattern: regexp.QuoteMeta(fmt.Sprint(f.Value)), Options: "i"}}}
	case store.OpRegex:
		return bson.D{{Key: f.Field, Value: primitive.Regex{Pattern: fmt.Sprint(f.Value), Options: f.Flags}}}
	}
	return bson.D{}
}

func op(field, name string, v any) bson.D {
	return bson.D{{Key: field, Value: bson.D{{Key: name, Value: v}}}}
}

func toUpdate(u store.Update) bson.D {
	out := bson.D{}
	if len(u.Set) > 0 {
		set := bson.M{}
		for k, v := range u.Set {
			set[k] = v
		}
		out = append(out, bson.E{Key: "$set", Value: set})
	}
	if len(u.Unset) > 0 {
		unset := bson.M{}
		for _, k := range u.Unset {
			unset[k] = ""
		}
		out = append(out, bson.E{Key: "$unset", Value: unset})
	}
	if len(u.Inc) > 0 {
		inc := bson.M{}
		for k, v := range u.Inc {
			inc[k] = v
		}
		out = append(out, bson.E{Key: "$inc", Value: inc})
	}
	return out
}

func sortSpec(keys []store.SortField) bson.D {
	out := make(bson.D, 0, len(keys))
	for _, k := range keys {
		dir := 1
		if k.Desc {
			dir = -1
		}
		out = append(out, bson.E{Key: k.Field, Value: dir})
	}
	return out
}

// projection mirrors store.Project: inclusion wins when both kinds are given.
func projection(fields []string) bson.D {
	if len(fields) == 0 {
		return nil
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
	out := bson.D{}
	if len(include) == 0 {
		for _, p := range exclude {
			out = append(out, bson.E{Key: p, Value: 0})
		}
		return out
	}
	for _, p := range include {
		out = append(out, bson.E{Key: p, Value: 1})
	}
	for _, p := range exclude {
		if p == store.IDField {
			out = append(out, bson.E{Key: p, Value: 0})
		}
	}
	return out
}

// groupPipeline builds $match + $group. Field paths may contain dots, which
// are not allowed in $group output names, so keys and accumulators use
// aliases; names maps each accumulator alias to its public name.
func groupPipeline(f store.Filter, spec store.GroupSpec) (mongo.Pipeline, map[string]string) {
	var id any
	if len(spec.By) > 0 {
		key := bson.D{}
		for i, field := range spec.By {
			key = append(key, bson.E{Key: fmt.Sprintf("g%d", i), Value: "$" + field})
		}
		id = key
	}
	group := bson.D{{Key: store.IDField, Value: id}}
	names := map[string]string{}
	n := 0
	add := func(prefix, field string, acc bson.D) {
		alias := fmt.Sprintf("a%d", n)
		n++
		names[alias] = prefix + field
		group = append(group, bson.E{Key: alias, Value: acc})
	}
	for _, field := range spec.Sum {
		add("sum_", field, bson.D{{Key: "$sum", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$" + field, 0}}}}})
	}
	for _, field := range spec.Avg {
		add("avg_", field, bson.D{{Key: "$avg", Value: "$" + field}})
	}
	for _, field := range spec.Min {
		add("min_", field, bson.D{{Key: "$min", Value: "$" + field}})
	}
	for _, field := range spec.Max {
		add("max_", field, bson.D{{Key: "$max", Value: "$" + field}})
	}
	return mongo.Pipeline{
		{{Key: "$match", Value: toFilter(f)}},
		{{Key: "$group", Value: group}},
		{{Key: "$sort", Value: bson.D{{Key: store.IDField, Value: 1}}}},
	}, names
}

func toBSONDoc(doc store.Document) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func normalizeDoc(m map[string]any) store.Document {
	out := make(store.Document, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}
	return out
}

// normalize converts driver types into the plain values the rest of the
// service works with.
func normalize(v any) any {
	switch t := v.(type) {
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC()
	case time.Time:
		return t.UTC()
	case primitive.Timestamp:
		return time.Unix(int64(t.T), 0).UTC()
	case int32:
		return int64(t)
	case primitive.Decimal128:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return t.String()
		}
		return d.InexactFloat64()
	case primitive.Regex:
		return t.Pattern
	case primitive.Binary:
		return t.Data
	case primitive.Null, primitive.Undefined:
		return nil
	case primitive.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case primitive.M:
		return normalizeDoc(t)
	case map[string]any:
		return normalizeDoc(t)
	case primitive.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	}
	return v
}
