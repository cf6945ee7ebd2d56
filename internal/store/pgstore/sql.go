package pgstore

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"dynadmin/internal/store"
)

// dates are stored as fixed-width UTC strings so they sort and compare
// correctly as text inside jsonb
const dateLayout = "2006-01-02T15:04:05.000000000Z"

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{9}Z$`)

func encodeValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(dateLayout)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = encodeValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = encodeValue(e)
		}
		return out
	}
	return v
}

func decodeValue(v any) any {
	switch t := v.(type) {
	case string:
		if dateRe.MatchString(t) {
			if ts, err := time.Parse(dateLayout, t); err == nil {
				return ts
			}
		}
		return t
	case map[string]any:
		for k, e := range t {
			t[k] = decodeValue(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = decodeValue(e)
		}
		return t
	}
	return v
}

func marshalDoc(doc store.Document) ([]byte, error) {
	body := make(map[string]any, len(doc))
	for k, v := range store.Clone(doc) {
		if k == store.IDField {
			continue
		}
		body[k] = encodeValue(v)
	}
	return json.Marshal(body)
}

func unmarshalDoc(id string, raw []byte) (store.Document, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("pgstore: decode document %s: %w", id, err)
	}
	if m == nil {
		m = map[string]any{}
	}
	doc := decodeValue(m).(map[string]any)
	doc[store.IDField] = id
	return doc, nil
}

// jsonPath renders a dotted field path as an SQL/JSON path with quoted keys.
func jsonPath(field string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range strings.Split(field, ".") {
		if n, err := strconv.Atoi(seg); err == nil && n >= 0 {
			fmt.Fprintf(&b, "[%d]", n)
			continue
		}
		b.WriteString(".")
		b.WriteString(jsonString(seg))
	}
	return b.String()
}

func jsonString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// builder accumulates positional arguments while rendering a WHERE clause.
type builder struct {
	args []any
}

func (b *builder) arg(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

func (b *builder) pathExists(path string, vars map[string]any) (string, error) {
	if vars == nil {
		return fmt.Sprintf("jsonb_path_exists(doc, %s::jsonpath)", b.arg(path)), nil
	}
	raw, err := json.Marshal(encodeValue(vars))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("jsonb_path_exists(doc, %s::jsonpath, %s::jsonb)", b.arg(path), b.arg(string(raw))), nil
}

var cmpOps = map[store.Op]string{
	store.OpGt: ">", store.OpGte: ">=", store.OpLt: "<", store.OpLte: "<=",
}

func (b *builder) where(f store.Filter) (string, error) {
	switch f.Op {
	case store.OpAll:
		return "true", nil
	case store.OpAnd, store.OpOr:
		if len(f.Children) == 0 {
			if f.Op == store.OpAnd {
				return "true", nil
			}
			return "false", nil
		}
		parts := make([]string, len(f.Children))
		for i, c := range f.Children {
			p, err := b.where(c)
			if err != nil {
				return "", err
			}
			parts[i] = p
		}
		return "(" + strings.Join(parts, " "+string(f.Op)+" ") + ")", nil
	}
	if f.Field == store.IDField {
		return b.whereID(f)
	}

	path := jsonPath(f.Field)
	switch f.Op {
	case store.OpEq:
		return b.eq(f.Field, path, f.Value)
	case store.OpNe:
		c, err := b.eq(f.Field, path, f.Value)
		return "not " + c, err
	case store.OpIn, store.OpNin:
		if len(f.Values) == 0 {
			if f.Op == store.OpIn {
				return "false", nil
			}
			return "true", nil
		}
		parts := make([]string, len(f.Values))
		for i, v := range f.Values {
			c, err := b.eq(f.Field, path, v)
			if err != nil {
				return "", err
			}
			parts[i] = c
		}
		c := "(" + strings.Join(parts, " or ") + ")"
		if f.Op == store.OpNin {
			c = "not " + c
		}
		return c, nil
	case store.OpGt, store.OpGte, store.OpLt, store.OpLte:
		return b.pathExists(fmt.Sprintf("%s ? (@ %s $v)", path, cmpOps[f.Op]), map[string]any{"v": f.Value})
	case store.OpExists:
		c, err := b.pathExists(path, nil)
		if want, _ := f.Value.(bool); !want {
			c = "not " + c
		}
		return c, err
	case store.OpContains:
		return b.pathExists(fmt.Sprintf(`%s ? (@ like_regex %s flag "i")`, path, jsonString(regexp.QuoteMeta(fmt.Sprint(f.Value)))), nil)
	case store.OpRegex:
		flag := ""
		if fl := regexFlags(f.Flags); fl != "" {
			flag = fmt.Sprintf(" flag %s", jsonString(fl))
		}
		return b.pathExists(fmt.Sprintf(`%s ? (@ like_regex %s%s)`, path, jsonString(fmt.Sprint(f.Value)), flag), nil)
	}
	return "", fmt.Errorf("pgstore: unsupported filter operator %q", f.Op)
}

func regexFlags(flags string) string {
	var b strings.Builder
	for _, r := range flags {
		if strings.ContainsRune("imsx", r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// eq matches a scalar anywhere the path leads, array elements included;
// containers compare as whole jsonb values. A nil value also matches a
// missing path.
func (b *builder) eq(field, path string, v any) (string, error) {
	switch v.(type) {
	case nil:
		missing, _ := b.pathExists(path, nil)
		isNull, _ := b.pathExists(path+" ? (@ == null)", nil)
		return fmt.Sprintf("(not %s or %s)", missing, isNull), nil
	case map[string]any, []any:
		raw, err := json.Marshal(encodeValue(v))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(doc #> %s::text[]) = %s::jsonb", b.arg(strings.Split(field, ".")), b.arg(string(raw))), nil
	}
	return b.pathExists(path+" ? (@ == $v)", map[string]any{"v": v})
}

func (b *builder) whereID(f store.Filter) (string, error) {
	switch f.Op {
	case store.OpEq:
		return "id = " + b.arg(fmt.Sprint(f.Value)), nil
	case store.OpNe:
		return "id <> " + b.arg(fmt.Sprint(f.Value)), nil
	case store.OpIn, store.OpNin:
		ids := make([]string, len(f.Values))
		for i, v := range f.Values {
			ids[i] = fmt.Sprint(v)
		}
		c := "id = any(" + b.arg(ids) + ")"
		if f.Op == store.OpNin {
			c = "not (" + c + ")"
		}
		return c, nil
	case store.OpGt, store.OpGte, store.OpLt, store.OpLte:
		return "id " + cmpOps[f.Op] + " " + b.arg(fmt.Sprint(f.Value)), nil
	case store.OpExists:
		if want, _ := f.Value.(bool); want {
			return "true", nil
		}
		return "false", nil
	case store.OpContains:
		return "id ilike " + b.arg("%"+escapeLike(fmt.Sprint(f.Value))+"%"), nil
	case store.OpRegex:
		op := "~"
		if strings.Contains(f.Flags, "i") {
			op = "~*"
		}
		return "id " + op + " " + b.arg(fmt.Sprint(f.Value)), nil
	}
	return "", fmt.Errorf("pgstore: unsupported filter operator %q", f.Op)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (b *builder) orderBy(keys []store.SortField) string {
	parts := make([]string, 0, len(keys)+2)
	for _, k := range keys {
		expr := "id"
		if k.Field != store.IDField {
			expr = fmt.Sprintf("(doc #> %s::text[])", b.arg(strings.Split(k.Field, ".")))
		}
		if k.Desc {
			parts = append(parts, expr+" desc nulls last")
		} else {
			parts = append(parts, expr+" asc nulls first")
		}
	}
	parts = append(parts, "created_at asc", "id asc")
	return strings.Join(parts, ", ")
}
