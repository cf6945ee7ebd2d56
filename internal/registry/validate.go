package registry

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"dynadmin/internal/dsl"
	"dynadmin/internal/store"
)

// FieldError describes one rejected path.
type FieldError struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Коды ошибок валидации
const (
	ErrRequired     = "required"
	ErrTypeMismatch = "type_mismatch"
	ErrEnumInvalid  = "enum_invalid"
	ErrOutOfRange   = "out_of_range"
	ErrLength       = "length"
	ErrPattern      = "pattern_mismatch"
)

// ValidationError lists every path that failed validation or casting.
type ValidationError struct {
	Model  string
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return e.Model + " validation failed: " + strings.Join(parts, ", ")
}

// Details maps each failed path to its message.
func (e *ValidationError) Details() map[string]string {
	out := make(map[string]string, len(e.Errors))
	for _, fe := range e.Errors {
		if _, dup := out[fe.Field]; !dup {
			out[fe.Field] = fe.Message
		}
	}
	return out
}

type mode int

const (
	modeCreate mode = iota // defaults applied, required enforced on absent paths
	modeUpdate             // only the paths present are checked
)

type validator struct {
	model *Model
	mode  mode
	now   time.Time
	errs  []FieldError
}

// Validate casts doc to the schema's storage types and runs the declared
// validators. It returns the normalised copy; in strict mode undeclared
// paths are dropped. Timestamp paths are left to Stamp.
func (m *Model) Validate(doc store.Document) (store.Document, error) {
	v := &validator{model: m, mode: modeCreate, now: time.Now().UTC()}
	out := v.object(m.Schema.Fields, doc, "")
	v.root(doc, out)
	return out, v.err()
}

// CastUpdate casts and validates the paths touched by upd. Undeclared paths
// are dropped in strict mode; `_id` and timestamp paths are never writable.
func (m *Model) CastUpdate(upd store.Update) (store.Update, error) {
	v := &validator{model: m, mode: modeUpdate, now: time.Now().UTC()}
	out := store.Update{}

	for _, path := range sortedPaths(upd.Set) {
		if m.protected(path) {
			continue
		}
		f := m.Schema.Lookup(path)
		if f == nil {
			if m.Schema.Strict {
				continue
			}
			if out.Set == nil {
				out.Set = map[string]any{}
			}
			out.Set[path] = store.CloneValue(upd.Set[path])
			continue
		}
		if out.Set == nil {
			out.Set = map[string]any{}
		}
		out.Set[path] = v.value(f, upd.Set[path], path)
	}

	for _, path := range upd.Unset {
		if m.protected(path) {
			continue
		}
		f := m.Schema.Lookup(path)
		if f == nil && m.Schema.Strict {
			continue
		}
		if f != nil && f.Options.Bool("required") {
			v.fail(f, path, "required", ErrRequired, nil, "Path `{PATH}` is required.")
			continue
		}
		out.Unset = append(out.Unset, path)
	}

	for _, path := range sortedPaths(upd.Inc) {
		if m.protected(path) {
			continue
		}
		f := m.Schema.Lookup(path)
		if f == nil && m.Schema.Strict {
			continue
		}
		if f != nil && f.Kind == dsl.KindScalar && f.Type != dsl.TypeNumber && f.Type != dsl.TypeMixed {
			v.errs = append(v.errs, FieldError{
				Code:    ErrTypeMismatch,
				Field:   path,
				Message: fmt.Sprintf("Cannot increment non-numeric path %q (%s)", path, f.Type),
			})
			continue
		}
		if out.Inc == nil {
			out.Inc = map[string]float64{}
		}
		out.Inc[path] = upd.Inc[path]
	}

	return out, v.err()
}

func (m *Model) protected(path string) bool {
	ts := m.Schema.Timestamps
	return path == dsl.IDPath || path == ts.CreatedAt || path == ts.UpdatedAt
}

func (v *validator) err() error {
	if len(v.errs) == 0 {
		return nil
	}
	return &ValidationError{Model: v.model.ModelName, Errors: v.errs}
}

// root carries `_id` and, outside strict mode, undeclared top-level paths.
func (v *validator) root(in, out store.Document) {
	ts := v.model.Schema.Timestamps
	for k, val := range in {
		switch {
		case k == dsl.IDPath:
			if id := store.DocID(in); id != "" {
				out[k] = id
			}
		case k == ts.CreatedAt || k == ts.UpdatedAt:
		case !v.model.Schema.Strict && v.model.Schema.Field(k) == nil:
			out[k] = store.CloneValue(val)
		}
	}
}

func (v *validator) object(fields []*dsl.Field, in map[string]any, prefix string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		path := join(prefix, f.Name)
		val, present := in[f.Name]
		if !present && v.mode == modeCreate {
			val, present = v.defaultValue(f)
		}
		if !present {
			if v.mode != modeCreate {
				continue
			}
			if f.Kind == dsl.KindObject {
				// вложенные значения по умолчанию и required
				if sub := v.object(f.Fields, map[string]any{}, path); len(sub) > 0 {
					out[f.Name] = sub
				}
				continue
			}
			v.required(f, path, nil)
			continue
		}
		out[f.Name] = v.value(f, val, path)
	}
	if prefix != "" && !v.model.Schema.Strict {
		for k, val := range in {
			if _, declared := out[k]; !declared && fieldNamed(fields, k) == nil {
				out[k] = val
			}
		}
	}
	return out
}

func fieldNamed(fields []*dsl.Field, name string) *dsl.Field {
	for _, f := range fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func (v *validator) defaultValue(f *dsl.Field) (any, bool) {
	d, ok := f.Options["default"]
	if !ok {
		if f.Kind == dsl.KindArray {
			return []any{}, true
		}
		return nil, false
	}
	if s, isStr := d.(string); isStr && f.Type == dsl.TypeDate {
		switch strings.ToLower(s) {
		case "now", "date.now", "date.now()":
			return v.now, true
		}
	}
	return dsl.Plain(d), true
}

func (v *validator) value(f *dsl.Field, val any, path string) any {
	if val == nil {
		v.required(f, path, nil)
		return nil
	}
	switch f.Kind {
	case dsl.KindObject:
		m, ok := val.(map[string]any)
		if !ok {
			v.castFail(path, "Embedded", val)
			return val
		}
		return v.object(f.Fields, m, path)
	case dsl.KindArray:
		arr, ok := val.([]any)
		if !ok {
			arr = []any{val}
		}
		elem := f.Elem
		if elem == nil {
			elem = &dsl.Field{Kind: dsl.KindScalar, Type: dsl.TypeMixed, Options: dsl.Options{}}
		}
		out := make([]any, len(arr))
		for i, e := range arr {
			out[i] = v.value(elem, e, path+"."+strconv.Itoa(i))
		}
		v.check(f, path, out)
		return out
	}

	cast, err := castScalar(f.Type, val)
	if err != nil {
		v.castFail(path, string(f.Type), val)
		return val
	}
	cast = transform(f.Options, cast)
	v.check(f, path, cast)
	return cast
}

func (v *validator) castFail(path, typ string, val any) {
	v.errs = append(v.errs, FieldError{
		Code:    ErrTypeMismatch,
		Field:   path,
		Message: fmt.Sprintf("Cast to %s failed for value %s (type %s) at path %q", typ, quoteValue(val), typeName(val), path),
	})
}

func (v *validator) required(f *dsl.Field, path string, val any) bool {
	if !f.Options.Bool("required") {
		return true
	}
	missing := val == nil
	switch t := val.(type) {
	case string:
		missing = t == ""
	case []any:
		missing = len(t) == 0
	}
	if missing {
		v.fail(f, path, "required", ErrRequired, val, "Path `{PATH}` is required.")
		return false
	}
	return true
}

// fail records an error using the option's custom message when declared as
// [value, "message"]. {PATH} and {VALUE} are substituted.
func (v *validator) fail(f *dsl.Field, path, option, code string, val any, def string) {
	msg := def
	if option == "enum" {
		if o, ok := f.Options["enum"].(*dsl.Object); ok {
			if s, ok := o.String("message"); ok && s != "" {
				msg = s
			}
		}
	} else if custom := f.Options.Message(option); custom != "" {
		msg = custom
	}
	msg = strings.NewReplacer("{PATH}", path, "{VALUE}", fmt.Sprint(val)).Replace(msg)
	v.errs = append(v.errs, FieldError{Code: code, Field: path, Message: msg})
}

func (v *validator) check(f *dsl.Field, path string, val any) {
	if !v.required(f, path, val) || val == nil {
		return
	}
	opts := f.Options

	if allowed := enumValues(opts); len(allowed) > 0 {
		if _, isArr := val.([]any); !isArr && !containsValue(allowed, val) {
			v.fail(f, path, "enum", ErrEnumInvalid, val, fmt.Sprintf("`%v` is not a valid enum value for path `{PATH}`.", val))
		}
	}

	switch t := val.(type) {
	case float64:
		if lo, ok := opts.Number("min"); ok && t < lo {
			v.fail(f, path, "min", ErrOutOfRange, val, fmt.Sprintf("Path `{PATH}` ({VALUE}) is less than minimum allowed value (%s).", formatNumber(lo)))
		}
		if hi, ok := opts.Number("max"); ok && t > hi {
			v.fail(f, path, "max", ErrOutOfRange, val, fmt.Sprintf("Path `{PATH}` ({VALUE}) is more than maximum allowed value (%s).", formatNumber(hi)))
		}
	case time.Time:
		if lo, ok := dateOption(opts, "min"); ok && t.Before(lo) {
			v.fail(f, path, "min", ErrOutOfRange, val, fmt.Sprintf("Path `{PATH}` ({VALUE}) is before minimum allowed value (%s).", lo.Format(time.RFC3339)))
		}
		if hi, ok := dateOption(opts, "max"); ok && t.After(hi) {
			v.fail(f, path, "max", ErrOutOfRange, val, fmt.Sprintf("Path `{PATH}` ({VALUE}) is after maximum allowed value (%s).", hi.Format(time.RFC3339)))
		}
	case string:
		n := float64(len([]rune(t)))
		if lo, ok := opts.Number("minlength"); ok && n < lo {
			v.fail(f, path, "minlength", ErrLength, val, fmt.Sprintf("Path `{PATH}` (`{VALUE}`) is shorter than the minimum allowed length (%s).", formatNumber(lo)))
		}
		if hi, ok := opts.Number("maxlength"); ok && n > hi {
			v.fail(f, path, "maxlength", ErrLength, val, fmt.Sprintf("Path `{PATH}` (`{VALUE}`) is longer than the maximum allowed length (%s).", formatNumber(hi)))
		}
		if re := matchOption(opts); re != nil && !re.MatchString(t) {
			v.fail(f, path, "match", ErrPattern, val, "Path `{PATH}` is invalid ({VALUE}).")
		}
	}
}

func sortedPaths[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func quoteValue(v any) string {
	switch t := v.(type) {
	case string:
		return strconv.Quote(t)
	case map[string]any, []any:
		return fmt.Sprintf("%v", t)
	}
	return fmt.Sprintf("%q", fmt.Sprint(v))
}

func typeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64, int, int64:
		return "number"
	case bool:
		return "boolean"
	case map[string]any:
		return "Object"
	case []any:
		return "Array"
	case time.Time:
		return "Date"
	}
	return fmt.Sprintf("%T", v)
}

// ==== casting ====

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// castScalar converts val to the Go representation of typ. A nil result
// with nil error means the value casts to null (e.g. "" for numbers).
func castScalar(typ dsl.StorageType, val any) (any, error) {
	switch typ {
	case dsl.TypeString:
		switch t := val.(type) {
		case string:
			return t, nil
		case float64:
			return formatNumber(t), nil
		case bool:
			return strconv.FormatBool(t), nil
		case time.Time:
			return t.UTC().Format(time.RFC3339Nano), nil
		}
	case dsl.TypeNumber:
		switch t := val.(type) {
		case float64:
			if math.IsNaN(t) {
				break
			}
			return t, nil
		case int:
			return float64(t), nil
		case int64:
			return float64(t), nil
		case bool:
			if t {
				return 1.0, nil
			}
			return 0.0, nil
		case string:
			s := strings.TrimSpace(t)
			if s == "" {
				return nil, nil
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
				return f, nil
			}
		}
	case dsl.TypeBoolean:
		switch t := val.(type) {
		case bool:
			return t, nil
		case float64:
			if t == 1 {
				return true, nil
			}
			if t == 0 {
				return false, nil
			}
		case string:
			switch strings.ToLower(strings.TrimSpace(t)) {
			case "true", "1", "yes":
				return true, nil
			case "false", "0", "no":
				return false, nil
			}
		}
	case dsl.TypeDate:
		switch t := val.(type) {
		case time.Time:
			return t.UTC(), nil
		case float64:
			return time.UnixMilli(int64(t)).UTC(), nil
		case string:
			s := strings.TrimSpace(t)
			if s == "" {
				return nil, nil
			}
			for _, layout := range dateLayouts {
				if ts, err := time.Parse(layout, s); err == nil {
					return ts.UTC(), nil
				}
			}
		}
	case dsl.TypeObjectID:
		switch t := val.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s, nil
			}
		case map[string]any:
			// уже заполненный документ вместо id
			if id := store.DocID(t); id != "" {
				return id, nil
			}
		}
	default:
		return val, nil
	}
	return nil, fmt.Errorf("cannot cast %T to %s", val, typ)
}

// CastValue converts a raw value to the storage type of f, for filters built
// from untrusted input. ok is false when the value does not fit.
func CastValue(f *dsl.Field, val any) (any, bool) {
	typ := f.Type
	if f.Kind == dsl.KindArray {
		if f.Elem == nil {
			return val, true
		}
		return CastValue(f.Elem, val)
	}
	if f.Kind == dsl.KindObject {
		return val, true
	}
	out, err := castScalar(typ, val)
	if err != nil || out == nil {
		return val, false
	}
	return out, true
}

func transform(opts dsl.Options, val any) any {
	s, ok := val.(string)
	if !ok {
		return val
	}
	if opts.Bool("trim") {
		s = strings.TrimSpace(s)
	}
	if opts.Bool("lowercase") {
		s = strings.ToLower(s)
	}
	if opts.Bool("uppercase") {
		s = strings.ToUpper(s)
	}
	return s
}

func enumValues(opts dsl.Options) []any {
	switch t := opts["enum"].(type) {
	case []any:
		return t
	case *dsl.Object:
		if vals, ok := t.Get("values"); ok {
			if arr, ok := vals.([]any); ok {
				return arr
			}
		}
	}
	return nil
}

func containsValue(allowed []any, val any) bool {
	for _, a := range allowed {
		if store.Equal(a, val) {
			return true
		}
	}
	return false
}

func dateOption(opts dsl.Options, key string) (time.Time, bool) {
	raw, ok := opts.Value(key)
	if !ok {
		return time.Time{}, false
	}
	v, err := castScalar(dsl.TypeDate, raw)
	if err != nil || v == nil {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

// match accepts a plain pattern or the /pattern/flags literal form.
func matchOption(opts dsl.Options) *regexp.Regexp {
	raw, ok := opts.Value("match")
	if !ok {
		return nil
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return nil
	}
	pattern, flags := s, ""
	if strings.HasPrefix(s, "/") {
		if end := strings.LastIndex(s, "/"); end > 0 {
			pattern, flags = s[1:end], s[end+1:]
		}
	}
	re, err := store.CompileRegex(pattern, flags)
	if err != nil {
		return nil
	}
	return re
}
