package dsl

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustObject(t *testing.T, src string) *Object {
	t.Helper()
	v, err := ParseJSON([]byte(src))
	require.NoError(t, err)
	obj, ok := v.(*Object)
	require.True(t, ok, "expected object, got %T", v)
	return obj
}

func TestParseJSONKeepsKeyOrder(t *testing.T) {
	obj := mustObject(t, `{"z":1,"a":{"y":true,"b":null},"m":[1,"x",{"k":2}]}`)

	assert.Equal(t, []string{"z", "a", "m"}, obj.Keys())
	inner, ok := obj.Object("a")
	require.True(t, ok)
	assert.Equal(t, []string{"y", "b"}, inner.Keys())

	out, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"z":1,"a":{"y":true,"b":null},"m":[1,"x",{"k":2}]}`, string(out))
}

func TestParseJSONErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"trailing data", `{"a":1} {"b":2}`},
		{"truncated", `{"a":`},
		{"empty", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJSON([]byte(tt.src))
			assert.Error(t, err)
		})
	}
}

func TestObjectUnmarshalJSON(t *testing.T) {
	var obj Object
	require.NoError(t, json.Unmarshal([]byte(`{"b":1,"a":2}`), &obj))
	assert.Equal(t, []string{"b", "a"}, obj.Keys())

	err := json.Unmarshal([]byte(`[1,2]`), &obj)
	assert.Error(t, err)
}

func TestResolveType(t *testing.T) {
	tests := []struct {
		in   string
		want StorageType
	}{
		{"string", TypeString},
		{"String", TypeString},
		{" NUMBER ", TypeNumber},
		{"int", TypeNumber},
		{"boolean", TypeBoolean},
		{"bool", TypeBoolean},
		{"date", TypeDate},
		{"ObjectId", TypeObjectID},
		{"array", TypeArray},
		{"mixed", TypeMixed},
		{"geo", TypeMixed},
		{"", TypeMixed},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveType(tt.in))
		})
	}
}

func TestBuild(t *testing.T) {
	def := mustObject(t, `{
		"name": {"type": "string", "required": true, "trim": true},
		"price": "number",
		"tags": ["string"],
		"owner": {"type": "ObjectId", "ref": "users"},
		"members": [{"type": "ObjectId", "ref": "users"}],
		"address": {"street": "string", "zip": {"type": "string"}},
		"items": [{"material": {"type": "ObjectId", "ref": "materials"}, "qty": "number"}],
		"meta": {},
		"weird": {"type": "geo"},
		"empty": [],
		"flag": 42
	}`)

	fields := Build(def)
	require.Len(t, fields, 11)

	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	assert.Equal(t, []string{"name", "price", "tags", "owner", "members", "address", "items", "meta", "weird", "empty", "flag"}, names)

	name := fields[0]
	assert.Equal(t, KindScalar, name.Kind)
	assert.Equal(t, TypeString, name.Type)
	assert.True(t, name.Options.Bool("required"))
	assert.True(t, name.Options.Bool("trim"))
	assert.NotContains(t, name.Options, "type")

	assert.Equal(t, TypeNumber, fields[1].Type)

	tags := fields[2]
	assert.Equal(t, KindArray, tags.Kind)
	assert.Equal(t, TypeString, tags.Elem.Type)

	owner := fields[3]
	assert.Equal(t, KindReference, owner.Kind)
	assert.Equal(t, "users", owner.RefTarget())

	members := fields[4]
	assert.Equal(t, KindArray, members.Kind)
	assert.Equal(t, "users", members.RefTarget())

	address := fields[5]
	assert.Equal(t, KindObject, address.Kind)
	assert.Equal(t, "Embedded", address.Instance())
	require.NotNil(t, address.Child("zip"))
	assert.Equal(t, TypeString, address.Child("zip").Type)

	items := fields[6]
	assert.Equal(t, KindArray, items.Kind)
	require.NotNil(t, items.Child("material"))
	assert.Equal(t, "materials", items.Child("material").Ref)

	assert.Equal(t, TypeMixed, fields[7].Type)
	assert.Equal(t, TypeMixed, fields[8].Type)
	assert.Equal(t, TypeMixed, fields[9].Elem.Type)
	assert.Equal(t, TypeMixed, fields[10].Type)
}

func TestBuildIsDeterministic(t *testing.T) {
	src := `{"a":"string","b":{"type":"ObjectId","ref":"x"},"c":[{"d":"number"}]}`
	first := Build(mustObject(t, src))
	second := Build(mustObject(t, src))

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].String(), second[i].String())
	}
}

func TestOptionsValue(t *testing.T) {
	opts := Options{
		"required": []any{true, "name is mandatory"},
		"min":      []any{float64(3), "too small"},
		"enum":     []any{"a", "b"},
		"default":  []any{"x", "y"},
		"max":      "10",
	}

	v, ok := opts.Value("required")
	require.True(t, ok)
	assert.Equal(t, true, v)
	assert.Equal(t, "name is mandatory", opts.Message("required"))

	n, ok := opts.Number("min")
	require.True(t, ok)
	assert.Equal(t, float64(3), n)

	v, _ = opts.Value("enum")
	assert.Equal(t, []any{"a", "b"}, v)
	v, _ = opts.Value("default")
	assert.Equal(t, []any{"x", "y"}, v)

	n, ok = opts.Number("max")
	require.True(t, ok)
	assert.Equal(t, float64(10), n)

	_, ok = opts.Value("missing")
	assert.False(t, ok)
}

func TestSchemaPaths(t *testing.T) {
	cfg := EntityConfig{
		Name:    "orders",
		Schema:  mustObject(t, `{"code":"string","customer":{"name":"string","user":{"type":"ObjectId","ref":"users"}},"items":[{"material":{"type":"ObjectId","ref":"materials"}}]}`),
		Options: mustObject(t, `{"timestamps":true}`),
	}
	s, err := Compile(cfg)
	require.NoError(t, err)

	var paths []string
	for _, p := range s.Paths() {
		paths = append(paths, p.Path)
	}
	assert.Equal(t, []string{"_id", "code", "customer.name", "customer.user", "items", "createdAt", "updatedAt"}, paths)

	var refs []string
	for _, p := range s.RefPaths() {
		refs = append(refs, p.Path)
	}
	assert.Equal(t, []string{"customer.user", "items.material"}, refs)

	assert.NotNil(t, s.Lookup("items.0.material"))
	assert.NotNil(t, s.Lookup("items.material"))
	assert.Nil(t, s.Lookup("customer.missing"))
	assert.True(t, s.HasPath("createdAt"))
	assert.True(t, s.HasPath("_id"))
	assert.False(t, s.HasPath("nope"))
}

func TestEntities(t *testing.T) {
	raw := mustObject(t, `{
		"metadata": {"version": 3},
		"users": {"schema": {"name": "string"}, "options": {"collection": "people"}},
		"products": {
			"backend": {"schema": {"title": "string"}, "options": {"timestamps": false}},
			"options": {"strict": false}
		},
		"broken": {"frontend": {}},
		"scalar": 7
	}`)

	configs, skipped := Entities(raw)
	require.Len(t, configs, 2)
	assert.Equal(t, []string{"broken", "scalar"}, skipped)

	users := configs[0]
	assert.Equal(t, "users", users.Name)
	assert.Equal(t, "people", users.Collection)
	ts, _ := users.Options.Get("timestamps")
	assert.Equal(t, true, ts)

	products := configs[1]
	s, err := Compile(products)
	require.NoError(t, err)
	assert.False(t, s.Timestamps.Enabled())
	assert.False(t, s.Strict)
	require.Len(t, s.Fields, 1)
	assert.Equal(t, "title", s.Fields[0].Name)
}

func TestCompileTimestampsObject(t *testing.T) {
	s, err := Compile(EntityConfig{
		Name:    "logs",
		Schema:  mustObject(t, `{"msg":"string"}`),
		Options: mustObject(t, `{"timestamps":{"createdAt":"created","updatedAt":false}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, Timestamps{CreatedAt: "created"}, s.Timestamps)
}

func TestCompileRejectsNonObjectSchema(t *testing.T) {
	_, err := Compile(EntityConfig{Name: "bad", Schema: "string", Options: NewObject()})
	require.Error(t, err)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "bad", ce.Entity)
}
