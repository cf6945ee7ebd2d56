package dsl

// maxBuildDepth bounds recursion for hand-written configs; JSON itself is acyclic.
const maxBuildDepth = 64

// Build converts a field-definition map into a field tree. Rules follow the
// usual document-store schema shorthand:
//
//	"string"                      scalar
//	["string"] / [{...}]          array of the compiled element
//	{type: "number", min: 0}      scalar, sibling keys kept as options
//	{type: "ObjectId", ref: "x"}  reference to entity x
//	{type: {...}}                 nested object built from the inner map
//	{a: ..., b: ...}              implicit nested object
//
// Anything it cannot make sense of becomes a Mixed scalar instead of an error.
func Build(def *Object) []*Field {
	return buildFields(def, 0)
}

func buildFields(def *Object, depth int) []*Field {
	out := make([]*Field, 0, def.Len())
	for _, k := range def.Keys() {
		v, _ := def.Get(k)
		out = append(out, convert(k, v, depth+1))
	}
	return out
}

func convert(name string, def any, depth int) *Field {
	if depth > maxBuildDepth {
		return mixed(name, nil)
	}
	switch d := def.(type) {
	case []any:
		return arrayOf(name, d, Options{}, depth)
	case string:
		return scalar(name, ResolveType(d), Options{})
	case *Object:
		return convertObject(name, d, depth)
	default:
		return mixed(name, nil)
	}
}

func convertObject(name string, d *Object, depth int) *Field {
	tv, hasType := d.Get("type")
	if !hasType || tv == nil {
		if d.Len() == 0 {
			return mixed(name, nil)
		}
		return &Field{Name: name, Kind: KindObject, Fields: buildFields(d, depth), Options: Options{}}
	}

	opts := make(Options, d.Len())
	for _, k := range d.Keys() {
		if k == "type" {
			continue
		}
		v, _ := d.Get(k)
		opts[k] = v
	}

	switch t := tv.(type) {
	case *Object:
		if t.Len() == 0 {
			return mixed(name, opts)
		}
		return &Field{Name: name, Kind: KindObject, Fields: buildFields(t, depth), Options: opts}
	case []any:
		return arrayOf(name, t, opts, depth)
	case string:
		typ := ResolveType(t)
		if ref, ok := opts["ref"].(string); ok && ref != "" {
			return &Field{Name: name, Kind: KindReference, Type: typ, Ref: ref, Options: opts}
		}
		return scalar(name, typ, opts)
	default:
		return mixed(name, opts)
	}
}

func arrayOf(name string, d []any, opts Options, depth int) *Field {
	var elem *Field
	if len(d) == 0 {
		elem = mixed("", nil)
	} else {
		elem = convert("", d[0], depth+1)
	}
	return &Field{Name: name, Kind: KindArray, Type: TypeArray, Elem: elem, Options: opts}
}

func scalar(name string, typ StorageType, opts Options) *Field {
	if typ == TypeArray {
		// `{type: "array"}` carries no element shape
		return &Field{Name: name, Kind: KindArray, Type: TypeArray, Elem: mixed("", nil), Options: opts}
	}
	return &Field{Name: name, Kind: KindScalar, Type: typ, Options: opts}
}

func mixed(name string, opts Options) *Field {
	if opts == nil {
		opts = Options{}
	}
	return &Field{Name: name, Kind: KindScalar, Type: TypeMixed, Options: opts}
}
