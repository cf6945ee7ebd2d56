// Package remote reads the entity configuration from its hosting source and
// writes new versions back.
package remote

import (
	"context"
	"errors"
	"fmt"

	"dynadmin/internal/dsl"
)

// DefaultKnownEntities are entity names whose presence marks a configuration map.
var DefaultKnownEntities = []string{"users", "products", "categories", "orders", "coupons"}

// maxDepth caps the envelope search; real payloads are a few levels deep.
const maxDepth = 32

var ErrNoEntityConfig = errors.New("remote: no entity configuration found in payload")

// FetchError wraps every failure to obtain a configuration map.
type FetchError struct {
	URL    string
	Status int // HTTP status when the server answered, else 0
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch config %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch config %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Source yields the current configuration map.
type Source interface {
	Fetch(ctx context.Context) (*dsl.Object, error)
}

// Publisher stores a new configuration record.
type Publisher interface {
	Publish(ctx context.Context, record *dsl.Object) error
}

// Locate searches v depth-first for the first object that looks like an
// entity configuration map. `record` and `data` are searched before the
// other keys, which are visited in document order.
func Locate(v any, known []string) (*dsl.Object, bool) {
	if len(known) == 0 {
		known = DefaultKnownEntities
	}
	set := make(map[string]bool, len(known))
	for _, k := range known {
		set[k] = true
	}
	found := locate(v, set, 0)
	return found, found != nil
}

func locate(v any, known map[string]bool, depth int) *dsl.Object {
	if depth > maxDepth {
		return nil
	}
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			if f := locate(e, known, depth+1); f != nil {
				return f
			}
		}
		return nil
	case *dsl.Object:
		if looksLikeConfig(t, known) {
			return t
		}
		for _, k := range []string{"record", "data"} {
			if c, ok := t.Get(k); ok {
				if f := locate(c, known, depth+1); f != nil {
					return f
				}
			}
		}
		for _, k := range t.Keys() {
			if k == "record" || k == "data" {
				continue
			}
			c, _ := t.Get(k)
			if f := locate(c, known, depth+1); f != nil {
				return f
			}
		}
	}
	return nil
}

// looksLikeConfig: a well-known entity key, or a child carrying `schema`
// directly or under `backend`.
func looksLikeConfig(o *dsl.Object, known map[string]bool) bool {
	for _, k := range o.Keys() {
		if known[k] {
			return true
		}
	}
	for _, k := range o.Keys() {
		child, ok := o.Object(k)
		if !ok {
			continue
		}
		if child.Has("schema") {
			return true
		}
		if backend, ok := child.Object("backend"); ok && backend.Has("schema") {
			return true
		}
	}
	return false
}
