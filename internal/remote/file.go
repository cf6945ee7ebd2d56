package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"dynadmin/internal/dsl"
)

// FileSource reads the configuration from a local JSON or YAML file.
type FileSource struct {
	Path          string
	KnownEntities []string
}

var (
	_ Source    = (*FileSource)(nil)
	_ Publisher = (*FileSource)(nil)
)

func (s *FileSource) isYAML() bool {
	switch strings.ToLower(filepath.Ext(s.Path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Fetch reads and decodes the file, keeping key order.
func (s *FileSource) Fetch(ctx context.Context) (*dsl.Object, error) {
	fail := func(err error) (*dsl.Object, error) {
		return nil, &FetchError{URL: "file://" + s.Path, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return fail(err)
	}

	var payload any
	if s.isYAML() {
		var root yaml.Node
		if err := yaml.Unmarshal(b, &root); err != nil {
			return fail(fmt.Errorf("decode yaml: %w", err))
		}
		payload, err = fromNode(&root)
	} else {
		payload, err = dsl.ParseJSON(b)
	}
	if err != nil {
		return fail(err)
	}

	cfg, ok := Locate(payload, s.KnownEntities)
	if !ok {
		return fail(ErrNoEntityConfig)
	}
	return cfg, nil
}

// Publish overwrites the file, in the format its extension names.
func (s *FileSource) Publish(ctx context.Context, record *dsl.Object) error {
	if record == nil {
		return errors.New("remote: nothing to publish")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var out []byte
	if s.isYAML() {
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(toNode(record)); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
		out = buf.Bytes()
	} else {
		raw, err := json.Marshal(record)
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			return err
		}
		buf.WriteByte('\n')
		out = buf.Bytes()
	}

	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

// ==== yaml <-> ordered values ====

func fromNode(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return fromNode(n.Content[0])
	case yaml.AliasNode:
		return fromNode(n.Alias)
	case yaml.MappingNode:
		obj := dsl.NewObject()
		for i := 0; i+1 < len(n.Content); i += 2 {
			var key string
			if err := n.Content[i].Decode(&key); err != nil {
				return nil, fmt.Errorf("line %d: %w", n.Content[i].Line, err)
			}
			v, err := fromNode(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			obj.Set(key, v)
		}
		return obj, nil
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := fromNode(c)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		// числа как в JSON
		switch t := v.(type) {
		case int:
			return float64(t), nil
		case int64:
			return float64(t), nil
		case uint64:
			return float64(t), nil
		}
		return v, nil
	}
	return nil, fmt.Errorf("line %d: unsupported yaml node", n.Line)
}

func toNode(v any) *yaml.Node {
	switch t := v.(type) {
	case *dsl.Object:
		n := &yaml.Node{Kind: yaml.MappingNode}
		for _, k := range t.Keys() {
			val, _ := t.Get(k)
			n.Content = append(n.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: k}, toNode(val))
		}
		return n
	case []any:
		n := &yaml.Node{Kind: yaml.SequenceNode}
		for _, e := range t {
			n.Content = append(n.Content, toNode(e))
		}
		return n
	default:
		n := &yaml.Node{}
		if err := n.Encode(t); err != nil {
			return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
		}
		return n
	}
}
