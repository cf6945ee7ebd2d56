// Package relation discovers reference paths across entity schemas and
// resolves them on read.
package relation

import (
	"strings"

	"dynadmin/internal/registry"
)

// MaxDepth caps how many reference hops a populate walk follows.
const MaxDepth = 8

// Populate is one nested populate instruction. Path is relative to the
// document the parent instruction produced.
type Populate struct {
	Path     string     `json:"path"`
	Populate []Populate `json:"populate,omitempty"`
}

type visitKey struct {
	model  *registry.Model
	prefix string
}

// PopulatePaths lists every reference path reachable from m, following
// references into their target entities. Paths are in declaration order,
// parents before children. A model already on the current descent chain is
// not entered again, so self and mutual references terminate. References
// whose target entity is unknown are left out.
func PopulatePaths(models registry.Lookup, m *registry.Model) []string {
	if m == nil || m.Schema == nil {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	visited := map[visitKey]bool{}
	chain := map[*registry.Model]bool{}

	var scan func(cur *registry.Model, prefix string, depth int)
	scan = func(cur *registry.Model, prefix string, depth int) {
		key := visitKey{cur, prefix}
		if visited[key] {
			return
		}
		visited[key] = true
		chain[cur] = true
		defer delete(chain, cur)

		for _, rp := range cur.Schema.RefPaths() {
			target, ok := models.Resolve(rp.Field.RefTarget())
			if !ok {
				continue
			}
			p := joinPath(prefix, rp.Path)
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
			if chain[target] || depth+1 >= MaxDepth {
				continue
			}
			scan(target, p, depth+1)
		}
	}
	scan(m, "", 0)
	return out
}

// BuildTree nests flat populate paths: each path hangs under the longest
// other path that is a dotted prefix of it, and roots keep input order.
func BuildTree(paths []string) []Populate {
	index := make(map[string]int, len(paths))
	for i, p := range paths {
		if _, dup := index[p]; !dup {
			index[p] = i
		}
	}

	parentOf := func(p string) string {
		for cut := strings.LastIndexByte(p, '.'); cut > 0; cut = strings.LastIndexByte(p[:cut], '.') {
			if _, ok := index[p[:cut]]; ok {
				return p[:cut]
			}
		}
		return ""
	}

	children := map[string][]string{}
	var roots []string
	for i, p := range paths {
		if index[p] != i {
			continue
		}
		if parent := parentOf(p); parent != "" {
			children[parent] = append(children[parent], p)
		} else {
			roots = append(roots, p)
		}
	}

	var build func(list []string, base string) []Populate
	build = func(list []string, base string) []Populate {
		if len(list) == 0 {
			return nil
		}
		out := make([]Populate, 0, len(list))
		for _, p := range list {
			rel := p
			if base != "" {
				rel = strings.TrimPrefix(p, base+".")
			}
			out = append(out, Populate{Path: rel, Populate: build(children[p], p)})
		}
		return out
	}
	return build(roots, "")
}

// Plan is PopulatePaths followed by BuildTree.
func Plan(models registry.Lookup, m *registry.Model) []Populate {
	return BuildTree(PopulatePaths(models, m))
}

// Select restricts a populate tree by the `populate` request param. An
// absent or empty param keeps everything, false/0/none drops everything,
// and a comma list keeps the named roots (by path or first segment).
func Select(tree []Populate, param string, set bool) []Populate {
	param = strings.TrimSpace(param)
	if !set || param == "" {
		return tree
	}
	switch strings.ToLower(param) {
	case "false", "0", "none":
		return nil
	case "true", "1", "all", "*":
		return tree
	}
	want := map[string]bool{}
	for _, name := range strings.Split(param, ",") {
		if name = strings.TrimSpace(name); name != "" {
			want[name] = true
		}
	}
	var out []Populate
	for _, node := range tree {
		first, _, _ := strings.Cut(node.Path, ".")
		if want[node.Path] || want[first] {
			out = append(out, node)
		}
	}
	return out
}

func joinPath(prefix, p string) string {
	if prefix == "" {
		return p
	}
	return prefix + "." + p
}
