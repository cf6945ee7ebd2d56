package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dynadmin/internal/registry"
)

// ===== META HANDLERS =====

type SchemaField struct {
	Path     string         `json:"path"`
	Kind     string         `json:"kind"`
	Instance string         `json:"instance"`
	Ref      string         `json:"ref,omitempty"`
	Options  map[string]any `json:"options"`
}

// Describe lists every path of m for introspection.
func Describe(m *registry.Model) []SchemaField {
	paths := m.Schema.Paths()
	out := make([]SchemaField, 0, len(paths))
	for _, p := range paths {
		out = append(out, SchemaField{
			Path:     p.Path,
			Kind:     p.Field.Kind.String(),
			Instance: p.Field.Instance(),
			Ref:      p.Field.RefTarget(),
			Options:  p.Field.Options.Plain(),
		})
	}
	return out
}

// Schema introspects the live model of :entity.
func (h *Handler) Schema() gin.HandlerFunc {
	return func(c *gin.Context) {
		m, ok := h.model(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"model":      m.ModelName,
			"collection": m.Collection,
			"strict":     m.Schema.Strict,
			"fields":     Describe(m),
		})
	}
}

type metaEntity struct {
	Entity     string `json:"entity"`
	Model      string `json:"model"`
	Collection string `json:"collection"`
	Path       string `json:"path"`
	Fields     int    `json:"fields"`
	Generation uint64 `json:"generation"`
}

// Entities lists the entities of the current generation in configuration order.
func (h *Handler) Entities() gin.HandlerFunc {
	return func(c *gin.Context) {
		names := h.models.Names()
		out := make([]metaEntity, 0, len(names))
		for _, name := range names {
			m, ok := h.models.Get(name)
			if !ok {
				continue
			}
			out = append(out, metaEntity{
				Entity:     name,
				Model:      m.ModelName,
				Collection: m.Collection,
				Path:       "/api/" + name,
				Fields:     len(m.Schema.Paths()),
				Generation: m.Generation,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"data":       out,
			"skipped":    nonNilStrings(h.models.Skipped()),
			"generation": h.models.Generation(),
			"loadedAt":   h.models.LoadedAt(),
		})
	}
}

// Issues reports the lint findings of the current generation.
func (h *Handler) Issues() gin.HandlerFunc {
	return func(c *gin.Context) {
		issues := h.models.Issues()
		if issues == nil {
			issues = []registry.SchemaIssue{}
		}
		c.JSON(http.StatusOK, gin.H{"ok": len(issues) == 0, "issues": issues})
	}
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
