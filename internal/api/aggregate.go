package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"dynadmin/internal/query"
	"dynadmin/internal/store"
)

func (h *Handler) Count() gin.HandlerFunc {
	return func(c *gin.Context) {
		m, ok := h.model(c)
		if !ok {
			return
		}
		filter := query.CompileFilter(c.Request.URL.Query(), m)
		n, err := h.store.Count(c.Request.Context(), m.Collection, filter)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": n})
	}
}

// Distinct lists the distinct values of :field among matching documents.
func (h *Handler) Distinct() gin.HandlerFunc {
	return func(c *gin.Context) {
		m, ok := h.model(c)
		if !ok {
			return
		}
		field := strings.TrimSpace(c.Param("field"))
		if field == "" {
			writeError(c, badRequest("Field is required"))
			return
		}
		filter := query.CompileFilter(c.Request.URL.Query(), m)
		values, err := h.store.Distinct(c.Request.Context(), m.Collection, field, filter)
		if err != nil {
			writeError(c, err)
			return
		}
		if values == nil {
			values = []any{}
		}
		c.JSON(http.StatusOK, gin.H{"field": field, "values": values})
	}
}

// Stats groups matching documents by groupBy and computes the requested
// sum/avg/min/max columns.
func (h *Handler) Stats() gin.HandlerFunc {
	return func(c *gin.Context) {
		m, ok := h.model(c)
		if !ok {
			return
		}
		spec, filter, err := query.ParseStats(c.Request.URL.Query(), m)
		if err != nil {
			writeError(c, err)
			return
		}
		rows, err := h.store.Aggregate(c.Request.Context(), m.Collection, filter, spec)
		if err != nil {
			writeError(c, err)
			return
		}
		if rows == nil {
			rows = []store.Document{}
		}
		c.JSON(http.StatusOK, gin.H{"data": rows})
	}
}
