package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dynadmin/internal/logger"
	"dynadmin/internal/query"
)

// ===== BULK =====

type bulkUpdateRequest struct {
	Filter  map[string]any `json:"filter"`
	Update  map[string]any `json:"update"`
	Options struct {
		Upsert bool `json:"upsert"`
	} `json:"options"`
}

// BulkUpdate applies one update to every document matching filter.
func (h *Handler) BulkUpdate() gin.HandlerFunc {
	return func(c *gin.Context) {
		m, ok := h.model(c)
		if !ok {
			return
		}
		var req bulkUpdateRequest
		if err := readBody(c, &req); err != nil {
			writeError(c, err)
			return
		}
		if len(req.Update) == 0 {
			writeError(c, errEmptyUpdate)
			return
		}

		filter, err := query.ParseFilterDocument(req.Filter, m)
		if err != nil {
			writeError(c, err)
			return
		}
		upd, err := query.ParseUpdateDocument(req.Update)
		if err != nil {
			writeError(c, err)
			return
		}
		if upd, err = m.CastUpdate(upd); err != nil {
			writeError(c, err)
			return
		}
		if upd.IsEmpty() {
			writeError(c, errEmptyUpdate)
			return
		}
		upd = m.StampUpdate(upd, h.now())

		res, err := h.store.UpdateMany(c.Request.Context(), m.Collection, filter, upd, req.Options.Upsert)
		if err != nil {
			writeError(c, err)
			return
		}
		logger.FromGin(c).Info("bulk update",
			zap.String("entity", m.Name),
			zap.Stringer("filter", filter),
			zap.Int64("matched", res.Matched),
			zap.Int64("modified", res.Modified))

		resp := gin.H{"matched": res.Matched, "modified": res.Modified}
		if req.Options.Upsert {
			resp["upserted"] = res.Upserted
		}
		c.JSON(http.StatusOK, resp)
	}
}

type bulkDeleteRequest struct {
	IDs []any `json:"ids"`
}

// BulkDelete removes the documents with the given ids.
func (h *Handler) BulkDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		m, ok := h.model(c)
		if !ok {
			return
		}
		var req bulkDeleteRequest
		if err := readBody(c, &req); err != nil {
			writeError(c, err)
			return
		}
		ids := make([]string, 0, len(req.IDs))
		for _, v := range req.IDs {
			switch t := v.(type) {
			case string:
				if t != "" {
					ids = append(ids, t)
				}
			case nil:
			default:
				ids = append(ids, fmt.Sprint(t))
			}
		}
		if len(ids) == 0 {
			writeError(c, errEmptyIDs)
			return
		}

		n, err := h.store.DeleteMany(c.Request.Context(), m.Collection, ids)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": n, "ids": ids})
	}
}
