package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dynadmin/internal/logger"
	"dynadmin/internal/query"
	"dynadmin/internal/store"
)

// ===== CRUD =====

// Create inserts one object or an array of objects. Items that fail
// validation or are rejected by the store are reported in meta.errors and
// do not stop the rest of the batch.
func (h *Handler) Create() gin.HandlerFunc {
	return func(c *gin.Context) {
		m, ok := h.model(c)
		if !ok {
			return
		}
		var body any
		if err := readBody(c, &body); err != nil {
			writeError(c, err)
			return
		}
		list, err := items(body)
		if err != nil {
			writeError(c, err)
			return
		}

		now := h.now()
		var (
			docs     []store.Document
			origin   []int // позиция в запросе для каждого docs[i]
			failures []itemError
		)
		for i, it := range list {
			obj, ok := it.(map[string]any)
			if !ok {
				failures = append(failures, itemError{Index: i, Error: "Item must be a JSON object"})
				continue
			}
			doc, err := m.Validate(obj)
			if err != nil {
				failures = append(failures, newItemError(i, err))
				continue
			}
			m.Stamp(doc, now, true)
			docs = append(docs, doc)
			origin = append(origin, i)
		}

		var inserted []store.Document
		if len(docs) > 0 {
			inserted, err = h.store.InsertMany(c.Request.Context(), m.Collection, docs)
			var bulk *store.BulkError
			switch {
			case errors.As(err, &bulk):
				for _, we := range bulk.Errors {
					failures = append(failures, newItemError(origin[we.Index], we.Err))
				}
			case err != nil:
				writeError(c, err)
				return
			}
		}

		sortItemErrors(failures)
		if len(inserted) == 0 {
			if len(list) == 1 && len(failures) == 1 {
				f := failures[0]
				resp := gin.H{"error": f.Error}
				if f.Details != nil {
					resp["details"] = f.Details
				}
				c.JSON(http.StatusBadRequest, resp)
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "No documents were inserted", "errors": failures})
			return
		}

		meta := gin.H{"count": len(inserted)}
		if len(failures) > 0 {
			meta["errors"] = failures
			logger.FromGin(c).Warn("partial insert",
				zap.String("entity", m.Name),
				zap.Int("inserted", len(inserted)),
				zap.Int("failed", len(failures)))
		}
		c.JSON(http.StatusCreated, gin.H{"data": inserted, "meta": meta})
	}
}

type validateResult struct {
	OK      bool              `json:"ok"`
	Error   string            `json:"error,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Validate runs schema validation only; nothing is written.
func (h *Handler) Validate() gin.HandlerFunc {
	return func(c *gin.Context) {
		m, ok := h.model(c)
		if !ok {
			return
		}
		var body any
		if err := readBody(c, &body); err != nil {
			writeError(c, err)
			return
		}
		list, err := items(body)
		if err != nil {
			writeError(c, err)
			return
		}

		valid := true
		results := make([]validateResult, len(list))
		for i, it := range list {
			obj, ok := it.(map[string]any)
			if !ok {
				valid = false
				results[i] = validateResult{Error: "Item must be a JSON object"}
				continue
			}
			if _, err := m.Validate(obj); err != nil {
				valid = false
				ie := newItemError(i, err)
				results[i] = validateResult{Error: ie.Error, Details: ie.Details}
				continue
			}
			results[i] = validateResult{OK: true}
		}
		c.JSON(http.StatusOK, gin.H{"valid": valid, "results": results})
	}
}

// List runs the page query and the count concurrently.
func (h *Handler) List() gin.HandlerFunc {
	return func(c *gin.Context) {
		m, ok := h.model(c)
		if !ok {
			return
		}
		p := query.ParseList(c.Request.URL.Query(), m)
		ctx := c.Request.Context()

		var (
			docs  []store.Document
			total int64
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			docs, err = h.store.Find(gctx, m.Collection, p.Filter, p.FindOptions())
			return err
		})
		g.Go(func() error {
			var err error
			total, err = h.store.Count(gctx, m.Collection, p.Filter)
			return err
		})
		if err := g.Wait(); err != nil {
			writeError(c, err)
			return
		}

		if err := h.populate(ctx, m, docs, p.Populate, p.PopulateSet); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"data": nonNil(docs),
			"meta": gin.H{
				"page":       p.Page,
				"limit":      p.Limit,
				"total":      total,
				"totalPages": p.TotalPages(total),
			},
		})
	}
}

func (h *Handler) Get() gin.HandlerFunc {
	return func(c *gin.Context) {
		m, ok := h.model(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		doc, err := h.store.FindByID(ctx, m.Collection, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		populate, set := c.GetQuery("populate")
		if err := h.populate(ctx, m, []store.Document{doc}, populate, set); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": doc})
	}
}

// Update applies a partial update. The body is either a plain object of
// paths to set or an update document with $set, $unset and $inc.
func (h *Handler) Update() gin.HandlerFunc {
	return func(c *gin.Context) {
		m, ok := h.model(c)
		if !ok {
			return
		}
		var body map[string]any
		if err := readBody(c, &body); err != nil {
			writeError(c, err)
			return
		}
		if len(body) == 0 {
			writeError(c, errEmptyUpdate)
			return
		}
		upd, err := query.ParseUpdateDocument(body)
		if err != nil {
			writeError(c, err)
			return
		}
		upd, err = m.CastUpdate(upd)
		if err != nil {
			writeError(c, err)
			return
		}
		upd = m.StampUpdate(upd, h.now())

		ctx := c.Request.Context()
		id := c.Param("id")
		if upd.IsEmpty() {
			// ничего записываемого не осталось, просто отдаём текущий документ
			doc, err := h.store.FindByID(ctx, m.Collection, id)
			if err != nil {
				writeError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"data": doc})
			return
		}
		doc, err := h.store.UpdateByID(ctx, m.Collection, id, upd)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": doc})
	}
}

func (h *Handler) Delete() gin.HandlerFunc {
	return func(c *gin.Context) {
		m, ok := h.model(c)
		if !ok {
			return
		}
		id := c.Param("id")
		if _, err := h.store.DeleteByID(c.Request.Context(), m.Collection, id); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Deleted", "id": id})
	}
}
