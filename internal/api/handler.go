// Package api serves the CRUD surface of every configured entity under
// /api/<entity>. Routes are registered once; the entity is resolved from the
// registry on each request, so a configuration reload needs no re-routing.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dynadmin/internal/registry"
	"dynadmin/internal/relation"
	"dynadmin/internal/store"
	"dynadmin/internal/watcher"
)

// Models is the read side of the model registry.
type Models interface {
	registry.Lookup
	Names() []string
	Issues() []registry.SchemaIssue
	Skipped() []string
	Generation() uint64
	LoadedAt() time.Time
}

// ConfigPoller forces a configuration poll; implemented by *watcher.Watcher.
type ConfigPoller interface {
	Poll(ctx context.Context) (watcher.Result, error)
	Snapshot() *watcher.Snapshot
}

// Handler holds the dependencies shared by all routes.
type Handler struct {
	models    Models
	store     store.Store
	populator *relation.Populator
	log       *zap.Logger
	now       func() time.Time
}

func NewHandler(models Models, st store.Store, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		models:    models,
		store:     st,
		populator: relation.NewPopulator(st, models, log.Named("populate")),
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// model resolves :entity against the current generation.
func (h *Handler) model(c *gin.Context) (*registry.Model, bool) {
	name := c.Param("entity")
	m, ok := h.models.Get(name)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Entity not found", "entity": name})
		return nil, false
	}
	return m, true
}

// populate applies the populate param to docs. Without the param every
// reference path is populated.
func (h *Handler) populate(ctx context.Context, m *registry.Model, docs []store.Document, param string, set bool) error {
	tree := relation.Select(relation.Plan(h.models, m), param, set)
	return h.populator.Populate(ctx, m, docs, tree)
}

// readBody decodes a JSON body into v. An empty body is a client error.
func readBody(c *gin.Context, v any) error {
	dec := json.NewDecoder(c.Request.Body)
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case errors.As(err, &tooBig):
			return err
		case errors.Is(err, io.EOF):
			return badRequest("Request body is required")
		default:
			return badRequest("Invalid JSON")
		}
	}
	return nil
}

// items accepts one object or an array of objects.
func items(body any) ([]any, error) {
	switch t := body.(type) {
	case map[string]any:
		return []any{t}, nil
	case []any:
		if len(t) == 0 {
			return nil, badRequest("Body must be an object or a non-empty array")
		}
		return t, nil
	default:
		return nil, badRequest("Body must be an object or an array of objects")
	}
}

func nonNil(docs []store.Document) []store.Document {
	if docs == nil {
		return []store.Document{}
	}
	return docs
}
