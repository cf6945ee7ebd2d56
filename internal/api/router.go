package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dynadmin/internal/logger"
	"dynadmin/internal/remote"
	"dynadmin/internal/store"
)

// Options wires the router.
type Options struct {
	Models Models
	Store  store.Store
	Log    *zap.Logger

	// Poller enables the /api/_admin endpoints.
	Poller    ConfigPoller
	Publisher remote.Publisher
	// KnownEntities helps locate the configuration inside a published body.
	KnownEntities []string

	CORS        CORSConfig
	MaxBodySize int64
}

// NewRouter builds the gin engine with middleware, health, meta, admin and
// entity routes.
func NewRouter(opts Options) *gin.Engine {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	r := gin.New()
	r.Use(
		logger.RequestID(),
		logger.GinMiddleware(log),
		logger.Recovery(log),
		CORS(opts.CORS),
		BodyLimit(opts.MaxBodySize),
	)

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "dynadmin API running"})
	})

	h := NewHandler(opts.Models, opts.Store, log.Named("api"))
	apiGroup := r.Group("/api")

	meta := apiGroup.Group("/_meta")
	meta.GET("/entities", h.Entities())
	meta.GET("/issues", h.Issues())

	if opts.Poller != nil {
		a := NewAdmin(opts.Poller, opts.Publisher, opts.KnownEntities)
		admin := apiGroup.Group("/_admin")
		admin.GET("/status", a.Status())
		admin.POST("/reload", a.Reload())
		admin.PUT("/config", a.Publish())
	}

	h.Mount(apiGroup)
	return r
}

// Mount registers the entity routes on group. Static routes come before
// the :id routes.
func (h *Handler) Mount(group *gin.RouterGroup) {
	// служебные маршруты — СНАЧАЛА
	group.POST("/:entity/validate", h.Validate())
	group.GET("/:entity/schema", h.Schema())
	group.GET("/:entity/distinct/:field", h.Distinct())
	group.GET("/:entity/export", h.Export())
	group.GET("/:entity/stats", h.Stats())
	group.GET("/:entity/count/all", h.Count())
	group.PATCH("/:entity/bulk-update", h.BulkUpdate())
	group.POST("/:entity/bulk-delete", h.BulkDelete())

	// обычные CRUD
	group.POST("/:entity", h.Create())
	group.GET("/:entity", h.List())
	group.GET("/:entity/:id", h.Get())
	group.PUT("/:entity/:id", h.Update())
	group.DELETE("/:entity/:id", h.Delete())
}
