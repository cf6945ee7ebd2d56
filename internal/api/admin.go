package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dynadmin/internal/dsl"
	"dynadmin/internal/logger"
	"dynadmin/internal/remote"
	"dynadmin/internal/watcher"
)

// ===== ADMIN =====

// Admin serves the configuration management endpoints.
type Admin struct {
	poller    ConfigPoller
	publisher remote.Publisher
	known     []string
}

// NewAdmin: publisher may be nil, then PUT /_admin/config answers 501.
func NewAdmin(poller ConfigPoller, publisher remote.Publisher, known []string) *Admin {
	return &Admin{poller: poller, publisher: publisher, known: known}
}

func pollResponse(res watcher.Result, snap *watcher.Snapshot) gin.H {
	out := gin.H{"result": res.String()}
	if snap != nil {
		out["snapshot"] = snap
	}
	return out
}

// Reload forces one poll of the configuration source.
func (a *Admin) Reload() gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := a.poller.Poll(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "Config reload failed", "details": err.Error()})
			return
		}
		c.JSON(http.StatusOK, pollResponse(res, a.poller.Snapshot()))
	}
}

// Publish replaces the remote configuration record and reloads from it.
// Entities that cannot be compiled reject the whole record.
func (a *Admin) Publish() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.publisher == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "Config publishing is not configured"})
			return
		}
		payload, err := dsl.Decode(c.Request.Body)
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				writeError(c, err)
				return
			}
			writeError(c, badRequest("Invalid JSON"))
			return
		}
		record, ok := remote.Locate(payload, a.known)
		if !ok {
			writeError(c, badRequest("Body does not contain an entity configuration"))
			return
		}

		// 1) проверяем, что каждая сущность компилируется
		configs, skipped := dsl.Entities(record)
		if len(configs) == 0 {
			writeError(c, &ClientError{Message: "No entity with a schema", Details: gin.H{"skipped": skipped}})
			return
		}
		problems := map[string]string{}
		for _, cfg := range configs {
			if _, err := dsl.Compile(cfg); err != nil {
				problems[cfg.Name] = err.Error()
			}
		}
		if len(problems) > 0 {
			writeError(c, &ClientError{Message: "Config has invalid entities", Details: problems})
			return
		}

		// 2) публикуем и сразу перечитываем
		ctx := c.Request.Context()
		if err := a.publisher.Publish(ctx, record); err != nil {
			logger.FromGin(c).Error("config publish failed", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "Config publish failed", "details": err.Error()})
			return
		}
		res, err := a.poller.Poll(ctx)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "Config published but reload failed", "details": err.Error()})
			return
		}
		out := pollResponse(res, a.poller.Snapshot())
		out["published"] = len(configs)
		c.JSON(http.StatusOK, out)
	}
}

// Status reports the last loaded configuration snapshot.
func (a *Admin) Status() gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := a.poller.Snapshot()
		if snap == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Config not loaded yet"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"snapshot": snap})
	}
}
