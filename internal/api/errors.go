package api

import (
	"errors"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dynadmin/internal/logger"
	"dynadmin/internal/query"
	"dynadmin/internal/registry"
	"dynadmin/internal/store"
)

// ClientError is malformed or missing request input.
type ClientError struct {
	Message string
	Details any
}

func (e *ClientError) Error() string { return e.Message }

func badRequest(msg string) *ClientError { return &ClientError{Message: msg} }

var (
	errEmptyUpdate = badRequest("Update object is required and cannot be empty")
	errEmptyIDs    = badRequest("Body must include non-empty 'ids' array")
)

// writeError is the single place where errors become HTTP responses.
func writeError(c *gin.Context, err error) {
	var (
		ce         *ClientError
		ve         *registry.ValidationError
		pe         *query.ParamError
		bulk       *store.BulkError
		tooBig     *http.MaxBytesError
		status     = http.StatusInternalServerError
		body       = gin.H{"error": err.Error()}
		unexpected = false
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": "Not found"})
		return
	case errors.As(err, &ce):
		status = http.StatusBadRequest
		body = gin.H{"error": ce.Message}
		if ce.Details != nil {
			body["details"] = ce.Details
		}
	case errors.As(err, &pe):
		status = http.StatusBadRequest
		body = gin.H{"error": pe.Message, "param": pe.Param}
	case errors.As(err, &ve):
		status = http.StatusBadRequest
		body = gin.H{"error": ve.Error(), "details": ve.Details()}
	case errors.Is(err, store.ErrDuplicateKey), errors.As(err, &bulk):
		status = http.StatusBadRequest
	case errors.Is(err, query.ErrInvalidFilter), errors.Is(err, query.ErrInvalidUpdate), errors.Is(err, store.ErrInvalidUpdate):
		status = http.StatusBadRequest
	case errors.As(err, &tooBig):
		status = http.StatusRequestEntityTooLarge
		body = gin.H{"error": "Request body too large"}
	default:
		unexpected = true
	}

	log := logger.FromGin(c)
	if unexpected {
		log.Error("request failed", zap.Error(err))
	} else {
		log.Debug("request rejected", zap.Int("status", status), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, body)
}

// itemError describes one rejected item of a bulk create or validate.
type itemError struct {
	Index   int               `json:"index"`
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

func newItemError(i int, err error) itemError {
	out := itemError{Index: i, Error: err.Error()}
	var ve *registry.ValidationError
	if errors.As(err, &ve) {
		out.Details = ve.Details()
	}
	return out
}

func sortItemErrors(list []itemError) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].Index < list[j].Index })
}
