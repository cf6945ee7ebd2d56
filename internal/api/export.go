package api

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dynadmin/internal/logger"
	"dynadmin/internal/query"
	"dynadmin/internal/store"
)

// Export returns up to limit matching documents as JSON or as a CSV download.
// References are populated only when the populate param is given.
func (h *Handler) Export() gin.HandlerFunc {
	return func(c *gin.Context) {
		m, ok := h.model(c)
		if !ok {
			return
		}
		p := query.ParseExport(c.Request.URL.Query(), m)
		ctx := c.Request.Context()

		docs, err := h.store.Find(ctx, m.Collection, p.Filter, p.FindOptions())
		if err != nil {
			writeError(c, err)
			return
		}
		if p.PopulateSet {
			if err := h.populate(ctx, m, docs, p.Populate, true); err != nil {
				writeError(c, err)
				return
			}
		}

		if p.Format != query.FormatCSV {
			c.JSON(http.StatusOK, gin.H{
				"data": nonNil(docs),
				"meta": gin.H{"total": len(docs), "format": query.FormatJSON},
			})
			return
		}

		c.Header("Content-Type", "text/csv; charset=utf-8")
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_export.csv"`, m.ModelName))
		c.Status(http.StatusOK)
		if err := WriteCSV(c.Writer, docs); err != nil {
			// заголовки уже отправлены, остаётся только залогировать
			logger.FromGin(c).Error("csv export failed", zap.String("entity", m.Name), zap.Error(err))
		}
	}
}

// WriteCSV writes docs with one column per flattened path. Nested objects
// and arrays become dotted columns (items.0.qty). The header is the sorted
// union of all paths with _id first.
func WriteCSV(w io.Writer, docs []store.Document) error {
	rows := make([]map[string]string, len(docs))
	cols := map[string]bool{}
	for i, d := range docs {
		row := map[string]string{}
		flatten(row, "", d)
		rows[i] = row
		for k := range row {
			cols[k] = true
		}
	}

	header := make([]string, 0, len(cols))
	for k := range cols {
		if k != store.IDField {
			header = append(header, k)
		}
	}
	sort.Strings(header)
	if cols[store.IDField] || len(header) == 0 {
		header = append([]string{store.IDField}, header...)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	record := make([]string, len(header))
	for _, row := range rows {
		for i, k := range header {
			record[i] = row[k]
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func flatten(out map[string]string, prefix string, v any) {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 && prefix != "" {
			out[prefix] = ""
			return
		}
		for k, e := range t {
			flatten(out, joinKey(prefix, k), e)
		}
	case []any:
		if len(t) == 0 {
			out[prefix] = ""
			return
		}
		for i, e := range t {
			flatten(out, joinKey(prefix, strconv.Itoa(i)), e)
		}
	default:
		out[prefix] = cell(t)
	}
}

func joinKey(prefix, k string) string {
	if prefix == "" {
		return k
	}
	return prefix + "." + k
}

func cell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
