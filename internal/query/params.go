package query

import (
	"net/url"
	"strconv"
	"strings"

	"dynadmin/internal/registry"
	"dynadmin/internal/store"
)

// ==== Лимиты ====

const (
	DefaultLimit = 20
	MaxLimit     = 200

	DefaultExportLimit = 5000
	MaxExportLimit     = 20000
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// ListParams is a parsed list request.
type ListParams struct {
	Page   int
	Limit  int
	Sort   []store.SortField
	Select []string
	// Populate is the raw populate param; PopulateSet is false when absent.
	Populate    string
	PopulateSet bool
	Filter      store.Filter
}

// Skip is the number of documents before the requested page.
func (p ListParams) Skip() int64 { return int64(p.Page-1) * int64(p.Limit) }

// FindOptions converts the paging, sort and select parts.
func (p ListParams) FindOptions() store.FindOptions {
	return store.FindOptions{Sort: p.Sort, Skip: p.Skip(), Limit: int64(p.Limit), Select: p.Select}
}

// TotalPages is at least 1, even for an empty result.
func (p ListParams) TotalPages(total int64) int64 {
	if p.Limit <= 0 || total <= 0 {
		return 1
	}
	return (total + int64(p.Limit) - 1) / int64(p.Limit)
}

// ExportParams is a parsed export request.
type ExportParams struct {
	Format      string
	Limit       int
	Sort        []store.SortField
	Select      []string
	Populate    string
	PopulateSet bool
	Filter      store.Filter
}

// FindOptions converts the limit, sort and select parts.
func (p ExportParams) FindOptions() store.FindOptions {
	return store.FindOptions{Sort: p.Sort, Limit: int64(p.Limit), Select: p.Select}
}

// ParseList reads page, limit, sort, select, populate and the filter.
func ParseList(q url.Values, m *registry.Model) ListParams {
	populate, set := q["populate"]
	p := ListParams{
		Page:        atLeast(intParam(q, "page", 1), 1),
		Limit:       clamp(intParam(q, "limit", DefaultLimit), 1, MaxLimit),
		Sort:        ParseSort(First(q, "sort"), m),
		Select:      SplitList(First(q, "select"), ", "),
		PopulateSet: set,
		Filter:      CompileFilter(q, m),
	}
	if set && len(populate) > 0 {
		p.Populate = populate[0]
	}
	return p
}

// ParseExport reads format, limit, sort, select, populate and the filter.
// Unknown formats fall back to JSON.
func ParseExport(q url.Values, m *registry.Model) ExportParams {
	format := strings.ToLower(strings.TrimSpace(First(q, "format")))
	if format != FormatCSV {
		format = FormatJSON
	}
	populate, set := q["populate"]
	p := ExportParams{
		Format:      format,
		Limit:       clamp(intParam(q, "limit", DefaultExportLimit), 1, MaxExportLimit),
		Sort:        ParseSort(First(q, "sort"), m),
		Select:      SplitList(First(q, "select"), ", "),
		PopulateSet: set,
		Filter:      CompileFilter(q, m, ExportKeys...),
	}
	if set && len(populate) > 0 {
		p.Populate = populate[0]
	}
	return p
}

// ParseSort reads a comma or space separated list, each key optionally
// prefixed with "-" (descending) or "+". Without keys it falls back to the
// model's default order (newest first when timestamps are on).
func ParseSort(s string, m *registry.Model) []store.SortField {
	var keys []store.SortField
	for _, part := range SplitList(s, ", ") {
		desc := false
		switch part[0] {
		case '-':
			desc = true
			part = part[1:]
		case '+':
			part = part[1:]
		}
		if part == "" {
			continue
		}
		keys = append(keys, store.SortField{Field: part, Desc: desc})
	}
	if len(keys) == 0 && m != nil {
		return m.DefaultSort()
	}
	return keys
}

// ParamError is a client error in query parameters.
type ParamError struct {
	Param   string
	Message string
}

func (e *ParamError) Error() string { return e.Message }

// ParseStats reads groupBy and the aggregate field lists. groupBy is required.
func ParseStats(q url.Values, m *registry.Model) (store.GroupSpec, store.Filter, error) {
	raw := First(q, "groupBy")
	if raw == "" {
		return store.GroupSpec{}, store.Filter{}, &ParamError{Param: "groupBy", Message: "Query param 'groupBy' is required"}
	}
	by := SplitList(raw, ",")
	if len(by) == 0 {
		return store.GroupSpec{}, store.Filter{}, &ParamError{Param: "groupBy", Message: "No valid 'groupBy' fields provided"}
	}
	spec := store.GroupSpec{
		By:  by,
		Sum: SplitList(First(q, "sum"), ","),
		Avg: SplitList(First(q, "avg"), ","),
		Min: SplitList(First(q, "min"), ","),
		Max: SplitList(First(q, "max"), ","),
	}
	return spec, CompileFilter(q, m, StatsKeys...), nil
}

// intParam parses the leading integer of a param, so "20abc" reads as 20.
func intParam(q url.Values, key string, def int) int {
	s := strings.TrimSpace(First(q, key))
	if s == "" {
		return def
	}
	end := 0
	if s[0] == '-' || s[0] == '+' {
		end = 1
	}
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return def
	}
	return n
}

func atLeast(n, min int) int {
	if n < min {
		return min
	}
	return n
}

func clamp(n, min, max int) int {
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
