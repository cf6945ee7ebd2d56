package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"dynadmin/internal/store"
)

var reserved = map[string]struct{}{
	"user": {}, "select": {}, "table": {}, "insert": {}, "update": {}, "delete": {},
	"where": {}, "join": {}, "group": {}, "order": {}, "limit": {}, "offset": {},
	"primary": {}, "foreign": {}, "key": {}, "constraint": {}, "default": {},
	"from": {}, "into": {}, "values": {}, "unique": {}, "index": {}, "create": {},
	"drop": {}, "alter": {}, "schema": {}, "grant": {}, "revoke": {},
}

func isReserved(s string) bool { _, ok := reserved[strings.ToLower(s)]; return ok }

var nonIdent = regexp.MustCompile(`[^a-z0-9_]+`)

// safeTable maps a collection name onto a table name: lower case, only
// [a-z0-9_], reserved words prefixed.
func safeTable(coll string) string {
	t := nonIdent.ReplaceAllString(strings.ToLower(coll), "_")
	t = strings.Trim(t, "_")
	if t == "" {
		t = "collection"
	}
	if isReserved(t) || (t[0] >= '0' && t[0] <= '9') {
		// помечаем «опасное» имя префиксом
		t = "e_" + t
	}
	return t
}

func sqlIdent(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` }

// textArrayLiteral renders a path as a quoted SQL text[] literal for DDL,
// where bind parameters are not available.
func textArrayLiteral(segs []string) string {
	parts := make([]string, len(segs))
	for i, s := range segs {
		s = strings.ReplaceAll(s, `\`, `\\`)
		s = strings.ReplaceAll(s, `"`, `\"`)
		parts[i] = `"` + s + `"`
	}
	lit := "{" + strings.Join(parts, ",") + "}"
	return "'" + strings.ReplaceAll(lit, "'", "''") + "'"
}

func tableDDL(table string) string {
	return fmt.Sprintf(`create table if not exists %s (
  "id" text primary key,
  "doc" jsonb not null,
  "created_at" timestamp with time zone not null default now(),
  "updated_at" timestamp with time zone not null default now()
);`, sqlIdent(table))
}

// indexDDL builds an expression index over the text value of each field.
// NULLs never collide, so documents missing the field are not constrained.
func indexDDL(table string, idx store.Index) string {
	exprs := make([]string, len(idx.Fields))
	for i, f := range idx.Fields {
		exprs[i] = fmt.Sprintf("(doc #>> %s)", textArrayLiteral(strings.Split(f, ".")))
	}
	name := idx.Name
	if name == "" {
		name = strings.Join(idx.Fields, "_")
	}
	kind := "index"
	if idx.Unique {
		kind = "unique index"
	}
	return fmt.Sprintf("create %s if not exists %s on %s (%s);",
		kind, sqlIdent(safeTable(table+"_"+name)), sqlIdent(table), strings.Join(exprs, ", "))
}

// applyDDL runs idempotent statements in order, skipping objects that
// already exist.
func applyDDL(ctx context.Context, db *sql.DB, log *zap.Logger, stmts []string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	for _, stmt := range stmts {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			// pgx/stdlib возвращает *pgconn.PgError
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && (pgErr.Code == "42710" || pgErr.Code == "42P07") {
				log.Debug("DDL skipped (already exists)", zap.String("message", strings.TrimSpace(pgErr.Message)))
				continue
			}
			return fmt.Errorf("DDL apply failed: %w", err)
		}
	}
	return nil
}
