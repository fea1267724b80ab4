package store

import (
	"fmt"
	"strings"

	"github.com/roach88/keysync/internal/row"
)

// Hidden columns of source tables.
const (
	seqColumn        = "_seq"
	changeTypeColumn = "_change_type"
)

// changesSuffix names a target's change feed table.
const changesSuffix = "__changes"

// CRITICAL: identifiers are quoted, values are NEVER interpolated - always ?.

// quoteIdent double-quotes an SQLite identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteIdents(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdent(n)
	}
	return out
}

func joinIdents(names []string) string {
	return strings.Join(quoteIdents(names), ", ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// validateIdent rejects names that cannot be used for user tables or columns.
func validateIdent(kind, name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%s name is empty", kind)
	case strings.HasPrefix(name, "_keysync"):
		return fmt.Errorf("%s name %q uses the reserved _keysync prefix", kind, name)
	case kind == "column" && (name == seqColumn || name == changeTypeColumn):
		return fmt.Errorf("column name %q is reserved", name)
	}
	return nil
}

// columnDefs renders "name TYPE" definitions.
func columnDefs(cols []row.Column) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = quoteIdent(c.Name) + " " + c.Type
	}
	return strings.Join(parts, ", ")
}

// createSourceSQL builds the append-only source table.
// AUTOINCREMENT keeps purged positions from being reused.
func createSourceSQL(table string, cols []row.Column) string {
	return fmt.Sprintf("CREATE TABLE %s (%s INTEGER PRIMARY KEY AUTOINCREMENT, %s TEXT NOT NULL DEFAULT 'insert', %s)",
		quoteIdent(table), quoteIdent(seqColumn), quoteIdent(changeTypeColumn), columnDefs(cols))
}

// createTargetSQL builds the target table and its key index.
func createTargetSQL(table string, cols []row.Column, keyColumns []string) []string {
	return []string{
		fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table), columnDefs(cols)),
		fmt.Sprintf("CREATE UNIQUE INDEX %s ON %s (%s)",
			quoteIdent(table+"__key"), quoteIdent(table), joinIdents(keyColumns)),
	}
}

// jsonObjectExpr renders json_object('a', P."a", ...) for a trigger row alias.
func jsonObjectExpr(alias string, columns []string) string {
	parts := make([]string, 0, len(columns)*2)
	for _, c := range columns {
		parts = append(parts, "'"+strings.ReplaceAll(c, "'", "''")+"'", alias+"."+quoteIdent(c))
	}
	return "json_object(" + strings.Join(parts, ", ") + ")"
}

// changeTrackingSQL builds the change feed table and its triggers.
// Updates record both images, matching the change-data-feed vocabulary.
func changeTrackingSQL(table string, columns []string) []string {
	feed := quoteIdent(table + changesSuffix)
	insertInto := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES", feed, quoteIdent(changeTypeColumn), quoteIdent("_row"))
	trigger := func(suffix, event, body string) string {
		return fmt.Sprintf("CREATE TRIGGER %s AFTER %s ON %s BEGIN %s END",
			quoteIdent(table+"__"+suffix), event, quoteIdent(table), body)
	}

	return []string{
		fmt.Sprintf("CREATE TABLE %s (%s INTEGER PRIMARY KEY AUTOINCREMENT, %s TEXT NOT NULL, %s TEXT NOT NULL)",
			feed, quoteIdent(seqColumn), quoteIdent(changeTypeColumn), quoteIdent("_row")),
		trigger("ai", "INSERT",
			fmt.Sprintf("%s ('insert', %s);", insertInto, jsonObjectExpr("NEW", columns))),
		trigger("au", "UPDATE",
			fmt.Sprintf("%s ('update_preimage', %s); %s ('update_postimage', %s);",
				insertInto, jsonObjectExpr("OLD", columns), insertInto, jsonObjectExpr("NEW", columns))),
		trigger("ad", "DELETE",
			fmt.Sprintf("%s ('delete', %s);", insertInto, jsonObjectExpr("OLD", columns))),
	}
}

// upsertSQL builds a single-row upsert keyed on keyColumns.
//
// On conflict every non-key column is replaced. Rows identical to the stored
// row are skipped so replays do not touch the change feed. When recency is set,
// rows whose stored recency is greater than the incoming one are kept.
func upsertSQL(table string, columns, keyColumns []string, recency string) string {
	t := quoteIdent(table)

	var sets, diffs []string
	for _, c := range columns {
		if contains(keyColumns, c) {
			continue
		}
		q := quoteIdent(c)
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", q, q))
		diffs = append(diffs, fmt.Sprintf("%s.%s IS NOT excluded.%s", t, q, q))
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO ",
		t, joinIdents(columns), placeholders(len(columns)), joinIdents(keyColumns))
	if len(sets) == 0 {
		return sql + "NOTHING"
	}

	where := "(" + strings.Join(diffs, " OR ") + ")"
	if recency != "" {
		q := quoteIdent(recency)
		where = fmt.Sprintf("(%s.%s IS NULL OR excluded.%s >= %s.%s) AND %s", t, q, q, t, q, where)
	}
	return sql + "UPDATE SET " + strings.Join(sets, ", ") + " WHERE " + where
}

// keyPredicate renders "a" = ? AND "b" = ? for keyColumns.
func keyPredicate(keyColumns []string) string {
	parts := make([]string, len(keyColumns))
	for i, c := range keyColumns {
		parts[i] = quoteIdent(c) + " = ?"
	}
	return strings.Join(parts, " AND ")
}

// keyParams extracts key values from r in keyColumns order.
func keyParams(r row.Row, keyColumns []string) ([]any, error) {
	params := make([]any, len(keyColumns))
	for i, c := range keyColumns {
		v, ok := r[c]
		if !ok || row.IsNull(v) {
			return nil, fmt.Errorf("key column %q missing", c)
		}
		params[i] = row.ToAny(v)
	}
	return params, nil
}

// orderByKey returns a deterministic ORDER BY over keyColumns.
// COLLATE BINARY ensures deterministic text ordering across SQLite versions.
func orderByKey(keyColumns []string) string {
	parts := make([]string, len(keyColumns))
	for i, c := range keyColumns {
		parts[i] = quoteIdent(c) + " COLLATE BINARY ASC"
	}
	return strings.Join(parts, ", ")
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
