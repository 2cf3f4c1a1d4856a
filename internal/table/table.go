// Package table models table identity and the introspection the migration
// engine needs: primary key detection, column listing, and the mapping
// between source and shadow columns.
package table

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/tordrt/pgshift/internal/db"
)

// Table identifies a table by schema and name. An empty schema means the
// name was unqualified and resolves to "public".
type Table struct {
	Schema string
	Name   string
}

// ParseName splits an optionally schema-qualified table name.
func ParseName(s string) Table {
	if schema, name, ok := strings.Cut(s, "."); ok {
		return Table{Schema: schema, Name: name}
	}
	return Table{Name: s}
}

// String returns the table name, schema-qualified when a schema is set.
func (t Table) String() string {
	if t.Schema != "" {
		return t.Schema + "." + t.Name
	}
	return t.Name
}

// SchemaOrPublic returns the schema, defaulting to "public".
func (t Table) SchemaOrPublic() string {
	if t.Schema == "" {
		return "public"
	}
	return t.Schema
}

// Qualified returns the fully qualified name with the default schema applied.
func (t Table) Qualified() string {
	return t.SchemaOrPublic() + "." + t.Name
}

// Sanitized returns the quoted, schema-qualified identifier for use in SQL.
func (t Table) Sanitized() string {
	return pgx.Identifier{t.SchemaOrPublic(), t.Name}.Sanitize()
}

// In returns the same table name relocated into another schema.
func (t Table) In(schema string) Table {
	return Table{Schema: schema, Name: t.Name}
}

// PKKind is the integer width of a supported primary key column.
type PKKind int

const (
	PKSmallint PKKind = iota
	PKInteger
	PKBigint
)

// PKColumn describes the single-column integer primary key the engine keys
// ordered capture, keyset backfill and idempotent replay on.
type PKColumn struct {
	Name string
	Kind PKKind
}

// Exists reports whether the table is present in the database.
func Exists(ctx context.Context, q db.Querier, t Table) (bool, error) {
	var found bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = $2
		)`, t.SchemaOrPublic(), t.Name).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("failed to check table existence: %w", err)
	}
	return found, nil
}

// PrimaryKey introspects the table's primary key. Only single-column
// integer keys are supported: the backfill cursor and per-key replay
// ordering require an ordered scalar.
func PrimaryKey(ctx context.Context, q db.Querier, t Table) (PKColumn, error) {
	rows, err := q.Query(ctx,
		`SELECT a.attname, a.atttypid::regtype::text
		 FROM pg_index i
		 JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		 WHERE i.indrelid = ($1)::regclass AND i.indisprimary
		 ORDER BY a.attnum`, t.Qualified())
	if err != nil {
		return PKColumn{}, fmt.Errorf("failed to query primary key: %w", err)
	}
	defer rows.Close()

	var cols []PKColumn
	for rows.Next() {
		var name, typeName string
		if err := rows.Scan(&name, &typeName); err != nil {
			return PKColumn{}, err
		}
		kind, ok := pkKind(typeName)
		if !ok {
			return PKColumn{}, fmt.Errorf("unsupported primary key type %s on column %s.%s", typeName, t, name)
		}
		cols = append(cols, PKColumn{Name: name, Kind: kind})
	}
	if err := rows.Err(); err != nil {
		return PKColumn{}, err
	}
	if len(cols) == 0 {
		return PKColumn{}, fmt.Errorf("table %s has no primary key (required for ordered capture and replay)", t)
	}
	if len(cols) > 1 {
		return PKColumn{}, fmt.Errorf("table %s has a composite primary key (single-column key required)", t)
	}
	return cols[0], nil
}

func pkKind(typeName string) (PKKind, bool) {
	switch typeName {
	case "smallint":
		return PKSmallint, true
	case "integer":
		return PKInteger, true
	case "bigint":
		return PKBigint, true
	}
	return 0, false
}

// Columns lists the table's column names in ordinal position order.
func Columns(ctx context.Context, q db.Querier, t Table) ([]string, error) {
	rows, err := q.Query(ctx,
		`SELECT column_name
		 FROM information_schema.columns
		 WHERE table_schema = $1 AND table_name = $2
		 ORDER BY ordinal_position`, t.SchemaOrPublic(), t.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// MaxPK returns the maximum primary key value, and false when the table is
// empty.
func MaxPK(ctx context.Context, q db.Querier, t Table, pk PKColumn) (int64, bool, error) {
	query := fmt.Sprintf("SELECT max(%s) FROM %s", pgx.Identifier{pk.Name}.Sanitize(), t.Sanitized())
	var maxPK *int64
	if err := q.QueryRow(ctx, query).Scan(&maxPK); err != nil {
		return 0, false, fmt.Errorf("failed to query max primary key: %w", err)
	}
	if maxPK == nil {
		return 0, false, nil
	}
	return *maxPK, true, nil
}
