// Package sqlrewrite derives the shadow-table DDL from the user-supplied
// statements: it finds the one table the migration targets and retargets
// every reference to it onto the shadow table.
package sqlrewrite

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/tordrt/pgshift/internal/table"
)

// ExtractTable returns the single table the DDL migrates. The DDL may
// contain several statements (e.g. partition definitions plus one ALTER),
// but they must all act on the same table.
func ExtractTable(sql string) (table.Table, error) {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return table.Table{}, fmt.Errorf("failed to parse DDL: %w", err)
	}
	if len(result.Stmts) == 0 {
		return table.Table{}, fmt.Errorf("DDL contains no statements")
	}

	seen := make(map[string]table.Table)
	for _, raw := range result.Stmts {
		for _, rv := range candidateRelations(raw) {
			t := table.Table{Schema: rv.Schemaname, Name: rv.Relname}
			seen[t.Qualified()] = t
		}
	}
	if len(seen) == 0 {
		return table.Table{}, fmt.Errorf("could not determine the migrated table from the DDL")
	}
	if len(seen) > 1 {
		names := make([]string, 0, len(seen))
		for q := range seen {
			names = append(names, q)
		}
		return table.Table{}, fmt.Errorf("only one table can be migrated per run, found %v", names)
	}
	for _, t := range seen {
		return t, nil
	}
	return table.Table{}, nil
}

// candidateRelations returns the relations a statement acts on. Partition
// definitions contribute their parent, not the partition being created.
func candidateRelations(raw *pg_query.RawStmt) []*pg_query.RangeVar {
	node := raw.GetStmt()
	if node == nil {
		return nil
	}
	switch {
	case node.GetAlterTableStmt() != nil:
		if rv := node.GetAlterTableStmt().GetRelation(); rv != nil {
			return []*pg_query.RangeVar{rv}
		}
	case node.GetRenameStmt() != nil:
		if rv := node.GetRenameStmt().GetRelation(); rv != nil {
			return []*pg_query.RangeVar{rv}
		}
	case node.GetIndexStmt() != nil:
		if rv := node.GetIndexStmt().GetRelation(); rv != nil {
			return []*pg_query.RangeVar{rv}
		}
	case node.GetCreateStmt() != nil:
		create := node.GetCreateStmt()
		if len(create.GetInhRelations()) > 0 {
			var parents []*pg_query.RangeVar
			for _, inh := range create.GetInhRelations() {
				if rv := inh.GetRangeVar(); rv != nil {
					parents = append(parents, rv)
				}
			}
			return parents
		}
		if rv := create.GetRelation(); rv != nil {
			return []*pg_query.RangeVar{rv}
		}
	case node.GetDropStmt() != nil:
		drop := node.GetDropStmt()
		if drop.GetRemoveType() != pg_query.ObjectType_OBJECT_TABLE {
			return nil
		}
		var targets []*pg_query.RangeVar
		for _, obj := range drop.GetObjects() {
			if schema, name, ok := qualifiedName(obj); ok {
				targets = append(targets, &pg_query.RangeVar{Schemaname: schema, Relname: name})
			}
		}
		return targets
	}
	return nil
}

// qualifiedName unpacks a drop target, a list of one or two name parts.
func qualifiedName(obj *pg_query.Node) (schema, name string, ok bool) {
	list := obj.GetList()
	if list == nil {
		return "", "", false
	}
	var parts []string
	for _, item := range list.GetItems() {
		s := item.GetString_()
		if s == nil {
			return "", "", false
		}
		parts = append(parts, s.GetSval())
	}
	switch len(parts) {
	case 1:
		return "", parts[0], true
	case 2:
		return parts[0], parts[1], true
	}
	return "", "", false
}

// Retarget rewrites every reference to source in the DDL so the statements
// act on shadow instead, and returns the rewritten SQL.
func Retarget(sql string, source, shadow table.Table) (string, error) {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return "", fmt.Errorf("failed to parse DDL: %w", err)
	}

	for _, raw := range result.Stmts {
		node := raw.GetStmt()
		if node == nil {
			continue
		}
		// A statement kind this switch does not rewrite must not run
		// against the live database, so unknown kinds are rejected
		// rather than passed through.
		switch {
		case node.GetAlterTableStmt() != nil:
			retargetRangeVar(node.GetAlterTableStmt().GetRelation(), source, shadow)
		case node.GetRenameStmt() != nil:
			retargetRangeVar(node.GetRenameStmt().GetRelation(), source, shadow)
		case node.GetIndexStmt() != nil:
			retargetRangeVar(node.GetIndexStmt().GetRelation(), source, shadow)
		case node.GetCreateStmt() != nil:
			create := node.GetCreateStmt()
			retargetRangeVar(create.GetRelation(), source, shadow)
			for _, inh := range create.GetInhRelations() {
				retargetRangeVar(inh.GetRangeVar(), source, shadow)
			}
		case node.GetDropStmt() != nil:
			if err := retargetDrop(node.GetDropStmt(), source, shadow); err != nil {
				return "", err
			}
		default:
			return "", fmt.Errorf("unsupported DDL statement: %s", statementSQL(sql, raw))
		}
	}

	out, err := pg_query.Deparse(result)
	if err != nil {
		return "", fmt.Errorf("failed to deparse rewritten DDL: %w", err)
	}
	return out, nil
}

// retargetDrop rewrites DROP TABLE targets naming the source. Drops of any
// other object kind are rejected: the shadow's secondary objects carry
// generated names, so a drop by source-side name cannot be retargeted.
func retargetDrop(drop *pg_query.DropStmt, source, shadow table.Table) error {
	if drop.GetRemoveType() != pg_query.ObjectType_OBJECT_TABLE {
		return fmt.Errorf("only tables can be dropped in migration DDL, got DROP %s",
			pg_query.ObjectType_name[int32(drop.GetRemoveType())])
	}
	for i, obj := range drop.GetObjects() {
		schema, name, ok := qualifiedName(obj)
		if !ok || name != source.Name {
			continue
		}
		if schema != "" && schema != source.SchemaOrPublic() {
			continue
		}
		drop.Objects[i] = nameListNode(shadow.SchemaOrPublic(), shadow.Name)
	}
	return nil
}

func nameListNode(parts ...string) *pg_query.Node {
	items := make([]*pg_query.Node, len(parts))
	for i, p := range parts {
		items[i] = &pg_query.Node{Node: &pg_query.Node_String_{String_: &pg_query.String{Sval: p}}}
	}
	return &pg_query.Node{Node: &pg_query.Node_List{List: &pg_query.List{Items: items}}}
}

// statementSQL slices one statement's text out of the original input for
// error messages.
func statementSQL(sql string, raw *pg_query.RawStmt) string {
	start := int(raw.GetStmtLocation())
	if start < 0 || start >= len(sql) {
		return sql
	}
	end := len(sql)
	if n := int(raw.GetStmtLen()); n > 0 && start+n <= len(sql) {
		end = start + n
	}
	return strings.TrimSpace(sql[start:end])
}

func retargetRangeVar(rv *pg_query.RangeVar, source, shadow table.Table) {
	if rv == nil || !refersTo(rv, source) {
		return
	}
	rv.Schemaname = shadow.SchemaOrPublic()
	rv.Relname = shadow.Name
}

func refersTo(rv *pg_query.RangeVar, t table.Table) bool {
	if rv.Relname != t.Name {
		return false
	}
	return rv.Schemaname == "" || rv.Schemaname == t.SchemaOrPublic()
}
