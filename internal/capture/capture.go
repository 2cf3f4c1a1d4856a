// Package capture installs and removes the change-capture instrumentation:
// a sequenced log table and one row-level trigger per write operation on
// the source table. Triggers run inside the writing transaction, so a
// committed source write is always visible as a log record.
package capture

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/tordrt/pgshift/internal/db"
	"github.com/tordrt/pgshift/internal/table"
)

// Log table bookkeeping columns. They are prefixed to stay clear of the
// source table's own columns, which the log table clones via LIKE.
const (
	SeqColumn      = "pgshift_seq"
	OpColumn       = "pgshift_op"
	LoggedAtColumn = "pgshift_logged_at"
	ConsumedColumn = "pgshift_consumed"
)

// Operation kinds recorded in the log.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

var triggerNames = map[string]string{
	OpInsert: "pgshift_insert_trigger",
	OpUpdate: "pgshift_update_trigger",
	OpDelete: "pgshift_delete_trigger",
}

// Capture describes the instrumentation for one source table.
type Capture struct {
	Source  table.Table
	Log     table.Table
	PK      table.PKColumn
	Columns []string // source columns at install time
}

// Install creates the log table and attaches the three capture triggers.
// All statements are idempotent, so a resumed run can call Install again.
func (c *Capture) Install(ctx context.Context, ex db.Execer) error {
	for _, stmt := range c.installStatements() {
		if _, err := ex.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to install change capture on %s: %w", c.Source, err)
		}
	}
	return nil
}

// installStatements builds the DDL for the log table, its lookup index and
// the per-operation trigger functions and triggers.
func (c *Capture) installStatements() []string {
	logName := c.Log.Sanitized()
	sourceName := c.Source.Sanitized()
	pkIdent := pgx.Identifier{c.PK.Name}.Sanitize()

	stmts := []string{
		fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (%s BIGSERIAL PRIMARY KEY, %s TEXT NOT NULL, %s TIMESTAMPTZ NOT NULL DEFAULT now(), %s BOOLEAN NOT NULL DEFAULT false, LIKE %s)",
			logName, SeqColumn, OpColumn, LoggedAtColumn, ConsumedColumn, sourceName),
		// Backfill probes the log by key for records newer than its
		// snapshot; keep that probe an index lookup.
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s, %s)",
			pgx.Identifier{c.Log.Name + "_pk_seq_idx"}.Sanitize(), logName, pkIdent, SeqColumn),
		// Replay repeatedly reads the oldest unconsumed records; without
		// this the scan cost grows with the consumed prefix.
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s) WHERE NOT %s",
			pgx.Identifier{c.Log.Name + "_unconsumed_idx"}.Sanitize(), logName, SeqColumn, ConsumedColumn),
	}

	colIdents := make([]string, len(c.Columns))
	newRefs := make([]string, len(c.Columns))
	for i, col := range c.Columns {
		colIdents[i] = pgx.Identifier{col}.Sanitize()
		newRefs[i] = "NEW." + colIdents[i]
		// LIKE copies not-null constraints, and a DELETE record fills in
		// the key only. The cloned columns must all accept NULL.
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP NOT NULL",
			logName, colIdents[i]))
	}
	rowImageCols := strings.Join(colIdents, ", ")

	for _, op := range []string{OpInsert, OpUpdate, OpDelete} {
		fn := c.triggerFunction(op)
		var body string
		switch op {
		case OpDelete:
			// A delete records only the key; the row image is null.
			body = fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES ('%s', OLD.%s); RETURN OLD;",
				logName, OpColumn, pkIdent, op, pkIdent)
		default:
			body = fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES ('%s', %s); RETURN NEW;",
				logName, OpColumn, rowImageCols, op, strings.Join(newRefs, ", "))
		}
		stmts = append(stmts,
			fmt.Sprintf("CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$ BEGIN %s END; $$ LANGUAGE plpgsql", fn, body),
			fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", triggerNames[op], sourceName),
			fmt.Sprintf("CREATE TRIGGER %s AFTER %s ON %s FOR EACH ROW EXECUTE FUNCTION %s()",
				triggerNames[op], op, sourceName, fn),
		)
	}
	return stmts
}

func (c *Capture) triggerFunction(op string) string {
	return pgx.Identifier{c.Log.SchemaOrPublic(), c.Log.Name + "_" + strings.ToLower(op) + "_fn"}.Sanitize()
}

// Uninstall removes the triggers and functions from the source table. It is
// a no-op for instrumentation that was never (or only partially) installed.
func (c *Capture) Uninstall(ctx context.Context, ex db.Execer) error {
	return c.UninstallFrom(ctx, ex, c.Source)
}

// UninstallFrom removes the triggers from an arbitrary table identity; the
// cleanup phase uses this against the archived table after the swap.
func (c *Capture) UninstallFrom(ctx context.Context, ex db.Execer, from table.Table) error {
	for _, op := range []string{OpInsert, OpUpdate, OpDelete} {
		stmts := []string{
			fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", triggerNames[op], from.Sanitized()),
			fmt.Sprintf("DROP FUNCTION IF EXISTS %s()", c.triggerFunction(op)),
		}
		for _, stmt := range stmts {
			if _, err := ex.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to uninstall change capture from %s: %w", from, err)
			}
		}
	}
	return nil
}

// DropLog drops the change log table.
func (c *Capture) DropLog(ctx context.Context, ex db.Execer) error {
	if _, err := ex.Exec(ctx, "DROP TABLE IF EXISTS "+c.Log.Sanitized()); err != nil {
		return fmt.Errorf("failed to drop log table %s: %w", c.Log, err)
	}
	return nil
}

// Backlog returns the number of captured changes not yet replayed.
// Consumed records stay in the log until cleanup so the backfill skip
// predicate can always see them; they no longer count as backlog.
func (c *Capture) Backlog(ctx context.Context, q db.Querier) (int64, error) {
	var n int64
	query := fmt.Sprintf("SELECT count(*) FROM %s WHERE NOT %s", c.Log.Sanitized(), ConsumedColumn)
	if err := q.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to measure backlog: %w", err)
	}
	return n, nil
}

// MaxSeq returns the highest sequence number ever assigned in the log, or 0
// for an empty log. Used to take the backfill snapshot reference point.
func (c *Capture) MaxSeq(ctx context.Context, q db.Querier) (int64, error) {
	var seq int64
	query := fmt.Sprintf("SELECT coalesce(max(%s), 0) FROM %s", SeqColumn, c.Log.Sanitized())
	if err := q.QueryRow(ctx, query).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read max log sequence: %w", err)
	}
	return seq, nil
}
