// Package replay drains the change log and applies captured mutations to
// the shadow table: insert/update become an upsert from the captured row
// image, delete becomes a delete by key. Records are consumed by flagging,
// not deletion, and stay in the log until cleanup so the backfill skip
// predicate can always see them. Flagging happens in the same transaction
// that applies the batch, so a crash redelivers the whole batch and
// idempotent application absorbs it.
package replay

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/tordrt/pgshift/internal/capture"
	"github.com/tordrt/pgshift/internal/db"
	"github.com/tordrt/pgshift/internal/table"
)

// Change is one captured mutation in replay order.
type Change struct {
	Seq   int64
	Op    string
	PKVal any
	Image map[string]any
}

// Replay applies the change log for one migration.
type Replay struct {
	Source      table.Table
	Shadow      table.Table
	Log         table.Table
	PK          table.PKColumn
	Map         table.ColumnMap
	BatchSize   int
	RetryBudget time.Duration

	// Cursor reads the committed backfill cursor. A delete that matches
	// no shadow row is only consumable once the cursor has passed its
	// key: below the cursor a backfill chunk covering the key may still
	// be in flight with a statement snapshot too old to see the delete's
	// log record, and consuming the record would let that chunk commit a
	// resurrected row. Nil means no backfill runs concurrently.
	Cursor func(ctx context.Context, tx pgx.Tx) (int64, error)

	// SaveWatermark persists the applied sequence inside the batch's
	// transaction.
	SaveWatermark func(ctx context.Context, tx pgx.Tx, watermark int64) error

	Logger zerolog.Logger
}

// Drain consumes and applies one batch, returning the number of changes
// applied. Transient failures are retried; the batch is the retry unit.
func (r *Replay) Drain(ctx context.Context, client *db.Client) (int, error) {
	var applied int
	err := db.Retry(ctx, r.RetryBudget, func() error {
		return client.WithTx(ctx, func(tx pgx.Tx) error {
			n, watermark, err := r.drainBatch(ctx, tx)
			if err != nil {
				return err
			}
			applied = n
			if n > 0 && r.SaveWatermark != nil {
				return r.SaveWatermark(ctx, tx, watermark)
			}
			return nil
		})
	})
	return applied, err
}

// Loop drains continuously until ctx is cancelled, sleeping poll between
// empty drains. Cancellation is observed between batches only; an in-flight
// batch always completes or rolls back as a unit.
func (r *Replay) Loop(ctx context.Context, client *db.Client, poll time.Duration) error {
	for {
		n, err := r.Drain(ctx, client)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("replay drain failed: %w", err)
		}
		if n > 0 {
			r.Logger.Debug().Int("applied", n).Msg("replayed batch")
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(poll):
		}
	}
}

// DrainUntilEmpty applies batches inside the caller's transaction until no
// unconsumed records remain. Used under the cutover lock for the final
// convergence; by then the backfill has finished, so no delete defers.
func (r *Replay) DrainUntilEmpty(ctx context.Context, tx pgx.Tx) (int64, error) {
	var total, watermark int64
	for {
		n, w, err := r.drainBatch(ctx, tx)
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		total += int64(n)
		watermark = w
	}
	if total > 0 && r.SaveWatermark != nil {
		if err := r.SaveWatermark(ctx, tx, watermark); err != nil {
			return total, err
		}
	}
	return total, nil
}

// drainBatch fetches one ordered batch, applies it and flags the applied
// records consumed, returning the count and the highest consumed sequence.
func (r *Replay) drainBatch(ctx context.Context, tx pgx.Tx) (int, int64, error) {
	changes, err := r.fetchBatch(ctx, tx)
	if err != nil {
		return 0, 0, err
	}
	if len(changes) == 0 {
		return 0, 0, nil
	}
	consumed, err := r.apply(ctx, tx, changes)
	if err != nil {
		return 0, 0, err
	}
	if len(consumed) == 0 {
		return 0, 0, nil
	}
	if _, err := tx.Exec(ctx, r.consumeSQL(), consumed); err != nil {
		return 0, 0, fmt.Errorf("failed to flag consumed changes: %w", err)
	}
	return len(consumed), consumed[len(consumed)-1], nil
}

func (r *Replay) fetchBatch(ctx context.Context, tx pgx.Tx) ([]Change, error) {
	rows, err := tx.Query(ctx, r.fetchSQL(), r.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch change batch: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var changes []Change
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read change record: %w", err)
		}
		c := Change{Image: make(map[string]any, len(fields))}
		for i, fd := range fields {
			switch fd.Name {
			case capture.SeqColumn:
				c.Seq = toInt64(values[i])
			case capture.OpColumn:
				c.Op, _ = values[i].(string)
			case capture.LoggedAtColumn, capture.ConsumedColumn:
				// bookkeeping, not part of the row image
			default:
				c.Image[fd.Name] = values[i]
			}
		}
		c.PKVal = c.Image[r.PK.Name]
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return changes, nil
}

// fetchSQL reads the oldest unconsumed records in sequence order.
func (r *Replay) fetchSQL() string {
	return fmt.Sprintf("SELECT * FROM %s WHERE NOT %s ORDER BY %s ASC LIMIT $1",
		r.Log.Sanitized(), capture.ConsumedColumn, capture.SeqColumn)
}

func (r *Replay) consumeSQL() string {
	return fmt.Sprintf("UPDATE %s SET %s = true WHERE %s = ANY($1)",
		r.Log.Sanitized(), capture.ConsumedColumn, capture.SeqColumn)
}

// apply executes the per-change statements in sequence order and returns
// the sequences safe to consume, ascending. A delete that matched no shadow
// row and sits above the backfill cursor is deferred: its record stays
// unconsumed, and every later record for the same key is held back with it
// so per-key order survives into the next drain.
func (r *Replay) apply(ctx context.Context, tx pgx.Tx, changes []Change) ([]int64, error) {
	upsertSQL := r.upsertSQL()
	deleteSQL := r.deleteSQL()
	sourceCols := r.Map.SourceCols()

	// The cursor is read before any delete executes. pk <= cursor then
	// proves the chunk covering pk committed before the delete statement's
	// snapshot, so a zero-row delete means the chunk skipped the key and
	// nothing can reinsert it. Reading after the delete would leave a
	// window for a chunk to commit in between.
	cursor := int64(math.MaxInt64)
	if r.Cursor != nil {
		var err error
		if cursor, err = r.Cursor(ctx, tx); err != nil {
			return nil, fmt.Errorf("failed to read backfill cursor: %w", err)
		}
	}

	var consumed []int64
	deferred := make(map[int64]bool)

	for _, c := range changes {
		key := toInt64(c.PKVal)
		if deferred[key] {
			continue
		}
		switch c.Op {
		case capture.OpDelete:
			tag, err := tx.Exec(ctx, deleteSQL, c.PKVal)
			if err != nil {
				return nil, fmt.Errorf("failed to replay delete of key %v (seq %d): %w", c.PKVal, c.Seq, err)
			}
			if tag.RowsAffected() == 0 && key > cursor {
				deferred[key] = true
				continue
			}
			consumed = append(consumed, c.Seq)
		case capture.OpInsert, capture.OpUpdate:
			args := make([]any, len(sourceCols))
			for i, col := range sourceCols {
				args[i] = c.Image[col]
			}
			if _, err := tx.Exec(ctx, upsertSQL, args...); err != nil {
				return nil, fmt.Errorf("failed to replay %s of key %v (seq %d): %w", strings.ToLower(c.Op), c.PKVal, c.Seq, err)
			}
			consumed = append(consumed, c.Seq)
		default:
			return nil, fmt.Errorf("unknown change operation %q (seq %d)", c.Op, c.Seq)
		}
	}
	if len(deferred) > 0 {
		r.Logger.Debug().Int("keys", len(deferred)).Msg("deferred deletes ahead of backfill cursor")
	}
	return consumed, nil
}

// upsertSQL inserts the captured image keyed by primary key, overwriting an
// existing row. Replay always wins over backfill: backfill is insert-only.
func (r *Replay) upsertSQL() string {
	shadowCols := r.Map.ShadowCols()
	shadowPK := r.PK.Name
	if col, ok := r.Map.ShadowFor(r.PK.Name); ok {
		shadowPK = col
	}

	cols := make([]string, len(shadowCols))
	params := make([]string, len(shadowCols))
	var sets []string
	for i, c := range shadowCols {
		ident := pgx.Identifier{c}.Sanitize()
		cols[i] = ident
		params[i] = fmt.Sprintf("$%d", i+1)
		if c != shadowPK {
			sets = append(sets, ident+" = EXCLUDED."+ident)
		}
	}

	conflict := "DO NOTHING"
	if len(sets) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		r.Shadow.Sanitized(), strings.Join(cols, ", "), strings.Join(params, ", "),
		pgx.Identifier{shadowPK}.Sanitize(), conflict)
}

func (r *Replay) deleteSQL() string {
	shadowPK := r.PK.Name
	if col, ok := r.Map.ShadowFor(r.PK.Name); ok {
		shadowPK = col
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s = $1",
		r.Shadow.Sanitized(), pgx.Identifier{shadowPK}.Sanitize())
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int16:
		return int64(n)
	}
	return 0
}
