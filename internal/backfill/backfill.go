// Package backfill copies pre-existing rows from the source table into the
// shadow table in bounded, primary-key-ordered chunks, one transaction per
// chunk, persisting a resumable cursor alongside each chunk's data.
package backfill

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/tordrt/pgshift/internal/capture"
	"github.com/tordrt/pgshift/internal/db"
	"github.com/tordrt/pgshift/internal/table"
)

// Backfill copies one table. The conflict policy enforces sequence-order
// precedence against the concurrently running replay: inserts never
// overwrite (ON CONFLICT DO NOTHING), and any key that has a log record
// newer than the snapshot reference point is skipped entirely: its current
// state arrives through the change log instead.
type Backfill struct {
	Source      table.Table
	Shadow      table.Table
	Log         table.Table
	PK          table.PKColumn
	Map         table.ColumnMap
	ChunkSize   int
	RetryBudget time.Duration
	SnapshotSeq int64

	// SnapshotMaxPK caps the scan at the highest key that existed when
	// triggers went live. Rows inserted after that arrive through the
	// change log, so scanning past the cap only burns work.
	SnapshotMaxPK int64

	// SaveCursor persists the cursor inside the chunk's transaction.
	SaveCursor func(ctx context.Context, tx pgx.Tx, cursor int64) error

	Logger zerolog.Logger
}

// Run copies rows with primary key above cursor until the source is
// exhausted, returning the final cursor. Cancellation is honored between
// chunks; the last committed chunk is always a consistent resumption point.
func (b *Backfill) Run(ctx context.Context, client *db.Client, cursor int64) (int64, error) {
	chunkSQL := b.chunkSQL()
	windowSQL := b.windowSQL()
	start := time.Now()
	var total int64

	for {
		if err := ctx.Err(); err != nil {
			return cursor, err
		}

		var hi int64
		var done bool
		var copied int64
		err := db.Retry(ctx, b.RetryBudget, func() error {
			return client.WithTx(ctx, func(tx pgx.Tx) error {
				var upper *int64
				if err := tx.QueryRow(ctx, windowSQL, cursor, b.SnapshotMaxPK, b.ChunkSize).Scan(&upper); err != nil {
					return fmt.Errorf("failed to compute chunk window: %w", err)
				}
				if upper == nil {
					// The scan is exhausted, so no chunk will ever run
					// again. Advancing the cursor to the snapshot cap
					// releases replay deletes held for keys the scan
					// never reached (rows deleted before their chunk).
					done = true
					return b.SaveCursor(ctx, tx, b.SnapshotMaxPK)
				}
				hi = *upper
				tag, err := tx.Exec(ctx, chunkSQL, cursor, hi, b.SnapshotSeq)
				if err != nil {
					return fmt.Errorf("failed to copy chunk (%d, %d]: %w", cursor, hi, err)
				}
				copied = tag.RowsAffected()
				return b.SaveCursor(ctx, tx, hi)
			})
		})
		if err != nil {
			return cursor, err
		}
		if done {
			break
		}
		cursor = hi
		total += copied
		b.Logger.Debug().Int64("cursor", cursor).Int64("rows", copied).Msg("backfilled chunk")
	}

	b.Logger.Info().Int64("rows", total).Dur("elapsed", time.Since(start)).Msg("backfill complete")
	return cursor, nil
}

// windowSQL selects the upper bound of the next chunk: the highest key in
// the next ChunkSize keys above the cursor, capped at the snapshot's
// highest key. NULL means nothing remains.
func (b *Backfill) windowSQL() string {
	pk := pgx.Identifier{b.PK.Name}.Sanitize()
	return fmt.Sprintf(
		"SELECT max(%s) FROM (SELECT %s FROM %s WHERE %s > $1 AND %s <= $2 ORDER BY %s ASC LIMIT $3) w",
		pk, pk, b.Source.Sanitized(), pk, pk, pk)
}

// chunkSQL inserts one half-open key range (cursor, hi] into the shadow
// table, skipping keys with captured changes newer than the snapshot.
func (b *Backfill) chunkSQL() string {
	pk := pgx.Identifier{b.PK.Name}.Sanitize()
	shadowCols := make([]string, 0, b.Map.Len())
	sourceCols := make([]string, 0, b.Map.Len())
	for _, c := range b.Map.ShadowCols() {
		shadowCols = append(shadowCols, pgx.Identifier{c}.Sanitize())
	}
	for _, c := range b.Map.SourceCols() {
		sourceCols = append(sourceCols, "m."+pgx.Identifier{c}.Sanitize())
	}
	shadowPK := b.PK.Name
	if col, ok := b.Map.ShadowFor(b.PK.Name); ok {
		shadowPK = col
	}
	return fmt.Sprintf(
		`INSERT INTO %s (%s)
		 SELECT %s FROM %s m
		 WHERE m.%s > $1 AND m.%s <= $2
		   AND NOT EXISTS (SELECT 1 FROM %s l WHERE l.%s = m.%s AND l.%s > $3)
		 ON CONFLICT (%s) DO NOTHING`,
		b.Shadow.Sanitized(), strings.Join(shadowCols, ", "),
		strings.Join(sourceCols, ", "), b.Source.Sanitized(),
		pk, pk,
		b.Log.Sanitized(), pk, pk, capture.SeqColumn,
		pgx.Identifier{shadowPK}.Sanitize())
}
