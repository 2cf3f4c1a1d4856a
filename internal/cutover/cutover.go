// Package cutover exchanges the source and shadow table identities in one
// short transaction: exclusive lock, final log drain, trigger teardown,
// archive rename, shadow rename, and owned-sequence repoint. The lock
// window covers the renames only, never backfill or replay.
package cutover

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/tordrt/pgshift/internal/capture"
	"github.com/tordrt/pgshift/internal/db"
	"github.com/tordrt/pgshift/internal/replay"
	"github.com/tordrt/pgshift/internal/table"
)

// Swap coordinates one cutover.
type Swap struct {
	Source        table.Table
	Shadow        table.Table
	ArchiveSchema string
	Map           table.ColumnMap
	Capture       *capture.Capture
	Replay        *replay.Replay
	Logger        zerolog.Logger
}

// Report records what the swap completed. On failure it tells the operator
// exactly which steps committed or were in flight.
type Report struct {
	Archived        table.Table
	DrainedChanges  int64
	SequencesSynced int
	CompletedSteps  []string
}

func (rep *Report) step(name string) {
	rep.CompletedSteps = append(rep.CompletedSteps, name)
}

// Execute performs the swap. Everything happens in a single transaction:
// between begin and commit no reader observes a missing or half-renamed
// table under the source name. Any error here is terminal for the
// migration: a partially applied rename cannot be rolled back blindly.
func (s *Swap) Execute(ctx context.Context, client *db.Client) (*Report, error) {
	rep := &Report{}
	start := time.Now()

	err := client.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "LOCK TABLE "+s.Source.Sanitized()+" IN ACCESS EXCLUSIVE MODE"); err != nil {
			return fmt.Errorf("failed to lock %s for cutover: %w", s.Source, err)
		}
		rep.step("lock source table")

		drained, err := s.Replay.DrainUntilEmpty(ctx, tx)
		if err != nil {
			return fmt.Errorf("final replay drain failed: %w", err)
		}
		rep.DrainedChanges = drained
		rep.step("drain change log")

		if err := s.Capture.Uninstall(ctx, tx); err != nil {
			return err
		}
		rep.step("remove capture triggers")

		archived, err := s.archiveName(ctx, tx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s SET SCHEMA %s",
			s.Source.Sanitized(), pgx.Identifier{s.ArchiveSchema}.Sanitize())); err != nil {
			return fmt.Errorf("failed to move %s into archive schema: %w", s.Source, err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s",
			s.Source.In(s.ArchiveSchema).Sanitized(), pgx.Identifier{archived.Name}.Sanitize())); err != nil {
			return fmt.Errorf("failed to rename archived table to %s: %w", archived, err)
		}
		rep.Archived = archived
		rep.step("archive source table as " + archived.Qualified())

		if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s SET SCHEMA %s",
			s.Shadow.Sanitized(), pgx.Identifier{s.Source.SchemaOrPublic()}.Sanitize())); err != nil {
			return fmt.Errorf("failed to move shadow table into %s: %w", s.Source.SchemaOrPublic(), err)
		}
		if s.Shadow.Name != s.Source.Name {
			if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s",
				s.Shadow.In(s.Source.SchemaOrPublic()).Sanitized(), pgx.Identifier{s.Source.Name}.Sanitize())); err != nil {
				return fmt.Errorf("failed to rename shadow table to %s: %w", s.Source.Name, err)
			}
		}
		rep.step("promote shadow table to " + s.Source.Qualified())

		synced, err := s.syncSequences(ctx, tx, archived)
		if err != nil {
			return err
		}
		rep.SequencesSynced = synced
		rep.step("synchronize owned sequences")
		return nil
	})
	if err != nil {
		return rep, err
	}

	s.Logger.Info().
		Str("archived", rep.Archived.Qualified()).
		Int64("drained", rep.DrainedChanges).
		Int("sequences", rep.SequencesSynced).
		Dur("lock_window", time.Since(start)).
		Msg("cutover committed")
	return rep, nil
}

// archiveName picks a collision-free archived identity: the original name
// plus the swap timestamp, with a counter suffix if two swaps land in the
// same second.
func (s *Swap) archiveName(ctx context.Context, q db.Querier) (table.Table, error) {
	base := fmt.Sprintf("%s_%d", s.Source.Name, time.Now().Unix())
	name := base
	for i := 1; ; i++ {
		cand := table.Table{Schema: s.ArchiveSchema, Name: name}
		exists, err := table.Exists(ctx, q, cand)
		if err != nil {
			return table.Table{}, err
		}
		if !exists {
			return cand, nil
		}
		name = fmt.Sprintf("%s_%d", base, i)
	}
}

// syncSequences repoints the promoted table's owned sequences to continue
// from the archived table's counters. Serial and identity sequences are
// cloned by CREATE TABLE LIKE, so without this step the new table would
// restart its keys from 1.
func (s *Swap) syncSequences(ctx context.Context, tx pgx.Tx, archived table.Table) (int, error) {
	promoted := s.Source // shadow now carries the source identity
	synced := 0
	for _, src := range s.Map.SourceCols() {
		shadowCol, ok := s.Map.ShadowFor(src)
		if !ok {
			continue
		}
		var archSeq, newSeq *string
		err := tx.QueryRow(ctx,
			"SELECT pg_get_serial_sequence($1, $2), pg_get_serial_sequence($3, $4)",
			archived.Qualified(), src, promoted.Qualified(), shadowCol).Scan(&archSeq, &newSeq)
		if err != nil {
			return synced, fmt.Errorf("failed to resolve sequences for column %s: %w", src, err)
		}
		if archSeq == nil || newSeq == nil {
			continue
		}
		var lastValue int64
		var isCalled bool
		if err := tx.QueryRow(ctx, "SELECT last_value, is_called FROM "+*archSeq).Scan(&lastValue, &isCalled); err != nil {
			return synced, fmt.Errorf("failed to read sequence %s: %w", *archSeq, err)
		}
		if _, err := tx.Exec(ctx, "SELECT setval($1::regclass, $2, $3)", *newSeq, lastValue, isCalled); err != nil {
			return synced, fmt.Errorf("failed to repoint sequence %s: %w", *newSeq, err)
		}
		synced++
	}
	return synced, nil
}
