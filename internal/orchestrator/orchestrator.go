// Package orchestrator sequences a migration through its phases: install
// change capture, snapshot, backfill concurrently with replay, wait for
// quiescence, cut over, clean up. It owns the abort-versus-fail contract.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/tordrt/pgshift/internal/backfill"
	"github.com/tordrt/pgshift/internal/capture"
	"github.com/tordrt/pgshift/internal/cutover"
	"github.com/tordrt/pgshift/internal/db"
	"github.com/tordrt/pgshift/internal/migration"
	"github.com/tordrt/pgshift/internal/replay"
	"github.com/tordrt/pgshift/internal/table"
)

// Config tunes the engines. All fields must be set by the caller.
type Config struct {
	ChunkSize     int
	BatchSize     int
	PollInterval  time.Duration
	QuiescePeriod time.Duration
	RetryBudget   time.Duration
	// Execute gates the swap. Without it the run performs setup, backfill
	// and replay, then tears everything down, leaving the source untouched.
	Execute bool
}

// CutoverError is the terminal error for a failed swap. The migration is
// Failed, not Aborted: some renames may have committed, so the operator
// must inspect and finish by hand.
type CutoverError struct {
	Report    *cutover.Report
	Cursor    int64
	Watermark int64
	Err       error
}

func (e *CutoverError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cutover failed: %v\n", e.Err)
	fmt.Fprintf(&b, "completed steps: %s\n", strings.Join(e.Report.CompletedSteps, "; "))
	fmt.Fprintf(&b, "backfill cursor %d, replay watermark %d\n", e.Cursor, e.Watermark)
	b.WriteString("the swap transaction may be partially committed or fully rolled back; " +
		"verify which table holds the source name before retrying, and do not drop the shadow or log tables")
	return b.String()
}

func (e *CutoverError) Unwrap() error { return e.Err }

// AbortError wraps the cause of a pre-cutover abort after cleanup ran.
type AbortError struct {
	Cause error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("migration aborted, source table left untouched: %v", e.Cause)
}

func (e *AbortError) Unwrap() error { return e.Cause }

// Orchestrator drives one migration.
type Orchestrator struct {
	client *db.Client
	mig    *migration.Migration
	cfg    Config
	logger zerolog.Logger

	phase Phase
	cap   *capture.Capture
	rep   *replay.Replay
}

// New creates an orchestrator for a planned migration.
func New(client *db.Client, mig *migration.Migration, cfg Config, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{client: client, mig: mig, cfg: cfg, logger: logger, phase: PhaseInit}
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase {
	return o.phase
}

// transition moves to the next phase and persists it. Persistence is
// best-effort once the registry row may be gone (terminal states).
func (o *Orchestrator) transition(ctx context.Context, next Phase) {
	if !o.phase.CanEnter(next) {
		// Transition tables are exercised in tests; this guards against
		// future edits, not runtime conditions.
		panic(fmt.Sprintf("illegal phase transition %s -> %s", o.phase, next))
	}
	o.logger.Info().Str("from", string(o.phase)).Str("to", string(next)).Msg("phase transition")
	o.phase = next
	if err := o.mig.SetPhase(ctx, o.client.Pool(), string(next)); err != nil {
		o.logger.Debug().Err(err).Msg("could not persist phase")
	}
}

// Run executes a full migration and returns the cutover report on success.
// A nil report means a dry run (Execute unset) that completed and was torn
// down.
func (o *Orchestrator) Run(ctx context.Context) (*cutover.Report, error) {
	state, resuming, err := o.initPhase(ctx)
	if err != nil {
		return nil, err
	}
	defer o.client.ReleaseMigrationLock(context.WithoutCancel(ctx))

	if err := o.installCapture(ctx, resuming); err != nil {
		return nil, o.abort(ctx, err)
	}

	snapSeq, maxPK, cursor, err := o.snapshot(ctx, resuming, state)
	if err != nil {
		return nil, o.abort(ctx, err)
	}

	bf := o.newBackfill(snapSeq, maxPK)
	o.rep = o.newReplay(o.mig.Cursor)

	o.transition(ctx, PhaseBackfilling)
	runner := o.startReplay(ctx)
	if _, err := bf.Run(ctx, o.client, cursor); err != nil {
		runner.stop()
		return nil, o.abort(ctx, fmt.Errorf("backfill failed: %w", err))
	}
	o.transition(ctx, PhaseReplaying)

	o.transition(ctx, PhaseQuiescence)
	if err := o.waitQuiesce(ctx, runner); err != nil {
		runner.stop()
		return nil, o.abort(ctx, err)
	}
	if err := runner.stop(); err != nil {
		return nil, o.abort(ctx, fmt.Errorf("replay loop failed: %w", err))
	}

	if !o.cfg.Execute {
		o.logger.Info().Msg("dry run: skipping cutover and tearing down")
		o.transition(ctx, PhaseCleanup)
		o.teardown(ctx)
		o.transition(ctx, PhaseDone)
		return nil, nil
	}

	o.transition(ctx, PhaseCutover)
	swap := &cutover.Swap{
		Source:        o.mig.Source,
		Shadow:        o.mig.Shadow,
		ArchiveSchema: o.mig.ArchiveSchema,
		Map:           o.mig.Map,
		Capture:       o.cap,
		Replay:        o.rep,
		Logger:        o.logger,
	}
	report, err := swap.Execute(ctx, o.client)
	if err != nil {
		return nil, o.fail(ctx, report, err)
	}

	o.transition(ctx, PhaseCleanup)
	o.cleanup(ctx, report.Archived)
	o.transition(ctx, PhaseDone)
	return report, nil
}

// RunReplayOnly installs capture and replays continuously until ctx is
// cancelled, then tears everything down. No backfill, no cutover. Intended
// for benchmarking and diagnosing the capture/replay path.
func (o *Orchestrator) RunReplayOnly(ctx context.Context) error {
	_, resuming, err := o.initPhase(ctx)
	if err != nil {
		return err
	}
	defer o.client.ReleaseMigrationLock(context.WithoutCancel(ctx))

	if err := o.installCapture(ctx, resuming); err != nil {
		return o.abort(ctx, err)
	}
	// No backfill runs here, so deletes are never deferred.
	o.rep = o.newReplay(nil)

	o.logger.Info().Msg("replay-only mode: draining until interrupted")
	if err := o.rep.Loop(ctx, o.client, o.cfg.PollInterval); err != nil {
		return o.abort(ctx, err)
	}

	cctx := context.WithoutCancel(ctx)
	o.transition(cctx, PhaseAborting)
	o.teardown(cctx)
	o.transition(cctx, PhaseAborted)
	return nil
}

// initPhase validates preconditions, takes the advisory lock and registers
// (or resumes) the migration.
func (o *Orchestrator) initPhase(ctx context.Context) (migration.State, bool, error) {
	pool := o.client.Pool()

	key := db.LockKey(o.mig.Source.Qualified())
	if err := o.client.AcquireMigrationLock(ctx, key); err != nil {
		return migration.State{}, false, err
	}
	if err := o.mig.EnsureSchemas(ctx, pool); err != nil {
		return migration.State{}, false, err
	}

	state, resuming, err := o.mig.LoadState(ctx, pool)
	if err != nil {
		return migration.State{}, false, err
	}
	if resuming {
		if prev := Phase(state.Phase); !prev.PreCutover() {
			return migration.State{}, false, fmt.Errorf(
				"previous migration on %s stopped in phase %s; operator intervention required before resuming",
				o.mig.Source, prev)
		}
		o.logger.Info().
			Str("phase", state.Phase).
			Int64("cursor", state.Cursor).
			Int64("watermark", state.Watermark).
			Msg("resuming migration from database state")
		return state, true, nil
	}
	if err := o.mig.Register(ctx, pool); err != nil {
		return migration.State{}, false, err
	}
	return migration.State{Cursor: migration.CursorStart}, false, nil
}

// installCapture creates the shadow table (fresh runs), builds the column
// map and installs the change-capture triggers. Once this returns, every
// write to the source table produces a change record.
func (o *Orchestrator) installCapture(ctx context.Context, resuming bool) error {
	pool := o.client.Pool()

	shadowExists, err := o.mig.ShadowExists(ctx, pool)
	if err != nil {
		return err
	}
	if !shadowExists {
		if resuming {
			return fmt.Errorf("registry row exists but shadow table %s is missing; clean up the registry row to restart", o.mig.Shadow)
		}
		if err := o.mig.CreateShadow(ctx, pool); err != nil {
			return err
		}
	}
	if err := o.mig.BuildColumnMap(ctx, pool); err != nil {
		return err
	}

	cols, err := table.Columns(ctx, pool, o.mig.Source)
	if err != nil {
		return err
	}
	o.cap = &capture.Capture{
		Source:  o.mig.Source,
		Log:     o.mig.Log,
		PK:      o.mig.PK,
		Columns: cols,
	}
	if err := o.cap.Install(ctx, pool); err != nil {
		return err
	}
	o.transition(ctx, PhaseCapturing)
	return nil
}

// snapshot takes (or restores) the backfill reference point: the highest
// captured sequence and source key as of entry into backfill. The max key
// bounds the backfill scan; an empty table bounds it to nothing.
func (o *Orchestrator) snapshot(ctx context.Context, resuming bool, state migration.State) (snapSeq, maxPK, cursor int64, err error) {
	pool := o.client.Pool()
	if resuming && state.SnapshotSeq != nil {
		maxPK = migration.CursorStart
		if state.SnapshotMaxPK != nil {
			maxPK = *state.SnapshotMaxPK
		}
		return *state.SnapshotSeq, maxPK, state.Cursor, nil
	}
	snapSeq, err = o.cap.MaxSeq(ctx, pool)
	if err != nil {
		return 0, 0, 0, err
	}
	maxPK, ok, err := table.MaxPK(ctx, pool, o.mig.Source, o.mig.PK)
	if err != nil {
		return 0, 0, 0, err
	}
	if !ok {
		maxPK = migration.CursorStart
	}
	if err := o.mig.SaveSnapshot(ctx, pool, snapSeq, maxPK); err != nil {
		return 0, 0, 0, err
	}
	return snapSeq, maxPK, state.Cursor, nil
}

func (o *Orchestrator) newBackfill(snapSeq, maxPK int64) *backfill.Backfill {
	return &backfill.Backfill{
		Source:        o.mig.Source,
		Shadow:        o.mig.Shadow,
		Log:           o.mig.Log,
		PK:            o.mig.PK,
		Map:           o.mig.Map,
		ChunkSize:     o.cfg.ChunkSize,
		RetryBudget:   o.cfg.RetryBudget,
		SnapshotSeq:   snapSeq,
		SnapshotMaxPK: maxPK,
		SaveCursor: func(ctx context.Context, tx pgx.Tx, cursor int64) error {
			return o.mig.UpdateCursor(ctx, tx, cursor)
		},
		Logger: o.logger.With().Str("component", "backfill").Logger(),
	}
}

// newReplay builds the replay engine. cursor may be nil when no backfill
// runs alongside the replay loop.
func (o *Orchestrator) newReplay(cursor func(ctx context.Context, q db.Querier) (int64, error)) *replay.Replay {
	rep := &replay.Replay{
		Source:      o.mig.Source,
		Shadow:      o.mig.Shadow,
		Log:         o.mig.Log,
		PK:          o.mig.PK,
		Map:         o.mig.Map,
		BatchSize:   o.cfg.BatchSize,
		RetryBudget: o.cfg.RetryBudget,
		SaveWatermark: func(ctx context.Context, tx pgx.Tx, watermark int64) error {
			return o.mig.UpdateWatermark(ctx, tx, watermark)
		},
		Logger: o.logger.With().Str("component", "replay").Logger(),
	}
	if cursor != nil {
		rep.Cursor = func(ctx context.Context, tx pgx.Tx) (int64, error) {
			return cursor(ctx, tx)
		}
	}
	return rep
}

// replayRunner tracks the replay goroutine so its exit status is consumed
// exactly once.
type replayRunner struct {
	cancel   context.CancelFunc
	done     chan error
	finished bool
	result   error
}

func (o *Orchestrator) startReplay(ctx context.Context) *replayRunner {
	replayCtx, cancel := context.WithCancel(ctx)
	rr := &replayRunner{cancel: cancel, done: make(chan error, 1)}
	go func() {
		rr.done <- o.rep.Loop(replayCtx, o.client, o.cfg.PollInterval)
	}()
	return rr
}

func (rr *replayRunner) wait() error {
	if !rr.finished {
		rr.result = <-rr.done
		rr.finished = true
	}
	return rr.result
}

// stop cancels the loop and waits for the in-flight batch to finish.
func (rr *replayRunner) stop() error {
	rr.cancel()
	return rr.wait()
}

// waitQuiesce blocks until the replay backlog has been zero for a full
// quiescence window. A transient zero mid-burst resets the window.
func (o *Orchestrator) waitQuiesce(ctx context.Context, runner *replayRunner) error {
	pool := o.client.Pool()
	var zeroSince time.Time
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-runner.done:
			runner.finished = true
			runner.result = err
			if err == nil {
				err = fmt.Errorf("replay loop exited before quiescence")
			}
			return err
		case <-ticker.C:
			backlog, err := o.cap.Backlog(ctx, pool)
			if err != nil {
				return err
			}
			if backlog > 0 {
				zeroSince = time.Time{}
				o.logger.Debug().Int64("backlog", backlog).Msg("waiting for replay to converge")
				continue
			}
			now := time.Now()
			if zeroSince.IsZero() {
				zeroSince = now
			}
			if now.Sub(zeroSince) >= o.cfg.QuiescePeriod {
				o.logger.Info().Dur("stable_for", now.Sub(zeroSince)).Msg("backlog quiescent, cutover eligible")
				return nil
			}
		}
	}
}

// abort rolls the migration back before any rename happened: triggers
// removed, log and shadow tables dropped, registry row deleted. The source
// table is left exactly as it was.
func (o *Orchestrator) abort(ctx context.Context, cause error) error {
	cctx := context.WithoutCancel(ctx)
	o.transition(cctx, PhaseAborting)
	o.teardown(cctx)
	o.transition(cctx, PhaseAborted)
	return &AbortError{Cause: cause}
}

// teardown removes every artifact this migration created. Failures are
// logged and skipped so one stuck object does not strand the rest.
func (o *Orchestrator) teardown(ctx context.Context) {
	pool := o.client.Pool()
	if o.cap != nil {
		if err := o.cap.Uninstall(ctx, pool); err != nil {
			o.logger.Warn().Err(err).Msg("teardown: could not remove triggers")
		}
		if err := o.cap.DropLog(ctx, pool); err != nil {
			o.logger.Warn().Err(err).Msg("teardown: could not drop log table")
		}
	}
	if err := o.mig.DropShadow(ctx, pool); err != nil {
		o.logger.Warn().Err(err).Msg("teardown: could not drop shadow table")
	}
	if err := o.mig.Deregister(ctx, pool); err != nil {
		o.logger.Warn().Err(err).Msg("teardown: could not deregister migration")
	}
}

// cleanup runs after a committed swap: the log table goes away and any
// leftover triggers are stripped from the archived table. Failures here are
// logged but never revert the swap.
func (o *Orchestrator) cleanup(ctx context.Context, archived table.Table) {
	pool := o.client.Pool()
	if err := o.cap.UninstallFrom(ctx, pool, archived); err != nil {
		o.logger.Warn().Err(err).Msg("cleanup: could not remove triggers from archived table")
	}
	if err := o.cap.DropLog(ctx, pool); err != nil {
		o.logger.Warn().Err(err).Msg("cleanup: could not drop log table")
	}
	if err := o.mig.Deregister(ctx, pool); err != nil {
		o.logger.Warn().Err(err).Msg("cleanup: could not deregister migration")
	}
}

// fail marks the migration Failed after a cutover error and builds the
// operator-facing report. Nothing is torn down.
func (o *Orchestrator) fail(ctx context.Context, report *cutover.Report, cause error) error {
	cctx := context.WithoutCancel(ctx)
	o.transition(cctx, PhaseFailed)
	state, _, err := o.mig.LoadState(cctx, o.client.Pool())
	if err != nil {
		o.logger.Warn().Err(err).Msg("could not load final cursor/watermark")
	}
	return &CutoverError{
		Report:    report,
		Cursor:    state.Cursor,
		Watermark: state.Watermark,
		Err:       cause,
	}
}
