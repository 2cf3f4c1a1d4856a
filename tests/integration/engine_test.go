//go:build integration
// +build integration

package integration

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/tordrt/pgshift/internal/capture"
	"github.com/tordrt/pgshift/internal/cutover"
	"github.com/tordrt/pgshift/internal/db"
	"github.com/tordrt/pgshift/internal/migration"
	"github.com/tordrt/pgshift/internal/replay"
	"github.com/tordrt/pgshift/internal/table"
)

// engineFixture wires capture and replay directly against a seeded table,
// bypassing the orchestrator, so individual engine properties can be
// exercised in isolation.
type engineFixture struct {
	client *db.Client
	source table.Table
	shadow table.Table
	log    table.Table
	cap    *capture.Capture
	rep    *replay.Replay
}

func setupEngines(t *testing.T, ctx context.Context, name string, rows int) *engineFixture {
	t.Helper()
	pool := connect(t, ctx)
	resetState(t, ctx, pool, name)
	seedPayments(t, ctx, pool, name, rows)
	mustExec(t, ctx, pool, "CREATE SCHEMA IF NOT EXISTS pgshift")
	mustExec(t, ctx, pool,
		"CREATE TABLE pgshift."+name+"_shadow (LIKE "+name+" INCLUDING ALL)")

	f := &engineFixture{
		source: table.Table{Name: name},
		shadow: table.Table{Schema: "pgshift", Name: name + "_shadow"},
		log:    table.Table{Schema: "pgshift", Name: name + "_log"},
	}
	cols := []string{"id", "amount", "status"}
	f.cap = &capture.Capture{
		Source:  f.source,
		Log:     f.log,
		PK:      table.PKColumn{Name: "id", Kind: table.PKBigint},
		Columns: cols,
	}
	if err := f.cap.Install(ctx, pool); err != nil {
		t.Fatalf("capture install failed: %v", err)
	}

	client, err := db.Connect(ctx, testURL())
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { client.Close(context.Background()) })
	f.client = client

	f.rep = &replay.Replay{
		Source:      f.source,
		Shadow:      f.shadow,
		Log:         f.log,
		PK:          table.PKColumn{Name: "id", Kind: table.PKBigint},
		Map:         table.NewColumnMap(cols, cols),
		BatchSize:   10,
		RetryBudget: 5 * time.Second,
		Logger:      zerolog.Nop(),
	}
	return f
}

func (f *engineFixture) drainAll(t *testing.T, ctx context.Context) int {
	t.Helper()
	total := 0
	for {
		n, err := f.rep.Drain(ctx, f.client)
		if err != nil {
			t.Fatalf("drain failed: %v", err)
		}
		if n == 0 {
			return total
		}
		total += n
	}
}

func (f *engineFixture) unconsumedCount(t *testing.T, ctx context.Context) int {
	t.Helper()
	var n int
	err := f.client.Pool().QueryRow(ctx,
		"SELECT count(*) FROM "+f.log.Sanitized()+" WHERE NOT pgshift_consumed").Scan(&n)
	if err != nil {
		t.Fatalf("unconsumed count failed: %v", err)
	}
	return n
}

func (f *engineFixture) amountSum(t *testing.T, ctx context.Context, tbl table.Table) int64 {
	t.Helper()
	var sum int64
	err := f.client.Pool().QueryRow(ctx,
		"SELECT coalesce(sum(amount), 0) FROM "+tbl.Sanitized()).Scan(&sum)
	if err != nil {
		t.Fatalf("amount sum failed: %v", err)
	}
	return sum
}

// A batch whose transaction never commits must be redelivered in full, and
// re-applying it must converge to the same shadow state.
func TestReplayReappliesBatchAfterRollback(t *testing.T) {
	ctx := context.Background()
	f := setupEngines(t, ctx, "ledger", 200)
	pool := f.client.Pool()

	// Pretend the backfill already ran.
	mustExecClient(t, ctx, f, "INSERT INTO pgshift.ledger_shadow SELECT * FROM ledger")

	mustExecClient(t, ctx, f, "UPDATE ledger SET status = 'settled' WHERE id <= 50")
	mustExecClient(t, ctx, f, "DELETE FROM ledger WHERE id > 180")
	mustExecClient(t, ctx, f, "INSERT INTO ledger (amount) SELECT 7 FROM generate_series(1, 20)")
	logged := f.unconsumedCount(t, ctx)
	if logged == 0 {
		t.Fatal("expected captured changes")
	}

	// Crash simulation: the whole drain applies, then the transaction
	// rolls back before the consumption flags commit.
	boom := errors.New("boom")
	err := f.client.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := f.rep.DrainUntilEmpty(ctx, tx); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx returned %v, want injected error", err)
	}
	if got := f.unconsumedCount(t, ctx); got != logged {
		t.Fatalf("rolled-back drain consumed records: %d unconsumed, want %d", got, logged)
	}

	// Redelivery applies the identical batch on top of clean state.
	if n := f.drainAll(t, ctx); n != logged {
		t.Fatalf("drained %d changes, want %d", n, logged)
	}
	srcRows, shRows := countRows(t, ctx, pool, "ledger"), countRows(t, ctx, pool, "pgshift.ledger_shadow")
	if srcRows != shRows {
		t.Fatalf("row counts diverged: source %d, shadow %d", srcRows, shRows)
	}
	srcSum, shSum := f.amountSum(t, ctx, f.source), f.amountSum(t, ctx, f.shadow)
	if srcSum != shSum {
		t.Fatalf("amount sums diverged: source %d, shadow %d", srcSum, shSum)
	}

	// A second full application of the same records must be a no-op on
	// the shadow contents.
	mustExecClient(t, ctx, f, "UPDATE pgshift.ledger_log SET pgshift_consumed = false")
	f.drainAll(t, ctx)
	if got := f.amountSum(t, ctx, f.shadow); got != shSum {
		t.Fatalf("re-application changed the shadow: sum %d, want %d", got, shSum)
	}
	if got := countRows(t, ctx, pool, "pgshift.ledger_shadow"); got != shRows {
		t.Fatalf("re-application changed the shadow: rows %d, want %d", got, shRows)
	}
}

// A delete for a key the backfill has not reached yet must stay in the log
// until the committed cursor passes the key, together with everything
// logged after it for that key.
func TestReplayHoldsDeleteUntilBackfillPasses(t *testing.T) {
	ctx := context.Background()
	f := setupEngines(t, ctx, "accounts", 5)
	pool := f.client.Pool()

	cursor := int64(migration.CursorStart)
	f.rep.Cursor = func(ctx context.Context, tx pgx.Tx) (int64, error) {
		return cursor, nil
	}

	// The row predates capture, so the log sees only its delete, then a
	// reinsert under the same key.
	mustExecClient(t, ctx, f, "DELETE FROM accounts WHERE id = 3")
	mustExecClient(t, ctx, f, "INSERT INTO accounts (id, amount) VALUES (3, 999)")

	n, err := f.rep.Drain(ctx, f.client)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("drained %d changes while the backfill could still cover the key, want 0", n)
	}
	if got := f.unconsumedCount(t, ctx); got != 2 {
		t.Fatalf("%d unconsumed records, want 2", got)
	}
	if got := countRows(t, ctx, pool, "pgshift.accounts_shadow"); got != 0 {
		t.Fatalf("deferred records reached the shadow: %d rows", got)
	}

	// Backfill finished; the held records apply in their logged order.
	cursor = math.MaxInt64
	if n := f.drainAll(t, ctx); n != 2 {
		t.Fatalf("drained %d changes after cursor advanced, want 2", n)
	}
	var amount int
	err = pool.QueryRow(ctx, "SELECT amount FROM pgshift.accounts_shadow WHERE id = 3").Scan(&amount)
	if err != nil {
		t.Fatalf("reinserted row missing from shadow: %v", err)
	}
	if amount != 999 {
		t.Fatalf("shadow row carries amount %d, want 999", amount)
	}
	if got := f.unconsumedCount(t, ctx); got != 0 {
		t.Fatalf("%d unconsumed records remain, want 0", got)
	}
}

// A swap that fails mid-transaction must leave the source, triggers, shadow
// and log exactly as they were.
func TestCutoverRollsBackAsAUnit(t *testing.T) {
	ctx := context.Background()
	f := setupEngines(t, ctx, "invoices", 100)
	pool := f.client.Pool()
	mustExecClient(t, ctx, f, "INSERT INTO pgshift.invoices_shadow SELECT * FROM invoices")

	// Occupying the source's name in the archive schema makes the
	// archive rename fail after the drain and trigger teardown ran.
	mustExecClient(t, ctx, f, "CREATE SCHEMA IF NOT EXISTS pgshift_archive")
	mustExecClient(t, ctx, f, "CREATE TABLE pgshift_archive.invoices (id int)")

	cols := []string{"id", "amount", "status"}
	swap := &cutover.Swap{
		Source:        f.source,
		Shadow:        f.shadow,
		ArchiveSchema: "pgshift_archive",
		Map:           table.NewColumnMap(cols, cols),
		Capture:       f.cap,
		Replay:        f.rep,
		Logger:        zerolog.Nop(),
	}
	if _, err := swap.Execute(ctx, f.client); err == nil {
		t.Fatal("swap succeeded despite occupied archive name")
	}

	if !tableExists(t, ctx, pool, "public", "invoices") {
		t.Fatal("source table gone after rolled-back swap")
	}
	if got := countRows(t, ctx, pool, "invoices"); got != 100 {
		t.Fatalf("source has %d rows after rolled-back swap, want 100", got)
	}
	if !tableExists(t, ctx, pool, "pgshift", "invoices_shadow") {
		t.Fatal("shadow table gone after rolled-back swap")
	}
	if !tableExists(t, ctx, pool, "pgshift", "invoices_log") {
		t.Fatal("log table gone after rolled-back swap")
	}
	if got := triggerCount(t, ctx, pool, "public", "invoices"); got != 3 {
		t.Fatalf("%d capture triggers after rolled-back swap, want 3", got)
	}

	// Capture must still be live: a fresh write has to land in the log.
	before := f.unconsumedCount(t, ctx)
	mustExecClient(t, ctx, f, "UPDATE invoices SET status = 'late' WHERE id = 1")
	if got := f.unconsumedCount(t, ctx); got != before+1 {
		t.Fatalf("capture dead after rolled-back swap: %d unconsumed, want %d", got, before+1)
	}
}

func mustExecClient(t *testing.T, ctx context.Context, f *engineFixture, sql string) {
	t.Helper()
	if _, err := f.client.Pool().Exec(ctx, sql); err != nil {
		t.Fatalf("Exec(%q) failed: %v", sql, err)
	}
}
