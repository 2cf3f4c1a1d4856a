package backfill

import (
	"strings"
	"testing"

	"github.com/tordrt/pgshift/internal/table"
)

func testBackfill(sourceCols, shadowCols []string) *Backfill {
	return &Backfill{
		Source:    table.Table{Name: "payments"},
		Shadow:    table.Table{Schema: "pgshift", Name: "payments"},
		Log:       table.Table{Schema: "pgshift", Name: "payments_log"},
		PK:        table.PKColumn{Name: "id", Kind: table.PKBigint},
		Map:       table.NewColumnMap(sourceCols, shadowCols),
		ChunkSize: 1000,
	}
}

func TestWindowSQL(t *testing.T) {
	got := testBackfill([]string{"id", "amount"}, []string{"id", "amount"}).windowSQL()

	// The scan is capped at the snapshot's highest key; rows inserted
	// after the snapshot arrive through the change log.
	want := `SELECT max("id") FROM (SELECT "id" FROM "public"."payments" WHERE "id" > $1 AND "id" <= $2 ORDER BY "id" ASC LIMIT $3) w`
	if got != want {
		t.Errorf("windowSQL() = %q, want %q", got, want)
	}
}

func TestChunkSQL(t *testing.T) {
	got := testBackfill([]string{"id", "amount"}, []string{"id", "amount", "currency"}).chunkSQL()

	// The added shadow column takes its default; only mapped columns move.
	if !strings.Contains(got, `INSERT INTO "pgshift"."payments" ("id", "amount")`) {
		t.Errorf("chunkSQL() target list wrong: %q", got)
	}
	if strings.Contains(got, "currency") {
		t.Errorf("chunkSQL() must not reference added columns: %q", got)
	}
	// Half-open key range, resumable from the cursor.
	if !strings.Contains(got, `m."id" > $1 AND m."id" <= $2`) {
		t.Errorf("chunkSQL() range predicate wrong: %q", got)
	}
	// Keys touched after the snapshot arrive via replay, not backfill.
	if !strings.Contains(got, "NOT EXISTS") || !strings.Contains(got, "pgshift_seq > $3") {
		t.Errorf("chunkSQL() must skip keys with post-snapshot log records: %q", got)
	}
	// Replay owns conflicts: backfill never overwrites.
	if !strings.Contains(got, `ON CONFLICT ("id") DO NOTHING`) {
		t.Errorf("chunkSQL() conflict policy wrong: %q", got)
	}
}

func TestChunkSQLRenamedColumn(t *testing.T) {
	got := testBackfill([]string{"id", "descr"}, []string{"id", "description"}).chunkSQL()

	if !strings.Contains(got, `INSERT INTO "pgshift"."payments" ("id", "description")`) {
		t.Errorf("chunkSQL() must target the renamed column: %q", got)
	}
	if !strings.Contains(got, `m."descr"`) {
		t.Errorf("chunkSQL() must select from the source name: %q", got)
	}
}

func TestChunkSQLRenamedPrimaryKey(t *testing.T) {
	got := testBackfill([]string{"id", "amount"}, []string{"payment_id", "amount"}).chunkSQL()

	if !strings.Contains(got, `ON CONFLICT ("payment_id") DO NOTHING`) {
		t.Errorf("chunkSQL() conflict target must use the shadow key name: %q", got)
	}
	// The range predicate and log probe still run against the source key.
	if !strings.Contains(got, `m."id" > $1`) {
		t.Errorf("chunkSQL() range predicate must use the source key name: %q", got)
	}
}
