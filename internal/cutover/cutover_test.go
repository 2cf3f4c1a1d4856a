package cutover

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tordrt/pgshift/internal/table"
)

// existsQuerier answers table-existence probes from a fixed name set.
type existsQuerier struct {
	existing map[string]bool
}

type boolRow struct{ val bool }

func (r boolRow) Scan(dest ...any) error {
	*(dest[0].(*bool)) = r.val
	return nil
}

func (q *existsQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}

func (q *existsQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	name, _ := args[1].(string)
	return boolRow{val: q.existing[name]}
}

func TestArchiveNameIsTimestamped(t *testing.T) {
	s := &Swap{
		Source:        table.Table{Name: "payments"},
		ArchiveSchema: "pgshift_archive",
	}
	got, err := s.archiveName(context.Background(), &existsQuerier{})
	require.NoError(t, err)

	assert.Equal(t, "pgshift_archive", got.Schema)
	assert.True(t, strings.HasPrefix(got.Name, "payments_"), "name %q should carry the source name", got.Name)
	assert.Greater(t, len(got.Name), len("payments_"), "name %q should carry a timestamp", got.Name)
}

func TestArchiveNameAvoidsCollisions(t *testing.T) {
	s := &Swap{
		Source:        table.Table{Name: "payments"},
		ArchiveSchema: "pgshift_archive",
	}
	q := &existsQuerier{existing: map[string]bool{}}

	first, err := s.archiveName(context.Background(), q)
	require.NoError(t, err)

	// A second swap in the same second must not reuse the name.
	q.existing[first.Name] = true
	second, err := s.archiveName(context.Background(), q)
	require.NoError(t, err)
	assert.NotEqual(t, first.Name, second.Name)

	q.existing[second.Name] = true
	third, err := s.archiveName(context.Background(), q)
	require.NoError(t, err)
	assert.NotEqual(t, first.Name, third.Name)
	assert.NotEqual(t, second.Name, third.Name)
}

func TestReportRecordsStepsInOrder(t *testing.T) {
	rep := &Report{}
	rep.step("lock source table")
	rep.step("drain change log")
	rep.step("remove capture triggers")

	assert.Equal(t, []string{
		"lock source table",
		"drain change log",
		"remove capture triggers",
	}, rep.CompletedSteps)
}
