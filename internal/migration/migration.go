// Package migration owns one migration's database-resident identity: the
// deterministic shadow and log table names, the shadow table lifecycle, and
// the registry row that persists phase, backfill cursor and replay
// watermark so a killed process can resume from database state alone.
package migration

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"

	"github.com/tordrt/pgshift/internal/db"
	"github.com/tordrt/pgshift/internal/sqlrewrite"
	"github.com/tordrt/pgshift/internal/table"
)

// CursorStart is the backfill cursor value meaning "nothing copied yet".
// Keyset pagination uses strictly-greater comparisons, so the start value
// sits below every representable key.
const CursorStart = math.MinInt64

// RegistryTable is the per-work-schema table recording in-flight migrations.
const RegistryTable = "migrations"

// Migration is one run of the tool against one source table.
type Migration struct {
	Source        table.Table
	Shadow        table.Table
	Log           table.Table
	WorkSchema    string
	ArchiveSchema string
	DDL           string
	PK            table.PKColumn
	Map           table.ColumnMap
}

// State is the durable progress loaded from the registry row.
type State struct {
	Phase         string
	Cursor        int64
	Watermark     int64
	SnapshotSeq   *int64
	SnapshotMaxPK *int64
}

// Plan resolves the migration's table identities from the user DDL and
// validates the source table. All errors here are input errors: nothing has
// been created in the database yet.
func Plan(ctx context.Context, q db.Querier, ddl, workSchema, archiveSchema string) (*Migration, error) {
	source, err := sqlrewrite.ExtractTable(ddl)
	if err != nil {
		return nil, err
	}
	if source.SchemaOrPublic() == workSchema || source.SchemaOrPublic() == archiveSchema {
		return nil, fmt.Errorf("cannot migrate a table inside the %s schema", source.SchemaOrPublic())
	}

	exists, err := table.Exists(ctx, q, source)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("table %s does not exist", source.Qualified())
	}

	pk, err := table.PrimaryKey(ctx, q, source)
	if err != nil {
		return nil, err
	}

	base := source.Name
	if source.Schema != "" && source.Schema != "public" {
		base = source.Schema + "_" + source.Name
	}
	return &Migration{
		Source:        source,
		Shadow:        table.Table{Schema: workSchema, Name: base},
		Log:           table.Table{Schema: workSchema, Name: base + "_log"},
		WorkSchema:    workSchema,
		ArchiveSchema: archiveSchema,
		DDL:           ddl,
		PK:            pk,
	}, nil
}

// EnsureSchemas creates the work and archive schemas and the registry table.
func (m *Migration) EnsureSchemas(ctx context.Context, ex db.Execer) error {
	stmts := []string{
		"CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{m.WorkSchema}.Sanitize(),
		"CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{m.ArchiveSchema}.Sanitize(),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			source_schema text NOT NULL,
			source_name text NOT NULL,
			shadow_schema text NOT NULL,
			shadow_name text NOT NULL,
			log_name text NOT NULL,
			phase text NOT NULL DEFAULT 'init',
			backfill_cursor bigint NOT NULL DEFAULT %d,
			replay_watermark bigint NOT NULL DEFAULT 0,
			snapshot_seq bigint,
			snapshot_max_pk bigint,
			started_at timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (source_schema, source_name)
		)`, m.registry(), int64(CursorStart)),
	}
	for _, stmt := range stmts {
		if _, err := ex.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to prepare work schemas: %w", err)
		}
	}
	return nil
}

func (m *Migration) registry() string {
	return pgx.Identifier{m.WorkSchema, RegistryTable}.Sanitize()
}

func (m *Migration) registryKey() []any {
	return []any{m.Source.SchemaOrPublic(), m.Source.Name}
}

// Register inserts this migration's registry row. A conflicting row means a
// migration on the same table is already registered.
func (m *Migration) Register(ctx context.Context, ex db.Execer) error {
	tag, err := ex.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (source_schema, source_name, shadow_schema, shadow_name, log_name)
			VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`, m.registry()),
		m.Source.SchemaOrPublic(), m.Source.Name, m.Shadow.SchemaOrPublic(), m.Shadow.Name, m.Log.Name)
	if err != nil {
		return fmt.Errorf("failed to register migration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.ErrMigrationInProgress
	}
	return nil
}

// LoadState reads the registry row, reporting false when none exists.
func (m *Migration) LoadState(ctx context.Context, q db.Querier) (State, bool, error) {
	var s State
	err := q.QueryRow(ctx,
		fmt.Sprintf(`SELECT phase, backfill_cursor, replay_watermark, snapshot_seq, snapshot_max_pk
			FROM %s WHERE source_schema = $1 AND source_name = $2`, m.registry()),
		m.registryKey()...).Scan(&s.Phase, &s.Cursor, &s.Watermark, &s.SnapshotSeq, &s.SnapshotMaxPK)
	if err == pgx.ErrNoRows {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("failed to load migration state: %w", err)
	}
	return s, true, nil
}

// SetPhase persists the orchestrator phase.
func (m *Migration) SetPhase(ctx context.Context, ex db.Execer, phase string) error {
	_, err := ex.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET phase = $3 WHERE source_schema = $1 AND source_name = $2", m.registry()),
		m.Source.SchemaOrPublic(), m.Source.Name, phase)
	if err != nil {
		return fmt.Errorf("failed to persist phase %s: %w", phase, err)
	}
	return nil
}

// SaveSnapshot records the backfill snapshot reference point: the highest
// log sequence and the highest source primary key at entry into backfill.
func (m *Migration) SaveSnapshot(ctx context.Context, ex db.Execer, seq, maxPK int64) error {
	_, err := ex.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET snapshot_seq = $3, snapshot_max_pk = $4 WHERE source_schema = $1 AND source_name = $2", m.registry()),
		m.Source.SchemaOrPublic(), m.Source.Name, seq, maxPK)
	if err != nil {
		return fmt.Errorf("failed to save snapshot reference: %w", err)
	}
	return nil
}

// UpdateCursor advances the persisted backfill cursor. GREATEST keeps the
// cursor monotonic even if a retried chunk commits out of order.
func (m *Migration) UpdateCursor(ctx context.Context, ex db.Execer, cursor int64) error {
	_, err := ex.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET backfill_cursor = GREATEST(backfill_cursor, $3) WHERE source_schema = $1 AND source_name = $2", m.registry()),
		m.Source.SchemaOrPublic(), m.Source.Name, cursor)
	if err != nil {
		return fmt.Errorf("failed to persist backfill cursor: %w", err)
	}
	return nil
}

// Cursor reads the committed backfill cursor. The replay engine consults it
// before consuming a delete that matched no shadow row: such a record must
// outlive any still-running backfill chunk that could reinsert the key.
func (m *Migration) Cursor(ctx context.Context, q db.Querier) (int64, error) {
	var cursor int64
	err := q.QueryRow(ctx,
		fmt.Sprintf("SELECT backfill_cursor FROM %s WHERE source_schema = $1 AND source_name = $2", m.registry()),
		m.Source.SchemaOrPublic(), m.Source.Name).Scan(&cursor)
	if err != nil {
		return 0, fmt.Errorf("failed to read backfill cursor: %w", err)
	}
	return cursor, nil
}

// UpdateWatermark advances the persisted replay watermark (non-decreasing).
func (m *Migration) UpdateWatermark(ctx context.Context, ex db.Execer, watermark int64) error {
	_, err := ex.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET replay_watermark = GREATEST(replay_watermark, $3) WHERE source_schema = $1 AND source_name = $2", m.registry()),
		m.Source.SchemaOrPublic(), m.Source.Name, watermark)
	if err != nil {
		return fmt.Errorf("failed to persist replay watermark: %w", err)
	}
	return nil
}

// Deregister removes the registry row at a terminal state.
func (m *Migration) Deregister(ctx context.Context, ex db.Execer) error {
	_, err := ex.Exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE source_schema = $1 AND source_name = $2", m.registry()),
		m.registryKey()...)
	if err != nil {
		return fmt.Errorf("failed to deregister migration: %w", err)
	}
	return nil
}

// CreateShadow builds the shadow table: a structural clone of the source
// with the user's DDL retargeted onto it. The shadow lives in the work
// schema and is never visible under the source name until the swap.
func (m *Migration) CreateShadow(ctx context.Context, ex db.Execer) error {
	stmt := fmt.Sprintf("CREATE TABLE %s (LIKE %s INCLUDING ALL)", m.Shadow.Sanitized(), m.Source.Sanitized())
	if _, err := ex.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create shadow table: %w", err)
	}
	rewritten, err := sqlrewrite.Retarget(m.DDL, m.Source, m.Shadow)
	if err != nil {
		return err
	}
	// No bind parameters, so pgx sends this via the simple protocol and
	// multi-statement DDL is fine.
	if _, err := ex.Exec(ctx, rewritten); err != nil {
		return fmt.Errorf("failed to apply target DDL to shadow table: %w", err)
	}
	return nil
}

// ShadowExists reports whether a shadow table from this (or a previous,
// interrupted) migration is present.
func (m *Migration) ShadowExists(ctx context.Context, q db.Querier) (bool, error) {
	return table.Exists(ctx, q, m.Shadow)
}

// BuildColumnMap introspects source and shadow and stores the column map.
func (m *Migration) BuildColumnMap(ctx context.Context, q db.Querier) error {
	cm, err := table.BuildColumnMap(ctx, q, m.Source, m.Shadow)
	if err != nil {
		return err
	}
	if _, ok := cm.ShadowFor(m.PK.Name); !ok {
		return fmt.Errorf("target schema has no counterpart for primary key column %s", m.PK.Name)
	}
	m.Map = cm
	return nil
}

// ShadowPK returns the shadow table's column for the source primary key.
func (m *Migration) ShadowPK() string {
	if col, ok := m.Map.ShadowFor(m.PK.Name); ok {
		return col
	}
	return m.PK.Name
}

// DropShadow drops the shadow table (abort path).
func (m *Migration) DropShadow(ctx context.Context, ex db.Execer) error {
	if _, err := ex.Exec(ctx, "DROP TABLE IF EXISTS "+m.Shadow.Sanitized()); err != nil {
		return fmt.Errorf("failed to drop shadow table: %w", err)
	}
	return nil
}
