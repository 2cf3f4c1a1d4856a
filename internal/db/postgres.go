package db

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the read surface shared by pools, connections and transactions.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Execer is the write surface shared by pools, connections and transactions.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Client manages the connection pool to PostgreSQL. Advisory locks are
// session-scoped, so the client keeps one dedicated connection aside for
// holding the migration lock independently of pooled checkouts.
type Client struct {
	pool          *pgxpool.Pool
	lockConn      *pgxpool.Conn
	lockKey       int64
	serverVersion int
}

// Connect creates a new PostgreSQL client and verifies the connection.
func Connect(ctx context.Context, connString string) (*Client, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	c := &Client{pool: pool}
	if err := c.detectServerVersion(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the migration lock connection (if held) and the pool.
func (c *Client) Close(ctx context.Context) {
	c.ReleaseMigrationLock(ctx)
	c.pool.Close()
}

// Pool returns the underlying connection pool.
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// ServerVersion returns the server version as reported by
// server_version_num (e.g. 160002 for 16.2).
func (c *Client) ServerVersion() int {
	return c.serverVersion
}

// minServerVersion is PostgreSQL 11, the first release with
// CREATE TRIGGER ... EXECUTE FUNCTION.
const minServerVersion = 110000

func (c *Client) detectServerVersion(ctx context.Context) error {
	var versionNum string
	if err := c.pool.QueryRow(ctx, "SHOW server_version_num").Scan(&versionNum); err != nil {
		return fmt.Errorf("failed to detect server version: %w", err)
	}
	n, err := strconv.Atoi(versionNum)
	if err != nil {
		return fmt.Errorf("unexpected server_version_num %q: %w", versionNum, err)
	}
	if n < minServerVersion {
		return fmt.Errorf("server version %s is not supported (11 or newer required)", versionNum)
	}
	c.serverVersion = n
	return nil
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error. The transaction never outlives fn.
func (c *Client) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LockKey derives the advisory lock key for a qualified table name.
func LockKey(qualifiedTable string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("pgshift:" + qualifiedTable))
	return int64(h.Sum64())
}

// ErrMigrationInProgress is returned when the table-scoped advisory lock is
// already held by another session.
var ErrMigrationInProgress = fmt.Errorf("another migration is already in progress on this table")

// AcquireMigrationLock takes the session advisory lock guarding one
// migration per table. The lock is held on a dedicated connection until
// ReleaseMigrationLock or Close.
func (c *Client) AcquireMigrationLock(ctx context.Context, key int64) error {
	if c.lockConn != nil {
		return fmt.Errorf("migration lock already held")
	}
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire lock connection: %w", err)
	}
	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&locked); err != nil {
		conn.Release()
		return fmt.Errorf("failed to take advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return ErrMigrationInProgress
	}
	c.lockConn = conn
	c.lockKey = key
	return nil
}

// ReleaseMigrationLock unlocks and returns the dedicated connection to the
// pool. Safe to call when no lock is held.
func (c *Client) ReleaseMigrationLock(ctx context.Context) {
	if c.lockConn == nil {
		return
	}
	_, _ = c.lockConn.Exec(ctx, "SELECT pg_advisory_unlock($1)", c.lockKey)
	c.lockConn.Release()
	c.lockConn = nil
}

// CheckPrivileges verifies that the connected role can create schemas and
// attach triggers to the given table. Missing capabilities surface here as
// configuration errors instead of failing mid-migration.
func (c *Client) CheckPrivileges(ctx context.Context, qualifiedTable string) error {
	var canCreate, canTrigger bool
	err := c.pool.QueryRow(ctx,
		`SELECT has_database_privilege(current_user, current_database(), 'CREATE'),
		        has_table_privilege($1, 'TRIGGER')`,
		qualifiedTable).Scan(&canCreate, &canTrigger)
	if err != nil {
		return fmt.Errorf("failed to check privileges: %w", err)
	}
	if !canCreate {
		return fmt.Errorf("role lacks CREATE privilege on the database (required for shadow and log tables)")
	}
	if !canTrigger {
		return fmt.Errorf("role lacks TRIGGER privilege on %s (required for change capture)", qualifiedTable)
	}
	return nil
}
