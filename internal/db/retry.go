package db

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// IsTransient reports whether an error is worth retrying at chunk/batch
// granularity: serialization failures, deadlocks, and connection-level
// problems. Anything else is treated as permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57P03": // cannot_connect_now
			return true
		}
		// Class 08: connection exceptions.
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}

// Retry runs op with exponential backoff until it succeeds, a permanent
// error occurs, maxElapsed is exceeded, or ctx is cancelled. Each op
// invocation must be an idempotent unit of work (one chunk or batch).
func Retry(ctx context.Context, maxElapsed time.Duration, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = maxElapsed
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}
