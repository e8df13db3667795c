package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"huddle/api/internal/logger"
)

// ErrUnavailable wraps storage failures that persisted after one retry.
var ErrUnavailable = errors.New("storage unavailable")

const defaultRetryBackoff = 50 * time.Millisecond

// IsTransient reports whether err is a connection-level or concurrency
// failure that may succeed when attempted again.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"):
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// withRetry runs fn, and once more after backoff if the first failure was
// transient. A second transient failure is reported as ErrUnavailable.
func withRetry(ctx context.Context, backoff time.Duration, op string, fn func() error) error {
	err := fn()
	if err == nil || !IsTransient(err) {
		return err
	}
	logger.Warn("store_retry", "op", op, "error", err)

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, ctx.Err())
	case <-timer.C:
	}

	err = fn()
	if err == nil || !IsTransient(err) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
