package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "no rows", err: sql.ErrNoRows, want: false},
		{name: "bad conn", err: driver.ErrBadConn, want: true},
		{name: "serialization", err: &pgconn.PgError{Code: "40001"}, want: true},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, want: true},
		{name: "connection failure", err: &pgconn.PgError{Code: "08006"}, want: true},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, want: true},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, want: false},
		{name: "capacity", err: ErrCapacity, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestWithRetryRetriesTransientOnce(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), time.Millisecond, "op", func() error {
		calls++
		if calls == 1 {
			return driver.ErrBadConn
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("withRetry() = %v after %d calls, want nil after 2", err, calls)
	}
}

func TestWithRetrySurfacesUnavailable(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), time.Millisecond, "op", func() error {
		calls++
		return &pgconn.PgError{Code: "40001"}
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("withRetry() error = %v, want ErrUnavailable", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want exactly 2", calls)
	}
}

func TestWithRetryDoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), time.Millisecond, "op", func() error {
		calls++
		return sql.ErrNoRows
	})
	if !errors.Is(err, sql.ErrNoRows) || calls != 1 {
		t.Fatalf("withRetry() = %v after %d calls", err, calls)
	}
}

func TestWithRetryHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := withRetry(ctx, time.Hour, "op", func() error {
		calls++
		return driver.ErrBadConn
	})
	if !errors.Is(err, ErrUnavailable) || calls != 1 {
		t.Fatalf("withRetry() = %v after %d calls", err, calls)
	}
}

func TestCursorRoundTripAndRejection(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 123000, time.UTC)
	decoded, err := DecodeCursor(EncodeCursor(PageCursor{CreatedAt: at, ID: "msg_1"}))
	if err != nil || decoded.ID != "msg_1" || !decoded.CreatedAt.Equal(at) {
		t.Fatalf("DecodeCursor() = %+v, %v", decoded, err)
	}
	for _, bad := range []string{"", "not base64!", "e30"} {
		if _, err := DecodeCursor(bad); !errors.Is(err, ErrInvalidCursor) {
			t.Fatalf("DecodeCursor(%q) error = %v, want ErrInvalidCursor", bad, err)
		}
	}
}
