package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

func TestIsConnError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "bad conn sentinel", err: driver.ErrBadConn, want: true},
		{name: "wrapped bad conn", err: fmt.Errorf("insert facturas: %w", driver.ErrBadConn), want: true},
		{name: "eof", err: io.EOF, want: true},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, want: true},
		{name: "pq connection exception", err: &pq.Error{Code: "08006"}, want: true},
		{name: "pq admin shutdown", err: &pq.Error{Code: "57P01"}, want: true},
		{name: "pq unique violation", err: &pq.Error{Code: "23505"}, want: false},
		{name: "stringly connection refused", err: errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), want: true},
		{name: "stringly connection reset", err: errors.New("read tcp: connection reset by peer"), want: true},
		{name: "plain data error", err: errors.New("invalid input syntax for type numeric"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isConnError(tt.err); got != tt.want {
				t.Errorf("isConnError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

// newRetryStore builds a Store whose handle points nowhere; retry tests
// only exercise the wrapper, never a live connection.
func newRetryStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("postgres", "postgres://localhost:1/na?sslmode=disable")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{
		db:            db,
		log:           zerolog.Nop(),
		maxRetries:    3,
		retryBackoff:  time.Millisecond,
		backoffFactor: 2,
		sleep:         func(time.Duration) {},
	}
}

func TestWithWriteRetry_DataErrorReturnsImmediately(t *testing.T) {
	s := newRetryStore(t)

	var calls int
	wantErr := errors.New("invalid input syntax")
	err := s.withWriteRetry(context.Background(), "insert facturas", func() error {
		calls++
		return wantErr
	})

	if calls != 1 {
		t.Errorf("fn ran %d times, want 1 (data errors never retry)", calls)
	}
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want wrapped %v", err, wantErr)
	}
}

func TestWithWriteRetry_ConnErrorRetriesThenSucceeds(t *testing.T) {
	s := newRetryStore(t)

	var calls int
	err := s.withWriteRetry(context.Background(), "insert facturas", func() error {
		calls++
		if calls < 3 {
			return driver.ErrBadConn
		}
		return nil
	})

	if err != nil {
		t.Fatalf("withWriteRetry failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("fn ran %d times, want 3", calls)
	}
}

func TestWithWriteRetry_ExhaustsBudget(t *testing.T) {
	s := newRetryStore(t)

	var calls int
	err := s.withWriteRetry(context.Background(), "repair facturas", func() error {
		calls++
		return driver.ErrBadConn
	})

	if calls != 3 {
		t.Errorf("fn ran %d times, want the full budget of 3", calls)
	}
	if !errors.Is(err, driver.ErrBadConn) {
		t.Errorf("err = %v, want wrapped driver.ErrBadConn", err)
	}
}
