// Package store is the persistent side of the sync engine: append-only
// Postgres tables with a strictly monotonic, gap-free surrogate key,
// plus the read-back that feeds the durable export mirror.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/nvelasco/ledgersync/internal/config"
)

const operationTimeout = 30 * time.Second

// Store owns the database handle. There is a single writer per run, so
// no locking beyond the database's own transaction isolation is needed.
type Store struct {
	db  *sql.DB
	log zerolog.Logger

	maxRetries    int
	retryBackoff  time.Duration
	backoffFactor float64

	// sleep is swapped out in tests so retry paths run without waiting.
	sleep func(time.Duration)
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, cfg config.Database, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("Open: ping: %w", err)
	}

	return &Store{
		db:            db,
		log:           log,
		maxRetries:    cfg.MaxRetries,
		retryBackoff:  cfg.RetryBackoff,
		backoffFactor: cfg.BackoffFactor,
		sleep:         time.Sleep,
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// tableSpec describes one persisted table: its surrogate-key column and
// sequence, and the data columns in schema order (surrogate key and
// created_at excluded).
type tableSpec struct {
	name      string
	surrogate string
	sequence  string
	columns   []string
}

// withWriteRetry runs fn, retrying connection-class failures with
// exponential backoff and a reconnect check. Data-integrity failures
// are returned immediately: retrying the same malformed batch cannot
// succeed.
func (s *Store) withWriteRetry(ctx context.Context, op string, fn func() error) error {
	backoff := s.retryBackoff
	var err error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isConnError(err) {
			return fmt.Errorf("%s: %w", op, err)
		}

		s.log.Warn().Str("op", op).Int("attempt", attempt).
			Int("max_retries", s.maxRetries).Dur("backoff", backoff).Err(err).
			Msg("Connection-class failure, retrying")
		s.sleep(backoff)
		backoff = time.Duration(float64(backoff) * s.backoffFactor)

		pingCtx, cancel := context.WithTimeout(ctx, operationTimeout)
		_ = s.db.PingContext(pingCtx)
		cancel()
	}
	return fmt.Errorf("%s after %d attempts: %w", op, s.maxRetries, err)
}

// isConnError reports whether err looks like a connection failure
// rather than a data problem.
func isConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exceptions. Class 57: server shutdown.
		class := pqErr.Code.Class()
		return class == "08" || class == "57"
	}
	// database/sql wraps some driver failures in plain strings.
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset")
}

// insertBatch appends rows in a single transaction. Any failed row
// rolls the whole batch back; partial inserts would silently break the
// gap-free surrogate-key invariant.
func (s *Store) insertBatch(ctx context.Context, spec tableSpec, values [][]interface{}) error {
	if len(values) == 0 {
		return nil
	}

	placeholders := make([]string, len(spec.columns))
	for i := range spec.columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		spec.name, strings.Join(spec.columns, ", "), strings.Join(placeholders, ", "))

	return s.withWriteRetry(ctx, "insert "+spec.name, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, row := range values {
			if _, err := stmt.ExecContext(ctx, row...); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// restartSequence points the surrogate-key sequence at next so the
// following insert continues the dense sequence. Sequence values cannot
// be bound as parameters, hence the formatted statement.
func restartSequence(ctx context.Context, tx *sql.Tx, sequence string, next int64) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER SEQUENCE %s RESTART WITH %d", pq.QuoteIdentifier(sequence), next))
	return err
}

// repairSequence enforces the no-gaps invariant: if deletions (or an
// interrupted run) left holes in the surrogate keys, rows are rewritten
// onto a dense sequence and the Postgres sequence is restarted past the
// new maximum. A no-gap table is left untouched.
func (s *Store) repairSequence(ctx context.Context, spec tableSpec) error {
	gapQuery := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM (
			SELECT %[1]s, ROW_NUMBER() OVER (ORDER BY %[1]s) AS expected
			FROM %[2]s
		) t
		WHERE %[1]s <> expected`, spec.surrogate, spec.name)

	var gaps int64
	if err := s.db.QueryRowContext(ctx, gapQuery).Scan(&gaps); err != nil {
		return fmt.Errorf("repairSequence %s: gap scan: %w", spec.name, err)
	}
	if gaps == 0 {
		return nil
	}

	s.log.Info().Str("table", spec.name).Int64("gaps", gaps).
		Msg("Surrogate key gaps detected, reassigning dense sequence")

	cols := strings.Join(spec.columns, ", ")
	return s.withWriteRetry(ctx, "repair "+spec.name, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		tmp := "tmp_" + spec.name
		create := fmt.Sprintf(`
			CREATE TEMP TABLE %s ON COMMIT DROP AS
			SELECT ROW_NUMBER() OVER (ORDER BY %s) AS new_key, %s, created_at
			FROM %s
			ORDER BY %s`, tmp, spec.surrogate, cols, spec.name, spec.surrogate)
		if _, err := tx.ExecContext(ctx, create); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, "TRUNCATE TABLE "+spec.name); err != nil {
			return err
		}

		insert := fmt.Sprintf(`
			INSERT INTO %s (%s, %s, created_at)
			SELECT new_key, %s, created_at FROM %s`,
			spec.name, spec.surrogate, cols, cols, tmp)
		if _, err := tx.ExecContext(ctx, insert); err != nil {
			return err
		}

		var max int64
		maxQuery := fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) FROM %s", spec.surrogate, spec.name)
		if err := tx.QueryRowContext(ctx, maxQuery).Scan(&max); err != nil {
			return err
		}
		if err := restartSequence(ctx, tx, spec.sequence, max+1); err != nil {
			return err
		}

		return tx.Commit()
	})
}
