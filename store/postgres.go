// Package store holds persistent FingerprintStore backends.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgconn"
	"github.com/lib/pq"

	"github.com/dotside-studios/davi-emv-agent/emv"
)

const schema = `
CREATE TABLE IF NOT EXISTS reader_fingerprints (
    fingerprint  TEXT PRIMARY KEY,
    serial       TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresFingerprints keeps reader fingerprints in Postgres so a reader is
// not provisioned again after an agent restart.
type PostgresFingerprints struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ emv.FingerprintStore = (*PostgresFingerprints)(nil)

// OpenPostgres connects to dsn, checks the connection and creates the table
// if needed.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresFingerprints, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := NewPostgresFingerprints(db, logger)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresFingerprints wraps an open database.
func NewPostgresFingerprints(db *sql.DB, logger *slog.Logger) *PostgresFingerprints {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresFingerprints{db: db, logger: logger.With(slog.String("component", "fingerprints"))}
}

// Migrate creates the fingerprint table.
func (s *PostgresFingerprints) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating fingerprint table: %w", err)
	}
	return nil
}

func (s *PostgresFingerprints) Contains(ctx context.Context, fingerprint string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM reader_fingerprints WHERE fingerprint=$1`, fingerprint).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up fingerprint: %w", err)
	}
	return true, nil
}

// Add records a fingerprint. Adding one that is already known is not an
// error.
func (s *PostgresFingerprints) Add(ctx context.Context, serial, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO reader_fingerprints(fingerprint, serial) VALUES ($1, $2)`, fingerprint, serial)
	if isUniqueViolation(err) {
		s.logger.Debug("fingerprint already stored", "serial", serial)
		return nil
	}
	if err != nil {
		return fmt.Errorf("storing fingerprint: %w", err)
	}
	return nil
}

func (s *PostgresFingerprints) Clear(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reader_fingerprints`)
	if err != nil {
		return fmt.Errorf("clearing fingerprints: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		s.logger.Info("fingerprints cleared", "count", n)
	}
	return nil
}

// Ping reports database readiness.
func (s *PostgresFingerprints) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresFingerprints) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code == "23505" {
		return true
	}
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) && pgerr.Code == "23505" {
		return true
	}
	return false
}
