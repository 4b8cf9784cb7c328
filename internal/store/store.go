// Package store is the durable local table storage for raw packets, flight
// tracks, and the audit log. It is the only shared mutable resource in the
// process; all mutations are serialized through a single writer connection
// over SQLite's single-writer file model via mattn/go-sqlite3 + jmoiron/sqlx,
// with golang-migrate/v4 applying the embedded schema idempotently on open.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SentState is the tri-state lifecycle shared by RawPacket and FlightTrack.
type SentState string

const (
	SentPending SentState = "pending"
	SentDone    SentState = "done"
	SentFailed  SentState = "failed"
)

// PacketType distinguishes K1 (identity) from K2 (dynamics) packets.
type PacketType string

const (
	TypeK1 PacketType = "K1"
	TypeK2 PacketType = "K2"
)

// Store wraps a single *sqlx.DB. Writes are serialized by capping the pool
// at one open connection, matching SQLite's single-writer model; readers
// share the same connection since the client's throughput does not warrant
// a second read-only handle.
type Store struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// Open opens (creating if necessary) the SQLite file at path and applies
// pending migrations. Subsequent opens against the same file are
// idempotent: golang-migrate records applied versions in its own table and
// skips them.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite file %q: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite file %q: %w", path, err)
	}

	if err := migrateSchema(sqlDB, log); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	db := sqlx.NewDb(sqlDB, "sqlite3")
	log.Info().Str("file", path).Msg("store opened")
	return &Store{db: db, log: log}, nil
}

func migrateSchema(sqlDB *sql.DB, log zerolog.Logger) error {
	driver, err := sqlite3.WithInstance(sqlDB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("sqlite3 migrate driver: %w", err)
	}
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("embedded migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	log.Debug().Msg("schema up to date")
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	s.log.Info().Msg("closing store")
	return s.db.Close()
}

func now() time.Time { return time.Now().UTC() }
