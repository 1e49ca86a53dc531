// Package ledger provides PostgreSQL-backed room activity accounting. Each
// row tracks when a room key was first and last used and how many joins and
// messages it has seen. Message content and sender names are never stored.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Activity is the accounting row for one room.
type Activity struct {
	RoomKey    string    `json:"room"`
	FirstSeen  time.Time `json:"first_seen"`
	LastActive time.Time `json:"last_active"`
	Joins      int64     `json:"joins"`
	Messages   int64     `json:"messages"`
}

// Store manages room activity rows in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a ledger store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL using the lib/pq driver and verifies the
// connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: ping: %w", err)
	}
	return NewStore(db), nil
}

// Migrate applies the embedded schema migrations to the database at
// databaseURL. Running it against an up-to-date schema is a no-op.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ledger: load migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("ledger: init migrate: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("ledger: migrate up: %w", err)
	}
	return nil
}

// RecordJoin counts one join for the room, creating its row if needed.
func (s *Store) RecordJoin(ctx context.Context, room string) error {
	const query = `
		INSERT INTO room_activity (room_key, joins)
		VALUES ($1, 1)
		ON CONFLICT (room_key) DO UPDATE
		SET joins = room_activity.joins + 1, last_active = NOW()`

	if _, err := s.db.ExecContext(ctx, query, room); err != nil {
		return fmt.Errorf("ledger: record join: %w", err)
	}
	return nil
}

// RecordMessage counts one relayed message for the room.
func (s *Store) RecordMessage(ctx context.Context, room string) error {
	const query = `
		INSERT INTO room_activity (room_key, messages)
		VALUES ($1, 1)
		ON CONFLICT (room_key) DO UPDATE
		SET messages = room_activity.messages + 1, last_active = NOW()`

	if _, err := s.db.ExecContext(ctx, query, room); err != nil {
		return fmt.Errorf("ledger: record message: %w", err)
	}
	return nil
}

// Get returns the activity row for the room, or nil if the room has never
// been used.
func (s *Store) Get(ctx context.Context, room string) (*Activity, error) {
	const query = `
		SELECT room_key, first_seen, last_active, joins, messages
		FROM room_activity
		WHERE room_key = $1`

	var a Activity
	err := s.db.QueryRowContext(ctx, query, room).
		Scan(&a.RoomKey, &a.FirstSeen, &a.LastActive, &a.Joins, &a.Messages)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get: %w", err)
	}
	return &a, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
