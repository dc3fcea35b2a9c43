// Package sqlite is a durable credstore.Store backed by a single-row SQLite
// table, for clients that must survive restarts without a fresh login.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/aussiebroadwan/sessionkeeper/pkg/credstore"
	_ "modernc.org/sqlite"
)

const (
	getCredentials = `SELECT access_token, refresh_token FROM credentials WHERE id = 1`

	upsertCredentials = `
INSERT INTO credentials (id, access_token, refresh_token, updated_at)
VALUES (1, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    access_token  = excluded.access_token,
    refresh_token = excluded.refresh_token,
    updated_at    = excluded.updated_at`

	deleteCredentials = `DELETE FROM credentials WHERE id = 1`
)

// Store keeps the pair in SQLite. Change notifications are delivered to
// subscribers in this process only.
type Store struct {
	credstore.Notifier

	db  *sql.DB
	dsn string
}

// NewStore opens dsn. Call ApplyMigrations before first use.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, dsn: dsn}, nil
}

// Open is NewStore followed by ApplyMigrations.
func Open(dsn string) (*Store, error) {
	s, err := NewStore(dsn)
	if err != nil {
		return nil, err
	}
	if err := s.ApplyMigrations(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// DSN builds the connection string the application uses for a file path.
func DSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Get(ctx context.Context) (credstore.TokenPair, error) {
	var pair credstore.TokenPair
	err := s.db.QueryRowContext(ctx, getCredentials).Scan(&pair.Access, &pair.Refresh)
	if errors.Is(err, sql.ErrNoRows) {
		return credstore.TokenPair{}, credstore.ErrNotFound
	}
	if err != nil {
		return credstore.TokenPair{}, err
	}
	return pair, nil
}

func (s *Store) Set(ctx context.Context, pair credstore.TokenPair) error {
	if err := pair.Validate(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, upsertCredentials, pair.Access, pair.Refresh, time.Now().Unix()); err != nil {
		return err
	}

	s.Notify(credstore.Change{Pair: pair})
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, deleteCredentials)
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.Notify(credstore.Change{Cleared: true})
	}
	return nil
}
