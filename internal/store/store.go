// Package store persists users, session events and traffic aggregates in
// a local sqlite database.
//
// All timestamps are stored as local-time "YYYY-MM-DD HH:MM:SS" strings
// and all date keys as "YYYY-MM-DD", both derived from the injected
// clock so that tests and day-boundary queries agree on what "today"
// means.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"
)

const DefaultPath = "wireguard.db"

var (
	// ErrEventClosed is returned when closing an event whose end_time is
	// already set.
	ErrEventClosed = errors.New("event already closed")
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Path   string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		return errors.New("clock is required")
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	return nil
}

type Store struct {
	log   *slog.Logger
	cfg   *Config
	clock clockwork.Clock
	db    *sql.DB
}

// Open opens (creating if needed) the sqlite database at cfg.Path. The
// connection pool is capped at one connection so every statement is
// serialized, which is all the write concurrency sqlite gives us anyway.
func Open(ctx context.Context, cfg *Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// A predecessor process may still hold the file lock while shutting
	// down, so ping with a short bounded retry before giving up.
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
		backoff.WithMaxElapsedTime(5*time.Second),
	)
	if err := backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(b, ctx)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{log: cfg.Logger, cfg: cfg, clock: cfg.Clock, db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// now returns the current local timestamp in storage form.
func (s *Store) now() string {
	return s.clock.Now().Format(time.DateTime)
}

// Today returns the current local date key.
func (s *Store) Today() string {
	return s.clock.Now().Format(time.DateOnly)
}
