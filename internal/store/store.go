// Package store persists mirrored channel records in an embedded SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"channel-mirror/internal/retry"
	"channel-mirror/pkg/mirror"
)

const (
	// SchemaVersion is written to the config row on first open.
	SchemaVersion = 1

	defaultBusyTimeout = 5 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	message_id      INTEGER PRIMARY KEY,
	content         BLOB    NOT NULL,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	last_updated_at INTEGER NOT NULL,
	CHECK (created_at <= updated_at)
);
CREATE TABLE IF NOT EXISTS config (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	channel TEXT    NOT NULL,
	version INTEGER NOT NULL,
	data    BLOB
);
`

// storeConfig contains tunables applied at Open.
type storeConfig struct {
	compressionLevel int
	busyTimeout      time.Duration
	now              func() time.Time
	logger           *slog.Logger
	retryOptions     []retry.Option
}

// Option mutates store configuration.
type Option func(*storeConfig)

// WithCompressionLevel sets the zstd level used for new writes.
func WithCompressionLevel(level int) Option {
	return func(cfg *storeConfig) {
		if level > 0 {
			cfg.compressionLevel = level
		}
	}
}

// WithBusyTimeout sets how long SQLite waits on a locked database before reporting busy.
func WithBusyTimeout(timeout time.Duration) Option {
	return func(cfg *storeConfig) {
		if timeout > 0 {
			cfg.busyTimeout = timeout
		}
	}
}

// WithClock replaces the wall clock used for sync and update timestamps.
func WithClock(now func() time.Time) Option {
	return func(cfg *storeConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// WithLogger injects the logger used for store diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *storeConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithRetryOptions tunes the retry wrapper applied to every operation.
func WithRetryOptions(options ...retry.Option) Option {
	return func(cfg *storeConfig) {
		cfg.retryOptions = append(cfg.retryOptions, options...)
	}
}

// Store is the SQLite-backed record store for one channel.
//
// It is safe for concurrent use. WAL mode serves readers alongside a single
// writer and every mutation runs in its own transaction.
type Store struct {
	db      *sql.DB
	path    string
	channel string
	codec   *codec
	retrier *retry.Retrier
	now     func() time.Time
	logger  *slog.Logger

	// calls numbers retry keys so concurrent calls never share an attempt counter.
	calls atomic.Uint64
}

// Open opens or creates the store at path for channel.
//
// A fresh database is initialized with the channel identity. An existing one
// must carry the same identity or Open fails with mirror.ErrIdentityMismatch.
func Open(ctx context.Context, path string, channel string, options ...Option) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("open store: empty path")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, fmt.Errorf("open store: empty channel identity")
	}

	cfg := storeConfig{
		compressionLevel: defaultCompressionLevel,
		busyTimeout:      defaultBusyTimeout,
		now:              time.Now,
		logger:           slog.Default(),
	}
	for _, option := range options {
		option(&cfg)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("open store: create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dataSourceName(path, cfg.busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open store %s: ping: %w", path, err)
	}

	codec, err := newCodec(cfg.compressionLevel)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	retryOptions := append([]retry.Option{retry.WithLogger(cfg.logger)}, cfg.retryOptions...)
	retrier, err := retry.New(IsTransient, retryOptions...)
	if err != nil {
		codec.Close()
		_ = db.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	store := &Store{
		db:      db,
		path:    path,
		channel: channel,
		codec:   codec,
		retrier: retrier,
		now:     cfg.now,
		logger:  cfg.logger,
	}

	if err := store.initialize(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	return store, nil
}

// dataSourceName builds the SQLite URI with per-connection pragmas.
func dataSourceName(path string, busyTimeout time.Duration) string {
	query := url.Values{}
	query.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	query.Add("_pragma", "journal_mode(wal)")
	query.Add("_pragma", "foreign_keys(1)")
	query.Add("_pragma", "synchronous(normal)")

	return "file:" + filepath.ToSlash(path) + "?" + query.Encode()
}

// initialize creates the schema and identity row, or verifies the stored identity.
func (s *Store) initialize(ctx context.Context) error {
	return s.retrier.Do(ctx, s.callKey("initialize"), func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("initialize store: begin: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("initialize store: create schema: %w", err)
		}

		var stored string
		err = tx.QueryRowContext(ctx, `SELECT channel FROM config WHERE id = 1`).Scan(&stored)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO config (id, channel, version, data) VALUES (1, ?, ?, NULL)`,
				s.channel, SchemaVersion,
			); err != nil {
				return fmt.Errorf("initialize store: write identity: %w", err)
			}
			s.logger.InfoContext(ctx, "store initialized", "path", s.path, "channel", s.channel)
		case err != nil:
			return fmt.Errorf("initialize store: read identity: %w", err)
		case stored != s.channel:
			return fmt.Errorf("initialize store: stored channel %q, configured %q: %w",
				stored, s.channel, mirror.ErrIdentityMismatch)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("initialize store: commit: %w", err)
		}

		return nil
	})
}

// Channel returns the channel identity the store was opened for.
func (s *Store) Channel() string {
	return s.channel
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		s.logger.Warn("store wal checkpoint failed", "path", s.path, "error", err)
	}
	s.codec.Close()

	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("close store %s: %w", s.path, err)
	}

	return nil
}

// IsTransient reports whether err is a recoverable SQLite contention failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, sqlite3.BUSY) || errors.Is(err, sqlite3.LOCKED) {
		return true
	}

	message := strings.ToLower(err.Error())
	for _, marker := range []string{"database is locked", "busy", "no response"} {
		if strings.Contains(message, marker) {
			return true
		}
	}

	return false
}
