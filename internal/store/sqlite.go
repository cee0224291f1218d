// Package store is the SQLite-backed watch history.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/snapetech/vodrelay/internal/progress"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// DefaultHistoryLimit is the length of the continue-watching list.
const DefaultHistoryLimit = 20

var _ progress.Store = (*Store)(nil)

// Store keeps one watch_history row per (user, title).
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("sqlite driver: %w", err)
	}
	src, err := iofs.New(embeddedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database is usable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Upsert writes wp, replacing any earlier row for the same user and title whichever
// episode it recorded.
func (s *Store) Upsert(ctx context.Context, wp progress.WatchProgress) error {
	if wp.UserID == uuid.Nil || wp.TitleID == "" {
		return errors.New("upsert: user and title are required")
	}
	if wp.ProgressSeconds < 0 || wp.DurationSeconds < 0 {
		return fmt.Errorf("upsert %s: negative progress/duration", wp.TitleID)
	}
	if wp.UpdatedAt.IsZero() {
		wp.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO watch_history (user_id, movie_slug, episode_slug, movie_name, poster_url, progress, duration, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, movie_slug) DO UPDATE SET
    episode_slug = excluded.episode_slug,
    movie_name   = excluded.movie_name,
    poster_url   = excluded.poster_url,
    progress     = excluded.progress,
    duration     = excluded.duration,
    updated_at   = excluded.updated_at`,
		wp.UserID.String(), wp.TitleID, wp.EpisodeID, wp.DisplayName, wp.PosterRef,
		wp.ProgressSeconds, wp.DurationSeconds, wp.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert %s: %w", wp.TitleID, err)
	}
	return nil
}

// Read returns the stored position for (user, title).
func (s *Store) Read(ctx context.Context, user uuid.UUID, title string) (int, bool, error) {
	var secs int
	err := s.db.QueryRowContext(ctx,
		`SELECT progress FROM watch_history WHERE user_id = ? AND movie_slug = ?`,
		user.String(), title).Scan(&secs)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read %s: %w", title, err)
	}
	return secs, true, nil
}

// Get returns the full row for (user, title).
func (s *Store) Get(ctx context.Context, user uuid.UUID, title string) (progress.WatchProgress, bool, error) {
	rows, err := s.query(ctx, `WHERE user_id = ? AND movie_slug = ?`, user.String(), title)
	if err != nil || len(rows) == 0 {
		return progress.WatchProgress{}, false, err
	}
	return rows[0], true, nil
}

// ListRecent returns the user's rows, most recently updated first. limit <= 0 means
// DefaultHistoryLimit.
func (s *Store) ListRecent(ctx context.Context, user uuid.UUID, limit int) ([]progress.WatchProgress, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return s.query(ctx, `WHERE user_id = ? ORDER BY updated_at DESC, id DESC LIMIT ?`, user.String(), limit)
}

func (s *Store) query(ctx context.Context, where string, args ...any) ([]progress.WatchProgress, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT user_id, movie_slug, episode_slug, movie_name, poster_url, progress, duration, updated_at
FROM watch_history `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query watch_history: %w", err)
	}
	defer rows.Close()
	var out []progress.WatchProgress
	for rows.Next() {
		var (
			wp      progress.WatchProgress
			userID  string
			updated int64
		)
		if err := rows.Scan(&userID, &wp.TitleID, &wp.EpisodeID, &wp.DisplayName, &wp.PosterRef,
			&wp.ProgressSeconds, &wp.DurationSeconds, &updated); err != nil {
			return nil, fmt.Errorf("scan watch_history: %w", err)
		}
		if wp.UserID, err = uuid.Parse(userID); err != nil {
			return nil, fmt.Errorf("watch_history user_id %q: %w", userID, err)
		}
		wp.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, wp)
	}
	return out, rows.Err()
}
