// Package progress restores and persists watch position for the mounted player.
package progress

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// WatchProgress is the last known position of one user in one title. There is one row per
// (UserID, TitleID); writing another episode of the same title replaces it.
type WatchProgress struct {
	UserID          uuid.UUID `json:"user_id"`
	TitleID         string    `json:"title"`
	EpisodeID       string    `json:"episode"`
	DisplayName     string    `json:"name"`
	PosterRef       string    `json:"poster"`
	ProgressSeconds int       `json:"progress"`
	DurationSeconds int       `json:"duration"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Store persists WatchProgress. Upsert is last-write-wins on (UserID, TitleID).
type Store interface {
	Upsert(ctx context.Context, wp WatchProgress) error
	// Read returns the stored position in seconds; ok is false when there is no row.
	Read(ctx context.Context, user uuid.UUID, title string) (seconds int, ok bool, err error)
}

// IdentityProvider resolves the signed-in user; ok is false for anonymous sessions.
type IdentityProvider interface {
	CurrentUser(ctx context.Context) (user uuid.UUID, ok bool, err error)
}

// PersistenceError is a failed identity lookup or store call. It is logged and never
// reaches the player.
type PersistenceError struct {
	Op    string // identity, read, upsert
	Title string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("progress %s %s: %v", e.Op, e.Title, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Seconds truncates a player clock value to whole non-negative seconds.
func Seconds(v float64) int {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0
	}
	return int(math.Floor(v))
}

// Percent is progress/duration as a whole percentage capped at 100; 0 when duration is unknown.
func Percent(progress, duration int) int {
	if duration <= 0 || progress <= 0 {
		return 0
	}
	return min(progress*100/duration, 100)
}
