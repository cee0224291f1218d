package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/snapetech/vodrelay/internal/catalog"
	"github.com/snapetech/vodrelay/internal/identity"
	"github.com/snapetech/vodrelay/internal/progress"
)

// HistoryStore is the persistence the progress API needs.
type HistoryStore interface {
	progress.Store
	Get(ctx context.Context, user uuid.UUID, title string) (progress.WatchProgress, bool, error)
	ListRecent(ctx context.Context, user uuid.UUID, limit int) ([]progress.WatchProgress, error)
}

type progressAPI struct {
	store     HistoryStore
	auth      *identity.Authenticator
	imageBase string
	limit     int
}

// progressBody is what PUT /api/progress accepts. Positions are player clock values.
type progressBody struct {
	Title    string  `json:"title"`
	Episode  string  `json:"episode"`
	Name     string  `json:"name"`
	Poster   string  `json:"poster"`
	Progress float64 `json:"progress"`
	Duration float64 `json:"duration"`
}

// HistoryEntry is one continue-watching row.
type HistoryEntry struct {
	Title     string    `json:"title"`
	Episode   string    `json:"episode"`
	Name      string    `json:"name"`
	Poster    string    `json:"poster"`
	Progress  int       `json:"progress"`
	Duration  int       `json:"duration"`
	Percent   int       `json:"percent"`
	UpdatedAt time.Time `json:"updated_at"`
}

// user resolves the caller. It writes the error response itself and returns ok=false when
// the request cannot continue.
func (a *progressAPI) user(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	if a.store == nil {
		writeError(w, http.StatusNotFound, "Progress sync disabled")
		return uuid.Nil, false
	}
	u, ok, err := a.auth.FromRequest(r).CurrentUser(r.Context())
	if err != nil {
		log.Printf("progress-api: %v", &progress.PersistenceError{Op: "identity", Err: err})
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return uuid.Nil, false
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return uuid.Nil, false
	}
	return u, true
}

func (a *progressAPI) serveProgress(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.getProgress(w, r)
	case http.MethodPut, http.MethodPost:
		a.putProgress(w, r)
	default:
		w.Header().Set("Allow", "GET, PUT, POST")
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (a *progressAPI) getProgress(w http.ResponseWriter, r *http.Request) {
	title := strings.TrimSpace(r.URL.Query().Get("title"))
	if title == "" {
		writeError(w, http.StatusBadRequest, "Missing title")
		return
	}
	user, ok := a.user(w, r)
	if !ok {
		return
	}
	wp, found, err := a.store.Get(r.Context(), user, title)
	if err != nil {
		log.Printf("progress-api: %v", &progress.PersistenceError{Op: "read", Title: title, Err: err})
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"progress": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"progress":   wp.ProgressSeconds,
		"episode":    wp.EpisodeID,
		"duration":   wp.DurationSeconds,
		"updated_at": wp.UpdatedAt,
	})
}

func (a *progressAPI) putProgress(w http.ResponseWriter, r *http.Request) {
	var body progressBody
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid body")
		return
	}
	body.Title = strings.TrimSpace(body.Title)
	if body.Title == "" {
		writeError(w, http.StatusBadRequest, "Missing title")
		return
	}
	user, ok := a.user(w, r)
	if !ok {
		return
	}
	wp := progress.WatchProgress{
		UserID:          user,
		TitleID:         body.Title,
		EpisodeID:       body.Episode,
		DisplayName:     body.Name,
		PosterRef:       body.Poster,
		ProgressSeconds: progress.Seconds(body.Progress),
		DurationSeconds: progress.Seconds(body.Duration),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := a.store.Upsert(r.Context(), wp); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("progress-api: %v", &progress.PersistenceError{Op: "upsert", Title: wp.TitleID, Err: err})
		}
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *progressAPI) serveHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	limit := a.limit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}
	user, ok := a.user(w, r)
	if !ok {
		return
	}
	rows, err := a.store.ListRecent(r.Context(), user, limit)
	if err != nil {
		log.Printf("progress-api: %v", &progress.PersistenceError{Op: "list", Err: err})
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	out := make([]HistoryEntry, 0, len(rows))
	for _, wp := range rows {
		out = append(out, HistoryEntry{
			Title:     wp.TitleID,
			Episode:   wp.EpisodeID,
			Name:      wp.DisplayName,
			Poster:    catalog.ImageURL(a.imageBase, wp.PosterRef),
			Progress:  wp.ProgressSeconds,
			Duration:  wp.DurationSeconds,
			Percent:   progress.Percent(wp.ProgressSeconds, wp.DurationSeconds),
			UpdatedAt: wp.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
