package progress

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/snapetech/vodrelay/internal/eventloop"
	"github.com/snapetech/vodrelay/internal/playback"
)

// Options tune the restore and persist gates.
type Options struct {
	RestoreDelay    time.Duration // settle time between ready and the restoring seek
	MinPosition     time.Duration // positions below this are neither restored nor saved
	PersistInterval time.Duration // minimum spacing of writes per mount
}

// DefaultOptions: 500ms settle, 5s threshold, one write per 5s.
var DefaultOptions = Options{
	RestoreDelay:    500 * time.Millisecond,
	MinPosition:     5 * time.Second,
	PersistInterval: 5 * time.Second,
}

// Seeker is the part of the player the synchronizer commands.
type Seeker interface {
	Seek(key string, seconds float64)
}

// Synchronizer is a playback.Listener that restores position once per mount and saves it
// on a debounce while the mount plays. It lives on the loop; its store and identity calls
// run through Scheduler.Go and come back as continuations that are dropped once their
// mount is gone.
type Synchronizer struct {
	sched  eventloop.Scheduler
	store  Store
	ident  IdentityProvider
	seeker Seeker
	opts   Options

	mount   playback.Mount
	active  bool
	ctx     context.Context
	cancel  context.CancelFunc
	user    uuid.UUID
	known   bool
	ready   bool
	started bool

	restoreFired bool
	restoreTimer eventloop.Timer
	lastPersist  time.Time
}

// NewSynchronizer returns a Synchronizer. A nil ident means every session is anonymous.
func NewSynchronizer(sched eventloop.Scheduler, store Store, ident IdentityProvider, seeker Seeker, opts Options) *Synchronizer {
	if opts.RestoreDelay <= 0 {
		opts.RestoreDelay = DefaultOptions.RestoreDelay
	}
	if opts.MinPosition <= 0 {
		opts.MinPosition = DefaultOptions.MinPosition
	}
	if opts.PersistInterval <= 0 {
		opts.PersistInterval = DefaultOptions.PersistInterval
	}
	return &Synchronizer{sched: sched, store: store, ident: ident, seeker: seeker, opts: opts}
}

// Mounted starts fresh gates for m and resolves the user for it.
func (s *Synchronizer) Mounted(m playback.Mount) {
	s.reset()
	s.mount, s.active = m, true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if s.ident == nil || s.store == nil {
		return
	}
	ctx := s.ctx
	s.sched.Go(func() func() {
		user, ok, err := s.ident.CurrentUser(ctx)
		return func() {
			if !s.owns(ctx) {
				return
			}
			if err != nil {
				s.logErr(&PersistenceError{Op: "identity", Title: m.Source.TitleID, Err: err})
				return
			}
			if !ok {
				return
			}
			s.user, s.known = user, true
			s.tryRestore()
		}
	})
}

// Unmounted cancels the restore timer and any in-flight call made for m.
func (s *Synchronizer) Unmounted(m playback.Mount) {
	if !s.active || m.Key != s.mount.Key {
		return
	}
	s.reset()
}

func (s *Synchronizer) Ready(key string) {
	if !s.current(key) {
		return
	}
	s.ready = true
	s.tryRestore()
}

func (s *Synchronizer) Started(key string) {
	if !s.current(key) {
		return
	}
	s.started = true
}

// TimeUpdate saves the position when playback has started, the user is known, the position
// is past the threshold and the last write is at least PersistInterval old. Ticks that
// arrive sooner are dropped.
func (s *Synchronizer) TimeUpdate(key string, current, duration float64) {
	if !s.current(key) || !s.started || !s.known {
		return
	}
	if current < s.opts.MinPosition.Seconds() {
		return
	}
	now := s.sched.Now()
	if !s.lastPersist.IsZero() && now.Sub(s.lastPersist) < s.opts.PersistInterval {
		return
	}
	s.lastPersist = now
	stamp := now
	src := s.mount.Source
	wp := WatchProgress{
		UserID:          s.user,
		TitleID:         src.TitleID,
		EpisodeID:       src.EpisodeID,
		DisplayName:     src.DisplayName,
		PosterRef:       src.PosterRef,
		ProgressSeconds: Seconds(current),
		DurationSeconds: Seconds(duration),
		UpdatedAt:       now.UTC(),
	}
	ctx := s.ctx
	s.sched.Go(func() func() {
		err := s.store.Upsert(ctx, wp)
		return func() {
			if err == nil || !s.owns(ctx) {
				return
			}
			if s.lastPersist.Equal(stamp) {
				s.lastPersist = time.Time{}
			}
			s.logErr(&PersistenceError{Op: "upsert", Title: wp.TitleID, Err: err})
		}
	})
}

// tryRestore arms the restore gate once all of its preconditions hold. The gate counts as
// fired from the moment it is armed.
func (s *Synchronizer) tryRestore() {
	if !s.active || !s.ready || !s.known || s.restoreFired {
		return
	}
	s.restoreFired = true
	ctx, key, user, title := s.ctx, s.mount.Key, s.user, s.mount.Source.TitleID
	s.restoreTimer = s.sched.AfterFunc(s.opts.RestoreDelay, func() {
		if !s.owns(ctx) {
			return
		}
		s.sched.Go(func() func() {
			secs, ok, err := s.store.Read(ctx, user, title)
			return func() {
				if !s.owns(ctx) {
					return
				}
				if err != nil {
					s.logErr(&PersistenceError{Op: "read", Title: title, Err: err})
					return
				}
				if !ok || float64(secs) <= s.opts.MinPosition.Seconds() {
					return
				}
				log.Printf("progress: restore key=%s title=%s to=%ds", key, title, secs)
				s.seeker.Seek(key, float64(secs))
			}
		})
	})
}

func (s *Synchronizer) reset() {
	if s.restoreTimer != nil {
		s.restoreTimer.Stop()
		s.restoreTimer = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.mount, s.active = playback.Mount{}, false
	s.ctx, s.cancel = nil, nil
	s.user, s.known = uuid.Nil, false
	s.ready, s.started, s.restoreFired = false, false, false
	s.lastPersist = time.Time{}
}

func (s *Synchronizer) current(key string) bool { return s.active && key == s.mount.Key }

// owns reports whether ctx still belongs to the active mount.
func (s *Synchronizer) owns(ctx context.Context) bool {
	return s.active && s.ctx == ctx && ctx.Err() == nil
}

func (s *Synchronizer) logErr(err *PersistenceError) {
	if errors.Is(err, context.Canceled) {
		return
	}
	log.Printf("progress: %v", err)
}
