package playback

import (
	"github.com/snapetech/vodrelay/internal/eventloop"
)

// Events is what a Player reports. Implementations must be safe to call from any goroutine.
type Events interface {
	Ready(key string)
	Started(key string)
	TimeUpdate(key string, current, duration float64)
	Error(key string, err error)
}

// Listener observes mounts and the playback clock of the current mount.
// All methods are called on the loop.
type Listener interface {
	MountObserver
	Ready(key string)
	Started(key string)
	TimeUpdate(key string, current, duration float64)
}

// Session binds one player to one Controller on a scheduler. Player events are posted
// onto the scheduler, dropped if their key is no longer current, and fanned out: errors to
// the Controller, clock events to listeners.
type Session struct {
	sched     eventloop.Scheduler
	ctrl      *Controller
	listeners []Listener
}

// NewSession returns a Session whose Controller drives player.
func NewSession(sched eventloop.Scheduler, player Player, relayPath string) *Session {
	return &Session{sched: sched, ctrl: NewController(player, relayPath)}
}

// Controller is only safe to use on the loop.
func (s *Session) Controller() *Controller { return s.ctrl }

// AddListener must be called on the loop (or before the loop starts).
func (s *Session) AddListener(l Listener) {
	s.listeners = append(s.listeners, l)
	s.ctrl.Observe(l)
}

// Play posts a source change.
func (s *Session) Play(src Source) { s.sched.Post(func() { s.ctrl.SetSource(src) }) }

// Retry posts a user-initiated reload.
func (s *Session) Retry() { s.sched.Post(func() { s.ctrl.Reload() }) }

// Stop posts an unmount.
func (s *Session) Stop() { s.sched.Post(s.ctrl.Close) }

func (s *Session) current(key string) bool {
	m, ok := s.ctrl.Current()
	return ok && m.Key == key
}

func (s *Session) Ready(key string) {
	s.sched.Post(func() {
		if !s.current(key) {
			return
		}
		for _, l := range s.listeners {
			l.Ready(key)
		}
	})
}

func (s *Session) Started(key string) {
	s.sched.Post(func() {
		if !s.current(key) {
			return
		}
		for _, l := range s.listeners {
			l.Started(key)
		}
	})
}

func (s *Session) TimeUpdate(key string, current, duration float64) {
	s.sched.Post(func() {
		if !s.current(key) {
			return
		}
		for _, l := range s.listeners {
			l.TimeUpdate(key, current, duration)
		}
	})
}

func (s *Session) Error(key string, err error) {
	s.sched.Post(func() { s.ctrl.HandleError(key, err) })
}
