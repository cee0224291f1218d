// Package playback owns the source URL handed to a player and decides when direct
// playback has failed badly enough to go through the relay instead.
//
// All Controller and Session methods that mutate state run on one eventloop goroutine.
package playback

import (
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/snapetech/vodrelay/internal/relay"
	"github.com/snapetech/vodrelay/internal/safeurl"
)

// State is the controller's position in INIT -> DIRECT -> RELAYED -> FAILED.
type State int

const (
	StateInit State = iota
	StateDirect
	StateRelayed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateDirect:
		return "direct"
	case StateRelayed:
		return "relayed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Mode is how a mount reaches the origin.
type Mode int

const (
	ModeDirect Mode = iota
	ModeRelayed
)

func (m Mode) String() string {
	if m == ModeRelayed {
		return "relayed"
	}
	return "direct"
}

// Source is one selected title/episode.
type Source struct {
	TitleID     string
	EpisodeID   string
	DisplayName string
	PosterRef   string
	URL         string // origin playlist URL
}

// Mount is one load of a source into the player. Key is the opaque session key: a new Key
// forces the player to drop all internal state, and events tagged with an old Key are stale.
type Mount struct {
	Key    string
	Gen    uint64
	Source Source
	Mode   Mode
	URL    string // what the player actually loads
}

// Player is the playback widget. Load replaces whatever was loaded before.
type Player interface {
	Load(m Mount)
	Seek(key string, seconds float64)
}

// MountObserver is told about every mount change, old mount first.
type MountObserver interface {
	Mounted(m Mount)
	Unmounted(m Mount)
}

// PlaybackError is a player-reported failure. It drives the state machine and is only
// shown to the user once the controller reaches FAILED.
type PlaybackError struct {
	Key    string
	Mode   Mode
	Detail error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback failed (%s, mount %s): %v", e.Mode, e.Key, e.Detail)
}

func (e *PlaybackError) Unwrap() error { return e.Detail }

// Controller is the per-player fallback state machine.
type Controller struct {
	player    Player
	relayPath string
	observers []MountObserver

	// OnFailed is called once when the controller enters FAILED. It is the retry affordance:
	// nothing else happens until Reload or SetSource.
	OnFailed func(m Mount, err *PlaybackError)

	state    State
	failures int
	gen      uint64
	mount    Mount
	mounted  bool
}

// NewController returns a controller in INIT. relayPath is where relay calls are built
// (e.g. "/relay" or "http://host:8080/relay").
func NewController(player Player, relayPath string) *Controller {
	return &Controller{player: player, relayPath: relayPath}
}

// Observe registers o for mount changes.
func (c *Controller) Observe(o MountObserver) { c.observers = append(c.observers, o) }

func (c *Controller) State() State { return c.state }

// Failures is the number of playback errors counted against the current source.
func (c *Controller) Failures() int { return c.failures }

// Current returns the active mount.
func (c *Controller) Current() (Mount, bool) { return c.mount, c.mounted }

// SetSource selects a new title or episode. Whatever state the controller is in, it resets
// to INIT and immediately mounts the origin URL in DIRECT.
func (c *Controller) SetSource(src Source) {
	c.state = StateInit
	c.failures = 0
	c.load(src, ModeDirect, src.URL)
	c.state = StateDirect
}

// Reload is the user-initiated retry: the current source again, direct first.
// It reports false when there is no source to reload.
func (c *Controller) Reload() bool {
	if !c.mounted {
		return false
	}
	c.SetSource(c.mount.Source)
	return true
}

// HandleError applies a player error for the mount identified by key. Errors for stale
// mounts and errors while FAILED are ignored; the return value reports whether the error
// changed state.
func (c *Controller) HandleError(key string, detail error) bool {
	if !c.mounted || key != c.mount.Key {
		return false
	}
	switch c.state {
	case StateDirect:
		c.failures++
		src := c.mount.Source
		log.Printf("playback: direct failed mount=%s url=%s err=%v; falling back to relay",
			key, safeurl.RedactURL(src.URL), detail)
		c.load(src, ModeRelayed, relay.BuildURL(c.relayPath, src.URL))
		c.state = StateRelayed
		return true
	case StateRelayed:
		c.failures++
		c.state = StateFailed
		perr := &PlaybackError{Key: key, Mode: ModeRelayed, Detail: detail}
		log.Printf("playback: relayed failed mount=%s title=%s err=%v", key, c.mount.Source.TitleID, detail)
		if c.OnFailed != nil {
			c.OnFailed(c.mount, perr)
		}
		return true
	}
	return false
}

// Close unmounts. Observers cancel anything they armed for the mount.
func (c *Controller) Close() {
	if !c.mounted {
		return
	}
	old := c.mount
	c.mounted = false
	c.mount = Mount{}
	c.state = StateInit
	c.failures = 0
	for _, o := range c.observers {
		o.Unmounted(old)
	}
}

// load retires the current mount, notifies observers and only then hands the new mount to
// the player, so nothing armed for the old mount can run against the new one.
func (c *Controller) load(src Source, mode Mode, u string) {
	if c.mounted {
		old := c.mount
		c.mounted = false
		for _, o := range c.observers {
			o.Unmounted(old)
		}
	}
	c.gen++
	c.mount = Mount{Key: uuid.NewString(), Gen: c.gen, Source: src, Mode: mode, URL: u}
	c.mounted = true
	log.Printf("playback: mount key=%s gen=%d mode=%s title=%s episode=%s url=%s",
		c.mount.Key, c.mount.Gen, mode, src.TitleID, src.EpisodeID, safeurl.RedactURL(u))
	for _, o := range c.observers {
		o.Mounted(c.mount)
	}
	if c.player != nil {
		c.player.Load(c.mount)
	}
}
