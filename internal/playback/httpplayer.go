package playback

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Eyevinn/hls-m3u8/m3u8"

	"github.com/snapetech/vodrelay/internal/safeurl"
)

const (
	maxPlaylistDepth = 3
	segmentProbeSize = 188 * 1024
)

// HTTPPlayer is a headless Player: it loads the mount URL over HTTP, follows the first
// variant of a master playlist, pulls the first segment and reports Ready. With PlayFor
// set it then reports Started and a TimeUpdate every Tick from a seekable clock.
type HTTPPlayer struct {
	Client    *http.Client
	RelayBase string // resolves relative mount URLs such as /relay?url=...
	Events    Events
	PlayFor   time.Duration
	Tick      time.Duration // default 1s

	mu     sync.Mutex
	key    string
	cancel context.CancelFunc
	pos    float64
	seeks  []float64
	wg     sync.WaitGroup
}

// Load cancels the previous mount's fetches and clock and starts m.
func (p *HTTPPlayer) Load(m Mount) {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.key, p.cancel, p.pos = m.Key, cancel, 0
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx, m)
	}()
}

// Seek moves the playback clock of mount key. Seeks for other mounts are ignored.
func (p *HTTPPlayer) Seek(key string, seconds float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if key != p.key {
		return
	}
	p.pos = seconds
	p.seeks = append(p.seeks, seconds)
	log.Printf("player: seek key=%s to=%.0fs", key, seconds)
}

// Seeks returns the seek targets applied so far.
func (p *HTTPPlayer) Seeks() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.seeks...)
}

// Close stops the current mount and waits for its goroutine.
func (p *HTTPPlayer) Close() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.key = ""
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *HTTPPlayer) run(ctx context.Context, m Mount) {
	start, err := p.resolve(m.URL)
	if err != nil {
		p.report(ctx, func() { p.Events.Error(m.Key, err) })
		return
	}
	duration, err := p.probe(ctx, start)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("player: load failed key=%s mode=%s url=%s err=%v", m.Key, m.Mode, safeurl.RedactURL(start.String()), err)
		}
		p.report(ctx, func() { p.Events.Error(m.Key, err) })
		return
	}
	p.report(ctx, func() { p.Events.Ready(m.Key) })
	if p.PlayFor <= 0 {
		return
	}
	p.report(ctx, func() { p.Events.Started(m.Key) })

	tick := p.Tick
	if tick <= 0 {
		tick = time.Second
	}
	t := time.NewTicker(tick)
	defer t.Stop()
	deadline := time.NewTimer(p.PlayFor)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-t.C:
			p.mu.Lock()
			if p.key != m.Key {
				p.mu.Unlock()
				return
			}
			p.pos += tick.Seconds()
			pos := p.pos
			p.mu.Unlock()
			if duration > 0 && pos > duration {
				return
			}
			p.report(ctx, func() { p.Events.TimeUpdate(m.Key, pos, duration) })
		}
	}
}

// report delivers an event unless the mount was replaced meanwhile.
func (p *HTTPPlayer) report(ctx context.Context, fn func()) {
	if ctx.Err() != nil || p.Events == nil {
		return
	}
	fn()
}

func (p *HTTPPlayer) resolve(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.IsAbs() {
		return u, nil
	}
	if p.RelayBase == "" {
		return nil, fmt.Errorf("relative mount url %q and no relay base", raw)
	}
	base, err := url.Parse(p.RelayBase)
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(u), nil
}

// probe walks master -> media playlist and fetches the first segment.
// It returns the media playlist's total duration in seconds.
func (p *HTTPPlayer) probe(ctx context.Context, u *url.URL) (float64, error) {
	for depth := 0; depth < maxPlaylistDepth; depth++ {
		pl, err := p.fetchPlaylist(ctx, u)
		if err != nil {
			return 0, err
		}
		switch v := pl.(type) {
		case *m3u8.MasterPlaylist:
			var next string
			for _, variant := range v.Variants {
				if variant != nil && variant.URI != "" {
					next = variant.URI
					break
				}
			}
			if next == "" {
				return 0, errors.New("master playlist has no variants")
			}
			if u, err = u.Parse(next); err != nil {
				return 0, err
			}
		case *m3u8.MediaPlaylist:
			var first string
			var total float64
			for _, seg := range v.Segments {
				if seg == nil {
					continue
				}
				if first == "" {
					first = seg.URI
				}
				total += seg.Duration
			}
			if first == "" {
				return 0, errors.New("media playlist has no segments")
			}
			segURL, err := u.Parse(first)
			if err != nil {
				return 0, err
			}
			if err := p.fetchSegment(ctx, segURL); err != nil {
				return 0, err
			}
			return total, nil
		default:
			return 0, fmt.Errorf("unexpected playlist type %T", pl)
		}
	}
	return 0, fmt.Errorf("playlist nesting deeper than %d", maxPlaylistDepth)
}

func (p *HTTPPlayer) get(ctx context.Context, u *url.URL) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s", safeurl.RedactURL(u.String()), resp.Status)
	}
	return resp, nil
}

func (p *HTTPPlayer) fetchPlaylist(ctx context.Context, u *url.URL) (m3u8.Playlist, error) {
	resp, err := p.get(ctx, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	pl, _, err := m3u8.DecodeFrom(bufio.NewReader(io.LimitReader(resp.Body, 8<<20)), false)
	if err != nil {
		return nil, fmt.Errorf("decode playlist %s: %w", safeurl.RedactURL(u.String()), err)
	}
	return pl, nil
}

func (p *HTTPPlayer) fetchSegment(ctx context.Context, u *url.URL) error {
	resp, err := p.get(ctx, u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, segmentProbeSize))
	if err != nil {
		return fmt.Errorf("read segment: %w", err)
	}
	if n == 0 {
		return errors.New("empty segment")
	}
	return nil
}
