package httpclient

import (
	"context"
	"net/url"
	"sync"

	"golang.org/x/time/rate"
)

// HostLimiter rate-limits outgoing requests per upstream host so a burst of player
// requests (many viewers, many segments) does not hammer a single origin.
//
//	if err := lim.Wait(ctx, upstreamURL); err != nil {
//		return err // ctx done
//	}
//
// A nil *HostLimiter, or one built with rps <= 0, never blocks.
type HostLimiter struct {
	mu    sync.Mutex
	lims  map[string]*rate.Limiter
	rps   rate.Limit
	burst int
}

func NewHostLimiter(rps float64, burst int) *HostLimiter {
	if burst < 1 {
		burst = 1
	}
	return &HostLimiter{
		lims:  make(map[string]*rate.Limiter),
		rps:   rate.Limit(rps),
		burst: burst,
	}
}

// Wait blocks until a request to rawURL's host is allowed or ctx is done.
func (h *HostLimiter) Wait(ctx context.Context, rawURL string) error {
	if h == nil || h.rps <= 0 {
		return nil
	}
	return h.limiterFor(rawURL).Wait(ctx)
}

func (h *HostLimiter) limiterFor(rawURL string) *rate.Limiter {
	// Normalise: strip path/query, keep scheme+host.
	key := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		key = u.Scheme + "://" + u.Host
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.lims[key]
	if !ok {
		l = rate.NewLimiter(h.rps, h.burst)
		h.lims[key] = l
	}
	return l
}
