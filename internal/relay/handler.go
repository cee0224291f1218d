package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/snapetech/vodrelay/internal/config"
	"github.com/snapetech/vodrelay/internal/httpclient"
	"github.com/snapetech/vodrelay/internal/safeurl"
)

const (
	playlistCacheControl = "public, s-maxage=60, stale-while-revalidate=30"
	segmentCacheControl  = "public, max-age=31536000, immutable"
)

// Handler is the manifest relay. It fetches ?url= from the origin with a spoofed client
// identity, rewrites playlists so nested playlists come back through Path, and streams
// everything else through unmodified. It keeps no per-request state between calls.
type Handler struct {
	Path              string // where the relay is mounted; nested playlist links point here
	Client            *http.Client
	Limiter           *httpclient.HostLimiter
	Profiles          *config.OriginProfiles
	UserAgent         string
	Referer           string
	StreamBufferBytes int   // 0 = passthrough, -1 = adaptive, >0 = fixed
	MaxPlaylistBytes  int64 // 0 = 8 MiB
	Metrics           *Metrics

	reqSeq uint64
}

// NewHandler builds a Handler from cfg. client must be a streaming client (no overall timeout).
func NewHandler(cfg *config.Config, client *http.Client, profiles *config.OriginProfiles, m *Metrics) *Handler {
	return &Handler{
		Path:              cfg.RelayPath,
		Client:            client,
		Limiter:           httpclient.NewHostLimiter(cfg.UpstreamRPS, cfg.UpstreamBurst),
		Profiles:          profiles,
		UserAgent:         cfg.UserAgent,
		Referer:           cfg.Referer,
		StreamBufferBytes: cfg.StreamBufferBytes,
		MaxPlaylistBytes:  cfg.MaxPlaylistBytes,
		Metrics:           m,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := fmt.Sprintf("r%06d", atomic.AddUint64(&h.reqSeq, 1))
	setCORS(w.Header())
	switch r.Method {
	case http.MethodGet, http.MethodHead:
	case http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Range")
		w.Header().Set("Access-Control-Max-Age", "86400")
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	upstream := r.URL.Query().Get(QueryParam)
	if upstream == "" {
		h.fail(w, reqID, "", badRequest(errMissingURL))
		return
	}
	if !safeurl.IsHTTPOrHTTPS(upstream) {
		h.fail(w, reqID, upstream, badRequest(errBadScheme))
		return
	}

	start := time.Now()
	rangeHdr := r.Header.Get("Range")
	if classifyReference(upstream) == refPlaylist {
		// Playlists are rewritten whole.
		rangeHdr = ""
	}
	resp, rerr := h.fetch(r.Context(), upstream, rangeHdr)
	if rerr == nil && resp.StatusCode == http.StatusPartialContent && isPlaylistResponse(resp, upstream) {
		drainAndClose(resp)
		if rangeHdr == "" {
			rerr = internal(errors.New("partial playlist from upstream without a range request"))
		} else {
			resp, rerr = h.fetch(r.Context(), upstream, "")
			if rerr == nil && resp.StatusCode == http.StatusPartialContent {
				drainAndClose(resp)
				rerr = internal(errors.New("upstream answered a full playlist fetch with 206"))
			}
		}
	}
	if rerr != nil {
		h.fail(w, reqID, upstream, rerr)
		return
	}
	body, decoded, err := decodeBody(resp)
	if err != nil {
		resp.Body.Close()
		h.fail(w, reqID, upstream, internal(fmt.Errorf("decode %s body: %w", resp.Header.Get("Content-Encoding"), err)))
		return
	}
	defer body.Close()

	if isPlaylistResponse(resp, upstream) {
		h.servePlaylist(w, r, reqID, upstream, body, start)
		return
	}
	h.serveBinary(w, r, reqID, upstream, resp, body, decoded, start)
}

// fetch issues the upstream GET. Non-2xx responses are closed and returned as UpstreamUnavailable.
func (h *Handler) fetch(ctx context.Context, upstream, rangeHdr string) (*http.Response, *Error) {
	if err := h.Limiter.Wait(ctx, upstream); err != nil {
		return nil, internal(fmt.Errorf("rate limit wait: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstream, nil)
	if err != nil {
		return nil, badRequest(err)
	}
	p := h.Profiles.Lookup(req.URL.Host, h.UserAgent, h.Referer)
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}
	if p.Referer != "" {
		req.Header.Set("Referer", p.Referer)
	}
	if rangeHdr != "" {
		// Byte ranges address the identity encoding.
		req.Header.Set("Range", rangeHdr)
		req.Header.Set("Accept-Encoding", "identity")
	} else {
		req.Header.Set("Accept-Encoding", "br, gzip")
	}

	client := h.Client
	if client == nil {
		client = httpclient.ForStreaming(0)
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		h.Metrics.upstreamLatency(0, time.Since(start))
		return nil, internal(err)
	}
	h.Metrics.upstreamLatency(resp.StatusCode, time.Since(start))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		drainAndClose(resp)
		return nil, &Error{Kind: UpstreamUnavailable, Status: resp.StatusCode}
	}
	return resp, nil
}

func (h *Handler) servePlaylist(w http.ResponseWriter, r *http.Request, reqID, upstream string, body io.Reader, start time.Time) {
	limit := h.MaxPlaylistBytes
	if limit <= 0 {
		limit = 8 << 20
	}
	raw, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		h.fail(w, reqID, upstream, internal(fmt.Errorf("read playlist: %w", err)))
		return
	}
	if int64(len(raw)) > limit {
		h.fail(w, reqID, upstream, internal(fmt.Errorf("playlist exceeds %d bytes", limit)))
		return
	}
	out := RewritePlaylist(raw, upstream, h.Path)
	hdr := w.Header()
	hdr.Set("Content-Type", PlaylistContentType)
	hdr.Set("Cache-Control", playlistCacheControl)
	hdr.Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(http.StatusOK)
	n, _ := w.Write(out)
	h.Metrics.request("playlist", "ok")
	h.Metrics.written("playlist", int64(n))
	first := ""
	if lines := MediaLines(out); len(lines) > 0 {
		first = lines[0]
	}
	log.Printf("relay: req=%s playlist url=%s bytes_in=%d bytes_out=%d first-ref=%q dur=%s",
		reqID, safeurl.RedactURL(upstream), len(raw), len(out), safeurl.RedactURL(first), time.Since(start).Round(time.Millisecond))
}

func (h *Handler) serveBinary(w http.ResponseWriter, r *http.Request, reqID, upstream string, resp *http.Response, body io.Reader, decoded bool, start time.Time) {
	hdr := w.Header()
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	hdr.Set("Content-Type", ct)
	hdr.Set("Cache-Control", segmentCacheControl)
	if !decoded {
		for _, k := range []string{"Content-Length", "Content-Range", "Accept-Ranges", "Content-Encoding", "Last-Modified", "ETag"} {
			if v := resp.Header.Get(k); v != "" {
				hdr.Set(k, v)
			}
		}
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		h.Metrics.request("binary", "ok")
		return
	}

	sw, flush := streamWriter(w, h.StreamBufferBytes)
	n, readErr, writeErr := copyStream(sw, body)
	if writeErr == nil {
		writeErr = flush()
	}
	h.Metrics.written("binary", n)
	dur := time.Since(start).Round(time.Millisecond)
	switch {
	case readErr != nil && !errors.Is(readErr, context.Canceled) && r.Context().Err() == nil:
		h.Metrics.request("binary", "upstream_broken")
		log.Printf("relay: req=%s binary upstream-read-failed url=%s bytes=%d dur=%s err=%v",
			reqID, safeurl.RedactURL(upstream), n, dur, readErr)
		// Headers are gone; aborting is the only way to keep a truncated body from looking complete.
		panic(http.ErrAbortHandler)
	case readErr != nil || writeErr != nil:
		h.Metrics.request("binary", "client_gone")
		if writeErr != nil && !isClientDisconnectWriteError(writeErr) {
			log.Printf("relay: req=%s binary client-write-failed url=%s bytes=%d dur=%s err=%v",
				reqID, safeurl.RedactURL(upstream), n, dur, writeErr)
			return
		}
		log.Printf("relay: req=%s binary client-done url=%s bytes=%d dur=%s", reqID, safeurl.RedactURL(upstream), n, dur)
	default:
		h.Metrics.request("binary", "ok")
		log.Printf("relay: req=%s binary url=%s ct=%q status=%d bytes=%d dur=%s",
			reqID, safeurl.RedactURL(upstream), ct, resp.StatusCode, n, dur)
	}
}

func (h *Handler) fail(w http.ResponseWriter, reqID, upstream string, e *Error) {
	status := e.HTTPStatus()
	h.Metrics.request("none", e.Kind.String())
	log.Printf("relay: req=%s error kind=%s status=%d url=%s err=%v", reqID, e.Kind, status, safeurl.RedactURL(upstream), e)
	writeJSONError(w, status, e.message())
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Accept-Ranges")
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Del("Cache-Control")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
