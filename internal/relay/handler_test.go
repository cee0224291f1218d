package relay

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/snapetech/vodrelay/internal/config"
	"github.com/snapetech/vodrelay/internal/httpclient"
)

func newTestHandler() *Handler {
	return &Handler{
		Path:      "/relay",
		Client:    httpclient.ForStreaming(5 * time.Second),
		UserAgent: config.DefaultUserAgent,
		Referer:   config.DefaultReferer,
	}
}

func relayGet(h http.Handler, upstream string) *httptest.ResponseRecorder {
	target := "http://local/relay"
	if upstream != "" {
		target += "?url=" + url.QueryEscape(upstream)
	}
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body not json: %q", w.Body.String())
	}
	return body["error"]
}

func TestHandler_missingURL(t *testing.T) {
	h := newTestHandler()
	w := relayGet(h, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("code: %d", w.Code)
	}
	if got := errorBody(t, w); got != "Missing url" {
		t.Errorf("error: %q", got)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header on error")
	}
}

func TestHandler_rejectsNonHTTP(t *testing.T) {
	h := newTestHandler()
	for _, u := range []string{"file:///etc/passwd", "ftp://h/x.m3u8", "index.m3u8"} {
		w := relayGet(h, u)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: code %d", u, w.Code)
		}
	}
}

func TestHandler_playlistRewritten(t *testing.T) {
	var gotUA, gotRef string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA, gotRef = r.Header.Get("User-Agent"), r.Header.Get("Referer")
		w.Header().Set("Content-Type", "application/x-mpegURL")
		io.WriteString(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=800000\nchunk0.ts\nsub.m3u8\n")
	}))
	defer up.Close()

	upstream := up.URL + "/path/index.m3u8"
	w := relayGet(newTestHandler(), upstream)
	if w.Code != http.StatusOK {
		t.Fatalf("code: %d body=%q", w.Code, w.Body.String())
	}
	want := "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=800000\n" +
		up.URL + "/path/chunk0.ts\n" +
		"/relay?url=" + url.QueryEscape(up.URL+"/path/sub.m3u8") + "\n"
	if w.Body.String() != want {
		t.Errorf("body:\n%q\nwant:\n%q", w.Body.String(), want)
	}
	if ct := w.Header().Get("Content-Type"); ct != PlaylistContentType {
		t.Errorf("content-type: %q", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "public, s-maxage=60, stale-while-revalidate=30" {
		t.Errorf("cache-control: %q", cc)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
	if gotUA != config.DefaultUserAgent || gotRef != config.DefaultReferer {
		t.Errorf("upstream saw ua=%q referer=%q", gotUA, gotRef)
	}
}

func TestHandler_playlistByExtension(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		io.WriteString(w, "#EXTM3U\nseg.ts\n")
	}))
	defer up.Close()
	w := relayGet(newTestHandler(), up.URL+"/v/index.m3u8")
	if w.Body.String() != "#EXTM3U\n"+up.URL+"/v/seg.ts\n" {
		t.Errorf("body: %q", w.Body.String())
	}
}

func TestHandler_upstreamStatusPassthrough(t *testing.T) {
	for _, status := range []int{http.StatusFound, http.StatusForbidden, http.StatusNotFound, http.StatusServiceUnavailable} {
		up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		w := relayGet(newTestHandler(), up.URL+"/x/index.m3u8")
		up.Close()
		if w.Code != status {
			t.Errorf("code: %d want %d", w.Code, status)
		}
		if got := errorBody(t, w); got != "Upstream error" {
			t.Errorf("error: %q", got)
		}
	}
}

func TestHandler_transportFailure(t *testing.T) {
	up := httptest.NewServer(http.NotFoundHandler())
	dead := up.URL
	up.Close()
	w := relayGet(newTestHandler(), dead+"/x/index.m3u8")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("code: %d", w.Code)
	}
	if got := errorBody(t, w); got != "Internal Server Error" {
		t.Errorf("error: %q", got)
	}
}

func TestHandler_binaryPassthrough(t *testing.T) {
	payload := bytes.Repeat([]byte{0x47, 1, 2, 3}, 50000)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write(payload)
	}))
	defer up.Close()

	for _, buf := range []int{0, 64 << 10, -1} {
		h := newTestHandler()
		h.StreamBufferBytes = buf
		w := relayGet(h, up.URL+"/v/seg0.ts")
		if w.Code != http.StatusOK {
			t.Fatalf("buf=%d code: %d", buf, w.Code)
		}
		if !bytes.Equal(w.Body.Bytes(), payload) {
			t.Errorf("buf=%d body differs: got %d bytes", buf, w.Body.Len())
		}
		if ct := w.Header().Get("Content-Type"); ct != "video/mp2t" {
			t.Errorf("content-type: %q", ct)
		}
		if cc := w.Header().Get("Cache-Control"); cc != "public, max-age=31536000, immutable" {
			t.Errorf("cache-control: %q", cc)
		}
	}
}

func TestHandler_rangeForwarded(t *testing.T) {
	var gotRange, gotAE string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange, gotAE = r.Header.Get("Range"), r.Header.Get("Accept-Encoding")
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Content-Range", "bytes 0-3/100")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("abcd"))
	}))
	defer up.Close()

	req := httptest.NewRequest(http.MethodGet, "http://local/relay?url="+url.QueryEscape(up.URL+"/seg.ts"), nil)
	req.Header.Set("Range", "bytes=0-3")
	w := httptest.NewRecorder()
	newTestHandler().ServeHTTP(w, req)
	if w.Code != http.StatusPartialContent {
		t.Fatalf("code: %d", w.Code)
	}
	if gotRange != "bytes=0-3" || gotAE != "identity" {
		t.Errorf("upstream saw range=%q accept-encoding=%q", gotRange, gotAE)
	}
	if w.Header().Get("Content-Range") != "bytes 0-3/100" || w.Body.String() != "abcd" {
		t.Errorf("content-range=%q body=%q", w.Header().Get("Content-Range"), w.Body.String())
	}
}

const rangedPlaylist = "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6.0,\nseg0.ts\n#EXTINF:6.0,\nseg1.ts\n#EXT-X-ENDLIST\n"

func rangedRelayGet(h http.Handler, upstream, rangeHdr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "http://local/relay?url="+url.QueryEscape(upstream), nil)
	req.Header.Set("Range", rangeHdr)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandler_rangeNotForwardedForPlaylist(t *testing.T) {
	var ranges []string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ranges = append(ranges, r.Header.Get("Range"))
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		http.ServeContent(w, r, "", time.Time{}, strings.NewReader(rangedPlaylist))
	}))
	defer up.Close()

	w := rangedRelayGet(newTestHandler(), up.URL+"/v/index.m3u8", "bytes=0-20")
	if w.Code != http.StatusOK {
		t.Fatalf("code: %d", w.Code)
	}
	if len(ranges) != 1 || ranges[0] != "" {
		t.Errorf("upstream saw ranges %q", ranges)
	}
	if cr := w.Header().Get("Content-Range"); cr != "" {
		t.Errorf("content-range = %q", cr)
	}
	want := strings.ReplaceAll(rangedPlaylist, "seg", up.URL+"/v/seg")
	if w.Body.String() != want {
		t.Errorf("body = %q\nwant %q", w.Body.String(), want)
	}
}

func TestHandler_partialPlaylistRefetchedWhole(t *testing.T) {
	var ranges []string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ranges = append(ranges, r.Header.Get("Range"))
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		http.ServeContent(w, r, "", time.Time{}, strings.NewReader(rangedPlaylist))
	}))
	defer up.Close()

	// No .m3u8 suffix: only the response content type marks it as a playlist.
	w := rangedRelayGet(newTestHandler(), up.URL+"/v/playlist", "bytes=0-20")
	if w.Code != http.StatusOK {
		t.Fatalf("code: %d", w.Code)
	}
	if len(ranges) != 2 || ranges[0] != "bytes=0-20" || ranges[1] != "" {
		t.Errorf("upstream saw ranges %q", ranges)
	}
	if !strings.Contains(w.Body.String(), "#EXT-X-ENDLIST") || w.Header().Get("Content-Range") != "" {
		t.Errorf("partial playlist served: content-range=%q body=%q", w.Header().Get("Content-Range"), w.Body.String())
	}
}

func TestHandler_partialPlaylistWithoutRangeFails(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Content-Range", "bytes 0-6/80")
		w.WriteHeader(http.StatusPartialContent)
		io.WriteString(w, "#EXTM3U")
	}))
	defer up.Close()

	w := rangedRelayGet(newTestHandler(), up.URL+"/v/index.m3u8", "bytes=0-6")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("code: %d body=%q", w.Code, w.Body.String())
	}
	if got := errorBody(t, w); got != "Internal Server Error" {
		t.Errorf("error: %q", got)
	}
}

func TestHandler_decodesCompressedPlaylist(t *testing.T) {
	plain := "#EXTM3U\n#EXTINF:4,\nseg.ts\n"
	var gz, br bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write([]byte(plain))
	zw.Close()
	bw := brotli.NewWriter(&br)
	bw.Write([]byte(plain))
	bw.Close()

	for enc, body := range map[string][]byte{"gzip": gz.Bytes(), "br": br.Bytes()} {
		up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			w.Header().Set("Content-Encoding", enc)
			w.Write(body)
		}))
		w := relayGet(newTestHandler(), up.URL+"/p/index.m3u8")
		want := "#EXTM3U\n#EXTINF:4,\n" + up.URL + "/p/seg.ts\n"
		up.Close()
		if w.Body.String() != want {
			t.Errorf("%s: body %q want %q", enc, w.Body.String(), want)
		}
		if w.Header().Get("Content-Encoding") != "" {
			t.Errorf("%s: content-encoding leaked", enc)
		}
	}
}

func TestHandler_originProfile(t *testing.T) {
	var got http.Header
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Header().Set("Content-Type", "video/mp2t")
	}))
	defer up.Close()

	h := newTestHandler()
	h.Profiles = &config.OriginProfiles{
		Origins: []config.OriginProfile{{
			Host:    "127.0.0.1",
			Referer: "https://player.example/",
			Headers: map[string]string{"Origin": "https://player.example"},
		}},
	}
	relayGet(h, up.URL+"/seg.ts")
	if got.Get("Referer") != "https://player.example/" || got.Get("Origin") != "https://player.example" {
		t.Errorf("headers: %v", got)
	}
	if got.Get("User-Agent") != config.DefaultUserAgent {
		t.Errorf("user-agent: %q", got.Get("User-Agent"))
	}
}

func TestHandler_preflightAndMethods(t *testing.T) {
	h := newTestHandler()
	req := httptest.NewRequest(http.MethodOptions, "http://local/relay", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight: code=%d headers=%v", w.Code, w.Header())
	}
	req = httptest.NewRequest(http.MethodPost, "http://local/relay?url=https%3A%2F%2Fh%2Fx.m3u8", strings.NewReader("x"))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("post: code=%d", w.Code)
	}
}

func TestHandler_upstreamBreaksMidStream(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Content-Length", "100000")
		w.Write(make([]byte, 1000))
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}))
	defer up.Close()
	front := httptest.NewServer(newTestHandler())
	defer front.Close()

	resp, err := http.Get(front.URL + "/relay?url=" + url.QueryEscape(up.URL+"/seg.ts"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("code: %d", resp.StatusCode)
	}
	if _, err := io.ReadAll(resp.Body); err == nil {
		t.Error("truncated body read without error")
	}
}

func TestHandler_metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newTestHandler()
	h.Metrics = NewMetrics(reg)
	relayGet(h, "")
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() != "vodrelay_relay_requests_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["outcome"] == "bad_request" && m.GetCounter().GetValue() == 1 {
				return
			}
		}
	}
	t.Error("bad_request not counted")
}
