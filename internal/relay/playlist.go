package relay

import (
	"bytes"
	"net/http"
	"net/url"
	"strings"
)

// PlaylistContentType is sent on every rewritten playlist.
const PlaylistContentType = "application/vnd.apple.mpegurl"

const (
	playlistExt = ".m3u8"
	segmentExt  = ".ts"
)

type refKind int

const (
	refOther refKind = iota
	refSegment
	refPlaylist
)

// isPlaylistResponse reports whether an upstream response should be treated as playlist text:
// manifest or generic text content type, or a URL path ending in .m3u8.
func isPlaylistResponse(resp *http.Response, upstreamURL string) bool {
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(ct, "mpegurl") || strings.Contains(ct, "text") {
		return true
	}
	return strings.HasSuffix(strings.ToLower(urlPath(upstreamURL)), playlistExt)
}

// urlPath returns the path portion of a URL or relative reference (no query or fragment).
func urlPath(ref string) string {
	if u, err := url.Parse(ref); err == nil {
		return u.Path
	}
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		return ref[:i]
	}
	return ref
}

// PlaylistBase returns upstreamURL truncated to and including the final path separator.
// An empty path counts as "/".
// https://host/path/index.m3u8?t=1 -> https://host/path/
// https://host?t=1 -> https://host/
func PlaylistBase(upstreamURL string) string {
	s := upstreamURL
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	if u, err := url.Parse(s); err == nil && u.Host != "" && u.Path == "" {
		return s + "/"
	}
	return s[:strings.LastIndex(s, "/")+1]
}

func classifyReference(ref string) refKind {
	p := strings.ToLower(urlPath(ref))
	switch {
	case strings.HasSuffix(p, segmentExt):
		return refSegment
	case strings.HasSuffix(p, playlistExt):
		return refPlaylist
	}
	return refOther
}

func hasHTTPScheme(s string) bool {
	l := strings.ToLower(s)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

// RewritePlaylist rewrites the reference lines of an HLS playlist fetched from upstreamURL.
// Relative segment references (.ts) become absolute origin URLs; relative nested playlists
// (.m3u8) become relay calls under relayPath so they are fetched through the relay too.
// Directives, blank lines, absolute references and unknown references are copied unchanged,
// as are line order and line terminators. Re-applying it to its own output is a no-op for
// segments and directives.
func RewritePlaylist(body []byte, upstreamURL, relayPath string) []byte {
	base := PlaylistBase(upstreamURL)
	var out bytes.Buffer
	out.Grow(len(body) + len(body)/4)
	rest := body
	for len(rest) > 0 {
		var line []byte
		if i := bytes.IndexByte(rest, '\n'); i >= 0 {
			line, rest = rest[:i+1], rest[i+1:]
		} else {
			line, rest = rest, nil
		}
		n := len(line)
		if n > 0 && line[n-1] == '\n' {
			n--
		}
		if n > 0 && line[n-1] == '\r' {
			n--
		}
		out.WriteString(rewriteLine(string(line[:n]), base, relayPath))
		out.Write(line[n:])
	}
	return out.Bytes()
}

func rewriteLine(line, base, relayPath string) string {
	ref := strings.TrimSpace(line)
	if ref == "" || strings.HasPrefix(ref, "#") || hasHTTPScheme(ref) {
		return line
	}
	switch classifyReference(ref) {
	case refSegment:
		return base + ref
	case refPlaylist:
		return BuildURL(relayPath, base+ref)
	}
	return line
}

// MediaLines returns the non-blank, non-directive lines of a playlist in order.
func MediaLines(body []byte) []string {
	var out []string
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}
