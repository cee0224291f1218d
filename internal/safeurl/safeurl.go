package safeurl

import (
	"net/url"
	"strings"
)

// IsHTTPOrHTTPS returns true if u is a valid URL with scheme http or https.
// Used to reject file://, ftp://, and other schemes that could lead to SSRF or local file access.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	s := strings.ToLower(parsed.Scheme)
	return (s == "http" || s == "https") && parsed.Host != ""
}

var secretParams = []string{"token", "password", "pass", "key", "apikey", "signature", "sig", "auth"}

// RedactURL returns u with userinfo and credential-like query values replaced, for logging.
// Unparseable input is returned truncated rather than verbatim.
func RedactURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		if len(u) > 64 {
			return u[:64] + "..."
		}
		return u
	}
	if parsed.User != nil {
		parsed.User = url.User("redacted")
	}
	if parsed.RawQuery != "" {
		q := parsed.Query()
		changed := false
		for k := range q {
			lk := strings.ToLower(k)
			for _, s := range secretParams {
				if lk == s || strings.HasSuffix(lk, "_"+s) {
					q.Set(k, "redacted")
					changed = true
					break
				}
			}
		}
		if changed {
			parsed.RawQuery = q.Encode()
		}
	}
	return parsed.String()
}
