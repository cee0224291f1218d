package relay

import (
	"errors"
	"net/url"
	"strings"
)

// QueryParam carries the absolute upstream URL in a relay call.
const QueryParam = "url"

// EncodeParam percent-encodes an upstream URL for use as the relay query value.
func EncodeParam(upstream string) string { return url.QueryEscape(upstream) }

// DecodeParam reverses EncodeParam.
func DecodeParam(v string) (string, error) { return url.QueryUnescape(v) }

// BuildURL returns the relay call for upstream, e.g. /relay?url=https%3A%2F%2Fhost%2Fa.m3u8.
// path may be a bare path or an absolute base such as http://host:8080/relay.
func BuildURL(path, upstream string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + QueryParam + "=" + EncodeParam(upstream)
}

// ParseURL extracts the upstream URL from a relay call built by BuildURL.
func ParseURL(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", err
	}
	v := u.Query().Get(QueryParam)
	if v == "" {
		return "", errors.New("relay url has no " + QueryParam + " parameter")
	}
	return v, nil
}
