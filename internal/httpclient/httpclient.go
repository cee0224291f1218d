package httpclient

import (
	"net"
	"net/http"
	"time"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16
)

func newTransport(headerTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   MaxIdleConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		// Upstream encodings are handled by the caller so br and gzip are treated alike.
		DisableCompression: true,
	}
}

// New returns a client with an overall timeout, for API calls with small bodies
// (catalog, identity). Each caller owns its client; nothing is shared process-wide.
func New(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	t := newTransport(timeout)
	t.DisableCompression = false
	return &http.Client{Timeout: timeout, Transport: t}
}

// ForStreaming returns a client without an overall timeout (segment bodies may take
// longer than any fixed deadline) but with a bounded wait for response headers.
// Lifetime of a streamed body is governed by the request context.
func ForStreaming(headerTimeout time.Duration) *http.Client {
	if headerTimeout <= 0 {
		headerTimeout = DefaultTimeout
	}
	return &http.Client{Transport: newTransport(headerTimeout)}
}
