package relay

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/andybalholm/brotli"
)

// Adaptive buffer tuning: grow when client is slow (backpressure), shrink when client keeps up.
const (
	adaptiveBufferMin       = 64 << 10 // 64 KiB
	adaptiveBufferMax       = 2 << 20  // 2 MiB
	adaptiveBufferInitial   = 256 << 10
	adaptiveSlowFlushMs     = 100
	adaptiveFastFlushMs     = 20
	adaptiveFastCountShrink = 3
)

type adaptiveWriter struct {
	w            io.Writer
	buf          bytes.Buffer
	targetSize   int
	minSize      int
	maxSize      int
	slowThresh   time.Duration
	fastThresh   time.Duration
	fastCount    int
	fastCountMax int
}

func newAdaptiveWriter(w io.Writer) *adaptiveWriter {
	return &adaptiveWriter{
		w:            w,
		targetSize:   adaptiveBufferInitial,
		minSize:      adaptiveBufferMin,
		maxSize:      adaptiveBufferMax,
		slowThresh:   adaptiveSlowFlushMs * time.Millisecond,
		fastThresh:   adaptiveFastFlushMs * time.Millisecond,
		fastCountMax: adaptiveFastCountShrink,
	}
}

func (a *adaptiveWriter) Write(p []byte) (int, error) {
	n, err := a.buf.Write(p)
	if err != nil {
		return n, err
	}
	for a.buf.Len() >= a.targetSize {
		if err := a.flushToClient(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (a *adaptiveWriter) flushToClient() error {
	if a.buf.Len() == 0 {
		return nil
	}
	start := time.Now()
	if _, err := a.buf.WriteTo(a.w); err != nil {
		return err
	}
	d := time.Since(start)
	switch {
	case d >= a.slowThresh:
		a.targetSize = min(a.targetSize*2, a.maxSize)
		a.fastCount = 0
	case d <= a.fastThresh:
		a.fastCount++
		if a.fastCount >= a.fastCountMax {
			a.fastCount = 0
			a.targetSize = max(a.targetSize/2, a.minSize)
		}
	default:
		a.fastCount = 0
	}
	return nil
}

func (a *adaptiveWriter) Flush() error { return a.flushToClient() }

// streamWriter wraps w with an optional bounded buffer. Call flush before returning.
// bufferBytes: >0 = fixed size (bufio); 0 = passthrough; -1 = adaptive (at most 2 MiB).
func streamWriter(w http.ResponseWriter, bufferBytes int) (io.Writer, func() error) {
	flusher, _ := w.(http.Flusher)
	flushHTTP := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	if bufferBytes == 0 {
		return w, func() error { flushHTTP(); return nil }
	}
	if bufferBytes < 0 {
		aw := newAdaptiveWriter(w)
		return aw, func() error { err := aw.Flush(); flushHTTP(); return err }
	}
	bw := bufio.NewWriterSize(w, bufferBytes)
	return bw, func() error { err := bw.Flush(); flushHTTP(); return err }
}

// copyStream copies src to dst with a fixed 32 KiB buffer and reports which side failed,
// so an upstream read failure can be told apart from a client that went away.
func copyStream(dst io.Writer, src io.Reader) (written int64, readErr, writeErr error) {
	buf := make([]byte, 32<<10)
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr == nil && nw != nr {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return written, nil, werr
			}
		}
		if rerr == io.EOF {
			return written, nil, nil
		}
		if rerr != nil {
			return written, rerr, nil
		}
	}
}

func isClientDisconnectWriteError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, http.ErrHandlerTimeout) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "use of closed network connection")
}

type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (d *decodedBody) Close() error {
	var first error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// decodeBody undoes a br or gzip Content-Encoding on an upstream body.
// decoded is false when the body is returned as-is (identity or unknown encoding).
func decodeBody(resp *http.Response) (body io.ReadCloser, decoded bool, err error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "br":
		return &decodedBody{Reader: brotli.NewReader(resp.Body), closers: []io.Closer{resp.Body}}, true, nil
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, false, err
		}
		return &decodedBody{Reader: gz, closers: []io.Closer{gz, resp.Body}}, true, nil
	}
	return resp.Body, false, nil
}
