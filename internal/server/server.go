// Package server is the vodrelay HTTP surface: the relay, the progress API, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/snapetech/vodrelay/internal/catalog"
	"github.com/snapetech/vodrelay/internal/identity"
)

// Server wires the handlers onto one mux.
type Server struct {
	Addr         string
	BaseURL      string
	MaxConns     int          // 0 = unlimited
	RelayPaths   []string     // default /relay and /api/proxy
	Relay        http.Handler // relay.Handler
	Store        HistoryStore // nil disables the progress API
	Auth         *identity.Authenticator
	ImageBaseURL string
	HistoryLimit int
	Registry     *prometheus.Registry

	started time.Time
}

// Handler builds the mux. It is what Run serves and what tests drive directly.
func (s *Server) Handler() http.Handler {
	if s.started.IsZero() {
		s.started = time.Now()
	}
	reg := s.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		s.Registry = reg
	}
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vodrelay",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route, method and status code.",
	}, []string{"handler", "method", "code"})
	if err := reg.Register(requests); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			requests = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			log.Printf("metrics: register http_requests_total: %v", err)
		}
	}
	instrument := func(name string, h http.Handler) http.Handler {
		return promhttp.InstrumentHandlerCounter(requests.MustCurryWith(prometheus.Labels{"handler": name}), h)
	}

	mux := http.NewServeMux()
	if s.Relay != nil {
		paths := s.RelayPaths
		if len(paths) == 0 {
			paths = []string{"/relay", "/api/proxy"}
		}
		for _, p := range paths {
			mux.Handle(p, instrument("relay", s.Relay))
		}
	}
	imageBase := s.ImageBaseURL
	if imageBase == "" {
		imageBase = catalog.DefaultImageBaseURL
	}
	api := &progressAPI{store: s.Store, auth: s.Auth, imageBase: imageBase, limit: s.HistoryLimit}
	mux.Handle("/api/progress", instrument("progress", http.HandlerFunc(api.serveProgress)))
	mux.Handle("/api/history", instrument("history", http.HandlerFunc(api.serveHistory)))
	mux.Handle("/healthz", s.serveHealth())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return logRequests(mux)
}

// Run listens on Addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := s.Addr
	if addr == "" {
		addr = ":8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if s.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.MaxConns)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("vodrelay listening on %s (BaseURL %s, max_conns=%d)", ln.Addr(), s.BaseURL, s.MaxConns)
		serverErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Print("Shutting down vodrelay ...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("vodrelay shutdown: %v", err)
		}
		<-serverErr
		return nil
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *loggingResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		defer func() {
			status := lw.status
			if status == 0 {
				status = http.StatusOK
			}
			log.Printf(
				"http: %s %s status=%d bytes=%d dur=%s ua=%q remote=%s",
				r.Method, r.URL.Path, status, lw.bytes, time.Since(start).Round(time.Millisecond), r.UserAgent(), r.RemoteAddr,
			)
		}()
		next.ServeHTTP(lw, r)
	})
}

func (s *Server) serveHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status": "ok",
			"uptime": time.Since(s.started).Round(time.Second).String(),
			"relay":  s.Relay != nil,
		}
		code := http.StatusOK
		if s.Store != nil {
			body["store"] = "ok"
			if p, ok := s.Store.(interface{ Ping(context.Context) error }); ok {
				ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
				err := p.Ping(ctx)
				cancel()
				if err != nil {
					body["status"], body["store"] = "degraded", err.Error()
					code = http.StatusServiceUnavailable
				}
			}
		}
		writeJSON(w, code, body)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
