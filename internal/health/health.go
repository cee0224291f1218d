// Package health probes a running vodrelay and the catalog origin it depends on.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snapetech/vodrelay/internal/httpclient"
)

// Endpoints are the paths CheckEndpoints expects to answer 200.
var Endpoints = []string{"/healthz", "/metrics"}

// CheckOrigin fetches originURL (GET; some CDNs reject HEAD) and reports non-2xx as an error.
func CheckOrigin(ctx context.Context, client *http.Client, originURL string) error {
	if originURL == "" {
		return fmt.Errorf("no origin URL configured")
	}
	if client == nil {
		client = httpclient.New(15 * time.Second)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, originURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("origin unreachable: %w", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("origin returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// CheckEndpoints hits every path in Endpoints at baseURL concurrently and returns the first error.
func CheckEndpoints(ctx context.Context, baseURL string) error {
	client := httpclient.New(5 * time.Second)
	g, ctx := errgroup.WithContext(ctx)
	for _, path := range Endpoints {
		path := path
		g.Go(func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
			}
			return nil
		})
	}
	return g.Wait()
}
