// Command vodrelay: HLS relay with progress sync, plus catalog and playback tooling.
//
//	serve    Run the relay, the progress API, /healthz and /metrics
//	check    Resolve a title from the catalog and play it headless: direct first, relay on failure
//	history  Print a user's continue-watching list from the local database
//	search   Search the catalog (or list the latest titles) and print slugs
//	health   Probe a running vodrelay and the catalog origin
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/snapetech/vodrelay/internal/catalog"
	"github.com/snapetech/vodrelay/internal/config"
	"github.com/snapetech/vodrelay/internal/eventloop"
	"github.com/snapetech/vodrelay/internal/health"
	"github.com/snapetech/vodrelay/internal/httpclient"
	"github.com/snapetech/vodrelay/internal/identity"
	"github.com/snapetech/vodrelay/internal/playback"
	"github.com/snapetech/vodrelay/internal/progress"
	"github.com/snapetech/vodrelay/internal/relay"
	"github.com/snapetech/vodrelay/internal/server"
	"github.com/snapetech/vodrelay/internal/store"
)

func main() {
	_ = config.LoadEnvFile(".env")
	log.SetFlags(log.LstdFlags)
	log.SetPrefix("[vodrelay] ")

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	serveAddr := serveCmd.String("addr", "", "Listen address (default: VODRELAY_ADDR or :8080)")
	serveBaseURL := serveCmd.String("base-url", "", "Public base URL (default: VODRELAY_BASE_URL)")
	serveNoDB := serveCmd.Bool("no-db", false, "Disable the progress API (no sqlite database)")

	checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
	checkSlug := checkCmd.String("slug", "", "Title slug to play (required)")
	checkEpisode := checkCmd.String("episode", "", "Episode slug (default: first episode of the first server)")
	checkBaseURL := checkCmd.String("base-url", "", "vodrelay base URL used for relayed mounts (default: VODRELAY_BASE_URL)")
	checkPlayFor := checkCmd.Duration("play-for", 15*time.Second, "How long to run the playback clock after the stream is ready")
	checkTimeout := checkCmd.Duration("timeout", 45*time.Second, "Give up if neither mode is ready by then")
	checkUser := checkCmd.String("user", "", "Sync progress for this user id (uuid) in the local database")
	checkToken := checkCmd.String("token", "", "Sync progress for the user behind this bearer token (uses VODRELAY_AUTH_URL)")

	historyCmd := flag.NewFlagSet("history", flag.ExitOnError)
	historyUser := historyCmd.String("user", "", "User id (uuid, required)")
	historyLimit := historyCmd.Int("limit", 0, "Rows to print (default: VODRELAY_HISTORY_LIMIT)")

	searchCmd := flag.NewFlagSet("search", flag.ExitOnError)
	searchQuery := searchCmd.String("q", "", "Keyword; empty lists the latest titles")
	searchPage := searchCmd.Int("page", 1, "Result page")

	healthCmd := flag.NewFlagSet("health", flag.ExitOnError)
	healthBaseURL := healthCmd.String("base-url", "", "vodrelay base URL (default: VODRELAY_BASE_URL)")

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <serve|check|history|search|health> [flags]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  serve    Run relay + progress API\n")
		fmt.Fprintf(os.Stderr, "  check    Play a catalog title headless (direct, then relay)\n")
		fmt.Fprintf(os.Stderr, "  history  Print a user's continue-watching list\n")
		fmt.Fprintf(os.Stderr, "  search   Search the catalog\n")
		fmt.Fprintf(os.Stderr, "  health   Probe a running vodrelay and the catalog origin\n")
		os.Exit(1)
	}

	cfg := config.Load()

	switch os.Args[1] {
	case "serve":
		_ = serveCmd.Parse(os.Args[2:])
		if *serveAddr != "" {
			cfg.Addr = *serveAddr
		}
		if *serveBaseURL != "" {
			cfg.BaseURL = *serveBaseURL
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := serve(ctx, cfg, !*serveNoDB); err != nil {
			log.Printf("Serve failed: %v", err)
			os.Exit(1)
		}

	case "check":
		_ = checkCmd.Parse(os.Args[2:])
		if *checkSlug == "" {
			log.Print("check: -slug is required")
			os.Exit(2)
		}
		base := cfg.BaseURL
		if *checkBaseURL != "" {
			base = *checkBaseURL
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		opts := checkOptions{
			slug:    *checkSlug,
			episode: *checkEpisode,
			baseURL: base,
			playFor: *checkPlayFor,
			timeout: *checkTimeout,
			userID:  *checkUser,
			token:   *checkToken,
		}
		if err := check(ctx, cfg, opts); err != nil {
			log.Printf("Check failed: %v", err)
			os.Exit(1)
		}

	case "history":
		_ = historyCmd.Parse(os.Args[2:])
		user, err := uuid.Parse(*historyUser)
		if err != nil {
			log.Printf("history: -user: %v", err)
			os.Exit(2)
		}
		limit := *historyLimit
		if limit <= 0 {
			limit = cfg.HistoryLimit
		}
		if err := printHistory(context.Background(), cfg, user, limit); err != nil {
			log.Printf("History failed: %v", err)
			os.Exit(1)
		}

	case "search":
		_ = searchCmd.Parse(os.Args[2:])
		if err := search(context.Background(), cfg, *searchQuery, *searchPage); err != nil {
			log.Printf("Search failed: %v", err)
			os.Exit(1)
		}

	case "health":
		_ = healthCmd.Parse(os.Args[2:])
		base := cfg.BaseURL
		if *healthBaseURL != "" {
			base = *healthBaseURL
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		failed := false
		if err := health.CheckEndpoints(ctx, base); err != nil {
			log.Printf("vodrelay at %s: %v", base, err)
			failed = true
		} else {
			log.Printf("vodrelay at %s: OK", base)
		}
		if err := health.CheckOrigin(ctx, nil, cfg.CatalogURL+"/danh-sach/phim-moi-cap-nhat"); err != nil {
			log.Printf("catalog %s: %v", cfg.CatalogURL, err)
			failed = true
		} else {
			log.Printf("catalog %s: OK", cfg.CatalogURL)
		}
		if failed {
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config, withDB bool) error {
	profiles, err := config.LoadOriginProfiles(cfg.OriginProfilesFile)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	h := relay.NewHandler(cfg, httpclient.ForStreaming(cfg.UpstreamTimeout), profiles, relay.NewMetrics(reg))
	srv := &server.Server{
		Addr:         cfg.Addr,
		BaseURL:      cfg.BaseURL,
		MaxConns:     cfg.MaxConns,
		RelayPaths:   relayPaths(cfg.RelayPath),
		Relay:        h,
		ImageBaseURL: cfg.ImageBaseURL,
		HistoryLimit: cfg.HistoryLimit,
		Registry:     reg,
	}
	if withDB {
		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()
		srv.Store = st
		if cfg.AuthURL == "" {
			log.Print("VODRELAY_AUTH_URL not set: every progress request will be anonymous (401)")
		}
		srv.Auth = &identity.Authenticator{Endpoint: cfg.AuthURL, APIKey: cfg.AuthAPIKey, Client: httpclient.New(10 * time.Second)}
		log.Printf("Watch history at %s", cfg.DBPath)
	}
	if profiles.Len() > 0 {
		log.Printf("Loaded %d origin profile(s) from %s", profiles.Len(), cfg.OriginProfilesFile)
	}
	return srv.Run(ctx)
}

// relayPaths mounts the relay at its configured path and at the legacy /api/proxy alias.
func relayPaths(p string) []string {
	if p == "/api/proxy" {
		return []string{p}
	}
	return []string{p, "/api/proxy"}
}

type checkOptions struct {
	slug, episode string
	baseURL       string
	playFor       time.Duration
	timeout       time.Duration
	userID, token string
}

// checkReporter logs what the session does and signals the first ready mount.
type checkReporter struct {
	ready chan playback.Mount
	keys  map[string]playback.Mount
	last  float64
}

func (r *checkReporter) Mounted(m playback.Mount) {
	r.keys[m.Key] = m
	log.Printf("check: mounted gen=%d mode=%s", m.Gen, m.Mode)
}

func (r *checkReporter) Unmounted(m playback.Mount) { delete(r.keys, m.Key) }

func (r *checkReporter) Ready(key string) {
	m, ok := r.keys[key]
	if !ok {
		return
	}
	log.Printf("check: ready mode=%s", m.Mode)
	select {
	case r.ready <- m:
	default:
	}
}

func (r *checkReporter) Started(string) {}

func (r *checkReporter) TimeUpdate(_ string, current, _ float64) { r.last = current }

func check(ctx context.Context, cfg *config.Config, o checkOptions) error {
	cat := catalog.New(cfg.CatalogURL, cfg.ImageBaseURL, httpclient.New(20*time.Second))
	d, err := cat.Movie(ctx, o.slug)
	if err != nil {
		return err
	}
	serverName, ep, ok := catalog.SelectEpisode(d, o.episode)
	if !ok {
		return fmt.Errorf("%s has no playable episode", o.slug)
	}
	log.Printf("check: %s (%s) episode=%s server=%s", d.Movie.Name, d.Movie.Slug, ep.Slug, serverName)
	src := playback.Source{
		TitleID:     d.Movie.Slug,
		EpisodeID:   ep.Slug,
		DisplayName: d.Movie.Name,
		PosterRef:   d.Movie.PosterURL,
		URL:         ep.LinkM3U8,
	}

	loop := eventloop.New()
	player := &playback.HTTPPlayer{
		Client:    httpclient.ForStreaming(cfg.UpstreamTimeout),
		RelayBase: o.baseURL,
		PlayFor:   o.playFor,
	}
	sess := playback.NewSession(loop, player, cfg.RelayPath)
	player.Events = sess

	rep := &checkReporter{ready: make(chan playback.Mount, 1), keys: map[string]playback.Mount{}}
	failed := make(chan error, 1)
	sess.AddListener(rep)
	sess.Controller().OnFailed = func(m playback.Mount, err *playback.PlaybackError) {
		select {
		case failed <- err:
		default:
		}
	}

	var st *store.Store
	if o.userID != "" || o.token != "" {
		ident, err := checkIdentity(cfg, o)
		if err != nil {
			return err
		}
		st, err = store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()
		sess.AddListener(progress.NewSynchronizer(loop, st, ident, player, progress.Options{
			RestoreDelay:    cfg.RestoreDelay,
			MinPosition:     cfg.MinPosition,
			PersistInterval: cfg.PersistInterval,
		}))
	}

	loopCtx, cancelLoop := context.WithCancel(context.Background())
	defer cancelLoop()
	go func() { _ = loop.Run(loopCtx) }()
	defer func() {
		player.Close()
		sess.Stop()
		loop.Stop()
	}()

	sess.Play(src)
	timeout := time.NewTimer(o.timeout)
	defer timeout.Stop()
	var m playback.Mount
	select {
	case m = <-rep.ready:
	case err := <-failed:
		return err
	case <-timeout.C:
		return fmt.Errorf("not ready after %s", o.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-time.After(o.playFor):
	case err := <-failed:
		return err
	case <-ctx.Done():
	}
	var pos float64
	var failures int
	if err := loop.Call(ctx, func() { pos, failures = rep.last, sess.Controller().Failures() }); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Printf("check: OK mode=%s failures=%d position=%.0fs", m.Mode, failures, pos)
	return nil
}

func checkIdentity(cfg *config.Config, o checkOptions) (progress.IdentityProvider, error) {
	if o.token != "" {
		if cfg.AuthURL == "" {
			return nil, errors.New("-token needs VODRELAY_AUTH_URL")
		}
		return &identity.TokenProvider{Endpoint: cfg.AuthURL, APIKey: cfg.AuthAPIKey, Token: o.token, Client: httpclient.New(10 * time.Second)}, nil
	}
	u, err := uuid.Parse(o.userID)
	if err != nil {
		return nil, fmt.Errorf("-user: %w", err)
	}
	return identity.Static{User: u}, nil
}

func printHistory(ctx context.Context, cfg *config.Config, user uuid.UUID, limit int) error {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	rows, err := st.ListRecent(ctx, user, limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No watch history.")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TITLE\tEPISODE\tPOSITION\tWATCHED\tUPDATED")
	for _, wp := range rows {
		name := wp.DisplayName
		if name == "" {
			name = wp.TitleID
		}
		pos := (time.Duration(wp.ProgressSeconds) * time.Second).String()
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%s\n", name, wp.EpisodeID, pos,
			progress.Percent(wp.ProgressSeconds, wp.DurationSeconds), humanize.Time(wp.UpdatedAt))
	}
	return tw.Flush()
}

func search(ctx context.Context, cfg *config.Config, q string, page int) error {
	cat := catalog.New(cfg.CatalogURL, cfg.ImageBaseURL, httpclient.New(20*time.Second))
	var (
		p   *catalog.Page
		err error
	)
	if q == "" {
		p, err = cat.Latest(ctx, page)
	} else {
		p, err = cat.Search(ctx, q, page)
	}
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SLUG\tNAME\tYEAR")
	for _, it := range p.Items {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", it.Slug, it.Name, it.Year)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if p.Pagination != nil {
		fmt.Printf("page %d of %d (%s titles)\n", p.Pagination.CurrentPage, p.Pagination.TotalPages,
			humanize.Comma(int64(p.Pagination.TotalItems)))
	}
	return nil
}
