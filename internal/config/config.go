package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Default spoofed client identity for origins that reject absent or non-browser headers.
const (
	DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7)"
	DefaultReferer   = "https://phimapi.com/"
)

// Config holds relay + progress + catalog settings.
// Load from env; call LoadEnvFile(".env") first to use a .env file.
type Config struct {
	// Server
	Addr     string // e.g. :8080
	BaseURL  string // public base of this server, used by `check` to resolve relay links
	MaxConns int    // cap on concurrent client connections; 0 = unlimited

	// Relay
	RelayPath          string        // path the relay is mounted at and that nested playlists point back to
	UserAgent          string        // spoofed upstream User-Agent
	Referer            string        // spoofed upstream Referer
	OriginProfilesFile string        // optional YAML file with per-host header overrides
	UpstreamTimeout    time.Duration // response-header timeout for upstream fetches
	UpstreamRPS        float64       // per-host request rate to origins; 0 = unlimited
	UpstreamBurst      int
	StreamBufferBytes  int   // 0 = passthrough, -1 = adaptive, >0 = fixed bytes
	MaxPlaylistBytes   int64 // playlists larger than this are refused

	// Progress
	DBPath          string        // sqlite file for watch history
	RestoreDelay    time.Duration // settle delay before restoring position
	MinPosition     time.Duration // below this, positions are neither restored nor persisted
	PersistInterval time.Duration // minimum gap between progress writes for one mount
	HistoryLimit    int           // continue-watching list length

	// Identity
	AuthURL    string // GET endpoint returning the current user for a bearer token
	AuthAPIKey string // sent as the apikey header alongside the bearer token

	// Catalog
	CatalogURL   string // upstream catalog API base
	ImageBaseURL string // prefix for relative poster refs
}

// Load reads config from environment.
func Load() *Config {
	c := &Config{
		Addr:               getEnv("VODRELAY_ADDR", ":8080"),
		BaseURL:            getEnv("VODRELAY_BASE_URL", "http://localhost:8080"),
		MaxConns:           getEnvInt("VODRELAY_MAX_CONNS", 512),
		RelayPath:          getEnv("VODRELAY_RELAY_PATH", "/relay"),
		UserAgent:          getEnv("VODRELAY_USER_AGENT", DefaultUserAgent),
		Referer:            getEnv("VODRELAY_REFERER", DefaultReferer),
		OriginProfilesFile: os.Getenv("VODRELAY_ORIGIN_PROFILES"),
		UpstreamTimeout:    getEnvDuration("VODRELAY_UPSTREAM_TIMEOUT", 20*time.Second),
		UpstreamRPS:        getEnvFloat("VODRELAY_UPSTREAM_RPS", 0),
		UpstreamBurst:      getEnvInt("VODRELAY_UPSTREAM_BURST", 20),
		StreamBufferBytes:  getEnvIntOrAuto("VODRELAY_STREAM_BUFFER_BYTES", 64<<10),
		MaxPlaylistBytes:   int64(getEnvInt("VODRELAY_MAX_PLAYLIST_BYTES", 8<<20)),
		DBPath:             getEnv("VODRELAY_DB", "./vodrelay.db"),
		RestoreDelay:       getEnvDuration("VODRELAY_RESTORE_DELAY", 500*time.Millisecond),
		MinPosition:        getEnvDuration("VODRELAY_MIN_POSITION", 5*time.Second),
		PersistInterval:    getEnvDuration("VODRELAY_PERSIST_INTERVAL", 5*time.Second),
		HistoryLimit:       getEnvInt("VODRELAY_HISTORY_LIMIT", 20),
		AuthURL:            os.Getenv("VODRELAY_AUTH_URL"),
		AuthAPIKey:         os.Getenv("VODRELAY_AUTH_APIKEY"),
		CatalogURL:         getEnv("VODRELAY_CATALOG_URL", "https://phimapi.com"),
		ImageBaseURL:       getEnv("VODRELAY_IMAGE_BASE_URL", "https://phimimg.com/"),
	}
	if !strings.HasPrefix(c.RelayPath, "/") {
		c.RelayPath = "/" + c.RelayPath
	}
	if c.UpstreamBurst <= 0 {
		c.UpstreamBurst = 1
	}
	if c.MaxPlaylistBytes <= 0 {
		c.MaxPlaylistBytes = 8 << 20
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
	if c.PersistInterval <= 0 {
		c.PersistInterval = 5 * time.Second
	}
	return c
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return defaultVal
		}
		return n
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

// getEnvIntOrAuto returns -1 if env is "auto" or "-1", otherwise like getEnvInt.
func getEnvIntOrAuto(key string, defaultVal int) int {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "auto" || v == "-1" {
		return -1
	}
	if v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return defaultVal
		}
		return n
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
