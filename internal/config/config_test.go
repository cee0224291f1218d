package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_defaults(t *testing.T) {
	os.Clearenv()
	c := Load()
	if c.Addr != ":8080" {
		t.Errorf("Addr = %q", c.Addr)
	}
	if c.RelayPath != "/relay" {
		t.Errorf("RelayPath = %q", c.RelayPath)
	}
	if c.UserAgent != DefaultUserAgent || c.Referer != DefaultReferer {
		t.Errorf("spoofed identity = %q / %q", c.UserAgent, c.Referer)
	}
	if c.RestoreDelay != 500*time.Millisecond {
		t.Errorf("RestoreDelay = %v", c.RestoreDelay)
	}
	if c.MinPosition != 5*time.Second || c.PersistInterval != 5*time.Second {
		t.Errorf("MinPosition=%v PersistInterval=%v", c.MinPosition, c.PersistInterval)
	}
	if c.HistoryLimit != 20 {
		t.Errorf("HistoryLimit = %d", c.HistoryLimit)
	}
	if c.StreamBufferBytes != 64<<10 {
		t.Errorf("StreamBufferBytes = %d", c.StreamBufferBytes)
	}
}

func TestLoad_relayPathGetsLeadingSlash(t *testing.T) {
	os.Clearenv()
	os.Setenv("VODRELAY_RELAY_PATH", "api/proxy")
	c := Load()
	if c.RelayPath != "/api/proxy" {
		t.Errorf("RelayPath = %q, want /api/proxy", c.RelayPath)
	}
}

func TestLoad_streamBufferAuto(t *testing.T) {
	os.Clearenv()
	os.Setenv("VODRELAY_STREAM_BUFFER_BYTES", "auto")
	if got := Load().StreamBufferBytes; got != -1 {
		t.Errorf("auto buffer = %d, want -1", got)
	}
	os.Setenv("VODRELAY_STREAM_BUFFER_BYTES", "0")
	if got := Load().StreamBufferBytes; got != 0 {
		t.Errorf("passthrough buffer = %d, want 0", got)
	}
}

func TestLoad_invalidValuesFallBack(t *testing.T) {
	os.Clearenv()
	os.Setenv("VODRELAY_HISTORY_LIMIT", "lots")
	os.Setenv("VODRELAY_PERSIST_INTERVAL", "soon")
	os.Setenv("VODRELAY_UPSTREAM_RPS", "x")
	c := Load()
	if c.HistoryLimit != 20 {
		t.Errorf("HistoryLimit = %d", c.HistoryLimit)
	}
	if c.PersistInterval != 5*time.Second {
		t.Errorf("PersistInterval = %v", c.PersistInterval)
	}
	if c.UpstreamRPS != 0 {
		t.Errorf("UpstreamRPS = %v", c.UpstreamRPS)
	}
}

func TestLoadOriginProfiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "origins.yaml")
	data := `
default:
  referer: https://default.example/
origins:
  - host: "*.cdn.example"
    user_agent: CustomUA/1.0
    headers:
      Origin: https://player.example
  - host: exact.example
    referer: https://exact.example/
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadOriginProfiles(path)
	if err != nil {
		t.Fatal(err)
	}
	got := p.Lookup("edge1.cdn.example:443", "UA", "https://fallback/")
	if got.UserAgent != "CustomUA/1.0" {
		t.Errorf("UserAgent = %q", got.UserAgent)
	}
	if got.Referer != "https://default.example/" {
		t.Errorf("Referer = %q", got.Referer)
	}
	if got.Headers["Origin"] != "https://player.example" {
		t.Errorf("Origin header = %q", got.Headers["Origin"])
	}
	got = p.Lookup("EXACT.example", "UA", "https://fallback/")
	if got.UserAgent != "UA" || got.Referer != "https://exact.example/" {
		t.Errorf("exact host profile = %+v", got)
	}
	got = p.Lookup("other.example", "UA", "https://fallback/")
	if got.Referer != "https://default.example/" {
		t.Errorf("unmatched host Referer = %q", got.Referer)
	}
}

func TestLoadOriginProfiles_missingAndEmpty(t *testing.T) {
	p, err := LoadOriginProfiles(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should return nil: %v", err)
	}
	got := p.Lookup("x", "UA", "R")
	if got.UserAgent != "UA" || got.Referer != "R" {
		t.Errorf("defaults not applied: %+v", got)
	}
	if _, err := LoadOriginProfiles(""); err != nil {
		t.Errorf("empty path: %v", err)
	}
}

func TestLoadOriginProfiles_rejectsHostless(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("origins:\n  - referer: x\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOriginProfiles(path); err == nil {
		t.Error("expected error for entry without host")
	}
}
