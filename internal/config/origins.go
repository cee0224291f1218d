package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// OriginProfile is the header set presented to one upstream origin.
// Empty fields fall back to the profile file's default, then to the process defaults.
type OriginProfile struct {
	Host      string            `yaml:"host"` // glob, e.g. "*.phimapi.com"
	UserAgent string            `yaml:"user_agent"`
	Referer   string            `yaml:"referer"`
	Headers   map[string]string `yaml:"headers"`
}

// OriginProfiles maps upstream hosts to spoofed request headers.
//
//	default:
//	  referer: https://phimapi.com/
//	origins:
//	  - host: "*.example-cdn.net"
//	    referer: https://example.net/
//	    headers: {Origin: https://example.net}
type OriginProfiles struct {
	Default OriginProfile   `yaml:"default"`
	Origins []OriginProfile `yaml:"origins"`
}

// LoadOriginProfiles reads a YAML profile file. A missing file returns empty profiles and nil.
func LoadOriginProfiles(p string) (*OriginProfiles, error) {
	out := &OriginProfiles{}
	if strings.TrimSpace(p) == "" {
		return out, nil
	}
	b, err := os.ReadFile(filepath.Clean(p))
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("origin profiles %s: %w", p, err)
	}
	for i := range out.Origins {
		out.Origins[i].Host = strings.ToLower(strings.TrimSpace(out.Origins[i].Host))
		if out.Origins[i].Host == "" {
			return nil, fmt.Errorf("origin profiles %s: entry %d has no host", p, i)
		}
	}
	return out, nil
}

// Lookup returns the effective profile for host. First matching entry wins.
// ua and referer are the process-level defaults used when nothing overrides them.
func (o *OriginProfiles) Lookup(host, ua, referer string) OriginProfile {
	eff := OriginProfile{Host: host, UserAgent: ua, Referer: referer, Headers: map[string]string{}}
	if o == nil {
		return eff
	}
	merge := func(p OriginProfile) {
		if p.UserAgent != "" {
			eff.UserAgent = p.UserAgent
		}
		if p.Referer != "" {
			eff.Referer = p.Referer
		}
		for k, v := range p.Headers {
			eff.Headers[k] = v
		}
	}
	merge(o.Default)
	host = strings.ToLower(host)
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	for _, p := range o.Origins {
		if ok, _ := path.Match(p.Host, host); ok || p.Host == host {
			merge(p)
			break
		}
	}
	return eff
}

// Len is the number of host entries.
func (o *OriginProfiles) Len() int {
	if o == nil {
		return 0
	}
	return len(o.Origins)
}
