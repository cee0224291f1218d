// Package catalog is a client for the upstream movie catalog API (latest, detail, search).
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/snapetech/vodrelay/internal/fieldpath"
	"github.com/snapetech/vodrelay/internal/httpclient"
)

const (
	DefaultBaseURL      = "https://phimapi.com"
	DefaultImageBaseURL = "https://phimimg.com/"
	maxResponseBytes    = 8 << 20
)

// List responses come in two shapes depending on the endpoint. These are tried in order.
var (
	ItemPaths       = []string{"items", "data.items"}
	PaginationPaths = []string{"pagination", "data.params.pagination", "params.pagination"}
)

// ErrNotFound is returned for unknown slugs.
var ErrNotFound = errors.New("catalog: not found")

// Summary is one entry of a list or search result.
type Summary struct {
	ID         string `json:"_id"`
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	OriginName string `json:"origin_name"`
	PosterURL  string `json:"poster_url"`
	ThumbURL   string `json:"thumb_url"`
	Year       int    `json:"year"`
}

type Pagination struct {
	TotalItems        int `json:"totalItems"`
	TotalItemsPerPage int `json:"totalItemsPerPage"`
	CurrentPage       int `json:"currentPage"`
	TotalPages        int `json:"totalPages"`
}

// Page is a decoded list response. Pagination is nil when the payload had none.
type Page struct {
	Items      []Summary
	Pagination *Pagination
}

type Taxon struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type Movie struct {
	ID             string   `json:"_id"`
	Name           string   `json:"name"`
	Slug           string   `json:"slug"`
	OriginName     string   `json:"origin_name"`
	Content        string   `json:"content"`
	Type           string   `json:"type"`
	Status         string   `json:"status"`
	PosterURL      string   `json:"poster_url"`
	ThumbURL       string   `json:"thumb_url"`
	Time           string   `json:"time"`
	EpisodeCurrent string   `json:"episode_current"`
	EpisodeTotal   string   `json:"episode_total"`
	Quality        string   `json:"quality"`
	Lang           string   `json:"lang"`
	Year           int      `json:"year"`
	Actor          []string `json:"actor"`
	Director       []string `json:"director"`
	Category       []Taxon  `json:"category"`
	Country        []Taxon  `json:"country"`
}

// EpisodeLink is one playable episode on a server.
type EpisodeLink struct {
	Name      string `json:"name"`
	Slug      string `json:"slug"`
	Filename  string `json:"filename"`
	LinkEmbed string `json:"link_embed"`
	LinkM3U8  string `json:"link_m3u8"`
}

// Server is one mirror carrying a full episode list.
type Server struct {
	Name     string        `json:"server_name"`
	Episodes []EpisodeLink `json:"server_data"`
}

type Detail struct {
	Movie   Movie    `json:"movie"`
	Servers []Server `json:"episodes"`
}

// Client talks to the catalog API. Each Client owns its http.Client.
type Client struct {
	BaseURL      string
	ImageBaseURL string
	HTTP         *http.Client
	Retry        httpclient.RetryPolicy
}

// New returns a Client for baseURL (DefaultBaseURL when empty).
func New(baseURL, imageBaseURL string, hc *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if imageBaseURL == "" {
		imageBaseURL = DefaultImageBaseURL
	}
	if hc == nil {
		hc = httpclient.New(0)
	}
	return &Client{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		ImageBaseURL: imageBaseURL,
		HTTP:         hc,
		Retry:        httpclient.DefaultRetryPolicy,
	}
}

// Latest returns a page of recently updated titles.
func (c *Client) Latest(ctx context.Context, page int) (*Page, error) {
	q := url.Values{"page": {strconv.Itoa(max(page, 1))}}
	return c.list(ctx, "/danh-sach/phim-moi-cap-nhat", q)
}

// Search returns titles matching keyword.
func (c *Client) Search(ctx context.Context, keyword string, page int) (*Page, error) {
	q := url.Values{"keyword": {keyword}, "page": {strconv.Itoa(max(page, 1))}}
	return c.list(ctx, "/v1/api/tim-kiem", q)
}

// Movie returns a title with its servers and episodes.
func (c *Client) Movie(ctx context.Context, slug string) (*Detail, error) {
	if slug == "" || strings.ContainsAny(slug, "/?#") {
		return nil, fmt.Errorf("catalog: invalid slug %q", slug)
	}
	body, err := c.get(ctx, "/phim/"+url.PathEscape(slug), nil)
	if err != nil {
		return nil, err
	}
	var d Detail
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("catalog: decode movie %s: %w", slug, err)
	}
	if d.Movie.Slug == "" {
		// the API answers unknown slugs with 200 and {"status":false,"msg":...}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, slug)
	}
	return &d, nil
}

func (c *Client) list(ctx context.Context, path string, q url.Values) (*Page, error) {
	body, err := c.get(ctx, path, q)
	if err != nil {
		return nil, err
	}
	return DecodePage(body)
}

// DecodePage decodes a list payload through ItemPaths and PaginationPaths.
// A payload with no item list decodes to an empty page.
func DecodePage(body []byte) (*Page, error) {
	if !json.Valid(body) {
		return nil, errors.New("catalog: response is not JSON")
	}
	p := &Page{}
	if _, err := fieldpath.Decode(body, &p.Items, ItemPaths...); err != nil && !errors.Is(err, fieldpath.ErrNotFound) {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	var pg Pagination
	if _, err := fieldpath.Decode(body, &pg, PaginationPaths...); err == nil {
		p.Pagination = &pg
	} else if !errors.Is(err, fieldpath.ErrNotFound) {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return p, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := httpclient.DoWithRetry(ctx, c.HTTP, req, c.Retry)
	if err != nil {
		return nil, fmt.Errorf("catalog: GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("catalog: GET %s: %s", path, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return body, nil
}

// ImageURL makes a poster or thumb reference absolute.
func (c *Client) ImageURL(ref string) string { return ImageURL(c.ImageBaseURL, ref) }

// ImageURL prefixes base to ref unless ref is already an http(s) URL or empty.
func ImageURL(base, ref string) string {
	if ref == "" || strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + strings.TrimPrefix(ref, "/")
}

// SelectEpisode picks the episode to play: the first episode whose slug matches epSlug on
// any server, otherwise the first episode of the first server. ok is false when the title
// has no playable episodes.
func SelectEpisode(d *Detail, epSlug string) (server string, ep EpisodeLink, ok bool) {
	if d == nil {
		return "", EpisodeLink{}, false
	}
	if epSlug != "" {
		for _, s := range d.Servers {
			for _, e := range s.Episodes {
				if e.Slug == epSlug && e.LinkM3U8 != "" {
					return s.Name, e, true
				}
			}
		}
	}
	for _, s := range d.Servers {
		if len(s.Episodes) > 0 {
			return s.Name, s.Episodes[0], s.Episodes[0].LinkM3U8 != ""
		}
	}
	return "", EpisodeLink{}, false
}
