// Package identity resolves the signed-in user for progress sync.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/snapetech/vodrelay/internal/fieldpath"
	"github.com/snapetech/vodrelay/internal/httpclient"
	"github.com/snapetech/vodrelay/internal/progress"
)

// UserIDPaths is where the user id is looked for in an auth /user response, in order.
var UserIDPaths = []string{"id", "user.id", "sub"}

// Static always reports the same user. The zero value is an anonymous session.
type Static struct {
	User uuid.UUID
}

func (s Static) CurrentUser(context.Context) (uuid.UUID, bool, error) {
	return s.User, s.User != uuid.Nil, nil
}

// TokenProvider resolves the user behind a bearer token by calling the auth service's
// user endpoint.
type TokenProvider struct {
	Endpoint string // e.g. https://project.supabase.co/auth/v1/user
	APIKey   string // sent as the apikey header when set
	Token    string
	Client   *http.Client // base client; the bearer transport is layered on top
	Fields   []string     // default UserIDPaths
}

// CurrentUser returns ok=false without error when there is no token or the service
// rejects it (401/403); those sessions are anonymous.
func (p *TokenProvider) CurrentUser(ctx context.Context) (uuid.UUID, bool, error) {
	if p.Token == "" || p.Endpoint == "" {
		return uuid.Nil, false, nil
	}
	base := p.Client
	if base == nil {
		base = httpclient.New(0)
	}
	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, base),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: p.Token, TokenType: "Bearer"}))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Endpoint, nil)
	if err != nil {
		return uuid.Nil, false, err
	}
	req.Header.Set("Accept", "application/json")
	if p.APIKey != "" {
		req.Header.Set("apikey", p.APIKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("identity: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return uuid.Nil, false, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return uuid.Nil, false, fmt.Errorf("identity: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("identity: read: %w", err)
	}
	if !json.Valid(body) {
		return uuid.Nil, false, fmt.Errorf("identity: response is not JSON")
	}
	fields := p.Fields
	if len(fields) == 0 {
		fields = UserIDPaths
	}
	raw, ok := fieldpath.String(body, fields...)
	if !ok {
		return uuid.Nil, false, fmt.Errorf("identity: no user id at %s", strings.Join(fields, ", "))
	}
	user, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("identity: user id %q: %w", raw, err)
	}
	return user, true, nil
}

// Authenticator builds a provider per incoming request from its bearer token.
// Nothing is shared between requests except the base client.
type Authenticator struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

// FromRequest returns the provider for r. Requests without a bearer token are anonymous.
func (a *Authenticator) FromRequest(r *http.Request) progress.IdentityProvider {
	tok := BearerToken(r)
	if a == nil || tok == "" || a.Endpoint == "" {
		return Static{}
	}
	return &TokenProvider{Endpoint: a.Endpoint, APIKey: a.APIKey, Token: tok, Client: a.Client}
}

// BearerToken extracts the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}
