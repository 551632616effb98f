package mcp

import (
	"context"
	"sync"

	"golang.org/x/oauth2"
)

// OAuthCredentials is one MCP server's refresh-token-backed OAuth2 client
// configuration (config.OAuthServerConfig, decoupled from the config
// package to keep this package's import graph one-directional).
type OAuthCredentials struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	RefreshToken string
}

// TokenSourceRegistry is the default OAuthTokenSource: for every server
// with stored refresh-token credentials it keeps an oauth2.TokenSource
// that refreshes the access token behind the scenes, so ServerManager only
// ever sees a live bearer token. Servers with no stored credentials get no
// Authorization header at all — a background tool call must never trigger
// an interactive login flow.
type TokenSourceRegistry struct {
	creds map[string]OAuthCredentials

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewTokenSourceRegistry builds a registry from per-server credentials.
// Servers absent from creds (or with no RefreshToken) never get a token.
func NewTokenSourceRegistry(creds map[string]OAuthCredentials) *TokenSourceRegistry {
	return &TokenSourceRegistry{
		creds:   creds,
		sources: make(map[string]oauth2.TokenSource),
	}
}

// Token implements OAuthTokenSource.
func (r *TokenSourceRegistry) Token(ctx context.Context, serverName string) (string, bool) {
	cred, ok := r.creds[serverName]
	if !ok || cred.RefreshToken == "" {
		return "", false
	}

	r.mu.Lock()
	src, ok := r.sources[serverName]
	if !ok {
		conf := &oauth2.Config{
			ClientID:     cred.ClientID,
			ClientSecret: cred.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cred.TokenURL},
		}
		src = conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
		r.sources[serverName] = src
	}
	r.mu.Unlock()

	tok, err := src.Token()
	if err != nil || tok == nil || tok.AccessToken == "" {
		return "", false
	}
	return tok.AccessToken, true
}
