package oauthmgr

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/mailforge/syncengine/internal/models"
)

// GoogleRefresher refreshes access tokens against Google's OAuth2 token
// endpoint using golang.org/x/oauth2's standard token source, matching the
// teacher's pkg/gmail use of golang.org/x/oauth2/google.
type GoogleRefresher struct {
	Endpoint oauth2.Endpoint
}

// NewGoogleRefresher constructs a refresher against the standard Google
// OAuth2 endpoint.
func NewGoogleRefresher() *GoogleRefresher {
	return &GoogleRefresher{Endpoint: google.Endpoint}
}

// Refresh implements TokenRefresher.
func (g *GoogleRefresher) Refresh(ctx context.Context, cfg models.AuthConfig) (*oauth2.Token, error) {
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     g.Endpoint,
	}

	stale := &oauth2.Token{
		RefreshToken: cfg.RefreshToken,
	}
	src := oauthCfg.TokenSource(ctx, stale)
	return src.Token()
}
