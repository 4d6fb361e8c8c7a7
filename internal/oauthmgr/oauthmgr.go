// Package oauthmgr validates and refreshes Google OAuth2 access tokens for
// incoming/outgoing connectors, revoking on invalid_grant (spec.md §4.B).
package oauthmgr

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/mailforge/syncengine/internal/models"
	"github.com/mailforge/syncengine/internal/syncerr"
)

// ConnectorKind distinguishes incoming vs outgoing connectors for token
// persistence routing.
type ConnectorKind string

const (
	KindIncoming ConnectorKind = "incoming"
	KindOutgoing ConnectorKind = "outgoing"
)

// Persister writes back the (possibly refreshed) auth config for a
// connector. Implemented by the store layer against Postgres.
type Persister interface {
	PersistAuthConfig(ctx context.Context, kind ConnectorKind, connectorID string, cfg models.AuthConfig) error
}

// TokenRefresher performs the actual OAuth2 token-endpoint round trip.
// Implemented with golang.org/x/oauth2 in production, faked in tests.
type TokenRefresher interface {
	Refresh(ctx context.Context, cfg models.AuthConfig) (*oauth2.Token, error)
}

// Manager implements spec.md §4.B's ensureValidGoogleAccessToken and
// isGoogleTokenExpiringSoon.
type Manager struct {
	persister  Persister
	refresher  TokenRefresher
}

// New constructs a Manager.
func New(persister Persister, refresher TokenRefresher) *Manager {
	return &Manager{persister: persister, refresher: refresher}
}

// invalidGrantMarkers are substrings of a token-endpoint error that
// indicate the refresh token has been revoked and the connector must be
// reconnected (spec.md §4.B).
var invalidGrantMarkers = []string{
	"invalid_grant", "unauthorized", "disabled", "permission denied", "rejected",
}

func looksLikeInvalidGrant(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range invalidGrantMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// EnsureValidGoogleAccessToken implements spec.md §4.B.
func (m *Manager) EnsureValidGoogleAccessToken(ctx context.Context, kind ConnectorKind, connectorID string, cfg models.AuthConfig, forceRefresh bool) (models.AuthConfig, error) {
	if cfg.Type != models.AuthTypeOAuth2 {
		return cfg, nil
	}

	tokenValid := cfg.AccessToken != "" && cfg.TokenExpiresAt != nil && cfg.TokenExpiresAt.After(time.Now())
	if tokenValid && !forceRefresh {
		return cfg, nil
	}

	if cfg.RefreshToken == "" {
		if tokenValid {
			return cfg, nil
		}
		return cfg, errors.Wrap(syncerr.ErrMustReconnect, "no refresh token available")
	}

	tok, err := m.refresher.Refresh(ctx, cfg)
	if err != nil {
		if looksLikeInvalidGrant(err) {
			revoked := cfg
			revoked.AccessToken = ""
			revoked.TokenExpiresAt = nil
			if persistErr := m.persister.PersistAuthConfig(ctx, kind, connectorID, revoked); persistErr != nil {
				return cfg, errors.Wrap(persistErr, "failed to persist revoked token")
			}
			return revoked, errors.Wrap(syncerr.ErrMustReconnect, err.Error())
		}
		return cfg, errors.Wrap(err, "token refresh failed")
	}

	next := cfg
	changed := false
	if tok.AccessToken != "" && tok.AccessToken != cfg.AccessToken {
		next.AccessToken = tok.AccessToken
		changed = true
	}
	if tok.RefreshToken != "" && tok.RefreshToken != cfg.RefreshToken {
		next.RefreshToken = tok.RefreshToken
		changed = true
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		if cfg.TokenExpiresAt == nil || !cfg.TokenExpiresAt.Equal(expiry) {
			next.TokenExpiresAt = &expiry
			changed = true
		}
	}

	if changed {
		if err := m.persister.PersistAuthConfig(ctx, kind, connectorID, next); err != nil {
			return cfg, errors.Wrap(err, "failed to persist refreshed token")
		}
	}

	return next, nil
}

// IsGoogleTokenExpiringSoon reports whether cfg's access token expires
// within window of now (default 5 minutes per spec.md §4.B).
func IsGoogleTokenExpiringSoon(cfg models.AuthConfig, window time.Duration) bool {
	if cfg.TokenExpiresAt == nil {
		return true
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return time.Until(*cfg.TokenExpiresAt) <= window
}
