package oauthmgr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/mailforge/syncengine/internal/models"
	"github.com/mailforge/syncengine/internal/syncerr"
)

type fakeRefresher struct {
	token *oauth2.Token
	err   error
	calls int
}

func (f *fakeRefresher) Refresh(ctx context.Context, cfg models.AuthConfig) (*oauth2.Token, error) {
	f.calls++
	return f.token, f.err
}

type fakePersister struct {
	lastCfg models.AuthConfig
	calls   int
	failErr error
}

func (f *fakePersister) PersistAuthConfig(ctx context.Context, kind ConnectorKind, connectorID string, cfg models.AuthConfig) error {
	f.calls++
	f.lastCfg = cfg
	return f.failErr
}

func TestEnsureValidGoogleAccessToken_PassthroughNonOAuth(t *testing.T) {
	m := New(&fakePersister{}, &fakeRefresher{})
	cfg := models.AuthConfig{Type: models.AuthTypePassword}
	out, err := m.EnsureValidGoogleAccessToken(context.Background(), KindIncoming, "c1", cfg, false)
	require.NoError(t, err)
	assert.Equal(t, cfg, out)
}

func TestEnsureValidGoogleAccessToken_PassthroughWhenValid(t *testing.T) {
	future := time.Now().Add(time.Hour)
	m := New(&fakePersister{}, &fakeRefresher{})
	cfg := models.AuthConfig{Type: models.AuthTypeOAuth2, AccessToken: "tok", TokenExpiresAt: &future}
	out, err := m.EnsureValidGoogleAccessToken(context.Background(), KindIncoming, "c1", cfg, false)
	require.NoError(t, err)
	assert.Equal(t, "tok", out.AccessToken)
}

func TestEnsureValidGoogleAccessToken_NoRefreshTokenFailsClosed(t *testing.T) {
	m := New(&fakePersister{}, &fakeRefresher{})
	cfg := models.AuthConfig{Type: models.AuthTypeOAuth2}
	_, err := m.EnsureValidGoogleAccessToken(context.Background(), KindIncoming, "c1", cfg, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrMustReconnect)
}

func TestEnsureValidGoogleAccessToken_RevokesOnInvalidGrant(t *testing.T) {
	// spec.md §8 property 4: invalid_grant -> null access token/expiry
	// persisted, and the call fails with a reconnect-required error.
	persister := &fakePersister{}
	refresher := &fakeRefresher{err: errors.New("oauth2: \"invalid_grant\" \"Token has been expired or revoked\"")}
	m := New(persister, refresher)

	cfg := models.AuthConfig{Type: models.AuthTypeOAuth2, RefreshToken: "rt", AccessToken: "stale"}
	_, err := m.EnsureValidGoogleAccessToken(context.Background(), KindIncoming, "conn-1", cfg, true)

	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrMustReconnect)
	require.Equal(t, 1, persister.calls)
	assert.Empty(t, persister.lastCfg.AccessToken)
	assert.Nil(t, persister.lastCfg.TokenExpiresAt)
}

func TestEnsureValidGoogleAccessToken_PropagatesOtherErrors(t *testing.T) {
	persister := &fakePersister{}
	refresher := &fakeRefresher{err: errors.New("network timeout")}
	m := New(persister, refresher)

	cfg := models.AuthConfig{Type: models.AuthTypeOAuth2, RefreshToken: "rt"}
	_, err := m.EnsureValidGoogleAccessToken(context.Background(), KindIncoming, "conn-1", cfg, true)

	require.Error(t, err)
	assert.False(t, errors.Is(err, syncerr.ErrMustReconnect))
	assert.Equal(t, 0, persister.calls)
}

func TestEnsureValidGoogleAccessToken_PersistsOnlyWhenChanged(t *testing.T) {
	persister := &fakePersister{}
	expiry := time.Now().Add(time.Hour)
	refresher := &fakeRefresher{token: &oauth2.Token{AccessToken: "same", Expiry: expiry}}
	m := New(persister, refresher)

	cfg := models.AuthConfig{Type: models.AuthTypeOAuth2, RefreshToken: "rt", AccessToken: "same", TokenExpiresAt: &expiry}
	_, err := m.EnsureValidGoogleAccessToken(context.Background(), KindIncoming, "conn-1", cfg, true)
	require.NoError(t, err)
	assert.Equal(t, 0, persister.calls)
}

func TestIsGoogleTokenExpiringSoon(t *testing.T) {
	soon := time.Now().Add(2 * time.Minute)
	cfg := models.AuthConfig{TokenExpiresAt: &soon}
	assert.True(t, IsGoogleTokenExpiringSoon(cfg, 5*time.Minute))

	later := time.Now().Add(time.Hour)
	cfg2 := models.AuthConfig{TokenExpiresAt: &later}
	assert.False(t, IsGoogleTokenExpiringSoon(cfg2, 5*time.Minute))

	cfg3 := models.AuthConfig{}
	assert.True(t, IsGoogleTokenExpiringSoon(cfg3, 0))
}
