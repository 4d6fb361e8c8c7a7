package idlewatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mailforge/syncengine/internal/models"
)

func TestIsIdleEligible_RequiresUseIdle(t *testing.T) {
	assert.False(t, isIdleEligible(models.IncomingConnector{SyncSettings: models.SyncSettings{UseIdle: false}}))
}

func TestIsIdleEligible_SkipsGmailWithActivePush(t *testing.T) {
	conn := models.IncomingConnector{
		Provider: models.ProviderGmailAPI,
		SyncSettings: models.SyncSettings{
			UseIdle:   true,
			GmailPush: models.GmailPushConfig{Enabled: true, Status: "watching"},
		},
	}
	assert.False(t, isIdleEligible(conn))
}

func TestIsIdleEligible_IMAPConnectorWithUseIdle(t *testing.T) {
	conn := models.IncomingConnector{Provider: models.ProviderIMAP, SyncSettings: models.SyncSettings{UseIdle: true}}
	assert.True(t, isIdleEligible(conn))
}

type fakeSession struct {
	mu      sync.Mutex
	polls   int
	closed  bool
}

func (s *fakeSession) Poll(ctx context.Context) (bool, error) {
	s.mu.Lock()
	s.polls++
	s.mu.Unlock()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(time.Millisecond):
	}
	return false, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
}

func (d *fakeDialer) Dial(ctx context.Context, conn models.IncomingConnector, mailbox string) (Session, error) {
	s := &fakeSession{}
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

type fakeSource struct {
	connectors []models.IncomingConnector
}

func (f *fakeSource) ListIncomingConnectorsForIdleWatch(ctx context.Context) ([]models.IncomingConnector, error) {
	return f.connectors, nil
}

type fakeTrigger struct{}

func (fakeTrigger) TriggerSync(ctx context.Context, userID, connectorID, mailbox string) error {
	return nil
}

func TestResumeConfiguredIdleWatches_StartsOneWatcherPerEligibleMailbox(t *testing.T) {
	dialer := &fakeDialer{}
	source := &fakeSource{connectors: []models.IncomingConnector{
		{ID: "c1", UserID: "u1", Provider: models.ProviderIMAP, SyncSettings: models.SyncSettings{UseIdle: true, WatchMailboxes: []string{"INBOX", "ARCHIVE"}}},
		{ID: "c2", UserID: "u1", Provider: models.ProviderIMAP, SyncSettings: models.SyncSettings{UseIdle: false}},
	}}
	mgr := New(dialer, source, fakeTrigger{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := mgr.ResumeConfiguredIdleWatches(ctx)
	require.NoError(t, err)

	mgr.mu.Lock()
	count := len(mgr.watchers)
	mgr.mu.Unlock()
	assert.Equal(t, 2, count)
}

func TestResumeConfiguredIdleWatches_StopsWatcherNoLongerEligible(t *testing.T) {
	dialer := &fakeDialer{}
	source := &fakeSource{connectors: []models.IncomingConnector{
		{ID: "c1", UserID: "u1", Provider: models.ProviderIMAP, SyncSettings: models.SyncSettings{UseIdle: true, WatchMailboxes: []string{"INBOX"}}},
	}}
	mgr := New(dialer, source, fakeTrigger{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, mgr.ResumeConfiguredIdleWatches(ctx))
	mgr.mu.Lock()
	assert.Equal(t, 1, len(mgr.watchers))
	mgr.mu.Unlock()

	source.connectors = nil
	require.NoError(t, mgr.ResumeConfiguredIdleWatches(ctx))
	mgr.mu.Lock()
	assert.Equal(t, 0, len(mgr.watchers))
	mgr.mu.Unlock()
}

func TestManager_ShutdownStopsAllWatchers(t *testing.T) {
	dialer := &fakeDialer{}
	source := &fakeSource{connectors: []models.IncomingConnector{
		{ID: "c1", UserID: "u1", Provider: models.ProviderIMAP, SyncSettings: models.SyncSettings{UseIdle: true}},
	}}
	mgr := New(dialer, source, fakeTrigger{}, zap.NewNop())
	require.NoError(t, mgr.ResumeConfiguredIdleWatches(context.Background()))
	mgr.Shutdown()

	mgr.mu.Lock()
	assert.Equal(t, 0, len(mgr.watchers))
	mgr.mu.Unlock()
}
