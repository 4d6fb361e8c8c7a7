package imapsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mailforge/syncengine/internal/models"
	"github.com/mailforge/syncengine/internal/store"
	"github.com/mailforge/syncengine/internal/syncstate"
)

type fakeMailbox struct {
	info        MailboxInfo
	all         []FetchedMessage
	sinceUID    []FetchedMessage
	tail        []FetchedMessage
	closed      bool
	fetchAllErr error
}

func (m *fakeMailbox) Info() MailboxInfo { return m.info }

func (m *fakeMailbox) FetchAll(ctx context.Context, handle MessageHandler) error {
	if m.fetchAllErr != nil {
		return m.fetchAllErr
	}
	for _, msg := range m.all {
		if err := handle(msg); err != nil {
			return err
		}
	}
	return nil
}

func (m *fakeMailbox) FetchSinceUID(ctx context.Context, sinceUID uint32, handle MessageHandler) error {
	for _, msg := range m.sinceUID {
		if err := handle(msg); err != nil {
			return err
		}
	}
	return nil
}

func (m *fakeMailbox) FetchChangedSinceModSeq(ctx context.Context, modseq uint64, handle MessageHandler) error {
	return nil
}

func (m *fakeMailbox) FetchTailWindow(ctx context.Context, windowSize int, handle MessageHandler) error {
	for _, msg := range m.tail {
		if err := handle(msg); err != nil {
			return err
		}
	}
	return nil
}

func (m *fakeMailbox) Close() error { m.closed = true; return nil }

type fakeDialer struct {
	mbox *fakeMailbox
	err  error
}

func (d *fakeDialer) Dial(ctx context.Context, conn models.IncomingConnector, mailbox string) (Mailbox, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.mbox, nil
}

type fakeStates struct {
	claimed     bool
	priorState  *models.SyncState
	setCalls    []syncstate.SetSyncStateFields
	claimCalled bool
}

func (f *fakeStates) TryClaimMailboxSync(ctx context.Context, connectorID, mailbox string) (bool, error) {
	f.claimCalled = true
	return f.claimed, nil
}

func (f *fakeStates) SetSyncState(ctx context.Context, connectorID, mailbox string, fields syncstate.SetSyncStateFields) error {
	f.setCalls = append(f.setCalls, fields)
	return nil
}

func (f *fakeStates) GetSyncState(ctx context.Context, connectorID, mailbox string) (*models.SyncState, error) {
	return f.priorState, nil
}

type fakeMsgStore struct {
	rows []store.UpsertMessageRow
}

func (f *fakeMsgStore) UpsertMessage(ctx context.Context, m store.UpsertMessageRow) error {
	f.rows = append(f.rows, m)
	return nil
}

func newDriver(mbox *fakeMailbox, states *fakeStates, msgStore *fakeMsgStore) *Driver {
	return New(&fakeDialer{mbox: mbox}, states, msgStore, nil, zap.NewNop())
}

func TestRunMailboxSync_AlreadyRunningReturnsError(t *testing.T) {
	states := &fakeStates{claimed: false}
	d := newDriver(&fakeMailbox{}, states, &fakeMsgStore{})
	err := d.RunMailboxSync(context.Background(), "u1", models.IncomingConnector{ID: "c1"}, "INBOX")
	require.Error(t, err)
}

func TestRunMailboxSync_FullResyncWhenUIDValidityChanged(t *testing.T) {
	states := &fakeStates{
		claimed:    true,
		priorState: &models.SyncState{UIDValidity: uint32Ptr(1), HighestUID: 5},
	}
	mbox := &fakeMailbox{
		info: MailboxInfo{UIDValidity: 2, UIDNext: 10},
		all:  []FetchedMessage{{UID: 1, Subject: "a"}, {UID: 2, Subject: "b"}},
	}
	msgStore := &fakeMsgStore{}
	d := newDriver(mbox, states, msgStore)

	err := d.RunMailboxSync(context.Background(), "u1", models.IncomingConnector{ID: "c1"}, "INBOX")
	require.NoError(t, err)
	assert.Len(t, msgStore.rows, 2)
	assert.True(t, mbox.closed)
}

func TestRunMailboxSync_IncrementalUsesSinceUIDAndTailWindow(t *testing.T) {
	states := &fakeStates{
		claimed:    true,
		priorState: &models.SyncState{UIDValidity: uint32Ptr(5), HighestUID: 5},
	}
	mbox := &fakeMailbox{
		info:     MailboxInfo{UIDValidity: 5, UIDNext: 10},
		sinceUID: []FetchedMessage{{UID: 6, Subject: "new"}},
		tail:     []FetchedMessage{{UID: 5, Subject: "changed flags"}},
	}
	msgStore := &fakeMsgStore{}
	d := newDriver(mbox, states, msgStore)

	err := d.RunMailboxSync(context.Background(), "u1", models.IncomingConnector{ID: "c1"}, "INBOX")
	require.NoError(t, err)
	assert.Len(t, msgStore.rows, 2)
}

func TestRunMailboxSync_DialFailureRecordsErrorState(t *testing.T) {
	states := &fakeStates{claimed: true, priorState: &models.SyncState{UIDValidity: uint32Ptr(1)}}
	d := New(&fakeDialer{err: assertErr{}}, states, &fakeMsgStore{}, nil, zap.NewNop())

	err := d.RunMailboxSync(context.Background(), "u1", models.IncomingConnector{ID: "c1"}, "INBOX")
	require.Error(t, err)
	require.NotEmpty(t, states.setCalls)
	last := states.setCalls[len(states.setCalls)-1]
	require.NotNil(t, last.Status)
	assert.Equal(t, models.SyncError, *last.Status)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func uint32Ptr(v uint32) *uint32 { return &v }
