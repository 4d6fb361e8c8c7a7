package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mailforge/syncengine/internal/models"
	"github.com/mailforge/syncengine/internal/store"
)

type fakeStore struct {
	conn     *models.IncomingConnector
	messages []store.MessageRow
	deleted  []string
	moves    []string
}

func (f *fakeStore) GetIncomingConnector(ctx context.Context, id, userID string) (*models.IncomingConnector, error) {
	if f.conn == nil || f.conn.ID != id || f.conn.UserID != userID {
		return nil, nil
	}
	return f.conn, nil
}

func (f *fakeStore) ListMessagesByThreadTag(ctx context.Context, connectorID, threadTag string) ([]store.MessageRow, error) {
	var out []store.MessageRow
	for _, m := range f.messages {
		if m.IncomingConnectorID == connectorID && m.ThreadTag == threadTag {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) GetMessage(ctx context.Context, connectorID, mailbox string, uid uint32) (*store.MessageRow, error) {
	for _, m := range f.messages {
		if m.IncomingConnectorID == connectorID && m.Mailbox == mailbox && m.UID == uid {
			return &m, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) SetMessageFlags(ctx context.Context, connectorID, mailbox string, uid uint32, isRead, isStarred *bool) error {
	for i := range f.messages {
		m := &f.messages[i]
		if m.IncomingConnectorID == connectorID && m.Mailbox == mailbox && m.UID == uid {
			if isRead != nil {
				m.IsRead = *isRead
			}
			if isStarred != nil {
				m.IsStarred = *isStarred
			}
		}
	}
	return nil
}

func (f *fakeStore) SetMessageLabels(ctx context.Context, connectorID, mailbox string, uid uint32, labels []string) error {
	for i := range f.messages {
		m := &f.messages[i]
		if m.IncomingConnectorID == connectorID && m.Mailbox == mailbox && m.UID == uid {
			m.Labels = labels
		}
	}
	return nil
}

func (f *fakeStore) MoveMessageMailbox(ctx context.Context, connectorID, oldMailbox string, oldUID uint32, newMailbox string, newUID uint32) error {
	f.moves = append(f.moves, oldMailbox+">"+newMailbox)
	for i := range f.messages {
		m := &f.messages[i]
		if m.IncomingConnectorID == connectorID && m.Mailbox == oldMailbox && m.UID == oldUID {
			m.Mailbox = newMailbox
			m.UID = newUID
		}
	}
	return nil
}

func (f *fakeStore) DeleteMessage(ctx context.Context, connectorID, mailbox string, uid uint32) error {
	f.deleted = append(f.deleted, mailbox)
	return nil
}

type fakeRemote struct {
	failFlags  bool
	failMove   bool
	newUID     uint32
}

func (f *fakeRemote) SetFlags(ctx context.Context, conn *models.IncomingConnector, mailbox string, uid uint32, isRead, isStarred *bool) error {
	if f.failFlags {
		return assertErr{}
	}
	return nil
}

func (f *fakeRemote) ApplyLabels(ctx context.Context, conn *models.IncomingConnector, mailbox string, uid uint32, add, remove []string) error {
	return nil
}

func (f *fakeRemote) MoveMessage(ctx context.Context, conn *models.IncomingConnector, mailbox string, uid uint32, destMailbox string) (uint32, error) {
	if f.failMove {
		return 0, assertErr{}
	}
	if f.newUID != 0 {
		return f.newUID, nil
	}
	return uid, nil
}

func (f *fakeRemote) DeleteMessage(ctx context.Context, conn *models.IncomingConnector, mailbox string, uid uint32) error {
	return nil
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func newExecutor(fs *fakeStore, fr *fakeRemote) *Executor {
	return New(fs, fr, nil, zap.NewNop())
}

func TestApplyThreadMessageActions_RejectsUnownedConnector(t *testing.T) {
	fs := &fakeStore{conn: &models.IncomingConnector{ID: "c1", UserID: "u1"}}
	ex := newExecutor(fs, &fakeRemote{})
	err := ex.ApplyThreadMessageActions(context.Background(), "u2", "c1", "t1", []Request{{Kind: KindMarkRead}})
	require.Error(t, err)
}

func TestApplyThreadMessageActions_MarkReadAppliesToAllThreadMessages(t *testing.T) {
	fs := &fakeStore{
		conn: &models.IncomingConnector{ID: "c1", UserID: "u1"},
		messages: []store.MessageRow{
			{ID: "m1", IncomingConnectorID: "c1", Mailbox: "INBOX", UID: 1, ThreadTag: "t1"},
			{ID: "m2", IncomingConnectorID: "c1", Mailbox: "INBOX", UID: 2, ThreadTag: "t1"},
		},
	}
	ex := newExecutor(fs, &fakeRemote{})
	err := ex.ApplyThreadMessageActions(context.Background(), "u1", "c1", "t1", []Request{{Kind: KindMarkRead}})
	require.NoError(t, err)
	assert.True(t, fs.messages[0].IsRead)
	assert.True(t, fs.messages[1].IsRead)
}

func TestApplyThreadMessageActions_RemoteFlagFailureRollsBackLocalState(t *testing.T) {
	fs := &fakeStore{
		conn:     &models.IncomingConnector{ID: "c1", UserID: "u1"},
		messages: []store.MessageRow{{ID: "m1", IncomingConnectorID: "c1", Mailbox: "INBOX", UID: 1, ThreadTag: "t1", IsRead: false}},
	}
	ex := newExecutor(fs, &fakeRemote{failFlags: true})
	err := ex.ApplyThreadMessageActions(context.Background(), "u1", "c1", "t1", []Request{{Kind: KindMarkRead}})
	require.Error(t, err)
	assert.False(t, fs.messages[0].IsRead)
}

func TestMoveMessageInMailbox_ReconcilesServerAssignedUID(t *testing.T) {
	fs := &fakeStore{
		conn:     &models.IncomingConnector{ID: "c1", UserID: "u1"},
		messages: []store.MessageRow{{ID: "m1", IncomingConnectorID: "c1", Mailbox: "INBOX", UID: 1, ThreadTag: "t1"}},
	}
	ex := newExecutor(fs, &fakeRemote{newUID: 99})
	err := ex.ApplyThreadMessageActions(context.Background(), "u1", "c1", "t1", []Request{{Kind: KindMove, DestMailbox: "ARCHIVE"}})
	require.NoError(t, err)
	assert.Equal(t, "ARCHIVE", fs.messages[0].Mailbox)
	assert.Equal(t, uint32(99), fs.messages[0].UID)
}

func TestMoveMessageInMailbox_RemoteFailureRollsBackToOriginalMailbox(t *testing.T) {
	fs := &fakeStore{
		conn:     &models.IncomingConnector{ID: "c1", UserID: "u1"},
		messages: []store.MessageRow{{ID: "m1", IncomingConnectorID: "c1", Mailbox: "INBOX", UID: 1, ThreadTag: "t1"}},
	}
	ex := newExecutor(fs, &fakeRemote{failMove: true})
	err := ex.ApplyThreadMessageActions(context.Background(), "u1", "c1", "t1", []Request{{Kind: KindMove, DestMailbox: "ARCHIVE"}})
	require.Error(t, err)
	assert.Equal(t, "INBOX", fs.messages[0].Mailbox)
}

func TestApplyThreadMessageActions_NoMessagesForThreadIsNotFound(t *testing.T) {
	fs := &fakeStore{conn: &models.IncomingConnector{ID: "c1", UserID: "u1"}}
	ex := newExecutor(fs, &fakeRemote{})
	err := ex.ApplyThreadMessageActions(context.Background(), "u1", "c1", "missing", []Request{{Kind: KindMarkRead}})
	require.Error(t, err)
}

func TestKindDelete_RemovesLocalRowAfterRemoteSucceeds(t *testing.T) {
	fs := &fakeStore{
		conn:     &models.IncomingConnector{ID: "c1", UserID: "u1"},
		messages: []store.MessageRow{{ID: "m1", IncomingConnectorID: "c1", Mailbox: "INBOX", UID: 1, ThreadTag: "t1"}},
	}
	ex := newExecutor(fs, &fakeRemote{})
	err := ex.ApplyThreadMessageActions(context.Background(), "u1", "c1", "t1", []Request{{Kind: KindDelete}})
	require.NoError(t, err)
	assert.Equal(t, []string{"INBOX"}, fs.deleted)
}
