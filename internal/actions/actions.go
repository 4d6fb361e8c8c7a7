// Package actions applies user-initiated mutations (read/star/move/delete/
// label) to synced messages: the local row is updated optimistically, the
// remote mailbox mutation is attempted, and a remote failure rolls the
// local row back rather than leaving the two out of sync.
package actions

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mailforge/syncengine/internal/models"
	"github.com/mailforge/syncengine/internal/store"
	"github.com/mailforge/syncengine/internal/syncerr"
)

// Kind enumerates the mutation types a thread/message action request may
// carry.
type Kind string

const (
	KindMarkRead     Kind = "mark_read"
	KindMarkUnread   Kind = "mark_unread"
	KindStar         Kind = "star"
	KindUnstar       Kind = "unstar"
	KindMove         Kind = "move"
	KindDelete       Kind = "delete"
	KindAddLabel     Kind = "add_label"
	KindRemoveLabel  Kind = "remove_label"
)

// Request is one requested mutation. DestMailbox is read for KindMove,
// Label for KindAddLabel/KindRemoveLabel.
type Request struct {
	Kind        Kind
	DestMailbox string
	Label       string
}

// RemoteMutator performs the actual IMAP/Gmail-side mutation for one
// message. The production implementation is RealRemoteMutator (remote.go),
// which dials IMAP per call.
type RemoteMutator interface {
	SetFlags(ctx context.Context, conn *models.IncomingConnector, mailbox string, uid uint32, isRead, isStarred *bool) error
	ApplyLabels(ctx context.Context, conn *models.IncomingConnector, mailbox string, uid uint32, add, remove []string) error
	MoveMessage(ctx context.Context, conn *models.IncomingConnector, mailbox string, uid uint32, destMailbox string) (newUID uint32, err error)
	DeleteMessage(ctx context.Context, conn *models.IncomingConnector, mailbox string, uid uint32) error
}

// MessageStore is the subset of store.Store the executor needs, narrowed
// for test substitution.
type MessageStore interface {
	GetIncomingConnector(ctx context.Context, id, userID string) (*models.IncomingConnector, error)
	ListMessagesByThreadTag(ctx context.Context, connectorID, threadTag string) ([]store.MessageRow, error)
	GetMessage(ctx context.Context, connectorID, mailbox string, uid uint32) (*store.MessageRow, error)
	SetMessageFlags(ctx context.Context, connectorID, mailbox string, uid uint32, isRead, isStarred *bool) error
	SetMessageLabels(ctx context.Context, connectorID, mailbox string, uid uint32, labels []string) error
	MoveMessageMailbox(ctx context.Context, connectorID, oldMailbox string, oldUID uint32, newMailbox string, newUID uint32) error
	DeleteMessage(ctx context.Context, connectorID, mailbox string, uid uint32) error
}

// EventEmitter mirrors eventbus.Bus.EmitSyncEvent.
type EventEmitter interface {
	EmitSyncEvent(ctx context.Context, userID, connectorID string, eventType models.SyncEventType, payload map[string]any) (*models.SyncEvent, error)
}

// Executor applies Request batches to synced threads/messages.
type Executor struct {
	store  MessageStore
	remote RemoteMutator
	events EventEmitter
	logger *zap.Logger
}

// New constructs an Executor. logger must not be nil.
func New(store MessageStore, remote RemoteMutator, events EventEmitter, logger *zap.Logger) *Executor {
	return &Executor{store: store, remote: remote, events: events, logger: logger}
}

// ApplyThreadMessageActions verifies the caller owns connectorID, then
// applies every action in reqs to every message sharing threadTag within
// it. Actions are applied message-by-message, action-by-action; a failure
// partway through leaves earlier successful mutations in place (each one
// already rolled back its own failure) and returns the first error.
func (e *Executor) ApplyThreadMessageActions(ctx context.Context, userID, connectorID, threadTag string, reqs []Request) error {
	return e.applyThreadMessageActions(ctx, userID, connectorID, threadTag, reqs)
}

func (e *Executor) applyThreadMessageActions(ctx context.Context, userID, connectorID, threadTag string, reqs []Request) error {
	conn, err := e.store.GetIncomingConnector(ctx, connectorID, userID)
	if err != nil {
		return err
	}
	if conn == nil {
		return errors.Wrapf(syncerr.ErrNotFound, "connector %q not owned by caller", connectorID)
	}

	messages, err := e.store.ListMessagesByThreadTag(ctx, connectorID, threadTag)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return errors.Wrapf(syncerr.ErrNotFound, "no messages found for thread %q", threadTag)
	}

	for _, msg := range messages {
		for _, req := range reqs {
			if err := e.applyOne(ctx, conn, msg, req); err != nil {
				return errors.Wrapf(err, "applying %s to message %s", req.Kind, msg.ID)
			}
		}
	}

	if e.events != nil {
		if _, err := e.events.EmitSyncEvent(ctx, userID, connectorID, models.EventMessageUpdated, map[string]any{
			"threadTag": threadTag, "messageCount": len(messages),
		}); err != nil {
			e.logger.Warn("failed to emit thread action event", zap.Error(err))
		}
	}
	return nil
}

func (e *Executor) applyOne(ctx context.Context, conn *models.IncomingConnector, msg store.MessageRow, req Request) error {
	switch req.Kind {
	case KindMarkRead:
		return e.setFlag(ctx, conn, msg, boolPtr(true), nil)
	case KindMarkUnread:
		return e.setFlag(ctx, conn, msg, boolPtr(false), nil)
	case KindStar:
		return e.setFlag(ctx, conn, msg, nil, boolPtr(true))
	case KindUnstar:
		return e.setFlag(ctx, conn, msg, nil, boolPtr(false))
	case KindAddLabel:
		return e.updateLabels(ctx, conn, msg, []string{req.Label}, nil)
	case KindRemoveLabel:
		return e.updateLabels(ctx, conn, msg, nil, []string{req.Label})
	case KindMove:
		return e.moveMessageInMailbox(ctx, conn, msg, req.DestMailbox)
	case KindDelete:
		return e.deleteMessage(ctx, conn, msg)
	default:
		return errors.Errorf("unknown action kind %q", req.Kind)
	}
}

func (e *Executor) setFlag(ctx context.Context, conn *models.IncomingConnector, msg store.MessageRow, isRead, isStarred *bool) error {
	if err := e.store.SetMessageFlags(ctx, conn.ID, msg.Mailbox, msg.UID, isRead, isStarred); err != nil {
		return err
	}
	if err := e.remote.SetFlags(ctx, conn, msg.Mailbox, msg.UID, isRead, isStarred); err != nil {
		prevRead, prevStarred := msg.IsRead, msg.IsStarred
		if rbErr := e.store.SetMessageFlags(ctx, conn.ID, msg.Mailbox, msg.UID, &prevRead, &prevStarred); rbErr != nil {
			e.logger.Error("failed to roll back flag update", zap.Error(rbErr))
		}
		return errors.Wrap(err, "remote flag update failed")
	}
	return nil
}

func (e *Executor) updateLabels(ctx context.Context, conn *models.IncomingConnector, msg store.MessageRow, add, remove []string) error {
	next := applyLabelDelta(msg.Labels, add, remove)
	if err := e.store.SetMessageLabels(ctx, conn.ID, msg.Mailbox, msg.UID, next); err != nil {
		return err
	}
	if err := e.remote.ApplyLabels(ctx, conn, msg.Mailbox, msg.UID, add, remove); err != nil {
		if rbErr := e.store.SetMessageLabels(ctx, conn.ID, msg.Mailbox, msg.UID, msg.Labels); rbErr != nil {
			e.logger.Error("failed to roll back label update", zap.Error(rbErr))
		}
		return errors.Wrap(err, "remote label update failed")
	}
	return nil
}

func applyLabelDelta(current, add, remove []string) []string {
	set := make(map[string]bool, len(current))
	for _, l := range current {
		set[l] = true
	}
	for _, l := range remove {
		delete(set, l)
	}
	for _, l := range add {
		set[l] = true
	}
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	return out
}

// moveMessageInMailbox relocates msg to destMailbox: the local row is
// updated first under msg's existing UID (a placeholder until the remote
// move returns the server-assigned UID in the destination mailbox), then
// the remote move is attempted. A remote failure restores the original
// mailbox; a remote success that returns a different UID reconciles the
// local row to it.
func (e *Executor) moveMessageInMailbox(ctx context.Context, conn *models.IncomingConnector, msg store.MessageRow, destMailbox string) error {
	if destMailbox == "" {
		return errors.Wrap(syncerr.ErrValidation, "destination mailbox is required")
	}
	original := msg.Mailbox

	if err := e.store.MoveMessageMailbox(ctx, conn.ID, original, msg.UID, destMailbox, msg.UID); err != nil {
		return err
	}

	newUID, err := e.remote.MoveMessage(ctx, conn, original, msg.UID, destMailbox)
	if err != nil {
		if rbErr := e.store.MoveMessageMailbox(ctx, conn.ID, destMailbox, msg.UID, original, msg.UID); rbErr != nil {
			e.logger.Error("failed to roll back message move", zap.Error(rbErr))
		}
		return errors.Wrap(err, "remote move failed")
	}

	if newUID != 0 && newUID != msg.UID {
		if err := e.store.MoveMessageMailbox(ctx, conn.ID, destMailbox, msg.UID, destMailbox, newUID); err != nil {
			return errors.Wrap(err, "failed to reconcile moved message uid")
		}
	}
	return nil
}

// deleteMessage removes msg remotely first, then locally: an interrupted
// delete leaves the local row intact (it will simply be re-synced) rather
// than pointing at a message that no longer exists on the server.
func (e *Executor) deleteMessage(ctx context.Context, conn *models.IncomingConnector, msg store.MessageRow) error {
	if err := e.remote.DeleteMessage(ctx, conn, msg.Mailbox, msg.UID); err != nil {
		return errors.Wrap(err, "remote delete failed")
	}
	if err := e.store.DeleteMessage(ctx, conn.ID, msg.Mailbox, msg.UID); err != nil {
		return errors.Wrap(err, "failed to delete local message row")
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }
