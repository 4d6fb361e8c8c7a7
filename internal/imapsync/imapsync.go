// Package imapsync drives generic-IMAP and Gmail-over-IMAP mailbox
// synchronization: UIDVALIDITY-triggered full resync, MODSEQ-based
// incremental fetch when the server advertises CONDSTORE, and a
// UID-range-plus-tail-window fallback when it doesn't.
package imapsync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mailforge/syncengine/internal/gmailpath"
	"github.com/mailforge/syncengine/internal/models"
	"github.com/mailforge/syncengine/internal/store"
	"github.com/mailforge/syncengine/internal/syncerr"
	"github.com/mailforge/syncengine/internal/syncstate"
	"github.com/mailforge/syncengine/internal/threading"
)

// tailWindowSize is how many of the most recent messages are re-fetched on
// every incremental pass when the server has no MODSEQ support, to catch
// flag changes a UID-range fetch alone would miss.
const tailWindowSize = 50

// cancelCheckInterval bounds how often a long bootstrap pass re-reads the
// sync_states row to notice an operator-requested cancellation.
const cancelCheckInterval = 200

// FetchedMessage is one IMAP-fetched message, already parsed down to the
// fields the store needs.
type FetchedMessage struct {
	UID         uint32
	MessageID   string
	InReplyTo   string
	References  []string
	Subject     string
	FromAddress string
	ToAddresses []string
	Snippet     string
	IsRead      bool
	IsStarred   bool
	Labels      []string
	ReceivedAt  time.Time
}

// MailboxInfo is the subset of an IMAP SELECT response the driver needs to
// decide which sync strategy applies.
type MailboxInfo struct {
	UIDValidity   uint32
	UIDNext       uint32
	HasModSeq     bool
	HighestModSeq uint64
}

// MessageHandler receives each fetched message as it streams in, so a
// bootstrap of a large mailbox never has to buffer it all in memory.
type MessageHandler func(FetchedMessage) error

// Mailbox is a selected IMAP mailbox, abstracted so the sync algorithm can
// be tested without a real server.
type Mailbox interface {
	Info() MailboxInfo
	FetchAll(ctx context.Context, handle MessageHandler) error
	FetchSinceUID(ctx context.Context, sinceUID uint32, handle MessageHandler) error
	FetchChangedSinceModSeq(ctx context.Context, modseq uint64, handle MessageHandler) error
	FetchTailWindow(ctx context.Context, windowSize int, handle MessageHandler) error
	Close() error
}

// Dialer opens and selects a mailbox for one connector by the name the
// caller passes.
type Dialer interface {
	Dial(ctx context.Context, conn models.IncomingConnector, canonicalMailbox string) (Mailbox, error)
}

// SyncStateStore is the subset of syncstate.Store the driver needs.
type SyncStateStore interface {
	TryClaimMailboxSync(ctx context.Context, connectorID, mailbox string) (bool, error)
	SetSyncState(ctx context.Context, connectorID, mailbox string, fields syncstate.SetSyncStateFields) error
	GetSyncState(ctx context.Context, connectorID, mailbox string) (*models.SyncState, error)
}

// MessageStore is the subset of store.Store the driver needs.
type MessageStore interface {
	UpsertMessage(ctx context.Context, m store.UpsertMessageRow) error
}

// EventEmitter mirrors eventbus.Bus.EmitSyncEvent.
type EventEmitter interface {
	EmitSyncEvent(ctx context.Context, userID, connectorID string, eventType models.SyncEventType, payload map[string]any) (*models.SyncEvent, error)
}

// Driver wires a Dialer, SyncStateStore, MessageStore and EventEmitter
// together into runMailboxSync.
type Driver struct {
	dialer  Dialer
	states  SyncStateStore
	store   MessageStore
	events  EventEmitter
	logger  *zap.Logger
}

// New constructs a Driver. logger must not be nil.
func New(dialer Dialer, states SyncStateStore, msgStore MessageStore, events EventEmitter, logger *zap.Logger) *Driver {
	return &Driver{dialer: dialer, states: states, store: msgStore, events: events, logger: logger}
}

// RunMailboxSync is the exported entry point for runMailboxSync.
func (d *Driver) RunMailboxSync(ctx context.Context, userID string, conn models.IncomingConnector, mailbox string) error {
	return d.runMailboxSync(ctx, userID, conn, mailbox)
}

func (d *Driver) runMailboxSync(ctx context.Context, userID string, conn models.IncomingConnector, mailbox string) error {
	claimed, err := d.states.TryClaimMailboxSync(ctx, conn.ID, mailbox)
	if err != nil {
		return err
	}
	if !claimed {
		return syncerr.ErrAlreadyRunning
	}

	runErr := d.syncMailbox(ctx, userID, conn, mailbox)

	outcome, propagate := syncerr.ClassifyOutcome(runErr)
	status := models.SyncCompleted
	errMsg := ""
	switch outcome {
	case syncerr.OutcomeCancelled:
		status = models.SyncCancelled
	default:
		if propagate != nil {
			status = models.SyncError
			errMsg = propagate.Error()
		}
	}

	now := time.Now()
	if setErr := d.states.SetSyncState(ctx, conn.ID, mailbox, syncstate.SetSyncStateFields{
		Status: &status, SyncCompletedAt: &now, SyncError: &errMsg,
	}); setErr != nil {
		d.logger.Error("failed to record sync state after run", zap.Error(setErr))
	}

	if propagate != nil {
		return propagate
	}
	return nil
}

func (d *Driver) syncMailbox(ctx context.Context, userID string, conn models.IncomingConnector, mailbox string) error {
	canonical := mailbox
	if conn.IsGmailLike() {
		canonical = gmailpath.NormalizeGmailMailboxPath(mailbox)
	}

	mbox, err := d.dialer.Dial(ctx, conn, canonical)
	if err != nil {
		return syncerr.Transient("dial", err)
	}
	defer mbox.Close()

	info := mbox.Info()
	prior, err := d.states.GetSyncState(ctx, conn.ID, mailbox)
	if err != nil {
		return err
	}

	needsFullResync := prior == nil || prior.UIDValidity == nil || *prior.UIDValidity != info.UIDValidity
	progress := models.SyncProgress{}
	count := 0

	handle := func(msg FetchedMessage) error {
		if count > 0 && count%cancelCheckInterval == 0 {
			if cancelled, cerr := d.checkCancelled(ctx, conn.ID, mailbox); cerr != nil {
				return cerr
			} else if cancelled {
				return syncerr.ErrCancelled
			}
		}
		count++

		threadTag := threading.ResolveThreadTag(threading.HeaderChain{
			MessageID: msg.MessageID, InReplyTo: msg.InReplyTo, References: msg.References,
		})

		if err := d.store.UpsertMessage(ctx, store.UpsertMessageRow{
			ID:                  conn.ID + ":" + mailbox + ":" + uidString(msg.UID),
			IncomingConnectorID: conn.ID,
			Mailbox:             mailbox,
			UID:                 msg.UID,
			ThreadTag:           threadTag,
			Subject:             msg.Subject,
			Snippet:             msg.Snippet,
			FromAddress:         msg.FromAddress,
			ToAddresses:         msg.ToAddresses,
			IsRead:              msg.IsRead,
			IsStarred:           msg.IsStarred,
			Labels:              msg.Labels,
			ReceivedAt:          msg.ReceivedAt,
		}); err != nil {
			return err
		}
		progress.Inserted++

		if d.events != nil {
			if _, err := d.events.EmitSyncEvent(ctx, userID, conn.ID, models.EventMessageSynced, map[string]any{
				"mailbox": mailbox, "uid": msg.UID,
			}); err != nil {
				d.logger.Warn("failed to emit message synced event", zap.Error(err))
			}
		}
		return nil
	}

	switch {
	case needsFullResync:
		err = mbox.FetchAll(ctx, handle)
	case info.HasModSeq && prior.Modseq != nil:
		err = mbox.FetchChangedSinceModSeq(ctx, *prior.Modseq, handle)
	default:
		if err = mbox.FetchSinceUID(ctx, prior.HighestUID+1, handle); err == nil {
			err = mbox.FetchTailWindow(ctx, tailWindowSize, handle)
		}
	}
	if err != nil {
		return err
	}

	uidValidity := info.UIDValidity
	highestUID := info.UIDNext
	if highestUID > 0 {
		highestUID--
	}
	now := time.Now()
	var modseqPtr *uint64
	if info.HasModSeq {
		modseqPtr = &info.HighestModSeq
	}
	return d.states.SetSyncState(ctx, conn.ID, mailbox, syncstate.SetSyncStateFields{
		UIDValidity:         &uidValidity,
		HighestUID:          &highestUID,
		Modseq:              modseqPtr,
		LastFullReconcileAt: ifFullResync(needsFullResync, now),
		SyncProgress:        &progress,
	})
}

func ifFullResync(full bool, t time.Time) *time.Time {
	if !full {
		return nil
	}
	return &t
}

func (d *Driver) checkCancelled(ctx context.Context, connectorID, mailbox string) (bool, error) {
	st, err := d.states.GetSyncState(ctx, connectorID, mailbox)
	if err != nil {
		return false, err
	}
	return st != nil && st.Status == models.SyncCancelRequested, nil
}

func uidString(uid uint32) string {
	const hex = "0123456789abcdef"
	if uid == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for uid > 0 {
		i--
		buf[i] = hex[uid%16]
		uid /= 16
	}
	return string(buf[i:])
}
