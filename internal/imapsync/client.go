package imapsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"github.com/pkg/errors"

	"github.com/mailforge/syncengine/internal/guard"
	"github.com/mailforge/syncengine/internal/models"
)

// RealDialer opens actual IMAP connections via emersion/go-imap, routed
// through guard.ResolveSafeOutboundHost so a connector can never be used to
// reach a private or loopback-adjacent address.
type RealDialer struct{}

// NewRealDialer constructs a RealDialer.
func NewRealDialer() *RealDialer { return &RealDialer{} }

// Dial connects, authenticates and selects canonicalMailbox for conn under
// exactly that name. No canonical-to-server translation happens here or in
// the driver: for a Gmail-over-IMAP connector the driver passes the
// canonical id (for example SENT), which a server that lists the folder
// only under its [Gmail]/... path rejects at SELECT.
func (RealDialer) Dial(ctx context.Context, conn models.IncomingConnector, canonicalMailbox string) (Mailbox, error) {
	if _, err := guard.ResolveSafeOutboundHost(ctx, conn.Host, "imap connector"); err != nil {
		return nil, errors.Wrap(err, "imap host failed outbound safety check")
	}

	addr := fmt.Sprintf("%s:%d", conn.Host, conn.Port)
	var c *client.Client
	var err error
	if conn.TLS {
		c, err = client.DialTLS(addr, nil)
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial imap server")
	}

	if err := authenticate(c, conn.AuthConfig); err != nil {
		_ = c.Logout()
		return nil, errors.Wrap(err, "imap authentication failed")
	}

	status, err := c.Select(canonicalMailbox, false)
	if err != nil {
		_ = c.Logout()
		return nil, errors.Wrapf(err, "failed to select mailbox %q", canonicalMailbox)
	}

	return &realMailbox{c: c, mailbox: canonicalMailbox, status: status}, nil
}

func authenticate(c *client.Client, auth models.AuthConfig) error {
	switch auth.Type {
	case models.AuthTypeOAuth2:
		return c.Authenticate(sasl.NewXoauth2Client(auth.Username, auth.AccessToken))
	default:
		return c.Login(auth.Username, auth.Password)
	}
}

// realMailbox wraps a selected go-imap mailbox. CONDSTORE/MODSEQ support is
// not wired (it requires the separate ext/condstore extension package);
// Info always reports HasModSeq=false, so the driver takes the UID-range
// plus tail-window incremental path in production today.
type realMailbox struct {
	c       *client.Client
	mailbox string
	status  *imap.MailboxStatus
}

func (m *realMailbox) Info() MailboxInfo {
	return MailboxInfo{
		UIDValidity: m.status.UidValidity,
		UIDNext:     m.status.UidNext,
		HasModSeq:   false,
	}
}

func (m *realMailbox) Close() error {
	return m.c.Logout()
}

var fetchItems = []imap.FetchItem{
	imap.FetchUid, imap.FetchEnvelope, imap.FetchFlags, imap.FetchInternalDate, imap.FetchBodyStructure,
}

func (m *realMailbox) fetchUIDs(ctx context.Context, seqSet *imap.SeqSet, handle MessageHandler) error {
	messages := make(chan *imap.Message, 32)
	done := make(chan error, 1)
	go func() {
		done <- m.c.UidFetch(seqSet, fetchItems, messages)
	}()

	for msg := range messages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := handle(toFetchedMessage(msg)); err != nil {
			return err
		}
	}
	return <-done
}

func (m *realMailbox) FetchAll(ctx context.Context, handle MessageHandler) error {
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(1, 0)
	return m.fetchUIDs(ctx, seqSet, handle)
}

func (m *realMailbox) FetchSinceUID(ctx context.Context, sinceUID uint32, handle MessageHandler) error {
	if sinceUID == 0 {
		sinceUID = 1
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(sinceUID, 0)
	return m.fetchUIDs(ctx, seqSet, handle)
}

func (m *realMailbox) FetchChangedSinceModSeq(ctx context.Context, modseq uint64, handle MessageHandler) error {
	return errors.New("condstore modseq fetch is not wired: ext/condstore is not a dependency of this build")
}

func (m *realMailbox) FetchTailWindow(ctx context.Context, windowSize int, handle MessageHandler) error {
	if m.status.Messages == 0 {
		return nil
	}
	start := uint32(1)
	if int(m.status.Messages) > windowSize {
		start = m.status.Messages - uint32(windowSize) + 1
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(start, m.status.Messages)

	messages := make(chan *imap.Message, 32)
	done := make(chan error, 1)
	go func() {
		done <- m.c.Fetch(seqSet, fetchItems, messages)
	}()

	for msg := range messages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := handle(toFetchedMessage(msg)); err != nil {
			return err
		}
	}
	return <-done
}

func toFetchedMessage(msg *imap.Message) FetchedMessage {
	fm := FetchedMessage{UID: msg.Uid}
	if msg.Envelope != nil {
		fm.Subject = msg.Envelope.Subject
		fm.MessageID = msg.Envelope.MessageId
		fm.InReplyTo = msg.Envelope.InReplyTo
		if len(msg.Envelope.From) > 0 {
			fm.FromAddress = msg.Envelope.From[0].Address()
		}
		for _, to := range msg.Envelope.To {
			fm.ToAddresses = append(fm.ToAddresses, to.Address())
		}
		fm.ReceivedAt = msg.Envelope.Date
	}
	if msg.InternalDate.After(fm.ReceivedAt) {
		fm.ReceivedAt = msg.InternalDate
	}
	for _, flag := range msg.Flags {
		switch strings.ToLower(flag) {
		case "\\seen":
			fm.IsRead = true
		case "\\flagged":
			fm.IsStarred = true
		default:
			fm.Labels = append(fm.Labels, flag)
		}
	}
	return fm
}
