package idlewatch

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"github.com/pkg/errors"

	"github.com/mailforge/syncengine/internal/guard"
	"github.com/mailforge/syncengine/internal/models"
)

// pollInterval bounds how long Poll waits for one STATUS reply before
// returning changed=false, giving the safety-net loop a chance to re-check
// context cancellation even against a server that never answers.
const pollInterval = 20 * time.Second

// RealDialer opens a persistent IMAP connection per (connector, mailbox)
// and polls its STATUS on an interval, since the CONDSTORE/IDLE extension
// package is not wired into this build (imapsync's RealDialer carries the
// same limitation for its own MODSEQ path).
type RealDialer struct{}

// NewRealDialer constructs a RealDialer.
func NewRealDialer() *RealDialer { return &RealDialer{} }

func (RealDialer) Dial(ctx context.Context, conn models.IncomingConnector, mailbox string) (Session, error) {
	if _, err := guard.ResolveSafeOutboundHost(ctx, conn.Host, "idle watch connector"); err != nil {
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

	switch conn.AuthConfig.Type {
	case models.AuthTypeOAuth2:
		err = c.Authenticate(sasl.NewXoauth2Client(conn.AuthConfig.Username, conn.AuthConfig.AccessToken))
	default:
		err = c.Login(conn.AuthConfig.Username, conn.AuthConfig.Password)
	}
	if err != nil {
		c.Logout()
		return nil, errors.Wrap(err, "imap authentication failed")
	}

	status, err := c.Status(mailbox, []imap.StatusItem{imap.StatusUidNext, imap.StatusMessages})
	if err != nil {
		c.Logout()
		return nil, errors.Wrapf(err, "failed to read status for mailbox %q", mailbox)
	}

	return &realSession{c: c, mailbox: mailbox, lastUIDNext: status.UidNext, lastCount: status.Messages}, nil
}

type realSession struct {
	c           *client.Client
	mailbox     string
	lastUIDNext uint32
	lastCount   uint32
}

func (s *realSession) Poll(ctx context.Context) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(safetyNetInterval):
	}

	done := make(chan struct{})
	var status *imap.MailboxStatus
	var err error
	go func() {
		status, err = s.c.Status(s.mailbox, []imap.StatusItem{imap.StatusUidNext, imap.StatusMessages})
		close(done)
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(pollInterval):
		return false, nil
	case <-done:
	}
	if err != nil {
		return false, errors.Wrap(err, "imap status poll failed")
	}

	changed := status.UidNext != s.lastUIDNext || status.Messages != s.lastCount
	s.lastUIDNext = status.UidNext
	s.lastCount = status.Messages
	return changed, nil
}

func (s *realSession) Close() error {
	return s.c.Logout()
}
