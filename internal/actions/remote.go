package actions

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"github.com/pkg/errors"

	"github.com/mailforge/syncengine/internal/guard"
	"github.com/mailforge/syncengine/internal/models"
)

// RealRemoteMutator applies flag, label, move, and delete mutations
// directly over IMAP, dialing a short-lived connection per call the same
// way imapsync's RealDialer does for sync passes. It speaks IMAP only: a
// Gmail-API connector passed to it is dialed over IMAP like any other, and
// nothing in this tree mutates messages through the Gmail REST API.
type RealRemoteMutator struct{}

// NewRealRemoteMutator constructs a RealRemoteMutator.
func NewRealRemoteMutator() *RealRemoteMutator { return &RealRemoteMutator{} }

func (RealRemoteMutator) dial(ctx context.Context, conn *models.IncomingConnector, mailbox string) (*client.Client, error) {
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

	if _, err := c.Select(mailbox, false); err != nil {
		c.Logout()
		return nil, errors.Wrapf(err, "failed to select mailbox %q", mailbox)
	}
	return c, nil
}

func (m RealRemoteMutator) SetFlags(ctx context.Context, conn *models.IncomingConnector, mailbox string, uid uint32, isRead, isStarred *bool) error {
	c, err := m.dial(ctx, conn, mailbox)
	if err != nil {
		return err
	}
	defer c.Logout()

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	if isRead != nil {
		if err := storeFlag(c, seqSet, imap.SeenFlag, *isRead); err != nil {
			return err
		}
	}
	if isStarred != nil {
		if err := storeFlag(c, seqSet, imap.FlaggedFlag, *isStarred); err != nil {
			return err
		}
	}
	return nil
}

func storeFlag(c *client.Client, seqSet *imap.SeqSet, flag string, set bool) error {
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if !set {
		item = imap.FormatFlagsOp(imap.RemoveFlags, true)
	}
	return c.UidStore(seqSet, item, []interface{}{flag}, nil)
}

func (m RealRemoteMutator) ApplyLabels(ctx context.Context, conn *models.IncomingConnector, mailbox string, uid uint32, add, remove []string) error {
	c, err := m.dial(ctx, conn, mailbox)
	if err != nil {
		return err
	}
	defer c.Logout()

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	if len(add) > 0 {
		flags := make([]interface{}, len(add))
		for i, l := range add {
			flags[i] = l
		}
		if err := c.UidStore(seqSet, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
			return errors.Wrap(err, "failed to add labels")
		}
	}
	if len(remove) > 0 {
		flags := make([]interface{}, len(remove))
		for i, l := range remove {
			flags[i] = l
		}
		if err := c.UidStore(seqSet, imap.FormatFlagsOp(imap.RemoveFlags, true), flags, nil); err != nil {
			return errors.Wrap(err, "failed to remove labels")
		}
	}
	return nil
}

func (m RealRemoteMutator) MoveMessage(ctx context.Context, conn *models.IncomingConnector, mailbox string, uid uint32, destMailbox string) (uint32, error) {
	c, err := m.dial(ctx, conn, mailbox)
	if err != nil {
		return 0, err
	}
	defer c.Logout()

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	if err := c.UidMove(seqSet, destMailbox); err != nil {
		return 0, errors.Wrapf(err, "failed to move message to %q", destMailbox)
	}

	status, err := c.Select(destMailbox, false)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to reselect %q after move", destMailbox)
	}
	if status.UidNext > 0 {
		return status.UidNext - 1, nil
	}
	return uid, nil
}

func (m RealRemoteMutator) DeleteMessage(ctx context.Context, conn *models.IncomingConnector, mailbox string, uid uint32) error {
	c, err := m.dial(ctx, conn, mailbox)
	if err != nil {
		return err
	}
	defer c.Logout()

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	if err := c.UidStore(seqSet, imap.FormatFlagsOp(imap.AddFlags, true), []interface{}{imap.DeletedFlag}, nil); err != nil {
		return errors.Wrap(err, "failed to mark message deleted")
	}
	return c.Expunge(nil)
}
