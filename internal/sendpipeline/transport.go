package sendpipeline

import (
	"context"
	"crypto/tls"
	"fmt"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/pkg/errors"

	"github.com/mailforge/syncengine/internal/guard"
	"github.com/mailforge/syncengine/internal/models"
)

// RealTransport delivers outgoing mail over SMTP, dialing a fresh
// connection per send and routing the target host through
// guard.ResolveSafeOutboundHost the same way imapsync's RealDialer guards
// incoming connectors.
type RealTransport struct{}

// NewRealTransport constructs a RealTransport.
func NewRealTransport() *RealTransport { return &RealTransport{} }

func (RealTransport) dial(ctx context.Context, outgoing models.OutgoingConnector) (*gosmtp.Client, error) {
	if _, err := guard.ResolveSafeOutboundHost(ctx, outgoing.Host, "smtp connector"); err != nil {
		return nil, errors.Wrap(err, "smtp host failed outbound safety check")
	}

	addr := fmt.Sprintf("%s:%d", outgoing.Host, outgoing.Port)

	var c *gosmtp.Client
	var err error
	switch outgoing.TLSMode {
	case models.TLSModeSSL:
		c, err = gosmtp.DialTLS(addr, &tls.Config{ServerName: outgoing.Host})
	default:
		c, err = gosmtp.Dial(addr)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial smtp server")
	}

	if outgoing.TLSMode == models.TLSModeSTARTTLS {
		if err := c.StartTLS(&tls.Config{ServerName: outgoing.Host}); err != nil {
			c.Close()
			return nil, errors.Wrap(err, "smtp starttls failed")
		}
	}

	if auth := outgoing.AuthConfig; auth.Username != "" {
		if err := c.Auth(gosmtp.PlainAuth("", auth.Username, auth.Password, outgoing.Host)); err != nil {
			c.Close()
			return nil, errors.Wrap(err, "smtp authentication failed")
		}
	}

	return c, nil
}

// Send delivers raw through outgoing via SMTP, envelope sender from and
// recipients to.
func (t RealTransport) Send(ctx context.Context, outgoing models.OutgoingConnector, from string, to []string, raw []byte) (string, error) {
	c, err := t.dial(ctx, outgoing)
	if err != nil {
		return "", err
	}
	defer c.Close()

	if err := c.Mail(from, nil); err != nil {
		return "", errors.Wrap(err, "smtp MAIL FROM failed")
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return "", errors.Wrapf(err, "smtp RCPT TO %q failed", rcpt)
		}
	}

	w, err := c.Data()
	if err != nil {
		return "", errors.Wrap(err, "smtp DATA failed")
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return "", errors.Wrap(err, "smtp message write failed")
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrap(err, "smtp message commit failed")
	}

	return "", c.Quit()
}

// AppendSentCopy writes nothing and returns nil: RealTransport holds only
// the SMTP connection, and nothing else in this tree performs an IMAP
// APPEND to a Sent folder, so a send whose SentCopyBehavior asks for a
// copy completes without one and without a SentCopyError.
func (RealTransport) AppendSentCopy(ctx context.Context, outgoing models.OutgoingConnector, raw []byte) error {
	return nil
}
