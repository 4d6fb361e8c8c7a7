// Package sendpipeline composes and transmits outgoing mail through a
// user's outgoing connector, enforcing the send_idempotency ledger and a
// circuit-breaker-guarded retry policy in the shape
// internal/services/email_service.go used for its own read path. The only
// Transport in this tree is RealTransport, which speaks SMTP; nothing here
// sends through the Gmail REST API.
package sendpipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mailforge/syncengine/internal/idempotency"
	"github.com/mailforge/syncengine/internal/models"
	"github.com/mailforge/syncengine/internal/syncerr"
	"github.com/mailforge/syncengine/internal/threading"
)

// Attachment is one file attached to a composed message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ComposeRequest is everything a caller supplies to send one message.
type ComposeRequest struct {
	IdempotencyKey string
	To, CC, BCC    []string
	Subject        string
	BodyText       string
	BodyHTML       string
	InReplyTo      string
	References     []string
	Attachments    []Attachment
}

// Ledger is the subset of idempotency.Ledger the pipeline drives.
type Ledger interface {
	GetOrCreate(ctx context.Context, userID, idempotencyKey, identityID string, req idempotency.SendRequest) (idempotency.ClaimOutcome, *models.SendIdempotency, error)
	FinalizeSucceeded(ctx context.Context, userID, idempotencyKey string, result models.SendResult) error
	FinalizeFailed(ctx context.Context, userID, idempotencyKey, errMsg string) error
}

// Transport delivers a composed RFC 5322 message through one outgoing
// connector and, when configured, appends a copy to its Sent folder.
type Transport interface {
	Send(ctx context.Context, outgoing models.OutgoingConnector, from string, to []string, raw []byte) (providerMessageID string, err error)
	AppendSentCopy(ctx context.Context, outgoing models.OutgoingConnector, raw []byte) error
}

// EventEmitter mirrors eventbus.Bus.EmitSyncEvent, narrowed for testability.
type EventEmitter interface {
	EmitSyncEvent(ctx context.Context, userID, connectorID string, eventType models.SyncEventType, payload map[string]any) (*models.SyncEvent, error)
}

// idGenerator produces the unique local part of a composed Message-ID, so
// tests can substitute a deterministic one.
type idGenerator func() string

// Pipeline wires a Ledger, Transport and EventEmitter into sendThroughConnector.
type Pipeline struct {
	ledger    Ledger
	transport Transport
	events    EventEmitter
	logger    *zap.Logger

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	newID idGenerator
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRateLimit overrides the default outbound send rate limit.
func WithRateLimit(rps rate.Limit, burst int) Option {
	return func(p *Pipeline) { p.limiter = rate.NewLimiter(rps, burst) }
}

// New constructs a Pipeline. logger must not be nil.
func New(ledger Ledger, transport Transport, events EventEmitter, logger *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		ledger:    ledger,
		transport: transport,
		events:    events,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Limit(5), 10),
		newID:     func() string { return uuid.NewString() },
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sendpipeline",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("sendpipeline circuit breaker state change", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	for _, opt := range opts {
		opt(p)
	}
	return p
}

const maxSendAttempts = 3

// sendThroughConnector composes req into an RFC 5322 message and transmits
// it through outgoing on behalf of identity, enforcing the idempotency
// ledger and retrying transient transport failures behind a circuit
// breaker. A successful send that previously completed under the same
// idempotency key returns the cached result without re-sending.
func (p *Pipeline) sendThroughConnector(ctx context.Context, userID string, identity models.Identity, outgoing models.OutgoingConnector, req ComposeRequest) (*models.SendResult, error) {
	key := idempotency.NormalizeSendIdempotencyKey(req.IdempotencyKey)
	if key == "" {
		return nil, errors.Wrap(syncerr.ErrValidation, "idempotency key is required")
	}
	if len(req.To) == 0 {
		return nil, errors.Wrap(syncerr.ErrValidation, "at least one recipient is required")
	}

	threadTag := threading.ResolveThreadTag(threading.HeaderChain{
		InReplyTo:  req.InReplyTo,
		References: req.References,
	})
	messageID := fmt.Sprintf("<%s@%s>", p.newID(), hostPart(identity.EmailAddress))
	if threadTag == "" {
		threadTag = messageID
	}

	outcome, claimed, err := p.ledger.GetOrCreate(ctx, userID, key, identity.ID, idempotency.SendRequest{
		IdentityID:      identity.ID,
		To:              req.To,
		CC:              req.CC,
		BCC:             req.BCC,
		Subject:         req.Subject,
		BodyText:        req.BodyText,
		BodyHTML:        req.BodyHTML,
		InReplyTo:       req.InReplyTo,
		ThreadTag:       threadTag,
		AttachmentCount: len(req.Attachments),
	})
	if err != nil {
		return nil, err
	}

	switch outcome {
	case idempotency.ClaimReplaySucceeded:
		if claimed != nil && claimed.Result != nil {
			return claimed.Result, nil
		}
		return &models.SendResult{Accepted: true, MessageID: messageID, ThreadTag: threadTag}, nil
	case idempotency.ClaimInFlight:
		return nil, errors.Wrapf(syncerr.ErrConflict, "send %q is already in flight", key)
	}

	raw, err := composeMessage(identity, req, messageID, threadTag)
	if err != nil {
		finalizeErr := p.ledger.FinalizeFailed(ctx, userID, key, err.Error())
		return nil, errors.Wrap(multierr(err, finalizeErr), "failed to compose message")
	}

	recipients := append(append(append([]string{}, req.To...), req.CC...), req.BCC...)

	providerMessageID, sendErr := p.sendWithRetry(ctx, outgoing, identity.EmailAddress, recipients, raw)
	if sendErr != nil {
		if finalizeErr := p.ledger.FinalizeFailed(ctx, userID, key, sendErr.Error()); finalizeErr != nil {
			p.logger.Error("failed to finalize failed send", zap.Error(finalizeErr))
		}
		return nil, sendErr
	}
	if providerMessageID != "" {
		messageID = providerMessageID
	}

	result := models.SendResult{Accepted: true, MessageID: messageID, ThreadTag: threadTag}
	if outgoing.SentCopyBehavior.Mode != models.SentCopyNone {
		if copyErr := p.transport.AppendSentCopy(ctx, outgoing, raw); copyErr != nil {
			p.logger.Warn("failed to append sent copy", zap.Error(copyErr))
			result.SentCopyError = copyErr.Error()
		}
	}

	if err := p.ledger.FinalizeSucceeded(ctx, userID, key, result); err != nil {
		return nil, errors.Wrap(err, "failed to finalize succeeded send")
	}

	if p.events != nil {
		if _, emitErr := p.events.EmitSyncEvent(ctx, userID, outgoing.ID, models.EventSyncInfo, map[string]any{
			"kind": "message_sent", "threadTag": threadTag, "messageId": messageID,
		}); emitErr != nil {
			p.logger.Warn("failed to emit send event", zap.Error(emitErr))
		}
	}

	return &result, nil
}

// SendThroughConnector is the exported entry point; sendThroughConnector is
// kept unexported to match the rest of the sync engine's driver-function
// naming convention.
func (p *Pipeline) SendThroughConnector(ctx context.Context, userID string, identity models.Identity, outgoing models.OutgoingConnector, req ComposeRequest) (*models.SendResult, error) {
	return p.sendThroughConnector(ctx, userID, identity, outgoing, req)
}

func (p *Pipeline) sendWithRetry(ctx context.Context, outgoing models.OutgoingConnector, from string, to []string, raw []byte) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return "", errors.Wrap(err, "send rate limiter wait failed")
		}

		result, err := p.breaker.Execute(func() (any, error) {
			return p.transport.Send(ctx, outgoing, from, to, raw)
		})
		if err == nil {
			id, _ := result.(string)
			return id, nil
		}
		lastErr = err

		if !syncerr.IsTransient(err) || attempt == maxSendAttempts {
			break
		}

		delay := time.Duration(attempt) * 500 * time.Millisecond
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", errors.Wrap(lastErr, "send failed after retries")
}

func composeMessage(identity models.Identity, req ComposeRequest, messageID, threadTag string) ([]byte, error) {
	var h mail.Header
	h.SetAddressList("From", []*mail.Address{{Name: identity.DisplayName, Address: identity.EmailAddress}})
	h.SetAddressList("To", toAddresses(req.To))
	if len(req.CC) > 0 {
		h.SetAddressList("Cc", toAddresses(req.CC))
	}
	if identity.ReplyTo != "" {
		h.SetAddressList("Reply-To", []*mail.Address{{Address: identity.ReplyTo}})
	}
	h.SetSubject(req.Subject)
	h.SetDate(time.Now())
	h.SetMessageID(trimAngles(messageID))
	if req.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{trimAngles(req.InReplyTo)})
	}
	if len(req.References) > 0 {
		refs := make([]string, len(req.References))
		for i, r := range req.References {
			refs[i] = trimAngles(r)
		}
		h.SetMsgIDList("References", refs)
	}

	var buf bytes.Buffer
	w, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create mail writer")
	}

	if err := writeBody(w, req); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to close mail writer")
	}
	return buf.Bytes(), nil
}

func writeBody(w *mail.Writer, req ComposeRequest) error {
	if len(req.Attachments) == 0 {
		return writeInlineBody(w, req)
	}

	tw, err := w.CreateInline()
	if err != nil {
		return errors.Wrap(err, "failed to create inline part")
	}
	if err := writeInlineBodyInto(tw, req); err != nil {
		_ = tw.Close()
		return err
	}
	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "failed to close inline part")
	}

	for _, a := range req.Attachments {
		var ah mail.AttachmentHeader
		ah.SetFilename(a.Filename)
		ah.SetContentType(a.ContentType, nil)
		aw, err := w.CreateAttachment(ah)
		if err != nil {
			return errors.Wrapf(err, "failed to create attachment %s", a.Filename)
		}
		if _, err := aw.Write(a.Data); err != nil {
			_ = aw.Close()
			return errors.Wrapf(err, "failed to write attachment %s", a.Filename)
		}
		if err := aw.Close(); err != nil {
			return errors.Wrapf(err, "failed to close attachment %s", a.Filename)
		}
	}
	return nil
}

func writeInlineBody(w *mail.Writer, req ComposeRequest) error {
	tw, err := w.CreateInline()
	if err != nil {
		return errors.Wrap(err, "failed to create inline part")
	}
	if err := writeInlineBodyInto(tw, req); err != nil {
		_ = tw.Close()
		return err
	}
	return tw.Close()
}

func writeInlineBodyInto(tw *mail.InlineWriter, req ComposeRequest) error {
	if req.BodyText != "" {
		var th mail.InlineHeader
		th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		pw, err := tw.CreatePart(th)
		if err != nil {
			return errors.Wrap(err, "failed to create text/plain part")
		}
		if _, err := io.WriteString(pw, req.BodyText); err != nil {
			_ = pw.Close()
			return err
		}
		if err := pw.Close(); err != nil {
			return err
		}
	}
	if req.BodyHTML != "" {
		var th mail.InlineHeader
		th.SetContentType("text/html", map[string]string{"charset": "utf-8"})
		pw, err := tw.CreatePart(th)
		if err != nil {
			return errors.Wrap(err, "failed to create text/html part")
		}
		if _, err := io.WriteString(pw, req.BodyHTML); err != nil {
			_ = pw.Close()
			return err
		}
		if err := pw.Close(); err != nil {
			return err
		}
	}
	return nil
}

func toAddresses(addrs []string) []*mail.Address {
	out := make([]*mail.Address, len(addrs))
	for i, a := range addrs {
		out[i] = &mail.Address{Address: a}
	}
	return out
}

func trimAngles(id string) string {
	id = bytesTrim(id, "<")
	id = bytesTrim(id, ">")
	return id
}

func bytesTrim(s, cut string) string {
	if len(s) > 0 && s[:1] == cut {
		return s[1:]
	}
	if len(s) > 0 && s[len(s)-1:] == cut {
		return s[:len(s)-1]
	}
	return s
}

func hostPart(email string) string {
	for i := len(email) - 1; i >= 0; i-- {
		if email[i] == '@' {
			return email[i+1:]
		}
	}
	return "mailforge.local"
}

func multierr(a, b error) error {
	if b == nil {
		return a
	}
	return errors.Wrap(a, b.Error())
}
