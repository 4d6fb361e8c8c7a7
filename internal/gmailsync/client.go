package gmailsync

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mailforge/syncengine/internal/models"
	"github.com/mailforge/syncengine/internal/oauthmgr"
)

const (
	listPageSize = 500
	// Gmail's per-user rate limit is 250 quota units/sec; messages.get costs
	// 5 units, so 50 req/sec of messages.get reaches that ceiling exactly.
	requestsPerSecond = 50
	maxAttempts       = 3
)

// RealDialer builds *gmail.Service clients authenticated via oauthmgr, one
// per connector, rate-limited to stay under Gmail's per-user quota.
type RealDialer struct {
	tokens *oauthmgr.Manager
}

// NewRealDialer constructs a RealDialer backed by the given token manager.
func NewRealDialer(tokens *oauthmgr.Manager) *RealDialer {
	return &RealDialer{tokens: tokens}
}

func (d *RealDialer) Dial(ctx context.Context, conn models.IncomingConnector) (API, error) {
	cfg, err := d.tokens.EnsureValidGoogleAccessToken(ctx, oauthmgr.KindIncoming, conn.ID, conn.AuthConfig, false)
	if err != nil {
		return nil, fmt.Errorf("refreshing gmail oauth token: %w", err)
	}

	svc, err := gmail.NewService(ctx,
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken})),
	)
	if err != nil {
		return nil, fmt.Errorf("constructing gmail service: %w", err)
	}

	return &realAPI{svc: svc, limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1)}, nil
}

// realAPI implements API against google.golang.org/api/gmail/v1.
type realAPI struct {
	svc     *gmail.Service
	limiter *rate.Limiter
}

func (a *realAPI) GetProfileHistoryID(ctx context.Context) (uint64, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	profile, err := a.svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("gmail users.getProfile: %w", err)
	}
	return profile.HistoryId, nil
}

func (a *realAPI) ListAllMessageIDs(ctx context.Context, pageToken string) ([]string, string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}
	call := a.svc.Users.Messages.List("me").MaxResults(listPageSize).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, "", fmt.Errorf("gmail users.messages.list: %w", err)
	}
	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	return ids, resp.NextPageToken, nil
}

func (a *realAPI) GetMessageMetadata(ctx context.Context, id string) (GmailMessage, error) {
	var msg *gmail.Message
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if werr := a.limiter.Wait(ctx); werr != nil {
			return GmailMessage{}, werr
		}
		msg, err = a.svc.Users.Messages.Get("me", id).
			Format("metadata").
			MetadataHeaders("Subject", "From", "To", "Message-Id", "In-Reply-To", "References").
			Context(ctx).Do()
		if err == nil {
			break
		}
		if !isRetryableGmailError(err) {
			return GmailMessage{}, fmt.Errorf("gmail users.messages.get %s: %w", id, err)
		}
		time.Sleep(backoff(attempt))
	}
	if err != nil {
		return GmailMessage{}, fmt.Errorf("gmail users.messages.get %s after retries: %w", id, err)
	}
	return toGmailMessage(msg), nil
}

func (a *realAPI) ListHistory(ctx context.Context, startHistoryID uint64, pageToken string) ([]HistoryEvent, string, uint64, bool, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, "", 0, false, err
	}
	call := a.svc.Users.History.List("me").
		StartHistoryId(startHistoryID).
		HistoryTypes("messageAdded", "messageDeleted", "labelAdded", "labelRemoved").
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		if gerr, ok := err.(*googleapi.Error); ok && gerr.Code == 404 {
			return nil, "", 0, true, nil
		}
		return nil, "", 0, false, fmt.Errorf("gmail users.history.list: %w", err)
	}

	var events []HistoryEvent
	seen := map[string]bool{}
	for _, h := range resp.History {
		for _, added := range h.MessagesAdded {
			if seen[added.Message.Id] {
				continue
			}
			seen[added.Message.Id] = true
			full, err := a.GetMessageMetadata(ctx, added.Message.Id)
			if err != nil {
				return nil, "", 0, false, err
			}
			events = append(events, HistoryEvent{MessageID: added.Message.Id, Message: &full})
		}
		for _, labelEv := range h.LabelsAdded {
			if seen[labelEv.Message.Id] {
				continue
			}
			seen[labelEv.Message.Id] = true
			full, err := a.GetMessageMetadata(ctx, labelEv.Message.Id)
			if err != nil {
				return nil, "", 0, false, err
			}
			events = append(events, HistoryEvent{MessageID: labelEv.Message.Id, Message: &full})
		}
		for _, labelEv := range h.LabelsRemoved {
			if seen[labelEv.Message.Id] {
				continue
			}
			seen[labelEv.Message.Id] = true
			full, err := a.GetMessageMetadata(ctx, labelEv.Message.Id)
			if err != nil {
				return nil, "", 0, false, err
			}
			events = append(events, HistoryEvent{MessageID: labelEv.Message.Id, Message: &full})
		}
		for _, removed := range h.MessagesDeleted {
			events = append(events, HistoryEvent{MessageID: removed.Message.Id, Deleted: true})
		}
	}
	return events, resp.NextPageToken, resp.HistoryId, false, nil
}

func toGmailMessage(msg *gmail.Message) GmailMessage {
	headers := map[string]string{}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			headers[h.Name] = h.Value
		}
	}
	gm := GmailMessage{
		ID:           msg.Id,
		ThreadID:     msg.ThreadId,
		LabelIDs:     msg.LabelIds,
		Snippet:      msg.Snippet,
		InternalDate: time.UnixMilli(msg.InternalDate),
		Subject:      headers["Subject"],
		FromAddress:  headers["From"],
		MessageID:    headers["Message-Id"],
		InReplyTo:    headers["In-Reply-To"],
	}
	if to := headers["To"]; to != "" {
		gm.ToAddresses = splitAddressList(to)
	}
	if refs := headers["References"]; refs != "" {
		gm.References = splitWhitespace(refs)
	}
	return gm
}

func splitAddressList(list string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(list); i++ {
		if i == len(list) || list[i] == ',' {
			if seg := trimSpace(list[start:i]); seg != "" {
				out = append(out, seg)
			}
			start = i + 1
		}
	}
	return out
}

func splitWhitespace(s string) []string {
	var out []string
	start := -1
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] != ' ' && s[i] != '\t' {
			if start == -1 {
				start = i
			}
			continue
		}
		if start != -1 {
			out = append(out, s[start:i])
			start = -1
		}
	}
	return out
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

func isRetryableGmailError(err error) bool {
	gerr, ok := err.(*googleapi.Error)
	if !ok {
		return true
	}
	return gerr.Code == 429 || gerr.Code >= 500
}

func backoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}
