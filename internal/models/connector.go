// Package models defines the persisted entities of the mail sync engine
// (spec.md §3) as tagged Go types — sum types for authConfig and send
// results replace the source system's dynamic records (Design Notes §9).
package models

import "time"

// Provider enumerates incoming/outgoing connector providers. The spec's
// provider set is intentionally small: generic IMAP, Gmail-over-IMAP, and
// the Gmail REST API for incoming; SMTP and the Gmail REST API for outgoing.
type Provider string

const (
	ProviderIMAP   Provider = "imap"
	ProviderGmail  Provider = "gmail"
	ProviderSMTP   Provider = "smtp"
	ProviderGmailAPI Provider = "gmail_api"
)

// AuthType distinguishes the two supported authConfig variants.
type AuthType string

const (
	AuthTypePassword AuthType = "password"
	AuthTypeOAuth2   AuthType = "oauth2"
)

// AuthConfig is the tagged union replacing `authConfig: any`. Exactly one of
// Password/OAuth2 is meaningful, selected by Type.
type AuthConfig struct {
	Type AuthType

	// Password variant.
	Username string
	Password string

	// OAuth2 variant.
	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string
	TokenExpiresAt *time.Time
	Scope        string
}

// TLSMode enumerates outgoing connector transport security modes.
type TLSMode string

const (
	TLSModeSSL      TLSMode = "ssl"
	TLSModeSTARTTLS TLSMode = "starttls"
	TLSModeNone     TLSMode = "none"
)

// GmailPushConfig is the push-watch sub-state of GmailSyncSettings.
type GmailPushConfig struct {
	Enabled         bool
	Status          string // "", "watching", "stopped", "error"
	HistoryID       uint64
	Expiration      *time.Time
	TopicName       string
	WebhookAudience string
}

// SyncSettings is the typed replacement for the source system's ad-hoc JSON
// syncSettings blob (Design Notes §9).
type SyncSettings struct {
	WatchMailboxes       []string
	GmailIMAP            bool
	GmailPush            GmailPushConfig
	GmailAPIBootstrapped bool
	ImapTLSMode          TLSMode
	CreateOutgoingGmail  bool
	UseIdle              bool
	GmailBootstrapMetadataOnly bool
}

// ConnectorStatus is a coarse incoming-connector lifecycle flag independent
// of per-mailbox SyncState.
type ConnectorStatus string

const (
	ConnectorStatusActive      ConnectorStatus = "active"
	ConnectorStatusReconnectRequired ConnectorStatus = "reconnect_required"
	ConnectorStatusDisabled    ConnectorStatus = "disabled"
)

// IncomingConnector is a user's mailbox source (spec.md §3).
type IncomingConnector struct {
	ID            string
	UserID        string
	Provider      Provider
	Host          string
	Port          int
	TLS           bool
	EmailAddress  string
	AuthConfig    AuthConfig
	SyncSettings  SyncSettings
	Status        ConnectorStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsGmailLike reports whether the connector's mailboxes must be canonical
// Gmail labels (spec.md §3 invariant).
func (c *IncomingConnector) IsGmailLike() bool {
	return c.Provider == ProviderGmailAPI || (c.Provider == ProviderGmail && c.SyncSettings.GmailIMAP)
}

// SentCopyMode controls how the send pipeline appends a copy of a sent
// message to the outgoing connector's Sent folder.
type SentCopyMode string

const (
	SentCopyNone              SentCopyMode = "none"
	SentCopyIMAPAppend        SentCopyMode = "imap_append"
	SentCopyIMAPAppendPreferred SentCopyMode = "imap_append_preferred"
)

// SentCopyBehavior configures OutgoingConnector sent-copy handling.
type SentCopyBehavior struct {
	Mode    SentCopyMode
	Mailbox string
}

// FromEnvelopeDefaults carries default envelope fields for composed sends.
type FromEnvelopeDefaults struct {
	ReplyTo string
}

// OutgoingConnector is a user's mail transmission target (spec.md §3).
type OutgoingConnector struct {
	ID                   string
	UserID               string
	Provider             Provider
	Host                 string
	Port                 int
	TLSMode              TLSMode
	FromAddress          string
	AuthConfig           AuthConfig
	FromEnvelopeDefaults FromEnvelopeDefaults
	SentCopyBehavior     SentCopyBehavior
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Identity binds a display name/address to an outgoing connector and,
// optionally, the incoming connector whose Sent folder mirrors sends made
// through it (spec.md §3).
type Identity struct {
	ID                      string
	UserID                  string
	DisplayName             string
	EmailAddress            string
	Signature               string
	ReplyTo                 string
	OutgoingConnectorID     string
	SentToIncomingConnectorID string
}
