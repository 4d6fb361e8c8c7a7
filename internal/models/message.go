package models

import "time"

// ScanStatus enumerates attachment malware-scan verdicts (spec.md §3, §4.M).
type ScanStatus string

const (
	ScanPending    ScanStatus = "pending"
	ScanProcessing ScanStatus = "processing"
	ScanClean      ScanStatus = "clean"
	ScanInfected   ScanStatus = "infected"
	ScanSizeSkipped ScanStatus = "size_skipped"
	ScanDisabled   ScanStatus = "disabled"
	ScanFailed     ScanStatus = "failed"
	ScanMissing    ScanStatus = "missing"
	ScanError      ScanStatus = "error"
)

// Attachment is a message attachment with malware-scan metadata.
type Attachment struct {
	ID          string
	MessageID   string
	Filename    string
	ContentType string
	SizeBytes   int64
	Inline      bool
	ContentID   string
	BlobKey     string
	ScanStatus  ScanStatus
	ScanResult  string
}

// ProviderMeta carries Gmail-specific per-message metadata.
type ProviderMeta struct {
	GmailLabelIDs   []string
	GmailHistoryID  uint64
}

// Message is a synchronized mail message mirrored from a remote mailbox
// (spec.md §3). Uniqueness is (IncomingConnectorID, FolderPath, UID) when
// UID is present, or (IncomingConnectorID, FolderPath, GmailMessageID) for
// Gmail-sourced rows.
type Message struct {
	ID                  string
	IncomingConnectorID string
	FolderPath          string
	UID                 *uint32
	GmailMessageID      string
	GmailThreadID       string
	ThreadID            string
	MessageID           string // RFC-822 Message-ID header
	InReplyTo           string
	ReferencesHeader    string
	Subject             string
	FromHeader          string
	ToHeader            string
	Snippet             string
	ReceivedAt          time.Time
	IsRead              bool
	IsStarred           bool
	Flags               []string
	MailboxUIDValidity  *uint32
	RawBlobKey          string
	BodyText            string
	BodyHTML            string
	ProviderMeta        ProviderMeta
}

// HasBody reports whether the parsed body has been persisted.
func (m *Message) HasBody() bool {
	return m.BodyText != "" || m.BodyHTML != ""
}

// HasRaw reports whether the raw RFC-822 blob has been fetched and stored.
func (m *Message) HasRaw() bool {
	return m.RawBlobKey != ""
}

// SyncStatus enumerates the SyncState lifecycle (spec.md §3).
type SyncStatus string

const (
	SyncIdle            SyncStatus = "idle"
	SyncQueued          SyncStatus = "queued"
	SyncSyncing         SyncStatus = "syncing"
	SyncCancelRequested SyncStatus = "cancel_requested"
	SyncCancelled       SyncStatus = "cancelled"
	SyncCompleted       SyncStatus = "completed"
	SyncError           SyncStatus = "error"
)

// SyncProgress is the counters persisted alongside SyncState.
type SyncProgress struct {
	Inserted           int
	Updated            int
	ReconciledRemoved  int
	MetadataRefreshed  int
}

// SyncState is the per-(connector, mailbox) cursor and claim lease
// (spec.md §3).
type SyncState struct {
	IncomingConnectorID string
	Mailbox             string
	Status              SyncStatus
	UIDValidity         *uint32
	LastSeenUID         uint32
	HighestUID          uint32
	Modseq              *uint64
	LastFullReconcileAt *time.Time
	SyncStartedAt       *time.Time
	SyncCompletedAt     *time.Time
	SyncError           string
	SyncProgress        SyncProgress
	UpdatedAt           time.Time
}

// SyncEventType enumerates SyncEvent.eventType values (spec.md §3).
type SyncEventType string

const (
	EventMessageSynced       SyncEventType = "message_synced"
	EventMessageUpdated      SyncEventType = "message_updated"
	EventSyncCompleted       SyncEventType = "sync_completed"
	EventSyncCancelled       SyncEventType = "sync_cancelled"
	EventSyncCancelRequested SyncEventType = "sync_cancel_requested"
	EventSyncError           SyncEventType = "sync_error"
	EventSyncInfo            SyncEventType = "sync_info"
	EventMessageParsed       SyncEventType = "message_parsed"
)

// pushExcludedEventTypes are never forwarded to the browser-push fan-out
// (spec.md §4.D) — internal-only progress noise.
var pushExcludedEventTypes = map[SyncEventType]bool{
	EventMessageParsed: true,
}

// PushEligible reports whether this event type is forwarded to push
// subscribers.
func (t SyncEventType) PushEligible() bool {
	return !pushExcludedEventTypes[t]
}

// SyncEvent is one row of the append-only per-user event stream
// (spec.md §3, §4.D).
type SyncEvent struct {
	ID                  int64
	UserID              string
	IncomingConnectorID string
	EventType           SyncEventType
	Payload             map[string]any
	CreatedAt           time.Time
}

// OAuthState is a single-shot authorize-callback correlation row
// (spec.md §3).
type OAuthState struct {
	State             string
	UserID            string
	ConnectorType     string
	ConnectorID       string
	ConnectorPayload  map[string]any
	ExpiresAt         time.Time
}

// SendStatus enumerates the idempotency ledger state machine (spec.md §3,
// §4.L).
type SendStatus string

const (
	SendPending    SendStatus = "pending"
	SendProcessing SendStatus = "processing"
	SendSucceeded  SendStatus = "succeeded"
	SendFailed     SendStatus = "failed"
)

// SendIdempotency is one row of the send_idempotency ledger (spec.md §3).
type SendIdempotency struct {
	UserID         string
	IdempotencyKey string
	IdentityID     string
	RequestHash    string
	Status         SendStatus
	Attempts       int
	Result         *SendResult
	ErrorMessage   string
	ExpiresAt      time.Time
	UpdatedAt      time.Time
}

// SendResult is the tagged result of a successful send (Design Notes §9
// replaces an untyped SendResult with this struct).
type SendResult struct {
	Accepted      bool
	MessageID     string
	ThreadTag     string
	SentCopyError string
}

// PushSubscription is a registered browser push endpoint (spec.md §3).
type PushSubscription struct {
	UserID    string
	Endpoint  string
	P256DH    string
	Auth      string
	UserAgent string
}
