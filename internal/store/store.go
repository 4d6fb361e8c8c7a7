// Package store is the Postgres persistence layer for connectors,
// messages, OAuth state, and push subscriptions. It follows the teacher
// repository's prepared-statement-plus-metrics shape, without the sharding
// layer: this service runs a single logical database per deployment.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mailforge/syncengine/internal/models"
	"github.com/mailforge/syncengine/internal/oauthmgr"
)

const (
	maxRetries   = 3
	retryBackoff = 100 * time.Millisecond
)

var (
	storeOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "syncengine_store_operation_duration_seconds",
		Help: "Duration of store layer operations.",
	}, []string{"operation"})

	storeOperationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncengine_store_operation_errors_total",
		Help: "Total store layer operation errors.",
	}, []string{"operation"})
)

// Store is the persistence layer shared by the HTTP handlers and sync
// drivers.
type Store struct {
	db    *sql.DB
	stmts map[string]*sql.Stmt
}

// New opens the prepared statements used by Store. db must already be
// connected.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	stmts, err := prepareStatements(db)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare store statements")
	}
	return &Store{db: db, stmts: stmts}, nil
}

// Close releases all prepared statements.
func (s *Store) Close() error {
	for _, stmt := range s.stmts {
		if err := stmt.Close(); err != nil {
			return errors.Wrap(err, "failed to close prepared statement")
		}
	}
	return nil
}

func observe(op string) func() {
	timer := prometheus.NewTimer(storeOperationDuration.WithLabelValues(op))
	return func() { timer.ObserveDuration() }
}

func (s *Store) beginTx(ctx context.Context) (*sql.Tx, error) {
	var tx *sql.Tx
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * retryBackoff)
		}
		tx, err = s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
		if err == nil {
			return tx, nil
		}
		if !isRetryableError(err) {
			return nil, err
		}
	}
	return nil, errors.Wrap(err, "max retries exceeded beginning transaction")
}

func isRetryableError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return false
}

const (
	stmtInsertIncomingConnector = "insert_incoming_connector"
	stmtGetIncomingConnector    = "get_incoming_connector"
	stmtDeleteMessagesForConn   = "delete_messages_for_connector"
	stmtDeleteSyncStatesForConn = "delete_sync_states_for_connector"
	stmtDeleteIncomingConnector = "delete_incoming_connector"
	stmtUpsertMessage           = "upsert_message"
	stmtDeleteMessage           = "delete_message"
	stmtInsertOAuthState        = "insert_oauth_state"
	stmtDeleteOAuthStateReturn  = "delete_oauth_state_returning"
	stmtUpsertPushSubscription  = "upsert_push_subscription"
	stmtDeletePushSubscription  = "delete_push_subscription"
	stmtListMessagesByThreadTag = "list_messages_by_thread_tag"
	stmtGetMessage              = "get_message"
	stmtSetMessageFlags         = "set_message_flags"
	stmtSetMessageLabels        = "set_message_labels"
	stmtMoveMessageMailbox      = "move_message_mailbox"
	stmtListIdleEligibleConnectors = "list_idle_eligible_connectors"
	stmtUpdateIncomingConnectorAuth = "update_incoming_connector_auth"
)

func prepareStatements(db *sql.DB) (map[string]*sql.Stmt, error) {
	queries := map[string]string{
		stmtInsertIncomingConnector: `
			INSERT INTO incoming_connectors (
				id, user_id, provider, auth_type, auth_config, sync_settings, status, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, NOW(), NOW())`,
		stmtGetIncomingConnector: `
			SELECT id, user_id, provider, auth_type, auth_config, sync_settings, status
			FROM incoming_connectors
			WHERE id = $1 AND user_id = $2`,
		stmtDeleteMessagesForConn: `DELETE FROM messages WHERE incoming_connector_id = $1`,
		stmtDeleteSyncStatesForConn: `DELETE FROM sync_states WHERE incoming_connector_id = $1`,
		stmtDeleteIncomingConnector: `DELETE FROM incoming_connectors WHERE id = $1 AND user_id = $2`,
		stmtUpsertMessage: `
			INSERT INTO messages (
				id, incoming_connector_id, mailbox, uid, thread_tag, subject, snippet,
				from_address, to_addresses, is_read, is_starred, labels, received_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
			ON CONFLICT (incoming_connector_id, mailbox, uid) DO UPDATE SET
				thread_tag = EXCLUDED.thread_tag,
				subject = EXCLUDED.subject,
				snippet = EXCLUDED.snippet,
				is_read = EXCLUDED.is_read,
				is_starred = EXCLUDED.is_starred,
				labels = EXCLUDED.labels,
				updated_at = NOW()`,
		stmtDeleteMessage: `DELETE FROM messages WHERE incoming_connector_id = $1 AND mailbox = $2 AND uid = $3`,
		stmtInsertOAuthState: `
			INSERT INTO oauth_states (state, user_id, connector_type, connector_id, connector_payload, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5::jsonb, NOW(), $6)`,
		stmtDeleteOAuthStateReturn: `
			DELETE FROM oauth_states WHERE state = $1
			RETURNING state, user_id, connector_type, connector_id, connector_payload, expires_at`,
		stmtUpsertPushSubscription: `
			INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth, user_agent, created_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (user_id, endpoint) DO UPDATE SET
				p256dh = EXCLUDED.p256dh,
				auth = EXCLUDED.auth,
				user_agent = EXCLUDED.user_agent`,
		stmtDeletePushSubscription: `DELETE FROM push_subscriptions WHERE user_id = $1 AND endpoint = $2`,
		stmtListMessagesByThreadTag: `
			SELECT id, incoming_connector_id, mailbox, uid, thread_tag, is_read, is_starred, labels
			FROM messages
			WHERE incoming_connector_id = $1 AND thread_tag = $2
			ORDER BY received_at ASC`,
		stmtGetMessage: `
			SELECT id, incoming_connector_id, mailbox, uid, thread_tag, is_read, is_starred, labels
			FROM messages
			WHERE incoming_connector_id = $1 AND mailbox = $2 AND uid = $3`,
		stmtSetMessageFlags: `
			UPDATE messages SET is_read = COALESCE($4, is_read), is_starred = COALESCE($5, is_starred), updated_at = NOW()
			WHERE incoming_connector_id = $1 AND mailbox = $2 AND uid = $3`,
		stmtSetMessageLabels: `
			UPDATE messages SET labels = $4, updated_at = NOW()
			WHERE incoming_connector_id = $1 AND mailbox = $2 AND uid = $3`,
		stmtMoveMessageMailbox: `
			UPDATE messages SET mailbox = $4, uid = $5, updated_at = NOW()
			WHERE incoming_connector_id = $1 AND mailbox = $2 AND uid = $3`,
		stmtListIdleEligibleConnectors: `
			SELECT id, user_id, provider, auth_type, auth_config, sync_settings, status
			FROM incoming_connectors
			WHERE status = 'active' AND sync_settings->>'UseIdle' = 'true'`,
		stmtUpdateIncomingConnectorAuth: `
			UPDATE incoming_connectors SET auth_type = $2, auth_config = $3::jsonb, updated_at = NOW()
			WHERE id = $1`,
	}

	prepared := make(map[string]*sql.Stmt, len(queries))
	for name, query := range queries {
		stmt, err := db.Prepare(query)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to prepare statement %s", name)
		}
		prepared[name] = stmt
	}
	return prepared, nil
}

// CreateIncomingConnector inserts a new connector row.
func (s *Store) CreateIncomingConnector(ctx context.Context, c models.IncomingConnector) error {
	defer observe("create_incoming_connector")()

	authJSON, err := json.Marshal(c.AuthConfig)
	if err != nil {
		storeOperationErrors.WithLabelValues("create_incoming_connector").Inc()
		return errors.Wrap(err, "failed to marshal auth config")
	}
	syncJSON, err := json.Marshal(c.SyncSettings)
	if err != nil {
		storeOperationErrors.WithLabelValues("create_incoming_connector").Inc()
		return errors.Wrap(err, "failed to marshal sync settings")
	}

	_, err = s.stmts[stmtInsertIncomingConnector].ExecContext(ctx,
		c.ID, c.UserID, string(c.Provider), string(c.AuthConfig.Type), authJSON, syncJSON, string(c.Status))
	if err != nil {
		storeOperationErrors.WithLabelValues("create_incoming_connector").Inc()
		return errors.Wrap(err, "failed to insert incoming connector")
	}
	return nil
}

// GetIncomingConnector loads one connector scoped to its owning user.
func (s *Store) GetIncomingConnector(ctx context.Context, id, userID string) (*models.IncomingConnector, error) {
	defer observe("get_incoming_connector")()

	var c models.IncomingConnector
	var provider, authType, status string
	var authJSON, syncJSON []byte

	err := s.stmts[stmtGetIncomingConnector].QueryRowContext(ctx, id, userID).Scan(
		&c.ID, &c.UserID, &provider, &authType, &authJSON, &syncJSON, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		storeOperationErrors.WithLabelValues("get_incoming_connector").Inc()
		return nil, errors.Wrap(err, "failed to get incoming connector")
	}

	c.Provider = models.Provider(provider)
	c.Status = models.ConnectorStatus(status)
	if err := json.Unmarshal(authJSON, &c.AuthConfig); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal auth config")
	}
	if err := json.Unmarshal(syncJSON, &c.SyncSettings); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal sync settings")
	}
	return &c, nil
}

// DeleteIncomingConnector removes a connector and everything scoped to it
// (messages, sync state) in one transaction, since Postgres foreign keys
// alone can't express the cross-shard cleanup the teacher's sharded design
// would have needed -- here it's a single DB, so a transaction suffices.
func (s *Store) DeleteIncomingConnector(ctx context.Context, id, userID string) error {
	defer observe("delete_incoming_connector")()

	tx, err := s.beginTx(ctx)
	if err != nil {
		storeOperationErrors.WithLabelValues("delete_incoming_connector").Inc()
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.StmtContext(ctx, s.stmts[stmtDeleteMessagesForConn]).ExecContext(ctx, id); err != nil {
		storeOperationErrors.WithLabelValues("delete_incoming_connector").Inc()
		return errors.Wrap(err, "failed to delete connector messages")
	}
	if _, err := tx.StmtContext(ctx, s.stmts[stmtDeleteSyncStatesForConn]).ExecContext(ctx, id); err != nil {
		storeOperationErrors.WithLabelValues("delete_incoming_connector").Inc()
		return errors.Wrap(err, "failed to delete connector sync states")
	}
	res, err := tx.StmtContext(ctx, s.stmts[stmtDeleteIncomingConnector]).ExecContext(ctx, id, userID)
	if err != nil {
		storeOperationErrors.WithLabelValues("delete_incoming_connector").Inc()
		return errors.Wrap(err, "failed to delete connector")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}

	if err := tx.Commit(); err != nil {
		storeOperationErrors.WithLabelValues("delete_incoming_connector").Inc()
		return errors.Wrap(err, "failed to commit connector deletion")
	}
	return nil
}

// PersistAuthConfig implements oauthmgr.Persister, writing a refreshed auth
// config back to its owning connector. Outgoing-connector persistence
// isn't modeled yet (send requests carry their connector inline), so a
// KindOutgoing write is a no-op rather than an error.
func (s *Store) PersistAuthConfig(ctx context.Context, kind oauthmgr.ConnectorKind, connectorID string, cfg models.AuthConfig) error {
	defer observe("persist_auth_config")()

	if kind != oauthmgr.KindIncoming {
		return nil
	}

	authJSON, err := json.Marshal(cfg)
	if err != nil {
		storeOperationErrors.WithLabelValues("persist_auth_config").Inc()
		return errors.Wrap(err, "failed to marshal auth config")
	}

	_, err = s.stmts[stmtUpdateIncomingConnectorAuth].ExecContext(ctx, connectorID, string(cfg.Type), authJSON)
	if err != nil {
		storeOperationErrors.WithLabelValues("persist_auth_config").Inc()
		return errors.Wrap(err, "failed to persist refreshed auth config")
	}
	return nil
}

// UpsertMessageRow is the subset of models.Message persisted by
// UpsertMessage, narrowed to the columns a sync driver actually fills in
// per pass (metadata-first bootstrap leaves others for later hydration).
type UpsertMessageRow struct {
	ID                  string
	IncomingConnectorID string
	Mailbox             string
	UID                 uint32
	ThreadTag           string
	Subject             string
	Snippet             string
	FromAddress         string
	ToAddresses         []string
	IsRead              bool
	IsStarred           bool
	Labels              []string
	ReceivedAt          time.Time
}

// UpsertMessage inserts or refreshes one message row, keyed by
// (connector, mailbox, uid).
func (s *Store) UpsertMessage(ctx context.Context, m UpsertMessageRow) error {
	defer observe("upsert_message")()

	_, err := s.stmts[stmtUpsertMessage].ExecContext(ctx,
		m.ID, m.IncomingConnectorID, m.Mailbox, m.UID, m.ThreadTag, m.Subject, m.Snippet,
		m.FromAddress, pq.Array(m.ToAddresses), m.IsRead, m.IsStarred, pq.Array(m.Labels), m.ReceivedAt)
	if err != nil {
		storeOperationErrors.WithLabelValues("upsert_message").Inc()
		return errors.Wrap(err, "failed to upsert message")
	}
	return nil
}

// DeleteMessage removes one message row (e.g. after an IMAP EXPUNGE or a
// Gmail history "messageDeleted" event).
func (s *Store) DeleteMessage(ctx context.Context, connectorID, mailbox string, uid uint32) error {
	defer observe("delete_message")()

	_, err := s.stmts[stmtDeleteMessage].ExecContext(ctx, connectorID, mailbox, uid)
	if err != nil {
		storeOperationErrors.WithLabelValues("delete_message").Inc()
		return errors.Wrap(err, "failed to delete message")
	}
	return nil
}

// InsertOAuthState records a pending OAuth authorization-code flow.
func (s *Store) InsertOAuthState(ctx context.Context, state models.OAuthState) error {
	defer observe("insert_oauth_state")()

	payloadJSON, err := json.Marshal(state.ConnectorPayload)
	if err != nil {
		storeOperationErrors.WithLabelValues("insert_oauth_state").Inc()
		return errors.Wrap(err, "failed to marshal oauth state payload")
	}

	_, err = s.stmts[stmtInsertOAuthState].ExecContext(ctx,
		state.State, state.UserID, state.ConnectorType, state.ConnectorID, payloadJSON, state.ExpiresAt)
	if err != nil {
		storeOperationErrors.WithLabelValues("insert_oauth_state").Inc()
		return errors.Wrap(err, "failed to insert oauth state")
	}
	return nil
}

// ConsumeOAuthState deletes and returns a pending OAuth state row in one
// statement, so a replayed callback can never observe (and reuse) a state
// value twice.
func (s *Store) ConsumeOAuthState(ctx context.Context, state string) (*models.OAuthState, error) {
	defer observe("consume_oauth_state")()

	var out models.OAuthState
	var payloadJSON []byte
	err := s.stmts[stmtDeleteOAuthStateReturn].QueryRowContext(ctx, state).Scan(
		&out.State, &out.UserID, &out.ConnectorType, &out.ConnectorID, &payloadJSON, &out.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		storeOperationErrors.WithLabelValues("consume_oauth_state").Inc()
		return nil, errors.Wrap(err, "failed to consume oauth state")
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &out.ConnectorPayload); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal oauth state payload")
		}
	}
	return &out, nil
}

// UpsertPushSubscription registers or refreshes a browser push endpoint.
func (s *Store) UpsertPushSubscription(ctx context.Context, sub models.PushSubscription) error {
	defer observe("upsert_push_subscription")()

	_, err := s.stmts[stmtUpsertPushSubscription].ExecContext(ctx,
		sub.UserID, sub.Endpoint, sub.P256DH, sub.Auth, sub.UserAgent)
	if err != nil {
		storeOperationErrors.WithLabelValues("upsert_push_subscription").Inc()
		return errors.Wrap(err, "failed to upsert push subscription")
	}
	return nil
}

// DeletePushSubscription unregisters a browser push endpoint.
func (s *Store) DeletePushSubscription(ctx context.Context, userID, endpoint string) error {
	defer observe("delete_push_subscription")()

	_, err := s.stmts[stmtDeletePushSubscription].ExecContext(ctx, userID, endpoint)
	if err != nil {
		storeOperationErrors.WithLabelValues("delete_push_subscription").Inc()
		return errors.Wrap(err, "failed to delete push subscription")
	}
	return nil
}

// ListIncomingConnectorsForIdleWatch returns every active connector opted
// into IDLE watching (SyncSettings.UseIdle), for the watcher manager to
// reconcile against its live watcher set on startup and on each watchdog
// pass.
func (s *Store) ListIncomingConnectorsForIdleWatch(ctx context.Context) ([]models.IncomingConnector, error) {
	defer observe("list_idle_eligible_connectors")()

	rows, err := s.stmts[stmtListIdleEligibleConnectors].QueryContext(ctx)
	if err != nil {
		storeOperationErrors.WithLabelValues("list_idle_eligible_connectors").Inc()
		return nil, errors.Wrap(err, "failed to list idle-eligible connectors")
	}
	defer rows.Close()

	var out []models.IncomingConnector
	for rows.Next() {
		var c models.IncomingConnector
		var provider, authType, status string
		var authJSON, syncJSON []byte
		if err := rows.Scan(&c.ID, &c.UserID, &provider, &authType, &authJSON, &syncJSON, &status); err != nil {
			storeOperationErrors.WithLabelValues("list_idle_eligible_connectors").Inc()
			return nil, errors.Wrap(err, "failed to scan idle-eligible connector")
		}
		c.Provider = models.Provider(provider)
		c.Status = models.ConnectorStatus(status)
		if err := json.Unmarshal(authJSON, &c.AuthConfig); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal auth config")
		}
		if err := json.Unmarshal(syncJSON, &c.SyncSettings); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal sync settings")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MessageRow is the message projection the action executor mutates: just
// enough to verify ownership and replay flag/label/move actions without
// loading body content.
type MessageRow struct {
	ID                  string
	IncomingConnectorID string
	Mailbox             string
	UID                 uint32
	ThreadTag           string
	IsRead              bool
	IsStarred           bool
	Labels              []string
}

func scanMessageRow(row interface{ Scan(dest ...any) error }) (MessageRow, error) {
	var m MessageRow
	err := row.Scan(&m.ID, &m.IncomingConnectorID, &m.Mailbox, &m.UID, &m.ThreadTag, &m.IsRead, &m.IsStarred, pq.Array(&m.Labels))
	return m, err
}

// ListMessagesByThreadTag returns every message sharing threadTag within
// one connector, oldest first, for thread-level action fan-out.
func (s *Store) ListMessagesByThreadTag(ctx context.Context, connectorID, threadTag string) ([]MessageRow, error) {
	defer observe("list_messages_by_thread_tag")()

	rows, err := s.stmts[stmtListMessagesByThreadTag].QueryContext(ctx, connectorID, threadTag)
	if err != nil {
		storeOperationErrors.WithLabelValues("list_messages_by_thread_tag").Inc()
		return nil, errors.Wrap(err, "failed to list messages by thread tag")
	}
	defer rows.Close()

	var out []MessageRow
	for rows.Next() {
		m, err := scanMessageRow(rows)
		if err != nil {
			storeOperationErrors.WithLabelValues("list_messages_by_thread_tag").Inc()
			return nil, errors.Wrap(err, "failed to scan message row")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMessage loads one message row by its (connector, mailbox, uid) key.
func (s *Store) GetMessage(ctx context.Context, connectorID, mailbox string, uid uint32) (*MessageRow, error) {
	defer observe("get_message")()

	m, err := scanMessageRow(s.stmts[stmtGetMessage].QueryRowContext(ctx, connectorID, mailbox, uid))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		storeOperationErrors.WithLabelValues("get_message").Inc()
		return nil, errors.Wrap(err, "failed to get message")
	}
	return &m, nil
}

// SetMessageFlags updates is_read/is_starred in place. A nil pointer leaves
// the existing value untouched.
func (s *Store) SetMessageFlags(ctx context.Context, connectorID, mailbox string, uid uint32, isRead, isStarred *bool) error {
	defer observe("set_message_flags")()

	_, err := s.stmts[stmtSetMessageFlags].ExecContext(ctx, connectorID, mailbox, uid, nullableBool(isRead), nullableBool(isStarred))
	if err != nil {
		storeOperationErrors.WithLabelValues("set_message_flags").Inc()
		return errors.Wrap(err, "failed to set message flags")
	}
	return nil
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

// SetMessageLabels replaces a message's Gmail label set wholesale.
func (s *Store) SetMessageLabels(ctx context.Context, connectorID, mailbox string, uid uint32, labels []string) error {
	defer observe("set_message_labels")()

	_, err := s.stmts[stmtSetMessageLabels].ExecContext(ctx, connectorID, mailbox, uid, pq.Array(labels))
	if err != nil {
		storeOperationErrors.WithLabelValues("set_message_labels").Inc()
		return errors.Wrap(err, "failed to set message labels")
	}
	return nil
}

// MoveMessageMailbox relocates a message row to a new mailbox/uid pair,
// used after a remote IMAP MOVE/Gmail label swap has already succeeded.
func (s *Store) MoveMessageMailbox(ctx context.Context, connectorID, oldMailbox string, oldUID uint32, newMailbox string, newUID uint32) error {
	defer observe("move_message_mailbox")()

	_, err := s.stmts[stmtMoveMessageMailbox].ExecContext(ctx, connectorID, oldMailbox, oldUID, newMailbox, newUID)
	if err != nil {
		storeOperationErrors.WithLabelValues("move_message_mailbox").Inc()
		return errors.Wrap(err, "failed to move message mailbox")
	}
	return nil
}
