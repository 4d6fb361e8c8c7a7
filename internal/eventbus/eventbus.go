// Package eventbus persists and fans out per-user monotonic sync events
// (spec.md §4.D). A waiter reads the in-memory watermark and registers its
// per-user channel under the same mutex that signalling takes, so no signal
// can slip in between the check and the subscription (Design Notes §9).
package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mailforge/syncengine/internal/models"
)

// PushNotifier forwards push-eligible events to the browser-push fan-out,
// an external collaborator per spec.md §1 (out of scope here).
type PushNotifier interface {
	NotifyUser(ctx context.Context, userID string, event models.SyncEvent)
}

type noopPushNotifier struct{}

func (noopPushNotifier) NotifyUser(context.Context, string, models.SyncEvent) {}

// Signal is what a waiter observes: a user and the event id that woke it.
type Signal struct {
	UserID  string
	EventID int64
}

// Bus implements the event stream described in spec.md §4.D.
type Bus struct {
	db     *sql.DB
	push   PushNotifier
	logger *zap.Logger

	mu      sync.Mutex
	latest  map[string]int64
	waiters map[string][]chan Signal

	listenerMu   sync.Mutex
	listener     *pq.Listener
	listenerChan chan *pq.Notification
}

// Option configures a Bus.
type Option func(*Bus)

// WithPushNotifier overrides the default no-op push fan-out.
func WithPushNotifier(p PushNotifier) Option {
	return func(b *Bus) { b.push = p }
}

// New constructs a Bus backed by db. logger must not be nil.
func New(db *sql.DB, logger *zap.Logger, opts ...Option) *Bus {
	b := &Bus{
		db:      db,
		logger:  logger,
		push:    noopPushNotifier{},
		latest:  make(map[string]int64),
		waiters: make(map[string][]chan Signal),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

const insertEventSQL = `
INSERT INTO sync_events (user_id, incoming_connector_id, event_type, payload, created_at)
VALUES ($1, $2, $3, $4, NOW())
RETURNING id, user_id, created_at`

// EmitSyncEvent inserts a new event row, advances the in-memory watermark,
// wakes any waiters for this user, and (best-effort) forwards push-eligible
// events to the push fan-out.
func (b *Bus) EmitSyncEvent(ctx context.Context, userID, connectorID string, eventType models.SyncEventType, payload map[string]any) (*models.SyncEvent, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event payload")
	}

	var ev models.SyncEvent
	ev.IncomingConnectorID = connectorID
	ev.EventType = eventType
	ev.Payload = payload

	row := b.db.QueryRowContext(ctx, insertEventSQL, userID, connectorID, string(eventType), payloadJSON)
	if err := row.Scan(&ev.ID, &ev.UserID, &ev.CreatedAt); err != nil {
		return nil, errors.Wrap(err, "failed to insert sync event")
	}

	b.advanceAndSignal(ev.UserID, ev.ID)

	if eventType.PushEligible() {
		// Best-effort: push fan-out failures never fail the emit.
		b.push.NotifyUser(ctx, ev.UserID, ev)
	}

	return &ev, nil
}

func (b *Bus) advanceAndSignal(userID string, eventID int64) {
	b.mu.Lock()
	if eventID > b.latest[userID] {
		b.latest[userID] = eventID
	}
	waiters := b.waiters[userID]
	delete(b.waiters, userID)
	b.mu.Unlock()

	sig := Signal{UserID: userID, EventID: eventID}
	for _, ch := range waiters {
		select {
		case ch <- sig:
		default:
		}
		close(ch)
	}
}

const listEventsSQL = `
SELECT id, user_id, incoming_connector_id, event_type, payload, created_at
FROM sync_events
WHERE user_id = $1 AND id > $2
ORDER BY id ASC
LIMIT $3`

// ListSyncEvents returns events for userID with id > since, clamped to
// since>=0 and limit in [1,500] per spec.md §4.D.
func (b *Bus) ListSyncEvents(ctx context.Context, userID string, since int64, limit int) ([]models.SyncEvent, error) {
	if since < 0 {
		since = 0
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := b.db.QueryContext(ctx, listEventsSQL, userID, since, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sync events")
	}
	defer rows.Close()

	var events []models.SyncEvent
	for rows.Next() {
		var ev models.SyncEvent
		var payloadJSON []byte
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.IncomingConnectorID, &ev.EventType, &payloadJSON, &ev.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan sync event")
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
				return nil, errors.Wrap(err, "failed to unmarshal event payload")
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// defaultWaitTimeout is used when WaitForSyncEventSignal is given a
// non-finite (<=0) timeout, matching spec.md §4.D's "~1s fallback".
const defaultWaitTimeout = time.Second

// WaitForSyncEventSignal blocks until an event with id>since is observed
// for userID, or timeout elapses (nil returned on timeout).
func (b *Bus) WaitForSyncEventSignal(ctx context.Context, userID string, since int64, timeout time.Duration) *Signal {
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}

	b.mu.Lock()
	if latest := b.latest[userID]; latest > since {
		b.mu.Unlock()
		return &Signal{UserID: userID, EventID: latest}
	}
	ch := make(chan Signal, 1)
	b.waiters[userID] = append(b.waiters[userID], ch)
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case sig, ok := <-ch:
		if !ok {
			return nil
		}
		if sig.EventID <= since {
			return nil
		}
		return &sig
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

const pruneEventsSQL = `
DELETE FROM sync_events
WHERE id IN (
	SELECT id FROM sync_events
	WHERE created_at < NOW() - ($1 || ' days')::interval
	LIMIT $2
)
RETURNING id`

// PruneOptions configures PruneSyncEvents. Non-positive fields clamp to the
// safe defaults named in spec.md §4.D.
type PruneOptions struct {
	RetentionDays int
	BatchSize     int
	MaxBatches    int
}

func (o PruneOptions) normalized() PruneOptions {
	if o.RetentionDays <= 0 {
		o.RetentionDays = 14
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 2000
	}
	if o.MaxBatches <= 0 {
		o.MaxBatches = 50
	}
	return o
}

// PruneSyncEvents deletes events older than RetentionDays in batches,
// stopping when a batch returns fewer rows than BatchSize or MaxBatches is
// reached.
func (b *Bus) PruneSyncEvents(ctx context.Context, opts PruneOptions) (int, error) {
	opts = opts.normalized()

	total := 0
	for batch := 0; batch < opts.MaxBatches; batch++ {
		rows, err := b.db.QueryContext(ctx, pruneEventsSQL, opts.RetentionDays, opts.BatchSize)
		if err != nil {
			return total, errors.Wrap(err, "failed to prune sync events")
		}

		n := 0
		for rows.Next() {
			n++
		}
		rowsErr := rows.Err()
		rows.Close()
		if rowsErr != nil {
			return total, errors.Wrap(rowsErr, "failed to iterate pruned rows")
		}

		total += n
		if n < opts.BatchSize {
			break
		}
	}
	return total, nil
}
