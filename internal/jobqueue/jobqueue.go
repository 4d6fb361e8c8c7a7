// Package jobqueue enqueues work onto the opaque graphile-worker-shaped job
// table. All enqueue helpers use deterministic job keys so repeated enqueues
// de-duplicate instead of piling up.
package jobqueue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/mailforge/syncengine/internal/models"
)

// JobKeyMode controls how the worker-pool table reconciles a duplicate
// jobKey.
type JobKeyMode string

const (
	ModePreserveRunAt JobKeyMode = "preserve_run_at"
	ModeUnsafeDedupe   JobKeyMode = "unsafe_dedupe"
)

// Priority is the caller-facing priority tier, mapped to the numeric
// priority bucket the worker-pool table actually orders by.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// priorityBuckets maps tiers to numeric priority: lower number runs first.
var priorityBuckets = map[Priority]int{
	PriorityLow:    10,
	PriorityNormal: 0,
	PriorityHigh:   -50,
}

const sendPriority = -100

// EnqueueOptions configures a generic Enqueue call.
type EnqueueOptions struct {
	JobKey      string
	JobKeyMode  JobKeyMode
	Priority    int
	MaxAttempts int
}

// rowScanner is the part of *sql.Row the queue needs.
type rowScanner interface {
	Scan(dest ...any) error
}

// dbConn is the subset of *sql.DB the queue needs, narrowed so tests can
// substitute a hand-written fake instead of a real connection.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
}

type sqlDBAdapter struct{ db *sql.DB }

func (a sqlDBAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.db.ExecContext(ctx, query, args...)
}

func (a sqlDBAdapter) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return a.db.QueryRowContext(ctx, query, args...)
}

// Queue implements the job enqueue helpers used by the HTTP and sync layers.
type Queue struct {
	db    dbConn
	clock func() time.Time
}

// New constructs a Queue.
func New(db *sql.DB) *Queue {
	return &Queue{db: sqlDBAdapter{db: db}, clock: time.Now}
}

const enqueueJobSQL = `
SELECT graphile_worker.add_job(
	identifier    := $1,
	payload       := $2::jsonb,
	queue_name    := NULL,
	run_at        := NOW(),
	max_attempts  := $3,
	job_key       := $4,
	priority      := $5,
	job_key_mode  := $6
)`

// Enqueue inserts a job with the given task/payload/options.
func (q *Queue) Enqueue(ctx context.Context, task string, payload []byte, opts EnqueueOptions) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 25
	}
	mode := opts.JobKeyMode
	if mode == "" {
		mode = ModePreserveRunAt
	}
	_, err := q.db.ExecContext(ctx, enqueueJobSQL, task, payload, opts.MaxAttempts, nullableJobKey(opts.JobKey), opts.Priority, string(mode))
	if err != nil {
		return errors.Wrapf(err, "failed to enqueue task %s", task)
	}
	return nil
}

func nullableJobKey(key string) any {
	if key == "" {
		return nil
	}
	return key
}

const deleteQueuedJobSQL = `
DELETE FROM graphile_worker.jobs
WHERE key = $1 AND locked_at IS NULL`

const checkClaimHealthySQL = `
SELECT status, sync_started_at, updated_at
FROM sync_states
WHERE incoming_connector_id = $1 AND mailbox = $2`

const activeWorkerHeartbeatSQL = `
SELECT COUNT(*) FROM graphile_worker.worker_heartbeats
WHERE heartbeat_at > NOW() - interval '30 seconds'`

const fallbackActiveWorkerSQL = `
SELECT COUNT(*) FROM graphile_worker.jobs
WHERE locked_at > NOW() - interval '30 seconds'`

// claimStaleWindow mirrors the 10-minute claim-age threshold of
// syncstate.TryClaimMailboxSync. heartbeatStaleWindow has no counterpart
// there: when this guard treats a claim as unhealthy only because
// updated_at is stale, the enqueued job's claim still fails until
// sync_started_at is 10 minutes old.
const (
	claimStaleWindow     = 10 * time.Minute
	heartbeatStaleWindow = 90 * time.Second
)

// EnqueueSyncOptions configures a sync enqueue.
type EnqueueSyncOptions struct {
	Priority          Priority
	GmailHistoryIDHint uint64
}

// EnqueueSyncWithOptions enqueues a mailbox sync job unless an existing claim
// is still healthy or no worker appears to be running. Returns false (without
// error) when either guard suppresses the enqueue.
func (q *Queue) EnqueueSyncWithOptions(ctx context.Context, userID, connectorID, mailbox string, opts EnqueueSyncOptions) (bool, error) {
	jobKey := fmt.Sprintf("sync:%s:%s", connectorID, mailbox)

	if _, err := q.db.ExecContext(ctx, deleteQueuedJobSQL, jobKey); err != nil {
		return false, errors.Wrap(err, "failed to clear duplicate queued sync job")
	}

	healthy, err := q.claimIsHealthy(ctx, connectorID, mailbox)
	if err != nil {
		return false, err
	}
	if healthy {
		return false, nil
	}

	hasWorker, err := q.hasActiveWorker(ctx)
	if err != nil {
		return false, err
	}
	if !hasWorker {
		return false, nil
	}

	payload := fmt.Sprintf(`{"userId":%q,"connectorId":%q,"mailbox":%q,"gmailHistoryIdHint":%d}`,
		userID, connectorID, mailbox, opts.GmailHistoryIDHint)

	priority := priorityBuckets[opts.Priority]
	err = q.Enqueue(ctx, "sync_mailbox", []byte(payload), EnqueueOptions{
		JobKey:     jobKey,
		JobKeyMode: ModePreserveRunAt,
		Priority:   priority,
	})
	return err == nil, err
}

func (q *Queue) claimIsHealthy(ctx context.Context, connectorID, mailbox string) (bool, error) {
	var status string
	var startedAt, updatedAt sql.NullTime
	row := q.db.QueryRowContext(ctx, checkClaimHealthySQL, connectorID, mailbox)
	if err := row.Scan(&status, &startedAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, errors.Wrap(err, "failed to check claim health")
	}

	if status != string(models.SyncSyncing) || !startedAt.Valid {
		return false, nil
	}

	now := q.clock()
	if now.Sub(startedAt.Time) > claimStaleWindow {
		return false, nil
	}
	if updatedAt.Valid && now.Sub(updatedAt.Time) > heartbeatStaleWindow {
		return false, nil
	}
	return true, nil
}

func (q *Queue) hasActiveWorker(ctx context.Context) (bool, error) {
	var count int
	err := q.db.QueryRowContext(ctx, activeWorkerHeartbeatSQL).Scan(&count)
	if err != nil {
		if isUndefinedTable(err) {
			// worker-heartbeat table unavailable: fall back to "has locked
			// job rows recently".
			err = q.db.QueryRowContext(ctx, fallbackActiveWorkerSQL).Scan(&count)
			if err != nil {
				return false, errors.Wrap(err, "failed to check fallback active worker signal")
			}
			return count > 0, nil
		}
		return false, errors.Wrap(err, "failed to check active worker heartbeat")
	}
	return count > 0, nil
}

func isUndefinedTable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	return false
}

// EnqueueSend enqueues a message send, de-duplicated by idempotency key.
func (q *Queue) EnqueueSend(ctx context.Context, userID, idempotencyKey string, payload []byte) error {
	return q.Enqueue(ctx, "send_message", payload, EnqueueOptions{
		JobKey:      fmt.Sprintf("send:%s:%s", userID, idempotencyKey),
		JobKeyMode:  ModeUnsafeDedupe,
		MaxAttempts: 3,
		Priority:    sendPriority,
	})
}

// EnqueueAttachmentScan enqueues a malware scan for one attachment.
func (q *Queue) EnqueueAttachmentScan(ctx context.Context, messageID, attachmentID string) error {
	payload := fmt.Sprintf(`{"messageId":%q,"attachmentId":%q}`, messageID, attachmentID)
	return q.Enqueue(ctx, "scan_attachment", []byte(payload), EnqueueOptions{
		JobKey:     fmt.Sprintf("scan:%s:%s", messageID, attachmentID),
		JobKeyMode: ModeUnsafeDedupe,
	})
}

// EnqueueRulesReplayOptions configures EnqueueRulesReplay.
type EnqueueRulesReplayOptions struct {
	UserID              string
	IncomingConnectorID string
	RuleID              string
	Limit               int
	Offset              int
}

// EnqueueRulesReplay replays inbox rules over an existing connector's
// messages, optionally scoped to a single rule.
func (q *Queue) EnqueueRulesReplay(ctx context.Context, opts EnqueueRulesReplayOptions) error {
	ruleKey := opts.RuleID
	if ruleKey == "" {
		ruleKey = "*"
	}
	payload := fmt.Sprintf(`{"userId":%q,"incomingConnectorId":%q,"ruleId":%q,"limit":%d,"offset":%d}`,
		opts.UserID, opts.IncomingConnectorID, opts.RuleID, opts.Limit, opts.Offset)
	return q.Enqueue(ctx, "rules_replay", []byte(payload), EnqueueOptions{
		JobKey:      fmt.Sprintf("rules:%s:%s:%s", opts.UserID, opts.IncomingConnectorID, ruleKey),
		JobKeyMode:  ModePreserveRunAt,
		MaxAttempts: 1,
	})
}

// EnqueueGmailHydration enqueues background raw-message hydration for a
// Gmail mailbox synced via the metadata-first bootstrap.
func (q *Queue) EnqueueGmailHydration(ctx context.Context, userID, connectorID, mailbox string) error {
	payload := fmt.Sprintf(`{"userId":%q,"connectorId":%q,"mailbox":%q}`, userID, connectorID, mailbox)
	return q.Enqueue(ctx, "hydrate_gmail_mailbox", []byte(payload), EnqueueOptions{
		JobKey:      fmt.Sprintf("gmail-hydrate:%s:%s", connectorID, mailbox),
		JobKeyMode:  ModePreserveRunAt,
		MaxAttempts: 5,
	})
}
