// Package syncstate owns the per-(connector, mailbox) sync_states row: the
// claim lease that keeps two workers from syncing the same mailbox at once,
// the cursor columns each sync driver advances, and the reaper that frees
// leases abandoned by a crashed worker.
package syncstate

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/mailforge/syncengine/internal/models"
)

// claimStaleAfter matches the window jobqueue uses to decide a claim is no
// longer healthy.
const claimStaleAfter = 10 * time.Minute

type rowScanner interface {
	Scan(dest ...any) error
}

type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type sqlDBAdapter struct{ db *sql.DB }

func (a sqlDBAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.db.ExecContext(ctx, query, args...)
}

func (a sqlDBAdapter) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return a.db.QueryRowContext(ctx, query, args...)
}

func (a sqlDBAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.db.QueryContext(ctx, query, args...)
}

// Store provides claim/heartbeat/cursor operations over sync_states.
type Store struct {
	db    dbConn
	clock func() time.Time
}

// New constructs a Store.
func New(db *sql.DB) *Store {
	return &Store{db: sqlDBAdapter{db: db}, clock: time.Now}
}

const tryClaimSQL = `
INSERT INTO sync_states (incoming_connector_id, mailbox, status, sync_started_at, updated_at)
VALUES ($1, $2, 'syncing', NOW(), NOW())
ON CONFLICT (incoming_connector_id, mailbox) DO UPDATE SET
	status = 'syncing',
	sync_started_at = NOW(),
	updated_at = NOW()
WHERE sync_states.status NOT IN ('syncing', 'cancel_requested')
	OR sync_states.sync_started_at IS NULL
	OR sync_states.sync_started_at < NOW() - ($3 || ' seconds')::interval
RETURNING incoming_connector_id`

// TryClaimMailboxSync attempts to claim the (connectorID, mailbox) lease in
// a single statement: it succeeds if no row exists yet, or the existing row
// is not currently syncing, or its claim has gone stale. Returns false
// (without error) when another worker already holds a live claim.
func (s *Store) TryClaimMailboxSync(ctx context.Context, connectorID, mailbox string) (bool, error) {
	var got string
	row := s.db.QueryRowContext(ctx, tryClaimSQL, connectorID, mailbox, int(claimStaleAfter.Seconds()))
	err := row.Scan(&got)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to claim mailbox sync")
	}
	return true, nil
}

// SetSyncState writes only the supplied fields, matching the column-level
// update pattern other sync drivers call repeatedly as cursors advance.
type SetSyncStateFields struct {
	Status              *models.SyncStatus
	UIDValidity         *uint32
	LastSeenUID         *uint32
	HighestUID          *uint32
	Modseq              *uint64
	LastFullReconcileAt *time.Time
	SyncCompletedAt     *time.Time
	SyncError           *string
	SyncProgress        *models.SyncProgress
}

// SetSyncState applies a partial update to one sync_states row, always
// bumping updated_at (the heartbeat column jobqueue's claim-health check
// reads).
func (s *Store) SetSyncState(ctx context.Context, connectorID, mailbox string, fields SetSyncStateFields) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{connectorID, mailbox}
	arg := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}

	if fields.Status != nil {
		sets = append(sets, "status = "+arg(string(*fields.Status)))
	}
	if fields.UIDValidity != nil {
		sets = append(sets, "uid_validity = "+arg(*fields.UIDValidity))
	}
	if fields.LastSeenUID != nil {
		sets = append(sets, "last_seen_uid = "+arg(*fields.LastSeenUID))
	}
	if fields.HighestUID != nil {
		sets = append(sets, "highest_uid = "+arg(*fields.HighestUID))
	}
	if fields.Modseq != nil {
		sets = append(sets, "modseq = "+arg(*fields.Modseq))
	}
	if fields.LastFullReconcileAt != nil {
		sets = append(sets, "last_full_reconcile_at = "+arg(*fields.LastFullReconcileAt))
	}
	if fields.SyncCompletedAt != nil {
		sets = append(sets, "sync_completed_at = "+arg(*fields.SyncCompletedAt))
	}
	if fields.SyncError != nil {
		sets = append(sets, "sync_error = "+arg(*fields.SyncError))
	}
	if fields.SyncProgress != nil {
		sets = append(sets, "inserted_count = "+arg(fields.SyncProgress.Inserted))
		sets = append(sets, "updated_count = "+arg(fields.SyncProgress.Updated))
		sets = append(sets, "reconciled_removed_count = "+arg(fields.SyncProgress.ReconciledRemoved))
		sets = append(sets, "metadata_refreshed_count = "+arg(fields.SyncProgress.MetadataRefreshed))
	}

	query := "UPDATE sync_states SET " + strings.Join(sets, ", ") + " WHERE incoming_connector_id = $1 AND mailbox = $2"
	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "failed to update sync state")
	}
	return nil
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

const reapStaleSQL = `
UPDATE sync_states
SET status = 'error', sync_error = 'worker lease expired', updated_at = NOW()
WHERE status = 'syncing'
	AND sync_started_at < NOW() - ($1 || ' seconds')::interval
RETURNING incoming_connector_id, mailbox`

// ReapStaleSyncStates marks any row stuck in "syncing" past staleAfter as
// errored, freeing its claim for the next enqueue. Returns the number of
// rows reaped.
func (s *Store) ReapStaleSyncStates(ctx context.Context, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		staleAfter = claimStaleAfter
	}
	rows, err := s.db.QueryContext(ctx, reapStaleSQL, int(staleAfter.Seconds()))
	if err != nil {
		return 0, errors.Wrap(err, "failed to reap stale sync states")
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		n++
	}
	return n, rows.Err()
}

const getSyncStateSQL = `
SELECT incoming_connector_id, mailbox, status, uid_validity, last_seen_uid, highest_uid, modseq,
	last_full_reconcile_at, sync_started_at, sync_completed_at, sync_error,
	inserted_count, updated_count, reconciled_removed_count, metadata_refreshed_count, updated_at
FROM sync_states
WHERE incoming_connector_id = $1 AND mailbox = $2`

// GetSyncState reads one row, returning (nil, nil) if it doesn't exist yet.
func (s *Store) GetSyncState(ctx context.Context, connectorID, mailbox string) (*models.SyncState, error) {
	var st models.SyncState
	var status string
	var uidValidity sql.NullInt64
	var modseq sql.NullInt64
	var lastFullReconcileAt, syncStartedAt, syncCompletedAt sql.NullTime
	var syncError sql.NullString

	row := s.db.QueryRowContext(ctx, getSyncStateSQL, connectorID, mailbox)
	err := row.Scan(
		&st.IncomingConnectorID, &st.Mailbox, &status, &uidValidity, &st.LastSeenUID, &st.HighestUID, &modseq,
		&lastFullReconcileAt, &syncStartedAt, &syncCompletedAt, &syncError,
		&st.SyncProgress.Inserted, &st.SyncProgress.Updated, &st.SyncProgress.ReconciledRemoved, &st.SyncProgress.MetadataRefreshed,
		&st.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan sync state")
	}

	st.Status = models.SyncStatus(status)
	if uidValidity.Valid {
		v := uint32(uidValidity.Int64)
		st.UIDValidity = &v
	}
	if modseq.Valid {
		v := uint64(modseq.Int64)
		st.Modseq = &v
	}
	if lastFullReconcileAt.Valid {
		st.LastFullReconcileAt = &lastFullReconcileAt.Time
	}
	if syncStartedAt.Valid {
		st.SyncStartedAt = &syncStartedAt.Time
	}
	if syncCompletedAt.Valid {
		st.SyncCompletedAt = &syncCompletedAt.Time
	}
	if syncError.Valid {
		st.SyncError = syncError.String
	}
	return &st, nil
}
