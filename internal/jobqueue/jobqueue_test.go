package jobqueue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	query string
	args  []any
}

type fakeRow struct {
	dest []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = r.dest[i].(string)
		case *sql.NullTime:
			*d = r.dest[i].(sql.NullTime)
		case *int:
			*d = r.dest[i].(int)
		}
	}
	return nil
}

type fakeDB struct {
	execCalls []execCall
	execErr   error

	queryRows map[string]fakeRow
	queryErr  map[string]error
}

func (f *fakeDB) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.execCalls = append(f.execCalls, execCall{query: query, args: args})
	return nil, f.execErr
}

func (f *fakeDB) QueryRowContext(_ context.Context, query string, _ ...any) rowScanner {
	if err, ok := f.queryErr[query]; ok {
		return fakeRow{err: err}
	}
	return f.queryRows[query]
}

func newTestQueue() (*Queue, *fakeDB) {
	db := &fakeDB{queryRows: map[string]fakeRow{}, queryErr: map[string]error{}}
	return &Queue{db: db, clock: time.Now}, db
}

func undefinedTableErr() error {
	return &pq.Error{Code: "42P01"}
}

func TestEnqueueSend_UsesUnsafeDedupeAndLowAttempts(t *testing.T) {
	q, db := newTestQueue()

	err := q.EnqueueSend(context.Background(), "u1", "idem-1", []byte(`{"to":"a@b.com"}`))
	require.NoError(t, err)

	require.Len(t, db.execCalls, 1)
	call := db.execCalls[0]
	assert.Equal(t, "send_message", call.args[0])
	assert.Equal(t, 3, call.args[2])
	assert.Equal(t, "send:u1:idem-1", call.args[3])
	assert.Equal(t, sendPriority, call.args[4])
	assert.Equal(t, string(ModeUnsafeDedupe), call.args[5])
}

func TestEnqueueAttachmentScan_BuildsDedupeKey(t *testing.T) {
	q, db := newTestQueue()

	err := q.EnqueueAttachmentScan(context.Background(), "m1", "a1")
	require.NoError(t, err)

	require.Len(t, db.execCalls, 1)
	call := db.execCalls[0]
	assert.Equal(t, "scan_attachment", call.args[0])
	assert.Equal(t, "scan:m1:a1", call.args[3])
	assert.Equal(t, string(ModeUnsafeDedupe), call.args[5])
}

func TestEnqueueRulesReplay_DefaultsWildcardRuleKey(t *testing.T) {
	q, db := newTestQueue()

	err := q.EnqueueRulesReplay(context.Background(), EnqueueRulesReplayOptions{UserID: "u1", IncomingConnectorID: "c1"})
	require.NoError(t, err)

	require.Len(t, db.execCalls, 1)
	call := db.execCalls[0]
	assert.Equal(t, "rules:u1:c1:*", call.args[3])
	assert.Equal(t, 1, call.args[2])
}

func TestEnqueueGmailHydration_JobKeyScopedToConnectorAndMailbox(t *testing.T) {
	q, db := newTestQueue()

	err := q.EnqueueGmailHydration(context.Background(), "u1", "c1", "INBOX")
	require.NoError(t, err)

	require.Len(t, db.execCalls, 1)
	call := db.execCalls[0]
	assert.Equal(t, "gmail-hydrate:c1:INBOX", call.args[3])
	assert.Equal(t, 5, call.args[2])
}

func TestEnqueueSyncWithOptions_SkipsWhenClaimHealthy(t *testing.T) {
	q, db := newTestQueue()
	now := time.Now()
	db.queryRows[checkClaimHealthySQL] = fakeRow{dest: []any{
		"syncing",
		sql.NullTime{Time: now.Add(-time.Minute), Valid: true},
		sql.NullTime{Time: now.Add(-time.Second), Valid: true},
	}}

	ok, err := q.EnqueueSyncWithOptions(context.Background(), "u1", "c1", "INBOX", EnqueueSyncOptions{})
	require.NoError(t, err)
	assert.False(t, ok)

	// only the duplicate-delete exec ran; no sync_mailbox job was enqueued.
	require.Len(t, db.execCalls, 1)
	assert.Equal(t, "sync:c1:INBOX", db.execCalls[0].args[0])
}

func TestEnqueueSyncWithOptions_SkipsWhenNoActiveWorker(t *testing.T) {
	q, db := newTestQueue()
	db.queryErr[checkClaimHealthySQL] = sql.ErrNoRows
	db.queryRows[activeWorkerHeartbeatSQL] = fakeRow{dest: []any{0}}

	ok, err := q.EnqueueSyncWithOptions(context.Background(), "u1", "c1", "INBOX", EnqueueSyncOptions{})
	require.NoError(t, err)
	assert.False(t, ok)
	require.Len(t, db.execCalls, 1)
}

func TestEnqueueSyncWithOptions_FallsBackOnUndefinedHeartbeatTable(t *testing.T) {
	q, db := newTestQueue()
	db.queryErr[checkClaimHealthySQL] = sql.ErrNoRows
	db.queryErr[activeWorkerHeartbeatSQL] = undefinedTableErr()
	db.queryRows[fallbackActiveWorkerSQL] = fakeRow{dest: []any{1}}

	ok, err := q.EnqueueSyncWithOptions(context.Background(), "u1", "c1", "INBOX", EnqueueSyncOptions{})
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, db.execCalls, 2)
	enqueueCall := db.execCalls[1]
	assert.Equal(t, "sync_mailbox", enqueueCall.args[0])
	assert.Equal(t, "sync:c1:INBOX", enqueueCall.args[3])
}

func TestEnqueueSyncWithOptions_EnqueuesWhenStaleClaimAndWorkerPresent(t *testing.T) {
	q, db := newTestQueue()
	db.queryRows[checkClaimHealthySQL] = fakeRow{dest: []any{
		"syncing",
		sql.NullTime{Time: time.Now().Add(-time.Hour), Valid: true},
		sql.NullTime{Time: time.Now().Add(-time.Hour), Valid: true},
	}}
	db.queryRows[activeWorkerHeartbeatSQL] = fakeRow{dest: []any{2}}

	ok, err := q.EnqueueSyncWithOptions(context.Background(), "u1", "c1", "INBOX", EnqueueSyncOptions{Priority: PriorityHigh})
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, db.execCalls, 2)
	assert.Equal(t, priorityBuckets[PriorityHigh], db.execCalls[1].args[4])
}
