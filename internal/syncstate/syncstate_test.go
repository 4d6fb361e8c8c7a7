package syncstate

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailforge/syncengine/internal/models"
)

type execCall struct {
	query string
	args  []any
}

type fakeRow struct {
	scanErr error
	values  []any
}

func (r fakeRow) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = r.values[i].(string)
		}
	}
	return nil
}

type fakeDB struct {
	execCalls []execCall
	execErr   error
	queryErr  error

	claimRow fakeRow
}

func (f *fakeDB) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.execCalls = append(f.execCalls, execCall{query: query, args: args})
	return nil, f.execErr
}

func (f *fakeDB) QueryRowContext(_ context.Context, _ string, _ ...any) rowScanner {
	return f.claimRow
}

func (f *fakeDB) QueryContext(_ context.Context, _ string, _ ...any) (*sql.Rows, error) {
	return nil, f.queryErr
}

func newTestStore() (*Store, *fakeDB) {
	db := &fakeDB{}
	return &Store{db: db, clock: time.Now}, db
}

func TestTryClaimMailboxSync_SucceedsWhenRowReturned(t *testing.T) {
	s, db := newTestStore()
	db.claimRow = fakeRow{values: []any{"c1"}}

	ok, err := s.TryClaimMailboxSync(context.Background(), "c1", "INBOX")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryClaimMailboxSync_FailsWhenNoRowsReturned(t *testing.T) {
	s, db := newTestStore()
	db.claimRow = fakeRow{scanErr: sql.ErrNoRows}

	ok, err := s.TryClaimMailboxSync(context.Background(), "c1", "INBOX")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetSyncState_OnlyIncludesSuppliedFields(t *testing.T) {
	s, db := newTestStore()

	status := models.SyncSyncing
	err := s.SetSyncState(context.Background(), "c1", "INBOX", SetSyncStateFields{Status: &status})
	require.NoError(t, err)

	require.Len(t, db.execCalls, 1)
	call := db.execCalls[0]
	assert.Contains(t, call.query, "status = $3")
	assert.NotContains(t, call.query, "uid_validity")
	assert.Equal(t, []any{"c1", "INBOX", "syncing"}, call.args)
}

func TestSetSyncState_AlwaysBumpsUpdatedAt(t *testing.T) {
	s, db := newTestStore()

	err := s.SetSyncState(context.Background(), "c1", "INBOX", SetSyncStateFields{})
	require.NoError(t, err)

	require.Len(t, db.execCalls, 1)
	assert.Contains(t, db.execCalls[0].query, "updated_at = NOW()")
}

func TestReapStaleSyncStates_PropagatesQueryError(t *testing.T) {
	s, db := newTestStore()
	db.queryErr = assertAnError{}

	_, err := s.ReapStaleSyncStates(context.Background(), time.Minute)
	require.Error(t, err)
}

type assertAnError struct{}

func (assertAnError) Error() string { return "boom" }
