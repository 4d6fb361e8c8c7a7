package idempotency

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailforge/syncengine/internal/models"
	"github.com/mailforge/syncengine/internal/syncerr"
)

func TestNormalizeSendIdempotencyKey(t *testing.T) {
	assert.Equal(t, "", NormalizeSendIdempotencyKey("   "))
	assert.Equal(t, "abc", NormalizeSendIdempotencyKey("  abc  "))
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, NormalizeSendIdempotencyKey(string(long)), 255)
}

func TestMakeSendRequestHash_StableAcrossRecipientOrder(t *testing.T) {
	a := SendRequest{IdentityID: "id1", To: []string{"b@x.com", "a@x.com"}, Subject: "hi"}
	b := SendRequest{IdentityID: "id1", To: []string{"a@x.com", "b@x.com"}, Subject: "hi"}

	ha, err := MakeSendRequestHash(a)
	require.NoError(t, err)
	hb, err := MakeSendRequestHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestMakeSendRequestHash_DiffersOnBodyChange(t *testing.T) {
	a := SendRequest{IdentityID: "id1", Subject: "hi", BodyText: "one"}
	b := SendRequest{IdentityID: "id1", Subject: "hi", BodyText: "two"}

	ha, err := MakeSendRequestHash(a)
	require.NoError(t, err)
	hb, err := MakeSendRequestHash(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

type fakeRow struct {
	err  error
	vals []any
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.vals[0].(string)
	*dest[1].(*string) = r.vals[1].(string)
	*dest[2].(*int) = r.vals[2].(int)
	*dest[3].(*sql.NullString) = r.vals[3].(sql.NullString)
	*dest[4].(*sql.NullString) = r.vals[4].(sql.NullString)
	*dest[5].(*time.Time) = r.vals[5].(time.Time)
	*dest[6].(*time.Time) = r.vals[6].(time.Time)
	return nil
}

type fakeDB struct {
	row       fakeRow
	execCalls []string
	execErr   error
}

func (f *fakeDB) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	f.execCalls = append(f.execCalls, query)
	return nil, f.execErr
}

func (f *fakeDB) QueryRowContext(_ context.Context, _ string, _ ...any) rowScanner {
	return f.row
}

func newTestLedger() (*Ledger, *fakeDB) {
	db := &fakeDB{row: fakeRow{err: sql.ErrNoRows}}
	return &Ledger{db: db, clock: time.Now}, db
}

func TestGetOrCreate_NewKeyInserts(t *testing.T) {
	l, db := newTestLedger()
	outcome, rec, err := l.GetOrCreate(context.Background(), "u1", "key1", "identA", SendRequest{IdentityID: "identA"})
	require.NoError(t, err)
	assert.Equal(t, ClaimNew, outcome)
	assert.Equal(t, models.SendProcessing, rec.Status)
	require.Len(t, db.execCalls, 1)
	assert.Contains(t, db.execCalls[0], "INSERT INTO send_idempotency")
}

func TestGetOrCreate_ReplaySucceededReturnsCachedResult(t *testing.T) {
	hash, err := MakeSendRequestHash(SendRequest{IdentityID: "identA"})
	require.NoError(t, err)

	l, db := newTestLedger()
	db.row = fakeRow{vals: []any{
		"succeeded", hash, 1,
		sql.NullString{String: `{"accepted":true,"messageId":"m1"}`, Valid: true},
		sql.NullString{}, time.Now().Add(time.Hour), time.Now(),
	}}

	outcome, rec, err := l.GetOrCreate(context.Background(), "u1", "key1", "identA", SendRequest{IdentityID: "identA"})
	require.NoError(t, err)
	assert.Equal(t, ClaimReplaySucceeded, outcome)
	require.NotNil(t, rec.Result)
	assert.Equal(t, "m1", rec.Result.MessageID)
	assert.Empty(t, db.execCalls)
}

func TestGetOrCreate_ConflictOnDifferentHash(t *testing.T) {
	l, db := newTestLedger()
	db.row = fakeRow{vals: []any{
		"succeeded", "different-hash", 1,
		sql.NullString{}, sql.NullString{}, time.Now().Add(time.Hour), time.Now(),
	}}

	_, _, err := l.GetOrCreate(context.Background(), "u1", "key1", "identA", SendRequest{IdentityID: "identA"})
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrConflict)
}

func TestGetOrCreate_InFlightWhenProcessing(t *testing.T) {
	l, db := newTestLedger()
	hash, err := MakeSendRequestHash(SendRequest{IdentityID: "identA"})
	require.NoError(t, err)
	db.row = fakeRow{vals: []any{
		"processing", hash, 1,
		sql.NullString{}, sql.NullString{}, time.Now().Add(time.Hour), time.Now(),
	}}

	outcome, _, err := l.GetOrCreate(context.Background(), "u1", "key1", "identA", SendRequest{IdentityID: "identA"})
	require.NoError(t, err)
	assert.Equal(t, ClaimInFlight, outcome)
}

func TestGetOrCreate_RetryWhenFailed(t *testing.T) {
	l, db := newTestLedger()
	hash, err := MakeSendRequestHash(SendRequest{IdentityID: "identA"})
	require.NoError(t, err)
	db.row = fakeRow{vals: []any{
		"failed", hash, 2,
		sql.NullString{}, sql.NullString{String: "smtp timeout", Valid: true}, time.Now().Add(time.Hour), time.Now(),
	}}

	outcome, rec, err := l.GetOrCreate(context.Background(), "u1", "key1", "identA", SendRequest{IdentityID: "identA"})
	require.NoError(t, err)
	assert.Equal(t, ClaimRetry, outcome)
	assert.Equal(t, 3, rec.Attempts)
	require.Len(t, db.execCalls, 1)
	assert.Contains(t, db.execCalls[0], "attempts = attempts + 1")
}

func TestGetOrCreate_ExpiredRowReclaimedAsNew(t *testing.T) {
	l, db := newTestLedger()
	hash, err := MakeSendRequestHash(SendRequest{IdentityID: "identA"})
	require.NoError(t, err)
	db.row = fakeRow{vals: []any{
		"succeeded", hash, 1,
		sql.NullString{}, sql.NullString{}, time.Now().Add(-time.Hour), time.Now().Add(-2 * time.Hour),
	}}

	outcome, _, err := l.GetOrCreate(context.Background(), "u1", "key1", "identB", SendRequest{IdentityID: "identB"})
	require.NoError(t, err)
	assert.Equal(t, ClaimNew, outcome)
	require.Len(t, db.execCalls, 1)
	assert.Contains(t, db.execCalls[0], "UPDATE send_idempotency")
}
