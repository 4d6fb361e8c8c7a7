// Package idempotency implements the send_idempotency ledger: normalizing
// caller-supplied keys, hashing the send request so a retried send with a
// changed body is detected as a conflict rather than silently replayed, and
// the claim/finalize state machine the send pipeline drives.
package idempotency

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/mailforge/syncengine/internal/models"
	"github.com/mailforge/syncengine/internal/syncerr"
)

// ledgerTTL is how long a ledger row is honored before a reused key is
// treated as a fresh send.
const ledgerTTL = 24 * time.Hour

// NormalizeSendIdempotencyKey trims surrounding whitespace from a
// caller-supplied idempotency key, capping its length so a pathological
// client can't grow the ledger's primary key unboundedly.
func NormalizeSendIdempotencyKey(raw string) string {
	key := strings.TrimSpace(raw)
	if key == "" {
		return ""
	}
	if len(key) > 255 {
		key = key[:255]
	}
	return key
}

// sendRequestFields is the canonical shape hashed into a send's
// request-hash. Field order is fixed by struct tag, not map iteration, so
// the hash is stable across Go versions and processes.
type sendRequestFields struct {
	IdentityID  string   `json:"identityId"`
	To          []string `json:"to"`
	CC          []string `json:"cc"`
	BCC         []string `json:"bcc"`
	Subject     string   `json:"subject"`
	BodyText    string   `json:"bodyText"`
	BodyHTML    string   `json:"bodyHtml"`
	InReplyTo   string   `json:"inReplyTo"`
	ThreadTag   string   `json:"threadTag"`
	AttachmentN int      `json:"attachmentCount"`
}

// SendRequest is the subset of a compose request that must match for a
// repeated idempotency key to be treated as the same logical send.
type SendRequest struct {
	IdentityID      string
	To, CC, BCC     []string
	Subject         string
	BodyText        string
	BodyHTML        string
	InReplyTo       string
	ThreadTag       string
	AttachmentCount int
}

// MakeSendRequestHash computes a stable hash of req: SHA-256 over the
// canonical JSON encoding, base64-encoded. Recipient lists are sorted first
// so reordering To/CC/BCC doesn't change the hash.
func MakeSendRequestHash(req SendRequest) (string, error) {
	fields := sendRequestFields{
		IdentityID:  req.IdentityID,
		To:          sortedCopy(req.To),
		CC:          sortedCopy(req.CC),
		BCC:         sortedCopy(req.BCC),
		Subject:     req.Subject,
		BodyText:    req.BodyText,
		BodyHTML:    req.BodyHTML,
		InReplyTo:   req.InReplyTo,
		ThreadTag:   req.ThreadTag,
		AttachmentN: req.AttachmentCount,
	}
	canonical, err := json.Marshal(fields)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal send request for hashing")
	}
	sum := sha256.Sum256(canonical)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

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

// Ledger implements the send_idempotency state machine.
type Ledger struct {
	db    dbConn
	clock func() time.Time
}

// New constructs a Ledger.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: sqlDBAdapter{db: db}, clock: time.Now}
}

const getRowSQL = `
SELECT status, request_hash, attempts, result, error_message, expires_at, updated_at
FROM send_idempotency
WHERE user_id = $1 AND idempotency_key = $2`

const insertRowSQL = `
INSERT INTO send_idempotency (user_id, idempotency_key, identity_id, request_hash, status, attempts, expires_at, updated_at)
VALUES ($1, $2, $3, $4, 'processing', 1, $5, NOW())`

const reclaimExpiredRowSQL = `
UPDATE send_idempotency
SET identity_id = $3, request_hash = $4, status = 'processing', attempts = 1,
	result = NULL, error_message = '', expires_at = $5, updated_at = NOW()
WHERE user_id = $1 AND idempotency_key = $2`

const bumpAttemptSQL = `
UPDATE send_idempotency
SET status = 'processing', attempts = attempts + 1, updated_at = NOW()
WHERE user_id = $1 AND idempotency_key = $2`

// ClaimOutcome tells the caller what GetOrCreate decided.
type ClaimOutcome string

const (
	// ClaimNew means a brand new ledger row was inserted; proceed to send.
	ClaimNew ClaimOutcome = "new"
	// ClaimRetry means a prior attempt failed or was abandoned; proceed to
	// send again (attempts incremented).
	ClaimRetry ClaimOutcome = "retry"
	// ClaimReplaySucceeded means a prior send with the same key+hash already
	// succeeded; return its cached result instead of sending again.
	ClaimReplaySucceeded ClaimOutcome = "replay_succeeded"
	// ClaimInFlight means another in-flight attempt holds this key; the
	// caller should reject or poll rather than send concurrently.
	ClaimInFlight ClaimOutcome = "in_flight"
)

// GetOrCreate implements the claim half of the idempotency state machine.
// It returns the ledger row as it stands after the claim attempt.
func (l *Ledger) GetOrCreate(ctx context.Context, userID, idempotencyKey, identityID string, req SendRequest) (ClaimOutcome, *models.SendIdempotency, error) {
	hash, err := MakeSendRequestHash(req)
	if err != nil {
		return "", nil, err
	}

	existing, err := l.get(ctx, userID, idempotencyKey)
	if err != nil {
		return "", nil, err
	}

	now := l.clock()
	expiresAt := now.Add(ledgerTTL)

	if existing == nil {
		if _, err := l.db.ExecContext(ctx, insertRowSQL, userID, idempotencyKey, identityID, hash, expiresAt); err != nil {
			return "", nil, errors.Wrap(err, "failed to insert idempotency row")
		}
		return ClaimNew, &models.SendIdempotency{
			UserID: userID, IdempotencyKey: idempotencyKey, IdentityID: identityID,
			RequestHash: hash, Status: models.SendProcessing, Attempts: 1, ExpiresAt: expiresAt,
		}, nil
	}

	if now.After(existing.ExpiresAt) {
		if _, err := l.db.ExecContext(ctx, reclaimExpiredRowSQL, userID, idempotencyKey, identityID, hash, expiresAt); err != nil {
			return "", nil, errors.Wrap(err, "failed to reclaim expired idempotency row")
		}
		existing.IdentityID, existing.RequestHash, existing.Status, existing.Attempts = identityID, hash, models.SendProcessing, 1
		existing.Result, existing.ErrorMessage, existing.ExpiresAt = nil, "", expiresAt
		return ClaimNew, existing, nil
	}

	if existing.RequestHash != hash {
		return "", nil, errors.Wrapf(syncerr.ErrConflict, "idempotency key %q already used for a different send request", idempotencyKey)
	}

	switch existing.Status {
	case models.SendSucceeded:
		return ClaimReplaySucceeded, existing, nil
	case models.SendProcessing:
		return ClaimInFlight, existing, nil
	case models.SendFailed, models.SendPending:
		if _, err := l.db.ExecContext(ctx, bumpAttemptSQL, userID, idempotencyKey); err != nil {
			return "", nil, errors.Wrap(err, "failed to bump idempotency attempt")
		}
		existing.Status = models.SendProcessing
		existing.Attempts++
		return ClaimRetry, existing, nil
	default:
		return ClaimInFlight, existing, nil
	}
}

func (l *Ledger) get(ctx context.Context, userID, idempotencyKey string) (*models.SendIdempotency, error) {
	var rec models.SendIdempotency
	var status string
	var resultJSON sql.NullString
	var errMsg sql.NullString

	row := l.db.QueryRowContext(ctx, getRowSQL, userID, idempotencyKey)
	err := row.Scan(&status, &rec.RequestHash, &rec.Attempts, &resultJSON, &errMsg, &rec.ExpiresAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load idempotency row")
	}

	rec.UserID = userID
	rec.IdempotencyKey = idempotencyKey
	rec.Status = models.SendStatus(status)
	if errMsg.Valid {
		rec.ErrorMessage = errMsg.String
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var result models.SendResult
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal cached send result")
		}
		rec.Result = &result
	}
	return &rec, nil
}

const finalizeSucceededSQL = `
UPDATE send_idempotency
SET status = 'succeeded', result = $3, error_message = '', updated_at = NOW()
WHERE user_id = $1 AND idempotency_key = $2`

const finalizeFailedSQL = `
UPDATE send_idempotency
SET status = 'failed', error_message = $3, updated_at = NOW()
WHERE user_id = $1 AND idempotency_key = $2`

// FinalizeSucceeded records a successful send result against the ledger row.
func (l *Ledger) FinalizeSucceeded(ctx context.Context, userID, idempotencyKey string, result models.SendResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "failed to marshal send result")
	}
	_, err = l.db.ExecContext(ctx, finalizeSucceededSQL, userID, idempotencyKey, resultJSON)
	if err != nil {
		return errors.Wrap(err, "failed to finalize succeeded idempotency row")
	}
	return nil
}

// FinalizeFailed records a terminal failure against the ledger row, letting
// a later retry with the same key attempt again.
func (l *Ledger) FinalizeFailed(ctx context.Context, userID, idempotencyKey, errMsg string) error {
	_, err := l.db.ExecContext(ctx, finalizeFailedSQL, userID, idempotencyKey, errMsg)
	if err != nil {
		return errors.Wrap(err, "failed to finalize failed idempotency row")
	}
	return nil
}
