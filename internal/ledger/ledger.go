// internal/ledger/ledger.go
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"easypaybackend/internal/logger"
	"easypaybackend/internal/pricing"
)

// Request lifecycle. A row moves creating -> pending -> completed, or drops
// to declined from either non-terminal state. Completed and declined rows
// stay forever as history; only they release the fingerprint for reuse.
const (
	StatusCreating  = "creating"
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusDeclined  = "declined"
)

var ErrNotFound = errors.New("payment request not found")

// RequestRecord is one row of the payment request ledger.
type RequestRecord struct {
	RequestID   string       `json:"requestId"`
	ChannelID   string       `json:"channelId"`
	PlanKind    pricing.Kind `json:"planKind"`
	Plate       string       `json:"plate"`
	Invoice     string       `json:"invoice"`
	Fingerprint string       `json:"-"`
	AmountTotal float64      `json:"amountTotal"`
	Currency    string       `json:"currency"`
	Status      string       `json:"status"`
	SessionID   string       `json:"sessionId,omitempty"`
	CheckoutURL string       `json:"checkoutUrl,omitempty"`
	Notified    bool         `json:"-"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// Active reports whether the record still holds its fingerprint.
func (r *RequestRecord) Active() bool {
	return r.Status == StatusCreating || r.Status == StatusPending
}

// Fingerprint builds the deterministic identity of one payment attempt. Two
// submissions with the same channel, plan and normalized lookup fields are
// the same request; everything downstream (the unique index, the processor
// idempotency key) is keyed off this string.
func Fingerprint(channelID string, kind pricing.Kind, plate, invoice string) string {
	tag := "p1"
	if kind == pricing.KindDiscount {
		tag = "p2"
	}
	return fmt.Sprintf("G:%s:%s:%s:%s", channelID, tag, plate, invoice)
}

// Per-fingerprint locks serialize in-process racers before they reach the
// database; the partial unique index remains the cross-process backstop.
var (
	fpLocksMu sync.Mutex
	fpLocks   = map[string]*sync.Mutex{}
)

func lockFingerprint(fp string) func() {
	fpLocksMu.Lock()
	l, ok := fpLocks[fp]
	if !ok {
		l = &sync.Mutex{}
		fpLocks[fp] = l
	}
	fpLocksMu.Unlock()

	l.Lock()
	return l.Unlock
}

// CreateOrGetExisting atomically claims the fingerprint for a new request.
// When another active request already holds it, that request is returned
// instead and created is false; the caller decides how to present the
// duplicate to the user.
func CreateOrGetExisting(rec *RequestRecord) (created bool, existing *RequestRecord, err error) {
	unlock := lockFingerprint(rec.Fingerprint)
	defer unlock()

	if prior, err := FindActive(rec.Fingerprint); err != nil {
		return false, nil, err
	} else if prior != nil {
		return false, prior, nil
	}

	if rec.RequestID == "" {
		rec.RequestID = uuid.New().String()
	}
	if rec.Currency == "" {
		rec.Currency = "usd"
	}
	now := time.Now()
	rec.Status = StatusCreating
	rec.CreatedAt = now
	rec.UpdatedAt = now

	result, err := ExecDB(`
        INSERT INTO payment_requests
            (request_id, channel_id, plan_kind, plate, invoice, fingerprint,
             amount_total, currency, status, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(fingerprint) WHERE status NOT IN ('completed', 'declined')
            DO NOTHING`,
		rec.RequestID, rec.ChannelID, string(rec.PlanKind), rec.Plate, rec.Invoice,
		rec.Fingerprint, rec.AmountTotal, rec.Currency, rec.Status,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return false, nil, fmt.Errorf("failed to insert payment request: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("failed to check insert result: %w", err)
	}
	if rows == 0 {
		// Lost the insert race to another process; surface the winner.
		prior, err := FindActive(rec.Fingerprint)
		if err != nil {
			return false, nil, err
		}
		if prior == nil {
			return false, nil, fmt.Errorf("insert conflicted but no active request for fingerprint")
		}
		return false, prior, nil
	}

	logger.LogInfo("Payment request %s created (channel=%s, plan=%s, total=%.2f)",
		rec.RequestID, rec.ChannelID, rec.PlanKind, rec.AmountTotal)
	return true, nil, nil
}

// SetPending records the checkout session handed to the customer and moves
// the request out of its provisional state.
func SetPending(requestID, sessionID, checkoutURL string) error {
	result, err := ExecDB(`
        UPDATE payment_requests
           SET status = ?, checkout_session_id = ?, checkout_url = ?, updated_at = ?
         WHERE request_id = ? AND status = ?`,
		StatusPending, sessionID, checkoutURL, formatTime(time.Now()),
		requestID, StatusCreating)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("request %s not in %s state: %w", requestID, StatusCreating, ErrNotFound)
	}
	return nil
}

// SetDeclined releases the fingerprint. Used both when checkout creation
// fails and when the processor reports the session expired or canceled.
func SetDeclined(requestID string) error {
	result, err := ExecDB(`
        UPDATE payment_requests
           SET status = ?, updated_at = ?
         WHERE request_id = ? AND status IN (?, ?)`,
		StatusDeclined, formatTime(time.Now()),
		requestID, StatusCreating, StatusPending)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("request %s not active: %w", requestID, ErrNotFound)
	}
	logger.LogInfo("Payment request %s declined", requestID)
	return nil
}

// SetCompletedBySession marks the request tied to a checkout session as paid.
// Calling it again for the same session is a no-op with already=true, which
// is what makes webhook redelivery and the success-page fallback safe to run
// in any order.
func SetCompletedBySession(sessionID string) (rec *RequestRecord, already bool, err error) {
	rec, err = GetBySession(sessionID)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return nil, false, ErrNotFound
	}
	if rec.Status == StatusCompleted {
		return rec, true, nil
	}
	if rec.Status == StatusDeclined {
		// Declined is terminal. A payment signal racing a decline keeps the
		// decline; any refund is an operator decision, not a state flip.
		logger.LogWarn("Completion signal for declined request %s ignored (session=%s)",
			rec.RequestID, sessionID)
		return rec, true, nil
	}
	if err := complete(rec.RequestID, sessionID); err != nil {
		return nil, false, err
	}
	rec, _, err = GetByID(rec.RequestID)
	return rec, false, err
}

// SetCompletedFallback resolves a completion that arrived without a known
// session id: the most recent active request for the fingerprint is taken as
// the one that was paid.
func SetCompletedFallback(fingerprint, sessionID string) (*RequestRecord, error) {
	rec, err := getRecord(`
        SELECT `+recordColumns+`
          FROM payment_requests
         WHERE fingerprint = ? AND status IN (?, ?)
         ORDER BY created_at DESC LIMIT 1`,
		fingerprint, StatusCreating, StatusPending)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	if err := complete(rec.RequestID, sessionID); err != nil {
		return nil, err
	}
	logger.LogWarn("Payment request %s completed via fingerprint fallback (session=%s)",
		rec.RequestID, sessionID)
	rec, _, err = GetByID(rec.RequestID)
	return rec, err
}

func complete(requestID, sessionID string) error {
	now := formatTime(time.Now())
	result, err := ExecDB(`
        UPDATE payment_requests
           SET status = ?, checkout_session_id = ?, updated_at = ?, completed_at = ?
         WHERE request_id = ? AND status IN (?, ?)`,
		StatusCompleted, sessionID, now, now, requestID, StatusCreating, StatusPending)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("request %s not active: %w", requestID, ErrNotFound)
	}
	logger.LogInfo("Payment request %s completed (session=%s)", requestID, sessionID)
	return nil
}

// SetNotified records that the completion message for this request went out.
func SetNotified(requestID string) error {
	_, err := ExecDB(`UPDATE payment_requests SET notified = 1, updated_at = ? WHERE request_id = ?`,
		formatTime(time.Now()), requestID)
	return err
}

// FindActive returns the active request holding a fingerprint, or nil.
func FindActive(fingerprint string) (*RequestRecord, error) {
	return getRecord(`
        SELECT `+recordColumns+`
          FROM payment_requests
         WHERE fingerprint = ? AND status IN (?, ?)`,
		fingerprint, StatusCreating, StatusPending)
}

// GetByID fetches one request. The bool mirrors SetCompletedBySession's
// already flag so callers share a signature.
func GetByID(requestID string) (*RequestRecord, bool, error) {
	rec, err := getRecord(`SELECT `+recordColumns+` FROM payment_requests WHERE request_id = ?`, requestID)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return nil, false, ErrNotFound
	}
	return rec, rec.Status == StatusCompleted, nil
}

// GetBySession fetches the request tied to a checkout session, or nil.
func GetBySession(sessionID string) (*RequestRecord, error) {
	if sessionID == "" {
		return nil, nil
	}
	return getRecord(`SELECT `+recordColumns+` FROM payment_requests WHERE checkout_session_id = ?`, sessionID)
}

// ListRecent returns a channel's newest requests, any status.
func ListRecent(channelID string, limit int) ([]RequestRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return collectRecords(`
        SELECT `+recordColumns+`
          FROM payment_requests
         WHERE channel_id = ?
         ORDER BY created_at DESC LIMIT ?`, channelID, limit)
}

// ListPending returns every request waiting on a payment outcome, for the
// startup recovery sweep.
func ListPending() ([]RequestRecord, error) {
	return collectRecords(`
        SELECT `+recordColumns+`
          FROM payment_requests
         WHERE status = ? AND checkout_session_id != ''
         ORDER BY created_at ASC`, StatusPending)
}

// ListUnnotified returns completed requests whose confirmation message never
// went out, so the recovery sweep can retry the notice.
func ListUnnotified() ([]RequestRecord, error) {
	return collectRecords(`
        SELECT `+recordColumns+`
          FROM payment_requests
         WHERE status = ? AND notified = 0
         ORDER BY created_at ASC`, StatusCompleted)
}

// ExpireStale declines requests stuck in the provisional state, which
// happens when the process dies between claiming a fingerprint and creating
// the checkout session. Returns how many were released.
func ExpireStale(maxAge time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-maxAge))
	result, err := ExecDB(`
        UPDATE payment_requests
           SET status = ?, updated_at = ?
         WHERE status = ? AND created_at < ?`,
		StatusDeclined, formatTime(time.Now()), StatusCreating, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		logger.LogWarn("Expired %d stale payment request(s)", n)
	}
	return n, nil
}

// =============================================================================
// ROW SCANNING
// =============================================================================

const recordColumns = `request_id, channel_id, plan_kind, plate, invoice, fingerprint,
    amount_total, currency, status, checkout_session_id, checkout_url, notified,
    created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func getRecord(query string, args ...interface{}) (*RequestRecord, error) {
	dbConn, err := GetDB()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	return scanRecord(dbConn.QueryRowContext(ctx, query, args...))
}

func scanRecord(scanner rowScanner) (*RequestRecord, error) {
	var (
		rec        RequestRecord
		planKind   string
		sessionID  sql.NullString
		checkout   sql.NullString
		createdAt  string
		updatedAt  string
		completeAt sql.NullString
	)

	err := scanner.Scan(
		&rec.RequestID, &rec.ChannelID, &planKind, &rec.Plate, &rec.Invoice,
		&rec.Fingerprint, &rec.AmountTotal, &rec.Currency, &rec.Status,
		&sessionID, &checkout, &rec.Notified, &createdAt, &updatedAt, &completeAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan payment request: %w", err)
	}

	rec.PlanKind = pricing.Kind(planKind)
	rec.SessionID = sessionID.String
	rec.CheckoutURL = checkout.String

	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if rec.CompletedAt, err = parseNullableTime(completeAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func collectRecords(query string, args ...interface{}) ([]RequestRecord, error) {
	var out []RequestRecord
	err := QueryDB(query, func(rows *sql.Rows) error {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		out = append(out, *rec)
		return nil
	}, args...)
	if err != nil {
		return nil, err
	}
	return out, nil
}
