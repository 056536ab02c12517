// internal/reconcile/reconcile.go
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"easypaybackend/internal/checkout"
	"easypaybackend/internal/ledger"
	"easypaybackend/internal/logger"
	"easypaybackend/internal/notify"
)

// SessionVerifier pulls a checkout session's state straight from the
// processor, used when a completion signal arrives without webhook proof.
type SessionVerifier interface {
	GetSession(ctx context.Context, sessionID string) (*checkout.VerifiedSession, error)
}

// Reconciler applies payment outcomes to the ledger. Completion signals
// arrive from up to three directions for the same payment (webhook delivery,
// webhook redelivery, the customer landing on the success page); the ledger's
// idempotent completion plus the notified flag collapse them into exactly one
// state change and one customer notification.
type Reconciler struct {
	verifier SessionVerifier
	notifier notify.Notifier

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func New(verifier SessionVerifier, notifier notify.Notifier) *Reconciler {
	return &Reconciler{
		verifier: verifier,
		notifier: notifier,
		inFlight: make(map[string]struct{}),
	}
}

// CompleteSession marks the request behind a checkout session as paid and
// notifies the customer once. The fingerprint, when known, lets a completion
// land even if the session id was never written to the ledger (process death
// between session creation and SetPending).
func (rc *Reconciler) CompleteSession(ctx context.Context, sessionID, fingerprint string) (*ledger.RequestRecord, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("completion signal without session id")
	}

	rc.mu.Lock()
	if _, busy := rc.inFlight[sessionID]; busy {
		rc.mu.Unlock()
		logger.LogInfo("Completion for session %s already in flight, skipping", sessionID)
		return nil, nil
	}
	rc.inFlight[sessionID] = struct{}{}
	rc.mu.Unlock()
	defer func() {
		rc.mu.Lock()
		delete(rc.inFlight, sessionID)
		rc.mu.Unlock()
	}()

	rec, already, err := ledger.SetCompletedBySession(sessionID)
	if errors.Is(err, ledger.ErrNotFound) && fingerprint != "" {
		rec, err = ledger.SetCompletedFallback(fingerprint, sessionID)
		already = false
	}
	if err != nil {
		return nil, fmt.Errorf("applying completion for session %s: %w", sessionID, err)
	}

	if already || rec.Notified {
		logger.LogInfo("Session %s already reconciled (request %s), nothing to do",
			sessionID, rec.RequestID)
		return rec, nil
	}

	rc.sendCompletionNotice(ctx, rec)
	return rec, nil
}

// DeclineSession releases the fingerprint when the processor reports the
// session expired or the payment failed for good.
func (rc *Reconciler) DeclineSession(sessionID, reason string) error {
	rec, err := ledger.GetBySession(sessionID)
	if err != nil {
		return err
	}
	if rec == nil {
		logger.LogWarn("Decline signal for unknown session %s (%s)", sessionID, reason)
		return nil
	}
	if !rec.Active() {
		return nil
	}
	if err := ledger.SetDeclined(rec.RequestID); err != nil {
		return err
	}
	logger.LogInfo("Request %s declined: %s", rec.RequestID, reason)
	return nil
}

// VerifyAndComplete pulls the session from the processor and completes it
// only when the processor says it was paid. Used by the success-page
// fallback and the startup sweep, where the signal alone proves nothing.
func (rc *Reconciler) VerifyAndComplete(ctx context.Context, sessionID string) (*ledger.RequestRecord, error) {
	verified, err := rc.verifier.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("verifying session %s: %w", sessionID, err)
	}
	if !verified.Paid {
		logger.LogInfo("Session %s not paid yet, leaving request pending", sessionID)
		return ledger.GetBySession(sessionID)
	}
	return rc.CompleteSession(ctx, verified.ID, verified.Fingerprint)
}

func (rc *Reconciler) sendCompletionNotice(ctx context.Context, rec *ledger.RequestRecord) {
	text := fmt.Sprintf(
		"✅ Payment received!\n\nPlate: %s\nInvoice: %s\nAmount: $%.2f\n\nYour toll balance will clear on the portal within 1-2 business days.",
		rec.Plate, rec.Invoice, rec.AmountTotal)

	if err := rc.notifier.Send(ctx, rec.ChannelID, text); err != nil {
		// The payment is final either way; the notice can be retried by the
		// recovery sweep because notified stays unset.
		logger.LogError("Completion notice for request %s failed: %v", rec.RequestID, err)
		return
	}
	if err := ledger.SetNotified(rec.RequestID); err != nil {
		logger.LogError("Failed to record notification for request %s: %v", rec.RequestID, err)
		return
	}
	rec.Notified = true
}
