// internal/reconcile/recovery.go
package reconcile

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"easypaybackend/internal/ledger"
	"easypaybackend/internal/logger"
)

const successPageHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Payment received</title>
<style>body{font-family:sans-serif;max-width:32em;margin:4em auto;text-align:center}</style></head>
<body>
<h1>✅ Payment received</h1>
<p>Thanks! Your toll payment is being processed. You can close this page;
a confirmation will arrive in the chat where you started the request.</p>
</body>
</html>`

const cancelPageHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Payment canceled</title>
<style>body{font-family:sans-serif;max-width:32em;margin:4em auto;text-align:center}</style></head>
<body>
<h1>Payment canceled</h1>
<p>No charge was made. You can start a new payment from the chat at any time.</p>
</body>
</html>`

// SuccessHandler is where the processor redirects the customer after paying.
// The redirect itself proves nothing, so the session is verified against the
// processor before the ledger moves. This path exists for the case where the
// webhook never arrives (misconfiguration, delivery outage): the customer
// landing here is often the first usable completion signal.
func (rc *Reconciler) SuccessHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sid")
	if sessionID != "" {
		if _, err := rc.VerifyAndComplete(r.Context(), sessionID); err != nil {
			// The customer already paid; show the success page regardless and
			// let the sweep pick the record up later.
			logger.LogError("Success-page reconciliation for session %s failed: %v", sessionID, err)
		}
	} else {
		logger.LogWarn("Success page hit without session id from %s", r.RemoteAddr)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, successPageHTML)
}

// CancelHandler renders the page the processor redirects to on abandon. The
// ledger entry stays pending until the session-expired event or the stale
// sweep resolves it, since the customer may still reopen the checkout link.
func (rc *Reconciler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, cancelPageHTML)
}

// RecoverPendingPayments re-checks every pending request against the
// processor and retries completion notices that never went out. Run at
// startup to catch webhooks missed while the process was down.
func (rc *Reconciler) RecoverPendingPayments(ctx context.Context) {
	pending, err := ledger.ListPending()
	if err != nil {
		logger.LogError("Recovery sweep could not list pending requests: %v", err)
		return
	}

	recovered := 0
	for _, rec := range pending {
		checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		result, err := rc.VerifyAndComplete(checkCtx, rec.SessionID)
		cancel()

		if err != nil {
			logger.LogWarn("Recovery check for request %s failed: %v", rec.RequestID, err)
			continue
		}
		if result != nil && result.Status == ledger.StatusCompleted {
			recovered++
		}
	}
	if len(pending) > 0 {
		logger.LogInfo("Recovery sweep: %d completed out of %d pending", recovered, len(pending))
	} else {
		logger.LogInfo("Recovery sweep: no pending requests")
	}

	rc.resendLostNotices(ctx)
}

// resendLostNotices retries the confirmation message for requests that
// completed while the notice failed or the process died before sending it.
func (rc *Reconciler) resendLostNotices(ctx context.Context) {
	unnotified, err := ledger.ListUnnotified()
	if err != nil {
		logger.LogError("Recovery sweep could not list unnotified requests: %v", err)
		return
	}

	for i := range unnotified {
		noticeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		rc.sendCompletionNotice(noticeCtx, &unnotified[i])
		cancel()
	}
	if len(unnotified) > 0 {
		logger.LogInfo("Recovery sweep: retried %d lost completion notice(s)", len(unnotified))
	}
}

// StartStaleRequestCleanup expires provisional requests periodically so a
// crashed checkout attempt cannot hold a fingerprint forever.
func StartStaleRequestCleanup(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := ledger.ExpireStale(maxAge); err != nil {
					logger.LogError("Stale request cleanup failed: %v", err)
				}
			}
		}
	}()
}
