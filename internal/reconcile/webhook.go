// internal/reconcile/webhook.go
package reconcile

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"easypaybackend/internal/config"
	"easypaybackend/internal/logger"
	"easypaybackend/internal/middleware"
)

// Webhook payloads are small; anything larger is not from the processor.
const maxWebhookBody = 65536

// WebhookHandler processes payment processor event deliveries. Signature
// verification is mandatory outside mock mode; an unverifiable payload is
// rejected before any of it is parsed.
func (rc *Reconciler) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		middleware.WriteAPIError(w, r, http.StatusMethodNotAllowed, "method_not_allowed",
			"Only POST is supported", "")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		middleware.WriteAPIError(w, r, http.StatusBadRequest, "read_failed",
			"Could not read request body", "")
		return
	}
	if len(body) > maxWebhookBody {
		middleware.WriteAPIError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large",
			"Webhook payload exceeds size limit", "")
		return
	}

	event, err := rc.parseEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		logger.LogWarn("Webhook rejected: %v", err)
		middleware.WriteAPIError(w, r, http.StatusBadRequest, "invalid_signature",
			"Webhook verification failed", "")
		return
	}

	if err := rc.dispatchEvent(r, event); err != nil {
		logger.LogError("Webhook event %s (%s) failed: %v", event.ID, event.Type, err)
		// Non-2xx makes the processor redeliver; reconciliation is idempotent
		// so redelivery is safe.
		middleware.WriteAPIError(w, r, http.StatusInternalServerError, "processing_failed",
			"Event could not be processed", "")
		return
	}

	middleware.WriteAPISuccess(w, r, map[string]string{"received": "true"})
}

func (rc *Reconciler) parseEvent(body []byte, signature string) (stripe.Event, error) {
	if config.UseMockWebhookVerification {
		var event stripe.Event
		if err := json.Unmarshal(body, &event); err != nil {
			return stripe.Event{}, fmt.Errorf("unmarshaling mock event: %w", err)
		}
		return event, nil
	}
	return webhook.ConstructEvent(body, signature, config.StripeWebhookSecret())
}

func (rc *Reconciler) dispatchEvent(r *http.Request, event stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		session, err := sessionFromEvent(event)
		if err != nil {
			return err
		}
		if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
			// Async payment methods fire completed before the money moved;
			// the async_payment_succeeded event will follow.
			logger.LogInfo("Session %s completed but unpaid, waiting for settlement", session.ID)
			return nil
		}
		_, err = rc.CompleteSession(r.Context(), session.ID, session.Metadata["fingerprint"])
		return err

	case "checkout.session.expired":
		session, err := sessionFromEvent(event)
		if err != nil {
			return err
		}
		return rc.DeclineSession(session.ID, "checkout session expired")

	case "checkout.session.async_payment_failed":
		session, err := sessionFromEvent(event)
		if err != nil {
			return err
		}
		return rc.DeclineSession(session.ID, "async payment failed")

	default:
		logger.LogInfo("Ignoring webhook event type %s", event.Type)
		return nil
	}
}

func sessionFromEvent(event stripe.Event) (stripe.CheckoutSession, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return stripe.CheckoutSession{}, fmt.Errorf("unmarshaling session from event %s: %w", event.ID, err)
	}
	if session.ID == "" {
		return stripe.CheckoutSession{}, fmt.Errorf("event %s carries no session id", event.ID)
	}
	return session, nil
}
