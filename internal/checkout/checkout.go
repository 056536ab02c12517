// internal/checkout/checkout.go
package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/checkout/session"

	"easypaybackend/internal/logger"
	"easypaybackend/internal/pricing"
)

// ProcessorError is a failure reported by the payment processor (as opposed
// to our own plumbing). Callers roll the ledger entry back when they see one,
// since no checkout session exists for the customer to pay.
type ProcessorError struct {
	Code    string
	Message string
	err     error
}

func (e *ProcessorError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment processor error (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("payment processor error: %s", e.Message)
}

func (e *ProcessorError) Unwrap() error { return e.err }

func wrapProcessorError(err error) error {
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		return &ProcessorError{Code: string(sErr.Code), Message: sErr.Msg, err: err}
	}
	return &ProcessorError{Message: err.Error(), err: err}
}

// SessionRequest carries everything needed to open a hosted checkout page
// for one ledger entry.
type SessionRequest struct {
	RequestID   string
	ChannelID   string
	Fingerprint string
	PlanKind    pricing.Kind
	Plate       string
	Invoice     string
	Description string
	AmountCents int64
	Currency    string
}

// Session is the hosted page handed back to the customer.
type Session struct {
	ID  string
	URL string
}

// VerifiedSession is the processor's view of a session, pulled by id during
// recovery when the webhook may have been missed.
type VerifiedSession struct {
	ID          string
	Paid        bool
	RequestID   string
	Fingerprint string
}

// Bridge creates and inspects hosted checkout sessions.
type Bridge struct {
	baseURL string
}

// New configures the processor client. The secret key is process-global in
// the underlying SDK.
func New(secretKey, baseURL string) *Bridge {
	stripe.Key = secretKey
	return &Bridge{baseURL: baseURL}
}

// CreateSession opens a hosted checkout page for the request. The ledger
// fingerprint doubles as the processor idempotency key, so retrying after a
// network failure returns the session already created rather than a second
// charge.
func (b *Bridge) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("invalid checkout amount %d cents", req.AmountCents)
	}
	currency := req.Currency
	if currency == "" {
		currency = "usd"
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.RequestID),
		SuccessURL:        stripe.String(b.baseURL + "/stripe/success?sid={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(b.baseURL + "/stripe/cancel"),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(req.AmountCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:        stripe.String(fmt.Sprintf("Toll payment - plate %s", req.Plate)),
					Description: stripe.String(req.Description),
				},
			},
		}},
		Metadata: map[string]string{
			"request_id":  req.RequestID,
			"channel_id":  req.ChannelID,
			"fingerprint": req.Fingerprint,
			"plan":        string(req.PlanKind),
			"plate":       req.Plate,
			"invoice":     req.Invoice,
		},
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(req.Fingerprint)

	s, err := session.New(params)
	if err != nil {
		logger.LogError("Checkout session creation failed for request %s: %v", req.RequestID, err)
		return nil, wrapProcessorError(err)
	}

	logger.LogInfo("Checkout session %s created for request %s (%d cents)",
		s.ID, req.RequestID, req.AmountCents)
	return &Session{ID: s.ID, URL: s.URL}, nil
}

// GetSession pulls a session by id and reports whether it was paid.
func (b *Bridge) GetSession(ctx context.Context, sessionID string) (*VerifiedSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	s, err := session.Get(sessionID, params)
	if err != nil {
		return nil, wrapProcessorError(err)
	}

	return &VerifiedSession{
		ID:          s.ID,
		Paid:        s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		RequestID:   s.Metadata["request_id"],
		Fingerprint: s.Metadata["fingerprint"],
	}, nil
}
