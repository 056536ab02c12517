// internal/flow/service.go
package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"easypaybackend/internal/checkout"
	"easypaybackend/internal/ledger"
	"easypaybackend/internal/logger"
	"easypaybackend/internal/portal"
	"easypaybackend/internal/pricing"
)

var (
	ErrNothingToPay   = errors.New("no outstanding balance to pay")
	ErrPlanNotOffered = errors.New("requested plan is not offered for this amount")
)

// PortalClient performs one balance acquisition against the toll portal.
type PortalClient interface {
	Lookup(ctx context.Context, q portal.Query) (portal.RawResponse, error)
}

// SessionCreator opens a hosted checkout page for a priced request.
type SessionCreator interface {
	CreateSession(ctx context.Context, req checkout.SessionRequest) (*checkout.Session, error)
}

// Service ties the portal, the pricing rules and the request ledger together
// behind the public API operations.
type Service struct {
	Portal   PortalClient
	Checkout SessionCreator
}

// LookupResponse is the API shape for one balance lookup.
type LookupResponse struct {
	Plate         string              `json:"plate"`
	Invoice       string              `json:"invoice"`
	Items         []portal.ChargeItem `json:"items"`
	Total         decimal.Decimal     `json:"total"`
	NoBalance     bool                `json:"noBalance"`
	LowConfidence bool                `json:"lowConfidence,omitempty"`
	Plans         []pricing.Plan      `json:"plans,omitempty"`
}

// Lookup acquires the current balance for a plate/invoice pair and prices
// the available plans. A portal "no records" answer is a verified zero.
func (s *Service) Lookup(ctx context.Context, plate, invoice string) (*LookupResponse, error) {
	q, err := portal.NewQuery(plate, invoice)
	if err != nil {
		return nil, err
	}

	raw, err := s.Portal.Lookup(ctx, q)
	if err != nil {
		return nil, err
	}

	resp := &LookupResponse{Plate: q.Plate, Invoice: q.Invoice, Total: decimal.Zero}
	if raw.NoRecords {
		resp.NoBalance = true
		logger.LogInfo("Lookup %s/%s: portal reports no records", q.Plate, q.Invoice)
		return resp, nil
	}

	result := portal.ParseResults(raw.HTML)
	resp.Items = result.Items
	resp.Total = result.Total
	resp.LowConfidence = result.LowConfidence
	resp.NoBalance = result.NoBalance()
	resp.Plans = pricing.ForAmount(result.Total)

	logger.LogInfo("Lookup %s/%s: %d item(s), total $%s (lowConfidence=%v)",
		q.Plate, q.Invoice, len(resp.Items), resp.Total.StringFixed(2), resp.LowConfidence)
	return resp, nil
}

// StartPaymentResponse is the API shape for a checkout attempt. Duplicate is
// set when an earlier active request for the same plan and query already
// exists; its checkout link is returned instead of a new charge.
type StartPaymentResponse struct {
	RequestID   string `json:"requestId"`
	Status      string `json:"status"`
	CheckoutURL string `json:"checkoutUrl,omitempty"`
	Duplicate   bool   `json:"duplicate,omitempty"`
}

// StartPayment prices the chosen plan, claims the request fingerprint and
// opens a checkout session. Fees are always recomputed server-side from the
// amount due; the client never dictates what gets charged.
func (s *Service) StartPayment(ctx context.Context, channelID string, kind pricing.Kind, plate, invoice, amountDue string) (*StartPaymentResponse, error) {
	q, err := portal.NewQuery(plate, invoice)
	if err != nil {
		return nil, err
	}
	if channelID == "" {
		return nil, fmt.Errorf("channel id is required")
	}

	due, err := decimal.NewFromString(amountDue)
	if err != nil {
		return nil, fmt.Errorf("invalid amount due %q: %w", amountDue, err)
	}
	if !due.IsPositive() {
		return nil, ErrNothingToPay
	}

	plan, err := selectPlan(kind, due)
	if err != nil {
		return nil, err
	}

	rec := &ledger.RequestRecord{
		ChannelID:   channelID,
		PlanKind:    plan.Kind,
		Plate:       q.Plate,
		Invoice:     q.Invoice,
		Fingerprint: ledger.Fingerprint(channelID, plan.Kind, q.Plate, q.Invoice),
		AmountTotal: plan.Total.InexactFloat64(),
	}

	created, existing, err := ledger.CreateOrGetExisting(rec)
	if err != nil {
		return nil, err
	}
	if !created {
		logger.LogInfo("Duplicate payment attempt for %s rides on request %s (%s)",
			rec.Fingerprint, existing.RequestID, existing.Status)
		return &StartPaymentResponse{
			RequestID:   existing.RequestID,
			Status:      existing.Status,
			CheckoutURL: existing.CheckoutURL,
			Duplicate:   true,
		}, nil
	}

	sess, err := s.Checkout.CreateSession(ctx, checkout.SessionRequest{
		RequestID:   rec.RequestID,
		ChannelID:   channelID,
		Fingerprint: rec.Fingerprint,
		PlanKind:    plan.Kind,
		Plate:       q.Plate,
		Invoice:     q.Invoice,
		Description: planDescription(plan),
		AmountCents: plan.TotalCents(),
	})
	if err != nil {
		// Release the fingerprint so the customer can retry immediately.
		if dErr := ledger.SetDeclined(rec.RequestID); dErr != nil {
			logger.LogError("Rollback of request %s failed: %v", rec.RequestID, dErr)
		}
		return nil, err
	}

	if err := ledger.SetPending(rec.RequestID, sess.ID, sess.URL); err != nil {
		return nil, err
	}

	return &StartPaymentResponse{
		RequestID:   rec.RequestID,
		Status:      ledger.StatusPending,
		CheckoutURL: sess.URL,
	}, nil
}

// History returns a channel's recent payment requests, newest first.
func (s *Service) History(channelID string, limit int) ([]ledger.RequestRecord, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channel id is required")
	}
	return ledger.ListRecent(channelID, limit)
}

func selectPlan(kind pricing.Kind, due decimal.Decimal) (pricing.Plan, error) {
	for _, p := range pricing.ForAmount(due) {
		if p.Kind == kind && p.Allowed {
			return p, nil
		}
	}
	return pricing.Plan{}, fmt.Errorf("plan %s for $%s: %w", kind, due.StringFixed(2), ErrPlanNotOffered)
}

func planDescription(p pricing.Plan) string {
	switch p.Kind {
	case pricing.KindDiscount:
		return fmt.Sprintf("Discounted toll payment: $%s toward balance, $%s service fee, $%s processing",
			p.Principal.StringFixed(2), p.ServiceFee.StringFixed(2), p.OtherFees.StringFixed(2))
	default:
		return fmt.Sprintf("Full toll payment: $%s balance, $%s service fee, $%s processing",
			p.Principal.StringFixed(2), p.ServiceFee.StringFixed(2), p.OtherFees.StringFixed(2))
	}
}
