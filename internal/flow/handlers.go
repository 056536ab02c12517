// internal/flow/handlers.go
package flow

import (
	"errors"
	"net/http"
	"strconv"

	"easypaybackend/internal/checkout"
	"easypaybackend/internal/ledger"
	"easypaybackend/internal/logger"
	"easypaybackend/internal/middleware"
	"easypaybackend/internal/portal"
	"easypaybackend/internal/pricing"
)

// LookupHandler serves POST /api/lookup.
func (s *Service) LookupHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		middleware.WriteAPIError(w, r, http.StatusMethodNotAllowed, "method_not_allowed",
			"Only POST is supported", "")
		return
	}

	var input struct {
		ChannelID string `json:"channelId"` // optional, logged for traceability
		Plate     string `json:"plate"`
		Invoice   string `json:"invoice"`
	}
	if err := middleware.ParseJSONRequest(r, &input); err != nil {
		middleware.WriteAPIError(w, r, http.StatusBadRequest, "invalid_json",
			"Request body must be valid JSON", err.Error())
		return
	}
	if input.ChannelID != "" {
		logger.LogInfo("Lookup requested by channel %s", input.ChannelID)
	}

	resp, err := s.Lookup(r.Context(), input.Plate, input.Invoice)
	if err != nil {
		writeLookupError(w, r, err)
		return
	}

	middleware.WriteAPISuccess(w, r, resp)
}

// CheckoutHandler serves POST /api/checkout.
func (s *Service) CheckoutHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		middleware.WriteAPIError(w, r, http.StatusMethodNotAllowed, "method_not_allowed",
			"Only POST is supported", "")
		return
	}

	var input struct {
		ChannelID string `json:"channelId"`
		Plan      string `json:"plan"`
		Plate     string `json:"plate"`
		Invoice   string `json:"invoice"`
		AmountDue string `json:"amountDue"`
	}
	if err := middleware.ParseJSONRequest(r, &input); err != nil {
		middleware.WriteAPIError(w, r, http.StatusBadRequest, "invalid_json",
			"Request body must be valid JSON", err.Error())
		return
	}

	resp, err := s.StartPayment(r.Context(), input.ChannelID, pricing.Kind(input.Plan),
		input.Plate, input.Invoice, input.AmountDue)
	if err != nil {
		writeCheckoutError(w, r, err)
		return
	}

	middleware.WriteAPISuccess(w, r, resp)
}

// HistoryHandler serves GET /api/history?channelId=...&limit=...
func (s *Service) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		middleware.WriteAPIError(w, r, http.StatusMethodNotAllowed, "method_not_allowed",
			"Only GET is supported", "")
		return
	}

	channelID := r.URL.Query().Get("channelId")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records, err := s.History(channelID, limit)
	if err != nil {
		middleware.WriteAPIError(w, r, http.StatusBadRequest, "invalid_request", err.Error(), "")
		return
	}
	if records == nil {
		records = []ledger.RequestRecord{}
	}

	middleware.WriteAPISuccess(w, r, map[string]interface{}{
		"channelId": channelID,
		"requests":  records,
	})
}

// HealthHandler serves GET /healthz.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := ledger.GetDB(); err != nil {
		middleware.WriteAPIError(w, r, http.StatusServiceUnavailable, "unhealthy",
			"Database unavailable", "")
		return
	}
	middleware.WriteAPISuccess(w, r, map[string]string{"status": "ok"})
}

func writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, portal.ErrInvalidPlate), errors.Is(err, portal.ErrInvalidInvoice):
		middleware.WriteAPIError(w, r, http.StatusBadRequest, "invalid_query", err.Error(), "")
	case errors.Is(err, portal.ErrAcquisitionTimeout):
		middleware.WriteAPIError(w, r, http.StatusGatewayTimeout, "portal_timeout",
			"The toll portal did not respond in time. Please try again.", "")
	case errors.Is(err, portal.ErrAcquisitionNotFound):
		middleware.WriteAPIError(w, r, http.StatusBadGateway, "portal_changed",
			"The toll portal could not be navigated. Please try again later.", "")
	default:
		middleware.WriteAPIError(w, r, http.StatusBadGateway, "lookup_failed",
			"The lookup could not be completed.", err.Error())
	}
}

func writeCheckoutError(w http.ResponseWriter, r *http.Request, err error) {
	var procErr *checkout.ProcessorError
	switch {
	case errors.Is(err, portal.ErrInvalidPlate), errors.Is(err, portal.ErrInvalidInvoice),
		errors.Is(err, ErrNothingToPay), errors.Is(err, ErrPlanNotOffered):
		middleware.WriteAPIError(w, r, http.StatusBadRequest, "invalid_request", err.Error(), "")
	case errors.As(err, &procErr):
		middleware.WriteAPIError(w, r, http.StatusBadGateway, "processor_error",
			"The payment processor rejected the request. Please try again.", procErr.Message)
	default:
		middleware.WriteAPIError(w, r, http.StatusInternalServerError, "checkout_failed",
			"The payment could not be started.", err.Error())
	}
}
