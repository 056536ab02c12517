// internal/extract/handler.go
package extract

import (
	"net/http"

	"easypaybackend/internal/logger"
	"easypaybackend/internal/middleware"
)

// Handler serves POST /api/extract. It accepts OCR text, a notice photo, or
// both; vision output wins per field and the text heuristics fill the gaps.
type Handler struct {
	Vision *VisionClient // nil when no API key is configured
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		middleware.WriteAPIError(w, r, http.StatusMethodNotAllowed, "method_not_allowed",
			"Only POST is supported", "")
		return
	}

	var input struct {
		Text        string `json:"text"`
		ImageBase64 string `json:"imageBase64"`
	}
	if err := middleware.ParseJSONRequest(r, &input); err != nil {
		middleware.WriteAPIError(w, r, http.StatusBadRequest, "invalid_json",
			"Request body must be valid JSON", err.Error())
		return
	}
	if input.Text == "" && input.ImageBase64 == "" {
		middleware.WriteAPIError(w, r, http.StatusBadRequest, "empty_request",
			"Provide text, imageBase64 or both", "")
		return
	}

	var fields Fields
	if input.ImageBase64 != "" && h.Vision != nil {
		visionFields, err := h.Vision.FromImage(r.Context(), input.ImageBase64)
		if err != nil {
			logger.LogWarn("Vision extraction failed, relying on text heuristics: %v", err)
		} else {
			fields = visionFields
		}
	}

	if input.Text != "" {
		fields = merge(fields, FromText(input.Text))
	}

	middleware.WriteAPISuccess(w, r, fields)
}

func merge(primary, fallback Fields) Fields {
	if primary.InvoiceNumber == "" {
		primary.InvoiceNumber = fallback.InvoiceNumber
	}
	if primary.LicensePlate == "" {
		primary.LicensePlate = fallback.LicensePlate
	}
	if primary.State == "" {
		primary.State = fallback.State
	}
	if !primary.AmountDue.Valid {
		primary.AmountDue = fallback.AmountDue
	}
	return primary
}
