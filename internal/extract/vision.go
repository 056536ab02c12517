// internal/extract/vision.go
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"easypaybackend/internal/logger"
)

const visionPrompt = `You extract fields from US toll violations and E-ZPass invoices.
Return a strict JSON with keys:
- invoiceNumber: string
- licensePlate: string
- state: 2-letter US state (if visible)
- amountDue: number (USD), the final amount the customer must pay today;
  prefer "BALANCE DUE", "AMOUNT DUE", "TOTAL DUE", "PAYMENT DUE".

Rules:
- If a dot is visually present or the amount looks like "4.00", keep two decimals.
- Never return currency symbols, only the number.
- If a field is not visible, omit it.`

// VisionClient asks an OpenAI-compatible vision model to read a notice photo.
type VisionClient struct {
	APIKey  string
	Model   string
	BaseURL string
}

func NewVisionClient(apiKey string) *VisionClient {
	return &VisionClient{
		APIKey:  apiKey,
		Model:   "gpt-4o-mini",
		BaseURL: "https://api.openai.com/v1",
	}
}

// FromImage extracts fields from a base64-encoded JPEG/PNG.
func (c *VisionClient) FromImage(ctx context.Context, imageB64 string) (Fields, error) {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		fields, err := c.requestOnce(ctx, imageB64)
		if err == nil {
			return fields, nil
		}

		lastErr = err
		logger.LogWarn("Vision extraction attempt %d failed: %v", attempt, err)

		if attempt < 3 {
			select {
			case <-ctx.Done():
				return Fields{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	return Fields{}, fmt.Errorf("vision extraction failed after 3 attempts: %w", lastErr)
}

func (c *VisionClient) requestOnce(ctx context.Context, imageB64 string) (Fields, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"model":           c.Model,
		"temperature":     0.0,
		"response_format": map[string]string{"type": "json_object"},
		"messages": []interface{}{
			map[string]interface{}{
				"role":    "system",
				"content": "You are a precise data extractor for toll invoices.",
			},
			map[string]interface{}{
				"role": "user",
				"content": []interface{}{
					map[string]interface{}{"type": "text", "text": visionPrompt},
					map[string]interface{}{
						"type":      "image_url",
						"image_url": map[string]string{"url": "data:image/jpeg;base64," + imageB64},
					},
				},
			},
		},
	})
	if err != nil {
		return Fields{}, fmt.Errorf("failed to marshal vision request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Fields{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	client := &http.Client{Timeout: time.Second * 60}
	resp, err := client.Do(req)
	if err != nil {
		return Fields{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Fields{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Fields{}, fmt.Errorf("vision API returned status %d: %s", resp.StatusCode, string(body))
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &completion); err != nil {
		return Fields{}, fmt.Errorf("failed to parse completion: %w", err)
	}
	if len(completion.Choices) == 0 || completion.Choices[0].Message.Content == "" {
		return Fields{}, fmt.Errorf("vision API returned no content")
	}

	var extracted struct {
		InvoiceNumber string   `json:"invoiceNumber"`
		LicensePlate  string   `json:"licensePlate"`
		State         string   `json:"state"`
		AmountDue     *float64 `json:"amountDue"`
	}
	if err := json.Unmarshal([]byte(completion.Choices[0].Message.Content), &extracted); err != nil {
		return Fields{}, fmt.Errorf("failed to parse extracted fields: %w", err)
	}

	fields := Fields{
		InvoiceNumber: extracted.InvoiceNumber,
		LicensePlate:  extracted.LicensePlate,
		State:         extracted.State,
	}
	if extracted.AmountDue != nil {
		fields.AmountDue = decimal.NewNullDecimal(fixLostDot(decimal.NewFromFloat(*extracted.AmountDue)))
	}
	return fields, nil
}

// fixLostDot repairs model output where the decimal point of the amount was
// dropped: a whole number between 100 and 9999 reading "400" on a notice full
// of cent-precision prices almost certainly means 4.00.
func fixLostDot(d decimal.Decimal) decimal.Decimal {
	if d.IsInteger() &&
		d.GreaterThanOrEqual(decimal.NewFromInt(100)) &&
		d.LessThanOrEqual(decimal.NewFromInt(9999)) {
		d = d.Shift(-2)
	}
	return d.Round(2)
}
