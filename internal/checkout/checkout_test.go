// internal/checkout/checkout_test.go
package checkout

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stripe/stripe-go/v83"
)

func TestWrapProcessorError(t *testing.T) {
	t.Run("StripeErrorKeepsCode", func(t *testing.T) {
		src := &stripe.Error{Code: stripe.ErrorCodeCardDeclined, Msg: "Your card was declined."}
		err := wrapProcessorError(src)

		var procErr *ProcessorError
		if !errors.As(err, &procErr) {
			t.Fatalf("Expected ProcessorError, got %T", err)
		}
		if procErr.Code != string(stripe.ErrorCodeCardDeclined) {
			t.Errorf("Code mismatch: got %q", procErr.Code)
		}
		if !strings.Contains(procErr.Error(), "card_declined") {
			t.Errorf("Error text should carry the code: %s", procErr.Error())
		}
		if !errors.Is(err, src) {
			t.Error("Original error must stay reachable through Unwrap")
		}
	})

	t.Run("GenericErrorWrapped", func(t *testing.T) {
		src := errors.New("connection reset")
		err := wrapProcessorError(src)

		var procErr *ProcessorError
		if !errors.As(err, &procErr) {
			t.Fatalf("Expected ProcessorError, got %T", err)
		}
		if procErr.Code != "" {
			t.Errorf("Generic errors carry no code, got %q", procErr.Code)
		}
	})
}

func TestCreateSessionValidation(t *testing.T) {
	b := &Bridge{baseURL: "https://example.com"}

	for _, cents := range []int64{0, -100} {
		_, err := b.CreateSession(context.Background(), SessionRequest{
			RequestID:   "req-1",
			Fingerprint: "G:1:p1:AB123:T00000001",
			AmountCents: cents,
		})
		if err == nil {
			t.Errorf("Expected error for %d cents", cents)
		}
		var procErr *ProcessorError
		if errors.As(err, &procErr) {
			t.Errorf("Local validation failure must not read as a processor error")
		}
	}
}
