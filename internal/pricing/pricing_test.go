// internal/pricing/pricing_test.go
package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestDirect(t *testing.T) {
	t.Run("KnownAmount", func(t *testing.T) {
		// 100 + 10 service = 110 subtotal; fees 110*0.025+0.50 = 3.25
		p := Direct(dec("100"))
		if !p.Total.Equal(dec("113.25")) {
			t.Errorf("Total mismatch: expected 113.25, got %s", p.Total)
		}
		if !p.ServiceFee.Equal(dec("10")) {
			t.Errorf("ServiceFee mismatch: expected 10, got %s", p.ServiceFee)
		}
		if !p.OtherFees.Equal(dec("3.25")) {
			t.Errorf("OtherFees mismatch: expected 3.25, got %s", p.OtherFees)
		}
		if p.TotalCents() != 11325 {
			t.Errorf("TotalCents mismatch: expected 11325, got %d", p.TotalCents())
		}
	})

	t.Run("AlwaysExceedsAmountDue", func(t *testing.T) {
		for _, amt := range []string{"0.01", "5", "69.99", "70", "250.75", "9999.99"} {
			p := Direct(dec(amt))
			if !p.Total.GreaterThan(dec(amt)) {
				t.Errorf("Direct(%s) total %s does not exceed amount due", amt, p.Total)
			}
			if !p.Allowed {
				t.Errorf("Direct(%s) should always be allowed", amt)
			}
		}
	})
}

func TestDiscounted(t *testing.T) {
	t.Run("BelowMinimumNotAllowed", func(t *testing.T) {
		if Discounted(dec("69.99")).Allowed {
			t.Error("Discount should not be offered below 70")
		}
		if !Discounted(dec("70")).Allowed {
			t.Error("Discount should be offered at exactly 70")
		}
	})

	t.Run("PrincipalIsNinetyPercent", func(t *testing.T) {
		p := Discounted(dec("100"))
		if !p.Principal.Equal(dec("90")) {
			t.Errorf("Principal mismatch: expected 90, got %s", p.Principal)
		}
	})

	t.Run("LargeAmountKeepsFullServiceFee", func(t *testing.T) {
		// 900 + 15 = 915 subtotal; fees 915*0.025+0.50 = 23.38; total 938.38
		p := Discounted(dec("1000"))
		if p.ServiceFeeReduced {
			t.Error("Service fee should not shrink when total already fits")
		}
		if !p.ServiceFee.Equal(dec("15")) {
			t.Errorf("ServiceFee mismatch: expected 15, got %s", p.ServiceFee)
		}
		if !p.Total.Equal(dec("938.38")) {
			t.Errorf("Total mismatch: expected 938.38, got %s", p.Total)
		}
	})

	t.Run("ServiceFeeShrinksToFitAmountDue", func(t *testing.T) {
		p := Discounted(dec("100"))
		if !p.ServiceFeeReduced {
			t.Error("Service fee should have been reduced")
		}
		if p.Total.GreaterThan(dec("100")) {
			t.Errorf("Total %s still exceeds the amount due after reduction", p.Total)
		}
		if p.ServiceFee.IsNegative() {
			t.Errorf("Service fee went negative: %s", p.ServiceFee)
		}
		if p.ServiceFee.GreaterThanOrEqual(dec("15")) {
			t.Errorf("Service fee was not actually reduced: %s", p.ServiceFee)
		}
	})

	t.Run("CustomerNeverOverpaysAcrossRange", func(t *testing.T) {
		for amt := 70; amt <= 500; amt += 7 {
			due := decimal.NewFromInt(int64(amt))
			p := Discounted(due)
			// Zero service fee is the accepted floor; beyond that the total
			// may sit a hair above the due amount from fee rounding alone.
			if p.Total.GreaterThan(due) && p.ServiceFee.IsPositive() {
				t.Errorf("Discounted(%d): total %s exceeds due with service fee %s remaining",
					amt, p.Total, p.ServiceFee)
			}
		}
	})
}

func TestForAmount(t *testing.T) {
	t.Run("ZeroAndNegativeYieldNoPlans", func(t *testing.T) {
		if plans := ForAmount(decimal.Zero); plans != nil {
			t.Errorf("Expected no plans for zero, got %d", len(plans))
		}
		if plans := ForAmount(dec("-5")); plans != nil {
			t.Errorf("Expected no plans for negative amount, got %d", len(plans))
		}
	})

	t.Run("SmallAmountGetsDirectOnly", func(t *testing.T) {
		plans := ForAmount(dec("25.50"))
		if len(plans) != 1 {
			t.Fatalf("Expected 1 plan, got %d", len(plans))
		}
		if plans[0].Kind != KindDirect {
			t.Errorf("Expected %s, got %s", KindDirect, plans[0].Kind)
		}
	})

	t.Run("LargeAmountGetsBoth", func(t *testing.T) {
		plans := ForAmount(dec("150"))
		if len(plans) != 2 {
			t.Fatalf("Expected 2 plans, got %d", len(plans))
		}
		if plans[0].Kind != KindDirect || plans[1].Kind != KindDiscount {
			t.Errorf("Unexpected plan order: %s, %s", plans[0].Kind, plans[1].Kind)
		}
	})
}
