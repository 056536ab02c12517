// internal/pricing/pricing.go
package pricing

import (
	"github.com/shopspring/decimal"
)

// Kind identifies one of the two offered payment plans. The string values are
// wire/storage values and must not change.
type Kind string

const (
	KindDirect   Kind = "plan1_direct"
	KindDiscount Kind = "plan2_discount"
)

// Fee schedule. Processing fees are 2.5% + $0.50 on the charged subtotal.
var (
	directServiceFee   = decimal.NewFromInt(10)
	discountServiceFee = decimal.NewFromInt(15)
	processingRate     = decimal.RequireFromString("0.025")
	processingFlat     = decimal.RequireFromString("0.50")
	discountRate       = decimal.RequireFromString("0.90")
	discountMinimum    = decimal.NewFromInt(70)
	serviceFeeStep     = decimal.RequireFromString("0.01")
)

// maxShrinkSteps bounds the service-fee reduction loop; $15.00 in $0.01 steps
// is 1500 iterations, so this can only trip on a schedule change.
const maxShrinkSteps = 2000

// Plan is a priced offer derived from the amount found on the portal. It is a
// pure function of the amount due and the fee schedule, so it is recomputed on
// every display rather than stored.
type Plan struct {
	Kind              Kind
	Allowed           bool
	Principal         decimal.Decimal // toll amount this plan pays off
	ServiceFee        decimal.Decimal
	OtherFees         decimal.Decimal
	Total             decimal.Decimal
	ServiceFeeReduced bool
}

// TotalCents returns the plan total in cents for the payment processor.
func (p Plan) TotalCents() int64 {
	return p.Total.Shift(2).IntPart()
}

func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// otherFees computes the processing fees for a given charged subtotal.
func otherFees(subtotal decimal.Decimal) decimal.Decimal {
	return round2(subtotal.Mul(processingRate).Add(processingFlat))
}

// Direct prices the no-discount plan: the full amount due plus a fixed
// service fee plus processing fees. Its total always exceeds the amount due.
func Direct(amountDue decimal.Decimal) Plan {
	subtotal := amountDue.Add(directServiceFee)
	fees := otherFees(subtotal)
	return Plan{
		Kind:       KindDirect,
		Allowed:    true,
		Principal:  amountDue,
		ServiceFee: directServiceFee,
		OtherFees:  fees,
		Total:      round2(subtotal.Add(fees)),
	}
}

// Discounted prices the 10%-off plan. It is only offered at or above the $70
// minimum. The customer must never pay more than the original amount due: if
// the fee schedule pushes the total above it, the service fee is walked down
// in one-cent steps until the total fits, bottoming out at zero.
func Discounted(amountDue decimal.Decimal) Plan {
	plan := Plan{
		Kind:      KindDiscount,
		Allowed:   amountDue.GreaterThanOrEqual(discountMinimum),
		Principal: round2(amountDue.Mul(discountRate)),
	}

	service := discountServiceFee
	fees, total := discountTotals(plan.Principal, service)

	if total.GreaterThan(amountDue) {
		plan.ServiceFeeReduced = true
		for i := 0; i < maxShrinkSteps && service.IsPositive(); i++ {
			service = service.Sub(serviceFeeStep)
			if service.IsNegative() {
				service = decimal.Zero
			}
			fees, total = discountTotals(plan.Principal, service)
			if !total.GreaterThan(amountDue) {
				break
			}
		}
		// Zero service fee is the floor; rounding can still leave the total a
		// cent or two above the amount due and that is accepted.
		if total.GreaterThan(amountDue) && service.IsPositive() {
			service = decimal.Zero
			fees, total = discountTotals(plan.Principal, service)
		}
	}

	plan.ServiceFee = service
	plan.OtherFees = fees
	plan.Total = total
	return plan
}

func discountTotals(principal, service decimal.Decimal) (fees, total decimal.Decimal) {
	subtotal := principal.Add(service)
	fees = otherFees(subtotal)
	return fees, round2(subtotal.Add(fees))
}

// ForAmount returns both plans for a looked-up amount due. A zero or negative
// amount yields no plans: there is nothing to pay.
func ForAmount(amountDue decimal.Decimal) []Plan {
	if !amountDue.IsPositive() {
		return nil
	}
	plans := []Plan{Direct(amountDue)}
	if d := Discounted(amountDue); d.Allowed {
		plans = append(plans, d)
	}
	return plans
}
