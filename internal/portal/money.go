// internal/portal/money.go
package portal

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency recognition for portal markup. The portal renders amounts in a few
// shapes: "$12.34", "1,234.56", and OCR-damaged variants like "$ 12 34" where
// the decimal point was lost. Everything is canonicalized before matching.
var (
	nbspPattern   = regexp.MustCompile(`[\x{00A0}\x{202F}]`)
	amountPattern = regexp.MustCompile(`\$?\s*([0-9]{1,3}(?:,[0-9]{3})*\.[0-9]{2})`)
	dollarPattern = regexp.MustCompile(`\$[ \t]*([0-9]{1,3}(?:,[0-9]{3})*\.[0-9]{2})`)

	splitDotPattern   = regexp.MustCompile(`\$\s*([0-9]{1,4})\s*\.\s*([0-9]{2})\b`)
	splitSpacePattern = regexp.MustCompile(`\$[ \t]*([0-9]{1,4})[ \t]+([0-9]{2})\b`)
	yearPattern       = regexp.MustCompile(`^(19|20)[0-9]{2}$`)
)

// normalizeMoneyText repairs spacing artifacts so the strict amount patterns
// can match. A dollar part that reads as a calendar year (19xx/20xx) is left
// alone rather than guessed into an amount.
func normalizeMoneyText(s string) string {
	s = nbspPattern.ReplaceAllString(s, " ")
	s = splitDotPattern.ReplaceAllStringFunc(s, func(m string) string {
		parts := splitDotPattern.FindStringSubmatch(m)
		return "$" + parts[1] + "." + parts[2]
	})
	s = splitSpacePattern.ReplaceAllStringFunc(s, func(m string) string {
		parts := splitSpacePattern.FindStringSubmatch(m)
		if yearPattern.MatchString(parts[1]) {
			return m
		}
		return "$" + parts[1] + "." + parts[2]
	})
	return s
}

// parseAmount extracts the first currency amount from one table cell.
func parseAmount(s string) (decimal.Decimal, bool) {
	m := amountPattern.FindStringSubmatch(normalizeMoneyText(s))
	if m == nil {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// scanAmounts finds every dollar-prefixed amount in free text. Used only by
// the low-confidence fallback when no results table was recognized; bare
// numbers without a dollar sign are too ambiguous to trust here.
func scanAmounts(text string) []decimal.Decimal {
	var out []decimal.Decimal
	for _, m := range dollarPattern.FindAllStringSubmatch(normalizeMoneyText(text), -1) {
		d, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", ""))
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out
}
