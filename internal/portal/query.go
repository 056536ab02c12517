// internal/portal/query.go
package portal

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Validation errors, raised before any network use of a query.
var (
	ErrInvalidPlate   = errors.New("plate must be 2-10 characters of A-Z, 0-9 or dash")
	ErrInvalidInvoice = errors.New("invoice must be 6-20 characters of A-Z, 0-9 or dash")
)

var (
	platePattern   = regexp.MustCompile(`^[A-Z0-9-]{2,10}$`)
	invoicePattern = regexp.MustCompile(`^[A-Z0-9-]{6,20}$`)

	unicodeSpaces = regexp.MustCompile(`[\x{00A0}\x{202F}\s]+`)
	unicodeDashes = strings.NewReplacer("–", "-", "—", "-", "−", "-")
)

// Query identifies one lookup on the portal: a license plate and the invoice
// or violation number printed on the notice. Both are normalized to uppercase
// before validation, comparison or typing into the portal form.
type Query struct {
	Plate   string
	Invoice string
}

// NormalizeField uppercases and strips unicode spacing and exotic dashes, the
// same canonical form the ledger fingerprint uses.
func NormalizeField(s string) string {
	s = unicodeSpaces.ReplaceAllString(s, "")
	s = unicodeDashes.Replace(s)
	return strings.ToUpper(s)
}

// NewQuery normalizes and validates the two lookup fields.
func NewQuery(plate, invoice string) (Query, error) {
	q := Query{
		Plate:   NormalizeField(plate),
		Invoice: NormalizeField(invoice),
	}
	if !platePattern.MatchString(q.Plate) {
		return Query{}, fmt.Errorf("validating plate %q: %w", plate, ErrInvalidPlate)
	}
	if !invoicePattern.MatchString(q.Invoice) {
		return Query{}, fmt.Errorf("validating invoice %q: %w", invoice, ErrInvalidInvoice)
	}
	return q, nil
}
