// internal/extract/extract.go

// Package extract pulls lookup fields (invoice number, license plate, amount
// due) out of photographed toll notices. The text heuristics here work on OCR
// output; vision.go asks a vision model when one is configured.
package extract

import (
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Fields is the best-effort extraction from one notice.
type Fields struct {
	InvoiceNumber string              `json:"invoiceNumber,omitempty"`
	LicensePlate  string              `json:"licensePlate,omitempty"`
	State         string              `json:"state,omitempty"`
	AmountDue     decimal.NullDecimal `json:"amountDue,omitempty"`
}

// Keyword sets guiding the line-window search. A field candidate near its
// keyword beats any candidate found elsewhere in the document.
var (
	invoiceKeys = []string{"violation", "invoice", "notice", "citation", "ref", "reference", "ticket", "number", "no", "id", "case"}
	plateKeys   = []string{"license plate", "plate", "tag", "lp", "veh plate", "vehicle plate"}
	amountHints = []string{"balance due", "amount due", "total due", "payment due", "amount", "total", "pay this amount"}
)

// OCR confuses these glyphs in alphanumeric identifiers.
var digitFixer = strings.NewReplacer("O", "0", "I", "1", "l", "1", "S", "5", "B", "8", "Z", "2")

// Label words sitting next to the real value. Without this filter the digit
// fixups turn "LICENSE" into "L1CEN5E", which then outranks the actual plate.
var labelWords = map[string]bool{
	"LICENSE": true, "PLATE": true, "VEHICLE": true, "TAG": true,
	"VIOLATION": true, "INVOICE": true, "NOTICE": true, "CITATION": true,
	"REFERENCE": true, "TICKET": true, "NUMBER": true, "CASE": true,
	"BALANCE": true, "AMOUNT": true, "TOTAL": true, "PAYMENT": true, "DATE": true,
}

var (
	invoiceTokenPattern = regexp.MustCompile(`^[A-Z0-9-]{6,20}$`)
	hasLetter           = regexp.MustCompile(`[A-Z]`)
	hasDigit            = regexp.MustCompile(`[0-9]`)
	plateTokenPattern   = regexp.MustCompile(`^[A-Z0-9]{2,8}$`)

	yearInLine   = regexp.MustCompile(`\b(19|20)[0-9]{2}\b`)
	moneyPattern = regexp.MustCompile(`\$?\s*([0-9]{1,3}(?:[.,][0-9]{3})*(?:\.[0-9]{2})|[0-9]{1,4}\.[0-9]{2})`)
	decPattern   = regexp.MustCompile(`\b([0-9]{1,4}\.[0-9]{2})\b`)

	// Split-decimal repairs for OCR artifacts like "$ 12 . 34" and "12 34".
	dollarDotSplit = regexp.MustCompile(`\$\s*([0-9]{1,4})\s*\.\s*([0-9]{2})`)
	dollarGapSplit = regexp.MustCompile(`\$\s*([0-9]{1,4})\s+([0-9]{2})\b`)
	bareDotSplit   = regexp.MustCompile(`\b([0-9]{1,4})\s*\.\s*([0-9]{2})\b`)
	bareGapSplit   = regexp.MustCompile(`\b([0-9]{1,4})\s+([0-9]{2})\b`)

	nbspPattern  = regexp.MustCompile(`[\x{00A0}\x{202F}]`)
	nonAlnumDash = regexp.MustCompile(`[^A-Z0-9-]`)
	nonAlnum     = regexp.MustCompile(`[^A-Z0-9]`)
	tokenSplit   = regexp.MustCompile(`[\s,;:]+`)
)

// FromText runs the keyword-window heuristics over raw OCR text.
func FromText(text string) Fields {
	text = nbspPattern.ReplaceAllString(text, " ")

	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}

	return Fields{
		InvoiceNumber: extractInvoice(lines, text),
		LicensePlate:  extractPlate(lines, text),
		AmountDue:     extractAmount(lines),
	}
}

func normalizeLine(s string) string {
	s = dollarDotSplit.ReplaceAllString(s, "$1.$2")
	s = dollarGapSplit.ReplaceAllString(s, "$1.$2")
	s = bareDotSplit.ReplaceAllString(s, "$1.$2")
	s = bareGapSplit.ReplaceAllString(s, "$1.$2")
	return s
}

func parseMoney(s string) (decimal.Decimal, bool) {
	m := moneyPattern.FindStringSubmatch(s)
	if m == nil {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// extractAmount prefers amounts on (or right after) a hint line, then lines
// containing a dollar sign, then any decimal number. Lines containing a
// calendar year are skipped entirely: due dates masquerade as amounts.
func extractAmount(lines []string) decimal.NullDecimal {
	for i, raw := range lines {
		line := normalizeLine(raw)
		lower := strings.ToLower(line)
		if !containsAny(lower, amountHints) {
			continue
		}
		if d, ok := parseMoney(line); ok && !yearInLine.MatchString(line) {
			return decimal.NewNullDecimal(d)
		}
		if i+1 < len(lines) {
			next := normalizeLine(lines[i+1])
			if d, ok := parseMoney(next); ok && !yearInLine.MatchString(next) {
				return decimal.NewNullDecimal(d)
			}
		}
	}

	for _, raw := range lines {
		line := normalizeLine(raw)
		if !strings.Contains(line, "$") || yearInLine.MatchString(line) {
			continue
		}
		if d, ok := parseMoney(line); ok {
			return decimal.NewNullDecimal(d)
		}
	}

	for _, raw := range lines {
		line := normalizeLine(raw)
		if yearInLine.MatchString(line) {
			continue
		}
		if m := decPattern.FindStringSubmatch(line); m != nil {
			if d, err := decimal.NewFromString(m[1]); err == nil {
				return decimal.NewNullDecimal(d)
			}
		}
	}

	return decimal.NullDecimal{}
}

func extractInvoice(lines []string, text string) string {
	if c := keywordWindowCandidate(lines, invoiceKeys, cleanInvoiceToken); c != "" {
		return c
	}
	return bestToken(tokenSplit.Split(text, -1), cleanInvoiceToken)
}

func extractPlate(lines []string, text string) string {
	if c := keywordWindowCandidate(lines, plateKeys, cleanPlateToken); c != "" {
		return c
	}
	return bestToken(tokenSplit.Split(text, -1), cleanPlateToken)
}

// keywordWindowCandidate scans the line before, on and after each keyword hit
// and returns the longest acceptable token from that window.
func keywordWindowCandidate(lines []string, keys []string, clean func(string) string) string {
	for i, raw := range lines {
		if !containsAny(strings.ToLower(raw), keys) {
			continue
		}
		var window []string
		if i > 0 {
			window = append(window, strings.Fields(lines[i-1])...)
		}
		window = append(window, strings.Fields(raw)...)
		if i+1 < len(lines) {
			window = append(window, strings.Fields(lines[i+1])...)
		}
		if c := bestToken(window, clean); c != "" {
			return c
		}
	}
	return ""
}

func bestToken(tokens []string, clean func(string) string) string {
	var candidates []string
	for _, t := range tokens {
		if c := clean(t); c != "" {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	// Stable so that equal-length candidates keep document order: the token
	// nearest its keyword wins the tie.
	sort.SliceStable(candidates, func(i, j int) bool { return len(candidates[i]) > len(candidates[j]) })
	return candidates[0]
}

func cleanInvoiceToken(tok string) string {
	up := strings.ToUpper(tok)
	if labelWords[nonAlnum.ReplaceAllString(up, "")] {
		return ""
	}
	t := nonAlnumDash.ReplaceAllString(digitFixer.Replace(up), "")
	if invoiceTokenPattern.MatchString(t) && hasLetter.MatchString(t) && hasDigit.MatchString(t) {
		return t
	}
	return ""
}

func cleanPlateToken(tok string) string {
	up := strings.ToUpper(tok)
	if labelWords[nonAlnum.ReplaceAllString(up, "")] {
		return ""
	}
	t := nonAlnum.ReplaceAllString(digitFixer.Replace(up), "")
	if plateTokenPattern.MatchString(t) {
		return t
	}
	return ""
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
