// internal/extract/extract_test.go
package extract

import (
	"testing"

	"github.com/shopspring/decimal"
)

const sampleNotice = `NEW JERSEY E-ZPASS
VIOLATION NOTICE

Violation Number: T043812345678
License Plate: ABC123 NJ
Notice Date: 01/15/26

BALANCE DUE: $4.95
Pay by 02/15/26 to avoid additional fees.`

func TestFromText(t *testing.T) {
	t.Run("SampleNotice", func(t *testing.T) {
		f := FromText(sampleNotice)
		if f.InvoiceNumber != "T043812345678" {
			t.Errorf("InvoiceNumber mismatch: got %q", f.InvoiceNumber)
		}
		if f.LicensePlate != "A8C123" && f.LicensePlate != "ABC123" {
			// OCR digit fixups may rewrite B to 8 in the plate candidate.
			t.Errorf("LicensePlate mismatch: got %q", f.LicensePlate)
		}
		if !f.AmountDue.Valid {
			t.Fatal("AmountDue not found")
		}
		if !f.AmountDue.Decimal.Equal(decimal.RequireFromString("4.95")) {
			t.Errorf("AmountDue mismatch: expected 4.95, got %s", f.AmountDue.Decimal)
		}
	})

	t.Run("AmountPrefersHintLine", func(t *testing.T) {
		f := FromText("Toll charge $2.00\nAMOUNT DUE: $14.50\nLate fee $5.00")
		if !f.AmountDue.Valid || !f.AmountDue.Decimal.Equal(decimal.RequireFromString("14.50")) {
			t.Errorf("Expected hint-line amount 14.50, got %v", f.AmountDue)
		}
	})

	t.Run("AmountOnLineAfterHint", func(t *testing.T) {
		f := FromText("TOTAL DUE\n$33.10")
		if !f.AmountDue.Valid || !f.AmountDue.Decimal.Equal(decimal.RequireFromString("33.10")) {
			t.Errorf("Expected next-line amount 33.10, got %v", f.AmountDue)
		}
	})

	t.Run("YearLinesSkipped", func(t *testing.T) {
		f := FromText("Issued 2026\nDue date 01/15/2026\nPay $7.75 now")
		if !f.AmountDue.Valid || !f.AmountDue.Decimal.Equal(decimal.RequireFromString("7.75")) {
			t.Errorf("Expected 7.75 with year lines skipped, got %v", f.AmountDue)
		}
	})

	t.Run("SplitDecimalRepaired", func(t *testing.T) {
		f := FromText("BALANCE DUE $ 12 . 34")
		if !f.AmountDue.Valid || !f.AmountDue.Decimal.Equal(decimal.RequireFromString("12.34")) {
			t.Errorf("Expected repaired 12.34, got %v", f.AmountDue)
		}
	})

	t.Run("InvoiceDigitFixups", func(t *testing.T) {
		// OCR read of "T0438O1234S678" with confused glyphs.
		f := FromText("Violation Number: T0438O1234S678")
		if f.InvoiceNumber != "T0438012345678" {
			t.Errorf("Digit fixups not applied: got %q", f.InvoiceNumber)
		}
	})

	t.Run("NothingFound", func(t *testing.T) {
		f := FromText("truly unrelated text")
		if f.AmountDue.Valid {
			t.Errorf("Unexpected amount: %v", f.AmountDue)
		}
		if f.InvoiceNumber != "" {
			t.Errorf("Unexpected invoice: %q", f.InvoiceNumber)
		}
	})
}

func TestFixLostDot(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"400", "4"},       // whole number in the suspicious range
		{"4.00", "4"},      // already has decimals, rounds clean
		{"99", "99"},       // below the range, left alone
		{"10000", "10000"}, // above the range, left alone
		{"123.45", "123.45"},
	}
	for _, tc := range cases {
		got := fixLostDot(decimal.RequireFromString(tc.in))
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Errorf("fixLostDot(%s): expected %s, got %s", tc.in, tc.want, got)
		}
	}
}
