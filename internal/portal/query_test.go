// internal/portal/query_test.go
package portal

import (
	"errors"
	"testing"
)

func TestNormalizeField(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"Uppercases", "abc123", "ABC123"},
		{"StripsSpaces", "  AB 12 34 ", "AB1234"},
		{"StripsNoBreakSpace", "AB\u00A012", "AB12"},
		{"StripsNarrowNoBreakSpace", "AB\u202F12", "AB12"},
		{"UnifiesEnDash", "T123–4567", "T123-4567"},
		{"UnifiesEmDash", "T123—4567", "T123-4567"},
		{"UnifiesMinusSign", "T123−4567", "T123-4567"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeField(tc.in); got != tc.want {
				t.Errorf("NormalizeField(%q): expected %q, got %q", tc.in, tc.want, got)
			}
		})
	}
}

func TestNewQuery(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		q, err := NewQuery(" ab-123 ", "t123456789")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if q.Plate != "AB-123" || q.Invoice != "T123456789" {
			t.Errorf("Unexpected query: %+v", q)
		}
	})

	t.Run("PlateTooShort", func(t *testing.T) {
		_, err := NewQuery("A", "T123456789")
		if !errors.Is(err, ErrInvalidPlate) {
			t.Errorf("Expected ErrInvalidPlate, got %v", err)
		}
	})

	t.Run("PlateTooLong", func(t *testing.T) {
		_, err := NewQuery("ABCDEFGHIJK", "T123456789")
		if !errors.Is(err, ErrInvalidPlate) {
			t.Errorf("Expected ErrInvalidPlate, got %v", err)
		}
	})

	t.Run("InvoiceTooShort", func(t *testing.T) {
		_, err := NewQuery("AB123", "T1234")
		if !errors.Is(err, ErrInvalidInvoice) {
			t.Errorf("Expected ErrInvalidInvoice, got %v", err)
		}
	})

	t.Run("InvoiceBadCharacters", func(t *testing.T) {
		_, err := NewQuery("AB123", "T123_45678")
		if !errors.Is(err, ErrInvalidInvoice) {
			t.Errorf("Expected ErrInvalidInvoice, got %v", err)
		}
	})
}
