// internal/portal/parser.go
package portal

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"easypaybackend/internal/logger"
)

// ChargeItem is one open charge row from the portal's results table.
type ChargeItem struct {
	NoticeID  string          `json:"noticeId,omitempty"`
	AmountDue decimal.Decimal `json:"amountDue"`
	DueDate   string          `json:"dueDate,omitempty"`
	Status    string          `json:"status,omitempty"`
}

// LookupResult is the structured balance extracted from one lookup.
//
// When a results table was recognized, Total is the exact sum of the item
// amounts. When only the full-text fallback matched, Items is empty, Total is
// the approximate sum of every dollar amount on the page and LowConfidence is
// set: callers must not treat that branch as a verified zero/line-item answer.
type LookupResult struct {
	Items         []ChargeItem    `json:"items"`
	Total         decimal.Decimal `json:"total"`
	LowConfidence bool            `json:"lowConfidence,omitempty"`
}

// NoBalance reports whether the lookup found nothing to pay.
func (r LookupResult) NoBalance() bool {
	return !r.Total.IsPositive()
}

// Header keywords identifying the relevant columns; order and presence of the
// columns varies across portal layouts.
var (
	amountHeader = regexp.MustCompile(`amt\s*due|amount\s*due|due\s*amount`)
	noticeHeader = regexp.MustCompile(`violation|notice|invoice`)
	dateHeader   = regexp.MustCompile(`due\s*date|pay\s*by`)
	statusHeader = regexp.MustCompile(`status`)

	openStatus    = regexp.MustCompile(`(?i)open|due|unpaid`)
	noticePattern = regexp.MustCompile(`([A-Z0-9-]{5,})`)
)

// ParseResults turns the raw results document into a LookupResult. It never
// fails: an unrecognizable document degrades to the full-text fallback scan.
func ParseResults(html string) LookupResult {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		logger.LogWarn("Results document unparseable, using fallback scan: %v", err)
		return fallbackScan(html)
	}

	var items []ChargeItem
	doc.Find("table").EachWithBreak(func(_ int, tbl *goquery.Selection) bool {
		items = parseTable(tbl)
		// First table that yields rows wins.
		return len(items) == 0
	})

	if len(items) == 0 {
		return fallbackScan(doc.Text())
	}

	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.AmountDue)
	}
	return LookupResult{Items: items, Total: total}
}

func parseTable(tbl *goquery.Selection) []ChargeItem {
	var heads []string
	tbl.Find("thead th, tr th").Each(func(_ int, th *goquery.Selection) {
		heads = append(heads, strings.ToLower(strings.TrimSpace(th.Text())))
	})

	idxAmt := headerIndex(heads, amountHeader)
	idxNo := headerIndex(heads, noticeHeader)
	idxDate := headerIndex(heads, dateHeader)
	idxStatus := headerIndex(heads, statusHeader)

	rows := tbl.Find("tbody tr")
	if rows.Length() == 0 {
		rows = tbl.Find("tr")
		if len(heads) > 0 {
			rows = rows.Slice(1, rows.Length())
		}
	}

	var items []ChargeItem
	rows.Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Find("td")
		if cells.Length() == 0 {
			return
		}

		status := cellText(cells, idxStatus)
		if status != "" && !openStatus.MatchString(status) {
			return
		}

		amount, ok := decimal.Zero, false
		if idxAmt >= 0 {
			amount, ok = parseAmount(cellText(cells, idxAmt))
		}
		if !ok {
			// No usable amount column: take the rightmost currency cell.
			for i := cells.Length() - 1; i >= 0 && !ok; i-- {
				amount, ok = parseAmount(cells.Eq(i).Text())
			}
		}
		if !ok {
			return
		}

		items = append(items, ChargeItem{
			NoticeID:  noticePattern.FindString(strings.ToUpper(cellText(cells, idxNo))),
			AmountDue: amount,
			DueDate:   cellText(cells, idxDate),
			Status:    status,
		})
	})
	return items
}

func headerIndex(heads []string, pattern *regexp.Regexp) int {
	for i, h := range heads {
		if pattern.MatchString(h) {
			return i
		}
	}
	return -1
}

func cellText(cells *goquery.Selection, idx int) string {
	if idx < 0 || idx >= cells.Length() {
		return ""
	}
	return strings.TrimSpace(cells.Eq(idx).Text())
}

func fallbackScan(text string) LookupResult {
	total := decimal.Zero
	for _, d := range scanAmounts(text) {
		total = total.Add(d)
	}
	return LookupResult{Total: total, LowConfidence: true}
}
