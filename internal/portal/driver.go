// internal/portal/driver.go
package portal

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"easypaybackend/internal/logger"
)

// Acquisition failures the caller can branch on. A timeout means the portal
// was slow or unreachable; not-found means every locator heuristic ran dry,
// which usually indicates the portal changed its markup.
var (
	ErrAcquisitionTimeout  = errors.New("portal acquisition timed out")
	ErrAcquisitionNotFound = errors.New("portal element not found")
)

// resultsURLPattern recognizes the violation-results page the portal
// navigates to after a successful lookup submission.
var resultsURLPattern = regexp.MustCompile(`(?i)/vector/.*\.do`)

// RawResponse is the unparsed outcome of one portal lookup.
type RawResponse struct {
	HTML      string
	NoRecords bool
}

// Driver drives a headless browser through the portal's lookup flow. One
// Driver is safe for concurrent use; each Lookup call runs its own isolated
// browser session.
type Driver struct {
	homeURL string
	timeout time.Duration
}

func NewDriver(homeURL string, timeout time.Duration) *Driver {
	return &Driver{homeURL: homeURL, timeout: timeout}
}

// Lookup performs the full acquisition: open the portal, reach the lookup
// form, type the query, submit, and capture the results document.
func (d *Driver) Lookup(ctx context.Context, q Query) (RawResponse, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.Flag("disable-extensions", true),
		chromedp.WindowSize(1280, 900),
	)...)
	defer cancelAlloc()

	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	runCtx, cancelRun := context.WithTimeout(tabCtx, d.timeout)
	defer cancelRun()

	resp, err := d.acquire(runCtx, tabCtx, q)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return RawResponse{}, fmt.Errorf("looking up %s/%s: %w", q.Plate, q.Invoice, ErrAcquisitionTimeout)
		}
		return RawResponse{}, err
	}
	return resp, nil
}

// acquire runs against runCtx (deadline-bound) while tabCtx stays alive for
// popup target attachment.
func (d *Driver) acquire(runCtx, tabCtx context.Context, q Query) (RawResponse, error) {
	start := time.Now()
	logger.LogInfo("Portal lookup started for plate=%s invoice=%s", q.Plate, q.Invoice)

	if err := chromedp.Run(runCtx, chromedp.Navigate(d.homeURL)); err != nil {
		return RawResponse{}, fmt.Errorf("opening portal: %w", err)
	}
	if err := injectHelpers(runCtx); err != nil {
		return RawResponse{}, err
	}

	// A cookie/terms interstitial shows up intermittently; dismiss and move on.
	var dismissed bool
	if err := chromedp.Run(runCtx, chromedp.Evaluate(consentProbe, &dismissed)); err == nil && dismissed {
		logger.LogInfo("Dismissed portal consent interstitial")
	}

	// The lookup tile sometimes opens the form in a popup window; arm the
	// listener before clicking so the new target cannot be missed.
	popupCh := chromedp.WaitNewTarget(tabCtx, isPageTarget)

	strategy, err := runStrategies(runCtx, "lookup tile", lookupTileStrategies)
	if err != nil {
		return RawResponse{}, err
	}
	logger.LogInfo("Opened lookup form via %s strategy", strategy)

	formCtx := runCtx
	select {
	case id := <-popupCh:
		popupCtx, cancelPopup := chromedp.NewContext(tabCtx, chromedp.WithTargetID(id))
		defer cancelPopup()
		var cancelMerge context.CancelFunc
		formCtx, cancelMerge = mergeDeadline(popupCtx, runCtx)
		defer cancelMerge()
		logger.LogInfo("Lookup form opened in popup target %s", id)
		if err := chromedp.Run(formCtx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
			return RawResponse{}, fmt.Errorf("waiting for popup document: %w", err)
		}
		if err := injectHelpers(formCtx); err != nil {
			return RawResponse{}, err
		}
	case <-time.After(2 * time.Second):
		// No popup: the form renders inline or as a modal on the same page.
	case <-runCtx.Done():
		return RawResponse{}, runCtx.Err()
	}

	if err := pollProbe(formCtx, panelProbe, 15*time.Second); err != nil {
		return RawResponse{}, fmt.Errorf("waiting for lookup form: %w", err)
	}

	if _, err := runStrategies(formCtx, "invoice input", invoiceInputStrategies); err != nil {
		return RawResponse{}, err
	}
	if _, err := runStrategies(formCtx, "plate input", plateInputStrategies); err != nil {
		return RawResponse{}, err
	}

	if err := fillField(formCtx, `input[data-ezpay="invoice"]`, q.Invoice); err != nil {
		return RawResponse{}, fmt.Errorf("filling invoice: %w", err)
	}
	if err := fillField(formCtx, `input[data-ezpay="plate"]`, q.Plate); err != nil {
		return RawResponse{}, fmt.Errorf("filling plate: %w", err)
	}

	// Submission can also deliver the results in a brand-new tab; arm this
	// listener before the click so that target cannot be missed either.
	resultsCh := chromedp.WaitNewTarget(tabCtx, isPageTarget)

	if _, err := runStrategies(formCtx, "lookup submit", submitStrategies); err != nil {
		return RawResponse{}, err
	}

	outcome, docCtx, cancelDoc, err := awaitResults(formCtx, tabCtx, resultsCh)
	if cancelDoc != nil {
		defer cancelDoc()
	}
	if err != nil {
		return RawResponse{}, err
	}

	var html string
	if err := chromedp.Run(docCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return RawResponse{}, fmt.Errorf("capturing results document: %w", err)
	}

	logger.LogInfo("Portal lookup finished in %s (outcome=%s, %d bytes)",
		time.Since(start).Round(time.Millisecond), outcome, len(html))
	return RawResponse{HTML: html, NoRecords: outcome == "no-records"}, nil
}

// pollProbe evaluates a probe until it reports true, bounded by both the
// supplied window and the context deadline. Evaluation errors are treated as
// "not yet": mid-navigation pages throw until they settle.
func pollProbe(ctx context.Context, probe string, window time.Duration) error {
	deadline := time.Now().Add(window)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		var ok bool
		if err := chromedp.Run(ctx, chromedp.Evaluate(probe, &ok)); err == nil && ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrAcquisitionNotFound
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// injectHelpers installs the __ezpay helper object on the current page.
func injectHelpers(ctx context.Context) error {
	var ok bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(jsHelpers, &ok)); err != nil {
		return fmt.Errorf("injecting page helpers: %w", err)
	}
	return nil
}

// fillField clears the input with keystrokes and types the value, which
// triggers the portal's own input listeners the way pasting would not.
func fillField(ctx context.Context, sel, value string) error {
	return chromedp.Run(ctx,
		chromedp.Click(sel, chromedp.ByQuery),
		chromedp.KeyEvent("a", chromedp.KeyModifiers(input.ModifierCtrl)),
		chromedp.KeyEvent(kb.Delete),
		chromedp.SendKeys(sel, value, chromedp.ByQuery),
	)
}

// awaitResults waits for one of four terminal signals after submission: a new
// tab opening with the results, navigation to the results URL, a visible
// results table on the current page, or the portal's no-records banner.
// Whichever shows first wins. The returned context is the page holding the
// results document; its cancel func, when non-nil, must run after capture.
func awaitResults(formCtx, tabCtx context.Context, popup <-chan target.ID) (string, context.Context, context.CancelFunc, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	docCtx := formCtx
	var cancelDoc context.CancelFunc

	var tableSince time.Time
	for {
		select {
		case <-formCtx.Done():
			return "", docCtx, cancelDoc, formCtx.Err()
		case id := <-popup:
			// Results opened in a new tab; all further probing moves there.
			popup = nil
			popupCtx, cancelPopup := chromedp.NewContext(tabCtx, chromedp.WithTargetID(id))
			merged, cancelMerge := mergeDeadline(popupCtx, formCtx)
			cancelDoc = func() {
				cancelMerge()
				cancelPopup()
			}
			if err := chromedp.Run(merged, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
				return "", docCtx, cancelDoc, fmt.Errorf("waiting for results tab: %w", err)
			}
			docCtx = merged
			tableSince = time.Time{}
			logger.LogInfo("Results opened in new tab %s", id)
			continue
		case <-ticker.C:
		}

		var loc string
		if err := chromedp.Run(docCtx, chromedp.Location(&loc)); err != nil {
			continue // mid-navigation; the next tick will see the new page
		}
		// Reinstall the page helpers every tick: any navigation (results URL
		// or an intermediate hop) wipes them.
		if err := injectHelpers(docCtx); err != nil {
			continue
		}
		navigated := resultsURLPattern.MatchString(loc)

		var hasTable, noRecords bool
		if err := chromedp.Run(docCtx,
			chromedp.Evaluate(resultsTableProbe, &hasTable),
			chromedp.Evaluate(noRecordsProbe, &noRecords),
		); err != nil {
			continue
		}

		switch {
		case noRecords:
			return "no-records", docCtx, cancelDoc, nil
		case hasTable:
			// Give late-loading rows one extra beat before capturing.
			if tableSince.IsZero() {
				tableSince = time.Now()
				continue
			}
			if time.Since(tableSince) >= 500*time.Millisecond {
				return "table", docCtx, cancelDoc, nil
			}
		case navigated:
			// Results URL reached but neither table nor banner yet; keep
			// polling until the page settles or the deadline fires.
		}
	}
}

// isPageTarget filters browser targets down to real page tabs and popups.
func isPageTarget(info *target.Info) bool {
	return info.Type == "page" && info.URL != ""
}

// mergeDeadline bounds a popup's context by the overall lookup deadline.
func mergeDeadline(ctx, deadlineSrc context.Context) (context.Context, context.CancelFunc) {
	if dl, ok := deadlineSrc.Deadline(); ok {
		return context.WithDeadline(ctx, dl)
	}
	return context.WithCancel(ctx)
}
