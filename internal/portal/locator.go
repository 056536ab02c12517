// internal/portal/locator.go
package portal

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
)

// locatorStrategy is one heuristic attempt to find an element on the portal.
// The js expression must evaluate to true when the element was found (and,
// for inputs, tagged with a data-ezpay attribute for later interaction).
// Strategies run in ranked order; a strategy is attempted only when every
// earlier one produced nothing, and exhausting the list is a hard failure.
type locatorStrategy struct {
	name string
	js   string
}

// runStrategies evaluates each strategy until one succeeds, returning its
// name. All strategies failing means the portal layout changed underneath us.
func runStrategies(ctx context.Context, what string, strategies []locatorStrategy) (string, error) {
	for _, s := range strategies {
		var ok bool
		if err := chromedp.Run(ctx, chromedp.Evaluate(s.js, &ok)); err != nil {
			return "", fmt.Errorf("locating %s via %s: %w", what, s.name, err)
		}
		if ok {
			return s.name, nil
		}
	}
	return "", fmt.Errorf("locating %s: %w", what, ErrAcquisitionNotFound)
}

// jsHelpers is injected once per page; the strategy snippets below lean on it.
const jsHelpers = `(() => {
	window.__ezpay = {
		visible(el) {
			if (!el) return false;
			const r = el.getBoundingClientRect();
			return r.width > 0 && r.height > 0 && getComputedStyle(el).visibility !== 'hidden';
		},
		click(el) {
			el.scrollIntoView({block: 'center'});
			el.click();
			return true;
		},
		scope() {
			return document.querySelector('[data-ezpay-panel]') || document;
		},
		tagInput(el, role, other) {
			if (!this.visible(el)) return false;
			if (other && el === document.querySelector('input[data-ezpay="' + other + '"]')) return false;
			el.setAttribute('data-ezpay', role);
			return true;
		},
		visibleTextInputs() {
			const scope = this.scope();
			return [...scope.querySelectorAll('input[type="text"], input:not([type])')]
				.filter(el => this.visible(el));
		},
	};
	return true;
})()`

// lookupTileStrategies find and activate the control that opens the
// invoice/violation lookup form on the landing page.
var lookupTileStrategies = []locatorStrategy{
	{"exact-text", `(() => {
		const el = [...document.querySelectorAll('button, a')].find(e =>
			__ezpay.visible(e) && /pay invoice|view invoice|violation|toll bill/i.test(e.textContent));
		return el ? __ezpay.click(el) : false;
	})()`},
	{"role-button", `(() => {
		const el = [...document.querySelectorAll('[role="button"], input[type="button"], input[type="submit"]')].find(e =>
			__ezpay.visible(e) && /invoice|violation|toll/i.test(e.value || e.textContent || ''));
		return el ? __ezpay.click(el) : false;
	})()`},
	{"first-plausible-link", `(() => {
		const el = [...document.querySelectorAll('a[href]')].find(e =>
			__ezpay.visible(e) && /violation|invoice/i.test(e.href));
		return el ? __ezpay.click(el) : false;
	})()`},
}

// panelProbe marks the container holding the lookup inputs, which may render
// as a modal dialog or as an inline panel. Evaluated repeatedly by a bounded
// poll rather than a fixed sleep.
const panelProbe = `(() => {
	const dialog = [...document.querySelectorAll('div[role="dialog"], .ui-dialog, .modal, .mfp-content')]
		.find(e => __ezpay.visible(e) && e.querySelector('input'));
	const inline = [...document.querySelectorAll('div, form, section')]
		.find(e => __ezpay.visible(e) && e.querySelector('input') &&
			/invoice|violation|toll bill/i.test(e.textContent));
	const panel = dialog || inline;
	if (!panel) return false;
	panel.setAttribute('data-ezpay-panel', '1');
	return true;
})()`

// consentProbe dismisses an accept/continue interstitial when one shows up.
const consentProbe = `(() => {
	const el = [...document.querySelectorAll('button, a')].find(e =>
		__ezpay.visible(e) && /^(accept|continue)$/i.test(e.textContent.trim()));
	return el ? __ezpay.click(el) : false;
})()`

// invoiceInputStrategies resolve the invoice/violation number input inside
// the tagged panel: attribute heuristics, then label text, then position.
var invoiceInputStrategies = []locatorStrategy{
	{"attributes", `(() => {
		const el = __ezpay.scope().querySelector([
			'input[placeholder*="Invoice" i]', 'input[placeholder*="Violation" i]',
			'input[placeholder*="Toll Bill" i]', 'input[aria-label*="Invoice" i]',
			'input[aria-label*="Violation" i]', 'input[name*="invoice" i]', 'input[id*="invoice" i]',
		].join(','));
		return __ezpay.tagInput(el, 'invoice', null);
	})()`},
	{"label", `(() => {
		const label = [...__ezpay.scope().querySelectorAll('label')].find(l =>
			/invoice|violation|toll bill/i.test(l.textContent));
		if (!label) return false;
		const el = label.htmlFor ? document.getElementById(label.htmlFor) : label.querySelector('input');
		return __ezpay.tagInput(el, 'invoice', null);
	})()`},
	{"first-visible", `(() => {
		return __ezpay.tagInput(__ezpay.visibleTextInputs()[0], 'invoice', null);
	})()`},
}

// plateInputStrategies resolve the license-plate input. Every strategy
// rejects the node already tagged as the invoice input so that one field can
// never be filled twice.
var plateInputStrategies = []locatorStrategy{
	{"attributes", `(() => {
		const el = __ezpay.scope().querySelector([
			'input[placeholder*="Plate" i]', 'input[placeholder*="License" i]',
			'input[aria-label*="Plate" i]', 'input[aria-label*="License" i]',
			'input[name*="plate" i]', 'input[id*="plate" i]',
		].join(','));
		return __ezpay.tagInput(el, 'plate', 'invoice');
	})()`},
	{"label", `(() => {
		const label = [...__ezpay.scope().querySelectorAll('label')].find(l =>
			/license plate|plate/i.test(l.textContent));
		if (!label) return false;
		const el = label.htmlFor ? document.getElementById(label.htmlFor) : label.querySelector('input');
		return __ezpay.tagInput(el, 'plate', 'invoice');
	})()`},
	{"second-visible", `(() => {
		return __ezpay.tagInput(__ezpay.visibleTextInputs()[1], 'plate', 'invoice');
	})()`},
}

// submitStrategies activate the lookup submission control.
var submitStrategies = []locatorStrategy{
	{"named-submit", `(() => {
		const el = __ezpay.scope().querySelector(
			'input[type="submit"][name="btnLookupViolation"], input[type="submit"][value*="View" i]');
		return el && __ezpay.visible(el) ? __ezpay.click(el) : false;
	})()`},
	{"view-text", `(() => {
		const el = [...__ezpay.scope().querySelectorAll('button, a')].find(e =>
			__ezpay.visible(e) && /view (invoice|violation|toll bill)/i.test(e.textContent));
		return el ? __ezpay.click(el) : false;
	})()`},
	{"generic-submit", `(() => {
		const el = [...__ezpay.scope().querySelectorAll('button, input[type="submit"]')].find(e =>
			__ezpay.visible(e) && /submit/i.test(e.value || e.textContent || ''));
		return el ? __ezpay.click(el) : false;
	})()`},
}

// resultsTableProbe reports whether a recognizable results table is visible.
const resultsTableProbe = `(() => {
	return [...document.querySelectorAll('table')].some(t =>
		__ezpay.visible(t) && /violation no|amt due|amount due/i.test(t.textContent));
})()`

// noRecordsProbe reports whether the portal shows its "nothing owed" banner.
const noRecordsProbe = `(() => {
	return /no records?|not found/i.test(document.body ? document.body.innerText : '');
})()`
