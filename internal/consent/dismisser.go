// Package consent dismisses cookie consent banners that would otherwise
// cover the elements a scrape extracts.
package consent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/jmylchreest/acquire/internal/browser"
)

// Accept buttons of the common consent management platforms, most specific
// first.
var buttonSelectors = []string{
	// OneTrust
	`#onetrust-accept-btn-handler`,
	`button[id*="onetrust-accept"]`,
	`#accept-recommended-btn-handler`,

	// Cookiebot
	`#CybotCookiebotDialogBodyLevelButtonLevelOptinAllowAll`,
	`#CybotCookiebotDialogBodyButtonAccept`,

	// Quantcast / TCF
	`.qc-cmp2-summary-buttons button[mode="primary"]`,
	`button.qc-cmp-button`,

	// TrustArc
	`#truste-consent-button`,
	`button.trustarc-agree-btn`,

	// Didomi
	`#didomi-notice-agree-button`,

	// Amazon and eBay
	`#sp-cc-accept`,
	`#gdpr-banner-accept`,

	// Generic
	`button[data-testid="accept-cookies"]`,
	`button[data-testid="cookie-accept"]`,
	`button[aria-label*="Accept"]`,
	`button.cookie-accept`,
	`button.accept-cookies`,
	`button#accept-cookies`,
	`button#acceptCookies`,
	`div[class*="cookie"] button[class*="accept"]`,
	`div[class*="consent"] button[class*="accept"]`,
}

var acceptTexts = []string{
	"Accept All Cookies",
	"Accept all cookies",
	"Accept All",
	"Accept all",
	"Accept Cookies",
	"Accept cookies",
	"I Accept",
	"I Agree",
	"Allow All",
	"Allow all",
	"Got it",
}

// clickByTextJS clicks the first visible button or link whose text contains
// one of the given strings and returns the string it matched.
const clickByTextJS = `(texts) => {
	const nodes = document.querySelectorAll('button, a, [role="button"]');
	for (const text of texts) {
		for (const node of nodes) {
			if (!node.textContent || !node.textContent.includes(text)) continue;
			const rect = node.getBoundingClientRect();
			if (rect.width > 0 && rect.height > 0) {
				node.click();
				return text;
			}
		}
	}
	return '';
}`

// Dismisser clicks consent banners away.
type Dismisser struct {
	logger  *slog.Logger
	timeout time.Duration // per element lookup
	settle  time.Duration // pause for the banner to render and to close
}

// NewDismisser creates a dismisser.
func NewDismisser(logger *slog.Logger) *Dismisser {
	return &Dismisser{
		logger:  logger,
		timeout: 2 * time.Second,
		settle:  300 * time.Millisecond,
	}
}

// Dismiss returns true if a banner was found and clicked. Failures are
// never fatal to the caller.
func (d *Dismisser) Dismiss(ctx context.Context, page browser.Page) bool {
	if !sleep(ctx, d.settle) {
		return false
	}

	html, err := page.HTML(ctx)
	if err != nil {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}

	// only pay for a browser lookup when the markup has the element
	for _, selector := range buttonSelectors {
		if doc.Find(selector).Length() == 0 {
			continue
		}
		if d.clickSelector(ctx, page, selector) {
			return true
		}
	}

	return d.clickByText(ctx, page)
}

func (d *Dismisser) clickSelector(ctx context.Context, page browser.Page, selector string) bool {
	lookupCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	el, err := page.Element(lookupCtx, selector)
	if err != nil {
		return false
	}
	if visible, err := el.Visible(lookupCtx); err != nil || !visible {
		return false
	}
	if err := el.Click(lookupCtx); err != nil {
		d.logger.Debug("failed to click consent button", "selector", selector, "error", err)
		return false
	}

	d.logger.Info("dismissed cookie consent banner", "selector", selector)
	sleep(ctx, d.settle)
	return true
}

func (d *Dismisser) clickByText(ctx context.Context, page browser.Page) bool {
	evalCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	matched, err := page.Eval(evalCtx, clickByTextJS, acceptTexts)
	if err != nil || matched == "" {
		return false
	}

	d.logger.Info("dismissed cookie consent banner", "method", "text_search", "text", matched)
	sleep(ctx, d.settle)
	return true
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
