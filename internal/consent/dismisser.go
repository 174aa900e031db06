// Package consent dismisses cookie and privacy interstitials that the
// answer engines put in front of the composer. Gemini sits behind the
// Google consent wall in the EU; the others occasionally show a CMP
// banner depending on proxy exit region.
package consent

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// acceptSelectors are tried in order. Engine-specific walls first, then
// the common consent management platforms, then loose patterns.
var acceptSelectors = []string{
	// Google consent wall (gemini)
	`button[aria-label="Accept all"]`,
	`form[action*="consent.google.com"] button`,
	`div[role="dialog"] button[jsname]`,

	// OneTrust
	`#onetrust-accept-btn-handler`,
	`button[id*="onetrust-accept"]`,

	// Cookiebot
	`#CybotCookiebotDialogBodyLevelButtonLevelOptinAllowAll`,
	`#CybotCookiebotDialogBodyButtonAccept`,

	// Didomi, Quantcast, TrustArc
	`#didomi-notice-agree-button`,
	`button[class*="qc-cmp"]`,
	`#truste-consent-button`,

	// Loose patterns, last resort
	`button[data-testid*="accept"]`,
	`button[class*="cookie"][class*="accept"]`,
	`div[class*="consent"] button[class*="accept"]`,
}

// acceptTexts match button labels when no selector hits. Exact or
// prefix match against trimmed text content.
var acceptTexts = []string{
	"Accept all",
	"Accept All",
	"Accept Cookies",
	"I Accept",
	"I agree",
	"Allow all",
	"Agree",
	"Got it",
}

// Dismisser clicks through consent interstitials, best effort. A page
// without a banner costs one short scan and nothing else.
type Dismisser struct {
	log     *slog.Logger
	timeout time.Duration

	sleep func(ctx context.Context, d time.Duration)
}

// NewDismisser creates a Dismisser. Per-selector waits stay short so a
// clean page is not held up.
func NewDismisser(logger *slog.Logger) *Dismisser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dismisser{
		log:     logger.With("component", "consent"),
		timeout: 2 * time.Second,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Dismiss scans the page for a consent banner and accepts it. Returns
// true when something was clicked.
func (d *Dismisser) Dismiss(ctx context.Context, page *rod.Page) bool {
	// Banners often render a beat after load.
	d.sleep(ctx, 500*time.Millisecond)

	for _, sel := range acceptSelectors {
		if ctx.Err() != nil {
			return false
		}
		if d.clickSelector(ctx, page, sel) {
			d.sleep(ctx, 300*time.Millisecond)
			return true
		}
	}
	if d.clickByText(ctx, page) {
		d.sleep(ctx, 300*time.Millisecond)
		return true
	}
	return false
}

func (d *Dismisser) clickSelector(ctx context.Context, page *rod.Page, sel string) bool {
	has, el, err := page.Context(ctx).Has(sel)
	if err != nil || !has {
		return false
	}
	if visible, err := el.Visible(); err != nil || !visible {
		return false
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		d.log.Debug("consent click failed", "selector", sel, "error", err)
		return false
	}
	d.log.Info("consent banner dismissed", "selector", sel)
	return true
}

// clickByText scans visible buttons and links for an accept label in a
// single page evaluation.
func (d *Dismisser) clickByText(ctx context.Context, page *rod.Page) bool {
	js := `(texts) => {
		const els = document.querySelectorAll('button, a');
		for (const el of els) {
			const t = (el.textContent || '').trim();
			if (!t) continue;
			for (const want of texts) {
				if (t === want || t.startsWith(want)) {
					const r = el.getBoundingClientRect();
					if (r.width > 0 && r.height > 0) {
						el.click();
						return t;
					}
				}
			}
		}
		return '';
	}`
	result, err := page.Context(ctx).Timeout(d.timeout).Eval(js, acceptTexts)
	if err != nil {
		return false
	}
	clicked := result.Value.Str()
	if clicked == "" {
		return false
	}
	d.log.Info("consent banner dismissed", "method", "text", "label", clicked)
	return true
}
