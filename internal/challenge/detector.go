// Package challenge detects bot-challenge interstitials and waits them
// out. The engines sit behind challenge platforms that serve a holding
// page before the real one; most resolve on their own given a believable
// browser, time, and a live connection.
package challenge

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"

	"github.com/ellipsesearch/rpa/internal/models"
)

// textMarkers are phrases challenge pages show in the title or body.
// Matched case-insensitively.
var textMarkers = []string{
	"checking your browser",
	"just a moment",
	"verify you are human",
	"verifying you are human",
	"please wait while we verify",
	"attention required",
	"one more step",
	"ddos protection by",
	"enable javascript and cookies",
	"unusual traffic",
}

// markupSelectors are DOM hooks the challenge platforms render.
var markupSelectors = []string{
	"#challenge-running",
	"#challenge-form",
	"#challenge-stage",
	".challenge-running",
	"#cf-browser-verification",
	"#cf-challenge-running",
	`iframe[src*="challenges.cloudflare.com"]`,
	`script[src*="challenge-platform"]`,
	`meta[name="generator"][content*="DDoS-GUARD"]`,
}

// Handler detects and waits out challenge interstitials.
type Handler struct {
	log *slog.Logger

	// PollInterval between challenge re-checks. Heartbeat keeps the
	// devtools connection alive while the page sits on the interstitial.
	PollInterval time.Duration
	Heartbeat    time.Duration
	MaxWait      time.Duration
	MaxRetries   int

	// sleep is a hook for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewHandler creates a Handler with the given wait budget per attempt.
func NewHandler(log *slog.Logger, maxWait time.Duration, maxRetries int) *Handler {
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 2
	}
	return &Handler{
		log:          log,
		PollInterval: 2 * time.Second,
		Heartbeat:    5 * time.Second,
		MaxWait:      maxWait,
		MaxRetries:   maxRetries,
		sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsChallenge reports whether the page is currently showing a challenge
// interstitial. Inspection errors read as "no challenge"; a dead page is
// the caller's problem, not ours.
func (h *Handler) IsChallenge(page *rod.Page) bool {
	info, err := page.Info()
	if err != nil {
		return false
	}
	if hasTextMarker(info.Title) {
		return true
	}

	for _, sel := range markupSelectors {
		if has, _, _ := page.Has(sel); has {
			return true
		}
	}

	result, err := page.Eval(`() => document.body ? document.body.innerText.slice(0, 4000).toLowerCase() : ""`)
	if err != nil {
		return false
	}
	return hasTextMarker(result.Value.Str())
}

func hasTextMarker(s string) bool {
	s = strings.ToLower(s)
	for _, m := range textMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// pageSettled reports whether the page looks like real content rather
// than a half-loaded shell: markers gone alone is not enough, challenge
// pages briefly blank out mid-transition.
func (h *Handler) pageSettled(page *rod.Page) bool {
	result, err := page.Eval(`() => ({
		bodyLen: document.body ? document.body.innerText.length : 0,
		scripts: document.scripts.length,
	})`)
	if err != nil {
		return false
	}
	bodyLen := result.Value.Get("bodyLen").Int()
	scripts := result.Value.Get("scripts").Int()
	return bodyLen > 200 && scripts > 2
}

// WaitForChallenge polls until the challenge resolves or the budget runs
// out. A keep-alive heartbeat evaluates document.readyState so the
// devtools connection does not go stale while the interstitial spins.
// Returns nil on resolution, context.DeadlineExceeded when time runs out.
func (h *Handler) WaitForChallenge(ctx context.Context, page *rod.Page) error {
	deadline := time.Now().Add(h.MaxWait)
	lastBeat := time.Now()

	for time.Now().Before(deadline) {
		if err := h.sleep(ctx, h.PollInterval); err != nil {
			return err
		}

		if time.Since(lastBeat) >= h.Heartbeat {
			_, _ = page.Eval(`() => document.readyState`)
			lastBeat = time.Now()
		}

		if !h.IsChallenge(page) && h.pageSettled(page) {
			return nil
		}
	}
	return context.DeadlineExceeded
}

// Handle runs the full recovery loop: if the page shows a challenge, wait
// it out with bounded retries (reloading between attempts). When retries
// exhaust it returns OutcomeChallengeWarning so the caller proceeds and
// lets the downstream readiness check fail with real diagnostics instead
// of hanging here.
func (h *Handler) Handle(ctx context.Context, page *rod.Page) models.Outcome {
	if !h.IsChallenge(page) {
		return models.OutcomeSuccess
	}

	info, _ := page.Info()
	url := ""
	if info != nil {
		url = info.URL
	}
	h.log.Info("challenge detected", "url", url)

	for attempt := 1; attempt <= h.MaxRetries; attempt++ {
		err := h.WaitForChallenge(ctx, page)
		if err == nil {
			h.log.Info("challenge resolved", "url", url, "attempt", attempt)
			return models.OutcomeSuccess
		}
		if ctx.Err() != nil {
			return models.OutcomeChallengeBlocked
		}

		h.log.Warn("challenge wait timed out", "url", url, "attempt", attempt, "max_wait", h.MaxWait)

		if attempt < h.MaxRetries {
			if err := page.Reload(); err != nil {
				h.log.Warn("reload during challenge recovery failed", "error", err)
				return models.OutcomeChallengeBlocked
			}
			if err := h.sleep(ctx, h.PollInterval); err != nil {
				return models.OutcomeChallengeBlocked
			}
		}
	}

	h.log.Warn("proceeding despite unresolved challenge", "url", url, "retries", h.MaxRetries)
	return models.OutcomeChallengeWarning
}
