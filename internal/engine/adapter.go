package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"

	"github.com/ellipsesearch/rpa/internal/challenge"
	"github.com/ellipsesearch/rpa/internal/humanize"
	"github.com/ellipsesearch/rpa/internal/models"
)

// Input describes one capture request at the engine boundary.
type Input struct {
	Prompt   string
	Language string // BCP 47 primary subtag, e.g. "en"
	Region   string // lowercase ISO 3166-1 alpha-2, e.g. "us"; also steers the proxy exit country upstream
}

// Adapter drives one engine UI through a single capture. An adapter
// carries per-capture state (the pre-prompt response baseline), so
// construct a fresh one per prompt.
type Adapter interface {
	Engine() models.Engine
	Table() SelectorTable
	Navigate(ctx context.Context, page *rod.Page, in Input) models.Outcome
	WaitReady(ctx context.Context, page *rod.Page) models.Outcome
	SendPrompt(ctx context.Context, page *rod.Page, prompt string) models.Outcome
	WaitForResponse(ctx context.Context, page *rod.Page) models.Outcome
	CheckErrors(page *rod.Page) models.Outcome
	ExtractHTML(page *rod.Page) (string, error)
}

// Options configures adapter construction.
type Options struct {
	Humanize        bool
	Challenges      *challenge.Handler
	ResponseTimeout time.Duration
	ReadyTimeout    time.Duration
	Logger          *slog.Logger
}

// New builds the adapter for an engine.
func New(e models.Engine, opts Options) (Adapter, error) {
	table, ok := Table(e)
	if !ok {
		return nil, fmt.Errorf("engine %q: no selector table", e)
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = 2 * time.Minute
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	b := base{
		engine: e,
		table:  table,
		opts:   opts,
		log:    opts.Logger.With("engine", e.String()),
		sleep:  sleepCtx,
	}
	switch e {
	case models.EngineChatGPT:
		return &chatgptAdapter{base: b}, nil
	case models.EngineGemini:
		a := &geminiAdapter{base: b}
		a.urlFn = a.localizedURL
		return a, nil
	case models.EnginePerplexity:
		a := &perplexityAdapter{base: b}
		a.submitFn = a.keyboardSubmit
		a.urlFn = func(in Input) string { return a.QueryURL(in.Prompt) }
		return a, nil
	case models.EngineGrok:
		return &grokAdapter{base: b}, nil
	default:
		return nil, fmt.Errorf("engine %q: no adapter", e)
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

// base carries the shared capture flow. Engine types embed it and
// override the pieces where the UIs diverge.
type base struct {
	engine models.Engine
	table  SelectorTable
	opts   Options
	log    *slog.Logger

	// Response containers present before the prompt was submitted.
	// Anything beyond this count belongs to our answer.
	baseline int
	sleep    func(ctx context.Context, d time.Duration) error

	// Engine overrides; base methods dispatch through these when set.
	submitFn func(ctx context.Context, page *rod.Page) error
	urlFn    func(in Input) string
}

func (b *base) Engine() models.Engine { return b.engine }
func (b *base) Table() SelectorTable  { return b.table }

func (b *base) captureURL(in Input) string {
	if b.urlFn != nil {
		return b.urlFn(in)
	}
	return b.table.URL
}

func (b *base) navigate(ctx context.Context, page *rod.Page, url string) models.Outcome {
	p := page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		b.log.Error("navigation failed", "url", url, "error", err)
		return models.OutcomeEngineError
	}
	if err := p.WaitLoad(); err != nil {
		b.log.Warn("page load wait failed", "url", url, "error", err)
	}
	if b.opts.Challenges != nil {
		// A warning propagates so the caller can record it against the
		// profile; it is still OK() to proceed on.
		if out := b.opts.Challenges.Handle(ctx, page); out != models.OutcomeSuccess {
			return out
		}
	}
	return models.OutcomeSuccess
}

func (b *base) Navigate(ctx context.Context, page *rod.Page, in Input) models.Outcome {
	return b.navigate(ctx, page, b.captureURL(in))
}

// WaitReady polls for the prompt input, distinguishing a logged-out
// page from a renamed selector.
func (b *base) WaitReady(ctx context.Context, page *rod.Page) models.Outcome {
	deadline := time.Now().Add(b.opts.ReadyTimeout)
	for {
		// A usable composer wins even when a login nudge is visible;
		// several engines serve limited answers logged out.
		if el := b.findVisible(page, b.table.PromptInput); el != nil {
			return models.OutcomeSuccess
		}
		if out := b.loginWall(page); out != models.OutcomeSuccess {
			return out
		}
		if time.Now().After(deadline) {
			break
		}
		if err := b.sleep(ctx, 500*time.Millisecond); err != nil {
			return models.OutcomeTimeout
		}
	}
	info, err := page.Info()
	if err == nil {
		b.log.Warn("prompt input not found",
			"url", info.URL, "title", info.Title, "tableVersion", b.table.Version)
	}
	return models.OutcomeSelectorMiss
}

func (b *base) loginWall(page *rod.Page) models.Outcome {
	if b.table.LoginRequired != "" {
		if has, el, err := page.Has(b.table.LoginRequired); err == nil && has {
			if v, _ := el.Visible(); v {
				return models.OutcomeAuthRequired
			}
		}
	}
	if info, err := page.Info(); err == nil {
		u := strings.ToLower(info.URL)
		for _, frag := range []string{"/login", "/signin", "/auth/", "accounts.google.com/signin"} {
			if strings.Contains(u, frag) {
				return models.OutcomeAuthRequired
			}
		}
	}
	return models.OutcomeSuccess
}

// findVisible tries each selector in order and returns the first
// visible match, or nil.
func (b *base) findVisible(page *rod.Page, selectors []string) *rod.Element {
	for _, sel := range selectors {
		has, el, err := page.Has(sel)
		if err != nil || !has {
			continue
		}
		if v, err := el.Visible(); err == nil && v {
			return el
		}
	}
	return nil
}

func (b *base) countContainers(page *rod.Page) int {
	els, err := page.Elements(b.table.ResponseContainer)
	if err != nil {
		return 0
	}
	return len(els)
}

// SendPrompt types the prompt and submits it. The response container
// count is snapshotted first so WaitForResponse can tell our answer
// apart from history restored into the same conversation.
func (b *base) SendPrompt(ctx context.Context, page *rod.Page, prompt string) models.Outcome {
	el := b.findVisible(page, b.table.PromptInput)
	if el == nil {
		return models.OutcomeSelectorMiss
	}
	if err := b.typePrompt(ctx, page, el, prompt); err != nil {
		b.log.Error("typing failed", "error", err)
		return models.OutcomeEngineError
	}
	b.baseline = b.countContainers(page)
	if err := b.submit(ctx, page); err != nil {
		b.log.Error("submit failed", "error", err)
		return models.OutcomeEngineError
	}
	return models.OutcomeSuccess
}

func (b *base) typePrompt(ctx context.Context, page *rod.Page, el *rod.Element, prompt string) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			b.log.Debug("retrying prompt entry", "attempt", attempt+1)
			_ = b.clearInput(el)
		}
		if b.opts.Humanize {
			hb := humanize.New(page, humanize.DefaultConfig())
			if err := hb.Click(el); err != nil {
				lastErr = err
				continue
			}
			hb.ThinkPause()
			if err := hb.Type(prompt); err != nil {
				lastErr = err
				continue
			}
		} else {
			if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
				lastErr = err
				continue
			}
			if err := page.Context(ctx).InsertText(prompt); err != nil {
				lastErr = err
				continue
			}
		}
		if b.inputHasText(el) {
			return nil
		}
		lastErr = fmt.Errorf("input empty after typing")
	}
	// Last resort: blind keystrokes into whatever holds focus.
	if err := page.Context(ctx).InsertText(prompt); err == nil {
		return nil
	}
	return lastErr
}

func (b *base) clearInput(el *rod.Element) error {
	return el.SelectAllText()
}

func (b *base) inputHasText(el *rod.Element) bool {
	if v, err := el.Property("value"); err == nil && v.Str() != "" {
		return true
	}
	if t, err := el.Text(); err == nil && strings.TrimSpace(t) != "" {
		return true
	}
	return false
}

// submit prefers the send button and falls back to Enter. Perplexity
// swaps in its keyboard-first order via submitFn.
func (b *base) submit(ctx context.Context, page *rod.Page) error {
	if b.submitFn != nil {
		return b.submitFn(ctx, page)
	}
	if btn := b.findVisible(page, b.table.SubmitButton); btn != nil {
		if err := btn.Click(proto.InputMouseButtonLeft, 1); err == nil {
			return nil
		}
	}
	return page.Context(ctx).Keyboard.Type(input.Enter)
}

// WaitForResponse blocks until the answer is fully rendered: a new
// response container appears, the streaming indicator stays gone for
// two consecutive checks, and the text stops changing.
func (b *base) WaitForResponse(ctx context.Context, page *rod.Page) models.Outcome {
	wctx, cancel := context.WithTimeout(ctx, b.opts.ResponseTimeout)
	defer cancel()

	if out := b.waitNewContainer(wctx, page); out != models.OutcomeSuccess {
		return out
	}
	if out := b.waitStreamingDone(wctx, page); out != models.OutcomeSuccess {
		return out
	}
	if out := b.waitStable(wctx, page); out != models.OutcomeSuccess {
		return out
	}
	b.readResponse(page)
	return models.OutcomeSuccess
}

// readResponse simulates a human skimming the finished answer, scroll
// and pause scaled to its length. Skipped when humanizing is off.
func (b *base) readResponse(page *rod.Page) {
	if !b.opts.Humanize {
		return
	}
	hb := humanize.New(page, humanize.DefaultConfig())
	if err := hb.ReadResponse(len(b.responseText(page))); err != nil {
		b.log.Debug("reading simulation failed", "error", err)
	}
}

func (b *base) waitNewContainer(ctx context.Context, page *rod.Page) models.Outcome {
	for {
		if b.countContainers(page) > b.baseline {
			return models.OutcomeSuccess
		}
		if out := b.CheckErrors(page); out != models.OutcomeSuccess {
			return out
		}
		if err := b.sleep(ctx, 500*time.Millisecond); err != nil {
			b.log.Warn("timed out waiting for response container", "baseline", b.baseline)
			return models.OutcomeTimeout
		}
	}
}

func (b *base) waitStreamingDone(ctx context.Context, page *rod.Page) models.Outcome {
	absent := 0
	for absent < 2 {
		if b.streaming(page) {
			absent = 0
		} else {
			absent++
		}
		if absent >= 2 {
			return models.OutcomeSuccess
		}
		if err := b.sleep(ctx, time.Second); err != nil {
			if out := b.CheckErrors(page); out != models.OutcomeSuccess {
				return out
			}
			b.log.Warn("timed out waiting for streaming to finish")
			return models.OutcomeTimeout
		}
	}
	return models.OutcomeSuccess
}

func (b *base) streaming(page *rod.Page) bool {
	if b.table.StreamingIndicator == "" {
		return false
	}
	has, el, err := page.Has(b.table.StreamingIndicator)
	if err != nil || !has {
		return false
	}
	v, _ := el.Visible()
	return v
}

func (b *base) waitStable(ctx context.Context, page *rod.Page) models.Outcome {
	var last string
	stable := 0
	for {
		text := b.responseText(page)
		if len(text) >= 50 && text == last {
			stable++
			if stable >= 2 {
				return models.OutcomeSuccess
			}
		} else {
			stable = 0
		}
		last = text
		if err := b.sleep(ctx, 1500*time.Millisecond); err != nil {
			if len(last) >= 50 {
				// The answer is there, it just kept twitching.
				return models.OutcomeSuccess
			}
			return models.OutcomeTimeout
		}
	}
}

func (b *base) responseText(page *rod.Page) string {
	els, err := page.Elements(b.table.ResponseContainer)
	if err != nil || len(els) == 0 {
		return ""
	}
	t, err := els[len(els)-1].Text()
	if err != nil {
		return ""
	}
	return t
}

var rateLimitPhrases = []string{
	"rate limit", "too many requests", "at capacity",
	"capacity right now", "try again later", "usage cap",
}

// CheckErrors inspects the page for engine-side failure banners.
func (b *base) CheckErrors(page *rod.Page) models.Outcome {
	if b.table.RateLimit != "" {
		if has, el, err := page.Has(b.table.RateLimit); err == nil && has {
			if v, _ := el.Visible(); v {
				return models.OutcomeRateLimited
			}
		}
	}
	if b.table.ErrorMessage != "" {
		if has, el, err := page.Has(b.table.ErrorMessage); err == nil && has {
			if v, _ := el.Visible(); v {
				text, _ := el.Text()
				if classifyErrorText(text) == models.OutcomeRateLimited {
					return models.OutcomeRateLimited
				}
				b.log.Warn("engine error banner", "text", truncate(text, 200))
				return models.OutcomeEngineError
			}
		}
	}
	if out := b.loginWall(page); out != models.OutcomeSuccess {
		// Only a wall that leaves no composer counts as blocking.
		if b.findVisible(page, b.table.PromptInput) == nil {
			return out
		}
	}
	return models.OutcomeSuccess
}

func classifyErrorText(text string) models.Outcome {
	lower := strings.ToLower(text)
	for _, p := range rateLimitPhrases {
		if strings.Contains(lower, p) {
			return models.OutcomeRateLimited
		}
	}
	return models.OutcomeEngineError
}

// ExtractHTML returns the markup of the response to this capture's
// prompt, falling back to the whole document when the container
// selector came up empty.
func (b *base) ExtractHTML(page *rod.Page) (string, error) {
	els, err := page.Elements(b.table.ResponseContainer)
	if err == nil && len(els) > 0 {
		start := b.baseline
		if start >= len(els) {
			start = len(els) - 1
		}
		var sb strings.Builder
		for _, el := range els[start:] {
			h, err := el.HTML()
			if err != nil {
				continue
			}
			sb.WriteString(h)
			sb.WriteString("\n")
		}
		if sb.Len() > 0 {
			return sb.String(), nil
		}
	}
	b.log.Warn("response container missing at extraction, capturing full page")
	return page.HTML()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
