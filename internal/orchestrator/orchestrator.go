// Package orchestrator is the single entry point for captures. It
// selects the execution mode (api, browser, hybrid), runs the browser
// pipeline end to end, and merges hybrid results.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ellipsesearch/rpa/internal/authflow"
	"github.com/ellipsesearch/rpa/internal/browserpool"
	"github.com/ellipsesearch/rpa/internal/challenge"
	"github.com/ellipsesearch/rpa/internal/config"
	"github.com/ellipsesearch/rpa/internal/consent"
	"github.com/ellipsesearch/rpa/internal/domparser"
	"github.com/ellipsesearch/rpa/internal/engine"
	"github.com/ellipsesearch/rpa/internal/models"
	"github.com/ellipsesearch/rpa/internal/ratelimit"
	"github.com/ellipsesearch/rpa/internal/sessionstore"
)

// APISimulator is the external API-mode collaborator. The core only
// calls it; implementing it is out of scope here.
type APISimulator func(ctx context.Context, req *models.CaptureRequest) (*models.CaptureResult, error)

var ErrBothModesFailed = errors.New("both browser and api capture failed")

// Orchestrator owns the capture pipeline. Construct one per process
// and share it; all state lives in the injected services.
type Orchestrator struct {
	cfg      *config.Config
	pool     *browserpool.Pool
	limiter  *ratelimit.Limiter
	sessions *sessionstore.Store
	parser   *domparser.Parser
	consent  *consent.Dismisser
	sim      APISimulator
	log      *slog.Logger

	fallback map[models.Engine]bool

	// Test seams.
	newAdapter func(e models.Engine, opts engine.Options) (engine.Adapter, error)
	runBrowser func(ctx context.Context, req *models.CaptureRequest) *models.CaptureResult
}

// New wires an orchestrator. sim may be nil when api mode is unused.
func New(cfg *config.Config, pool *browserpool.Pool, limiter *ratelimit.Limiter, sessions *sessionstore.Store, sim APISimulator, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	fallback := make(map[models.Engine]bool, len(cfg.FallbackEngines))
	for _, name := range cfg.FallbackEngines {
		if e, err := models.ParseEngine(name); err == nil {
			fallback[e] = true
		}
	}
	o := &Orchestrator{
		cfg:        cfg,
		pool:       pool,
		limiter:    limiter,
		sessions:   sessions,
		parser:     domparser.New(logger),
		consent:    consent.NewDismisser(logger),
		sim:        sim,
		log:        logger.With("component", "orchestrator"),
		fallback:   fallback,
		newAdapter: engine.New,
	}
	o.runBrowser = o.browserCapture
	return o
}

// Run executes one capture request and always returns a result; the
// error is non-nil only when no result could be produced at all.
func (o *Orchestrator) Run(ctx context.Context, req *models.CaptureRequest) (*models.CaptureResult, error) {
	if !req.Engine.Valid() {
		return nil, fmt.Errorf("unknown engine %q", req.Engine)
	}
	if req.Prompt == "" {
		return nil, fmt.Errorf("empty prompt")
	}
	mode := req.Mode
	if mode == "" {
		mode = models.ModeHybrid
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.cfg.GlobalTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	o.log.Info("capture starting", "job", req.JobID, "engine", req.Engine, "mode", mode)

	var res *models.CaptureResult
	var err error
	switch mode {
	case models.ModeAPI:
		res, err = o.apiCapture(ctx, req)
	case models.ModeBrowser:
		res = o.runBrowser(ctx, req)
		if !res.Outcome.OK() && o.fallback[req.Engine] && o.sim != nil {
			o.log.Warn("browser capture failed, falling back to api",
				"job", req.JobID, "engine", req.Engine, "outcome", res.Outcome)
			if apiRes, apiErr := o.apiCapture(ctx, req); apiErr == nil && apiRes.Outcome.OK() {
				res = apiRes
			}
		}
	case models.ModeHybrid:
		res, err = o.hybridCapture(ctx, req)
	default:
		return nil, fmt.Errorf("mode %q not supported", mode)
	}
	if err != nil {
		return nil, err
	}
	o.log.Info("capture finished",
		"job", req.JobID, "engine", req.Engine, "mode", mode,
		"outcome", res.Outcome, "method", res.Method, "elapsed", time.Since(start))
	return res, nil
}

func (o *Orchestrator) apiCapture(ctx context.Context, req *models.CaptureRequest) (*models.CaptureResult, error) {
	start := time.Now().UnixMilli()
	if o.sim == nil {
		return models.NewErrorResult(req.JobID, req.Engine, models.OutcomeEngineError,
			"no api simulator configured", start, time.Now().UnixMilli()), nil
	}
	res, err := o.sim(ctx, req)
	if err != nil {
		o.log.Warn("api capture failed", "job", req.JobID, "engine", req.Engine, "error", err)
		return models.NewErrorResult(req.JobID, req.Engine, models.OutcomeEngineError,
			err.Error(), start, time.Now().UnixMilli()), nil
	}
	res.Method = models.ModeAPI
	if res.StartTimestamp == 0 {
		res.StartTimestamp = start
	}
	if res.EndTimestamp == 0 {
		res.EndTimestamp = time.Now().UnixMilli()
	}
	return res, nil
}

// browserCapture runs the full adapter pipeline on a pooled page.
func (o *Orchestrator) browserCapture(ctx context.Context, req *models.CaptureRequest) *models.CaptureResult {
	start := time.Now().UnixMilli()
	fail := func(outcome models.Outcome, msg string) *models.CaptureResult {
		return models.NewErrorResult(req.JobID, req.Engine, outcome, msg, start, time.Now().UnixMilli())
	}

	// The sticky exit is the best ip guess before the page lease pins
	// the real one.
	exitIP := o.pool.StickyProxyHost(req.Engine)
	if err := o.limiter.Acquire(ctx, req.Engine, exitIP, req.Priority); err != nil {
		return fail(models.OutcomeTimeout, "rate limiter: "+err.Error())
	}
	defer o.limiter.Release(req.Engine)

	opts := req.Options
	if opts.Country == "" {
		// The requested region doubles as the proxy exit country.
		opts.Country = req.Region
	}
	pp, err := o.pool.GetPage(ctx, req.Engine, opts)
	if err != nil {
		return fail(models.OutcomeEngineError, "page lease: "+err.Error())
	}
	success := false
	defer func() { o.pool.ReleasePage(pp.SessionID, success) }()
	if pp.Identity.Proxy != nil {
		exitIP = pp.Identity.Proxy.Host
	}

	ad, err := o.newAdapter(req.Engine, engine.Options{
		Humanize:        o.cfg.HumanBehavior,
		Challenges:      challenge.NewHandler(o.log, o.cfg.ChallengeMaxWait, o.cfg.ChallengeRetries),
		ResponseTimeout: o.cfg.GlobalTimeout,
		Logger:          o.log,
	})
	if err != nil {
		return fail(models.OutcomeEngineError, err.Error())
	}

	in := engine.Input{Prompt: req.Prompt, Language: req.Language, Region: req.Region}
	outcome, html := o.drivePage(ctx, ad, pp, req, in)
	if !outcome.OK() {
		o.limiter.ReportFailure(req.Engine, exitIP)
		res := fail(outcome, "browser capture: "+string(outcome))
		res.ScreenshotPath = o.screenshotOnError(pp, req)
		return res
	}
	if outcome == models.OutcomeChallengeWarning {
		o.pool.ReportWarning(pp.SessionID, "challenge unresolved during capture")
	}

	content, perr := o.parser.ExtractAll(ctx, html, ad.Table().ParserSelectors())
	if perr != nil {
		o.limiter.ReportFailure(req.Engine, exitIP)
		return fail(models.OutcomeEngineError, "extraction: "+perr.Error())
	}
	o.enrich(content, req)

	success = true
	o.limiter.ReportSuccess(req.Engine, exitIP)

	res := &models.CaptureResult{
		JobID:          req.JobID,
		Engine:         req.Engine,
		Outcome:        outcome,
		Method:         models.ModeBrowser,
		Content:        content,
		HTML:           html,
		StartTimestamp: start,
		EndTimestamp:   time.Now().UnixMilli(),
	}
	if pp.Identity.Profile != nil {
		res.ProfileID = pp.Identity.Profile.ID
	}
	if pp.Identity.Proxy != nil {
		res.ProxyUsed = pp.Identity.Proxy.String()
	}
	return res
}

// screenshotOnError saves the page as it looked when the capture
// failed. Returns the saved path, or "" when disabled or the capture
// could not be written.
func (o *Orchestrator) screenshotOnError(pp *browserpool.PooledPage, req *models.CaptureRequest) string {
	if !o.cfg.ScreenshotOnError || o.cfg.ScreenshotDir == "" {
		return ""
	}
	data, err := pp.Page.Screenshot(false, nil)
	if err != nil {
		o.log.Warn("error screenshot failed", "session", pp.SessionID, "error", err)
		return ""
	}
	if err := os.MkdirAll(o.cfg.ScreenshotDir, 0o755); err != nil {
		o.log.Warn("screenshot dir unavailable", "dir", o.cfg.ScreenshotDir, "error", err)
		return ""
	}
	name := fmt.Sprintf("%s_%s_%d.png", req.JobID, req.Engine, time.Now().UnixMilli())
	path := filepath.Join(o.cfg.ScreenshotDir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		o.log.Warn("error screenshot write failed", "path", path, "error", err)
		return ""
	}
	o.log.Info("error screenshot saved", "job", req.JobID, "path", path)
	return path
}

// drivePage walks navigate, ready, auth, prompt, response, extract.
// The returned outcome is OK() when html is usable.
func (o *Orchestrator) drivePage(ctx context.Context, ad engine.Adapter, pp *browserpool.PooledPage, req *models.CaptureRequest, in engine.Input) (models.Outcome, string) {
	warned := false
	out := ad.Navigate(ctx, pp.Page, in)
	if !out.OK() {
		return out, ""
	}
	warned = warned || out == models.OutcomeChallengeWarning

	if len(pp.PendingStorage) > 0 {
		if err := pp.ApplyLocalStorage(); err != nil {
			o.log.Warn("local storage restore failed", "session", pp.SessionID, "error", err)
		} else if err := pp.Page.Reload(); err == nil {
			_ = pp.Page.Context(ctx).WaitLoad()
		}
	}
	o.consent.Dismiss(ctx, pp.Page)

	out = ad.WaitReady(ctx, pp.Page)
	if out == models.OutcomeAuthRequired {
		out = o.authenticate(ctx, ad, pp, req)
	}
	if !out.OK() {
		return out, ""
	}

	if out = ad.SendPrompt(ctx, pp.Page, req.Prompt); !out.OK() {
		return out, ""
	}
	if out = ad.WaitForResponse(ctx, pp.Page); !out.OK() {
		return out, ""
	}
	html, err := ad.ExtractHTML(pp.Page)
	if err != nil {
		o.log.Error("html extraction failed", "session", pp.SessionID, "error", err)
		return models.OutcomeEngineError, ""
	}
	if warned {
		return models.OutcomeChallengeWarning, html
	}
	return models.OutcomeSuccess, html
}

func (o *Orchestrator) authenticate(ctx context.Context, ad engine.Adapter, pp *browserpool.PooledPage, req *models.CaptureRequest) models.Outcome {
	auth, err := authflow.New(req.Engine, o.sessions, o.log)
	if err != nil {
		return models.OutcomeAuthRequired
	}
	profileID := ""
	if pp.Identity.Profile != nil {
		profileID = pp.Identity.Profile.ID
	}
	if out := auth.Authenticate(ctx, pp.Page, profileID, req.Credentials); out != models.OutcomeSuccess {
		return out
	}
	// Logged in; the composer should render now.
	return ad.WaitReady(ctx, pp.Page)
}

// enrich adds inferred sources from bare domain mentions, flags the
// brand, and builds the unified search context.
func (o *Orchestrator) enrich(content *models.CaptureContent, req *models.CaptureRequest) {
	table, _ := engine.Table(req.Engine)
	mentions := domparser.ExtractDomainMentions(content.ResponseText, table.ExcludeDomains)
	inferred := domparser.SourcesFromDomainMentions(mentions)

	merged := domparser.MergeSources(content.Citations, content.SourceCards)
	merged = domparser.MergeSources(merged, inferred)

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if (a.Index > 0) != (b.Index > 0) {
			return a.Index > 0
		}
		if a.Index != b.Index {
			return a.Index < b.Index
		}
		return a.Cited && !b.Cited
	})
	content.SearchContext = merged

	if req.BrandDomain != "" || req.BrandName != "" {
		content.BrandMentioned = domparser.BrandMentioned(
			content.ResponseText, content.ResponseMarkdown,
			req.BrandDomain, req.BrandName, req.BrandAliases, merged)
	}
}

// hybridCapture settles both paths and merges, tolerating one failure.
func (o *Orchestrator) hybridCapture(ctx context.Context, req *models.CaptureRequest) (*models.CaptureResult, error) {
	var browserRes, apiRes *models.CaptureResult
	var apiErr error

	done := make(chan struct{})
	go func() {
		defer close(done)
		apiRes, apiErr = o.apiCapture(ctx, req)
	}()
	browserRes = o.runBrowser(ctx, req)
	<-done

	browserOK := browserRes != nil && browserRes.Outcome.OK() && browserRes.Content != nil
	apiOK := apiErr == nil && apiRes != nil && apiRes.Outcome.OK() && apiRes.Content != nil

	switch {
	case browserOK && apiOK:
		return o.merge(browserRes, apiRes), nil
	case browserOK:
		return browserRes, nil
	case apiOK:
		return apiRes, nil
	default:
		if browserRes != nil {
			return browserRes, nil
		}
		return nil, ErrBothModesFailed
	}
}

// merge back-fills one capture from the other: text from the preferred
// side, sources URL-keyed with the preferred side winning and missing
// title/snippet filled from the other. The browser side is preferred
// unless HYBRID_PREFER says otherwise.
func (o *Orchestrator) merge(browserRes, apiRes *models.CaptureResult) *models.CaptureResult {
	pref, other := browserRes, apiRes
	if o.cfg.HybridPrefer == "api" {
		pref, other = apiRes, browserRes
	}
	merged := *pref
	merged.Method = models.ModeHybrid
	c := *pref.Content
	merged.Content = &c

	alt := other.Content
	if c.ResponseText == "" {
		c.ResponseText = alt.ResponseText
	}
	if c.ResponseMarkdown == "" {
		c.ResponseMarkdown = alt.ResponseMarkdown
	}
	c.Citations = domparser.MergeSources(c.Citations, alt.Citations)
	c.SourceCards = domparser.MergeSources(c.SourceCards, alt.SourceCards)
	c.SearchContext = domparser.MergeSources(c.SearchContext, alt.SearchContext)
	if c.Panel == nil {
		c.Panel = alt.Panel
	}
	if len(c.SearchChips) == 0 {
		c.SearchChips = alt.SearchChips
	}
	if len(c.FollowUps) == 0 {
		c.FollowUps = alt.FollowUps
	}
	c.BrandMentioned = c.BrandMentioned || alt.BrandMentioned

	if merged.StartTimestamp > other.StartTimestamp && other.StartTimestamp > 0 {
		merged.StartTimestamp = other.StartTimestamp
	}
	if merged.EndTimestamp < other.EndTimestamp {
		merged.EndTimestamp = other.EndTimestamp
	}
	return &merged
}
