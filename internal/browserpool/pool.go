// Package browserpool manages a bounded set of browser processes and the
// automation pages running inside them. Every page gets an identity: a
// persona profile (or a bare fingerprint), optionally a proxy, and any
// persisted session state for its engine.
package browserpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/oklog/ulid/v2"

	"github.com/ellipsesearch/rpa/internal/config"
	"github.com/ellipsesearch/rpa/internal/fingerprint"
	"github.com/ellipsesearch/rpa/internal/models"
	"github.com/ellipsesearch/rpa/internal/profile"
	"github.com/ellipsesearch/rpa/internal/proxy"
	"github.com/ellipsesearch/rpa/internal/sessionstore"
	"github.com/ellipsesearch/rpa/internal/stealth"
)

var (
	// ErrPoolClosed is returned when using a closed pool.
	ErrPoolClosed = errors.New("browser pool is closed")
)

// Identity is the composed fingerprint/profile/proxy assignment for one
// page session.
type Identity struct {
	Profile     *profile.Profile
	Fingerprint *fingerprint.Fingerprint
	Proxy       *proxy.Proxy
}

// Callbacks receive per-session outcomes so the identity managers can
// track health without the pool importing their policies.
type Callbacks struct {
	OnSuccess func(engine models.Engine, id Identity, elapsed time.Duration)
	OnFailure func(engine models.Engine, id Identity)
}

// PooledPage is one leased automation session. The session ID is the
// lease token: whoever holds it owns the page until ReleasePage.
type PooledPage struct {
	SessionID string
	Page      *rod.Page
	Engine    models.Engine
	Identity  Identity

	// PendingStorage holds localStorage entries restored from the
	// session store. They need an origin, so the engine adapter applies
	// them after the first navigation via ApplyLocalStorage.
	PendingStorage map[string]string

	browserID string
	createdAt time.Time
	lastUsed  time.Time
	released  bool
}

// ApplyLocalStorage writes the restored localStorage entries into the
// current origin. Call after navigating to the engine.
func (pp *PooledPage) ApplyLocalStorage() error {
	for k, v := range pp.PendingStorage {
		if _, err := pp.Page.Eval(`(k, v) => localStorage.setItem(k, v)`, k, v); err != nil {
			return fmt.Errorf("restore localStorage %q: %w", k, err)
		}
	}
	return nil
}

// Touch refreshes the idle clock. Adapters call it during long waits so
// the reaper does not close a page mid-capture.
func (pp *PooledPage) Touch() {
	pp.lastUsed = time.Now()
}

type browserInstance struct {
	id       string
	browser  *rod.Browser
	proxyURL string
	pages    int
	lastUsed time.Time
}

// Pool owns the browser processes and active pages.
type Pool struct {
	mu       sync.Mutex
	cfg      *config.Config
	logger   *slog.Logger
	browsers map[string]*browserInstance
	pending  int // launches in flight, counted against MaxBrowsers
	pages    map[string]*PooledPage
	closed   bool

	profiles *profile.Manager
	proxies  *proxy.Manager
	sessions *sessionstore.Store
	fps      *fingerprint.Generator
	cb       Callbacks

	reapStop chan struct{}

	// launch and newPage are indirections so tests can run without a
	// real browser.
	launch  func(ctx context.Context, px *proxy.Proxy) (*rod.Browser, error)
	newPage func(b *rod.Browser, fp *fingerprint.Fingerprint) (*rod.Page, error)
}

// New creates a Pool. profiles and proxies may be nil when those
// subsystems are disabled; sessions may be nil to skip persistence.
func New(cfg *config.Config, profiles *profile.Manager, proxies *proxy.Manager, sessions *sessionstore.Store, cb Callbacks, logger *slog.Logger) *Pool {
	p := &Pool{
		cfg:      cfg,
		logger:   logger,
		browsers: make(map[string]*browserInstance),
		pages:    make(map[string]*PooledPage),
		profiles: profiles,
		proxies:  proxies,
		sessions: sessions,
		fps:      fingerprint.NewGenerator(time.Now().UnixNano()),
		cb:       cb,
		reapStop: make(chan struct{}),
	}
	p.launch = p.launchBrowser
	p.newPage = func(b *rod.Browser, fp *fingerprint.Fingerprint) (*rod.Page, error) {
		return stealth.NewPage(b, fp, stealth.Options{Disabled: !cfg.StealthEnabled})
	}
	go p.reapLoop()
	return p
}

// GetPage leases a page for one capture: composes an identity, finds or
// launches a browser with capacity, hardens a new page, shapes it to the
// fingerprint, and restores any persisted session state.
func (p *Pool) GetPage(ctx context.Context, engine models.Engine, opts models.BrowserOptions) (*PooledPage, error) {
	id, err := p.composeIdentity(engine, opts)
	if err != nil {
		return nil, err
	}

	bi, err := p.acquireBrowser(ctx, id.Proxy)
	if err != nil {
		return nil, err
	}

	page, err := p.newPage(bi.browser, id.Fingerprint)
	if err != nil {
		p.mu.Lock()
		bi.pages--
		p.mu.Unlock()
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := p.shapePage(page, id.Fingerprint); err != nil {
		page.Close()
		p.mu.Lock()
		bi.pages--
		p.mu.Unlock()
		return nil, err
	}

	pp := &PooledPage{
		SessionID: ulid.Make().String(),
		Page:      page,
		Engine:    engine,
		Identity:  id,
		browserID: bi.id,
		createdAt: time.Now(),
		lastUsed:  time.Now(),
	}

	if p.cfg.SessionPersist && p.sessions != nil && id.Profile != nil {
		sess, err := p.sessions.Load(id.Profile.ID, engine)
		if err != nil {
			p.logger.Warn("session restore failed", "profile", id.Profile.ID, "engine", engine, "error", err)
		} else if sess != nil {
			if err := setCookies(page, sess.Cookies); err != nil {
				p.logger.Warn("cookie restore failed", "profile", id.Profile.ID, "engine", engine, "error", err)
			}
			pp.PendingStorage = sess.LocalStorage
		}
	}

	p.mu.Lock()
	p.pages[pp.SessionID] = pp
	p.mu.Unlock()

	p.logger.Info("page leased",
		"session", pp.SessionID, "engine", engine, "browser", bi.id,
		"profile", profileID(id.Profile), "proxy", proxyName(id.Proxy))
	return pp, nil
}

// composeIdentity picks a profile (preferred) or a bare fingerprint, and
// a proxy when proxying is enabled. Running out of healthy proxies is a
// degradation, not a failure.
func (p *Pool) composeIdentity(engine models.Engine, opts models.BrowserOptions) (Identity, error) {
	var id Identity

	if p.profiles != nil {
		var prof *profile.Profile
		var err error
		if opts.ProfileID != "" {
			prof, err = p.profiles.Get(opts.ProfileID)
		} else {
			prof, err = p.profiles.GetProfile(engine)
		}
		switch {
		case err == nil:
			id.Profile = prof
			id.Fingerprint = prof.Fingerprint
		case errors.Is(err, profile.ErrNoProfile):
			p.logger.Warn("no eligible profile, using ephemeral fingerprint", "engine", engine)
		default:
			return id, err
		}
	}
	if id.Fingerprint == nil {
		id.Fingerprint = p.fps.Generate("")
	}

	if p.cfg.ProxyEnabled && p.proxies != nil {
		px, err := p.proxies.GetProxy(engine.String(), opts.Country)
		switch {
		case err == nil:
			id.Proxy = px
		case errors.Is(err, proxy.ErrNoProxy):
			p.logger.Warn("no healthy proxy, continuing direct", "engine", engine)
		default:
			return id, err
		}
	}
	return id, nil
}

// acquireBrowser finds a process with page capacity whose proxy matches,
// launches a new one under the browser cap, or poll-waits for capacity.
func (p *Pool) acquireBrowser(ctx context.Context, px *proxy.Proxy) (*browserInstance, error) {
	proxyURL := ""
	if px != nil {
		proxyURL = px.URL()
	}
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		for _, bi := range p.browsers {
			if bi.proxyURL == proxyURL && bi.pages < p.cfg.MaxPagesPerBrowser {
				bi.pages++
				bi.lastUsed = time.Now()
				p.mu.Unlock()
				return bi, nil
			}
		}

		// Reserve a slot before launching so concurrent acquirers
		// cannot all pass the cap check while the lock is released.
		if len(p.browsers)+p.pending < p.cfg.MaxBrowsers {
			p.pending++
			p.mu.Unlock()
			b, err := p.launch(ctx, px)
			if err != nil {
				p.mu.Lock()
				p.pending--
				p.mu.Unlock()
				return nil, fmt.Errorf("launch browser: %w", err)
			}
			bi := &browserInstance{
				id:       ulid.Make().String(),
				browser:  b,
				proxyURL: proxyURL,
				pages:    1,
				lastUsed: time.Now(),
			}
			p.mu.Lock()
			p.pending--
			if p.closed {
				p.mu.Unlock()
				b.Close()
				return nil, ErrPoolClosed
			}
			p.browsers[bi.id] = bi
			p.mu.Unlock()
			p.logger.Info("browser launched", "id", bi.id, "proxy", proxyURL != "")
			return bi, nil
		}
		p.mu.Unlock()

		// At capacity. Poll; over-eager callers only cost a retry.
		t := time.NewTimer(500 * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (p *Pool) launchBrowser(ctx context.Context, px *proxy.Proxy) (*rod.Browser, error) {
	l := launcher.New()
	if p.cfg.ChromePath != "" {
		l = l.Bin(p.cfg.ChromePath)
	}
	l = stealth.ConfigureLauncher(l, p.cfg.Headless, 0, 0, "")
	if px != nil {
		// Chrome takes host:port only; credentials go through the
		// devtools auth challenge below.
		l = l.Proxy(fmt.Sprintf("%s:%d", px.Host, px.Port))
	}

	u, err := l.Context(ctx).Launch()
	if err != nil {
		return nil, err
	}
	b := rod.New().ControlURL(u).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, err
	}
	if px != nil && px.Username != "" {
		go func() {
			if err := b.HandleAuth(px.Username, px.Password)(); err != nil {
				p.logger.Warn("proxy auth handler exited", "proxy", px.String(), "error", err)
			}
		}()
	}
	return b, nil
}

// shapePage applies the fingerprint's device surface: viewport, user
// agent, timezone.
func (p *Pool) shapePage(page *rod.Page, fp *fingerprint.Fingerprint) error {
	if fp == nil {
		return nil
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      fp.UserAgent,
		AcceptLanguage: fp.Locale,
		Platform:       fp.Platform,
	}); err != nil {
		return fmt.Errorf("set user agent: %w", err)
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             fp.ViewportWidth,
		Height:            fp.ViewportHeight,
		DeviceScaleFactor: 1,
	}); err != nil {
		return fmt.Errorf("set viewport: %w", err)
	}
	if fp.Timezone != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: fp.Timezone}).Call(page); err != nil {
			return fmt.Errorf("set timezone: %w", err)
		}
	}
	return nil
}

func setCookies(page *rod.Page, cookies []models.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		path := c.Path
		if path == "" {
			path = "/"
		}
		params = append(params, &proto.NetworkCookieParam{
			Name:    c.Name,
			Value:   c.Value,
			Domain:  c.Domain,
			Path:    path,
			Expires: proto.TimeSinceEpoch(c.Expires),
		})
	}
	return page.SetCookies(params)
}

// ReleasePage ends a lease: persists session state, reports the outcome
// to the identity managers, closes the page. Releasing an unknown or
// already-released session is a no-op.
func (p *Pool) ReleasePage(sessionID string, success bool) {
	p.mu.Lock()
	pp, ok := p.pages[sessionID]
	if !ok || pp.released {
		p.mu.Unlock()
		return
	}
	pp.released = true
	delete(p.pages, sessionID)
	elapsed := time.Since(pp.createdAt)
	p.mu.Unlock()

	if success && p.cfg.SessionPersist && p.sessions != nil && pp.Identity.Profile != nil {
		p.persistSession(pp)
	}

	if success {
		if p.cb.OnSuccess != nil {
			p.cb.OnSuccess(pp.Engine, pp.Identity, elapsed)
		}
	} else if p.cb.OnFailure != nil {
		p.cb.OnFailure(pp.Engine, pp.Identity)
	}

	p.closePage(pp)
	p.logger.Info("page released", "session", sessionID, "engine", pp.Engine, "success", success, "elapsed", elapsed)
}

// ReportWarning forwards a soft-block signal (captcha interstitial,
// unusual-traffic banner) to the profile's health tracking without
// ending the session.
func (p *Pool) ReportWarning(sessionID, text string) {
	p.mu.Lock()
	pp, ok := p.pages[sessionID]
	p.mu.Unlock()
	if !ok {
		return
	}
	p.logger.Warn("session warning", "session", sessionID, "engine", pp.Engine, "text", text)
	if p.profiles != nil && pp.Identity.Profile != nil {
		p.profiles.ReportWarning(pp.Identity.Profile.ID, text)
	}
}

func (p *Pool) persistSession(pp *PooledPage) {
	cookies, err := pp.Page.Cookies(nil)
	if err != nil {
		p.logger.Warn("cookie capture failed", "session", pp.SessionID, "error", err)
		return
	}
	out := make([]models.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, models.Cookie{
			Name:    c.Name,
			Value:   c.Value,
			Domain:  c.Domain,
			Path:    c.Path,
			Expires: float64(c.Expires),
		})
	}

	storage := map[string]string{}
	if result, err := pp.Page.Eval(`() => {
		const out = {};
		for (let i = 0; i < localStorage.length; i++) {
			const k = localStorage.key(i);
			out[k] = localStorage.getItem(k);
		}
		return out;
	}`); err == nil {
		_ = result.Value.Unmarshal(&storage)
	}

	err = p.sessions.Save(&sessionstore.Session{
		ProfileID:    pp.Identity.Profile.ID,
		Engine:       pp.Engine,
		Cookies:      out,
		LocalStorage: storage,
	})
	if err != nil {
		p.logger.Warn("session persist failed", "session", pp.SessionID, "error", err)
	}
}

func (p *Pool) closePage(pp *PooledPage) {
	if pp.Page != nil {
		if err := pp.Page.Close(); err != nil {
			p.logger.Warn("page close failed", "session", pp.SessionID, "error", err)
		}
	}
	p.mu.Lock()
	if bi, ok := p.browsers[pp.browserID]; ok {
		bi.pages--
		bi.lastUsed = time.Now()
	}
	p.mu.Unlock()
}

// Stats is a point-in-time snapshot.
type Stats struct {
	Browsers    int `json:"browsers"`
	MaxBrowsers int `json:"maxBrowsers"`
	ActivePages int `json:"activePages"`
}

// StickyProxyHost reports the proxy exit currently pinned to an engine,
// or "" when proxying is disabled or nothing is pinned.
func (p *Pool) StickyProxyHost(engine models.Engine) string {
	if !p.cfg.ProxyEnabled || p.proxies == nil {
		return ""
	}
	return p.proxies.StickyHost(engine.String())
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Browsers:    len(p.browsers),
		MaxBrowsers: p.cfg.MaxBrowsers,
		ActivePages: len(p.pages),
	}
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-p.reapStop:
			return
		case <-ticker.C:
			p.reap()
		}
	}
}

// reap closes pages idle past the page timeout, then browsers with zero
// pages idle past the browser timeout. Close errors are logged and
// swallowed; reaping must never take the pool down.
func (p *Pool) reap() {
	now := time.Now()

	p.mu.Lock()
	var stalePages []*PooledPage
	for _, pp := range p.pages {
		if now.Sub(pp.lastUsed) > p.cfg.PageIdleTimeout {
			pp.released = true
			delete(p.pages, pp.SessionID)
			stalePages = append(stalePages, pp)
		}
	}
	p.mu.Unlock()

	for _, pp := range stalePages {
		p.logger.Info("reaping idle page", "session", pp.SessionID, "engine", pp.Engine, "idle", now.Sub(pp.lastUsed))
		if p.cfg.SessionPersist && p.sessions != nil && pp.Identity.Profile != nil {
			p.persistSession(pp)
		}
		p.closePage(pp)
	}

	p.mu.Lock()
	var staleBrowsers []*browserInstance
	for id, bi := range p.browsers {
		if bi.pages == 0 && now.Sub(bi.lastUsed) > p.cfg.BrowserIdleTimeout {
			delete(p.browsers, id)
			staleBrowsers = append(staleBrowsers, bi)
		}
	}
	p.mu.Unlock()

	for _, bi := range staleBrowsers {
		p.logger.Info("reaping idle browser", "id", bi.id, "idle", now.Sub(bi.lastUsed))
		if err := bi.browser.Close(); err != nil {
			p.logger.Warn("browser close failed", "id", bi.id, "error", err)
		}
	}
}

// Close shuts the pool down: all pages and browsers are closed, further
// leases fail with ErrPoolClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.reapStop)
	pages := make([]*PooledPage, 0, len(p.pages))
	for _, pp := range p.pages {
		pp.released = true
		pages = append(pages, pp)
	}
	p.pages = make(map[string]*PooledPage)
	browsers := make([]*browserInstance, 0, len(p.browsers))
	for _, bi := range p.browsers {
		browsers = append(browsers, bi)
	}
	p.browsers = make(map[string]*browserInstance)
	p.mu.Unlock()

	for _, pp := range pages {
		if pp.Page == nil {
			continue
		}
		if err := pp.Page.Close(); err != nil {
			p.logger.Warn("page close failed", "session", pp.SessionID, "error", err)
		}
	}
	for _, bi := range browsers {
		if err := bi.browser.Close(); err != nil {
			p.logger.Warn("browser close failed", "id", bi.id, "error", err)
		}
	}
	p.logger.Info("browser pool closed")
}

func profileID(p *profile.Profile) string {
	if p == nil {
		return ""
	}
	return p.ID
}

func proxyName(p *proxy.Proxy) string {
	if p == nil {
		return ""
	}
	return p.String()
}
