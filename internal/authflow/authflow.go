// Package authflow logs a profile into an answer engine, cheapest
// mechanism first: injected cookies, then a session token, then a full
// credential login. Every step is verified against the engine's
// authenticated DOM before the next one is tried, and 2FA or CAPTCHA
// walls surface immediately as their own outcomes.
package authflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/ellipsesearch/rpa/internal/models"
	"github.com/ellipsesearch/rpa/internal/sessionstore"
)

// engineAuth is the per-engine auth contract: where to log in, how an
// authenticated page looks, and where a session token lives.
type engineAuth struct {
	homeURL  string
	loginURL string

	// Visible on an authenticated page.
	probes []string
	// Visible only when logged out.
	loggedOut []string
	// URL fragment of the authenticated app.
	authedURLPart string

	// Session token placement.
	tokenCookie       string
	tokenCookieDomain string
	tokenStorageKeys  []string

	// Credential login sequence.
	emailInput    []string
	continueBtn   []string
	passwordInput []string
	submitBtn     []string
}

var engineAuths = map[models.Engine]engineAuth{
	models.EngineChatGPT: {
		homeURL:           "https://chatgpt.com",
		loginURL:          "https://chatgpt.com/auth/login",
		probes:            []string{"[data-testid='profile-button']", "[data-testid='accounts-profile-button']", "img[alt='User']"},
		loggedOut:         []string{"[data-testid='login-button']", "a[href*='/auth']"},
		authedURLPart:     "chatgpt.com",
		tokenCookie:       "__Secure-next-auth.session-token",
		tokenCookieDomain: "chatgpt.com",
		emailInput:        []string{"input[name='email']", "#email-input", "#username", "input[type='email']"},
		continueBtn:       []string{"button.continue-btn", "button[type='submit']", "button[name='action']"},
		passwordInput:     []string{"input[name='password']", "#password", "input[type='password']"},
		submitBtn:         []string{"button[type='submit']", "button[name='action']"},
	},
	models.EngineGemini: {
		homeURL:       "https://gemini.google.com/app",
		loginURL:      "https://accounts.google.com/signin/v2/identifier?continue=https%3A%2F%2Fgemini.google.com%2Fapp",
		probes:        []string{"a[aria-label*='Google Account']", "img.gb_P", "[data-ogsr-up]"},
		loggedOut:     []string{"a[href*='accounts.google.com/ServiceLogin']", "a[href*='accounts.google.com/signin']"},
		authedURLPart: "gemini.google.com/app",
		emailInput:    []string{"input[type='email']", "#identifierId"},
		continueBtn:   []string{"#identifierNext button", "#identifierNext"},
		passwordInput: []string{"input[type='password']", "input[name='Passwd']"},
		submitBtn:     []string{"#passwordNext button", "#passwordNext"},
	},
	models.EnginePerplexity: {
		homeURL:           "https://www.perplexity.ai",
		loginURL:          "https://www.perplexity.ai",
		probes:            []string{"button[aria-label*='Profile']", "[class*='user-avatar']", "a[href*='/settings']"},
		loggedOut:         []string{"button[data-testid='login-button']", "[class*='sign-in']"},
		authedURLPart:     "perplexity.ai",
		tokenCookie:       "__Secure-next-auth.session-token",
		tokenCookieDomain: "www.perplexity.ai",
		emailInput:        []string{"input[type='email']", "input[placeholder*='email']"},
		continueBtn:       []string{"button[type='submit']"},
	},
	models.EngineGrok: {
		homeURL:           "https://grok.com",
		loginURL:          "https://accounts.x.ai/sign-in",
		probes:            []string{"[class*='avatar']", "button[aria-label*='Profile']"},
		loggedOut:         []string{"a[href*='twitter.com']", "[class*='login-with-x']"},
		authedURLPart:     "grok.com",
		tokenCookie:       "sso",
		tokenCookieDomain: ".grok.com",
		emailInput:        []string{"input[name='email']", "input[type='email']"},
		continueBtn:       []string{"button[type='submit']"},
		passwordInput:     []string{"input[name='password']", "input[type='password']"},
		submitBtn:         []string{"button[type='submit']"},
	},
}

var captchaSelectors = []string{
	"iframe[src*='recaptcha']",
	"iframe[src*='hcaptcha']",
	"iframe[src*='challenges.cloudflare.com']",
	"[class*='captcha']",
	"#captcha",
}

var twoFactorMarkers = []string{
	"two-factor", "2-step verification", "verification code",
	"enter the code", "authenticator app", "check your phone",
}

var twoFactorSelectors = []string{
	"input[autocomplete='one-time-code']",
	"input[name='code']",
	"#totpPin",
}

// Authenticator runs the login ladder for one engine.
type Authenticator struct {
	engine   models.Engine
	auth     engineAuth
	sessions *sessionstore.Store
	log      *slog.Logger

	stepTimeout time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// New builds an authenticator. sessions may be nil; successful logins
// are then not persisted.
func New(engine models.Engine, sessions *sessionstore.Store, logger *slog.Logger) (*Authenticator, error) {
	auth, ok := engineAuths[engine]
	if !ok {
		return nil, fmt.Errorf("engine %q: no auth flow", engine)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		engine:      engine,
		auth:        auth,
		sessions:    sessions,
		log:         logger.With("engine", engine.String(), "component", "authflow"),
		stepTimeout: 30 * time.Second,
		sleep:       sleepCtx,
	}, nil
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

// Authenticate walks the ladder and returns the first conclusive
// outcome. profileID keys the captured session when a store is wired.
func (a *Authenticator) Authenticate(ctx context.Context, page *rod.Page, profileID string, creds *models.Credentials) models.Outcome {
	if a.IsAuthenticated(page) {
		return models.OutcomeSuccess
	}
	if creds.Empty() {
		return models.OutcomeAuthRequired
	}

	if len(creds.Cookies) > 0 {
		if out := a.tryCookies(ctx, page, profileID, creds.Cookies); out != models.OutcomeAuthRequired {
			return out
		}
		a.log.Info("cookie injection did not authenticate, descending ladder")
	}
	if creds.Token != "" {
		if out := a.tryToken(ctx, page, profileID, creds.Token); out != models.OutcomeAuthRequired {
			return out
		}
		a.log.Info("token injection did not authenticate, descending ladder")
	}
	if creds.Email != "" && creds.Password != "" {
		return a.tryCredentials(ctx, page, profileID, creds)
	}
	return models.OutcomeAuthRequired
}

func (a *Authenticator) tryCookies(ctx context.Context, page *rod.Page, profileID string, cookies []models.Cookie) models.Outcome {
	now := time.Now()
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		if c.Expired(now) {
			continue
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			Expires:  proto.TimeSinceEpoch(c.Expires),
		})
	}
	if len(params) == 0 {
		return models.OutcomeAuthRequired
	}
	if err := page.SetCookies(params); err != nil {
		a.log.Warn("cookie injection failed", "error", err)
		return models.OutcomeAuthRequired
	}
	return a.navigateAndVerify(ctx, page, profileID, "cookies")
}

func (a *Authenticator) tryToken(ctx context.Context, page *rod.Page, profileID, token string) models.Outcome {
	if a.auth.tokenCookie == "" && len(a.auth.tokenStorageKeys) == 0 {
		return models.OutcomeAuthRequired
	}
	if a.auth.tokenCookie != "" {
		param := &proto.NetworkCookieParam{
			Name:     a.auth.tokenCookie,
			Value:    token,
			Domain:   a.auth.tokenCookieDomain,
			Path:     "/",
			Secure:   true,
			HTTPOnly: true,
		}
		if err := page.SetCookies([]*proto.NetworkCookieParam{param}); err != nil {
			a.log.Warn("token cookie injection failed", "error", err)
			return models.OutcomeAuthRequired
		}
	}
	for _, key := range a.auth.tokenStorageKeys {
		_, err := page.Eval(`(k, v) => localStorage.setItem(k, v)`, key, token)
		if err != nil {
			a.log.Warn("token storage write failed", "key", key, "error", err)
		}
	}
	return a.navigateAndVerify(ctx, page, profileID, "token")
}

func (a *Authenticator) navigateAndVerify(ctx context.Context, page *rod.Page, profileID, mechanism string) models.Outcome {
	p := page.Context(ctx)
	if err := p.Navigate(a.auth.homeURL); err != nil {
		a.log.Warn("post-injection navigation failed", "error", err)
		return models.OutcomeAuthRequired
	}
	_ = p.WaitLoad()
	if out := a.wall(page); out != models.OutcomeSuccess {
		return out
	}
	if a.waitAuthenticated(ctx, page, 10*time.Second) {
		a.log.Info("authenticated", "mechanism", mechanism)
		a.capture(page, profileID)
		return models.OutcomeSuccess
	}
	return models.OutcomeAuthRequired
}

// tryCredentials walks the email, continue, password, submit sequence
// and watches for the redirect back into the authenticated app.
func (a *Authenticator) tryCredentials(ctx context.Context, page *rod.Page, profileID string, creds *models.Credentials) models.Outcome {
	if len(a.auth.emailInput) == 0 {
		return models.OutcomeAuthRequired
	}
	p := page.Context(ctx)
	if err := p.Navigate(a.auth.loginURL); err != nil {
		a.log.Warn("login page navigation failed", "error", err)
		return models.OutcomeAuthRequired
	}
	_ = p.WaitLoad()

	if out := a.fillAndContinue(ctx, page, a.auth.emailInput, creds.Email, a.auth.continueBtn); out != models.OutcomeSuccess {
		return out
	}
	if len(a.auth.passwordInput) > 0 {
		if out := a.fillAndContinue(ctx, page, a.auth.passwordInput, creds.Password, a.auth.submitBtn); out != models.OutcomeSuccess {
			return out
		}
	}

	deadline := time.Now().Add(a.stepTimeout)
	for time.Now().Before(deadline) {
		if out := a.wall(page); out != models.OutcomeSuccess {
			return out
		}
		if info, err := page.Info(); err == nil && strings.Contains(info.URL, a.auth.authedURLPart) && a.IsAuthenticated(page) {
			a.log.Info("authenticated", "mechanism", "credentials")
			a.capture(page, profileID)
			return models.OutcomeSuccess
		}
		if err := a.sleep(ctx, time.Second); err != nil {
			return models.OutcomeAuthRequired
		}
	}
	a.log.Warn("credential login did not reach authenticated app", "timeout", a.stepTimeout)
	return models.OutcomeAuthRequired
}

func (a *Authenticator) fillAndContinue(ctx context.Context, page *rod.Page, inputs []string, value string, buttons []string) models.Outcome {
	el := a.findVisible(page, inputs)
	if el == nil {
		if out := a.wall(page); out != models.OutcomeSuccess {
			return out
		}
		a.log.Warn("login input not found", "selectors", strings.Join(inputs, ", "))
		return models.OutcomeAuthRequired
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return models.OutcomeAuthRequired
	}
	if err := page.Context(ctx).InsertText(value); err != nil {
		return models.OutcomeAuthRequired
	}
	if btn := a.findVisible(page, buttons); btn != nil {
		if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return models.OutcomeAuthRequired
		}
	}
	// Let the next form step render before probing it.
	if err := a.sleep(ctx, 2*time.Second); err != nil {
		return models.OutcomeAuthRequired
	}
	return a.wall(page)
}

// wall checks for 2FA and CAPTCHA interstitials. These end the ladder
// immediately; retrying against them only burns the identity.
func (a *Authenticator) wall(page *rod.Page) models.Outcome {
	for _, sel := range captchaSelectors {
		if has, el, err := page.Has(sel); err == nil && has {
			if v, _ := el.Visible(); v {
				a.log.Warn("captcha wall during login", "selector", sel)
				return models.OutcomeCaptchaRequired
			}
		}
	}
	for _, sel := range twoFactorSelectors {
		if has, el, err := page.Has(sel); err == nil && has {
			if v, _ := el.Visible(); v {
				a.log.Warn("two-factor wall during login", "selector", sel)
				return models.OutcomeTwoFactor
			}
		}
	}
	if body := a.bodyText(page); body != "" && hasTwoFactorMarker(body) {
		a.log.Warn("two-factor wall during login", "source", "body text")
		return models.OutcomeTwoFactor
	}
	return models.OutcomeSuccess
}

func hasTwoFactorMarker(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range twoFactorMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// IsAuthenticated probes the page for logged-in chrome, falling back
// to the absence of logged-out markers.
func (a *Authenticator) IsAuthenticated(page *rod.Page) bool {
	if el := a.findVisible(page, a.auth.probes); el != nil {
		return true
	}
	for _, sel := range a.auth.loggedOut {
		if has, el, err := page.Has(sel); err == nil && has {
			if v, _ := el.Visible(); v {
				return false
			}
		}
	}
	// No probe and no logged-out marker: treat an on-app URL as
	// authenticated, anything else as not.
	info, err := page.Info()
	return err == nil && strings.Contains(info.URL, a.auth.authedURLPart)
}

func (a *Authenticator) waitAuthenticated(ctx context.Context, page *rod.Page, budget time.Duration) bool {
	deadline := time.Now().Add(budget)
	for {
		if a.IsAuthenticated(page) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		if err := a.sleep(ctx, time.Second); err != nil {
			return false
		}
	}
}

func (a *Authenticator) findVisible(page *rod.Page, selectors []string) *rod.Element {
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

func (a *Authenticator) bodyText(page *rod.Page) string {
	res, err := page.Eval(`() => (document.body && document.body.innerText || "").slice(0, 4000)`)
	if err != nil {
		return ""
	}
	return res.Value.Str()
}

// capture persists the live session so the next run skips the ladder.
func (a *Authenticator) capture(page *rod.Page, profileID string) {
	if a.sessions == nil || profileID == "" {
		return
	}
	raw, err := page.Cookies(nil)
	if err != nil {
		a.log.Warn("session capture: cookies unavailable", "error", err)
		return
	}
	cookies := make([]models.Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, models.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	storage := map[string]string{}
	if res, err := page.Eval(`() => { const out = {}; for (let i = 0; i < localStorage.length; i++) { const k = localStorage.key(i); out[k] = localStorage.getItem(k); } return out; }`); err == nil {
		_ = res.Value.Unmarshal(&storage)
	}
	sess := &sessionstore.Session{
		ProfileID:    profileID,
		Engine:       a.engine,
		Cookies:      cookies,
		LocalStorage: storage,
	}
	if err := a.sessions.Save(sess); err != nil {
		a.log.Warn("session capture failed", "profile", profileID, "error", err)
		return
	}
	a.log.Info("session captured", "profile", profileID, "cookies", len(cookies))
}
