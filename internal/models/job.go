package models

import "time"

// Cookie represents an HTTP cookie captured from or injected into a page.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"` // Unix seconds; <=0 means session cookie
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Expired reports whether the cookie carries an expiry in the past.
func (c Cookie) Expired(now time.Time) bool {
	return c.Expires > 0 && time.Unix(int64(c.Expires), 0).Before(now)
}

// Credentials holds authentication material for an engine, in order of
// preference: cookies, then a bearer token, then email/password login.
type Credentials struct {
	Cookies  []Cookie `json:"cookies,omitempty"`
	Token    string   `json:"token,omitempty"`
	Email    string   `json:"email,omitempty"`
	Password string   `json:"password,omitempty"`
}

// Empty reports whether no authentication material is present.
func (c *Credentials) Empty() bool {
	return c == nil || (len(c.Cookies) == 0 && c.Token == "" && c.Email == "")
}

// BrowserOptions tune a single browser capture.
type BrowserOptions struct {
	Headless   *bool  `json:"headless,omitempty"`   // override the configured default
	ProfileID  string `json:"profileId,omitempty"`  // pin a specific persona
	Country    string `json:"country,omitempty"`    // proxy exit country (ISO 3166-1 alpha-2)
	Screenshot bool   `json:"screenshot,omitempty"` // capture a screenshot on success too
}

// CaptureRequest describes one prompt to run against one engine.
type CaptureRequest struct {
	JobID        string         `json:"jobId"`
	Engine       Engine         `json:"engine"`
	Prompt       string         `json:"prompt"`
	Language     string         `json:"language,omitempty"` // BCP 47, e.g. "en" or "de-DE"
	Region       string         `json:"region,omitempty"`   // ISO country code
	BrandDomain  string         `json:"brandDomain,omitempty"`
	BrandName    string         `json:"brandName,omitempty"`
	BrandAliases []string       `json:"brandAliases,omitempty"`
	Priority     int            `json:"priority,omitempty"` // higher jumps rate-limit queues
	Mode         Mode           `json:"mode,omitempty"`     // defaults to hybrid
	Options      BrowserOptions `json:"options,omitempty"`
	Credentials  *Credentials   `json:"credentials,omitempty"`
	Timeout      time.Duration  `json:"-"`
}
