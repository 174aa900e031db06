// Package proxy manages rotation across residential proxy providers.
//
// Each engine keeps a sticky exit for a while (IP-hopping mid-conversation
// is itself a detection signal), then rotates to a healthy candidate chosen
// by provider priority, success rate and latency.
package proxy

import (
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ellipsesearch/rpa/internal/config"
)

var (
	// ErrNoProxy is returned when no healthy proxy matches the request.
	ErrNoProxy = errors.New("no healthy proxy available")
)

// Proxy is one usable exit: a provider plus a sticky session identifier.
type Proxy struct {
	Provider string
	Host     string
	Port     int
	Username string // fully formatted, sticky session baked in
	Password string
	Country  string
	Type     string
	StickyID string
}

// URL returns the proxy in URL form for the browser launcher.
func (p *Proxy) URL() string {
	if p.Username != "" {
		return fmt.Sprintf("http://%s:%s@%s:%d",
			url.QueryEscape(p.Username), url.QueryEscape(p.Password), p.Host, p.Port)
	}
	return fmt.Sprintf("http://%s:%d", p.Host, p.Port)
}

// String returns the proxy URL with credentials masked, safe for logs.
func (p *Proxy) String() string {
	return maskCredentials(p.URL())
}

// health tracks one provider's recent behavior.
type health struct {
	successes    int
	failures     int
	consecFails  int
	latencyEMA   time.Duration
	unhealthyAt  time.Time
	lastUsed     time.Time
}

func (h *health) successRate() float64 {
	total := h.successes + h.failures
	if total == 0 {
		return 1.0 // untested providers get the benefit of the doubt
	}
	return float64(h.successes) / float64(total)
}

// sticky is an engine's pinned exit.
type sticky struct {
	proxy    *Proxy
	assigned time.Time
	lastUsed time.Time
}

// Manager hands out proxies and tracks provider health.
type Manager struct {
	mu        sync.Mutex
	providers []config.ProxyProvider
	health    map[string]*health // by provider name
	stickies  map[string]*sticky // by engine
	rng       *rand.Rand

	stickyTTL  time.Duration
	minReuse   time.Duration
	maxFails   int
	probeSleep time.Duration
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewManager creates a proxy Manager from configured provider blocks.
func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		providers:  cfg.ProxyProviders,
		health:     make(map[string]*health),
		stickies:   make(map[string]*sticky),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		stickyTTL:  cfg.ProxyStickyTTL,
		minReuse:   cfg.ProxyMinReuse,
		maxFails:   cfg.ProxyMaxFails,
		probeSleep: cfg.ProxyProbeEvery,
		stopCh:     make(chan struct{}),
	}
	for _, p := range cfg.ProxyProviders {
		m.health[p.Name] = &health{}
	}
	go m.reprobeLoop()
	return m
}

// GetProxy returns the exit for an engine, reusing the sticky assignment
// while it is fresh. country filters candidates when a provider declares a
// different exit country.
func (m *Manager) GetProxy(engine, country string) (*Proxy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	if s, ok := m.stickies[engine]; ok {
		fresh := now.Sub(s.assigned) < m.stickyTTL
		// An exit reused too quickly looks automated; rotate it.
		rested := m.minReuse <= 0 || now.Sub(s.lastUsed) >= m.minReuse
		matches := country == "" || s.proxy.Country == "" || strings.EqualFold(s.proxy.Country, country)
		healthy := m.health[s.proxy.Provider] == nil || m.health[s.proxy.Provider].unhealthyAt.IsZero()
		if fresh && rested && matches && healthy {
			s.lastUsed = now
			return s.proxy, nil
		}
		delete(m.stickies, engine)
	}

	candidates := m.healthyCandidates(country)
	if len(candidates) == 0 {
		return nil, ErrNoProxy
	}

	// Rank: provider priority, then success rate, then latency. Pick
	// randomly among the top 3 so rotation is not fully deterministic.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		ha, hb := m.health[a.Name], m.health[b.Name]
		if ha.successRate() != hb.successRate() {
			return ha.successRate() > hb.successRate()
		}
		return ha.latencyEMA < hb.latencyEMA
	})
	top := len(candidates)
	if top > 3 {
		top = 3
	}
	chosen := candidates[m.rng.Intn(top)]

	p := m.buildProxy(chosen, country)
	m.stickies[engine] = &sticky{proxy: p, assigned: now, lastUsed: now}
	m.health[chosen.Name].lastUsed = now
	return p, nil
}

// StickyHost reports the exit host currently pinned to an engine, or ""
// when no fresh assignment exists.
func (m *Manager) StickyHost(engine string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stickies[engine]; ok && time.Since(s.assigned) < m.stickyTTL {
		return s.proxy.Host
	}
	return ""
}

func (m *Manager) healthyCandidates(country string) []config.ProxyProvider {
	var out []config.ProxyProvider
	for _, p := range m.providers {
		h := m.health[p.Name]
		if h != nil && !h.unhealthyAt.IsZero() {
			continue
		}
		if country != "" && p.Country != "" && !strings.EqualFold(p.Country, country) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// buildProxy formats provider credentials with a fresh sticky session ID.
// Each provider has its own username grammar for session pinning and geo
// targeting.
func (m *Manager) buildProxy(p config.ProxyProvider, country string) *Proxy {
	if country == "" {
		country = p.Country
	}
	stickyID := strings.ToLower(ulid.Make().String()[16:])
	cc := strings.ToLower(country)

	username := p.Username
	switch p.Name {
	case "brightdata":
		username = p.Username + "-session-" + stickyID
		if cc != "" {
			username += "-country-" + cc
		}
	case "oxylabs":
		if cc != "" {
			username = "customer-" + p.Username + "-cc-" + cc + "-sessid-" + stickyID
		} else {
			username = "customer-" + p.Username + "-sessid-" + stickyID
		}
	case "smartproxy", "generic":
		username = "user-" + p.Username
		if cc != "" {
			username += "-country-" + cc
		}
		username += "-session-" + stickyID
	}

	return &Proxy{
		Provider: p.Name,
		Host:     p.Host,
		Port:     p.Port,
		Username: username,
		Password: p.Password,
		Country:  country,
		Type:     p.Type,
		StickyID: stickyID,
	}
}

// ReportSuccess records a successful request through the proxy.
func (m *Manager) ReportSuccess(p *Proxy, latency time.Duration) {
	if p == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.health[p.Provider]
	if h == nil {
		return
	}
	h.successes++
	h.consecFails = 0
	h.unhealthyAt = time.Time{}
	if h.latencyEMA == 0 {
		h.latencyEMA = latency
	} else {
		h.latencyEMA = (h.latencyEMA*7 + latency*3) / 10
	}
}

// ReportFailure records a failed request. A provider is sidelined after
// maxFails consecutive failures and rotated out of sticky assignments.
func (m *Manager) ReportFailure(p *Proxy) {
	if p == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.health[p.Provider]
	if h == nil {
		return
	}
	h.failures++
	h.consecFails++
	if h.consecFails >= m.maxFails {
		h.unhealthyAt = time.Now()
		for engine, s := range m.stickies {
			if s.proxy.Provider == p.Provider {
				delete(m.stickies, engine)
			}
		}
	}
}

// Healthy reports whether the named provider is currently usable.
func (m *Manager) Healthy(provider string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.health[provider]
	return h != nil && h.unhealthyAt.IsZero()
}

// reprobeLoop periodically gives sidelined providers another chance.
func (m *Manager) reprobeLoop() {
	if m.probeSleep <= 0 {
		return
	}
	ticker := time.NewTicker(m.probeSleep)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			for _, h := range m.health {
				if !h.unhealthyAt.IsZero() && time.Since(h.unhealthyAt) >= m.probeSleep {
					h.unhealthyAt = time.Time{}
					h.consecFails = 0
				}
			}
			m.mu.Unlock()
		}
	}
}

// Close stops the background re-probe loop.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// maskCredentials masks the username/password in a proxy URL.
func maskCredentials(proxyURL string) string {
	atIdx := strings.Index(proxyURL, "@")
	if atIdx > 0 {
		schemeIdx := strings.Index(proxyURL, "://")
		if schemeIdx > 0 {
			prefix := proxyURL[:schemeIdx+3]
			suffix := proxyURL[atIdx:]
			return prefix + "****:****" + suffix
		}
	}
	return proxyURL
}
