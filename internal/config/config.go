// Package config provides configuration management for the capture engine.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EngineLimits holds rate-limit settings for a single AI engine.
type EngineLimits struct {
	HourlyLimit   int
	DailyLimit    int
	MinInterval   time.Duration
	MaxConcurrent int
}

// ProxyProvider holds credentials for one proxy provider block.
type ProxyProvider struct {
	Name     string // brightdata, oxylabs, smartproxy, generic
	Host     string
	Port     int
	Username string
	Password string
	Country  string
	Type     string // residential or datacenter
	Priority int
}

// Config holds all configuration for the capture engine.
type Config struct {
	LogLevel string

	// Execution modes
	BrowserEnabled  bool
	Headless        bool
	StealthEnabled  bool
	HumanBehavior   bool
	SessionPersist  bool
	HybridEnabled   bool
	HybridPrefer    string // winning side of a hybrid merge: "browser" or "api"
	GlobalTimeout   time.Duration
	FallbackEngines []string // engines allowed to fall back browser->api

	// Browser pool settings
	MaxBrowsers        int
	MaxPagesPerBrowser int
	PageIdleTimeout    time.Duration
	BrowserIdleTimeout time.Duration
	BrowserMaxAge      time.Duration
	ChromePath         string

	// Challenge handling
	ChallengeMaxWait time.Duration
	ChallengeRetries int

	// Engine selector overrides (JSON file, merged over the built-in tables)
	SelectorOverrides string

	// Rate limiting
	GlobalHourlyLimit int
	GlobalDailyLimit  int
	EngineLimits      map[string]EngineLimits

	// Proxy settings
	ProxyEnabled    bool
	ProxyProviders  []ProxyProvider
	ProxyStickyTTL  time.Duration
	ProxyMinReuse   time.Duration // rotate the sticky exit when reused faster than this; 0 disables
	ProxyMaxFails   int
	ProxyProbeEvery time.Duration

	// Profiles and sessions
	ProfileDir        string
	ProfileTarget     int
	ProfileDailyCap   int
	ProfileMaxAge     time.Duration
	ProfileMaxWarns   int
	ProfileCooldown   time.Duration // minimum gap between uses of one profile per engine
	SessionDBPath     string
	SessionMaxAge     time.Duration
	EncryptionKey     string // AES-256 key material; empty disables encryption
	ScreenshotDir     string
	ScreenshotOnError bool

	// Platform integration
	PlatformURL       string
	WebhookSecret     string // HMAC secret for signed result delivery
	WorkerPollEvery   time.Duration
	WorkerIdleExit    time.Duration
	HeartbeatInterval time.Duration
}

// Load creates a Config from environment variables with sensible defaults.
func Load() *Config {
	cfg := &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),

		BrowserEnabled:  getEnvBool("BROWSER_MODE", true),
		Headless:        getEnvBool("HEADLESS", true),
		StealthEnabled:  getEnvBool("STEALTH_MODE", true),
		HumanBehavior:   getEnvBool("HUMAN_BEHAVIOR", true),
		SessionPersist:  getEnvBool("SESSION_PERSISTENCE", true),
		HybridEnabled:   getEnvBool("HYBRID_MODE", true),
		HybridPrefer:    getEnv("HYBRID_PREFER", "browser"),
		GlobalTimeout:   getEnvDuration("GLOBAL_TIMEOUT", 5*time.Minute),
		FallbackEngines: getEnvList("API_FALLBACK_ENGINES", []string{"chatgpt"}),

		MaxBrowsers:        getEnvInt("MAX_BROWSERS", 3),
		MaxPagesPerBrowser: getEnvInt("MAX_PAGES_PER_BROWSER", 4),
		PageIdleTimeout:    getEnvDuration("PAGE_IDLE_TIMEOUT", 5*time.Minute),
		BrowserIdleTimeout: getEnvDuration("BROWSER_IDLE_TIMEOUT", 10*time.Minute),
		BrowserMaxAge:      getEnvDuration("BROWSER_MAX_AGE", 30*time.Minute),
		ChromePath:         getEnv("CHROME_PATH", ""),

		ChallengeMaxWait: getEnvDuration("CHALLENGE_MAX_WAIT", 30*time.Second),
		ChallengeRetries: getEnvInt("CHALLENGE_RETRIES", 2),

		SelectorOverrides: getEnv("SELECTOR_OVERRIDES", ""),

		GlobalHourlyLimit: getEnvInt("GLOBAL_HOURLY_LIMIT", 60),
		GlobalDailyLimit:  getEnvInt("GLOBAL_DAILY_LIMIT", 500),
		EngineLimits:      defaultEngineLimits(),

		ProxyEnabled:    getEnvBool("PROXY_ENABLED", false),
		ProxyProviders:  loadProxyProviders(),
		ProxyStickyTTL:  getEnvDuration("PROXY_STICKY_TTL", 10*time.Minute),
		ProxyMinReuse:   getEnvDuration("PROXY_MIN_REUSE", 0),
		ProxyMaxFails:   getEnvInt("PROXY_MAX_FAILS", 3),
		ProxyProbeEvery: getEnvDuration("PROXY_PROBE_EVERY", 5*time.Minute),

		ProfileDir:        getEnv("PROFILE_DIR", "./profiles"),
		ProfileTarget:     getEnvInt("PROFILE_TARGET", 5),
		ProfileDailyCap:   getEnvInt("PROFILE_DAILY_CAP", 40),
		ProfileMaxAge:     getEnvDuration("PROFILE_MAX_AGE", 30*24*time.Hour),
		ProfileMaxWarns:   getEnvInt("PROFILE_MAX_WARNINGS", 3),
		ProfileCooldown:   getEnvDuration("PROFILE_ENGINE_COOLDOWN", 10*time.Minute),
		SessionDBPath:     getEnv("SESSION_DB_PATH", "./sessions.db"),
		SessionMaxAge:     getEnvDuration("SESSION_MAX_AGE", 7*24*time.Hour),
		EncryptionKey:     getEnv("PROFILE_ENCRYPTION_KEY", ""),
		ScreenshotDir:     getEnv("SCREENSHOT_DIR", "./screenshots"),
		ScreenshotOnError: getEnvBool("SCREENSHOT_ON_ERROR", true),

		PlatformURL:       getEnv("PLATFORM_URL", "http://localhost:3000"),
		WebhookSecret:     getEnv("RPA_WEBHOOK_SECRET", ""),
		WorkerPollEvery:   getEnvDuration("WORKER_POLL_INTERVAL", 5*time.Second),
		WorkerIdleExit:    getEnvDuration("WORKER_IDLE_EXIT", 0),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 10*time.Second),
	}

	// Per-engine overrides like CHATGPT_HOURLY_LIMIT or GROK_MIN_INTERVAL.
	for engine, limits := range cfg.EngineLimits {
		prefix := strings.ToUpper(engine)
		limits.HourlyLimit = getEnvInt(prefix+"_HOURLY_LIMIT", limits.HourlyLimit)
		limits.DailyLimit = getEnvInt(prefix+"_DAILY_LIMIT", limits.DailyLimit)
		limits.MinInterval = getEnvDuration(prefix+"_MIN_INTERVAL", limits.MinInterval)
		limits.MaxConcurrent = getEnvInt(prefix+"_MAX_CONCURRENT", limits.MaxConcurrent)
		cfg.EngineLimits[engine] = limits
	}

	return cfg
}

// defaultEngineLimits returns conservative per-engine defaults. ChatGPT gets
// the longest spacing since it flags automated traffic the most aggressively.
func defaultEngineLimits() map[string]EngineLimits {
	return map[string]EngineLimits{
		"chatgpt":    {HourlyLimit: 12, DailyLimit: 80, MinInterval: 30 * time.Second, MaxConcurrent: 1},
		"perplexity": {HourlyLimit: 20, DailyLimit: 120, MinInterval: 20 * time.Second, MaxConcurrent: 2},
		"gemini":     {HourlyLimit: 20, DailyLimit: 150, MinInterval: 15 * time.Second, MaxConcurrent: 2},
		"grok":       {HourlyLimit: 20, DailyLimit: 150, MinInterval: 15 * time.Second, MaxConcurrent: 2},
	}
}

// loadProxyProviders reads provider blocks from env. Each provider is
// configured as <NAME>_PROXY_HOST etc and is enabled when its host is set.
func loadProxyProviders() []ProxyProvider {
	known := []struct {
		key      string
		name     string
		priority int
	}{
		{"BRIGHTDATA", "brightdata", 1},
		{"OXYLABS", "oxylabs", 2},
		{"SMARTPROXY", "smartproxy", 3},
		{"GENERIC", "generic", 9},
	}

	var providers []ProxyProvider
	for _, k := range known {
		host := getEnv(k.key+"_PROXY_HOST", "")
		if host == "" {
			continue
		}
		providers = append(providers, ProxyProvider{
			Name:     k.name,
			Host:     host,
			Port:     getEnvInt(k.key+"_PROXY_PORT", 0),
			Username: getEnv(k.key+"_PROXY_USER", ""),
			Password: getEnv(k.key+"_PROXY_PASS", ""),
			Country:  getEnv(k.key+"_PROXY_COUNTRY", ""),
			Type:     getEnv(k.key+"_PROXY_TYPE", "residential"),
			Priority: k.priority,
		})
	}
	return providers
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultVal
}
