// Package stealth hides automation tells from detection scripts.
//
// Three layers compose: launch flags that keep Chrome from advertising
// automation, the go-rod/stealth evasion bundle plus a supplemental script
// (both injected before any document script), and a per-identity
// fingerprint spoof script supplied by the fingerprint package. A network
// blocklist silences known bot-detection collector endpoints.
package stealth

import (
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/ellipsesearch/rpa/internal/fingerprint"
)

// StealthScript supplements the go-rod/stealth evasions. Based on
// puppeteer-extra-plugin-stealth. Surfaces pinned per-identity by the
// fingerprint spoof script (languages, WebGL, screen) are left out here.
const StealthScript = `
(function() {
    'use strict';

    // 1. Remove navigator.webdriver
    Object.defineProperty(navigator, 'webdriver', {
        get: () => undefined,
        configurable: true
    });
    try {
        delete Object.getPrototypeOf(navigator).webdriver;
    } catch (e) {}

    // 2. Mock navigator.plugins with realistic values
    // Headless Chrome has an empty plugins array which is a dead giveaway
    const mockPlugins = [
        {
            name: 'Chrome PDF Plugin',
            description: 'Portable Document Format',
            filename: 'internal-pdf-viewer',
            length: 1
        },
        {
            name: 'Chrome PDF Viewer',
            description: '',
            filename: 'mhjfbmdgcfjbbpaeojofohoefgiehjai',
            length: 1
        },
        {
            name: 'Native Client',
            description: '',
            filename: 'internal-nacl-plugin',
            length: 2
        }
    ];

    try {
        const pluginArray = Object.create(PluginArray.prototype);
        mockPlugins.forEach((p, i) => {
            const plugin = Object.create(Plugin.prototype);
            Object.defineProperties(plugin, {
                name: { value: p.name, enumerable: true },
                description: { value: p.description, enumerable: true },
                filename: { value: p.filename, enumerable: true },
                length: { value: p.length, enumerable: true }
            });
            pluginArray[i] = plugin;
            pluginArray[p.name] = plugin;
        });
        Object.defineProperty(pluginArray, 'length', { value: mockPlugins.length });
        Object.defineProperty(pluginArray, 'item', { value: (i) => pluginArray[i] || null });
        Object.defineProperty(pluginArray, 'namedItem', { value: (n) => pluginArray[n] || null });
        Object.defineProperty(pluginArray, 'refresh', { value: () => {} });

        Object.defineProperty(navigator, 'plugins', {
            get: () => pluginArray,
            configurable: true
        });
    } catch (e) {}

    // 3. Mock navigator.mimeTypes
    try {
        const mockMimeTypes = [
            { type: 'application/pdf', description: 'Portable Document Format', suffixes: 'pdf' },
            { type: 'text/pdf', description: 'Portable Document Format', suffixes: 'pdf' }
        ];

        const mimeTypeArray = Object.create(MimeTypeArray.prototype);
        mockMimeTypes.forEach((m, i) => {
            const mimeType = Object.create(MimeType.prototype);
            Object.defineProperties(mimeType, {
                type: { value: m.type, enumerable: true },
                description: { value: m.description, enumerable: true },
                suffixes: { value: m.suffixes, enumerable: true },
                enabledPlugin: { value: navigator.plugins[0], enumerable: true }
            });
            mimeTypeArray[i] = mimeType;
            mimeTypeArray[m.type] = mimeType;
        });
        Object.defineProperty(mimeTypeArray, 'length', { value: mockMimeTypes.length });
        Object.defineProperty(mimeTypeArray, 'item', { value: (i) => mimeTypeArray[i] || null });
        Object.defineProperty(mimeTypeArray, 'namedItem', { value: (n) => mimeTypeArray[n] || null });

        Object.defineProperty(navigator, 'mimeTypes', {
            get: () => mimeTypeArray,
            configurable: true
        });
    } catch (e) {}

    // 4. Mock chrome.runtime
    // Headless Chrome doesn't have window.chrome in some contexts
    if (!window.chrome) {
        Object.defineProperty(window, 'chrome', {
            value: {},
            writable: true,
            enumerable: true,
            configurable: false
        });
    }

    if (!window.chrome.runtime) {
        window.chrome.runtime = {
            OnInstalledReason: {
                CHROME_UPDATE: 'chrome_update',
                INSTALL: 'install',
                SHARED_MODULE_UPDATE: 'shared_module_update',
                UPDATE: 'update'
            },
            OnRestartRequiredReason: {
                APP_UPDATE: 'app_update',
                OS_UPDATE: 'os_update',
                PERIODIC: 'periodic'
            },
            PlatformArch: {
                ARM: 'arm',
                ARM64: 'arm64',
                MIPS: 'mips',
                MIPS64: 'mips64',
                X86_32: 'x86-32',
                X86_64: 'x86-64'
            },
            PlatformNaclArch: {
                ARM: 'arm',
                MIPS: 'mips',
                MIPS64: 'mips64',
                X86_32: 'x86-32',
                X86_64: 'x86-64'
            },
            PlatformOs: {
                ANDROID: 'android',
                CROS: 'cros',
                LINUX: 'linux',
                MAC: 'mac',
                OPENBSD: 'openbsd',
                WIN: 'win'
            },
            RequestUpdateCheckStatus: {
                NO_UPDATE: 'no_update',
                THROTTLED: 'throttled',
                UPDATE_AVAILABLE: 'update_available'
            },
            get id() { return undefined; },
            connect: function() {},
            sendMessage: function() {}
        };
    }

    // 5. Mock chrome.csi (Chrome client-side instrumentation)
    if (!window.chrome.csi) {
        window.chrome.csi = function() {
            return {
                onloadT: Date.now(),
                startE: Date.now(),
                pageT: Math.random() * 1000,
                tran: 15
            };
        };
    }

    // 6. Mock chrome.loadTimes
    if (!window.chrome.loadTimes) {
        window.chrome.loadTimes = function() {
            return {
                requestTime: Date.now() / 1000,
                startLoadTime: Date.now() / 1000,
                commitLoadTime: Date.now() / 1000 + Math.random(),
                finishDocumentLoadTime: Date.now() / 1000 + Math.random(),
                finishLoadTime: Date.now() / 1000 + Math.random(),
                firstPaintTime: Date.now() / 1000 + Math.random(),
                firstPaintAfterLoadTime: 0,
                navigationType: 'Navigate',
                wasFetchedViaSpdy: false,
                wasNpnNegotiated: true,
                npnNegotiatedProtocol: 'h2',
                wasAlternateProtocolAvailable: false,
                connectionInfo: 'h2'
            };
        };
    }

    // 7. Fix permissions query for notifications
    try {
        const originalQuery = Permissions.prototype.query;
        Permissions.prototype.query = function(parameters) {
            if (parameters.name === 'notifications') {
                return Promise.resolve({ state: Notification.permission });
            }
            return originalQuery.call(this, parameters);
        };
    } catch (e) {}

    // 8. Fix iframe contentWindow access
    try {
        Object.defineProperty(HTMLIFrameElement.prototype, 'contentWindow', {
            get: function() {
                return this.contentDocument?.defaultView || null;
            }
        });
    } catch (e) {}

    // 9. Make toString() for native functions look native
    try {
        const nativeToStringFunc = Function.prototype.toString;
        const customToString = function() {
            if (this === Permissions.prototype.query) {
                return 'function query() { [native code] }';
            }
            return nativeToStringFunc.call(this);
        };
        Function.prototype.toString = customToString;
    } catch (e) {}

    // 10. Mock navigator.connection
    if (!navigator.connection) {
        Object.defineProperty(navigator, 'connection', {
            get: () => ({
                effectiveType: '4g',
                rtt: 100,
                downlink: 10,
                saveData: false
            }),
            configurable: true
        });
    }

    // 11. Mock navigator.getBattery
    if (!navigator.getBattery) {
        navigator.getBattery = function() {
            return Promise.resolve({
                charging: true,
                chargingTime: 0,
                dischargingTime: Infinity,
                level: 1.0,
                addEventListener: function() {},
                removeEventListener: function() {}
            });
        };
    }
})();
`

// collectorBlocklist lists endpoints whose only job is reporting browser
// telemetry to bot-detection backends. Requests to them are dropped.
var collectorBlocklist = []string{
	"*.px-cdn.net/*",
	"*.px-cloud.net/*",
	"*.perimeterx.net/*",
	"*datadome.co/*",
	"*.fingerprint.com/*",
	"*.fpjs.io/*",
	"*.hcaptcha.com/getcaptcha*",
	"*.castle.io/*",
}

// Options configure page hardening.
type Options struct {
	Disabled bool // skip all stealth work (testing against local fixtures)
}

// ConfigureLauncher applies the stealth launch flags. winW/winH size the
// browser window; zero values fall back to 1920x1080.
func ConfigureLauncher(l *launcher.Launcher, headless bool, winW, winH int, locale string) *launcher.Launcher {
	if winW <= 0 || winH <= 0 {
		winW, winH = 1920, 1080
	}
	if locale == "" {
		locale = "en-US,en"
	}
	return l.
		Headless(headless).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-infobars").
		Set("disable-extensions").
		Set("disable-plugins-discovery").
		Set("disable-background-networking").
		Set("disable-background-timer-throttling").
		Set("disable-backgrounding-occluded-windows").
		Set("disable-renderer-backgrounding").
		Set("window-size", fmt.Sprintf("%d,%d", winW, winH)).
		Set("lang", locale)
}

// NewPage creates a page with the evasion bundle applied and, when a
// fingerprint is given, the identity spoof script on top.
func NewPage(browser *rod.Browser, fp *fingerprint.Fingerprint, opts Options) (*rod.Page, error) {
	if opts.Disabled {
		page, err := browser.Page(proto.TargetCreateTarget{})
		if err != nil {
			return nil, err
		}
		return page, nil
	}

	page, err := stealth.Page(browser)
	if err != nil {
		return nil, err
	}

	if _, err := page.EvalOnNewDocument(StealthScript); err != nil {
		page.Close()
		return nil, err
	}

	if fp != nil {
		if _, err := page.EvalOnNewDocument(fingerprint.SpoofScript(fp)); err != nil {
			page.Close()
			return nil, err
		}
		if fp.Languages != nil {
			langScript := fmt.Sprintf(`Object.defineProperty(navigator, 'languages', { get: () => Object.freeze(%s), configurable: true });`,
				jsStringArray(fp.Languages))
			if _, err := page.EvalOnNewDocument(langScript); err != nil {
				page.Close()
				return nil, err
			}
		}
	}

	if err := blockCollectors(page); err != nil {
		page.Close()
		return nil, err
	}

	return page, nil
}

// blockCollectors installs a hijack router that drops requests to known
// detection collectors.
func blockCollectors(page *rod.Page) error {
	router := page.HijackRequests()
	for _, pattern := range collectorBlocklist {
		err := router.Add(pattern, "", func(ctx *rod.Hijack) {
			ctx.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
		})
		if err != nil {
			return err
		}
	}
	go router.Run()
	return nil
}

func jsStringArray(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
