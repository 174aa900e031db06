package stealth

import (
	"strings"
	"testing"

	"github.com/go-rod/rod/lib/launcher"
)

func TestStealthScriptShape(t *testing.T) {
	for _, want := range []string{
		"navigator, 'webdriver'",
		"mockPlugins",
		"mimeTypeArray",
		"chrome.runtime",
		"Permissions.prototype.query",
		"getBattery",
	} {
		if !strings.Contains(StealthScript, want) {
			t.Errorf("StealthScript missing %q", want)
		}
	}

	// Identity-specific surfaces belong to the fingerprint spoof script;
	// hardcoding them here would fight the per-profile values.
	for _, reject := range []string{"UNMASKED_VENDOR_WEBGL", "Intel Iris", "'languages'"} {
		if strings.Contains(StealthScript, reject) {
			t.Errorf("StealthScript hardcodes identity surface %q", reject)
		}
	}
}

func TestConfigureLauncher(t *testing.T) {
	l := ConfigureLauncher(launcher.New(), true, 1440, 900, "de-DE,de")

	flags := l.FormatArgs()
	joined := strings.Join(flags, " ")

	for _, want := range []string{
		"--disable-blink-features=AutomationControlled",
		"--window-size=1440,900",
		"--lang=de-DE,de",
		"--no-sandbox",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("launcher args missing %q in %s", want, joined)
		}
	}
}

func TestConfigureLauncherDefaults(t *testing.T) {
	l := ConfigureLauncher(launcher.New(), false, 0, 0, "")
	joined := strings.Join(l.FormatArgs(), " ")

	if !strings.Contains(joined, "--window-size=1920,1080") {
		t.Errorf("default window size not applied: %s", joined)
	}
	if !strings.Contains(joined, "--lang=en-US,en") {
		t.Errorf("default locale not applied: %s", joined)
	}
}

func TestCollectorBlocklist(t *testing.T) {
	if len(collectorBlocklist) == 0 {
		t.Fatal("collector blocklist is empty")
	}
	for _, p := range collectorBlocklist {
		if !strings.Contains(p, "*") {
			t.Errorf("blocklist entry %q is not a wildcard pattern", p)
		}
	}
}
