package fingerprint

import (
	"strings"
	"testing"
)

func TestGenerateConsistency(t *testing.T) {
	g := NewGenerator(1)

	// Every generated fingerprint must pass the cross-surface check.
	for i := 0; i < 200; i++ {
		fp := g.Generate("")
		if err := Check(fp); err != nil {
			t.Fatalf("fingerprint %d (%s) inconsistent: %v", i, fp.Archetype, err)
		}
	}
}

func TestGeneratePlatformFilter(t *testing.T) {
	g := NewGenerator(2)

	for _, platform := range []string{"Win32", "MacIntel", "Linux x86_64"} {
		for i := 0; i < 20; i++ {
			fp := g.Generate(platform)
			if fp.Platform != platform {
				t.Errorf("Generate(%q) produced platform %q", platform, fp.Platform)
			}
		}
	}

	// Unknown platform falls back to the full archetype set.
	fp := g.Generate("BeOS")
	if err := Check(fp); err != nil {
		t.Errorf("fallback fingerprint inconsistent: %v", err)
	}
}

func TestGenerateUniqueIDs(t *testing.T) {
	g := NewGenerator(3)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		fp := g.Generate("")
		if seen[fp.ID] {
			t.Fatal("duplicate fingerprint ID")
		}
		seen[fp.ID] = true
	}
}

func TestGet(t *testing.T) {
	g := NewGenerator(4)
	fp := g.Generate("")

	got, ok := g.Get(fp.ID)
	if !ok {
		t.Fatal("Get() did not find generated fingerprint")
	}
	if got != fp {
		t.Error("Get() returned a different fingerprint")
	}

	if _, ok := g.Get("missing"); ok {
		t.Error("Get() found a fingerprint that was never generated")
	}
}

func TestCheckRejectsMixedArchetypes(t *testing.T) {
	g := NewGenerator(5)
	fp := g.Generate("Win32")

	tests := []struct {
		name   string
		mutate func(*Fingerprint)
	}{
		{"mac UA on windows platform", func(f *Fingerprint) {
			f.UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
		}},
		{"metal renderer on windows", func(f *Fingerprint) {
			f.WebGLRenderer = "ANGLE (Apple, ANGLE Metal Renderer: Apple M2, Unspecified Version)"
		}},
		{"viewport wider than screen", func(f *Fingerprint) {
			f.ViewportWidth = f.ScreenWidth + 100
		}},
		{"locale disagrees with languages", func(f *Fingerprint) {
			f.Locale = "fr-FR"
		}},
		{"unknown platform", func(f *Fingerprint) {
			f.Platform = "Amiga"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := *fp
			tt.mutate(&bad)
			if err := Check(&bad); err == nil {
				t.Error("Check() accepted an inconsistent fingerprint")
			}
		})
	}
}

func TestViewportInsideScreen(t *testing.T) {
	g := NewGenerator(6)
	for i := 0; i < 100; i++ {
		fp := g.Generate("")
		if fp.ViewportHeight >= fp.ScreenHeight {
			t.Fatalf("viewport height %d not inset from screen height %d", fp.ViewportHeight, fp.ScreenHeight)
		}
		if fp.ViewportWidth > fp.ScreenWidth {
			t.Fatalf("viewport width %d exceeds screen width %d", fp.ViewportWidth, fp.ScreenWidth)
		}
	}
}

func TestSpoofScript(t *testing.T) {
	g := NewGenerator(7)
	fp := g.Generate("MacIntel")

	script := SpoofScript(fp)

	for _, want := range []string{
		fp.Platform,
		fp.WebGLVendor,
		fp.Timezone,
		"hardwareConcurrency",
		"deviceMemory",
		"getParameter",
		"resolvedOptions",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("SpoofScript() missing %q", want)
		}
	}

	// Must be an IIFE so nothing leaks into page scope.
	if !strings.HasPrefix(script, "(() => {") {
		t.Error("SpoofScript() should be wrapped in an IIFE")
	}
}
