// Package fingerprint generates self-consistent browser fingerprints.
//
// Detection systems cross-check fingerprint surfaces against each other: a
// macOS user agent reporting an NVIDIA renderer, or a Windows platform with
// Apple fonts, is an instant flag. Generation therefore starts from a fixed
// archetype (a coherent bundle of platform, UA, GPU, fonts and geometry) and
// only jitters fields that float freely in real populations, like the
// viewport inset inside the screen.
package fingerprint

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Fingerprint is one coherent browser identity.
type Fingerprint struct {
	ID        string   `json:"id"`
	Archetype string   `json:"archetype"`
	Platform  string   `json:"platform"` // navigator.platform
	UserAgent string   `json:"userAgent"`
	Languages []string `json:"languages"`
	Locale    string   `json:"locale"`
	Timezone  string   `json:"timezone"`

	ScreenWidth    int `json:"screenWidth"`
	ScreenHeight   int `json:"screenHeight"`
	ViewportWidth  int `json:"viewportWidth"`
	ViewportHeight int `json:"viewportHeight"`
	ColorDepth     int `json:"colorDepth"`

	HardwareConcurrency int `json:"hardwareConcurrency"`
	DeviceMemory        int `json:"deviceMemory"`

	WebGLVendor   string   `json:"webglVendor"`
	WebGLRenderer string   `json:"webglRenderer"`
	Fonts         []string `json:"fonts"`
}

// archetype is a template all of whose fields must travel together.
type archetype struct {
	name      string
	platform  string
	userAgent string
	screenW   int
	screenH   int
	colorDepth int
	cores     []int // plausible hardwareConcurrency values
	memory    []int // plausible deviceMemory values
	webglVendor   string
	webglRenderer string
	fonts     []string
}

var archetypes = []archetype{
	{
		name:       "windows-nvidia",
		platform:   "Win32",
		userAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		screenW:    1920, screenH: 1080, colorDepth: 24,
		cores:  []int{8, 12, 16},
		memory: []int{8, 16, 32},
		webglVendor:   "Google Inc. (NVIDIA)",
		webglRenderer: "ANGLE (NVIDIA, NVIDIA GeForce RTX 3060 Direct3D11 vs_5_0 ps_5_0, D3D11)",
		fonts: []string{"Arial", "Calibri", "Cambria", "Consolas", "Segoe UI", "Tahoma", "Times New Roman", "Verdana"},
	},
	{
		name:       "windows-intel",
		platform:   "Win32",
		userAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		screenW:    1536, screenH: 864, colorDepth: 24,
		cores:  []int{4, 8},
		memory: []int{8, 16},
		webglVendor:   "Google Inc. (Intel)",
		webglRenderer: "ANGLE (Intel, Intel(R) Iris(R) Xe Graphics Direct3D11 vs_5_0 ps_5_0, D3D11)",
		fonts: []string{"Arial", "Calibri", "Cambria", "Consolas", "Segoe UI", "Tahoma", "Times New Roman", "Verdana"},
	},
	{
		name:       "macos-apple-silicon",
		platform:   "MacIntel",
		userAgent:  "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		screenW:    1728, screenH: 1117, colorDepth: 30,
		cores:  []int{8, 10, 12},
		memory: []int{8, 16},
		webglVendor:   "Google Inc. (Apple)",
		webglRenderer: "ANGLE (Apple, ANGLE Metal Renderer: Apple M2, Unspecified Version)",
		fonts: []string{"Arial", "Avenir", "Geneva", "Helvetica", "Helvetica Neue", "Lucida Grande", "Menlo", "Monaco", "San Francisco"},
	},
	{
		name:       "macos-intel",
		platform:   "MacIntel",
		userAgent:  "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		screenW:    1440, screenH: 900, colorDepth: 30,
		cores:  []int{4, 8},
		memory: []int{8, 16},
		webglVendor:   "Google Inc. (Intel)",
		webglRenderer: "ANGLE (Intel, Intel(R) Iris(TM) Plus Graphics OpenGL Engine, OpenGL 4.1)",
		fonts: []string{"Arial", "Avenir", "Geneva", "Helvetica", "Helvetica Neue", "Lucida Grande", "Menlo", "Monaco", "San Francisco"},
	},
	{
		name:       "linux-intel",
		platform:   "Linux x86_64",
		userAgent:  "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		screenW:    1920, screenH: 1080, colorDepth: 24,
		cores:  []int{4, 8, 12},
		memory: []int{8, 16},
		webglVendor:   "Google Inc. (Intel)",
		webglRenderer: "ANGLE (Intel, Mesa Intel(R) UHD Graphics 630 (CFL GT2), OpenGL 4.6)",
		fonts: []string{"Arial", "DejaVu Sans", "DejaVu Serif", "Liberation Mono", "Liberation Sans", "Liberation Serif", "Ubuntu"},
	},
}

// localePool gives each fingerprint a plausible locale/timezone pairing.
var localePool = []struct {
	locale    string
	languages []string
	timezone  string
}{
	{"en-US", []string{"en-US", "en"}, "America/New_York"},
	{"en-US", []string{"en-US", "en"}, "America/Chicago"},
	{"en-US", []string{"en-US", "en"}, "America/Los_Angeles"},
	{"en-GB", []string{"en-GB", "en"}, "Europe/London"},
	{"de-DE", []string{"de-DE", "de", "en"}, "Europe/Berlin"},
}

// Generator produces fingerprints and remembers them by ID.
type Generator struct {
	mu   sync.Mutex
	rng  *rand.Rand
	byID map[string]*Fingerprint
}

// NewGenerator creates a Generator. A zero seed uses a random source.
func NewGenerator(seed int64) *Generator {
	src := rand.NewSource(seed)
	if seed == 0 {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Generator{
		rng:  rand.New(src),
		byID: make(map[string]*Fingerprint),
	}
}

// Generate builds a new fingerprint. platform filters archetypes by
// navigator.platform ("Win32", "MacIntel", "Linux x86_64"); empty means any.
func (g *Generator) Generate(platform string) *Fingerprint {
	g.mu.Lock()
	defer g.mu.Unlock()

	candidates := archetypes
	if platform != "" {
		var filtered []archetype
		for _, a := range archetypes {
			if a.platform == platform {
				filtered = append(filtered, a)
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
		}
	}
	arch := candidates[g.rng.Intn(len(candidates))]
	loc := localePool[g.rng.Intn(len(localePool))]

	// Viewport floats inside the screen: browser chrome eats 70-150px of
	// height, and some users keep a non-maximized window.
	chromeHeight := 70 + g.rng.Intn(81)
	widthInset := 0
	if g.rng.Float64() < 0.3 {
		widthInset = 40 + g.rng.Intn(200)
	}

	fp := &Fingerprint{
		ID:                  ulid.Make().String(),
		Archetype:           arch.name,
		Platform:            arch.platform,
		UserAgent:           arch.userAgent,
		Languages:           loc.languages,
		Locale:              loc.locale,
		Timezone:            loc.timezone,
		ScreenWidth:         arch.screenW,
		ScreenHeight:        arch.screenH,
		ViewportWidth:       arch.screenW - widthInset,
		ViewportHeight:      arch.screenH - chromeHeight,
		ColorDepth:          arch.colorDepth,
		HardwareConcurrency: arch.cores[g.rng.Intn(len(arch.cores))],
		DeviceMemory:        arch.memory[g.rng.Intn(len(arch.memory))],
		WebGLVendor:         arch.webglVendor,
		WebGLRenderer:       arch.webglRenderer,
		Fonts:               arch.fonts,
	}

	g.byID[fp.ID] = fp
	return fp
}

// Get returns a previously generated fingerprint by ID.
func (g *Generator) Get(id string) (*Fingerprint, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fp, ok := g.byID[id]
	return fp, ok
}

// Check verifies the fingerprint's surfaces agree with each other. Used by
// tests and as a guard before a stored fingerprint is reused.
func Check(fp *Fingerprint) error {
	switch fp.Platform {
	case "Win32":
		if !strings.Contains(fp.UserAgent, "Windows NT") {
			return fmt.Errorf("platform %s with non-Windows user agent", fp.Platform)
		}
		if strings.Contains(fp.WebGLRenderer, "Metal") || strings.Contains(fp.WebGLRenderer, "Mesa") {
			return fmt.Errorf("platform %s with renderer %q", fp.Platform, fp.WebGLRenderer)
		}
	case "MacIntel":
		if !strings.Contains(fp.UserAgent, "Macintosh") {
			return fmt.Errorf("platform %s with non-Mac user agent", fp.Platform)
		}
		if strings.Contains(fp.WebGLRenderer, "Direct3D") || strings.Contains(fp.WebGLRenderer, "Mesa") {
			return fmt.Errorf("platform %s with renderer %q", fp.Platform, fp.WebGLRenderer)
		}
	case "Linux x86_64":
		if !strings.Contains(fp.UserAgent, "X11; Linux") {
			return fmt.Errorf("platform %s with non-Linux user agent", fp.Platform)
		}
		if strings.Contains(fp.WebGLRenderer, "Direct3D") || strings.Contains(fp.WebGLRenderer, "Metal") {
			return fmt.Errorf("platform %s with renderer %q", fp.Platform, fp.WebGLRenderer)
		}
	default:
		return fmt.Errorf("unknown platform %q", fp.Platform)
	}

	if fp.ViewportWidth > fp.ScreenWidth || fp.ViewportHeight >= fp.ScreenHeight {
		return fmt.Errorf("viewport %dx%d exceeds screen %dx%d",
			fp.ViewportWidth, fp.ViewportHeight, fp.ScreenWidth, fp.ScreenHeight)
	}
	if fp.HardwareConcurrency < 2 || fp.DeviceMemory < 2 {
		return fmt.Errorf("implausible hardware: %d cores, %dGB", fp.HardwareConcurrency, fp.DeviceMemory)
	}
	if len(fp.Languages) == 0 || !strings.HasPrefix(fp.Locale, strings.Split(fp.Languages[0], "-")[0]) {
		return fmt.Errorf("locale %q disagrees with languages %v", fp.Locale, fp.Languages)
	}
	return nil
}
